// internal/store/db.go

// Package store keeps probe reports and kernel log watch results in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/llm"
	_ "modernc.org/sqlite"
)

// DB wraps SQLite connection
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	probe TEXT NOT NULL,
	device TEXT NOT NULL,
	marker TEXT,
	exit_code INTEGER,
	degraded INTEGER NOT NULL DEFAULT 0,
	markdown TEXT,
	report_json TEXT,
	raw_payload BLOB,
	elapsed_ms INTEGER,
	created_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_reports_probe ON reports(probe);
CREATE INDEX IF NOT EXISTS idx_reports_timestamp ON reports(timestamp);

CREATE TABLE IF NOT EXISTS watch_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	device TEXT NOT NULL,
	status TEXT NOT NULL,
	issues TEXT,
	raw_dmesg BLOB,
	api_latency_ms INTEGER,
	created_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_watch_device ON watch_results(device);
CREATE INDEX IF NOT EXISTS idx_watch_status ON watch_results(status);
CREATE INDEX IF NOT EXISTS idx_watch_timestamp ON watch_results(timestamp);
`

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Report is a stored probe run
type Report struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Probe     string          `json:"probe"`
	Device    string          `json:"device"`
	Marker    string          `json:"marker"`
	ExitCode  int             `json:"exit_code"`
	Degraded  bool            `json:"degraded"`
	Markdown  string          `json:"markdown"`
	JSON      json.RawMessage `json:"report"`
	Raw       string          `json:"raw,omitempty"`
	Elapsed   time.Duration   `json:"elapsed"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertReport stores a probe report; the raw payload is compressed
func (d *DB) InsertReport(ctx context.Context, r *Report) (int64, error) {
	raw, err := compress([]byte(r.Raw))
	if err != nil {
		return 0, err
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO reports (timestamp, probe, device, marker, exit_code, degraded, markdown, report_json, raw_payload, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Probe, r.Device, r.Marker, r.ExitCode, r.Degraded,
		r.Markdown, string(r.JSON), raw, r.Elapsed.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	return res.LastInsertId()
}

const reportColumns = `id, timestamp, probe, device, marker, exit_code, degraded, markdown, report_json, raw_payload, elapsed_ms, created_at`

// RecentReports returns the newest reports, optionally for one probe
func (d *DB) RecentReports(ctx context.Context, probe string, limit int) ([]Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports`
	var args []any
	if probe != "" {
		query += ` WHERE probe = ?`
		args = append(args, probe)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReports(rows)
}

// GetReport returns one report by id, or sql.ErrNoRows
func (d *DB) GetReport(ctx context.Context, id int64) (*Report, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	reports, err := scanReports(rows)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, sql.ErrNoRows
	}
	return &reports[0], nil
}

func scanReports(rows *sql.Rows) ([]Report, error) {
	var reports []Report
	for rows.Next() {
		var r Report
		var tsStr, createdStr string
		var marker, markdown, reportJSON sql.NullString
		var exitCode, elapsed sql.NullInt64
		var raw []byte

		err := rows.Scan(&r.ID, &tsStr, &r.Probe, &r.Device, &marker, &exitCode, &r.Degraded,
			&markdown, &reportJSON, &raw, &elapsed, &createdStr)
		if err != nil {
			return nil, err
		}

		r.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		r.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdStr)
		r.Marker = marker.String
		r.ExitCode = int(exitCode.Int64)
		r.Markdown = markdown.String
		if reportJSON.Valid && reportJSON.String != "" {
			r.JSON = json.RawMessage(reportJSON.String)
		}
		r.Elapsed = time.Duration(elapsed.Int64) * time.Millisecond
		if len(raw) > 0 {
			plain, err := decompress(raw)
			if err != nil {
				return nil, fmt.Errorf("report %d: %w", r.ID, err)
			}
			r.Raw = string(plain)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// WatchResult is one analyzed batch of kernel log lines
type WatchResult struct {
	ID           int64       `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	Device       string      `json:"device"`
	Status       string      `json:"status"`
	Issues       []llm.Issue `json:"issues"`
	RawDmesg     string      `json:"raw_dmesg"`
	APILatencyMs int64       `json:"api_latency_ms"`
	CreatedAt    time.Time   `json:"created_at"`
}

// InsertWatchResult stores an analysis result
func (d *DB) InsertWatchResult(ctx context.Context, r *WatchResult) error {
	issuesJSON, err := json.Marshal(r.Issues)
	if err != nil {
		return err
	}
	raw, err := compress([]byte(r.RawDmesg))
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO watch_results (timestamp, device, status, issues, raw_dmesg, api_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Timestamp.UTC().Format(time.RFC3339), r.Device, r.Status, string(issuesJSON), raw, r.APILatencyMs)
	if err != nil {
		return fmt.Errorf("insert watch result: %w", err)
	}
	return nil
}

const watchColumns = `id, timestamp, device, status, issues, raw_dmesg, api_latency_ms, created_at`

// QueryByDevice returns recent results for a device
func (d *DB) QueryByDevice(ctx context.Context, device string, limit int) ([]WatchResult, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+watchColumns+`
		FROM watch_results
		WHERE device = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, device, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWatchResults(rows)
}

// QueryNonOK returns recent non-ok results
func (d *DB) QueryNonOK(ctx context.Context, limit int) ([]WatchResult, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+watchColumns+`
		FROM watch_results
		WHERE status != 'ok'
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWatchResults(rows)
}

// StatusCounts returns count of watch results by status
func (d *DB) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM watch_results GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanWatchResults(rows *sql.Rows) ([]WatchResult, error) {
	var results []WatchResult
	for rows.Next() {
		var r WatchResult
		var tsStr, createdStr string
		var issuesJSON sql.NullString
		var raw []byte
		var latency sql.NullInt64

		err := rows.Scan(&r.ID, &tsStr, &r.Device, &r.Status, &issuesJSON, &raw, &latency, &createdStr)
		if err != nil {
			return nil, err
		}

		r.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		r.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdStr)
		if issuesJSON.Valid {
			json.Unmarshal([]byte(issuesJSON.String), &r.Issues)
		}
		if len(raw) > 0 {
			plain, err := decompress(raw)
			if err != nil {
				return nil, fmt.Errorf("watch result %d: %w", r.ID, err)
			}
			r.RawDmesg = string(plain)
		}
		r.APILatencyMs = latency.Int64
		results = append(results, r)
	}
	return results, rows.Err()
}
