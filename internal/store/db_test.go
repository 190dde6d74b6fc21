// internal/store/db_test.go
package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/llm"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReportInsertAndQuery(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	raw := strings.Repeat("DRIVER platform serial8250 serial8250\n", 200)
	id, err := db.InsertReport(ctx, &Report{
		Timestamp: time.Date(2026, 2, 3, 12, 30, 0, 0, time.UTC),
		Probe:     "drivers",
		Device:    "/dev/ttyUSB0",
		Marker:    "0123456789ab",
		Degraded:  true,
		Markdown:  "## Drivers",
		JSON:      []byte(`{"probe":"drivers"}`),
		Raw:       raw,
		Elapsed:   1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("InsertReport error: %v", err)
	}
	db.InsertReport(ctx, &Report{Timestamp: time.Date(2026, 2, 3, 12, 31, 0, 0, time.UTC), Probe: "identity", Device: "local"})

	got, err := db.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport error: %v", err)
	}
	if got.Raw != raw {
		t.Errorf("Raw did not survive compression: %d bytes, want %d", len(got.Raw), len(raw))
	}
	if !got.Degraded || got.Elapsed != 1500*time.Millisecond || string(got.JSON) != `{"probe":"drivers"}` {
		t.Errorf("report = %+v", got)
	}

	all, err := db.RecentReports(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentReports error: %v", err)
	}
	if len(all) != 2 || all[0].Probe != "identity" {
		t.Errorf("RecentReports = %d reports, first %q; want 2, identity first", len(all), all[0].Probe)
	}
	drivers, _ := db.RecentReports(ctx, "drivers", 10)
	if len(drivers) != 1 || drivers[0].ID != id {
		t.Errorf("RecentReports(drivers) = %+v", drivers)
	}

	if _, err := db.GetReport(ctx, 999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetReport(999) err = %v, want sql.ErrNoRows", err)
	}
}

func TestWatchInsertAndQuery(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	result := &WatchResult{
		Timestamp: time.Date(2026, 2, 3, 12, 30, 0, 0, time.UTC),
		Device:    "/dev/ttyUSB0",
		Status:    "warning",
		Issues: []llm.Issue{
			{Summary: "eMMC CRC error", Evidence: "mmc0: error -84 whilst initialising SD card"},
		},
		RawDmesg:     "[   12.345678] mmc0: error -84 whilst initialising SD card",
		APILatencyMs: 250,
	}
	if err := db.InsertWatchResult(ctx, result); err != nil {
		t.Fatalf("InsertWatchResult error: %v", err)
	}

	results, err := db.QueryByDevice(ctx, "/dev/ttyUSB0", 10)
	if err != nil {
		t.Fatalf("QueryByDevice error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("QueryByDevice returned %d results, want 1", len(results))
	}
	if results[0].Status != "warning" || len(results[0].Issues) != 1 || results[0].RawDmesg != result.RawDmesg {
		t.Errorf("result = %+v", results[0])
	}

	results, err = db.QueryNonOK(ctx, 10)
	if err != nil {
		t.Fatalf("QueryNonOK error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("QueryNonOK returned %d results, want 1", len(results))
	}
}

func TestStatusCounts(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	for _, status := range []string{"ok", "ok", "ok", "warning", "critical"} {
		db.InsertWatchResult(ctx, &WatchResult{
			Timestamp: time.Now(),
			Device:    "/dev/ttyUSB0",
			Status:    status,
		})
	}

	counts, err := db.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts error: %v", err)
	}
	if counts["ok"] != 3 {
		t.Errorf("ok count = %d, want 3", counts["ok"])
	}
	if counts["warning"] != 1 {
		t.Errorf("warning count = %d, want 1", counts["warning"])
	}
}

func TestCompressRoundTrip(t *testing.T) {
	for _, in := range [][]byte{[]byte("x"), bytes.Repeat([]byte("KCSTART_abc\n"), 100)} {
		packed, err := compress(in)
		if err != nil {
			t.Fatalf("compress error: %v", err)
		}
		out, err := decompress(packed)
		if err != nil {
			t.Fatalf("decompress error: %v", err)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("round trip of %d bytes changed the data", len(in))
		}
	}
	if _, err := decompress([]byte{9, 1, 2}); err == nil {
		t.Error("decompress accepted an unknown tag")
	}
}
