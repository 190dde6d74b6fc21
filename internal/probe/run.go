// internal/probe/run.go
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/protocol"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/session"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport"
)

// Runner executes framed scripts. *session.Session implements it.
type Runner interface {
	IsOpen() bool
	Name() string
	RunFramed(ctx context.Context, script string, timeout time.Duration) (protocol.Match, error)
}

// Result is one completed probe run
type Result struct {
	Probe    string        `json:"probe"`
	Source   string        `json:"source"`
	Marker   string        `json:"marker"`
	ExitCode int           `json:"exit_code"`
	Elapsed  time.Duration `json:"elapsed"`
	Raw      string        `json:"-"`
	Report   Report        `json:"report"`
}

// Degraded reports whether the parser had to work around problems
func (r *Result) Degraded() bool {
	return len(r.Report.ParseErrors()) > 0
}

// Run executes the named probe on r. When r is nil or closed the script
// runs on this host instead, through the same framing and parser.
func Run(ctx context.Context, r Runner, name string, opts Options) (*Result, error) {
	return RunWith(ctx, r, name, opts, nil)
}

// RunWith is Run with a logger
func RunWith(ctx context.Context, r Runner, name string, opts Options, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if v, ok := p.(Validator); ok {
		if err := v.Validate(opts); err != nil {
			return nil, fmt.Errorf("probe %s: %w", name, err)
		}
	}

	if r == nil || !r.IsOpen() {
		logger.Debug("no open session, running probe locally", "probe", name)
		local, err := session.Connect(ctx, transport.NewLocal(transport.LocalConfig{Logger: logger}), session.Options{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("probe %s: local fallback: %w", name, err)
		}
		defer local.Disconnect()
		r = local
	}

	start := time.Now()
	match, err := r.RunFramed(ctx, p.BuildScript(opts), p.Timeout(opts))
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", name, err)
	}
	report := p.Parse(match.Payload)
	res := &Result{
		Probe:    name,
		Source:   r.Name(),
		Marker:   match.Marker.ID,
		ExitCode: match.ExitCode,
		Elapsed:  time.Since(start),
		Raw:      match.Payload,
		Report:   report,
	}
	logger.Info("probe complete", "probe", name, "source", res.Source,
		"elapsed", res.Elapsed.Round(time.Millisecond), "warnings", len(report.ParseErrors()))
	return res, nil
}
