// internal/protocol/request.go
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/logbuf"
)

const (
	// DefaultPollInterval is the fallback re-scan period when no append
	// notification arrives
	DefaultPollInterval = 150 * time.Millisecond
	// DefaultTimeout applies when a request carries no timeout
	DefaultTimeout = 15 * time.Second
)

// Source is the captured line log a request is matched against
type Source interface {
	Mark() logbuf.Mark
	SinceMark(m logbuf.Mark) []string
	Notify() <-chan struct{}
}

// SendFunc transmits one wrapped submission
type SendFunc func(ctx context.Context, data []byte) error

// Request is one framed script execution
type Request struct {
	Marker       Marker
	Script       string
	Timeout      time.Duration
	PollInterval time.Duration
	// ExpectEcho is set when the transport echoes input and tokens are
	// emitted literally, so every token is expected twice
	ExpectEcho         bool
	Emission           Emission
	AmbiguityThreshold int
	// OnState observes lifecycle transitions; may be nil
	OnState func(Marker, State)
	Logger  *slog.Logger
}

func (r *Request) setDefaults() {
	if r.Marker.ID == "" {
		r.Marker = NewMarker()
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.PollInterval <= 0 {
		r.PollInterval = DefaultPollInterval
	}
	if r.AmbiguityThreshold == 0 {
		r.AmbiguityThreshold = DefaultAmbiguityThreshold
	}
	if r.Logger == nil {
		r.Logger = slog.New(slog.DiscardHandler)
	}
}

func (r *Request) state(s State) {
	if r.OnState != nil {
		r.OnState(r.Marker, s)
	}
}

// Do wraps the request script, transmits it through send and waits for its
// marker pair in src. The mark is taken before transmission so output that
// arrives while send is still blocking (local execution) is not missed.
func Do(ctx context.Context, src Source, send SendFunc, req Request) (Match, error) {
	req.setDefaults()
	req.state(StateIdle)

	mark := src.Mark()
	wrapped := Wrap(req.Marker, req.Script, req.Emission)
	if err := send(ctx, []byte(wrapped)); err != nil {
		return Match{}, fmt.Errorf("send framed script: %w", err)
	}
	req.state(StateSent)
	req.Logger.Debug("framed script sent", "marker", req.Marker.ID, "bytes", len(wrapped))

	return Await(ctx, src, mark, req)
}

// Await waits until the request's marker pair appears in src after mark.
// It re-scans on every append notification and on each poll tick, and
// gives up with ErrTimeout when the deadline elapses.
func Await(ctx context.Context, src Source, mark logbuf.Mark, req Request) (Match, error) {
	req.setDefaults()
	req.state(StatePolling)

	start := time.Now()
	deadline := time.NewTimer(req.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(req.PollInterval)
	defer ticker.Stop()

	for {
		notify := src.Notify()
		match, ok, err := extract(src.SinceMark(mark), req.Marker, req.ExpectEcho, false, req.AmbiguityThreshold)
		if err != nil {
			req.state(StateTimedOut)
			return Match{}, fmt.Errorf("marker %s: %w", req.Marker.ID, err)
		}
		if ok {
			req.state(StateMatched)
			req.Logger.Debug("framed payload matched", "marker", req.Marker.ID,
				"lines", len(match.Lines), "pairs", match.Pairs, "elapsed", time.Since(start))
			return match, nil
		}

		select {
		case <-ctx.Done():
			return Match{}, ctx.Err()
		case <-notify:
		case <-ticker.C:
		case <-deadline.C:
			return finish(src, mark, req, start)
		}
	}
}

func finish(src Source, mark logbuf.Mark, req Request, start time.Time) (Match, error) {
	match, ok, err := extract(src.SinceMark(mark), req.Marker, req.ExpectEcho, true, req.AmbiguityThreshold)
	if ok {
		req.state(StateMatched)
		req.Logger.Debug("framed payload matched at deadline", "marker", req.Marker.ID, "pairs", match.Pairs)
		return match, nil
	}
	req.state(StateTimedOut)
	if err != nil {
		return Match{}, fmt.Errorf("marker %s: %w", req.Marker.ID, err)
	}
	return Match{}, fmt.Errorf("%w: marker %s after %s", ErrTimeout, req.Marker.ID, time.Since(start).Round(time.Millisecond))
}
