// internal/transport/local.go
package transport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// LocalName is the address that selects local execution
const LocalName = "local"

// LocalConfig configures direct command execution
type LocalConfig struct {
	// Shell runs each submission as "Shell -c <data>"; defaults to /bin/sh
	Shell  string
	Dir    string
	Env    []string
	Logger *slog.Logger
}

// Local is a Transport that runs each submission as a subprocess on this
// host and delivers its combined output as one chunk. There is no echo.
type Local struct {
	hub
	cfg    LocalConfig
	logger *slog.Logger

	mu   sync.Mutex
	open bool
}

// NewLocal creates a local transport
func NewLocal(cfg LocalConfig) *Local {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Local{cfg: cfg, logger: logger}
}

// Open checks that the shell exists
func (l *Local) Open(ctx context.Context) error {
	if _, err := exec.LookPath(l.cfg.Shell); err != nil {
		return &ConnectionError{Op: "open", Addr: LocalName, Err: err}
	}
	l.mu.Lock()
	l.open = true
	l.mu.Unlock()
	return nil
}

// Send runs data through the shell and blocks until it exits. A non-zero
// exit status is not an error here; the output is delivered either way.
func (l *Local) Send(ctx context.Context, data []byte) error {
	l.mu.Lock()
	open := l.open
	l.mu.Unlock()
	if !open {
		return &ConnectionError{Op: "exec", Addr: LocalName, Err: errors.New("transport not open")}
	}

	cmd := exec.CommandContext(ctx, l.cfg.Shell, "-c", string(data))
	cmd.Dir = l.cfg.Dir
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.WaitDelay = 2 * time.Second
	configureProcessGroup(cmd)

	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		text := Clean(string(out))
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		l.publish(text)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			l.logger.Debug("local command exited", "code", exitErr.ExitCode())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectionError{Op: "exec", Addr: LocalName, Err: err}
	}
	return nil
}

// Close marks the transport closed
func (l *Local) Close() error {
	l.mu.Lock()
	l.open = false
	l.mu.Unlock()
	return nil
}

// Name returns "local"
func (l *Local) Name() string {
	return LocalName
}

// Echoes is false for local execution
func (l *Local) Echoes() bool {
	return false
}
