// internal/session/manager.go
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/logbuf"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/protocol"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport"
)

// Dialer builds an unopened transport for an address
type Dialer func(address string, baud int) (transport.Transport, error)

// NewDialer returns a Dialer that runs commands on this host for the
// address "local" and opens a serial port, based on serial, otherwise
func NewDialer(serial transport.SerialConfig, local transport.LocalConfig) Dialer {
	return func(address string, baud int) (transport.Transport, error) {
		if address == transport.LocalName {
			return transport.NewLocal(local), nil
		}
		cfg := serial
		cfg.Port = address
		if baud > 0 {
			cfg.BaudRate = baud
		}
		return transport.NewSerial(cfg)
	}
}

// Manager keeps at most one session open. Connecting closes and replaces
// the previous session.
type Manager struct {
	dial   Dialer
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager whose sessions use opts. All sessions
// share one line log, so output captured before a reconnect stays visible.
func NewManager(dial Dialer, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Buffer == nil {
		opts.Buffer = logbuf.New(opts.BufferLines)
	}
	return &Manager{dial: dial, opts: opts, logger: logger}
}

// Connect opens a session on address, closing any session already open.
// On failure no session is left open.
func (m *Manager) Connect(ctx context.Context, address string, baud int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.logger.Info("replacing session", "previous", m.current.Name(), "next", address)
		if err := m.current.Disconnect(); err != nil {
			m.logger.Warn("close previous session", "error", err)
		}
		m.current = nil
	}

	t, err := m.dial(address, baud)
	if err != nil {
		return nil, err
	}
	s, err := Connect(ctx, t, m.opts)
	if err != nil {
		return nil, err
	}
	m.current = s
	return s, nil
}

// Current returns the open session, or nil
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.IsOpen() {
		return nil
	}
	return m.current
}

// Disconnect closes the current session, if any
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	return s.Disconnect()
}

// Buffer returns the log shared by the manager's sessions
func (m *Manager) Buffer() *logbuf.Buffer {
	return m.opts.Buffer
}

// IsOpen reports whether a session is open
func (m *Manager) IsOpen() bool {
	return m.Current() != nil
}

// Name identifies the current session's endpoint, or "" when closed
func (m *Manager) Name() string {
	if s := m.Current(); s != nil {
		return s.Name()
	}
	return ""
}

// RunFramed runs script on the current session. It returns
// ErrNotConnected when none is open.
func (m *Manager) RunFramed(ctx context.Context, script string, timeout time.Duration) (protocol.Match, error) {
	return m.Current().RunFramed(ctx, script, timeout)
}

// Send transmits text on the current session
func (m *Manager) Send(ctx context.Context, text string) error {
	return m.Current().Send(ctx, text)
}
