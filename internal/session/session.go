// internal/session/session.go

// Package session owns one open transport together with the line log it
// feeds, and runs framed scripts against it one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/logbuf"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/protocol"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport"
)

// ErrNotConnected is returned by operations on a closed session
var ErrNotConnected = errors.New("not connected")

const (
	// DefaultFlushDelay is how long an unterminated line waits for its
	// newline before it is committed to the log as is
	DefaultFlushDelay = 300 * time.Millisecond
)

// Options tune a session. The zero value is usable.
type Options struct {
	// BufferLines is the line log capacity (logbuf.DefaultCapacity if 0)
	BufferLines int
	// Buffer reuses an existing log instead of allocating one
	Buffer       *logbuf.Buffer
	PollInterval time.Duration
	FlushDelay   time.Duration
	// SuppressEcho sends "stty -echo" after connecting to an echoing device
	SuppressEcho bool
	// LiteralMarkers emits marker tokens unsplit, so echoes contain them
	LiteralMarkers bool
	// ClearOnDisconnect empties the log when the session closes
	ClearOnDisconnect bool
	// Mirror receives every decoded chunk as it arrives
	Mirror  io.Writer
	OnState func(protocol.Marker, protocol.State)
	Logger  *slog.Logger
}

// Session is an open transport and its captured output
type Session struct {
	transport transport.Transport
	buffer    *logbuf.Buffer
	splitter  *lineSplitter
	opts      Options
	logger    *slog.Logger

	// slot admits one framed request at a time
	slot chan struct{}

	mu          sync.Mutex
	open        bool
	unsubscribe func()
	mirrorErr   bool
}

// Connect opens t and starts capturing its output
func Connect(ctx context.Context, t transport.Transport, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	buf := opts.Buffer
	if buf == nil {
		buf = logbuf.New(opts.BufferLines)
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}

	s := &Session{
		transport: t,
		buffer:    buf,
		splitter:  &lineSplitter{buf: buf, delay: opts.FlushDelay},
		opts:      opts,
		logger:    logger.With("transport", t.Name()),
		slot:      make(chan struct{}, 1),
	}

	// subscribe first so nothing printed during open is lost
	unsubscribe := t.Subscribe(s.receive)
	if err := t.Open(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	s.unsubscribe = unsubscribe
	s.open = true
	s.logger.Info("session connected", "echo", t.Echoes())

	if opts.SuppressEcho && t.Echoes() {
		if err := s.Send(ctx, "stty -echo"); err != nil {
			s.Disconnect()
			return nil, fmt.Errorf("suppress echo: %w", err)
		}
	}
	return s, nil
}

func (s *Session) receive(chunk string) {
	if w := s.opts.Mirror; w != nil {
		if _, err := io.WriteString(w, chunk); err != nil {
			s.mu.Lock()
			first := !s.mirrorErr
			s.mirrorErr = true
			s.mu.Unlock()
			if first {
				s.logger.Warn("mirror write failed", "error", err)
			}
		}
	}
	s.splitter.write(chunk)
}

// Send transmits text, adding a trailing newline when missing
func (s *Session) Send(ctx context.Context, text string) error {
	if !s.IsOpen() {
		return ErrNotConnected
	}
	if len(text) == 0 || text[len(text)-1] != '\n' {
		text += "\n"
	}
	if err := s.transport.Send(ctx, []byte(text)); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// RunFramed runs script on the device and returns the output recovered
// between its markers. Calls on one session are serialized.
func (s *Session) RunFramed(ctx context.Context, script string, timeout time.Duration) (protocol.Match, error) {
	if !s.IsOpen() {
		return protocol.Match{}, ErrNotConnected
	}
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return protocol.Match{}, ctx.Err()
	}
	defer func() { <-s.slot }()

	if !s.IsOpen() {
		return protocol.Match{}, ErrNotConnected
	}

	emission := protocol.EchoSafe
	if s.opts.LiteralMarkers {
		emission = protocol.Literal
	}
	req := protocol.Request{
		Script:       script,
		Timeout:      timeout,
		PollInterval: s.opts.PollInterval,
		ExpectEcho:   s.transport.Echoes() && s.opts.LiteralMarkers && !s.opts.SuppressEcho,
		Emission:     emission,
		OnState:      s.opts.OnState,
		Logger:       s.logger,
	}
	match, err := protocol.Do(ctx, s.buffer, s.transport.Send, req)
	if err != nil {
		s.fail(err)
		return protocol.Match{}, err
	}
	return match, nil
}

// fail closes the session after a transport failure
func (s *Session) fail(err error) {
	if transport.IsConnection(err) {
		s.logger.Warn("transport failed, closing session", "error", err)
		s.Disconnect()
	}
}

// Tail returns the last n captured lines
func (s *Session) Tail(n int) []string {
	return s.buffer.Tail(n)
}

// Clear empties the captured log in place
func (s *Session) Clear() {
	s.buffer.Clear()
}

// Buffer returns the session's line log
func (s *Session) Buffer() *logbuf.Buffer {
	return s.buffer
}

// Name identifies the transport endpoint
func (s *Session) Name() string {
	return s.transport.Name()
}

// IsOpen reports whether the session still holds its transport
func (s *Session) IsOpen() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Disconnect releases the transport. Closing a closed session does nothing.
func (s *Session) Disconnect() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.splitter.flush()
	err := s.transport.Close()
	if s.opts.ClearOnDisconnect {
		s.buffer.Clear()
	}
	s.logger.Info("session disconnected")
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}
