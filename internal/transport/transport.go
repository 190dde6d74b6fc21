// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrConnection matches every *ConnectionError via errors.Is
var ErrConnection = errors.New("connection error")

// Handler receives decoded text chunks in arrival order
type Handler func(chunk string)

// Transport is a text command channel to a device
type Transport interface {
	// Open establishes the connection. Failures are *ConnectionError.
	Open(ctx context.Context) error
	// Send transmits data verbatim
	Send(ctx context.Context, data []byte) error
	// Subscribe registers h for incoming chunks and returns a function that
	// removes it
	Subscribe(h Handler) (unsubscribe func())
	Close() error
	// Name identifies the endpoint, e.g. a device path
	Name() string
	// Echoes reports whether the far end echoes what it receives
	Echoes() bool
}

// ConnectionError is an open or transmit failure on the physical channel
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConnection) true for any ConnectionError
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// IsConnection reports whether err is a transport connection failure
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// hub fans incoming chunks out to subscribers
type hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

func (h *hub) Subscribe(fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]Handler)
	}
	id := h.next
	h.next++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(chunk string) {
	if chunk == "" {
		return
	}
	h.mu.RLock()
	subs := make([]Handler, 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(chunk)
	}
}
