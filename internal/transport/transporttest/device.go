// internal/transport/transporttest/device.go

// Package transporttest provides an in-memory device for exercising the
// framing protocol without hardware.
package transporttest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/protocol"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport"
)

// Responder produces the device output for one framed script body
type Responder func(body string) string

// Device is a fake console. Every Send is optionally echoed back verbatim;
// framed submissions are then answered by Respond, bracketed by the real
// marker tokens.
type Device struct {
	// Echo makes the device echo each submission before answering
	Echo bool
	// Respond answers framed scripts; nil leaves them unanswered
	Respond Responder
	// Delay postpones the answer after the echo
	Delay time.Duration
	// Hold queues answers until Release is called
	Hold bool
	// OpenErr is returned by Open when set
	OpenErr error

	mu      sync.Mutex
	subs    map[int]transport.Handler
	next    int
	open    bool
	sent    []string
	pending []string
	wg      sync.WaitGroup
}

// New creates an echoing device that answers framed scripts with respond
func New(respond Responder) *Device {
	return &Device{Echo: true, Respond: respond}
}

func (d *Device) Open(ctx context.Context) error {
	if d.OpenErr != nil {
		return &transport.ConnectionError{Op: "open", Addr: d.Name(), Err: d.OpenErr}
	}
	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
	return nil
}

func (d *Device) Send(ctx context.Context, data []byte) error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return &transport.ConnectionError{Op: "write", Addr: d.Name(), Err: errors.New("device closed")}
	}
	text := string(data)
	d.sent = append(d.sent, text)
	d.mu.Unlock()

	if d.Echo {
		d.Emit(text)
	}
	m, body, ok := protocol.ParseWrapped(text)
	if !ok || d.Respond == nil {
		return nil
	}
	answer := frame(m, d.Respond(body))

	d.mu.Lock()
	if d.Hold {
		d.pending = append(d.pending, answer)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.Delay > 0 {
			time.Sleep(d.Delay)
		}
		d.Emit(answer)
	}()
	return nil
}

func frame(m protocol.Marker, output string) string {
	var b strings.Builder
	b.WriteString(m.Start + "\n")
	if output != "" {
		b.WriteString(strings.TrimRight(output, "\n") + "\n")
	}
	b.WriteString(m.End + " rc=0\n")
	return b.String()
}

// Release emits every held answer in submission order
func (d *Device) Release() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, p := range pending {
		d.Emit(p)
	}
}

// Emit pushes text to subscribers as if the device printed it
func (d *Device) Emit(text string) {
	d.mu.Lock()
	subs := make([]transport.Handler, 0, len(d.subs))
	for _, h := range d.subs {
		subs = append(subs, h)
	}
	d.mu.Unlock()
	for _, h := range subs {
		h(text)
	}
}

func (d *Device) Subscribe(h transport.Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs == nil {
		d.subs = make(map[int]transport.Handler)
	}
	id := d.next
	d.next++
	d.subs[id] = h
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Device) Close() error {
	d.wg.Wait()
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	return nil
}

func (d *Device) Name() string { return "fake" }

func (d *Device) Echoes() bool { return d.Echo }

// Sent returns every submission received so far
func (d *Device) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}
