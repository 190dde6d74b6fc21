// internal/protocol/request_test.go
package protocol

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/logbuf"
)

// echoDevice appends a verbatim echo of every submission to buf and then
// the device output for the wrapped script, bracketed by real tokens
func echoDevice(buf *logbuf.Buffer, output string) SendFunc {
	return func(ctx context.Context, data []byte) error {
		buf.Append(string(data))
		m, _, ok := ParseWrapped(string(data))
		if !ok {
			return nil
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			buf.Append(m.Start + "\n" + output + "\n" + m.End + " rc=0\n")
		}()
		return nil
	}
}

func TestDoRoundTripLiteralEcho(t *testing.T) {
	buf := logbuf.New(100)
	buf.Append("console noise before the request")

	req := Request{
		Script:       "cat /etc/hostname",
		Timeout:      2 * time.Second,
		PollInterval: 20 * time.Millisecond,
		Emission:     Literal,
		ExpectEcho:   true,
	}
	match, err := Do(context.Background(), buf, echoDevice(buf, "device-output"), req)
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if match.Payload != "device-output" {
		t.Errorf("Payload = %q, want %q", match.Payload, "device-output")
	}
	if match.Pairs != 2 {
		t.Errorf("Pairs = %d, want 2 (echo + output)", match.Pairs)
	}
}

func TestDoRoundTripEchoSafe(t *testing.T) {
	buf := logbuf.New(100)

	var states []State
	req := Request{
		Script:       "uname -r",
		Timeout:      2 * time.Second,
		PollInterval: 20 * time.Millisecond,
		OnState:      func(_ Marker, s State) { states = append(states, s) },
	}
	match, err := Do(context.Background(), buf, echoDevice(buf, "5.10.0"), req)
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if match.Payload != "5.10.0" {
		t.Errorf("Payload = %q, want %q", match.Payload, "5.10.0")
	}
	if match.Pairs != 1 {
		t.Errorf("Pairs = %d, want 1 (echo carries no tokens)", match.Pairs)
	}

	want := []State{StateIdle, StateSent, StatePolling, StateMatched}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestDoTimeout(t *testing.T) {
	buf := logbuf.New(100)
	silent := func(ctx context.Context, data []byte) error {
		buf.Append(string(data)) // echo only, never an end token
		return nil
	}

	timeout := 150 * time.Millisecond
	poll := 50 * time.Millisecond
	start := time.Now()
	_, err := Do(context.Background(), buf, silent, Request{
		Script:       "sleep 100",
		Timeout:      timeout,
		PollInterval: poll,
	})
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// allow scheduling slack on top of deadline + one poll interval
	if limit := timeout + poll + 250*time.Millisecond; elapsed > limit {
		t.Errorf("timed out after %v, want <= %v", elapsed, limit)
	}
	if elapsed < timeout {
		t.Errorf("timed out after %v, before the %v deadline", elapsed, timeout)
	}
}

func TestDoContextCancel(t *testing.T) {
	buf := logbuf.New(10)
	ctx, cancel := context.WithCancel(context.Background())
	send := func(context.Context, []byte) error {
		cancel()
		return nil
	}

	_, err := Do(ctx, buf, send, Request{Script: "true", Timeout: 5 * time.Second})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// TestAwaitOverlapCrossesPayload records the failure mode of two requests
// sharing one stream without serialization: the device runs both scripts
// and their output interleaves, so each payload picks up the other's lines.
func TestAwaitOverlapCrossesPayload(t *testing.T) {
	buf := logbuf.New(100)
	a := MarkerFromID("aaaaaaaaaaaa")
	b := MarkerFromID("bbbbbbbbbbbb")
	mark := buf.Mark()

	var wg sync.WaitGroup
	results := make(map[string]Match)
	var mu sync.Mutex
	for _, m := range []Marker{a, b} {
		wg.Add(1)
		go func(m Marker) {
			defer wg.Done()
			match, err := Await(context.Background(), buf, mark, Request{
				Marker:       m,
				Timeout:      2 * time.Second,
				PollInterval: 20 * time.Millisecond,
			})
			if err != nil {
				t.Errorf("Await(%s) error: %v", m.ID, err)
				return
			}
			mu.Lock()
			results[m.ID] = match
			mu.Unlock()
		}(m)
	}

	buf.Append(Wrap(a, "echo out-A", EchoSafe))
	buf.Append(Wrap(b, "echo out-B", EchoSafe))
	buf.Append(strings.Join([]string{
		a.Start, b.Start, "out-A", "out-B", a.End + " rc=0", b.End + " rc=0",
	}, "\n"))
	wg.Wait()

	if got := results[a.ID].Payload; !strings.Contains(got, "out-B") {
		t.Errorf("payload A = %q, expected it to be crossed with B's output", got)
	}
	if got := results[b.ID].Payload; !strings.Contains(got, "out-A") {
		t.Errorf("payload B = %q, expected it to be crossed with A's output", got)
	}
}
