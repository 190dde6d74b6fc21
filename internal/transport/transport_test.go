// internal/transport/transport_test.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDecoderCarriesSplitRune(t *testing.T) {
	d, err := NewDecoder("")
	if err != nil {
		t.Fatalf("NewDecoder error: %v", err)
	}
	raw := []byte("temp 42°C\n")
	cut := strings.Index(string(raw), "°") + 1 // inside the two-byte rune

	got := d.Decode(raw[:cut]) + d.Decode(raw[cut:])
	if got != "temp 42°C\n" {
		t.Errorf("decoded = %q, want %q", got, "temp 42°C\n")
	}
}

func TestDecoderCleansConsoleText(t *testing.T) {
	d, _ := NewDecoder("utf-8")
	got := d.Decode([]byte("\x1b[1;32mroot@dev\x1b[0m:~# ls\r\nbin\x00\r\n"))
	if got != "root@dev:~# ls\nbin\n" {
		t.Errorf("decoded = %q", got)
	}
}

func TestDecoderLatin1(t *testing.T) {
	d, err := NewDecoder("latin1")
	if err != nil {
		t.Fatalf("NewDecoder error: %v", err)
	}
	if got := d.Decode([]byte{'c', 'a', 'f', 0xe9}); got != "café" {
		t.Errorf("decoded = %q, want café", got)
	}

	if _, err := NewDecoder("ebcdic"); err == nil {
		t.Error("NewDecoder accepted an unknown charset")
	}
}

func TestAutoLoginAnswersPrompts(t *testing.T) {
	var mu sync.Mutex
	var typed []string
	a := newAutoLogin("root", "s3cret", func(s string) {
		mu.Lock()
		typed = append(typed, s)
		mu.Unlock()
	}, slog.New(slog.DiscardHandler))

	a.observe("\nbuildroot log")
	a.observe("in: ")
	a.observe("Password: ")
	a.observe("Last login: Mon Feb  3 on ttyS0\n# ")

	want := []string{"root\n", "s3cret\n"}
	if fmt.Sprint(typed) != fmt.Sprint(want) {
		t.Errorf("typed = %q, want %q", typed, want)
	}
}

func TestAutoLoginAttemptLimit(t *testing.T) {
	count := 0
	a := newAutoLogin("root", "", func(string) { count++ }, slog.New(slog.DiscardHandler))
	for i := 0; i < 5; i++ {
		a.observe("Login incorrect\nlogin: ")
	}
	if count != maxLoginAttempts {
		t.Errorf("username typed %d times, want %d", count, maxLoginAttempts)
	}
}

func TestAutoLoginDisabledWithoutUser(t *testing.T) {
	a := newAutoLogin("", "", func(string) { t.Error("typed with no username configured") }, slog.New(slog.DiscardHandler))
	a.observe("login: ")
}

func TestConnectionErrorIs(t *testing.T) {
	err := fmt.Errorf("connect: %w", &ConnectionError{Op: "open", Addr: "/dev/ttyUSB9", Err: errors.New("no such file")})
	if !IsConnection(err) {
		t.Error("IsConnection = false for a wrapped ConnectionError")
	}
	if IsConnection(errors.New("other")) {
		t.Error("IsConnection = true for a plain error")
	}
	if !strings.Contains(err.Error(), "open /dev/ttyUSB9: no such file") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestNewSerialRequiresPort(t *testing.T) {
	if _, err := NewSerial(SerialConfig{}); err == nil {
		t.Error("NewSerial accepted an empty port")
	}
}

func TestLocalSendPublishesOutput(t *testing.T) {
	l := NewLocal(LocalConfig{})
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer l.Close()

	var got strings.Builder
	unsubscribe := l.Subscribe(func(chunk string) { got.WriteString(chunk) })
	defer unsubscribe()

	if err := l.Send(context.Background(), []byte("echo one; echo two >&2; exit 3")); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got.String() != "one\ntwo\n" {
		t.Errorf("output = %q, want %q", got.String(), "one\ntwo\n")
	}
	if l.Echoes() {
		t.Error("local transport reports echo")
	}
}

func TestLocalSendCancel(t *testing.T) {
	l := NewLocal(LocalConfig{})
	l.Open(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Send(ctx, []byte("sleep 10"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Send took %v after cancellation", time.Since(start))
	}
}

func TestLocalSendClosed(t *testing.T) {
	l := NewLocal(LocalConfig{})
	if err := l.Send(context.Background(), []byte("true")); !IsConnection(err) {
		t.Errorf("err = %v, want ConnectionError", err)
	}
}
