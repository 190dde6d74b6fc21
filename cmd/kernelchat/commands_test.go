// cmd/kernelchat/commands_test.go
package main

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/session"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport/transporttest"
)

func TestSendAndCollectFullBuffer(t *testing.T) {
	dev := transporttest.New(nil)
	mgr := session.NewManager(func(string, int) (transport.Transport, error) { return dev, nil },
		session.Options{BufferLines: 3, PollInterval: 20 * time.Millisecond})
	defer mgr.Disconnect()
	if _, err := mgr.Connect(context.Background(), "fake", 115200); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	// fill the log so the echo evicts the oldest line
	dev.Emit("a\nb\nc\n")

	got, err := sendAndCollect(context.Background(), mgr, "ls", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("sendAndCollect error: %v", err)
	}
	if want := []string{"ls"}; !reflect.DeepEqual(got, want) {
		t.Errorf("sendAndCollect = %q, want %q", got, want)
	}
}

func TestSendAndCollectClosed(t *testing.T) {
	mgr := session.NewManager(func(string, int) (transport.Transport, error) { return transporttest.New(nil), nil },
		session.Options{})
	if _, err := sendAndCollect(context.Background(), mgr, "ls", time.Millisecond); err == nil {
		t.Error("sendAndCollect succeeded without a session")
	}
}
