// internal/transport/login.go
package transport

import (
	"log/slog"
	"strings"
	"sync"
)

// maxLoginAttempts bounds how often each credential is typed
const maxLoginAttempts = 3

// autoLogin answers getty prompts seen on the console. It is a heuristic:
// a prompt is a "login:" or "password:" at the end of recent output, and a
// rejected password is only noticed through later timeouts.
type autoLogin struct {
	mu       sync.Mutex
	username string
	password string
	window   string
	userSent int
	passSent int
	send     func(text string)
	logger   *slog.Logger
}

func newAutoLogin(username, password string, send func(string), logger *slog.Logger) *autoLogin {
	return &autoLogin{username: username, password: password, send: send, logger: logger}
}

// observe inspects one decoded chunk and types a credential when the
// output ends in a prompt
func (a *autoLogin) observe(chunk string) {
	if a == nil || a.username == "" {
		return
	}

	a.mu.Lock()
	a.window += strings.ToLower(chunk)
	if len(a.window) > 64 {
		a.window = a.window[len(a.window)-64:]
	}
	tail := strings.TrimRight(a.window, " \t\n")

	var reply string
	switch {
	case strings.HasSuffix(tail, "password:"):
		if a.password != "" && a.passSent < maxLoginAttempts {
			a.passSent++
			reply = a.password
			a.logger.Info("answering password prompt", "attempt", a.passSent)
		}
	case strings.HasSuffix(tail, "login:"):
		if a.userSent < maxLoginAttempts {
			a.userSent++
			reply = a.username
			a.logger.Info("answering login prompt", "user", a.username, "attempt", a.userSent)
		}
	}
	if reply != "" {
		a.window = ""
	}
	a.mu.Unlock()

	if reply != "" {
		a.send(reply + "\n")
	}
}
