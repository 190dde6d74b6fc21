// internal/session/lines.go
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/logbuf"
)

// lineSplitter reassembles lines split across transport chunks. Complete
// lines go to the log immediately; a trailing fragment is held until its
// newline arrives or the line has been idle for delay (shell prompts never
// end in a newline).
type lineSplitter struct {
	buf   *logbuf.Buffer
	delay time.Duration

	mu      sync.Mutex
	partial string
	timer   *time.Timer
}

func (l *lineSplitter) write(chunk string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	text := l.partial + chunk
	i := strings.LastIndexByte(text, '\n')
	if i < 0 {
		l.partial = text
		l.armLocked()
		return
	}
	l.partial = text[i+1:]
	l.buf.Append(text[:i+1])
	if l.partial != "" {
		l.armLocked()
	} else if l.timer != nil {
		l.timer.Stop()
	}
}

func (l *lineSplitter) armLocked() {
	if l.partial == "" {
		return
	}
	if l.timer == nil {
		l.timer = time.AfterFunc(l.delay, l.flush)
		return
	}
	l.timer.Reset(l.delay)
}

// flush commits a held fragment as its own line
func (l *lineSplitter) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	if l.partial != "" {
		l.buf.Append(l.partial)
		l.partial = ""
	}
}
