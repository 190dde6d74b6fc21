// internal/logbuf/buffer.go
package logbuf

import (
	"strings"
	"sync"
)

// DefaultCapacity is the line capacity used when none is configured
const DefaultCapacity = 5000

// Buffer is a bounded, append-only sequence of decoded console lines.
//
// A fence (see Fence) is a plain length snapshot. It is not adjusted when
// head lines are evicted; holders that keep an int fence across evictions
// must subtract the eviction count themselves. Mark and SinceMark do that
// bookkeeping for callers that prefer not to.
type Buffer struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	evicted  uint64
	epoch    uint64
	wait     chan struct{}
}

// Mark is a fence paired with the eviction total at the time it was taken
type Mark struct {
	Fence   int
	Evicted uint64
	epoch   uint64
}

// New creates a buffer holding at most capacity lines
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines:    make([]string, 0, min(capacity, 1024)),
		capacity: capacity,
		wait:     make(chan struct{}),
	}
}

// Capacity returns the maximum number of retained lines
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Append splits text on line breaks and appends each line.
// A single trailing newline does not produce an empty line.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	text = strings.TrimSuffix(text, "\n")
	parts := strings.Split(text, "\n")

	b.mu.Lock()
	b.lines = append(b.lines, parts...)
	if over := len(b.lines) - b.capacity; over > 0 {
		// Drop the whole overflow at once and move the survivors down so the
		// backing array does not grow without bound.
		n := copy(b.lines, b.lines[over:])
		clear(b.lines[n:])
		b.lines = b.lines[:n]
		b.evicted += uint64(over)
	}
	b.signalLocked()
	b.mu.Unlock()
}

// Fence returns the current number of lines
func (b *Buffer) Fence() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Since returns a copy of the lines appended after fence. A negative
// fence, or one past the end (left over from before a Clear), means the
// start of the buffer.
func (b *Buffer) Since(fence int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinceLocked(fence)
}

// Evicted returns the total number of lines ever evicted from the head
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Mark takes a fence together with the current eviction total
func (b *Buffer) Mark() Mark {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Mark{Fence: len(b.lines), Evicted: b.evicted, epoch: b.epoch}
}

// SinceMark returns the lines appended after m, correcting the fence for
// any evictions that happened since m was taken. If lines appended after m
// were themselves evicted, everything still retained is returned. A mark
// taken before the last Clear refers to the start of the buffer.
func (b *Buffer) SinceMark(m Mark) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.epoch != b.epoch {
		return b.sinceLocked(0)
	}
	fence := m.Fence
	if drift := b.evicted - m.Evicted; drift > 0 {
		if uint64(fence) <= drift {
			fence = 0
		} else {
			fence -= int(drift)
		}
	}
	return b.sinceLocked(fence)
}

// Tail returns the last n lines, n clamped to the buffer length
func (b *Buffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return []string{}
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// Len returns the current number of lines
func (b *Buffer) Len() int {
	return b.Fence()
}

// Clear empties the buffer in place. Cleared lines do not count as evicted.
func (b *Buffer) Clear() {
	b.mu.Lock()
	clear(b.lines)
	b.lines = b.lines[:0]
	b.epoch++
	b.signalLocked()
	b.mu.Unlock()
}

// Notify returns a channel that is closed on the next Append or Clear.
// Take the channel before reading so no wake-up is lost.
func (b *Buffer) Notify() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wait
}

func (b *Buffer) sinceLocked(fence int) []string {
	if fence < 0 || fence > len(b.lines) {
		fence = 0
	}
	out := make([]string, len(b.lines)-fence)
	copy(out, b.lines[fence:])
	return out
}

func (b *Buffer) signalLocked() {
	close(b.wait)
	b.wait = make(chan struct{})
}
