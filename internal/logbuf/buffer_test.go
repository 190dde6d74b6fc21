// internal/logbuf/buffer_test.go
package logbuf

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestBufferKeepsLastCapacityLines(t *testing.T) {
	for _, tc := range []struct{ capacity, extra int }{
		{1, 0}, {1, 5}, {3, 1}, {10, 25}, {64, 64},
	} {
		b := New(tc.capacity)
		total := tc.capacity + tc.extra
		for i := 0; i < total; i++ {
			b.Append(fmt.Sprintf("line-%d", i))
		}

		got := b.Tail(total)
		if len(got) != tc.capacity {
			t.Fatalf("cap=%d extra=%d: len = %d, want %d", tc.capacity, tc.extra, len(got), tc.capacity)
		}
		for i, line := range got {
			want := fmt.Sprintf("line-%d", tc.extra+i)
			if line != want {
				t.Errorf("cap=%d extra=%d: line[%d] = %q, want %q", tc.capacity, tc.extra, i, line, want)
			}
		}
		if b.Evicted() != uint64(tc.extra) {
			t.Errorf("cap=%d extra=%d: Evicted = %d, want %d", tc.capacity, tc.extra, b.Evicted(), tc.extra)
		}
	}
}

func TestBufferAppendSplitsLines(t *testing.T) {
	b := New(10)
	b.Append("a\nb\nc\n")
	b.Append("d")

	want := []string{"a", "b", "c", "d"}
	if got := b.Tail(10); !reflect.DeepEqual(got, want) {
		t.Errorf("Tail = %q, want %q", got, want)
	}
}

func TestBufferSinceFence(t *testing.T) {
	b := New(100)
	b.Append("before-1\nbefore-2")
	fence := b.Fence()
	b.Append("x")
	b.Append("y\nz")

	want := []string{"x", "y", "z"}
	if got := b.Since(fence); !reflect.DeepEqual(got, want) {
		t.Errorf("Since(%d) = %q, want %q", fence, got, want)
	}
}

func TestBufferSinceClampsFence(t *testing.T) {
	b := New(5)
	b.Append("a\nb\nc")

	if got := b.Since(-4); len(got) != 3 {
		t.Errorf("Since(-4) returned %d lines, want 3", len(got))
	}
	if got := b.Since(99); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Since(99) = %q, want all 3 lines", got)
	}
	if got := b.Since(3); len(got) != 0 {
		t.Errorf("Since(3) returned %q, want empty", got)
	}
}

func TestBufferSinceStaleFenceAfterClear(t *testing.T) {
	b := New(10)
	b.Append("one\ntwo\nthree\nfour")
	fence := b.Fence()
	b.Clear()
	b.Append("fresh")

	if got := b.Since(fence); !reflect.DeepEqual(got, []string{"fresh"}) {
		t.Errorf("Since(stale fence) = %q, want [fresh]", got)
	}
}

func TestBufferSinceMarkCorrectsEviction(t *testing.T) {
	b := New(4)
	b.Append("a\nb\nc")
	m := b.Mark()
	b.Append("d\ne")

	// one line evicted; the raw fence of 3 now skips "d"
	if got := b.Since(m.Fence); !reflect.DeepEqual(got, []string{"e"}) {
		t.Errorf("Since(raw fence) = %q, want [e]", got)
	}
	if got := b.SinceMark(m); !reflect.DeepEqual(got, []string{"d", "e"}) {
		t.Errorf("SinceMark = %q, want [d e]", got)
	}
}

func TestBufferSinceMarkAfterClear(t *testing.T) {
	b := New(10)
	b.Append("a\nb\nc")
	m := b.Mark()
	b.Clear()
	b.Append("new")

	if got := b.SinceMark(m); !reflect.DeepEqual(got, []string{"new"}) {
		t.Errorf("SinceMark after Clear = %q, want [new]", got)
	}
}

func TestBufferTail(t *testing.T) {
	b := New(10)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		b.Append(s)
	}

	if got := b.Tail(3); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Errorf("Tail(3) = %q, want [c d e]", got)
	}
	if got := b.Tail(50); len(got) != 5 {
		t.Errorf("Tail(50) returned %d lines, want 5", len(got))
	}
	if got := b.Tail(0); len(got) != 0 {
		t.Errorf("Tail(0) = %q, want empty", got)
	}
}

func TestBufferClearIdempotent(t *testing.T) {
	b := New(10)
	b.Append("a\nb")
	same := b

	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len after first Clear = %d, want 0", b.Len())
	}
	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len after second Clear = %d, want 0", b.Len())
	}
	if got := same.Tail(5); len(got) != 0 {
		t.Errorf("Tail after Clear = %q, want empty", got)
	}
}

func TestBufferNotify(t *testing.T) {
	b := New(10)
	ch := b.Notify()

	select {
	case <-ch:
		t.Fatal("Notify channel closed before any append")
	default:
	}

	go b.Append("hello")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify channel not closed after Append")
	}
}
