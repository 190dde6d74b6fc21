// internal/protocol/extract_test.go
package protocol

import (
	"strings"
	"testing"
)

func TestWrapEchoSafeHidesTokens(t *testing.T) {
	m := MarkerFromID("abc123def456")
	wrapped := Wrap(m, "uname -a\n", EchoSafe)

	if strings.Contains(wrapped, m.Start) || strings.Contains(wrapped, m.End) {
		t.Errorf("echo-safe submission contains a literal token:\n%s", wrapped)
	}
	if !strings.HasPrefix(wrapped, "sh <<'KCEOF_abc123def456'\n") {
		t.Errorf("submission does not open a heredoc:\n%s", wrapped)
	}

	literal := Wrap(m, "uname -a", Literal)
	if !strings.Contains(literal, "echo "+m.Start+"\n") {
		t.Errorf("literal submission missing start token:\n%s", literal)
	}
}

func TestParseWrapped(t *testing.T) {
	m := NewMarker()
	script := "echo one\necho two"

	got, body, ok := ParseWrapped(Wrap(m, script, EchoSafe))
	if !ok {
		t.Fatal("ParseWrapped rejected a wrapped submission")
	}
	if got.ID != m.ID {
		t.Errorf("ID = %q, want %q", got.ID, m.ID)
	}
	if body != script {
		t.Errorf("body = %q, want %q", body, script)
	}

	if _, _, ok := ParseWrapped("echo hello\n"); ok {
		t.Error("ParseWrapped accepted a plain command")
	}
}

func TestNewMarkerUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		m := NewMarker()
		if len(m.ID) != IDLength {
			t.Fatalf("ID %q has length %d, want %d", m.ID, len(m.ID), IDLength)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate marker id %q", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestExtractPrefersLastPair(t *testing.T) {
	m := MarkerFromID("feedfacecafe")
	lines := []string{
		"# sh <<'KCEOF_feedfacecafe'",
		"> echo " + m.Start,
		"> (",
		"> cat /proc/version",
		"> ) 2>&1",
		"> echo " + m.End + " rc=$?",
		"> KCEOF_feedfacecafe",
		m.Start,
		"Linux version 5.10.0",
		m.End + " rc=0",
		"# ",
	}

	match, ok, err := Extract(lines, m, true, false)
	if err != nil || !ok {
		t.Fatalf("Extract ok=%v err=%v", ok, err)
	}
	if match.Payload != "Linux version 5.10.0" {
		t.Errorf("Payload = %q, want device output", match.Payload)
	}
	if match.Pairs != 2 {
		t.Errorf("Pairs = %d, want 2", match.Pairs)
	}
	if match.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", match.ExitCode)
	}
}

func TestExtractSinglePair(t *testing.T) {
	m := MarkerFromID("000000000001")
	lines := []string{m.Start, "a", "b", m.End + " rc=3"}

	match, ok, err := Extract(lines, m, false, false)
	if err != nil || !ok {
		t.Fatalf("Extract ok=%v err=%v", ok, err)
	}
	if match.Payload != "a\nb" {
		t.Errorf("Payload = %q, want %q", match.Payload, "a\nb")
	}
	if match.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", match.ExitCode)
	}

	// an echo copy is still expected: wait, unless this is the last look
	if _, ok, _ := Extract(lines, m, true, false); ok {
		t.Error("Extract accepted a lone pair while an echo copy is expected")
	}
	if _, ok, _ := Extract(lines, m, true, true); !ok {
		t.Error("Extract did not fall back to the lone pair at the deadline")
	}
}

func TestExtractWaitsForEnd(t *testing.T) {
	m := MarkerFromID("000000000002")
	_, ok, err := Extract([]string{m.Start, "partial output"}, m, false, false)
	if ok || err != nil {
		t.Errorf("Extract ok=%v err=%v, want wait", ok, err)
	}
}

func TestExtractAmbiguous(t *testing.T) {
	m := MarkerFromID("000000000003")
	lines := []string{m.End, "noise", m.Start}

	if _, ok, err := Extract(lines, m, false, false); ok || err != nil {
		t.Errorf("before deadline: ok=%v err=%v, want wait", ok, err)
	}
	if _, _, err := Extract(lines, m, false, true); !IsAmbiguous(err) {
		t.Errorf("at deadline: err = %v, want ErrAmbiguousPayload", err)
	}

	early := []string{m.End, m.End}
	if _, _, err := Extract(early, m, false, false); !IsAmbiguous(err) {
		t.Errorf("repeated unpaired ends: err = %v, want ErrAmbiguousPayload", err)
	}
}

func TestExtractIgnoresOtherMarkers(t *testing.T) {
	mine := MarkerFromID("aaaaaaaaaaaa")
	other := MarkerFromID("bbbbbbbbbbbb")
	lines := []string{other.Start, "x", other.End, mine.Start, "y", mine.End}

	match, ok, err := Extract(lines, mine, false, false)
	if err != nil || !ok {
		t.Fatalf("Extract ok=%v err=%v", ok, err)
	}
	if match.Payload != "y" {
		t.Errorf("Payload = %q, want %q", match.Payload, "y")
	}
}
