// internal/protocol/frame.go
package protocol

import (
	"strings"
)

// Emission selects how marker tokens are written into the wrapped script
type Emission int

const (
	// EchoSafe splits each token with an empty quoted string, so a verbatim
	// echo of the submitted source never contains the token itself
	EchoSafe Emission = iota
	// Literal writes the tokens verbatim; an echoing line discipline then
	// shows every token twice
	Literal
)

// Wrap frames script as a single heredoc submission:
//
//	sh <<'KCEOF_<id>'
//	echo KC''START_<id>
//	(
//	<script>
//	) 2>&1
//	echo KC''END_<id> rc=$?
//	KCEOF_<id>
//
// The remote shell reads the whole block before running any of it, so no
// prompt detection is needed after the first line.
func Wrap(m Marker, script string, e Emission) string {
	var b strings.Builder
	eof := eofPrefix + m.ID

	b.WriteString("sh <<'" + eof + "'\n")
	b.WriteString("echo " + emitToken(startPrefix, m.ID, e) + "\n")
	b.WriteString("(\n")
	body := strings.TrimRight(script, "\n")
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString(") 2>&1\n")
	b.WriteString("echo " + emitToken(endPrefix, m.ID, e) + " rc=$?\n")
	b.WriteString(eof + "\n")
	return b.String()
}

func emitToken(prefix, id string, e Emission) string {
	if e == Literal {
		return prefix + id
	}
	return prefix[:2] + "''" + prefix[2:] + id
}

// ParseWrapped recovers the marker and script body from a submission
// produced by Wrap. It reports false for anything else.
func ParseWrapped(submission string) (Marker, string, bool) {
	lines := strings.Split(strings.TrimRight(submission, "\n"), "\n")
	if len(lines) < 6 {
		return Marker{}, "", false
	}

	head := lines[0]
	open := "sh <<'" + eofPrefix
	if !strings.HasPrefix(head, open) || !strings.HasSuffix(head, "'") {
		return Marker{}, "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(head, open), "'")
	if id == "" || lines[len(lines)-1] != eofPrefix+id {
		return Marker{}, "", false
	}

	// lines: head, start, "(", body..., ") 2>&1", end, eof
	if lines[2] != "(" || lines[len(lines)-3] != ") 2>&1" {
		return Marker{}, "", false
	}
	body := strings.Join(lines[3:len(lines)-3], "\n")
	return MarkerFromID(id), body, true
}
