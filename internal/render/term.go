// internal/render/term.go
package render

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ForFile returns terminal options suited to f: color and width when f is
// a terminal, plain text otherwise. NO_COLOR disables color.
func ForFile(f *os.File) Options {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return Options{}
	}
	opts := Options{Color: os.Getenv("NO_COLOR") == ""}
	if w, _, err := term.GetSize(fd); err == nil && w > 20 {
		opts.Width = w
	}
	return opts
}

// ErrorLine renders err as the single line shown to users:
// "error: <what>: <why>"
func ErrorLine(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	return "error: " + msg
}
