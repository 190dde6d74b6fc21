// internal/probe/probe.go

// Package probe holds the device diagnostics: each probe builds a shell
// script, runs it framed on a session and parses the payload into a
// Report. Parsers never fail; problems with the payload become warnings in
// the report.
package probe

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrUnknownProbe is returned for a name not in the registry
var ErrUnknownProbe = errors.New("unknown probe")

// ErrInvalidOption wraps every option validation failure
var ErrInvalidOption = errors.New("invalid option")

// Probe is one diagnostic
type Probe interface {
	Name() string
	Description() string
	Timeout(opts Options) time.Duration
	BuildScript(opts Options) string
	Parse(payload string) Report
}

// Validator is implemented by probes that accept options
type Validator interface {
	Validate(opts Options) error
}

// Report is a probe's parsed result
type Report interface {
	Markdown() string
	JSON() ([]byte, error)
	// ParseErrors lists the problems absorbed while parsing
	ParseErrors() []ParseError
}

// ParseError is a payload problem a parser worked around
type ParseError struct {
	Probe  string `json:"probe"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ParseError) Error() string {
	return fmt.Sprintf("probe %s: %s: %s", e.Probe, e.Field, e.Reason)
}

var registry = []Probe{
	Identity{},
	Drivers{},
	DeviceTree{},
	Hotspots{},
	RTDiag{},
}

// Lookup finds a probe by name
func Lookup(name string) (Probe, error) {
	for _, p := range registry {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownProbe, name)
}

// All returns the registered probes sorted by name
func All() []Probe {
	out := append([]Probe(nil), registry...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Options are probe parameters given as key=value pairs
type Options map[string]string

// ParseOptions reads "key=value" arguments
func ParseOptions(args []string) (Options, error) {
	opts := Options{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w %q: want key=value", ErrInvalidOption, arg)
		}
		opts[k] = strings.TrimSpace(v)
	}
	return opts, nil
}

// Int returns the integer option key, or def when unset
func (o Options) Int(key string, def, lo, hi int) (int, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %q is not a number", ErrInvalidOption, key, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w %s: %d out of range [%d, %d]", ErrInvalidOption, key, n, lo, hi)
	}
	return n, nil
}

// intOr is Int for scripts, where options were already validated
func (o Options) intOr(key string, def, lo, hi int) int {
	n, err := o.Int(key, def, lo, hi)
	if err != nil {
		return def
	}
	return n
}

// shellWord matches option values that are safe to embed unquoted
var shellWord = regexp.MustCompile(`^[A-Za-z0-9_.,@:+/-]*$`)

func checkWord(o Options, key string) error {
	if v := o[key]; !shellWord.MatchString(v) {
		return fmt.Errorf("%w %s: %q contains unsupported characters", ErrInvalidOption, key, v)
	}
	return nil
}

// base carries what every report shares
type base struct {
	Probe    string       `json:"probe"`
	Warnings []ParseError `json:"warnings,omitempty"`
}

func (b *base) warn(field, reason string) {
	b.Warnings = append(b.Warnings, ParseError{Probe: b.Probe, Field: field, Reason: reason})
}

// ParseErrors returns the absorbed parse problems
func (b *base) ParseErrors() []ParseError {
	return b.Warnings
}

func (b *base) warningsMarkdown(sb *strings.Builder) {
	if len(b.Warnings) == 0 {
		return
	}
	sb.WriteString("\n**Warnings**\n\n")
	for _, w := range b.Warnings {
		fmt.Fprintf(sb, "- %s: %s\n", w.Field, w.Reason)
	}
}

func marshal(r any) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// payloadLines splits a payload, dropping blank lines
func payloadLines(payload string) []string {
	var out []string
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// cell escapes a value for a markdown table
func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}
