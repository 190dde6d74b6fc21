// internal/agent/dmesg.go
package agent

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	timestampRe = regexp.MustCompile(`^\[([A-Za-z]{3} [A-Za-z]{3} [ \d]\d \d{2}:\d{2}:\d{2} \d{4})\]`)
	monotonicRe = regexp.MustCompile(`^(?:<\d+>)?\[\s*(\d+\.\d+)\]`)
)

// DefaultMaxLines caps how many lines we send to the LLM to control costs
const DefaultMaxLines = 500

// ParseDmesgTimestamp extracts the timestamp from a dmesg -T line
func ParseDmesgTimestamp(line string) (time.Time, error) {
	matches := timestampRe.FindStringSubmatch(line)
	if len(matches) < 2 {
		return time.Time{}, errors.New("no timestamp found")
	}

	// Parse: "Mon Feb  3 12:25:01 2026"
	return time.Parse("Mon Jan _2 15:04:05 2006", matches[1])
}

// ParseMonotonic extracts the seconds-since-boot stamp from a plain dmesg
// line such as "[   12.345678] eth0: link up"
func ParseMonotonic(line string) (float64, error) {
	matches := monotonicRe.FindStringSubmatch(line)
	if len(matches) < 2 {
		return 0, errors.New("no monotonic timestamp found")
	}
	return strconv.ParseFloat(matches[1], 64)
}

// State is the watcher's position in the device's kernel log
type State struct {
	// Boot is the device boot id; a change means the log restarted
	Boot string    `json:"boot,omitempty"`
	Mono float64   `json:"mono,omitempty"`
	Wall time.Time `json:"wall,omitempty"`
}

// FilterNewLines returns the lines after last, the position to resume
// from next time, and whether the device rebooted since last. Lines
// without a parseable timestamp are skipped.
func FilterNewLines(lines []string, boot string, last State) ([]string, State, bool) {
	reboot := boot != "" && last.Boot != "" && boot != last.Boot

	// without a boot id, a monotonic clock that went backwards means a reboot
	if !reboot && boot == "" && last.Mono > 0 {
		maxMono, seen := 0.0, false
		for _, line := range lines {
			if m, err := ParseMonotonic(line); err == nil {
				maxMono, seen = max(maxMono, m), true
			}
		}
		reboot = seen && maxMono < last.Mono
	}
	if reboot {
		last = State{}
	}

	next := State{Boot: boot, Mono: last.Mono, Wall: last.Wall}
	if next.Boot == "" {
		next.Boot = last.Boot
	}

	var filtered []string
	for _, line := range lines {
		if m, err := ParseMonotonic(line); err == nil {
			if last.Mono == 0 || m > last.Mono {
				filtered = append(filtered, line)
				next.Mono = max(next.Mono, m)
			}
			continue
		}
		ts, err := ParseDmesgTimestamp(line)
		if err != nil {
			continue
		}
		if ts.After(last.Wall) {
			filtered = append(filtered, line)
			if ts.After(next.Wall) {
				next.Wall = ts
			}
		}
	}
	return filtered, next, reboot
}

// CapLines returns at most max lines from the end of the slice (most
// recent). Returns true if lines were truncated.
func CapLines(lines []string, max int) ([]string, bool) {
	if max <= 0 {
		max = DefaultMaxLines
	}
	if len(lines) <= max {
		return lines, false
	}
	return lines[len(lines)-max:], true
}

// dmesgScript prints the boot id followed by the kernel log
func dmesgScript(wallClock bool) string {
	cmd := "dmesg"
	if wallClock {
		cmd = "LC_ALL=C dmesg -T"
	}
	return `echo "BOOT=$(cat /proc/sys/kernel/random/boot_id 2>/dev/null)"
` + cmd + ` 2>&1`
}

// splitDmesgPayload separates the boot id line from the log lines
func splitDmesgPayload(payload string) (string, []string) {
	var boot string
	var lines []string
	for _, line := range strings.Split(payload, "\n") {
		if v, ok := strings.CutPrefix(line, "BOOT="); ok && boot == "" && lines == nil {
			boot = strings.TrimSpace(v)
			continue
		}
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return boot, lines
}
