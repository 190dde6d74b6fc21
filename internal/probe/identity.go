// internal/probe/identity.go
package probe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Identity reports what the device is: board model, CPU architecture,
// kernel release, hostname, distribution and uptime
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Description() string {
	return "board model, architecture, kernel, hostname, OS and uptime"
}

func (Identity) Timeout(Options) time.Duration { return 15 * time.Second }

const identityScript = `model=$(tr -d '\000' 2>/dev/null < /proc/device-tree/model)
[ -n "$model" ] || model=$(cat /sys/class/dmi/id/product_name 2>/dev/null)
echo "MODEL=$model"
echo "ARCH=$(uname -m 2>/dev/null)"
echo "KERNEL=$(uname -r 2>/dev/null)"
echo "HOSTNAME=$(cat /proc/sys/kernel/hostname 2>/dev/null || hostname 2>/dev/null)"
os=$( . /etc/os-release 2>/dev/null && echo "$PRETTY_NAME")
echo "OS=$os"
echo "UPTIME=$(cut -d' ' -f1 /proc/uptime 2>/dev/null)"`

func (Identity) BuildScript(Options) string { return identityScript }

// IdentityReport is the parsed identity payload
type IdentityReport struct {
	base
	Model         string  `json:"model"`
	Arch          string  `json:"arch"`
	Kernel        string  `json:"kernel"`
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (Identity) Parse(payload string) Report {
	r := &IdentityReport{base: base{Probe: "identity"}}
	fields := map[string]*string{
		"MODEL":    &r.Model,
		"ARCH":     &r.Arch,
		"KERNEL":   &r.Kernel,
		"HOSTNAME": &r.Hostname,
		"OS":       &r.OS,
	}
	var uptime string
	seen := map[string]bool{}

	for _, line := range payloadLines(payload) {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"`)
		if k == "UPTIME" {
			uptime, seen[k] = v, true
			continue
		}
		if dst, ok := fields[k]; ok {
			*dst, seen[k] = v, true
		}
	}

	for _, k := range []string{"MODEL", "ARCH", "KERNEL", "HOSTNAME", "OS"} {
		switch {
		case !seen[k]:
			r.warn(strings.ToLower(k), "missing from output")
		case *fields[k] == "":
			r.warn(strings.ToLower(k), "empty")
		}
	}
	switch {
	case !seen["UPTIME"]:
		r.warn("uptime", "missing from output")
	default:
		secs, err := strconv.ParseFloat(uptime, 64)
		if err != nil {
			r.warn("uptime", fmt.Sprintf("cannot parse %q", uptime))
		} else {
			r.UptimeSeconds = secs
		}
	}
	return r
}

// Uptime returns the uptime as a duration
func (r *IdentityReport) Uptime() time.Duration {
	return time.Duration(r.UptimeSeconds * float64(time.Second))
}

func (r *IdentityReport) Markdown() string {
	var sb strings.Builder
	sb.WriteString("## Device identity\n\n")
	sb.WriteString("| Field | Value |\n|---|---|\n")
	rows := [][2]string{
		{"Model", r.Model},
		{"Architecture", r.Arch},
		{"Kernel", r.Kernel},
		{"Hostname", r.Hostname},
		{"OS", r.OS},
	}
	for _, row := range rows {
		fmt.Fprintf(&sb, "| %s | %s |\n", row[0], cell(row[1]))
	}
	up := "-"
	if r.UptimeSeconds > 0 {
		up = r.Uptime().Round(time.Second).String()
	}
	fmt.Fprintf(&sb, "| Uptime | %s |\n", up)
	r.warningsMarkdown(&sb)
	return sb.String()
}

func (r *IdentityReport) JSON() ([]byte, error) { return marshal(r) }
