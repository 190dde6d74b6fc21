// internal/probe/devicetree.go
package probe

import (
	"fmt"
	"strings"
	"time"
)

// DeviceTree walks /proc/device-tree and reports each node's compatible
// strings and status. Options: path (subtree, default /) and depth
// (default 3).
type DeviceTree struct{}

func (DeviceTree) Name() string { return "devicetree" }

func (DeviceTree) Description() string {
	return "device-tree nodes with compatible and status (options path=/soc depth=3)"
}

func (DeviceTree) Timeout(Options) time.Duration { return 30 * time.Second }

func (DeviceTree) Validate(opts Options) error {
	if err := checkWord(opts, "path"); err != nil {
		return err
	}
	if p := opts["path"]; p != "" && (!strings.HasPrefix(p, "/") || strings.Contains(p, "..")) {
		return fmt.Errorf("%w path: %q must be absolute", ErrInvalidOption, p)
	}
	_, err := opts.Int("depth", 3, 1, 16)
	return err
}

func (DeviceTree) BuildScript(opts Options) string {
	path := strings.TrimRight(opts["path"], "/")
	depth := opts.intOr("depth", 3, 1, 16)

	var sb strings.Builder
	fmt.Fprintf(&sb, "root=/proc/device-tree\nbase=\"$root%s\"\ndepth=%d\n", path, depth)
	sb.WriteString(`if [ ! -d "$base" ]; then echo "NODTREE $base"; exit 0; fi
find "$base" -maxdepth "$depth" -type d 2>/dev/null | sort | while read -r n; do
  rel=${n#$root}
  [ -n "$rel" ] || rel=/
  compat=$(tr '\000' ',' 2>/dev/null < "$n/compatible")
  status=$(tr -d '\000' 2>/dev/null < "$n/status")
  echo "NODE $rel|${compat%,}|$status"
done`)
	return sb.String()
}

// Node is one device-tree node
type Node struct {
	Path       string   `json:"path"`
	Compatible []string `json:"compatible,omitempty"`
	// Status is the node's status property; nodes without one are "okay"
	Status string `json:"status"`
}

// Enabled reports whether the node's status allows probing
func (n Node) Enabled() bool {
	return n.Status == "okay" || n.Status == "ok"
}

// DeviceTreeReport is the parsed devicetree payload
type DeviceTreeReport struct {
	base
	Nodes []Node `json:"nodes"`
}

func (DeviceTree) Parse(payload string) Report {
	r := &DeviceTreeReport{base: base{Probe: "devicetree"}}
	for _, line := range payloadLines(payload) {
		if rest, ok := strings.CutPrefix(line, "NODTREE"); ok {
			r.warn("device-tree", fmt.Sprintf("%s not present", strings.TrimSpace(rest)))
			continue
		}
		rest, ok := strings.CutPrefix(line, "NODE ")
		if !ok {
			continue
		}
		parts := strings.SplitN(rest, "|", 3)
		if len(parts) != 3 || parts[0] == "" {
			r.warn("node", fmt.Sprintf("malformed line %q", line))
			continue
		}
		n := Node{Path: parts[0], Status: parts[2]}
		if parts[1] != "" {
			n.Compatible = strings.Split(parts[1], ",")
		}
		if n.Status == "" {
			n.Status = "okay"
		}
		r.Nodes = append(r.Nodes, n)
	}
	if len(r.Nodes) == 0 && len(r.Warnings) == 0 {
		r.warn("nodes", "no nodes in output")
	}
	return r
}

// Disabled returns the nodes whose status is not okay
func (r *DeviceTreeReport) Disabled() []Node {
	var out []Node
	for _, n := range r.Nodes {
		if !n.Enabled() {
			out = append(out, n)
		}
	}
	return out
}

func (r *DeviceTreeReport) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Device tree\n\n%d nodes, %d not enabled\n", len(r.Nodes), len(r.Disabled()))
	if len(r.Nodes) > 0 {
		sb.WriteString("\n| Node | Compatible | Status |\n|---|---|---|\n")
		for _, n := range r.Nodes {
			fmt.Fprintf(&sb, "| `%s` | %s | %s |\n", n.Path, cell(strings.Join(n.Compatible, ", ")), n.Status)
		}
	}
	r.warningsMarkdown(&sb)
	return sb.String()
}

func (r *DeviceTreeReport) JSON() ([]byte, error) { return marshal(r) }
