// internal/probe/hotspots.go
package probe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Hotspots samples /proc/stat and /proc/interrupts twice, interval
// seconds apart (default 1), and reports where CPU time went and the
// busiest interrupts (option top, default 10).
type Hotspots struct{}

func (Hotspots) Name() string { return "hotspots" }

func (Hotspots) Description() string {
	return "per-CPU time share and busiest IRQs over a sample window (options interval=1 top=10)"
}

func (Hotspots) Timeout(opts Options) time.Duration {
	return time.Duration(opts.intOr("interval", 1, 1, 60))*time.Second + 15*time.Second
}

func (Hotspots) Validate(opts Options) error {
	if _, err := opts.Int("interval", 1, 1, 60); err != nil {
		return err
	}
	_, err := opts.Int("top", 10, 1, 100)
	return err
}

func (Hotspots) BuildScript(opts Options) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "interval=%d\necho \"INTERVAL=$interval\"\necho \"TOP=%d\"\n",
		opts.intOr("interval", 1, 1, 60), opts.intOr("top", 10, 1, 100))
	sb.WriteString(`tmp=$(mktemp 2>/dev/null || echo /tmp/kc_hotspots.$$)
trap 'rm -f "$tmp"' EXIT
{ echo "STAT 0"; grep '^cpu' /proc/stat; echo "IRQ 0"; cat /proc/interrupts; } > "$tmp" 2>/dev/null
sleep "$interval"
cat "$tmp"
echo "STAT 1"; grep '^cpu' /proc/stat
echo "IRQ 1"; cat /proc/interrupts`)
	return sb.String()
}

// CPUShare is how one CPU spent the window, in percent
type CPUShare struct {
	CPU    string  `json:"cpu"`
	User   float64 `json:"user"`
	System float64 `json:"system"`
	IRQ    float64 `json:"irq"`
	IOWait float64 `json:"iowait"`
	Steal  float64 `json:"steal"`
	Idle   float64 `json:"idle"`
}

// Busy is the non-idle share
func (c CPUShare) Busy() float64 {
	return 100 - c.Idle
}

// IRQDelta is one interrupt line's activity during the window
type IRQDelta struct {
	IRQ         string  `json:"irq"`
	Description string  `json:"description,omitempty"`
	Count       uint64  `json:"count"`
	PerSecond   float64 `json:"per_second"`
}

// HotspotsReport is the parsed hotspots payload
type HotspotsReport struct {
	base
	IntervalSeconds int        `json:"interval_seconds"`
	CPUs            []CPUShare `json:"cpus"`
	IRQs            []IRQDelta `json:"irqs"`
}

type irqRow struct {
	desc  string
	total uint64
}

type sample struct {
	stat map[string][]uint64
	cpus []string // stat order
	irqs map[string]irqRow
	ids  []string // interrupts order
}

func (Hotspots) Parse(payload string) Report {
	r := &HotspotsReport{base: base{Probe: "hotspots"}, IntervalSeconds: 1}
	top := 10
	var samples [2]*sample
	var cur *sample
	inIRQ := false
	irqCols := 0

	for _, line := range payloadLines(payload) {
		if v, ok := strings.CutPrefix(line, "INTERVAL="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				r.IntervalSeconds = n
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "TOP="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				top = n
			}
			continue
		}
		if idx, ok := sectionIndex(line, "STAT "); ok {
			cur = &sample{stat: map[string][]uint64{}, irqs: map[string]irqRow{}}
			samples[idx] = cur
			inIRQ = false
			continue
		}
		if _, ok := sectionIndex(line, "IRQ "); ok {
			inIRQ, irqCols = true, 0
			continue
		}
		if cur == nil {
			continue
		}

		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if !inIRQ {
			if !strings.HasPrefix(f[0], "cpu") {
				continue
			}
			vals := make([]uint64, 0, len(f)-1)
			for _, s := range f[1:] {
				n, err := strconv.ParseUint(s, 10, 64)
				if err != nil {
					break
				}
				vals = append(vals, n)
			}
			if len(vals) < 4 {
				r.warn("stat", fmt.Sprintf("short line %q", line))
				continue
			}
			if _, dup := cur.stat[f[0]]; !dup {
				cur.cpus = append(cur.cpus, f[0])
			}
			cur.stat[f[0]] = vals
			continue
		}

		if irqCols == 0 && strings.HasPrefix(f[0], "CPU") {
			irqCols = len(f)
			continue
		}
		id, ok := strings.CutSuffix(f[0], ":")
		if !ok {
			continue
		}
		var total uint64
		i := 1
		for ; i < len(f) && (irqCols == 0 || i <= irqCols); i++ {
			n, err := strconv.ParseUint(f[i], 10, 64)
			if err != nil {
				break
			}
			total += n
		}
		if _, dup := cur.irqs[id]; !dup {
			cur.ids = append(cur.ids, id)
		}
		cur.irqs[id] = irqRow{desc: strings.Join(f[i:], " "), total: total}
	}

	switch {
	case samples[0] == nil && samples[1] == nil:
		r.warn("samples", "no samples in output")
		return r
	case samples[0] == nil || samples[1] == nil:
		r.warn("samples", "only one sample in output; the window was cut short")
		return r
	}
	r.CPUs = cpuShares(r, samples[0], samples[1])
	r.IRQs = irqDeltas(samples[0], samples[1], r.IntervalSeconds, top)
	if len(samples[1].irqs) == 0 {
		r.warn("interrupts", "/proc/interrupts unreadable")
	}
	return r
}

func sectionIndex(line, prefix string) (int, bool) {
	v, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return 0, false
	}
	switch v {
	case "0":
		return 0, true
	case "1":
		return 1, true
	}
	return 0, false
}

// /proc/stat columns
const (
	statUser = iota
	statNice
	statSystem
	statIdle
	statIOWait
	statIRQ
	statSoftIRQ
	statSteal
)

func cpuShares(r *HotspotsReport, a, b *sample) []CPUShare {
	var out []CPUShare
	for _, cpu := range b.cpus {
		before, ok := a.stat[cpu]
		if !ok {
			r.warn("stat", cpu+" missing from first sample")
			continue
		}
		after := b.stat[cpu]
		d := make([]float64, statSteal+1)
		var total float64
		for i := range d {
			if i < len(before) && i < len(after) && after[i] >= before[i] {
				d[i] = float64(after[i] - before[i])
			}
			total += d[i]
		}
		if total == 0 {
			r.warn("stat", cpu+" did not advance")
			continue
		}
		pct := func(v float64) float64 { return v * 100 / total }
		out = append(out, CPUShare{
			CPU:    cpu,
			User:   pct(d[statUser] + d[statNice]),
			System: pct(d[statSystem]),
			IRQ:    pct(d[statIRQ] + d[statSoftIRQ]),
			IOWait: pct(d[statIOWait]),
			Steal:  pct(d[statSteal]),
			Idle:   pct(d[statIdle]),
		})
	}
	return out
}

func irqDeltas(a, b *sample, interval, top int) []IRQDelta {
	var out []IRQDelta
	for _, id := range b.ids {
		after := b.irqs[id]
		before, ok := a.irqs[id]
		if !ok || after.total <= before.total {
			continue
		}
		n := after.total - before.total
		out = append(out, IRQDelta{
			IRQ:         id,
			Description: after.desc,
			Count:       n,
			PerSecond:   float64(n) / float64(interval),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > top {
		out = out[:top]
	}
	return out
}

func (r *HotspotsReport) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Hotspots (%ds window)\n", r.IntervalSeconds)
	if len(r.CPUs) > 0 {
		sb.WriteString("\n| CPU | Busy | User | System | IRQ | IO wait | Steal |\n|---|---|---|---|---|---|---|\n")
		for _, c := range r.CPUs {
			fmt.Fprintf(&sb, "| %s | %.1f%% | %.1f%% | %.1f%% | %.1f%% | %.1f%% | %.1f%% |\n",
				c.CPU, c.Busy(), c.User, c.System, c.IRQ, c.IOWait, c.Steal)
		}
	}
	if len(r.IRQs) > 0 {
		sb.WriteString("\n| IRQ | Count | Per second | Source |\n|---|---|---|---|\n")
		for _, q := range r.IRQs {
			fmt.Fprintf(&sb, "| %s | %d | %.1f | %s |\n", q.IRQ, q.Count, q.PerSecond, cell(q.Description))
		}
	}
	r.warningsMarkdown(&sb)
	return sb.String()
}

func (r *HotspotsReport) JSON() ([]byte, error) { return marshal(r) }
