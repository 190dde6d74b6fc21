// internal/probe/rtdiag.go
package probe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RTDiag checks the kernel configuration that matters for real-time
// latency: preemption model, CPU isolation, RT bandwidth limits, cpufreq
// governors, RT throttling events and threaded interrupts
type RTDiag struct{}

func (RTDiag) Name() string { return "rtdiag" }

func (RTDiag) Description() string {
	return "real-time readiness: preemption, isolation, RT throttling, governors, IRQ threads"
}

func (RTDiag) Timeout(Options) time.Duration { return 30 * time.Second }

const rtdiagScript = `echo "VERSION=$(uname -v 2>/dev/null)"
echo "REALTIME=$(cat /sys/kernel/realtime 2>/dev/null)"
echo "CMDLINE=$(cat /proc/cmdline 2>/dev/null)"
echo "RT_RUNTIME=$(cat /proc/sys/kernel/sched_rt_runtime_us 2>/dev/null)"
echo "RT_PERIOD=$(cat /proc/sys/kernel/sched_rt_period_us 2>/dev/null)"
for g in /sys/devices/system/cpu/cpu[0-9]*/cpufreq/scaling_governor; do
  [ -r "$g" ] || continue
  cpu=${g#/sys/devices/system/cpu/}; cpu=${cpu%%/*}
  echo "GOVERNOR $cpu $(cat "$g")"
done
echo "THROTTLED=$(dmesg 2>/dev/null | grep -c 'RT throttling activated')"
n=0
for c in /proc/[0-9]*/comm; do
  read -r name 2>/dev/null < "$c" || continue
  case "$name" in irq/*) n=$((n+1)) ;; esac
done
echo "IRQ_THREADS=$n"`

func (RTDiag) BuildScript(Options) string { return rtdiagScript }

// CheckStatus grades one check
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusInfo CheckStatus = "info"
)

// Check is one real-time readiness finding
type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail"`
}

// RTDiagReport is the parsed rtdiag payload
type RTDiagReport struct {
	base
	Checks []Check `json:"checks"`
}

func (RTDiag) Parse(payload string) Report {
	r := &RTDiagReport{base: base{Probe: "rtdiag"}}
	kv := map[string]string{}
	governors := map[string]string{}
	for _, line := range payloadLines(payload) {
		if rest, ok := strings.CutPrefix(line, "GOVERNOR "); ok {
			if cpu, gov, ok := strings.Cut(rest, " "); ok {
				governors[cpu] = strings.TrimSpace(gov)
			}
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && isUpperKey(k) {
			kv[k] = strings.TrimSpace(v)
		}
	}

	r.checkPreemption(kv)
	r.checkIsolation(kv)
	r.checkRTBandwidth(kv)
	r.checkGovernors(governors)
	r.checkThrottling(kv)
	r.checkIRQThreads(kv)
	return r
}

func isUpperKey(k string) bool {
	if k == "" {
		return false
	}
	for _, c := range k {
		if (c < 'A' || c > 'Z') && c != '_' {
			return false
		}
	}
	return true
}

func (r *RTDiagReport) add(name string, status CheckStatus, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})
}

func (r *RTDiagReport) checkPreemption(kv map[string]string) {
	version, ok := kv["VERSION"]
	if !ok {
		r.warn("preemption", "kernel version missing from output")
		return
	}
	switch {
	case kv["REALTIME"] == "1" || strings.Contains(version, "PREEMPT_RT"):
		r.add("preemption", StatusPass, "PREEMPT_RT kernel")
	case strings.Contains(version, "PREEMPT"):
		r.add("preemption", StatusWarn, "preemptible kernel without PREEMPT_RT")
	default:
		r.add("preemption", StatusWarn, "non-preemptible kernel")
	}
}

func (r *RTDiagReport) checkIsolation(kv map[string]string) {
	cmdline, ok := kv["CMDLINE"]
	if !ok || cmdline == "" {
		r.warn("isolation", "kernel command line unreadable")
		return
	}
	var set []string
	for _, arg := range strings.Fields(cmdline) {
		k, _, _ := strings.Cut(arg, "=")
		switch k {
		case "isolcpus", "nohz_full", "rcu_nocbs":
			set = append(set, arg)
		}
	}
	if len(set) == 0 {
		r.add("isolation", StatusInfo, "no isolcpus, nohz_full or rcu_nocbs")
		return
	}
	r.add("isolation", StatusPass, strings.Join(set, " "))
}

func (r *RTDiagReport) checkRTBandwidth(kv map[string]string) {
	runtime, err := strconv.Atoi(kv["RT_RUNTIME"])
	if err != nil {
		r.warn("rt_runtime", fmt.Sprintf("cannot parse sched_rt_runtime_us %q", kv["RT_RUNTIME"]))
		return
	}
	if runtime < 0 {
		r.add("rt_bandwidth", StatusPass, "RT tasks are not throttled (sched_rt_runtime_us=-1)")
		return
	}
	detail := fmt.Sprintf("RT tasks limited to %dus", runtime)
	if period, err := strconv.Atoi(kv["RT_PERIOD"]); err == nil && period > 0 {
		detail = fmt.Sprintf("RT tasks limited to %dus per %dus (%.0f%%)", runtime, period, float64(runtime)*100/float64(period))
	}
	r.add("rt_bandwidth", StatusInfo, detail)
}

func (r *RTDiagReport) checkGovernors(governors map[string]string) {
	if len(governors) == 0 {
		r.add("cpufreq", StatusInfo, "no cpufreq governors exposed")
		return
	}
	var slow []string
	for cpu, gov := range governors {
		if gov != "performance" {
			slow = append(slow, cpu+"="+gov)
		}
	}
	if len(slow) == 0 {
		r.add("cpufreq", StatusPass, fmt.Sprintf("all %d CPUs use the performance governor", len(governors)))
		return
	}
	sort.Strings(slow)
	r.add("cpufreq", StatusWarn, "frequency scaling active: "+strings.Join(slow, ", "))
}

func (r *RTDiagReport) checkThrottling(kv map[string]string) {
	n, err := strconv.Atoi(kv["THROTTLED"])
	if err != nil {
		r.warn("throttling", "dmesg unavailable")
		return
	}
	if n > 0 {
		r.add("throttling", StatusWarn, fmt.Sprintf("RT throttling activated %d times since boot", n))
		return
	}
	r.add("throttling", StatusPass, "no RT throttling in the kernel log")
}

func (r *RTDiagReport) checkIRQThreads(kv map[string]string) {
	n, err := strconv.Atoi(kv["IRQ_THREADS"])
	if err != nil {
		r.warn("irq_threads", "thread count missing from output")
		return
	}
	if n == 0 {
		r.add("irq_threads", StatusInfo, "no threaded interrupt handlers")
		return
	}
	r.add("irq_threads", StatusPass, fmt.Sprintf("%d threaded interrupt handlers", n))
}

// Count returns how many checks have status s
func (r *RTDiagReport) Count(s CheckStatus) int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == s {
			n++
		}
	}
	return n
}

func (r *RTDiagReport) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Real-time diagnostics\n\n%d pass, %d warn, %d info\n", r.Count(StatusPass), r.Count(StatusWarn), r.Count(StatusInfo))
	if len(r.Checks) > 0 {
		sb.WriteString("\n| Check | Status | Detail |\n|---|---|---|\n")
		for _, c := range r.Checks {
			fmt.Fprintf(&sb, "| %s | %s | %s |\n", c.Name, c.Status, cell(c.Detail))
		}
	}
	r.warningsMarkdown(&sb)
	return sb.String()
}

func (r *RTDiagReport) JSON() ([]byte, error) { return marshal(r) }
