// internal/probe/probe_test.go
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/session"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport/transporttest"
)

func TestIdentityEndToEnd(t *testing.T) {
	dev := transporttest.New(func(body string) string {
		if !strings.Contains(body, "uname -m") {
			return "unexpected script"
		}
		return "MODEL=Foo\nARCH=arm64\nKERNEL=5.10\n"
	})
	sess, err := session.Connect(context.Background(), dev, session.Options{PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer sess.Disconnect()

	res, err := Run(context.Background(), sess, "identity", nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	r, ok := res.Report.(*IdentityReport)
	if !ok {
		t.Fatalf("Report type = %T, want *IdentityReport", res.Report)
	}
	if r.Model != "Foo" || r.Arch != "arm64" || r.Kernel != "5.10" {
		t.Errorf("identity = %q/%q/%q, want Foo/arm64/5.10", r.Model, r.Arch, r.Kernel)
	}
	if res.Source != "fake" {
		t.Errorf("Source = %q, want fake", res.Source)
	}
	// hostname, os and uptime were not printed
	if !res.Degraded() || len(r.ParseErrors()) != 3 {
		t.Errorf("warnings = %v, want 3", r.ParseErrors())
	}
	if md := r.Markdown(); !strings.Contains(md, "| Model | Foo |") {
		t.Errorf("Markdown missing model row:\n%s", md)
	}
}

func TestRunLocalFallback(t *testing.T) {
	var closed *session.Session
	res, err := Run(context.Background(), closed, "identity", nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Source != "local" {
		t.Errorf("Source = %q, want local", res.Source)
	}
	if r := res.Report.(*IdentityReport); r.Arch == "" || r.Kernel == "" {
		t.Errorf("local identity missing arch or kernel: %+v", r)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	if _, err := Run(context.Background(), nil, "nosuch", nil); !errors.Is(err, ErrUnknownProbe) {
		t.Errorf("err = %v, want ErrUnknownProbe", err)
	}
	if _, err := Run(context.Background(), nil, "drivers", Options{"bus": "usb; reboot"}); !errors.Is(err, ErrInvalidOption) {
		t.Error("Run accepted a bus option with shell metacharacters")
	}
	if _, err := Run(context.Background(), nil, "hotspots", Options{"interval": "0"}); err == nil {
		t.Error("Run accepted interval=0")
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]string{"path=/soc", "depth= 2"})
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts["path"] != "/soc" || opts["depth"] != "2" {
		t.Errorf("opts = %v", opts)
	}
	if _, err := ParseOptions([]string{"depth"}); err == nil {
		t.Error("ParseOptions accepted an argument without =")
	}
}

func TestAllSorted(t *testing.T) {
	var names []string
	for _, p := range All() {
		names = append(names, p.Name())
	}
	want := "devicetree drivers hotspots identity rtdiag"
	if got := strings.Join(names, " "); got != want {
		t.Errorf("All = %q, want %q", got, want)
	}
}

func TestParseWhitespaceOnlyLines(t *testing.T) {
	for _, ws := range []string{"\u00a0", "\v", "\f", "\u0085", " \t\u00a0"} {
		payload := "MODULE a 1 0\n" + ws + "\nSTAT 0\n" + ws
		for _, p := range All() {
			r := p.Parse(payload)
			if r == nil {
				t.Errorf("%s.Parse(%q) = nil", p.Name(), payload)
				continue
			}
			_ = r.Markdown()
		}
	}
}

func TestPayloadLinesDropsUnicodeBlanks(t *testing.T) {
	got := payloadLines("a\u00a0\n\v\n\f\nb\u0085\n")
	if strings.Join(got, "|") != "a|b" {
		t.Errorf("payloadLines = %q, want [a b]", got)
	}
}

func TestIdentityParseUptime(t *testing.T) {
	r := Identity{}.Parse("MODEL=Board\nARCH=x\nKERNEL=6.1\nHOSTNAME=h\nOS=\"Buildroot 2024.02\"\nUPTIME=3723.51").(*IdentityReport)
	if len(r.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", r.Warnings)
	}
	if r.OS != "Buildroot 2024.02" {
		t.Errorf("OS = %q", r.OS)
	}
	if got := r.Uptime().Round(time.Second); got != 3724*time.Second {
		t.Errorf("Uptime = %v, want 1h2m4s", got)
	}
}

func TestDriversParse(t *testing.T) {
	payload := `DRIVER platform serial8250 serial8250
DRIVER usb hub 1-0:1.0
DRIVER usb
cat: /sys/bus/foo: Permission denied
MODULE snd_soc_core 262144 3
MODULE broken x y`
	r := Drivers{}.Parse(payload).(*DriversReport)

	if len(r.Bindings) != 2 || r.Bindings[0].Bus != "platform" {
		t.Errorf("Bindings = %+v", r.Bindings)
	}
	if got := strings.Join(r.Buses(), ","); got != "platform,usb" {
		t.Errorf("Buses = %q", got)
	}
	if len(r.Modules) != 2 || r.Modules[0].Size != 262144 || r.Modules[0].Refs != 3 {
		t.Errorf("Modules = %+v", r.Modules)
	}
	if len(r.Warnings) != 3 {
		t.Errorf("warnings = %v, want 3 (malformed binding, bad size, bad refs)", r.Warnings)
	}
	if md := r.Markdown(); !strings.Contains(md, "256 KiB") {
		t.Errorf("Markdown missing module size:\n%s", md)
	}
}

func TestDriversScriptFilter(t *testing.T) {
	script := Drivers{}.BuildScript(Options{"bus": "usb"})
	if !strings.HasPrefix(script, "want=usb\n") {
		t.Errorf("script does not set the bus filter:\n%s", script)
	}
}

func TestDeviceTreeParse(t *testing.T) {
	payload := `NODE /|acme,board,acme,soc|
NODE /soc/serial@1000|ns16550a|okay
NODE /soc/i2c@2000|acme,i2c|disabled
NODE garbage`
	r := DeviceTree{}.Parse(payload).(*DeviceTreeReport)

	if len(r.Nodes) != 3 {
		t.Fatalf("Nodes = %+v", r.Nodes)
	}
	if r.Nodes[0].Status != "okay" || len(r.Nodes[0].Compatible) != 4 {
		t.Errorf("root node = %+v", r.Nodes[0])
	}
	if d := r.Disabled(); len(d) != 1 || d[0].Path != "/soc/i2c@2000" {
		t.Errorf("Disabled = %+v", d)
	}
	if len(r.Warnings) != 1 {
		t.Errorf("warnings = %v, want 1", r.Warnings)
	}
}

func TestDeviceTreeMissing(t *testing.T) {
	r := DeviceTree{}.Parse("NODTREE /proc/device-tree").(*DeviceTreeReport)
	if len(r.Nodes) != 0 || len(r.Warnings) != 1 || r.Warnings[0].Field != "device-tree" {
		t.Errorf("report = %+v", r)
	}
}

func TestDeviceTreeValidate(t *testing.T) {
	p := DeviceTree{}
	if err := p.Validate(Options{"path": "/soc", "depth": "2"}); err != nil {
		t.Errorf("Validate error: %v", err)
	}
	for _, bad := range []Options{{"path": "soc"}, {"path": "/../etc"}, {"depth": "40"}} {
		if err := p.Validate(bad); err == nil {
			t.Errorf("Validate(%v) accepted", bad)
		}
	}
}

const hotspotsPayload = `INTERVAL=2
TOP=2
STAT 0
cpu  100 0 100 800 0 0 0 0 0 0
cpu0 50 0 50 400 0 0 0 0 0 0
cpu1 50 0 50 400 0 0 0 0 0 0
IRQ 0
           CPU0       CPU1
 11:        100        100     GICv3  27 Level     arch_timer
 20:         10          0     GICv3  65 Level     eth0
 30:          5          5     GICv3  70 Level     mmc0
ERR:          0
STAT 1
cpu  200 0 200 1400 100 50 50 0 0 0
cpu0 150 0 100 550 100 50 50 0 0 0
cpu1 50 0 100 850 0 0 0 0 0 0
IRQ 1
           CPU0       CPU1
 11:        300        300     GICv3  27 Level     arch_timer
 20:        110          0     GICv3  65 Level     eth0
 30:          6          5     GICv3  70 Level     mmc0
ERR:          0`

func TestHotspotsParse(t *testing.T) {
	r := Hotspots{}.Parse(hotspotsPayload).(*HotspotsReport)
	if len(r.Warnings) != 0 {
		t.Errorf("warnings = %v", r.Warnings)
	}
	if r.IntervalSeconds != 2 {
		t.Errorf("IntervalSeconds = %d, want 2", r.IntervalSeconds)
	}
	if len(r.CPUs) != 3 {
		t.Fatalf("CPUs = %+v", r.CPUs)
	}
	// cpu0: user 100, system 50, idle 150, iowait 100, irq 50, softirq 50 of 500
	c := r.CPUs[1]
	if c.CPU != "cpu0" || c.User != 20 || c.System != 10 || c.IRQ != 20 || c.IOWait != 20 || c.Idle != 30 {
		t.Errorf("cpu0 = %+v", c)
	}
	if len(r.IRQs) != 2 || r.IRQs[0].IRQ != "11" || r.IRQs[0].Count != 400 || r.IRQs[1].IRQ != "20" {
		t.Errorf("IRQs = %+v", r.IRQs)
	}
	if r.IRQs[0].PerSecond != 200 || r.IRQs[0].Description != "GICv3 27 Level arch_timer" {
		t.Errorf("top IRQ = %+v", r.IRQs[0])
	}
}

func TestHotspotsTruncated(t *testing.T) {
	cut := hotspotsPayload[:strings.Index(hotspotsPayload, "STAT 1")]
	r := Hotspots{}.Parse(cut).(*HotspotsReport)
	if len(r.CPUs) != 0 || len(r.Warnings) != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestHotspotsTimeout(t *testing.T) {
	if got := (Hotspots{}).Timeout(Options{"interval": "5"}); got != 20*time.Second {
		t.Errorf("Timeout = %v, want 20s", got)
	}
}

func TestRTDiagParse(t *testing.T) {
	payload := `VERSION=#1 SMP PREEMPT_RT Tue Jan 9 2024
REALTIME=1
CMDLINE=console=ttyS0,115200 isolcpus=2-3 nohz_full=2-3
RT_RUNTIME=950000
RT_PERIOD=1000000
GOVERNOR cpu0 performance
GOVERNOR cpu1 schedutil
THROTTLED=2
IRQ_THREADS=41`
	r := RTDiag{}.Parse(payload).(*RTDiagReport)
	if len(r.Warnings) != 0 {
		t.Errorf("warnings = %v", r.Warnings)
	}
	want := map[string]CheckStatus{
		"preemption":   StatusPass,
		"isolation":    StatusPass,
		"rt_bandwidth": StatusInfo,
		"cpufreq":      StatusWarn,
		"throttling":   StatusWarn,
		"irq_threads":  StatusPass,
	}
	if len(r.Checks) != len(want) {
		t.Fatalf("Checks = %+v", r.Checks)
	}
	for _, c := range r.Checks {
		if want[c.Name] != c.Status {
			t.Errorf("check %s = %s, want %s", c.Name, c.Status, want[c.Name])
		}
	}
	if !strings.Contains(r.Checks[2].Detail, "95%") {
		t.Errorf("rt_bandwidth detail = %q", r.Checks[2].Detail)
	}
}

func TestRTDiagDegraded(t *testing.T) {
	r := RTDiag{}.Parse("sh: dmesg: not found\nTHROTTLED=\nIRQ_THREADS=0").(*RTDiagReport)
	if len(r.Warnings) < 3 {
		t.Errorf("warnings = %v, want version, cmdline, runtime and dmesg problems", r.Warnings)
	}
	data, err := r.JSON()
	if err != nil {
		t.Fatalf("JSON error: %v", err)
	}
	var decoded struct {
		Probe    string       `json:"probe"`
		Warnings []ParseError `json:"warnings"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Probe != "rtdiag" || len(decoded.Warnings) != len(r.Warnings) {
		t.Errorf("decoded = %+v", decoded)
	}
}
