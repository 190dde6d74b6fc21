// internal/agent/agent.go

// Package agent answers free-form requests against a device and watches
// its kernel log.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/config"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/llm"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/probe"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/store"
)

// ErrNoModel is returned when a request needs the LLM and none is configured
var ErrNoModel = errors.New("request needs an LLM but none is configured")

const (
	commandTimeout = 30 * time.Second
	dmesgTimeout   = 30 * time.Second
	// maxSummaryInput bounds the command output handed back to the model
	maxSummaryInput = 8 << 10
)

const commandPrompt = `You operate a Linux shell on an embedded device over a serial console. Reply with exactly one POSIX sh command line that answers the request below. No explanation, no markdown. Prefer read-only commands (cat, ls, grep, dmesg, ps). Never reboot, format, or write to block devices.

Request: `

const summaryPrompt = `You ran a command on an embedded Linux device to answer a request. Summarize what the output says about the request in a few short sentences of markdown. Quote exact values where they matter.
`

// Analyzer turns kernel log lines into a verdict. *llm.Client implements it.
type Analyzer interface {
	AnalyzeDmesg(ctx context.Context, lines []string) (*llm.Analysis, time.Duration, error)
}

// Recorder persists results. *store.DB implements it.
type Recorder interface {
	InsertReport(ctx context.Context, r *store.Report) (int64, error)
	InsertWatchResult(ctx context.Context, r *store.WatchResult) error
}

// Options wires the agent's optional collaborators; nil fields disable
// the feature that needs them
type Options struct {
	Generator llm.Generator
	Analyzer  Analyzer
	Recorder  Recorder
	Logger    *slog.Logger
}

// Agent drives a device session on behalf of a user
type Agent struct {
	cfg    config.WatchConfig
	runner probe.Runner
	opts   Options
	logger *slog.Logger
}

// New creates an agent over runner
func New(cfg config.WatchConfig, runner probe.Runner, opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Agent{cfg: cfg, runner: runner, opts: opts, logger: logger}
}

// Answer is the outcome of Ask
type Answer struct {
	Request string `json:"request"`
	// Probe is set when the request was routed to a probe
	Probe   string        `json:"probe,omitempty"`
	Result  *probe.Result `json:"result,omitempty"`
	Command string        `json:"command,omitempty"`
	Output  string        `json:"output,omitempty"`
	// ExitCode of Command, -1 when the device did not report one
	ExitCode int    `json:"exit_code"`
	Summary  string `json:"summary,omitempty"`
}

// Markdown renders the answer for display
func (a *Answer) Markdown() string {
	if a.Result != nil {
		return a.Result.Report.Markdown()
	}
	var sb strings.Builder
	if a.Summary != "" {
		sb.WriteString(a.Summary)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "```sh\n$ %s\n%s\n```\n", a.Command, strings.TrimRight(a.Output, "\n"))
	if a.ExitCode > 0 {
		fmt.Fprintf(&sb, "\nexit status %d\n", a.ExitCode)
	}
	return sb.String()
}

// Ask handles a free-form request. A request naming a probe runs that
// probe; anything else goes to the model for a single shell command,
// which runs framed on the device and is then summarized.
func (a *Agent) Ask(ctx context.Context, request string) (*Answer, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, errors.New("empty request")
	}
	if name, opts, ok := routeProbe(request); ok {
		return a.askProbe(ctx, request, name, opts)
	}
	if a.opts.Generator == nil {
		return nil, ErrNoModel
	}

	reply, err := a.opts.Generator.Generate(ctx, commandPrompt+request)
	if err != nil {
		return nil, fmt.Errorf("ask model for command: %w", err)
	}
	command := firstLine(llm.StripFence(reply))
	if command == "" {
		return nil, errors.New("model returned no command")
	}
	a.logger.Info("running generated command", "command", command)

	match, err := a.runner.RunFramed(ctx, command, commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", command, err)
	}
	ans := &Answer{Request: request, Command: command, Output: match.Payload, ExitCode: match.ExitCode}

	output := match.Payload
	if len(output) > maxSummaryInput {
		output = output[len(output)-maxSummaryInput:]
	}
	prompt := fmt.Sprintf("%s\nRequest: %s\nCommand: %s\nExit status: %d\nOutput:\n%s", summaryPrompt, request, command, match.ExitCode, output)
	summary, err := a.opts.Generator.Generate(ctx, prompt)
	if err != nil {
		// the raw output still answers the request
		a.logger.Warn("summary failed", "error", err)
		return ans, nil
	}
	ans.Summary = strings.TrimSpace(summary)
	return ans, nil
}

func (a *Agent) askProbe(ctx context.Context, request, name string, opts probe.Options) (*Answer, error) {
	res, err := probe.RunWith(ctx, a.runner, name, opts, a.logger)
	if err != nil {
		return nil, err
	}
	a.record(ctx, res)
	return &Answer{Request: request, Probe: name, Result: res, Output: res.Raw, ExitCode: res.ExitCode}, nil
}

func (a *Agent) record(ctx context.Context, res *probe.Result) {
	if a.opts.Recorder == nil {
		return
	}
	r, err := store.FromResult(res)
	if err == nil {
		_, err = a.opts.Recorder.InsertReport(ctx, r)
	}
	if err != nil {
		a.logger.Warn("failed to store report", "probe", res.Probe, "error", err)
	}
}

var probeAliases = map[string]string{
	"identity":    "identity",
	"whoami":      "identity",
	"drivers":     "drivers",
	"modules":     "drivers",
	"devicetree":  "devicetree",
	"device-tree": "devicetree",
	"dt":          "devicetree",
	"hotspots":    "hotspots",
	"interrupts":  "hotspots",
	"rtdiag":      "rtdiag",
	"realtime":    "rtdiag",
	"rt":          "rtdiag",
}

// routeProbe picks a probe out of a request such as
// "probe devicetree path=/proc/device-tree/soc". key=value words become
// probe options.
func routeProbe(request string) (string, probe.Options, bool) {
	var name string
	var kv []string
	for _, word := range strings.Fields(request) {
		if strings.Contains(word, "=") {
			kv = append(kv, word)
			continue
		}
		w := strings.ToLower(strings.Trim(word, ".,:;?!\"'"))
		if p, ok := probeAliases[w]; ok && name == "" {
			name = p
		}
	}
	if name == "" {
		return "", nil, false
	}
	opts, err := probe.ParseOptions(kv)
	if err != nil {
		opts = probe.Options{}
	}
	return name, opts, true
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "$ "))
		if line != "" {
			return line
		}
	}
	return ""
}

// Watch polls the device's kernel log until ctx is done
func (a *Agent) Watch(ctx context.Context) error {
	a.logger.Info("watch starting", "device", a.runner.Name(), "interval", a.cfg.PollInterval,
		"analyze", a.analyzing())

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	if _, err := a.Collect(ctx); err != nil {
		a.logger.Error("collection error", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("watch shutting down")
			return nil
		case <-ticker.C:
			if _, err := a.Collect(ctx); err != nil {
				a.logger.Error("collection error", "error", err)
			}
		}
	}
}

func (a *Agent) analyzing() bool {
	return a.cfg.Analyze && a.opts.Analyzer != nil
}

// Collect reads the kernel log once and handles any lines newer than the
// saved position. It returns nil when there was nothing new.
func (a *Agent) Collect(ctx context.Context) (*store.WatchResult, error) {
	last, err := ReadState(a.cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	match, err := a.runner.RunFramed(ctx, dmesgScript(a.cfg.WallClock), dmesgTimeout)
	if err != nil {
		return nil, fmt.Errorf("get dmesg: %w", err)
	}
	boot, lines := splitDmesgPayload(match.Payload)

	newLines, next, reboot := FilterNewLines(lines, boot, last)
	if reboot {
		a.logger.Info("device rebooted since last poll", "device", a.runner.Name())
	}
	if len(newLines) == 0 {
		a.logger.Debug("no new dmesg lines", "device", a.runner.Name())
		return nil, a.saveState(last, next)
	}

	newLines, truncated := CapLines(newLines, a.cfg.MaxLines)
	if truncated {
		a.logger.Warn("truncated dmesg batch", "lines", len(newLines))
	}

	result := &store.WatchResult{
		Timestamp: time.Now(),
		Device:    a.runner.Name(),
		Status:    "unanalyzed",
		RawDmesg:  strings.Join(newLines, "\n"),
	}
	if a.analyzing() {
		analysis, latency, err := a.opts.Analyzer.AnalyzeDmesg(ctx, newLines)
		if err != nil {
			// keep the old position so these lines are retried
			return nil, fmt.Errorf("analyze: %w", err)
		}
		result.Status = analysis.Status
		result.Issues = analysis.Issues
		result.APILatencyMs = latency.Milliseconds()
	}

	a.logger.Info("dmesg batch", "device", result.Device, "lines", len(newLines),
		"status", result.Status, "issues", len(result.Issues))

	if a.opts.Recorder != nil {
		if err := a.opts.Recorder.InsertWatchResult(ctx, result); err != nil {
			return nil, fmt.Errorf("store result: %w", err)
		}
	}
	return result, a.saveState(last, next)
}

func (a *Agent) saveState(last, next State) error {
	if a.cfg.StateFile == "" || next == last {
		return nil
	}
	if err := WriteState(a.cfg.StateFile, next); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
