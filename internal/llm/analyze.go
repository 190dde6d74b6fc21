// internal/llm/analyze.go
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const dmesgPrompt = `You are a Linux kernel expert reviewing dmesg output from an embedded device on a serial console. Flag messages indicating:

- Memory errors (ECC, OOM kills, page allocation failures)
- Storage degradation (MMC/eMMC CRC errors, UBI/UBIFS corruption, I/O errors)
- Bus and peripheral faults (I2C/SPI timeouts, USB disconnect storms, PCIe link retraining)
- Thermal events (throttling, trip points)
- Driver instability (probe deferral loops, repeated resets, watchdog warnings)
- Real-time problems (RT throttling, hung tasks, soft lockups, RCU stalls)

Ignore routine noise: boot banners, normal driver init, systemd/busybox lifecycle.

Respond with JSON only:
{"status": "ok" | "warning" | "critical", "issues": [{"summary": "brief description", "evidence": "relevant log snippet"}]}

If nothing notable, return {"status": "ok", "issues": []}`

// Issue represents a single detected anomaly
type Issue struct {
	Summary  string `json:"summary"`
	Evidence string `json:"evidence"`
}

// Analysis is the model's verdict on a batch of kernel log lines
type Analysis struct {
	Status string  `json:"status"` // "ok", "warning", "critical"
	Issues []Issue `json:"issues"`
}

// AnalyzeDmesg sends kernel log lines to the model and parses its verdict
func (c *Client) AnalyzeDmesg(ctx context.Context, lines []string) (*Analysis, time.Duration, error) {
	text, latency, err := c.complete(ctx, []message{
		{Role: "system", Content: dmesgPrompt},
		{Role: "user", Content: strings.Join(lines, "\n")},
	}, 1024)
	if err != nil {
		return nil, latency, err
	}
	a, err := ParseAnalysis(text)
	return a, latency, err
}

// ParseAnalysis decodes a verdict, tolerating a markdown code fence
// around the JSON
func ParseAnalysis(text string) (*Analysis, error) {
	var a Analysis
	if err := json.Unmarshal([]byte(StripFence(text)), &a); err != nil {
		return nil, fmt.Errorf("failed to parse LLM response: %w", err)
	}
	switch a.Status {
	case "ok", "warning", "critical":
	default:
		return nil, fmt.Errorf("failed to parse LLM response: unknown status %q", a.Status)
	}
	return &a, nil
}

// StripFence removes a surrounding ``` block from a model answer
func StripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
