// internal/store/report.go
package store

import (
	"fmt"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/probe"
)

// FromResult builds the stored form of a probe run
func FromResult(res *probe.Result) (*Report, error) {
	doc, err := res.Report.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode %s report: %w", res.Probe, err)
	}
	return &Report{
		Timestamp: time.Now(),
		Probe:     res.Probe,
		Device:    res.Source,
		Marker:    res.Marker,
		ExitCode:  res.ExitCode,
		Degraded:  res.Degraded(),
		Markdown:  res.Report.Markdown(),
		JSON:      doc,
		Raw:       res.Raw,
		Elapsed:   res.Elapsed,
	}, nil
}
