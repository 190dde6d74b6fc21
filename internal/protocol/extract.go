// internal/protocol/extract.go
package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultAmbiguityThreshold is the number of unpaired end tokens after which
// a request stops waiting and fails as ambiguous
const DefaultAmbiguityThreshold = 2

var exitCodeRe = regexp.MustCompile(`rc=(\d+)`)

type pair struct {
	start, end int
}

// scan is a census of one marker's token occurrences in a line slice
type scan struct {
	pairs        []pair
	starts       int
	ends         int
	unpairedEnds int
}

func scanLines(lines []string, m Marker) scan {
	var s scan
	open := -1
	for i, line := range lines {
		si := strings.Index(line, m.Start)
		ei := strings.Index(line, m.End)
		if si >= 0 {
			s.starts++
			open = i
		}
		if ei < 0 {
			continue
		}
		s.ends++
		switch {
		case open >= 0 && open < i:
			s.pairs = append(s.pairs, pair{open, i})
			open = -1
		case open == i && ei > si:
			// start and end on one line, e.g. an echoed one-liner
			s.pairs = append(s.pairs, pair{i, i})
			open = -1
		default:
			s.unpairedEnds++
		}
	}
	return s
}

type verdict int

const (
	verdictWait verdict = iota
	verdictMatched
	verdictAmbiguous
)

// decide applies the pair selection policy. With two or more complete pairs
// the last one wins, since an echo always precedes the output it echoes. A
// single pair is accepted at once unless an echo copy is still expected, in
// which case it is accepted only once the deadline is reached.
func (s scan) decide(expectEcho, final bool, threshold int) (pair, verdict) {
	switch n := len(s.pairs); {
	case n >= 2:
		return s.pairs[n-1], verdictMatched
	case n == 1 && (!expectEcho || final):
		return s.pairs[0], verdictMatched
	case n == 0:
		if threshold > 0 && s.unpairedEnds >= threshold {
			return pair{}, verdictAmbiguous
		}
		if final && s.ends > 0 {
			return pair{}, verdictAmbiguous
		}
	}
	return pair{}, verdictWait
}

// Extract selects the marker pair in lines and returns the payload between
// it. final marks the last look before the deadline, when a lone pair is
// accepted even if an echo copy was expected. ok is false when no decision
// can be made yet; err is ErrAmbiguousPayload when the tokens cannot be
// paired.
func Extract(lines []string, m Marker, expectEcho, final bool) (Match, bool, error) {
	return extract(lines, m, expectEcho, final, DefaultAmbiguityThreshold)
}

func extract(lines []string, m Marker, expectEcho, final bool, threshold int) (Match, bool, error) {
	s := scanLines(lines, m)
	p, v := s.decide(expectEcho, final, threshold)
	switch v {
	case verdictAmbiguous:
		return Match{}, false, ErrAmbiguousPayload
	case verdictWait:
		return Match{}, false, nil
	}

	var body []string
	if p.end > p.start {
		body = make([]string, p.end-p.start-1)
		copy(body, lines[p.start+1:p.end])
	}
	return Match{
		Marker:   m,
		Payload:  strings.Join(body, "\n"),
		Lines:    body,
		ExitCode: exitCode(lines[p.end], m),
		Pairs:    len(s.pairs),
	}, true, nil
}

func exitCode(line string, m Marker) int {
	i := strings.Index(line, m.End)
	if i < 0 {
		return -1
	}
	match := exitCodeRe.FindStringSubmatch(line[i+len(m.End):])
	if match == nil {
		return -1
	}
	code, err := strconv.Atoi(match[1])
	if err != nil {
		return -1
	}
	return code
}
