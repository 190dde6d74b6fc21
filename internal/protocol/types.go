// internal/protocol/types.go
package protocol

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	startPrefix = "KCSTART_"
	endPrefix   = "KCEND_"
	eofPrefix   = "KCEOF_"

	// IDLength is the number of hex characters in a marker id
	IDLength = 12
)

// ErrTimeout is returned when a framed request's deadline elapses before
// its marker pair is observed
var ErrTimeout = errors.New("framed request timed out")

// ErrAmbiguousPayload is returned when marker tokens were observed but no
// complete start/end pair could be formed from them
var ErrAmbiguousPayload = errors.New("ambiguous framed payload")

// Marker is the correlation token pair for one framed request
type Marker struct {
	ID    string `json:"id"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// NewMarker returns a marker with a fresh random id
func NewMarker() Marker {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return MarkerFromID(id[:IDLength])
}

// MarkerFromID builds the token pair for a known id
func MarkerFromID(id string) Marker {
	return Marker{
		ID:    id,
		Start: startPrefix + id,
		End:   endPrefix + id,
	}
}

// State is a framed request's position in its lifecycle
type State int

const (
	StateIdle State = iota
	StateSent
	StatePolling
	StateMatched
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSent:
		return "sent"
	case StatePolling:
		return "polling"
	case StateMatched:
		return "matched"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Match is the payload recovered from a framed request
type Match struct {
	Marker Marker
	// Payload is the text strictly between the chosen marker pair
	Payload string
	Lines   []string
	// ExitCode is the script's exit status, or -1 when it was not reported
	ExitCode int
	// Pairs is the number of complete marker pairs seen when matching
	Pairs int
}

// IsTimeout reports whether err is a framed request timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsAmbiguous reports whether err is an ambiguous payload failure
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguousPayload)
}
