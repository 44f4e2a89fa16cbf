package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of an upload session. Transitions are
// monotonic: an open session moves to exactly one terminal state and stays
// there.
type SessionState string

const (
	StateOpen      SessionState = "open"
	StateCommitted SessionState = "committed"
	StateCancelled SessionState = "cancelled"
	StateFailed    SessionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s != StateOpen
}

// TotalUnknown marks a session whose declared file size has not arrived yet.
// Every fragment carries the total length, so the first fragment fixes it.
const TotalUnknown int64 = -1

// ByteRange is a half-open byte interval [Start, End). The wire format uses
// inclusive end offsets; the protocol codec converts at the boundary so the
// rest of the code only ever sees half-open ranges.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes the range spans.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Sentinel errors shared between the session core and the protocol layer.
// Handlers map these onto response status codes with errors.Is.
var (
	ErrNotFound     = errors.New("session not found")
	ErrNotOpen      = errors.New("no active session")
	ErrIncomplete   = errors.New("incomplete upload")
	ErrSizeConflict = errors.New("file total size conflict")
	ErrTooLarge     = errors.New("fragment too large")
	ErrMalformed    = errors.New("malformed request")
	ErrAccessDenied = errors.New("upload target access denied")
)

// NewSessionID allocates a fresh session identifier in the braced lowercase
// GUID form BITS clients expect.
func NewSessionID() string {
	return FormatSessionID(uuid.New())
}

// FormatSessionID renders a UUID as a braced lowercase GUID.
func FormatSessionID(id uuid.UUID) string {
	return "{" + id.String() + "}"
}

// ParseSessionID validates a session id received on the wire and returns its
// canonical braced form. Braced and bare GUIDs are both accepted, case
// insensitively.
func ParseSessionID(raw string) (string, error) {
	id, err := uuid.Parse(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return "", fmt.Errorf("%w: invalid session id %q", ErrMalformed, raw)
	}
	return FormatSessionID(id), nil
}
