package engine

import "fmt"

// Handle identifies one transfer attempt. Resuming a paused transfer yields a new handle.
type Handle string

// EventKind distinguishes engine events
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is emitted by the engine for a transfer. Completed and Failed are mutually exclusive
// and at most one of them is emitted per handle.
type Event struct {
	Kind   EventKind
	Handle Handle
	URL    string

	BytesWritten   int64
	BytesExpected  int64 // zero when the server did not say
	BytesPerSecond float64

	// TempPath holds the downloaded bytes on completion; the receiver must move it
	TempPath string

	Err error
}

// Fraction returns progress in [0, 1], or 0 when the size is unknown
func (e Event) Fraction() float64 {
	if e.BytesExpected <= 0 {
		return 0
	}
	f := float64(e.BytesWritten) / float64(e.BytesExpected)
	if f > 1 {
		return 1
	}
	return f
}

// ResumeState is the token captured by Pause. An Offset of zero means the transfer
// restarts from the beginning.
type ResumeState struct {
	URL          string `json:"url"`
	TempPath     string `json:"temp_path,omitempty"`
	Offset       int64  `json:"offset"`
	Expected     int64  `json:"expected,omitempty"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Resumable reports whether the token carries partial data to continue from
func (s ResumeState) Resumable() bool {
	return s.Offset > 0 && s.TempPath != ""
}
