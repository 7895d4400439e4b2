package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes what an Event reports.
type Kind string

// Supported event kinds.
const (
	KindRunStart         Kind = "RUN_START"
	KindRunDone          Kind = "RUN_DONE"
	KindResourceVerified Kind = "RESOURCE_VERIFIED"
	KindStateChange      Kind = "STATE_CHANGE"
	KindNoMoreWork       Kind = "NO_MORE_WORK"
	KindFault            Kind = "FAULT"
	KindPoolResized      Kind = "POOL_RESIZED"
	KindPoolLeak         Kind = "POOL_LEAK"
)

// Lossless reports whether events of this kind must reach the sinks. Pool
// size samples are superseded by the next sample and may be dropped.
func (k Kind) Lossless() bool {
	return k != KindPoolResized
}

// Boundary reports whether the kind marks a run or lifecycle boundary.
func (k Kind) Boundary() bool {
	switch k {
	case KindRunStart, KindRunDone, KindStateChange, KindNoMoreWork, KindFault, KindPoolLeak:
		return true
	default:
		return false
	}
}

// StatusClass is a coarse status grouping.
type StatusClass string

// Supported status classes. Synthetic covers outcomes without an HTTP response.
const (
	Status2xx       StatusClass = "2xx"
	Status3xx       StatusClass = "3xx"
	Status4xx       StatusClass = "4xx"
	Status5xx       StatusClass = "5xx"
	StatusSynthetic StatusClass = "synthetic"
	StatusOther     StatusClass = "other"
)

// Event captures a single milestone of a crawl run.
type Event struct {
	// RunID uniquely identifies a crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time
	Kind Kind
	// URL is the resource the event is about, when any.
	URL       string
	ParentURL string
	// Status is the raw (possibly synthetic) status code of a verified resource.
	Status      int
	StatusClass StatusClass
	Internal    bool
	Bytes       int64
	Dur         time.Duration
	// State names the new lifecycle state for STATE_CHANGE events.
	State string
	// Count carries sizes (pool instances, leaked instances, verified total).
	Count int64
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone, KindNoMoreWork, KindPoolLeak:
	case KindResourceVerified:
		if e.URL == "" {
			return errors.New("resource verified requires url")
		}
		if e.StatusClass == "" {
			return errors.New("resource verified requires status class")
		}
	case KindStateChange:
		if e.State == "" {
			return errors.New("state change requires state")
		}
	case KindFault:
		if e.Note == "" {
			return errors.New("fault requires note")
		}
	case KindPoolResized:
		if e.Count < 1 {
			return errors.New("pool resize requires a positive count")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups status codes. Codes <= 0 are synthetic outcomes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code <= 0:
		return StatusSynthetic
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
