// Package progress defines the run lifecycle events emitted by the workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart            Stage = "RUN_START"
	StageRunDone             Stage = "RUN_DONE"
	StageRunError            Stage = "RUN_ERROR"
	StageFetchDone           Stage = "FETCH_DONE"
	StageOpportunityAccepted Stage = "OPPORTUNITY_ACCEPTED"
	StageDuplicateRejected   Stage = "DUPLICATE_REJECTED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of a target run.
type Event struct {
	// RunID identifies the run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS       time.Time
	Stage    Stage
	TargetID string
	BotID    string
	Country  string
	// Site is the sanitized host of the fetched page.
	Site        string
	StatusClass StatusClass
	Bytes       int64
	// Count carries opportunities found on RUN_DONE and extracted items on
	// FETCH_DONE.
	Count int
	// Points is the reward awarded on RUN_DONE.
	Points    int
	ErrorKind string
	Dur       time.Duration
	// Note carries low-volume context such as error text.
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
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageRunError:
		if e.ErrorKind == "" {
			return errors.New("run error requires error kind")
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageOpportunityAccepted, StageDuplicateRejected:
		if e.TargetID == "" {
			return fmt.Errorf("%s requires target id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
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

// ParseRunID converts a textual run id; unparsable ids map to the zero value,
// which Validate rejects.
func ParseRunID(s string) [16]byte {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
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
