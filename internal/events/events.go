// Package events forwards agent telemetry to named destination streams.
// A route map decides which stream an event belongs to; a disk-backed
// buffer holds events while the sink is unreachable and flushes them
// oldest-first on recovery.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single telemetry record.
type Event struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	SubjectArea string                 `json:"subject_area,omitempty"`
	Time        time.Time              `json:"time"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// New builds an event with a fresh ID and the current time.
func New(kind, subjectArea string, payload map[string]interface{}) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		SubjectArea: subjectArea,
		Time:        time.Now().UTC(),
		Payload:     payload,
	}
}

// Sink delivers events to a destination stream. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, stream string, events []Event) error
}
