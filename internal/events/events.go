// Package events is the append-only domain event log markers are persisted
// through. Clients replicate by pulling from a cursor; materialized views
// are pure folds over the stream so replay is deterministic.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event names. Versioned so payload shape changes become new names rather
// than silent breaks for replaying clients.
const (
	SheetCalloutsDetected = "v1.SheetCalloutsDetected"
	MarkerCorrected       = "v1.MarkerCorrected"
)

// Event is one immutable, named, timestamped domain event.
type Event struct {
	Seq     uint64          `json:"seq"`
	Name    string          `json:"name"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// MarkerRecord is the marker shape carried in event payloads.
type MarkerRecord struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Width          float64 `json:"width,omitempty"`
	Height         float64 `json:"height,omitempty"`
	Confidence     float64 `json:"confidence"`
	NeedsReview    bool    `json:"needsReview"`
	TargetSheetRef string  `json:"targetSheetRef,omitempty"`
	TargetSheetID  string  `json:"targetSheetId,omitempty"`
}

// SheetCalloutsDetectedPayload is emitted once per completed sheet
// detection run. A rerun for the same sheet emits a new event whose
// markers replace the previous set on fold.
type SheetCalloutsDetectedPayload struct {
	PlanID  string         `json:"planId"`
	SheetID string         `json:"sheetId"`
	Markers []MarkerRecord `json:"markers"`
}

// MarkerCorrectedPayload records an explicit human correction of one
// marker. The only mutation path for a persisted marker.
type MarkerCorrectedPayload struct {
	PlanID  string       `json:"planId"`
	SheetID string       `json:"sheetId"`
	Marker  MarkerRecord `json:"marker"`
}

// Log is an append-only in-memory event log with cursor-based pulls.
type Log struct {
	mu      sync.RWMutex
	events  []Event
	nextSeq uint64
}

// NewLog creates an empty event log.
func NewLog() *Log {
	return &Log{nextSeq: 1}
}

// Append adds a named event with the given payload, assigning it the next
// sequence number. Returns the stored event.
func (l *Log) Append(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		Seq:     l.nextSeq,
		Name:    name,
		At:      time.Now().UTC(),
		Payload: data,
	}
	l.nextSeq++
	l.events = append(l.events, ev)
	return ev, nil
}

// Push appends pre-formed events (client replication path). Sequence
// numbers are reassigned server-side; client-supplied seq values are
// ignored.
func (l *Log) Push(events []Event) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := make([]Event, 0, len(events))
	for _, ev := range events {
		ev.Seq = l.nextSeq
		l.nextSeq++
		l.events = append(l.events, ev)
		stored = append(stored, ev)
	}
	return stored
}

// Pull returns all events with Seq > cursor and the new cursor position.
func (l *Log) Pull(cursor uint64) ([]Event, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	next := cursor
	for _, ev := range l.events {
		if ev.Seq > cursor {
			out = append(out, ev)
			if ev.Seq > next {
				next = ev.Seq
			}
		}
	}
	return out, next
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
