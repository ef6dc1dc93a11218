// Package events defines the notifications the engine emits after a
// successful mutation. Emission is best-effort: it never fails or blocks
// the operation that triggered it.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an event.
type Type string

const (
	MedicationRegistered    Type = "medication.registered"
	ContraindicationsSet    Type = "medication.contraindications_set"
	InteractionRegistered   Type = "interaction.registered"
	PatientAllergiesSet     Type = "patient.allergies_set"
	PatientConditionsSet    Type = "patient.conditions_set"
	OverrideRecorded        Type = "override.recorded"
	PrescriptionIssued      Type = "prescription.issued"
	PrescriptionDispensed   Type = "prescription.dispensed"
	PrescriptionTransferred Type = "prescription.transferred"
)

// Topics events are published to.
const (
	TopicCatalog       = "medsafe.catalog"
	TopicInteractions  = "medsafe.interactions"
	TopicPatients      = "medsafe.patients"
	TopicOverrides     = "medsafe.overrides"
	TopicPrescriptions = "medsafe.prescriptions"
)

// Topic returns the topic an event type is published to.
func (t Type) Topic() string {
	switch t {
	case MedicationRegistered, ContraindicationsSet:
		return TopicCatalog
	case InteractionRegistered:
		return TopicInteractions
	case PatientAllergiesSet, PatientConditionsSet:
		return TopicPatients
	case OverrideRecorded:
		return TopicOverrides
	default:
		return TopicPrescriptions
	}
}

// AllTopics lists every topic the engine publishes to.
func AllTopics() []string {
	return []string{TopicCatalog, TopicInteractions, TopicPatients, TopicOverrides, TopicPrescriptions}
}

// Event is the envelope published for every mutation.
type Event struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// New builds an event. A payload that cannot be encoded is replaced by null
// so that emission stays infallible.
func New(t Type, aggregateID, actor string, payload any, at time.Time) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = json.RawMessage("null")
	}
	return Event{
		ID:          uuid.New().String(),
		Type:        t,
		AggregateID: aggregateID,
		Actor:       actor,
		Payload:     data,
		Timestamp:   at.UTC(),
	}
}

// Emitter publishes events.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Event) {}

// Logger writes events to a zap logger.
type Logger struct {
	L *zap.Logger
}

// Emit logs the event at debug level.
func (l Logger) Emit(_ context.Context, e Event) {
	if l.L == nil {
		return
	}
	l.L.Debug("event emitted",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("aggregate_id", e.AggregateID))
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
