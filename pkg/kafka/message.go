package kafka

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// RecordKind names what an intake envelope carries
type RecordKind string

const (
	RecordKindPerson      RecordKind = "person"
	RecordKindPlace       RecordKind = "place"
	RecordKindAnimal      RecordKind = "animal"
	RecordKindObservation RecordKind = "observation"
)

// ErrMalformedEnvelope is returned when a message is not an intake envelope
var ErrMalformedEnvelope = errors.New("malformed intake envelope")

// IntakeEnvelope is the wire shape of one intake record
type IntakeEnvelope struct {
	Kind   RecordKind      `json:"kind" validate:"required,oneof=person place animal observation"`
	Record json.RawMessage `json:"record" validate:"required"`
}

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	// Parsed content
	Envelope *IntakeEnvelope
}

// ParseEnvelope parses the message value as an intake envelope
func (m *IncomingMessage) ParseEnvelope() error {
	var env IntakeEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return errors.Join(ErrMalformedEnvelope, err)
	}
	if env.Kind == "" {
		// producers that predate the envelope set the kind as a header
		env.Kind = RecordKind(m.Headers["kind"])
	}
	if env.Kind == "" || len(env.Record) == 0 {
		return ErrMalformedEnvelope
	}
	m.Envelope = &env
	return nil
}

// GetKind returns the envelope kind, or "" before parsing
func (m *IncomingMessage) GetKind() RecordKind {
	if m.Envelope != nil {
		return m.Envelope.Kind
	}
	return RecordKind(m.Headers["kind"])
}

// DecodeRecord unmarshals the envelope's record into out
func (m *IncomingMessage) DecodeRecord(out any) error {
	if m.Envelope == nil {
		return ErrMalformedEnvelope
	}
	return json.Unmarshal(m.Envelope.Record, out)
}

// ResolutionEvent is published for every recorded decision
type ResolutionEvent struct {
	EventType          string                 `json:"event_type"` // decision.recorded, entity.merged
	SchemaVersion      string                 `json:"schema_version"`
	DecisionID         string                 `json:"decision_id"`
	EntityKind         models.EntityKind      `json:"entity_kind"`
	EntityID           string                 `json:"entity_id,omitempty"`
	CandidateID        string                 `json:"candidate_id,omitempty"`
	MergedFromID       string                 `json:"merged_from_id,omitempty"`
	Outcome            models.DecisionOutcome `json:"outcome"`
	Score              float64                `json:"score"`
	Stage              string                 `json:"stage,omitempty"`
	Reason             string                 `json:"reason,omitempty"`
	SourceSystem       string                 `json:"source_system,omitempty"`
	SourceRecordID     string                 `json:"source_record_id,omitempty"`
	Operator           string                 `json:"operator,omitempty"`
	ResolvesDecisionID string                 `json:"resolves_decision_id,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`
}

// Key partitions events by entity so one entity's history stays ordered
func (e *ResolutionEvent) Key() string {
	if e.EntityID != "" {
		return string(e.EntityKind) + ":" + e.EntityID
	}
	return e.DecisionID
}
