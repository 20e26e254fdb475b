// Package events publishes resolution decisions for downstream consumers
package events

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Publisher writes one event to the bus
type Publisher interface {
	PublishEvent(ctx context.Context, event *kafka.ResolutionEvent) error
}

// Notifier is anything that wants to hear about decisions after they commit
type Notifier interface {
	EmitDecision(ctx context.Context, decision *models.Decision) error
	EmitMerged(ctx context.Context, decision *models.Decision, fromID string) error
}

// Emitter turns decisions into resolution events
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

func newEvent(eventType EventType, d *models.Decision) *kafka.ResolutionEvent {
	return &kafka.ResolutionEvent{
		EventType:          string(eventType),
		SchemaVersion:      SchemaVersion,
		DecisionID:         d.ID,
		EntityKind:         d.EntityKind,
		EntityID:           models.Deref(d.EntityID),
		CandidateID:        models.Deref(d.CandidateID),
		Outcome:            d.Outcome,
		Score:              d.Score,
		Stage:              d.Stage,
		Reason:             d.Reason,
		SourceSystem:       d.SourceSystem,
		SourceRecordID:     d.SourceRecordID,
		Operator:           models.Deref(d.Operator),
		ResolvesDecisionID: models.Deref(d.ResolvesDecisionID),
		Timestamp:          d.CreatedAt,
	}
}

// EmitDecision publishes a decision.recorded event
func (e *Emitter) EmitDecision(ctx context.Context, d *models.Decision) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitDecision")
	defer span.End()

	if err := e.publisher.PublishEvent(ctx, newEvent(EventTypeDecisionRecorded, d)); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit decision.recorded event")
		return err
	}
	return nil
}

// EmitMerged publishes an entity.merged event for fromID folding into the decision's entity
func (e *Emitter) EmitMerged(ctx context.Context, d *models.Decision, fromID string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitMerged")
	defer span.End()

	event := newEvent(EventTypeEntityMerged, d)
	event.MergedFromID = fromID
	if err := e.publisher.PublishEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.merged event")
		return err
	}
	return nil
}

// Fanout delivers to every notifier and joins their errors
type Fanout []Notifier

func (f Fanout) EmitDecision(ctx context.Context, d *models.Decision) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		errs = append(errs, n.EmitDecision(ctx, d))
	}
	return errors.Join(errs...)
}

func (f Fanout) EmitMerged(ctx context.Context, d *models.Decision, fromID string) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		errs = append(errs, n.EmitMerged(ctx, d, fromID))
	}
	return errors.Join(errs...)
}
