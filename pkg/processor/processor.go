// Package processor is the ingestion layer: it validates intake records from
// Kafka or HTTP, hands them to the matching resolver or to the colony
// aggregator, and publishes the decisions that result.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/animal"
	"github.com/Ramsey-B/fern/pkg/colony"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/person"
	"github.com/Ramsey-B/fern/pkg/place"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type PersonResolver interface {
	Resolve(ctx context.Context, rec person.Record) (*resolution.Result, error)
}

type PlaceResolver interface {
	Resolve(ctx context.Context, rec place.Record) (*resolution.Result, error)
}

type AnimalResolver interface {
	Resolve(ctx context.Context, rec animal.Record) (*resolution.Result, error)
}

type ObservationRecorder interface {
	Record(ctx context.Context, in colony.ObservationInput) (*models.Observation, bool, error)
}

// DecisionReader loads the decision row behind a result
type DecisionReader interface {
	Decision(ctx context.Context, id string) (*models.Decision, error)
}

type Notifier interface {
	EmitDecision(ctx context.Context, decision *models.Decision) error
}

// ResultProjector links a resolved entity to its place in the graph
type ResultProjector interface {
	ProjectResult(ctx context.Context, result *resolution.Result) error
}

// Processor handles intake for every record kind
type Processor struct {
	logger       ectologger.Logger
	persons      PersonResolver
	places       PlaceResolver
	animals      AnimalResolver
	observations ObservationRecorder
	decisions    DecisionReader
	notifier     Notifier
	projector    ResultProjector
}

type Option func(*Processor)

func WithNotifier(n Notifier) Option {
	return func(p *Processor) {
		p.notifier = n
	}
}

func WithProjector(pr ResultProjector) Option {
	return func(p *Processor) {
		p.projector = pr
	}
}

// NewProcessor creates a new intake processor
func NewProcessor(
	logger ectologger.Logger,
	persons PersonResolver,
	places PlaceResolver,
	animals AnimalResolver,
	observations ObservationRecorder,
	decisions DecisionReader,
	opts ...Option,
) *Processor {
	p := &Processor{
		logger:       logger,
		persons:      persons,
		places:       places,
		animals:      animals,
		observations: observations,
		decisions:    decisions,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks struct tags and reports failures as invalid input
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return resolution.WrapError(resolution.KindInvalidInput, err, "invalid record")
		}
		fields := make([]string, len(verrs))
		for i, fe := range verrs {
			fields[i] = fmt.Sprintf("%s failed '%s'", fe.Field(), fe.Tag())
		}
		return resolution.NewErrorf(resolution.KindInvalidInput, "invalid record: %s", strings.Join(fields, "; ")).
			AddMeta("fields", fields)
	}
	return nil
}

// Permanent reports whether redelivering the same record could never succeed
func Permanent(err error) bool {
	switch resolution.KindOf(err) {
	case resolution.KindUnidentifiable, resolution.KindInvalidInput, resolution.KindMalformedGeocode,
		resolution.KindPolicyViolation, resolution.KindNotFound, resolution.KindCorruptChain:
		return true
	}
	return false
}

// Person resolves a person record and publishes the decision
func (p *Processor) Person(ctx context.Context, rec person.Record) (*resolution.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Person")
	defer span.End()

	if err := Validate(rec); err != nil {
		return nil, err
	}
	result, err := p.persons.Resolve(ctx, rec)
	p.publish(ctx, result)
	return result, err
}

// Place resolves a place record and publishes the decision
func (p *Processor) Place(ctx context.Context, rec place.Record) (*resolution.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Place")
	defer span.End()

	if err := Validate(rec); err != nil {
		return nil, err
	}
	result, err := p.places.Resolve(ctx, rec)
	p.publish(ctx, result)
	return result, err
}

// Animal resolves an animal record and publishes the decision
func (p *Processor) Animal(ctx context.Context, rec animal.Record) (*resolution.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Animal")
	defer span.End()

	if err := Validate(rec); err != nil {
		return nil, err
	}
	if rec.Place != nil {
		if err := Validate(rec.Place); err != nil {
			return nil, err
		}
	}
	result, err := p.animals.Resolve(ctx, rec)
	p.publish(ctx, result)
	return result, err
}

// Observation stores a colony observation
func (p *Processor) Observation(ctx context.Context, in colony.ObservationInput) (*models.Observation, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Observation")
	defer span.End()

	if err := Validate(in); err != nil {
		return nil, false, err
	}
	return p.observations.Record(ctx, in)
}

// publish runs post-commit side effects; the decision is already durable
func (p *Processor) publish(ctx context.Context, result *resolution.Result) {
	if result == nil || result.DecisionID == "" {
		return
	}
	log := p.logger.WithContext(ctx).WithField("decision_id", result.DecisionID)

	if p.notifier != nil {
		d, err := p.decisions.Decision(ctx, result.DecisionID)
		if err != nil {
			log.WithError(err).Warn("Failed to load decision for publishing")
		} else if err := p.notifier.EmitDecision(ctx, d); err != nil {
			log.WithError(err).Warn("Failed to publish decision")
		}
	}
	if p.projector != nil {
		if err := p.projector.ProjectResult(ctx, result); err != nil {
			log.WithError(err).Warn("Failed to project result")
		}
	}
}

// ProcessMessage handles an incoming Kafka message. Permanent failures are
// logged and swallowed so the message is committed.
func (p *Processor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.ProcessMessage")
	defer span.End()

	kind := msg.GetKind()
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"key":    msg.Key,
		"topic":  msg.Topic,
		"offset": msg.Offset,
		"kind":   kind,
	})

	err := p.dispatch(ctx, msg, log)
	switch {
	case err == nil:
		metrics.RecordIntake(string(kind), "ok")
		return nil
	case Permanent(err):
		metrics.RecordIntake(string(kind), "rejected")
		log.WithError(err).Warn("Intake record rejected")
		return nil
	default:
		metrics.RecordIntake(string(kind), "error")
		return err
	}
}

func (p *Processor) dispatch(ctx context.Context, msg *kafka.IncomingMessage, log ectologger.Logger) error {
	switch msg.GetKind() {
	case kafka.RecordKindPerson:
		var rec person.Record
		if err := decode(msg, &rec); err != nil {
			return err
		}
		result, err := p.Person(ctx, rec)
		logResult(log, result)
		return err

	case kafka.RecordKindPlace:
		var rec place.Record
		if err := decode(msg, &rec); err != nil {
			return err
		}
		result, err := p.Place(ctx, rec)
		logResult(log, result)
		return err

	case kafka.RecordKindAnimal:
		var rec animal.Record
		if err := decode(msg, &rec); err != nil {
			return err
		}
		result, err := p.Animal(ctx, rec)
		logResult(log, result)
		return err

	case kafka.RecordKindObservation:
		var in colony.ObservationInput
		if err := decode(msg, &in); err != nil {
			return err
		}
		obs, inserted, err := p.Observation(ctx, in)
		if err == nil {
			log.WithFields(map[string]any{"observation_id": obs.ID, "inserted": inserted}).Debug("Recorded observation")
		}
		return err
	}

	return resolution.NewErrorf(resolution.KindInvalidInput, "unknown intake kind %q", msg.GetKind())
}

func decode(msg *kafka.IncomingMessage, out any) error {
	if err := msg.DecodeRecord(out); err != nil {
		return resolution.WrapError(resolution.KindInvalidInput, err, "undecodable intake record")
	}
	return nil
}

func logResult(log ectologger.Logger, result *resolution.Result) {
	if result == nil {
		return
	}
	log.WithFields(map[string]any{
		"entity_id": result.EntityID,
		"outcome":   result.Outcome,
		"stage":     result.Stage,
		"score":     result.Score,
	}).Debug("Resolved intake record")
}
