// Package review is the operator queue for ambiguous resolutions. Accepting or
// rejecting an item appends an operator decision; that is the only way a
// review_pending decision is closed.
package review

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store"
)

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// Request is an operator verdict on one pending decision
type Request struct {
	DecisionID string `json:"-" validate:"required"`
	Action     Action `json:"-" validate:"required,oneof=accept reject"`
	Operator   string `json:"operator" validate:"required"`
	Note       string `json:"note,omitempty"`
	// TargetID overrides the candidate, and is required for coordinate-only place items
	TargetID string `json:"target_id,omitempty"`
}

// Invalidator drops derived state for places whose identity changed
type Invalidator interface {
	Invalidate(ctx context.Context, placeIDs ...string) error
}

// Notifier is told about operator decisions after they commit
type Notifier interface {
	EmitDecision(ctx context.Context, decision *models.Decision) error
	EmitMerged(ctx context.Context, decision *models.Decision, fromID string) error
}

type Service struct {
	logger   ectologger.Logger
	tx       store.Transactor
	ledger   *ledger.Ledger
	places   Invalidator
	notifier Notifier
}

type Option func(*Service)

// WithPlaceInvalidator clears colony estimates of merged places
func WithPlaceInvalidator(inv Invalidator) Option {
	return func(s *Service) {
		s.places = inv
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func NewService(logger ectologger.Logger, tx store.Transactor, l *ledger.Ledger, opts ...Option) *Service {
	s := &Service{logger: logger, tx: tx, ledger: l}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pending lists review_pending decisions no operator has resolved, oldest first
func (s *Service) Pending(ctx context.Context, kind models.EntityKind, limit, offset int) ([]models.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.Pending")
	defer span.End()

	return s.ledger.Decisions(ctx, models.DecisionFilter{
		EntityKind:  kind,
		Outcome:     models.OutcomeReviewPending,
		PendingOnly: true,
		Limit:       limit,
		Offset:      offset,
	})
}

// Resolve applies an operator verdict and returns the operator decision
func (s *Service) Resolve(ctx context.Context, req Request) (*models.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.Resolve")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"decision_id": req.DecisionID,
		"action":      req.Action,
		"operator":    req.Operator,
	})

	var (
		operatorDecision *models.Decision
		mergedFrom       string
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		pending, err := s.ledger.Decision(ctx, req.DecisionID)
		if err != nil {
			return err
		}
		if pending.Outcome != models.OutcomeReviewPending {
			return resolution.NewErrorf(resolution.KindInvalidInput, "decision %s is %s, not pending review", pending.ID, pending.Outcome)
		}
		prior, err := s.ledger.Resolution(ctx, pending.ID)
		if err != nil {
			return err
		}
		if prior != nil {
			return resolution.NewErrorf(resolution.KindConflict, "decision %s was already resolved by %s", pending.ID, models.Deref(prior.Operator)).
				AddMeta("resolved_by", prior.ID)
		}

		d := &models.Decision{
			EntityKind:         pending.EntityKind,
			SourceSystem:       pending.SourceSystem,
			SourceRecordID:     pending.SourceRecordID,
			Score:              pending.Score,
			Stage:              "operator",
			Operator:           models.StrPtr(req.Operator),
			ResolvesDecisionID: &pending.ID,
		}

		switch req.Action {
		case ActionAccept:
			target := req.TargetID
			if target == "" {
				target = models.Deref(pending.CandidateID)
			}
			if target == "" {
				return resolution.NewErrorf(resolution.KindInvalidInput, "decision %s has no candidate; a target is required", pending.ID)
			}

			survivor := target
			if pending.EntityID != nil {
				mergedFrom = *pending.EntityID
				survivor, err = s.ledger.Merge(ctx, pending.EntityKind, mergedFrom, target)
				if err != nil {
					return err
				}
			} else {
				// coordinate-only items never created an entity; accepting attributes them to the target
				if survivor, err = s.ledger.Canonicalize(ctx, pending.EntityKind, target); err != nil {
					return err
				}
			}
			d.Outcome = models.OutcomeOperatorMerged
			d.EntityID = &survivor
			d.CandidateID = models.StrPtr(target)
			d.Reason = reason(req, fmt.Sprintf("operator merged into %s", survivor))

		case ActionReject:
			d.Outcome = models.OutcomeOperatorKeptSeparate
			d.EntityID = pending.EntityID
			d.CandidateID = pending.CandidateID
			d.Reason = reason(req, "operator kept separate")

		default:
			return resolution.NewErrorf(resolution.KindInvalidInput, "unknown review action %q", req.Action)
		}

		if err := s.ledger.Record(ctx, d); err != nil {
			return err
		}
		operatorDecision = d
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Failed to resolve review item")
		return nil, err
	}

	log.WithFields(map[string]any{
		"outcome":   operatorDecision.Outcome,
		"entity_id": models.Deref(operatorDecision.EntityID),
	}).Info("Resolved review item")

	s.afterCommit(ctx, operatorDecision, mergedFrom)
	return operatorDecision, nil
}

func reason(req Request, fallback string) string {
	if req.Note != "" {
		return fallback + ": " + req.Note
	}
	return fallback
}

// afterCommit runs best-effort side effects; the decision is already durable
func (s *Service) afterCommit(ctx context.Context, d *models.Decision, mergedFrom string) {
	log := s.logger.WithContext(ctx).WithField("decision_id", d.ID)

	if d.Outcome == models.OutcomeOperatorMerged && d.EntityKind == models.EntityKindPlace && s.places != nil {
		ids := []string{models.Deref(d.EntityID)}
		if mergedFrom != "" {
			ids = append(ids, mergedFrom)
		}
		if err := s.places.Invalidate(ctx, ids...); err != nil {
			log.WithError(err).Warn("Failed to invalidate colony estimates after merge")
		}
	}

	if s.notifier == nil {
		return
	}
	if err := s.notifier.EmitDecision(ctx, d); err != nil {
		log.WithError(err).Warn("Failed to emit operator decision")
	}
	if mergedFrom != "" && d.Outcome == models.OutcomeOperatorMerged {
		if err := s.notifier.EmitMerged(ctx, d, mergedFrom); err != nil {
			log.WithError(err).Warn("Failed to emit merge")
		}
	}
}
