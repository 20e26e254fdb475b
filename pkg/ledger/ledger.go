// Package ledger owns the merged_into chain and the append-only decision log.
//
// Every read path resolves ids through Canonicalize before use. Merge only ever
// writes a pointer from one live entity to another live entity, so chains stay
// acyclic and every chain ends at a live survivor.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store"
)

// MaxChainHops bounds how far Canonicalize follows merged_into pointers
const MaxChainHops = 32

const mergeAttempts = 3

// Store is the persistence the ledger needs
type Store interface {
	store.Entities
	store.Decisions
}

type Ledger struct {
	logger ectologger.Logger
	store  Store
	now    func() time.Time
}

func New(logger ectologger.Logger, st Store) *Ledger {
	return &Ledger{logger: logger, store: st, now: time.Now}
}

// Chain returns the path from id to its canonical survivor, id first
func (l *Ledger) Chain(ctx context.Context, kind models.EntityKind, id string) ([]string, error) {
	path := []string{id}
	seen := map[string]struct{}{id: {}}

	current := id
	for hop := 0; ; hop++ {
		into, err := l.store.GetMergedInto(ctx, kind, current)
		if errors.Is(err, store.ErrNotFound) {
			return nil, resolution.NewErrorf(resolution.KindNotFound, "%s %s not found", kind, current).AddMeta("id", current)
		}
		if err != nil {
			return nil, err
		}
		if into == nil {
			return path, nil
		}
		if hop >= MaxChainHops {
			return nil, resolution.NewErrorf(resolution.KindCorruptChain, "merge chain from %s exceeds %d hops", id, MaxChainHops).AddMeta("id", id)
		}
		if _, ok := seen[*into]; ok {
			return nil, resolution.NewErrorf(resolution.KindCorruptChain, "merge chain from %s revisits %s", id, *into).AddMeta("id", id)
		}
		seen[*into] = struct{}{}
		path = append(path, *into)
		current = *into
	}
}

// Canonicalize resolves id to the live entity it was merged into, or id itself when live
func (l *Ledger) Canonicalize(ctx context.Context, kind models.EntityKind, id string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Ledger.Canonicalize")
	defer span.End()

	path, err := l.Chain(ctx, kind, id)
	if err != nil {
		if resolution.IsKind(err, resolution.KindCorruptChain) {
			l.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity_kind": kind,
				"entity_id":   id,
			}).Error("Corrupt merge chain")
		}
		return "", err
	}
	return path[len(path)-1], nil
}

// CanonicalizeAll canonicalizes ids and drops duplicates, keeping first-seen order
func (l *Ledger) CanonicalizeAll(ctx context.Context, kind models.EntityKind, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		canonical, err := l.Canonicalize(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	return out, nil
}

// Family returns the canonical survivor of id followed by every entity merged
// into it, directly or transitively
func (l *Ledger) Family(ctx context.Context, kind models.EntityKind, id string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Ledger.Family")
	defer span.End()

	root, err := l.Canonicalize(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	family := []string{root}
	seen := map[string]struct{}{root: {}}
	for i := 0; i < len(family); i++ {
		from, err := l.store.ListMergedFrom(ctx, kind, family[i])
		if err != nil {
			return nil, err
		}
		for _, child := range from {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			family = append(family, child)
		}
	}
	return family, nil
}

// Merge points the survivor of fromID at the survivor of intoID and returns the survivor.
func (l *Ledger) Merge(ctx context.Context, kind models.EntityKind, fromID, intoID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Ledger.Merge")
	defer span.End()

	log := l.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_kind": kind,
		"from_id":     fromID,
		"into_id":     intoID,
	})

	if fromID == intoID {
		return "", resolution.NewErrorf(resolution.KindInvalidInput, "cannot merge %s %s into itself", kind, fromID)
	}

	for attempt := 0; attempt < mergeAttempts; attempt++ {
		from, err := l.Canonicalize(ctx, kind, fromID)
		if err != nil {
			return "", err
		}
		intoPath, err := l.Chain(ctx, kind, intoID)
		if err != nil {
			return "", err
		}
		into := intoPath[len(intoPath)-1]

		for _, id := range intoPath {
			if id == from {
				if into == from {
					return "", resolution.NewErrorf(resolution.KindConflict, "%s %s is already merged into %s", kind, intoID, fromID).
						AddMeta("survivor", into)
				}
				return "", resolution.NewErrorf(resolution.KindPolicyViolation, "merging %s into %s would create a cycle", fromID, intoID)
			}
		}

		ok, err := l.store.SetMergedInto(ctx, kind, from, into, l.now())
		if err != nil {
			log.WithError(err).Error("Failed to write merged_into")
			return "", err
		}
		if ok {
			log.WithFields(map[string]any{"survivor": into, "merged": from}).Info("Merged entities")
			return into, nil
		}
		log.Debugf("merged_into changed concurrently, retrying (attempt %d)", attempt+1)
	}

	return "", resolution.NewErrorf(resolution.KindConstraintRace, "merge of %s %s kept losing to concurrent merges", kind, fromID)
}

// Record appends an immutable decision row
func (l *Ledger) Record(ctx context.Context, decision *models.Decision) error {
	ctx, span := tracing.StartSpan(ctx, "ledger.Ledger.Record")
	defer span.End()

	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = l.now()
	}
	if err := l.store.InsertDecision(ctx, decision); err != nil {
		l.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": decision.EntityKind,
			"outcome":     decision.Outcome,
		}).Error("Failed to record decision")
		return err
	}
	return nil
}

// Decisions lists decisions for audit views
func (l *Ledger) Decisions(ctx context.Context, filter models.DecisionFilter) ([]models.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Ledger.Decisions")
	defer span.End()

	return l.store.ListDecisions(ctx, filter)
}

// Decision fetches one decision row
func (l *Ledger) Decision(ctx context.Context, id string) (*models.Decision, error) {
	d, err := l.store.GetDecision(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, resolution.NewErrorf(resolution.KindNotFound, "decision %s not found", id).AddMeta("id", id)
	}
	return d, err
}

// Resolution returns the operator decision resolving id, or nil when it is still open
func (l *Ledger) Resolution(ctx context.Context, id string) (*models.Decision, error) {
	d, err := l.store.FindResolution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return d, err
}
