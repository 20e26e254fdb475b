package ledger

import (
	"context"
	"errors"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store"
)

// IntakeKey identifies one source record for idempotent resolution
type IntakeKey struct {
	Kind           models.EntityKind
	SourceSystem   string
	SourceRecordID string
	Fingerprint    string
}

// NewIntakeKey keys a record by its source record id, or by the fingerprint of
// record when the source supplied no id.
func NewIntakeKey(kind models.EntityKind, sourceSystem, sourceRecordID string, record any) (IntakeKey, error) {
	fp, err := fingerprint.Of(record)
	if err != nil {
		return IntakeKey{}, resolution.WrapError(resolution.KindInvalidInput, err, "fingerprint record")
	}
	key := IntakeKey{Kind: kind, SourceSystem: sourceSystem, SourceRecordID: sourceRecordID, Fingerprint: fp}
	if key.SourceRecordID == "" {
		key.SourceRecordID = "fp:" + fp
	}
	return key, nil
}

// LockKey is the resolution lock held while the record is resolved
func (k IntakeKey) LockKey() string {
	return string(k.Kind) + ":intake:" + k.SourceSystem + ":" + k.SourceRecordID
}

// Duplicate reports a prior resolution of key. When one exists it appends a
// duplicate decision pointing at the current canonical entity and returns it.
func (l *Ledger) Duplicate(ctx context.Context, intake store.Intake, key IntakeKey) (*resolution.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.Ledger.Duplicate")
	defer span.End()

	rec, err := intake.GetIntake(ctx, key.Kind, key.SourceSystem, key.SourceRecordID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	canonical, err := l.Canonicalize(ctx, key.Kind, rec.EntityID)
	if err != nil {
		return nil, err
	}

	decision := &models.Decision{
		EntityKind:     key.Kind,
		SourceSystem:   key.SourceSystem,
		SourceRecordID: key.SourceRecordID,
		EntityID:       &canonical,
		CandidateID:    models.StrPtr(rec.EntityID),
		Score:          1,
		Outcome:        models.OutcomeDuplicate,
		Reason:         "source record already resolved",
		Stage:          "intake",
	}
	if err := l.Record(ctx, decision); err != nil {
		return nil, err
	}
	return ResultOf(decision), nil
}

// Remember maps key to entityID. Losing the insert to a concurrent writer is a constraint race.
func (l *Ledger) Remember(ctx context.Context, intake store.Intake, key IntakeKey, entityID string) error {
	inserted, err := intake.PutIntake(ctx, &models.IntakeRecord{
		EntityKind:     key.Kind,
		SourceSystem:   key.SourceSystem,
		SourceRecordID: key.SourceRecordID,
		EntityID:       entityID,
		Fingerprint:    key.Fingerprint,
		CreatedAt:      l.now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		return resolution.NewErrorf(resolution.KindConstraintRace, "source record %s/%s resolved concurrently", key.SourceSystem, key.SourceRecordID)
	}
	return nil
}

// ResultOf converts a recorded decision into the caller-facing result
func ResultOf(d *models.Decision) *resolution.Result {
	return &resolution.Result{
		EntityKind:  d.EntityKind,
		EntityID:    models.Deref(d.EntityID),
		Outcome:     d.Outcome,
		DecisionID:  d.ID,
		CandidateID: models.Deref(d.CandidateID),
		Score:       d.Score,
		Stage:       d.Stage,
		Reason:      d.Reason,
	}
}
