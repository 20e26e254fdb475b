package decision

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store"
)

var (
	decisionColumns = []string{"id", "entity_kind", "source_system", "source_record_id", "entity_id", "candidate_id", "score", "outcome", "reason", "stage", "operator", "resolves_decision_id", "created_at"}
	intakeColumns   = []string{"entity_kind", "source_system", "source_record_id", "entity_id", "fingerprint", "created_at"}
)

const unresolved = "NOT EXISTS (SELECT 1 FROM match_decisions r WHERE r.resolves_decision_id = match_decisions.id)"

// Repository persists the decision ledger, the intake map and identity claims
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) InsertDecision(ctx context.Context, decision *models.Decision) error {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.InsertDecision")
	defer span.End()

	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("match_decisions")
	ib.Cols(decisionColumns...)
	ib.Values(decision.ID, decision.EntityKind, decision.SourceSystem, decision.SourceRecordID, decision.EntityID, decision.CandidateID,
		decision.Score, decision.Outcome, decision.Reason, decision.Stage, decision.Operator, decision.ResolvesDecisionID, decision.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) && decision.ResolvesDecisionID != nil {
			return resolution.WrapError(resolution.KindConflict, err, "decision was already resolved").
				AddMeta("decision_id", *decision.ResolvesDecisionID)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": decision.EntityKind,
			"outcome":     decision.Outcome,
		}).Error("Failed to insert decision")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert decision")
	}
	return nil
}

func (r *Repository) get(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.Decision, error) {
	query, args := sb.Build()
	var decision models.Decision
	if err := r.db.Conn(ctx).GetContext(ctx, &decision, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get decision")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get decision")
	}
	return &decision, nil
}

func (r *Repository) GetDecision(ctx context.Context, id string) (*models.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.GetDecision")
	defer span.End()

	if uuid.Validate(id) != nil {
		return nil, store.ErrNotFound
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(decisionColumns...).From("match_decisions").Where(sb.Equal("id", id))
	return r.get(ctx, sb)
}

func (r *Repository) FindResolution(ctx context.Context, id string) (*models.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.FindResolution")
	defer span.End()

	if uuid.Validate(id) != nil {
		return nil, store.ErrNotFound
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(decisionColumns...).From("match_decisions").Where(
		sb.Equal("resolves_decision_id", id),
		sb.In("outcome", models.OutcomeOperatorMerged, models.OutcomeOperatorKeptSeparate),
	)
	return r.get(ctx, sb)
}

func (r *Repository) ListDecisions(ctx context.Context, filter models.DecisionFilter) ([]models.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.ListDecisions")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(decisionColumns...).From("match_decisions")

	if filter.EntityKind != "" {
		sb.Where(sb.Equal("entity_kind", filter.EntityKind))
	}
	if filter.EntityID != "" {
		if uuid.Validate(filter.EntityID) != nil {
			return nil, nil
		}
		sb.Where(sb.Or(
			sb.Equal("entity_id", filter.EntityID),
			sb.Equal("candidate_id", filter.EntityID),
		))
	}
	if filter.Outcome != "" {
		sb.Where(sb.Equal("outcome", filter.Outcome))
	}
	if filter.PendingOnly {
		sb.Where(sb.Equal("outcome", models.OutcomeReviewPending), unresolved)
	}

	sb.OrderBy("created_at", "id")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	var decisions []models.Decision
	if err := r.db.Conn(ctx).SelectContext(ctx, &decisions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list decisions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list decisions")
	}
	return decisions, nil
}

func (r *Repository) GetIntake(ctx context.Context, kind models.EntityKind, sourceSystem, sourceRecordID string) (*models.IntakeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.GetIntake")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(intakeColumns...).From("intake_records").Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("source_system", sourceSystem),
		sb.Equal("source_record_id", sourceRecordID),
	)

	query, args := sb.Build()
	var record models.IntakeRecord
	if err := r.db.Conn(ctx).GetContext(ctx, &record, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_system":    sourceSystem,
			"source_record_id": sourceRecordID,
		}).Error("Failed to get intake record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get intake record")
	}
	return &record, nil
}

func (r *Repository) PutIntake(ctx context.Context, record *models.IntakeRecord) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.PutIntake")
	defer span.End()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("intake_records")
	ib.Cols(intakeColumns...)
	ib.Values(record.EntityKind, record.SourceSystem, record.SourceRecordID, record.EntityID, record.Fingerprint, record.CreatedAt)

	query, args := ib.Build()
	query += " ON CONFLICT (entity_kind, source_system, source_record_id) DO NOTHING"
	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_system":    record.SourceSystem,
			"source_record_id": record.SourceRecordID,
		}).Error("Failed to put intake record")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to put intake record")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read affected rows")
	}
	return affected == 1, nil
}

// Claim inserts the key or reports the entity already holding it
func (r *Repository) Claim(ctx context.Context, kind models.EntityKind, key, entityID string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.Claim")
	defer span.End()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("identity_claims")
	ib.Cols("entity_kind", "claim_key", "entity_id", "created_at")
	ib.Values(kind, key, entityID, time.Now().UTC())

	query, args := ib.Build()
	query += " ON CONFLICT (entity_kind, claim_key) DO NOTHING"
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind, "key": key}).Error("Failed to claim key")
		return "", false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim key")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_id").From("identity_claims").Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("claim_key", key),
	)
	query, args = sb.Build()
	var owner string
	if err := r.db.Conn(ctx).GetContext(ctx, &owner, query, args...); err != nil {
		return "", false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read claim owner")
	}
	return owner, owner == entityID, nil
}
