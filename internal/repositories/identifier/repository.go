package identifier

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

var columns = []string{"id", "entity_kind", "entity_id", "type", "value", "normalized_value", "is_primary", "source_system", "created_at", "updated_at"}

// Repository persists typed identifiers. Rows are never deleted.
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

func (r *Repository) AddIdentifier(ctx context.Context, identifier *models.Identifier) error {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.AddIdentifier")
	defer span.End()

	if identifier.ID == "" {
		identifier.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if identifier.CreatedAt.IsZero() {
		identifier.CreatedAt = now
	}
	identifier.UpdatedAt = now

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("identifiers")
	ib.Cols(columns...)
	ib.Values(identifier.ID, identifier.EntityKind, identifier.EntityID, identifier.Type, identifier.Value, identifier.NormalizedValue,
		identifier.IsPrimary, identifier.SourceSystem, identifier.CreatedAt, identifier.UpdatedAt)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_kind": identifier.EntityKind,
			"entity_id":   identifier.EntityID,
			"type":        identifier.Type,
		}).Error("Failed to add identifier")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to add identifier")
	}
	return nil
}

func (r *Repository) list(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.Identifier, error) {
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	var identifiers []models.Identifier
	if err := r.db.Conn(ctx).SelectContext(ctx, &identifiers, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifiers")
	}
	return identifiers, nil
}

func (r *Repository) ListIdentifiers(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ListIdentifiers")
	defer span.End()

	if uuid.Validate(entityID) != nil {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From("identifiers").Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("entity_id", entityID),
	)
	return r.list(ctx, sb)
}

func (r *Repository) FindIdentifiers(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, normalized string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.FindIdentifiers")
	defer span.End()

	if normalized == "" {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From("identifiers").Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("type", idType),
		sb.Equal("normalized_value", normalized),
	)
	return r.list(ctx, sb)
}

// escapeLike quotes the LIKE metacharacters in a literal
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *Repository) FindIdentifiersByAffix(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, prefix, suffix string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.FindIdentifiersByAffix")
	defer span.End()

	if prefix == "" && suffix == "" {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From("identifiers").Where(
		sb.Equal("entity_kind", kind),
		sb.Equal("type", idType),
		sb.Like("normalized_value", escapeLike(prefix)+"%"+escapeLike(suffix)),
	)
	return r.list(ctx, sb)
}

// SetPrimary demotes the entity's other identifiers of idType and promotes identifierID in one transaction
func (r *Repository) SetPrimary(ctx context.Context, kind models.EntityKind, entityID string, idType models.IdentifierType, identifierID string) error {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.SetPrimary")
	defer span.End()

	if uuid.Validate(entityID) != nil || uuid.Validate(identifierID) != nil {
		return store.ErrNotFound
	}

	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select("COUNT(*)").From("identifiers").Where(
			sb.Equal("id", identifierID),
			sb.Equal("entity_kind", kind),
			sb.Equal("entity_id", entityID),
		)
		query, args := sb.Build()
		var count int
		if err := r.db.Conn(ctx).GetContext(ctx, &count, query, args...); err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up identifier")
		}
		if count == 0 {
			return store.ErrNotFound
		}

		now := time.Now().UTC()
		demote := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		demote.Update("identifiers")
		demote.Set(
			demote.Assign("is_primary", false),
			demote.Assign("updated_at", now),
		)
		demote.Where(
			demote.Equal("entity_kind", kind),
			demote.Equal("entity_id", entityID),
			demote.Equal("type", idType),
			demote.Equal("is_primary", true),
			demote.NotEqual("id", identifierID),
		)

		promote := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		promote.Update("identifiers")
		promote.Set(
			promote.Assign("is_primary", true),
			promote.Assign("updated_at", now),
		)
		promote.Where(
			promote.Equal("id", identifierID),
			promote.Equal("is_primary", false),
		)

		for _, ub := range []*sqlbuilder.UpdateBuilder{demote, promote} {
			query, args := ub.Build()
			if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"entity_id":     entityID,
					"identifier_id": identifierID,
				}).Error("Failed to set primary identifier")
				return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set primary identifier")
			}
		}
		return nil
	})
}
