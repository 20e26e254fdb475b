package observation

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
)

var columns = []string{"id", "place_id", "source_system", "source_record_id", "source_type", "total", "adults", "kittens", "altered", "firsthand", "observed_at", "created_at"}

// Repository persists colony observations, one row per source record
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

// InsertObservation returns the stored row and whether this call inserted it
func (r *Repository) InsertObservation(ctx context.Context, obs *models.Observation) (*models.Observation, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "observation.Repository.InsertObservation")
	defer span.End()

	if obs.ID == "" {
		obs.ID = uuid.NewString()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("colony_observations")
	ib.Cols(columns...)
	ib.Values(obs.ID, obs.PlaceID, obs.SourceSystem, obs.SourceRecordID, obs.SourceType, obs.Total, obs.Adults, obs.Kittens, obs.Altered,
		obs.Firsthand, obs.ObservedAt, obs.CreatedAt)

	query, args := ib.Build()
	query += " ON CONFLICT (source_system, source_record_id) DO NOTHING"
	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"place_id":         obs.PlaceID,
			"source_system":    obs.SourceSystem,
			"source_record_id": obs.SourceRecordID,
		}).Error("Failed to insert observation")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert observation")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read affected rows")
	}
	if affected == 1 {
		stored := *obs
		return &stored, true, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From("colony_observations").Where(
		sb.Equal("source_system", obs.SourceSystem),
		sb.Equal("source_record_id", obs.SourceRecordID),
	)
	query, args = sb.Build()
	var existing models.Observation
	if err := r.db.Conn(ctx).GetContext(ctx, &existing, query, args...); err != nil {
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load existing observation")
	}
	return &existing, false, nil
}

func (r *Repository) ListObservations(ctx context.Context, placeIDs []string) ([]models.Observation, error) {
	ctx, span := tracing.StartSpan(ctx, "observation.Repository.ListObservations")
	defer span.End()

	ids := database.UUIDs(placeIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From("colony_observations").
		Where(sb.In("place_id", sqlbuilder.Flatten(ids)...)).
		OrderBy("observed_at", "id")

	query, args := sb.Build()
	var observations []models.Observation
	if err := r.db.Conn(ctx).SelectContext(ctx, &observations, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("places", len(ids)).Error("Failed to list observations")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list observations")
	}
	return observations, nil
}
