package link

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

var (
	placeLinkColumns = []string{"id", "person_id", "place_id", "source_system", "created_at"}
	householdColumns = []string{"id", "person_id", "member_of", "shared_via", "created_at"}
	sightingColumns  = []string{"id", "animal_id", "place_id", "observed_at", "source_system", "source_record_id", "created_at"}
)

// Repository persists person-place links, household links and animal sightings
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

// LinkPlace inserts the link or loads the existing one for the same pair into link
func (r *Repository) LinkPlace(ctx context.Context, link *models.PlaceLink) error {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.LinkPlace")
	defer span.End()

	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("person_place_links")
	ib.Cols(placeLinkColumns...)
	ib.Values(link.ID, link.PersonID, link.PlaceID, link.SourceSystem, link.CreatedAt)

	query, args := ib.Build()
	query += " ON CONFLICT (person_id, place_id) DO NOTHING"
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"person_id": link.PersonID,
			"place_id":  link.PlaceID,
		}).Error("Failed to link person to place")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to link person to place")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(placeLinkColumns...).From("person_place_links").Where(
		sb.Equal("person_id", link.PersonID),
		sb.Equal("place_id", link.PlaceID),
	)
	query, args = sb.Build()
	if err := r.db.Conn(ctx).GetContext(ctx, link, query, args...); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to load person place link")
	}
	return nil
}

func (r *Repository) ListPlaceLinks(ctx context.Context, personID string) ([]models.PlaceLink, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.ListPlaceLinks")
	defer span.End()

	if uuid.Validate(personID) != nil {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(placeLinkColumns...).From("person_place_links").
		Where(sb.Equal("person_id", personID)).
		OrderBy("created_at DESC", "id")

	query, args := sb.Build()
	var links []models.PlaceLink
	if err := r.db.Conn(ctx).SelectContext(ctx, &links, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("person_id", personID).Error("Failed to list place links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list place links")
	}
	return links, nil
}

func (r *Repository) ListPersonsAtPlace(ctx context.Context, placeID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.ListPersonsAtPlace")
	defer span.End()

	if uuid.Validate(placeID) != nil {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("person_id").From("person_place_links").
		Where(sb.Equal("place_id", placeID)).
		OrderBy("created_at", "person_id")

	query, args := sb.Build()
	var ids []string
	if err := r.db.Conn(ctx).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("place_id", placeID).Error("Failed to list persons at place")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list persons at place")
	}
	return ids, nil
}

func (r *Repository) AddHouseholdLink(ctx context.Context, link *models.HouseholdLink) error {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.AddHouseholdLink")
	defer span.End()

	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("household_links")
	ib.Cols(householdColumns...)
	ib.Values(link.ID, link.PersonID, link.MemberOf, link.SharedVia, link.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"person_id": link.PersonID,
			"member_of": link.MemberOf,
		}).Error("Failed to add household link")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to add household link")
	}
	return nil
}

// ListHouseholdLinks returns links in either direction
func (r *Repository) ListHouseholdLinks(ctx context.Context, personID string) ([]models.HouseholdLink, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.ListHouseholdLinks")
	defer span.End()

	if uuid.Validate(personID) != nil {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(householdColumns...).From("household_links").
		Where(sb.Or(
			sb.Equal("person_id", personID),
			sb.Equal("member_of", personID),
		)).
		OrderBy("created_at", "id")

	query, args := sb.Build()
	var links []models.HouseholdLink
	if err := r.db.Conn(ctx).SelectContext(ctx, &links, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("person_id", personID).Error("Failed to list household links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list household links")
	}
	return links, nil
}

func (r *Repository) AddSighting(ctx context.Context, sighting *models.Sighting) error {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.AddSighting")
	defer span.End()

	if sighting.ID == "" {
		sighting.ID = uuid.NewString()
	}
	if sighting.CreatedAt.IsZero() {
		sighting.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("sightings")
	ib.Cols(sightingColumns...)
	ib.Values(sighting.ID, sighting.AnimalID, sighting.PlaceID, sighting.ObservedAt, sighting.SourceSystem, sighting.SourceRecordID, sighting.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"animal_id": sighting.AnimalID,
			"place_id":  sighting.PlaceID,
		}).Error("Failed to add sighting")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to add sighting")
	}
	return nil
}

func (r *Repository) ListSightings(ctx context.Context, placeIDs []string, from, to time.Time) ([]models.Sighting, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.ListSightings")
	defer span.End()

	ids := database.UUIDs(placeIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(sightingColumns...).From("sightings").
		Where(
			sb.In("place_id", sqlbuilder.Flatten(ids)...),
			sb.Between("observed_at", from, to),
		).
		OrderBy("observed_at", "id")

	query, args := sb.Build()
	var sightings []models.Sighting
	if err := r.db.Conn(ctx).SelectContext(ctx, &sightings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("places", len(ids)).Error("Failed to list sightings")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list sightings")
	}
	return sightings, nil
}
