package entity

import (
	"context"
	"fmt"
	"net/http"
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

var (
	personColumns = []string{"id", "kind", "first_name", "last_name", "display_name", "normalized_name", "merged_into", "merged_at", "source_system", "created_at"}
	placeColumns  = []string{"id", "kind", "formatted_address", "normalized_address", "street_number", "street_name", "city", "latitude", "longitude", "precision", "address_backed", "merged_into", "merged_at", "source_system", "created_at"}
	animalColumns = []string{"id", "kind", "name", "normalized_name", "sex", "merged_into", "merged_at", "source_system", "created_at"}
)

// Table returns the table backing an entity kind
func Table(kind models.EntityKind) (string, error) {
	switch kind {
	case models.EntityKindPerson:
		return "persons", nil
	case models.EntityKindPlace:
		return "places", nil
	case models.EntityKindAnimal:
		return "animals", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// Repository persists persons, places and animals and their merge pointers
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) stamp(e *models.Entity, kind models.EntityKind) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Kind = kind
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
}

func (r *Repository) GetMergedInto(ctx context.Context, kind models.EntityKind, id string) (*string, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetMergedInto")
	defer span.End()

	table, err := Table(kind)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("merged_into").From(table).Where(sb.Equal("id", id))

	query, args := sb.Build()
	var into *string
	if err := r.db.Conn(ctx).GetContext(ctx, &into, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind, "id": id}).Error("Failed to read merge pointer")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read merge pointer")
	}
	return into, nil
}

// SetMergedInto only moves a live row onto a live row. Both rows are locked in
// id order first, so opposite merges of the same pair serialize and the second
// one sees the first.
func (r *Repository) SetMergedInto(ctx context.Context, kind models.EntityKind, id, into string, at time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SetMergedInto")
	defer span.End()

	table, err := Table(kind)
	if err != nil {
		return false, err
	}
	if uuid.Validate(id) != nil || uuid.Validate(into) != nil {
		return false, store.ErrNotFound
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{"kind": kind, "id": id, "into": into})

	var moved bool
	err = r.db.WithinTx(ctx, func(ctx context.Context) error {
		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select("id", "merged_into").From(table).Where(sb.In("id", id, into)).OrderBy("id")
		query, args := sb.Build()

		var rows []struct {
			ID         string  `db:"id"`
			MergedInto *string `db:"merged_into"`
		}
		if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query+" FOR UPDATE", args...); err != nil {
			log.WithError(err).Error("Failed to lock merge rows")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock merge rows")
		}
		if len(rows) != 2 {
			return store.ErrNotFound
		}
		for _, row := range rows {
			if row.MergedInto != nil {
				// either side merged first
				return nil
			}
		}

		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update(table)
		ub.Set(
			ub.Assign("merged_into", into),
			ub.Assign("merged_at", at),
		)
		ub.Where(
			ub.Equal("id", id),
			ub.IsNull("merged_into"),
		)
		query, args = ub.Build()
		res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			log.WithError(err).Error("Failed to set merge pointer")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set merge pointer")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to read affected rows")
		}
		moved = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

func (r *Repository) ListMergedFrom(ctx context.Context, kind models.EntityKind, id string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListMergedFrom")
	defer span.End()

	table, err := Table(kind)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id").From(table).Where(sb.Equal("merged_into", id)).OrderBy("id")

	query, args := sb.Build()
	var ids []string
	if err := r.db.Conn(ctx).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to list merged entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merged entities")
	}
	return ids, nil
}

func (r *Repository) CreatePerson(ctx context.Context, person *models.Person) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CreatePerson")
	defer span.End()

	r.stamp(&person.Entity, models.EntityKindPerson)

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("persons")
	ib.Cols(personColumns...)
	ib.Values(person.ID, person.Kind, person.FirstName, person.LastName, person.DisplayName, person.NormalizedName, person.MergedInto, person.MergedAt, person.SourceSystem, person.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("person_id", person.ID).Error("Failed to create person")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create person")
	}
	return nil
}

func (r *Repository) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetPerson")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(personColumns...).From("persons").Where(sb.Equal("id", id))

	query, args := sb.Build()
	var person models.Person
	if err := r.db.Conn(ctx).GetContext(ctx, &person, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).WithField("person_id", id).Error("Failed to get person")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get person")
	}
	return &person, nil
}

func (r *Repository) ListPersons(ctx context.Context, ids []string) ([]models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListPersons")
	defer span.End()

	ids = database.UUIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(personColumns...).From("persons").Where(sb.In("id", sqlbuilder.Flatten(ids)...)).OrderBy("created_at", "id")

	query, args := sb.Build()
	var persons []models.Person
	if err := r.db.Conn(ctx).SelectContext(ctx, &persons, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("count", len(ids)).Error("Failed to list persons")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list persons")
	}
	return persons, nil
}

func (r *Repository) CreatePlace(ctx context.Context, place *models.Place) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CreatePlace")
	defer span.End()

	r.stamp(&place.Entity, models.EntityKindPlace)

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("places")
	ib.Cols(placeColumns...)
	ib.Values(place.ID, place.Kind, place.FormattedAddress, place.NormalizedAddress, place.StreetNumber, place.StreetName, place.City,
		place.Latitude, place.Longitude, place.Precision, place.AddressBacked, place.MergedInto, place.MergedAt, place.SourceSystem, place.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("place_id", place.ID).Error("Failed to create place")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create place")
	}
	return nil
}

func (r *Repository) GetPlace(ctx context.Context, id string) (*models.Place, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetPlace")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(placeColumns...).From("places").Where(sb.Equal("id", id))

	query, args := sb.Build()
	var place models.Place
	if err := r.db.Conn(ctx).GetContext(ctx, &place, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).WithField("place_id", id).Error("Failed to get place")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get place")
	}
	return &place, nil
}

func (r *Repository) selectPlaces(ctx context.Context, sb *sqlbuilder.SelectBuilder, op string) ([]models.Place, error) {
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	var places []models.Place
	if err := r.db.Conn(ctx).SelectContext(ctx, &places, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("op", op).Error("Failed to query places")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to "+op)
	}
	return places, nil
}

func (r *Repository) FindPlacesByAddress(ctx context.Context, normalized string) ([]models.Place, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindPlacesByAddress")
	defer span.End()

	if normalized == "" {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(placeColumns...).From("places").Where(sb.Equal("normalized_address", normalized))
	return r.selectPlaces(ctx, sb, "find places by address")
}

func (r *Repository) FindPlacesByStreet(ctx context.Context, streetNumber, city string) ([]models.Place, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindPlacesByStreet")
	defer span.End()

	if streetNumber == "" {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(placeColumns...).From("places").Where(
		sb.Equal("street_number", streetNumber),
		sb.Equal("city", city),
	)
	return r.selectPlaces(ctx, sb, "find places by street")
}

func (r *Repository) FindPlacesInBox(ctx context.Context, minLat, maxLat, minLng, maxLng float64) ([]models.Place, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindPlacesInBox")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(placeColumns...).From("places").Where(
		sb.IsNull("merged_into"),
		sb.Between("latitude", minLat, maxLat),
		sb.Between("longitude", minLng, maxLng),
	)
	return r.selectPlaces(ctx, sb, "find places in box")
}

func (r *Repository) ListUngeocodedPlaces(ctx context.Context, limit int) ([]models.Place, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListUngeocodedPlaces")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(placeColumns...).From("places").Where(
		sb.IsNull("merged_into"),
		sb.IsNull("latitude"),
		sb.NotEqual("normalized_address", ""),
	)
	if limit > 0 {
		sb.Limit(limit)
	}
	return r.selectPlaces(ctx, sb, "list ungeocoded places")
}

func (r *Repository) CreateAnimal(ctx context.Context, animal *models.Animal) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CreateAnimal")
	defer span.End()

	r.stamp(&animal.Entity, models.EntityKindAnimal)

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("animals")
	ib.Cols(animalColumns...)
	ib.Values(animal.ID, animal.Kind, animal.Name, animal.NormalizedName, animal.Sex, animal.MergedInto, animal.MergedAt, animal.SourceSystem, animal.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("animal_id", animal.ID).Error("Failed to create animal")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create animal")
	}
	return nil
}

func (r *Repository) GetAnimal(ctx context.Context, id string) (*models.Animal, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetAnimal")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(animalColumns...).From("animals").Where(sb.Equal("id", id))

	query, args := sb.Build()
	var animal models.Animal
	if err := r.db.Conn(ctx).GetContext(ctx, &animal, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, store.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).WithField("animal_id", id).Error("Failed to get animal")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get animal")
	}
	return &animal, nil
}

func (r *Repository) ListAnimals(ctx context.Context, ids []string) ([]models.Animal, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListAnimals")
	defer span.End()

	ids = database.UUIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(animalColumns...).From("animals").Where(sb.In("id", sqlbuilder.Flatten(ids)...)).OrderBy("created_at", "id")

	query, args := sb.Build()
	var animals []models.Animal
	if err := r.db.Conn(ctx).SelectContext(ctx, &animals, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("count", len(ids)).Error("Failed to list animals")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list animals")
	}
	return animals, nil
}
