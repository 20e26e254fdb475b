// Package store declares the persistence contracts the resolvers, ledger and
// aggregator depend on. internal/repositories implements them on Postgres and
// pkg/store/memory implements them in process.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrNotFound is returned by single-row lookups that match nothing
var ErrNotFound = errors.New("not found")

// Transactor runs fn atomically. Nested calls join the outer transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Entities manages the merged_into chain shared by every entity kind
type Entities interface {
	// GetMergedInto returns the entity's merged_into pointer; ErrNotFound for unknown ids
	GetMergedInto(ctx context.Context, kind models.EntityKind, id string) (*string, error)
	// SetMergedInto points id at into only while id is still live and reports whether it did
	SetMergedInto(ctx context.Context, kind models.EntityKind, id, into string, at time.Time) (bool, error)
	// ListMergedFrom returns the ids whose merged_into points directly at id
	ListMergedFrom(ctx context.Context, kind models.EntityKind, id string) ([]string, error)
}

type Persons interface {
	CreatePerson(ctx context.Context, person *models.Person) error
	GetPerson(ctx context.Context, id string) (*models.Person, error)
	ListPersons(ctx context.Context, ids []string) ([]models.Person, error)
}

type Places interface {
	CreatePlace(ctx context.Context, place *models.Place) error
	GetPlace(ctx context.Context, id string) (*models.Place, error)
	// FindPlacesByAddress returns places, merged or live, whose normalized address equals normalized
	FindPlacesByAddress(ctx context.Context, normalized string) ([]models.Place, error)
	// FindPlacesByStreet returns places, merged or live, sharing a street number and city
	FindPlacesByStreet(ctx context.Context, streetNumber, city string) ([]models.Place, error)
	// FindPlacesInBox returns live geocoded places inside the bounding box
	FindPlacesInBox(ctx context.Context, minLat, maxLat, minLng, maxLng float64) ([]models.Place, error)
	// ListUngeocodedPlaces returns live places without coordinates
	ListUngeocodedPlaces(ctx context.Context, limit int) ([]models.Place, error)
}

type Animals interface {
	CreateAnimal(ctx context.Context, animal *models.Animal) error
	GetAnimal(ctx context.Context, id string) (*models.Animal, error)
	ListAnimals(ctx context.Context, ids []string) ([]models.Animal, error)
}

// Identifiers is append-only: rows are added and their primary flag moved, never removed
type Identifiers interface {
	AddIdentifier(ctx context.Context, identifier *models.Identifier) error
	ListIdentifiers(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Identifier, error)
	// FindIdentifiers returns every identifier of the type with the normalized value, across entities
	FindIdentifiers(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, normalized string) ([]models.Identifier, error)
	// FindIdentifiersByAffix matches normalized values by prefix and/or suffix
	FindIdentifiersByAffix(ctx context.Context, kind models.EntityKind, idType models.IdentifierType, prefix, suffix string) ([]models.Identifier, error)
	// SetPrimary marks identifierID primary and demotes the entity's other identifiers of the same type
	SetPrimary(ctx context.Context, kind models.EntityKind, entityID string, idType models.IdentifierType, identifierID string) error
}

type Links interface {
	// LinkPlace is idempotent on (person, place)
	LinkPlace(ctx context.Context, link *models.PlaceLink) error
	// ListPlaceLinks returns a person's links, most recent first
	ListPlaceLinks(ctx context.Context, personID string) ([]models.PlaceLink, error)
	ListPersonsAtPlace(ctx context.Context, placeID string) ([]string, error)
	AddHouseholdLink(ctx context.Context, link *models.HouseholdLink) error
	ListHouseholdLinks(ctx context.Context, personID string) ([]models.HouseholdLink, error)
}

type Sightings interface {
	AddSighting(ctx context.Context, sighting *models.Sighting) error
	// ListSightings returns sightings at any of placeIDs observed within [from, to]
	ListSightings(ctx context.Context, placeIDs []string, from, to time.Time) ([]models.Sighting, error)
}

// Decisions is the append-only match decision log
type Decisions interface {
	InsertDecision(ctx context.Context, decision *models.Decision) error
	GetDecision(ctx context.Context, id string) (*models.Decision, error)
	ListDecisions(ctx context.Context, filter models.DecisionFilter) ([]models.Decision, error)
	// FindResolution returns the operator decision that resolved id, or ErrNotFound
	FindResolution(ctx context.Context, id string) (*models.Decision, error)
}

// Intake maps source records to the entity they resolved to
type Intake interface {
	// GetIntake returns ErrNotFound when the record was never resolved
	GetIntake(ctx context.Context, kind models.EntityKind, sourceSystem, sourceRecordID string) (*models.IntakeRecord, error)
	// PutIntake inserts the mapping unless one already exists and reports whether it inserted
	PutIntake(ctx context.Context, record *models.IntakeRecord) (bool, error)
}

// Claims provides compare-and-insert uniqueness on normalized keys
type Claims interface {
	// Claim records key -> entityID unless the key is taken, returning the owning entity
	Claim(ctx context.Context, kind models.EntityKind, key, entityID string) (owner string, won bool, err error)
}

type Observations interface {
	// InsertObservation stores obs unless (source system, source record) exists, returning the stored row
	InsertObservation(ctx context.Context, obs *models.Observation) (*models.Observation, bool, error)
	ListObservations(ctx context.Context, placeIDs []string) ([]models.Observation, error)
}

// Store is the full persistence surface
type Store interface {
	Transactor
	Entities
	Persons
	Places
	Animals
	Identifiers
	Links
	Sightings
	Decisions
	Intake
	Claims
	Observations
	Ping(ctx context.Context) error
}
