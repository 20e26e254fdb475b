package models

import "time"

// EntityKind names one of the resolvable canonical entity types
type EntityKind string

const (
	EntityKindPerson EntityKind = "person"
	EntityKindPlace  EntityKind = "place"
	EntityKindAnimal EntityKind = "animal"
)

// Valid reports whether k is a known entity kind
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindPerson, EntityKindPlace, EntityKindAnimal:
		return true
	}
	return false
}

// Entity is the row shape shared by every canonical entity table
type Entity struct {
	ID           string     `json:"id" db:"id"`
	Kind         EntityKind `json:"kind" db:"kind"`
	MergedInto   *string    `json:"merged_into,omitempty" db:"merged_into"`
	MergedAt     *time.Time `json:"merged_at,omitempty" db:"merged_at"`
	SourceSystem string     `json:"source_system" db:"source_system"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// IsLive reports whether the entity has not been merged into another
func (e *Entity) IsLive() bool {
	return e.MergedInto == nil
}

// Person is a canonical human contact
type Person struct {
	Entity
	FirstName   string `json:"first_name" db:"first_name"`
	LastName    string `json:"last_name" db:"last_name"`
	DisplayName string `json:"display_name" db:"display_name"`
	// NormalizedName is the comparison form of first + last
	NormalizedName string `json:"-" db:"normalized_name"`
}

// PrecisionTag describes how exact a geocoded coordinate pair is
type PrecisionTag string

const (
	PrecisionRooftop     PrecisionTag = "rooftop"
	PrecisionApproximate PrecisionTag = "approximate"
)

// Place is a canonical address/site record
type Place struct {
	Entity
	FormattedAddress  string        `json:"formatted_address" db:"formatted_address"`
	NormalizedAddress string        `json:"normalized_address" db:"normalized_address"`
	StreetNumber      string        `json:"street_number,omitempty" db:"street_number"`
	StreetName        string        `json:"street_name,omitempty" db:"street_name"`
	City              string        `json:"city,omitempty" db:"city"`
	Latitude          *float64      `json:"latitude,omitempty" db:"latitude"`
	Longitude         *float64      `json:"longitude,omitempty" db:"longitude"`
	Precision         *PrecisionTag `json:"precision,omitempty" db:"precision"`
	// AddressBacked places always carry a non-empty NormalizedAddress
	AddressBacked bool `json:"address_backed" db:"address_backed"`
}

// IsGeocoded reports whether the place carries coordinates
func (p *Place) IsGeocoded() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Animal is a canonical animal record
type Animal struct {
	Entity
	Name           string `json:"name" db:"name"`
	NormalizedName string `json:"-" db:"normalized_name"`
	Sex            string `json:"sex,omitempty" db:"sex"`
}

// IdentifierType names the kind of value an identifier holds
type IdentifierType string

const (
	IdentifierTypeEmail IdentifierType = "email"
	IdentifierTypePhone IdentifierType = "phone"
	IdentifierTypeChip  IdentifierType = "chip"
)

// Identifier is a typed contact or physical value attached to a person or animal.
// Identifiers are never deleted; superseding one only clears IsPrimary.
type Identifier struct {
	ID              string         `json:"id" db:"id"`
	EntityKind      EntityKind     `json:"entity_kind" db:"entity_kind"`
	EntityID        string         `json:"entity_id" db:"entity_id"`
	Type            IdentifierType `json:"type" db:"type"`
	Value           string         `json:"value" db:"value"`
	NormalizedValue string         `json:"normalized_value" db:"normalized_value"`
	IsPrimary       bool           `json:"is_primary" db:"is_primary"`
	SourceSystem    string         `json:"source_system" db:"source_system"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// PlaceLink associates a person with a place they were reported at
type PlaceLink struct {
	ID           string    `json:"id" db:"id"`
	PersonID     string    `json:"person_id" db:"person_id"`
	PlaceID      string    `json:"place_id" db:"place_id"`
	SourceSystem string    `json:"source_system" db:"source_system"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// HouseholdLink marks two distinct persons that share a contact identifier
type HouseholdLink struct {
	ID        string         `json:"id" db:"id"`
	PersonID  string         `json:"person_id" db:"person_id"`
	MemberOf  string         `json:"member_of" db:"member_of"`
	SharedVia IdentifierType `json:"shared_via" db:"shared_via"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Sighting records an animal seen at a place, typically at a clinic appointment
type Sighting struct {
	ID             string    `json:"id" db:"id"`
	AnimalID       string    `json:"animal_id" db:"animal_id"`
	PlaceID        string    `json:"place_id" db:"place_id"`
	ObservedAt     time.Time `json:"observed_at" db:"observed_at"`
	SourceSystem   string    `json:"source_system" db:"source_system"`
	SourceRecordID string    `json:"source_record_id" db:"source_record_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
