package place

import (
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

// Config holds the place cascade thresholds
type Config struct {
	StructuralPrefixLen     int     // street name characters compared by the structural key
	RooftopRadiusMeters     float64 // proximity radius for rooftop geocodes
	ApproximateRadiusMeters float64 // proximity radius for approximate geocodes
	ProximityStringFloor    float64 // minimum address similarity for a proximity match
	ProximityReviewFloor    float64 // nearby places from here up to the string floor are queued for review
	LegacyTextThreshold     float64 // minimum similarity against ungeocoded places
	LegacyScanLimit         int     // maximum ungeocoded places compared per record
	PersonFallbackFloor     float64 // minimum similarity for the person's latest place
	MaxClaimRetries         int
}

func DefaultConfig() Config {
	return Config{
		StructuralPrefixLen:     8,
		RooftopRadiusMeters:     25,
		ApproximateRadiusMeters: 100,
		ProximityStringFloor:    0.55,
		ProximityReviewFloor:    0.45,
		LegacyTextThreshold:     0.88,
		LegacyScanLimit:         5000,
		PersonFallbackFloor:     0.6,
		MaxClaimRetries:         3,
	}
}

func (c Config) Validate() error {
	if c.StructuralPrefixLen <= 0 {
		return resolution.NewError(resolution.KindInvalidInput, "structural prefix length must be positive")
	}
	if c.RooftopRadiusMeters <= 0 || c.ApproximateRadiusMeters < c.RooftopRadiusMeters {
		return resolution.NewErrorf(resolution.KindInvalidInput, "proximity radii must satisfy 0 < rooftop (%.0f) <= approximate (%.0f)",
			c.RooftopRadiusMeters, c.ApproximateRadiusMeters)
	}
	for name, v := range map[string]float64{
		"proximity string floor": c.ProximityStringFloor,
		"proximity review floor": c.ProximityReviewFloor,
		"legacy text threshold":  c.LegacyTextThreshold,
		"person fallback floor":  c.PersonFallbackFloor,
	} {
		if v <= 0 || v > 1 {
			return resolution.NewErrorf(resolution.KindInvalidInput, "%s %.2f must be in (0,1]", name, v)
		}
	}
	return c.proximityPolicy().Validate()
}

func (c Config) proximityPolicy() resolution.Policy {
	return resolution.Policy{
		AutoMatch:      c.ProximityStringFloor,
		Review:         c.ProximityReviewFloor,
		AllowAutoMatch: true,
	}
}

func (c Config) radius(precision models.PrecisionTag) float64 {
	if precision == models.PrecisionRooftop {
		return c.RooftopRadiusMeters
	}
	return c.ApproximateRadiusMeters
}
