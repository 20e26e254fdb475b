package colony

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

// DefaultBaseConfidence is the trust placed in each kind of report before decay and boosts
var DefaultBaseConfidence = map[models.SourceType]float64{
	models.SourceTrapperCount:    0.90,
	models.SourceClinicCount:     0.85,
	models.SourceSurvey:          0.75,
	models.SourceStaffEstimate:   0.70,
	models.SourceIntakeForm:      0.60,
	models.SourceRequestEstimate: 0.50,
	models.SourceFreeText:        0.40,
	models.SourceUnknown:         0.30,
}

// decayStep multiplies the confidence of observations no older than MaxAgeDays
type decayStep struct {
	MaxAgeDays float64
	Multiplier float64
}

var decaySteps = []decayStep{
	{30, 1.0},
	{90, 0.85},
	{180, 0.70},
	{365, 0.50},
}

const decayFloor = 0.25

// Config holds the aggregation policy
type Config struct {
	BaseConfidence map[models.SourceType]float64
	FirsthandBoost float64
	ClinicBoost    float64
	// ClinicWindowDays is how close a sighting must be to corroborate an observation
	ClinicWindowDays int
	// MultiSourceWindowDays limits which observations count toward multi-source confirmation
	MultiSourceWindowDays int
	// AgreementTolerance is the largest relative difference between totals that still agree
	AgreementTolerance float64
	MultiSourceBoost   float64
	CacheTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseConfidence:        DefaultBaseConfidence,
		FirsthandBoost:        0.05,
		ClinicBoost:           0.10,
		ClinicWindowDays:      7,
		MultiSourceWindowDays: 90,
		AgreementTolerance:    0.20,
		MultiSourceBoost:      0.10,
		CacheTTL:              5 * time.Minute,
	}
}

func (c Config) base(sourceType models.SourceType) float64 {
	if b, ok := c.BaseConfidence[sourceType]; ok {
		return b
	}
	return c.BaseConfidence[models.SourceUnknown]
}

func decay(ageDays float64) float64 {
	for _, step := range decaySteps {
		if ageDays <= step.MaxAgeDays {
			return step.Multiplier
		}
	}
	return decayFloor
}

func (c Config) Validate() error {
	for sourceType, b := range c.BaseConfidence {
		if b < 0 || b > 1 {
			return resolution.NewErrorf(resolution.KindInvalidInput, "base confidence for %s must be in [0,1]", sourceType)
		}
	}
	if _, ok := c.BaseConfidence[models.SourceUnknown]; !ok {
		return resolution.NewError(resolution.KindInvalidInput, "base confidence table needs an unknown entry")
	}
	if c.ClinicWindowDays < 0 || c.MultiSourceWindowDays < 0 {
		return resolution.NewError(resolution.KindInvalidInput, "aggregation windows must be non-negative")
	}
	if c.AgreementTolerance < 0 || c.AgreementTolerance > 1 {
		return resolution.NewError(resolution.KindInvalidInput, "agreement tolerance must be in [0,1]")
	}
	return nil
}
