package animal

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

// Config holds the animal resolution policy
type Config struct {
	// AppointmentWindowDays bounds how far apart two sightings may be and still suggest the same animal
	AppointmentWindowDays int
	ReviewThreshold       float64
	// AutoMergeEnabled allows fuzzy matches to merge without an operator. Chip matches are unaffected.
	AutoMergeEnabled   bool
	AutoMergeThreshold float64
	NameWeight         float64
	PlaceWeight        float64
	TimeWeight         float64
	MaxClaimRetries    int
	LockTTL            time.Duration
}

func DefaultConfig() Config {
	return Config{
		AppointmentWindowDays: 30,
		ReviewThreshold:       0.5,
		AutoMergeEnabled:      false,
		AutoMergeThreshold:    0.9,
		NameWeight:            0.6,
		PlaceWeight:           0.25,
		TimeWeight:            0.15,
		MaxClaimRetries:       3,
		LockTTL:               10 * time.Second,
	}
}

func (c Config) weights() map[string]float64 {
	return map[string]float64{
		string(resolution.SignalName):  c.NameWeight,
		string(resolution.SignalPlace): c.PlaceWeight,
		string(resolution.SignalTime):  c.TimeWeight,
	}
}

func (c Config) fuzzyPolicy() resolution.Policy {
	return resolution.Policy{
		AutoMatch:      c.AutoMergeThreshold,
		Review:         c.ReviewThreshold,
		Below:          models.OutcomeCreatedNew,
		AllowAutoMatch: c.AutoMergeEnabled,
	}
}

func (c Config) Validate() error {
	if c.AppointmentWindowDays <= 0 {
		return resolution.NewError(resolution.KindInvalidInput, "appointment window must be positive")
	}
	if err := c.fuzzyPolicy().Validate(); err != nil {
		return err
	}
	if c.NameWeight < 0 || c.PlaceWeight < 0 || c.TimeWeight < 0 || c.NameWeight+c.PlaceWeight+c.TimeWeight == 0 {
		return resolution.NewError(resolution.KindInvalidInput, "animal weights must be non-negative with a positive sum")
	}
	return nil
}
