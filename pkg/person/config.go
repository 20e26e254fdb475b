package person

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

// Weights are the per-field weights of the weighted stage
type Weights struct {
	Email   float64
	Phone   float64
	Name    float64
	Address float64
}

func (w Weights) fields() map[string]float64 {
	return map[string]float64{
		string(resolution.SignalEmail):   w.Email,
		string(resolution.SignalPhone):   w.Phone,
		string(resolution.SignalName):    w.Name,
		string(resolution.SignalAddress): w.Address,
	}
}

// Config holds the person resolution policy
type Config struct {
	// ContactUpdateThreshold is the name similarity at which an identifier match is the same person
	ContactUpdateThreshold float64
	// HouseholdThreshold is the name similarity under which an identifier match is a different household member
	HouseholdThreshold    float64
	WeightedAutoThreshold float64
	WeightedMinThreshold  float64
	Weights               Weights
	MaxClaimRetries       int
	LockTTL               time.Duration
}

func DefaultConfig() Config {
	return Config{
		ContactUpdateThreshold: 0.6,
		HouseholdThreshold:     0.5,
		WeightedAutoThreshold:  0.85,
		WeightedMinThreshold:   0.6,
		Weights: Weights{
			Email:   0.35,
			Phone:   0.25,
			Name:    0.25,
			Address: 0.15,
		},
		MaxClaimRetries: 3,
		LockTTL:         10 * time.Second,
	}
}

func (c Config) contactPolicy() resolution.Policy {
	return resolution.Policy{
		AutoMatch:      c.ContactUpdateThreshold,
		Review:         c.HouseholdThreshold,
		Below:          models.OutcomeHouseholdMember,
		AllowAutoMatch: true,
	}
}

func (c Config) weightedPolicy() resolution.Policy {
	return resolution.Policy{
		AutoMatch:      c.WeightedAutoThreshold,
		Review:         c.WeightedMinThreshold,
		Below:          models.OutcomeCreatedNew,
		AllowAutoMatch: true,
	}
}

func (c Config) Validate() error {
	if err := c.contactPolicy().Validate(); err != nil {
		return err
	}
	if err := c.weightedPolicy().Validate(); err != nil {
		return err
	}
	w := c.Weights
	if w.Email < 0 || w.Phone < 0 || w.Name < 0 || w.Address < 0 || w.Email+w.Phone+w.Name+w.Address == 0 {
		return resolution.NewError(resolution.KindInvalidInput, "person weights must be non-negative with a positive sum")
	}
	return nil
}
