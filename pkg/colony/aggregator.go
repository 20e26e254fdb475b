// Package colony fuses independent colony size reports for a place into one
// confidence weighted estimate.
package colony

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store"
)

const day = 24 * time.Hour

// ObservationInput is one colony size report to record
type ObservationInput struct {
	PlaceID        string            `json:"place_id" validate:"required"`
	SourceSystem   string            `json:"source_system" validate:"required"`
	SourceRecordID string            `json:"source_record_id,omitempty"`
	SourceType     models.SourceType `json:"source_type" validate:"omitempty,oneof=trapper_count clinic_count survey staff_estimate intake_form request_estimate free_text unknown"`
	Total          *int              `json:"total,omitempty" validate:"omitempty,min=0"`
	Adults         *int              `json:"adults,omitempty" validate:"omitempty,min=0"`
	Kittens        *int              `json:"kittens,omitempty" validate:"omitempty,min=0"`
	Altered        *int              `json:"altered,omitempty" validate:"omitempty,min=0"`
	Firsthand      bool              `json:"firsthand"`
	ObservedAt     time.Time         `json:"observed_at"`
}

// Contribution explains how one observation entered an estimate
type Contribution struct {
	ObservationID      string            `json:"observation_id"`
	PlaceID            string            `json:"place_id"`
	SourceType         models.SourceType `json:"source_type"`
	SourceSystem       string            `json:"source_system"`
	Total              *int              `json:"total,omitempty"`
	ObservedAt         time.Time         `json:"observed_at"`
	AgeDays            float64           `json:"age_days"`
	Base               float64           `json:"base"`
	Decay              float64           `json:"decay"`
	ClinicCorroborated bool              `json:"clinic_corroborated"`
	Confidence         float64           `json:"confidence"`
}

// Estimate is the fused colony size for a canonical place
type Estimate struct {
	PlaceID              string         `json:"place_id"`
	Total                *float64       `json:"total,omitempty"`
	Adults               *float64       `json:"adults,omitempty"`
	Kittens              *float64       `json:"kittens,omitempty"`
	Altered              *float64       `json:"altered,omitempty"`
	AlteredRatio         *float64       `json:"altered_ratio,omitempty"`
	Confidence           float64        `json:"confidence"`
	ObservationCount     int            `json:"observation_count"`
	MultiSourceConfirmed bool           `json:"multi_source_confirmed"`
	AsOf                 time.Time      `json:"as_of"`
	Contributions        []Contribution `json:"contributions"`
}

// Store is the persistence the aggregator needs
type Store interface {
	store.Observations
	store.Sightings
}

type Aggregator struct {
	logger ectologger.Logger
	store  Store
	ledger *ledger.Ledger
	cache  Cache
	now    func() time.Time
	cfg    Config
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithCache serves current estimates from cache until an observation invalidates them
func WithCache(cache Cache) Option {
	return func(a *Aggregator) {
		a.cache = cache
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func NewAggregator(logger ectologger.Logger, st Store, l *ledger.Ledger, cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{logger: logger, store: st, ledger: l, now: time.Now, cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record stores an observation against the canonical place. A repeat of the
// same source record returns the stored row with inserted=false.
func (a *Aggregator) Record(ctx context.Context, in ObservationInput) (*models.Observation, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "colony.Aggregator.Record")
	defer span.End()

	log := a.logger.WithContext(ctx).WithFields(map[string]any{
		"place_id":         in.PlaceID,
		"source_system":    in.SourceSystem,
		"source_record_id": in.SourceRecordID,
	})

	if in.Total == nil && in.Adults == nil && in.Kittens == nil && in.Altered == nil {
		return nil, false, resolution.NewError(resolution.KindInvalidInput, "observation reports no counts")
	}

	placeID, err := a.ledger.Canonicalize(ctx, models.EntityKindPlace, in.PlaceID)
	if resolution.IsKind(err, resolution.KindNotFound) {
		return nil, false, resolution.NewErrorf(resolution.KindInvalidInput, "place %s does not exist", in.PlaceID).AddMeta("place_id", in.PlaceID)
	}
	if err != nil {
		return nil, false, err
	}

	obs := &models.Observation{
		PlaceID:        placeID,
		SourceSystem:   in.SourceSystem,
		SourceRecordID: in.SourceRecordID,
		SourceType:     in.SourceType,
		Total:          in.Total,
		Adults:         in.Adults,
		Kittens:        in.Kittens,
		Altered:        in.Altered,
		Firsthand:      in.Firsthand,
		ObservedAt:     in.ObservedAt,
	}
	if obs.SourceType == "" {
		obs.SourceType = models.SourceUnknown
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = a.now()
	}
	if obs.SourceRecordID == "" {
		fp, err := fingerprint.Of(in)
		if err != nil {
			return nil, false, resolution.WrapError(resolution.KindInvalidInput, err, "fingerprint observation")
		}
		obs.SourceRecordID = "fp:" + fp
	}

	stored, inserted, err := a.store.InsertObservation(ctx, obs)
	if err != nil {
		log.WithError(err).Error("Failed to insert observation")
		return nil, false, err
	}
	metrics.RecordObservation(string(stored.SourceType), inserted)

	if inserted && a.cache != nil {
		if err := a.cache.Invalidate(ctx, placeID); err != nil {
			log.WithError(err).Warn("Failed to invalidate colony estimate")
		}
	}

	log.WithFields(map[string]any{
		"observation_id": stored.ID,
		"inserted":       inserted,
	}).Debug("Recorded observation")
	return stored, inserted, nil
}

// Estimate fuses every observation of the place, and of places merged into it,
// observed no later than asOf. A zero asOf means now and may be served from cache.
func (a *Aggregator) Estimate(ctx context.Context, placeID string, asOf time.Time) (*Estimate, error) {
	ctx, span := tracing.StartSpan(ctx, "colony.Aggregator.Estimate")
	defer span.End()

	log := a.logger.WithContext(ctx).WithField("place_id", placeID)

	canonical, err := a.ledger.Canonicalize(ctx, models.EntityKindPlace, placeID)
	if err != nil {
		return nil, err
	}

	current := asOf.IsZero()
	if current && a.cache != nil {
		cached, ok, err := a.cache.Get(ctx, canonical)
		if err != nil {
			log.WithError(err).Warn("Colony estimate cache read failed")
		}
		if ok {
			metrics.RecordEstimate("hit")
			return cached, nil
		}
	}
	if current {
		asOf = a.now()
	}

	est, err := a.compute(ctx, canonical, asOf)
	if err != nil {
		return nil, err
	}

	if current && a.cache != nil {
		metrics.RecordEstimate("miss")
		if err := a.cache.Set(ctx, est); err != nil {
			log.WithError(err).Warn("Colony estimate cache write failed")
		}
	} else {
		metrics.RecordEstimate("bypass")
	}
	return est, nil
}

// Invalidate drops cached estimates for the places, after a merge or a new sighting
func (a *Aggregator) Invalidate(ctx context.Context, placeIDs ...string) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Invalidate(ctx, placeIDs...)
}

func (a *Aggregator) compute(ctx context.Context, placeID string, asOf time.Time) (*Estimate, error) {
	family, err := a.ledger.Family(ctx, models.EntityKindPlace, placeID)
	if err != nil {
		return nil, err
	}
	all, err := a.store.ListObservations(ctx, family)
	if err != nil {
		return nil, err
	}
	observations := slices.DeleteFunc(all, func(o models.Observation) bool {
		return o.ObservedAt.After(asOf)
	})
	if len(observations) == 0 {
		return nil, resolution.NewErrorf(resolution.KindNotFound, "no observations for place %s", placeID).AddMeta("place_id", placeID)
	}
	slices.SortFunc(observations, func(x, y models.Observation) int {
		return x.ObservedAt.Compare(y.ObservedAt)
	})

	sightings, err := a.sightingsAround(ctx, family, observations, asOf)
	if err != nil {
		return nil, err
	}

	est := &Estimate{PlaceID: placeID, AsOf: asOf, ObservationCount: len(observations)}
	var total, adults, kittens, altered weightedMean
	confidenceSum := 0.0
	for _, o := range observations {
		c := a.contribution(o, asOf, sightings)
		est.Contributions = append(est.Contributions, c)
		confidenceSum += c.Confidence

		total.add(o.Total, c.Confidence)
		adults.add(o.Adults, c.Confidence)
		kittens.add(o.Kittens, c.Confidence)
		altered.add(o.Altered, c.Confidence)
	}

	est.Total, est.Adults, est.Kittens, est.Altered = total.value(), adults.value(), kittens.value(), altered.value()
	if est.Total != nil && est.Altered != nil && *est.Total > 0 {
		ratio := math.Min(1, *est.Altered / *est.Total)
		est.AlteredRatio = &ratio
	}

	est.Confidence = confidenceSum / float64(len(observations))
	if a.multiSourceConfirmed(observations, asOf) {
		est.MultiSourceConfirmed = true
		est.Confidence += a.cfg.MultiSourceBoost
	}
	est.Confidence = math.Min(1, est.Confidence)
	return est, nil
}

// sightingsAround loads clinic sightings that could corroborate any of the
// observations. Sightings after asOf were not known yet and are left out.
func (a *Aggregator) sightingsAround(ctx context.Context, placeIDs []string, observations []models.Observation, asOf time.Time) ([]models.Sighting, error) {
	if a.cfg.ClinicBoost == 0 {
		return nil, nil
	}
	window := time.Duration(a.cfg.ClinicWindowDays) * day
	from := observations[0].ObservedAt.Add(-window)
	to := observations[len(observations)-1].ObservedAt.Add(window)
	if to.After(asOf) {
		to = asOf
	}
	return a.store.ListSightings(ctx, placeIDs, from, to)
}

func (a *Aggregator) contribution(o models.Observation, asOf time.Time, sightings []models.Sighting) Contribution {
	age := math.Max(0, asOf.Sub(o.ObservedAt).Hours()/24)
	c := Contribution{
		ObservationID: o.ID,
		PlaceID:       o.PlaceID,
		SourceType:    o.SourceType,
		SourceSystem:  o.SourceSystem,
		Total:         o.Total,
		ObservedAt:    o.ObservedAt,
		AgeDays:       age,
		Base:          a.cfg.base(o.SourceType),
		Decay:         decay(age),
	}

	c.Confidence = c.Base * c.Decay
	if o.Firsthand {
		c.Confidence += a.cfg.FirsthandBoost
	}
	window := time.Duration(a.cfg.ClinicWindowDays) * day
	c.ClinicCorroborated = slices.ContainsFunc(sightings, func(s models.Sighting) bool {
		d := s.ObservedAt.Sub(o.ObservedAt)
		return d >= -window && d <= window
	})
	if c.ClinicCorroborated {
		c.Confidence += a.cfg.ClinicBoost
	}
	c.Confidence = math.Min(1, c.Confidence)
	return c
}

// multiSourceConfirmed reports whether two different kinds of recent report agree on the total
func (a *Aggregator) multiSourceConfirmed(observations []models.Observation, asOf time.Time) bool {
	cutoff := asOf.Add(-time.Duration(a.cfg.MultiSourceWindowDays) * day)
	var recent []models.Observation
	for _, o := range observations {
		if o.Total != nil && !o.ObservedAt.Before(cutoff) {
			recent = append(recent, o)
		}
	}

	for i, x := range recent {
		for _, y := range recent[i+1:] {
			if x.SourceType == y.SourceType {
				continue
			}
			if agree(*x.Total, *y.Total, a.cfg.AgreementTolerance) {
				return true
			}
		}
	}
	return false
}

func agree(x, y int, tolerance float64) bool {
	larger := math.Max(float64(x), float64(y))
	if larger == 0 {
		return true
	}
	return math.Abs(float64(x-y)) <= tolerance*larger
}

// weightedMean accumulates a confidence weighted average of optional counts
type weightedMean struct {
	sum    float64
	weight float64
}

func (w *weightedMean) add(v *int, confidence float64) {
	if v == nil {
		return
	}
	w.sum += float64(*v) * confidence
	w.weight += confidence
}

func (w *weightedMean) value() *float64 {
	if w.weight == 0 {
		return nil
	}
	v := w.sum / w.weight
	return &v
}
