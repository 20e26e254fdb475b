// Package place deduplicates addresses into canonical places through an ordered
// cascade: exact text, structural key, proximity, legacy free text and finally
// the contributing person's latest known place.
package place

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/store"
)

const lockTTL = 10 * time.Second

// Geocode is a geocoder result supplied with the record
type Geocode struct {
	FormattedAddress string              `json:"formatted_address"`
	Lat              float64             `json:"lat"`
	Lng              float64             `json:"lng"`
	Precision        models.PrecisionTag `json:"precision"`
}

// Valid reports whether the geocode can be trusted
func (g *Geocode) Valid() bool {
	if g == nil || g.FormattedAddress == "" {
		return false
	}
	if !(similarity.Coordinates{Lat: g.Lat, Lng: g.Lng}).Valid() {
		return false
	}
	return g.Precision == models.PrecisionRooftop || g.Precision == models.PrecisionApproximate
}

// Pin is an unvalidated coordinate pair, typically from legacy map data
type Pin struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is one place observation to resolve
type Record struct {
	Address        string   `json:"address,omitempty"`
	Geocode        *Geocode `json:"geocode,omitempty"`
	Pin            *Pin     `json:"pin,omitempty"`
	PersonID       string   `json:"person_id,omitempty"`
	SourceSystem   string   `json:"source_system" validate:"required"`
	SourceRecordID string   `json:"source_record_id,omitempty"`
}

// LockKeys returns the resolution locks a record's resolution takes
func LockKeys(rec Record) []string {
	var keys []string
	if normalized := normalizedAddress(rec); normalized != "" {
		keys = append(keys, "place:addr:"+normalized)
	}
	if key, err := ledger.NewIntakeKey(models.EntityKindPlace, rec.SourceSystem, rec.SourceRecordID, rec); err == nil {
		keys = append(keys, key.LockKey())
	}
	return keys
}

func normalizedAddress(rec Record) string {
	if rec.Geocode.Valid() {
		return normalizers.NormalizeAddress(rec.Geocode.FormattedAddress)
	}
	return normalizers.NormalizeAddress(rec.Address)
}

// Store is the persistence the place resolver needs
type Store interface {
	store.Transactor
	store.Places
	store.Links
	store.Intake
	store.Claims
}

// Resolver implements the place cascade
type Resolver struct {
	logger ectologger.Logger
	store  Store
	ledger *ledger.Ledger
	locker resolution.Locker
	cfg    Config
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLocker serializes same-address resolutions through locker
func WithLocker(locker resolution.Locker) Option {
	return func(r *Resolver) {
		r.locker = locker
	}
}

func NewResolver(logger ectologger.Logger, st Store, l *ledger.Ledger, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{logger: logger, store: st, ledger: l, cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type input struct {
	rec        Record
	text       string // normalized free text
	normalized string // normalized comparison form, geocoded when available
	parts      normalizers.AddressParts
	geocode    *Geocode
	claimOwner string
	notes      []string
}

func (r *Resolver) prepare(ctx context.Context, rec Record) *input {
	in := &input{rec: rec, text: normalizers.NormalizeAddress(rec.Address)}
	if rec.Geocode != nil {
		if rec.Geocode.Valid() {
			in.geocode = rec.Geocode
		} else {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"source_system":    rec.SourceSystem,
				"source_record_id": rec.SourceRecordID,
				"precision":        rec.Geocode.Precision,
			}).Warn("Ignoring malformed geocode")
			in.notes = append(in.notes, string(resolution.KindMalformedGeocode)+": geocode ignored")
		}
	}

	in.normalized = in.text
	if in.geocode != nil {
		in.normalized = normalizers.NormalizeAddress(in.geocode.FormattedAddress)
		in.parts = normalizers.ParseAddress(in.geocode.FormattedAddress)
	} else {
		in.parts = normalizers.ParseAddress(rec.Address)
	}
	return in
}

func (in *input) hasText() bool {
	return in.normalized != ""
}

// Resolve maps a record onto a canonical place, creating one when nothing matches
func (r *Resolver) Resolve(ctx context.Context, rec Record) (*resolution.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "place.Resolver.Resolve")
	defer span.End()

	start := time.Now()
	in := r.prepare(ctx, rec)
	key, err := ledger.NewIntakeKey(models.EntityKindPlace, rec.SourceSystem, rec.SourceRecordID, rec)
	if err != nil {
		return nil, err
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"source_system":    rec.SourceSystem,
		"source_record_id": key.SourceRecordID,
	})

	var result *resolution.Result
	err = resolution.WithLocks(ctx, r.locker, LockKeys(rec), lockTTL, func(ctx context.Context) error {
		return resolution.RetryRaces(ctx, r.cfg.MaxClaimRetries, func(ctx context.Context) error {
			return r.store.WithinTx(ctx, func(ctx context.Context) error {
				var err error
				result, err = r.resolve(ctx, in, key)
				return err
			})
		}, func(owner string) {
			log.WithField("owner", owner).Debug("Lost address claim, retrying as a match")
			metrics.RecordClaimRetry(string(models.EntityKindPlace))
			in.claimOwner = owner
		})
	})
	if err != nil {
		log.WithError(err).Error("Failed to resolve place")
		return nil, err
	}

	metrics.RecordResolution(string(models.EntityKindPlace), string(result.Outcome), time.Since(start).Seconds())
	log.WithFields(map[string]any{
		"outcome":   result.Outcome,
		"entity_id": result.EntityID,
		"stage":     result.Stage,
		"score":     result.Score,
	}).Debug("Resolved place")

	if result.Outcome == models.OutcomeRejected {
		return result, resolution.NewError(resolution.KindUnidentifiable, "place record carries no address, geocode or pin").
			AddMeta("decision_id", result.DecisionID)
	}
	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, in *input, key ledger.IntakeKey) (*resolution.Result, error) {
	dup, err := r.ledger.Duplicate(ctx, r.store, key)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		dup.PlaceID = dup.EntityID
		return dup, nil
	}

	verdict, err := resolution.Run(ctx, in, r.stages()...)
	if err != nil {
		return nil, err
	}

	decision := &models.Decision{
		EntityKind:     models.EntityKindPlace,
		SourceSystem:   key.SourceSystem,
		SourceRecordID: key.SourceRecordID,
	}

	switch {
	case verdict.Outcome == models.OutcomeAutoMatch:
		decision.EntityID = &verdict.Candidate.ID
		decision.CandidateID = &verdict.Candidate.ID
		decision.Outcome = models.OutcomeAutoMatch
		decision.Score = verdict.Match.Score
		decision.Stage = verdict.Stage
		decision.Reason = verdict.Match.Reason

	case verdict.Outcome == models.OutcomeReviewPending:
		created, err := r.create(ctx, in, false)
		if err != nil {
			return nil, err
		}
		decision.EntityID = &created.ID
		decision.CandidateID = &verdict.Candidate.ID
		decision.Outcome = models.OutcomeReviewPending
		decision.Score = verdict.Match.Score
		decision.Stage = verdict.Stage
		decision.Reason = verdict.Match.Reason

	case !in.hasText() && in.geocode == nil && in.rec.Pin != nil:
		decision.Outcome = models.OutcomeReviewPending
		decision.Stage = "pin"
		decision.Reason = fmt.Sprintf("coordinates only (%.6f, %.6f); unverified pins never create places", in.rec.Pin.Lat, in.rec.Pin.Lng)

	case !in.hasText():
		decision.Outcome = models.OutcomeRejected
		decision.Reason = "no address, geocode or pin"

	default:
		created, err := r.create(ctx, in, true)
		if err != nil {
			return nil, err
		}
		decision.EntityID = &created.ID
		decision.Outcome = models.OutcomeCreatedNew
		decision.Stage = verdict.Stage
		decision.Reason = "no existing place matched"
		if verdict.Considered > 0 {
			decision.Reason = fmt.Sprintf("no existing place matched (%d considered)", verdict.Considered)
		}
	}

	for _, note := range in.notes {
		decision.Reason += "; " + note
	}

	if err := r.ledger.Record(ctx, decision); err != nil {
		return nil, err
	}
	if decision.EntityID != nil {
		if err := r.ledger.Remember(ctx, r.store, key, *decision.EntityID); err != nil {
			return nil, err
		}
	}

	result := ledger.ResultOf(decision)
	result.PlaceID = result.EntityID
	return result, nil
}

// create inserts a new address-backed place. claim guards the normalized address
// against a concurrent creator and is taken before the row is written, so a lost
// claim leaves nothing behind even inside an enclosing transaction. Review-flagged
// places skip it since they deliberately duplicate a candidate.
func (r *Resolver) create(ctx context.Context, in *input, claim bool) (*models.Place, error) {
	p := &models.Place{
		Entity:            models.Entity{ID: uuid.NewString(), SourceSystem: in.rec.SourceSystem},
		FormattedAddress:  in.rec.Address,
		NormalizedAddress: in.normalized,
		StreetNumber:      in.parts.StreetNumber,
		StreetName:        in.parts.StreetName,
		City:              in.parts.City,
		AddressBacked:     true,
	}
	if in.geocode != nil {
		lat, lng, precision := in.geocode.Lat, in.geocode.Lng, in.geocode.Precision
		p.FormattedAddress = in.geocode.FormattedAddress
		p.Latitude, p.Longitude, p.Precision = &lat, &lng, &precision
	}

	if claim {
		claimKey := "addr:" + in.normalized
		owner, won, err := r.store.Claim(ctx, models.EntityKindPlace, claimKey, p.ID)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, resolution.ClaimLost(claimKey, owner)
		}
	}
	if err := r.store.CreatePlace(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Resolver) stages() []resolution.Stage[*input, models.Place] {
	exact := resolution.Policy{AutoMatch: 1, Review: 1, AllowAutoMatch: true}
	return []resolution.Stage[*input, models.Place]{
		{
			Name:       "claim",
			Candidates: r.claimCandidates,
			Score:      scoreExact,
			Policy:     exact,
		},
		{
			Name:       "exact",
			Candidates: r.exactCandidates,
			Score:      scoreExact,
			Policy:     exact,
		},
		{
			Name:       "structural",
			Candidates: r.structuralCandidates,
			Score: func(in *input, p models.Place) resolution.Match {
				return resolution.Match{
					Score:    1,
					Evidence: resolution.Evidence{resolution.SignalAddress: 1},
					Reason:   "structural key " + in.parts.StreetKey(r.cfg.StructuralPrefixLen),
				}
			},
			Policy: exact,
		},
		{
			Name:       "proximity",
			Candidates: r.proximityCandidates,
			Score:      r.scoreProximity,
			Policy:     r.cfg.proximityPolicy(),
		},
		{
			Name:       "legacy",
			Candidates: r.legacyCandidates,
			Score:      scoreText("legacy text similarity"),
			Policy: resolution.Policy{
				AutoMatch:      r.cfg.LegacyTextThreshold,
				Review:         r.cfg.LegacyTextThreshold,
				AllowAutoMatch: true,
			},
		},
		{
			Name:       "person",
			Candidates: r.personCandidates,
			Score:      scorePersonFallback,
			Policy: resolution.Policy{
				AutoMatch:      r.cfg.PersonFallbackFloor,
				Review:         r.cfg.PersonFallbackFloor,
				AllowAutoMatch: true,
			},
		},
	}
}

func scoreExact(_ *input, _ models.Place) resolution.Match {
	return resolution.Match{Score: 1, Evidence: resolution.Evidence{resolution.SignalAddress: 1}, Reason: "exact normalized address"}
}

func scoreText(label string) func(in *input, p models.Place) resolution.Match {
	return func(in *input, p models.Place) resolution.Match {
		sim := similarity.StringSimilarity(in.normalized, p.NormalizedAddress)
		return resolution.Match{
			Score:    sim,
			Evidence: resolution.Evidence{resolution.SignalAddress: sim},
			Reason:   fmt.Sprintf("%s %.2f", label, sim),
		}
	}
}

func scorePersonFallback(in *input, p models.Place) resolution.Match {
	if !in.hasText() {
		return resolution.Match{
			Score:    1,
			Evidence: resolution.Evidence{resolution.SignalPlace: 1},
			Reason:   "contributing person's most recent place",
		}
	}
	sim := similarity.StringSimilarity(in.normalized, p.NormalizedAddress)
	return resolution.Match{
		Score:    sim,
		Evidence: resolution.Evidence{resolution.SignalPlace: 1, resolution.SignalAddress: sim},
		Reason:   fmt.Sprintf("contributing person's most recent place, similarity %.2f", sim),
	}
}

func (r *Resolver) scoreProximity(in *input, p models.Place) resolution.Match {
	dist := in.distanceTo(p)
	sim := similarity.StringSimilarity(in.normalized, p.NormalizedAddress)
	closeness := math.Max(0, 1-dist/r.cfg.radius(in.geocode.Precision))
	return resolution.Match{
		Score:    sim,
		Evidence: resolution.Evidence{resolution.SignalCoordinates: closeness, resolution.SignalAddress: sim},
		Reason:   fmt.Sprintf("nearest place %.0fm away, similarity %.2f", dist, sim),
	}
}

func (in *input) distanceTo(p models.Place) float64 {
	origin := similarity.Coordinates{Lat: in.geocode.Lat, Lng: in.geocode.Lng}
	return similarity.HaversineMeters(origin, similarity.Coordinates{Lat: *p.Latitude, Lng: *p.Longitude})
}

// live canonicalizes places and keeps the live ones, deduplicated
func (r *Resolver) live(ctx context.Context, places []models.Place) ([]models.Place, error) {
	out := make([]models.Place, 0, len(places))
	seen := map[string]struct{}{}
	for _, p := range places {
		id, err := r.ledger.Canonicalize(ctx, models.EntityKindPlace, p.ID)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id != p.ID {
			canonical, err := r.store.GetPlace(ctx, id)
			if err != nil {
				return nil, err
			}
			p = *canonical
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Resolver) claimCandidates(ctx context.Context, in *input) ([]models.Place, error) {
	if in.claimOwner == "" {
		return nil, nil
	}
	p, err := r.store.GetPlace(ctx, in.claimOwner)
	if err != nil {
		return nil, err
	}
	return r.live(ctx, []models.Place{*p})
}

func (r *Resolver) exactCandidates(ctx context.Context, in *input) ([]models.Place, error) {
	if !in.hasText() {
		return nil, nil
	}
	places, err := r.store.FindPlacesByAddress(ctx, in.normalized)
	if err != nil {
		return nil, err
	}
	if in.text != "" && in.text != in.normalized {
		more, err := r.store.FindPlacesByAddress(ctx, in.text)
		if err != nil {
			return nil, err
		}
		places = append(places, more...)
	}
	return r.live(ctx, places)
}

func (r *Resolver) structuralCandidates(ctx context.Context, in *input) ([]models.Place, error) {
	if in.geocode == nil {
		return nil, nil
	}
	want := in.parts.StreetKey(r.cfg.StructuralPrefixLen)
	if want == "" {
		return nil, nil
	}
	places, err := r.store.FindPlacesByStreet(ctx, in.parts.StreetNumber, in.parts.City)
	if err != nil {
		return nil, err
	}
	places = slices.DeleteFunc(places, func(p models.Place) bool {
		key := normalizers.AddressParts{StreetNumber: p.StreetNumber, StreetName: p.StreetName, City: p.City}
		return key.StreetKey(r.cfg.StructuralPrefixLen) != want
	})
	return r.live(ctx, places)
}

// proximityCandidates returns the single nearest live place within the
// precision's radius whose address clears the string floor. When none does, the
// nearest place in the review band is returned instead.
func (r *Resolver) proximityCandidates(ctx context.Context, in *input) ([]models.Place, error) {
	if in.geocode == nil {
		return nil, nil
	}
	origin := similarity.Coordinates{Lat: in.geocode.Lat, Lng: in.geocode.Lng}
	radius := r.cfg.radius(in.geocode.Precision)
	minLat, maxLat, minLng, maxLng := similarity.BoundingBox(origin, radius)
	found, err := r.store.FindPlacesInBox(ctx, minLat, maxLat, minLng, maxLng)
	if err != nil {
		return nil, err
	}
	places, err := r.live(ctx, found)
	if err != nil {
		return nil, err
	}

	places = slices.DeleteFunc(places, func(p models.Place) bool {
		return !p.IsGeocoded() || in.distanceTo(p) > radius ||
			similarity.StringSimilarity(in.normalized, p.NormalizedAddress) < r.cfg.ProximityReviewFloor
	})
	if len(places) == 0 {
		return nil, nil
	}
	slices.SortStableFunc(places, func(a, b models.Place) int {
		return cmp.Compare(in.distanceTo(a), in.distanceTo(b))
	})

	for _, p := range places {
		if similarity.StringSimilarity(in.normalized, p.NormalizedAddress) >= r.cfg.ProximityStringFloor {
			return []models.Place{p}, nil
		}
	}
	return places[:1], nil
}

func (r *Resolver) legacyCandidates(ctx context.Context, in *input) ([]models.Place, error) {
	if !in.hasText() {
		return nil, nil
	}
	places, err := r.store.ListUngeocodedPlaces(ctx, r.cfg.LegacyScanLimit)
	if err != nil {
		return nil, err
	}
	return r.live(ctx, places)
}

func (r *Resolver) personCandidates(ctx context.Context, in *input) ([]models.Place, error) {
	if in.rec.PersonID == "" {
		return nil, nil
	}
	personID, err := r.ledger.Canonicalize(ctx, models.EntityKindPerson, in.rec.PersonID)
	if resolution.IsKind(err, resolution.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	links, err := r.store.ListPlaceLinks(ctx, personID)
	if err != nil || len(links) == 0 {
		return nil, err
	}
	p, err := r.store.GetPlace(ctx, links[0].PlaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.live(ctx, []models.Place{*p})
}
