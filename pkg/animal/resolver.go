// Package animal resolves clinic and intake animal records onto canonical animals.
//
// A recognized implant chip is authoritative. Without one the resolver scores
// animals recently seen at the same place by name and appointment proximity and
// queues plausible matches for an operator instead of merging them.
package animal

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/place"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/store"
)

// Record is one incoming animal record
type Record struct {
	Chip           string        `json:"chip,omitempty" validate:"omitempty,max=64"`
	Name           string        `json:"name,omitempty"`
	Sex            string        `json:"sex,omitempty" validate:"omitempty,max=16"`
	PlaceID        string        `json:"place_id,omitempty"`
	Place          *place.Record `json:"place,omitempty" validate:"-"`
	ObservedAt     time.Time     `json:"observed_at"`
	SourceSystem   string        `json:"source_system" validate:"required"`
	SourceRecordID string        `json:"source_record_id,omitempty"`
}

// PlaceResolver resolves the place an animal record was seen at
type PlaceResolver interface {
	Resolve(ctx context.Context, rec place.Record) (*resolution.Result, error)
}

// Store is the persistence the animal resolver needs
type Store interface {
	store.Transactor
	store.Animals
	store.Identifiers
	store.Sightings
	store.Intake
	store.Claims
}

type Resolver struct {
	logger ectologger.Logger
	store  Store
	ledger *ledger.Ledger
	places    PlaceResolver
	locker    resolution.Locker
	estimates EstimateInvalidator
	now       func() time.Time
	cfg       Config
}

// EstimateInvalidator drops cached colony estimates a new sighting makes stale
type EstimateInvalidator interface {
	Invalidate(ctx context.Context, placeIDs ...string) error
}

// Option configures a Resolver
type Option func(*Resolver)

func WithLocker(locker resolution.Locker) Option {
	return func(r *Resolver) {
		r.locker = locker
	}
}

// WithEstimates invalidates the colony estimate of every place a sighting is recorded at
func WithEstimates(estimates EstimateInvalidator) Option {
	return func(r *Resolver) {
		r.estimates = estimates
	}
}

// WithClock sets the observation time used for records that carry none
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

func NewResolver(logger ectologger.Logger, st Store, l *ledger.Ledger, places PlaceResolver, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{logger: logger, store: st, ledger: l, places: places, now: time.Now, cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type input struct {
	rec        Record
	chip       string
	name       string
	observedAt time.Time
	placeID    string
	claimOwner string
}

type candidate struct {
	animal models.Animal
	chips  []string
	seenAt time.Time
}

func (r *Resolver) lockKeys(in *input, key ledger.IntakeKey) []string {
	keys := []string{key.LockKey()}
	if in.chip != "" {
		keys = append(keys, "animal:chip:"+in.chip)
	}
	if in.rec.Place != nil && in.rec.PlaceID == "" {
		keys = append(keys, place.LockKeys(in.placeRecord())...)
	}
	return keys
}

// placeRecord returns the embedded place record, attributed to the animal
// record's source when it carries none of its own
func (in *input) placeRecord() place.Record {
	rec := *in.rec.Place
	if rec.SourceSystem == "" {
		rec.SourceSystem = in.rec.SourceSystem
		if in.rec.SourceRecordID != "" {
			rec.SourceRecordID = "animal/" + in.rec.SourceRecordID
		}
	}
	return rec
}

// Resolve maps a record onto a canonical animal and records the sighting. A
// rejected record returns both its result and a KindUnidentifiable error.
func (r *Resolver) Resolve(ctx context.Context, rec Record) (*resolution.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "animal.Resolver.Resolve")
	defer span.End()

	start := time.Now()
	key, err := ledger.NewIntakeKey(models.EntityKindAnimal, rec.SourceSystem, rec.SourceRecordID, rec)
	if err != nil {
		return nil, err
	}
	in := &input{
		rec:        rec,
		chip:       normalizers.NormalizeChip(rec.Chip),
		name:       normalizers.NormalizeName(rec.Name),
		observedAt: rec.ObservedAt,
	}
	if in.observedAt.IsZero() {
		in.observedAt = r.now()
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"source_system":    rec.SourceSystem,
		"source_record_id": key.SourceRecordID,
	})

	var result *resolution.Result
	err = resolution.WithLocks(ctx, r.locker, r.lockKeys(in, key), r.cfg.LockTTL, func(ctx context.Context) error {
		return resolution.RetryRaces(ctx, r.cfg.MaxClaimRetries, func(ctx context.Context) error {
			return r.store.WithinTx(ctx, func(ctx context.Context) error {
				var err error
				result, err = r.resolve(ctx, in, key)
				return err
			})
		}, func(owner string) {
			log.WithField("owner", owner).Debug("Lost chip claim, retrying as a match")
			metrics.RecordClaimRetry(string(models.EntityKindAnimal))
			in.claimOwner = owner
		})
	})
	if err != nil {
		log.WithError(err).Error("Failed to resolve animal")
		return nil, err
	}

	metrics.RecordResolution(string(models.EntityKindAnimal), string(result.Outcome), time.Since(start).Seconds())
	log.WithFields(map[string]any{
		"outcome":      result.Outcome,
		"entity_id":    result.EntityID,
		"candidate_id": result.CandidateID,
		"stage":        result.Stage,
		"score":        result.Score,
	}).Info("Resolved animal")

	if result.PlaceID != "" && result.Outcome != models.OutcomeDuplicate && r.estimates != nil {
		if err := r.estimates.Invalidate(ctx, result.PlaceID); err != nil {
			log.WithError(err).Warn("Failed to invalidate colony estimate after sighting")
		}
	}

	if result.Outcome == models.OutcomeRejected {
		return result, resolution.NewError(resolution.KindUnidentifiable, "animal record carries no chip, name or place").
			AddMeta("decision_id", result.DecisionID)
	}
	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, in *input, key ledger.IntakeKey) (*resolution.Result, error) {
	dup, err := r.ledger.Duplicate(ctx, r.store, key)
	if err != nil || dup != nil {
		return dup, err
	}

	if err := r.resolvePlace(ctx, in); err != nil {
		return nil, err
	}

	decision := &models.Decision{
		EntityKind:     models.EntityKindAnimal,
		SourceSystem:   key.SourceSystem,
		SourceRecordID: key.SourceRecordID,
	}

	if in.chip == "" && in.name == "" && in.placeID == "" {
		decision.Outcome = models.OutcomeRejected
		decision.Reason = "no chip, name or place"
		if err := r.ledger.Record(ctx, decision); err != nil {
			return nil, err
		}
		return ledger.ResultOf(decision), nil
	}

	verdict, err := resolution.Run(ctx, in, r.stages()...)
	if err != nil {
		return nil, err
	}

	var animalID string
	switch verdict.Outcome {
	case models.OutcomeAutoMatch:
		animalID = verdict.Candidate.animal.ID
		if err := r.attachChip(ctx, in, verdict.Candidate); err != nil {
			return nil, err
		}
		decision.Outcome = models.OutcomeAutoMatch
		decision.CandidateID = models.StrPtr(animalID)

	case models.OutcomeReviewPending:
		created, err := r.create(ctx, in)
		if err != nil {
			return nil, err
		}
		animalID = created.ID
		decision.Outcome = models.OutcomeReviewPending
		decision.CandidateID = models.StrPtr(verdict.Candidate.animal.ID)

	default:
		created, err := r.create(ctx, in)
		if err != nil {
			return nil, err
		}
		animalID = created.ID
		decision.Outcome = models.OutcomeCreatedNew
	}

	decision.EntityID = &animalID
	decision.Stage = verdict.Stage
	decision.Score = verdict.Match.Score
	decision.Reason = verdict.Match.Reason
	if !verdict.Decided() {
		decision.Reason = "no chip match and no animal seen nearby"
	} else if decision.Outcome == models.OutcomeCreatedNew {
		decision.Reason = "best nearby candidate too weak: " + verdict.Match.Reason
	}

	if in.placeID != "" {
		if err := r.store.AddSighting(ctx, &models.Sighting{
			AnimalID:       animalID,
			PlaceID:        in.placeID,
			ObservedAt:     in.observedAt,
			SourceSystem:   key.SourceSystem,
			SourceRecordID: key.SourceRecordID,
		}); err != nil {
			return nil, err
		}
	}

	if err := r.ledger.Record(ctx, decision); err != nil {
		return nil, err
	}
	if err := r.ledger.Remember(ctx, r.store, key, animalID); err != nil {
		return nil, err
	}

	result := ledger.ResultOf(decision)
	result.PlaceID = in.placeID
	return result, nil
}

func (r *Resolver) resolvePlace(ctx context.Context, in *input) error {
	if in.rec.PlaceID != "" {
		placeID, err := r.ledger.Canonicalize(ctx, models.EntityKindPlace, in.rec.PlaceID)
		if resolution.IsKind(err, resolution.KindNotFound) {
			return resolution.NewErrorf(resolution.KindInvalidInput, "place %s does not exist", in.rec.PlaceID).AddMeta("place_id", in.rec.PlaceID)
		}
		if err != nil {
			return err
		}
		in.placeID = placeID
		return nil
	}
	if in.rec.Place == nil || r.places == nil {
		return nil
	}

	res, err := r.places.Resolve(ctx, in.placeRecord())
	if resolution.IsKind(err, resolution.KindUnidentifiable) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Resolved() {
		in.placeID = res.EntityID
	}
	return nil
}

func (r *Resolver) stages() []resolution.Stage[*input, candidate] {
	exact := resolution.Policy{AutoMatch: 1, Review: 1, AllowAutoMatch: true}
	return []resolution.Stage[*input, candidate]{
		{
			Name:       "claim",
			Candidates: r.claimCandidates,
			Score:      scoreChip,
			Policy:     exact,
		},
		{
			Name:       "chip",
			Candidates: r.chipCandidates,
			Score:      scoreChip,
			Policy:     exact,
		},
		{
			Name:       "nearby",
			Candidates: r.nearbyCandidates,
			Score:      r.scoreNearby,
			Policy:     r.cfg.fuzzyPolicy(),
		},
	}
}

func scoreChip(in *input, _ candidate) resolution.Match {
	return resolution.Match{
		Score:    1,
		Evidence: resolution.Evidence{resolution.SignalChip: 1},
		Reason:   "chip " + in.chip,
	}
}

func (r *Resolver) scoreNearby(in *input, c candidate) resolution.Match {
	name := 0.0
	if in.name != "" && c.animal.NormalizedName != "" {
		name = similarity.NameSimilarity(in.name, c.animal.NormalizedName)
	}
	when := similarity.DateProximity(in.observedAt, c.seenAt, r.cfg.AppointmentWindowDays)

	// every nearby candidate was seen at the record's place
	scores := map[string]float64{
		string(resolution.SignalName):  name,
		string(resolution.SignalPlace): 1,
		string(resolution.SignalTime):  when,
	}
	score := similarity.WeightedScore(scores, r.cfg.weights())
	days := in.observedAt.Sub(c.seenAt).Hours() / 24
	if days < 0 {
		days = -days
	}
	return resolution.Match{
		Score: score,
		Evidence: resolution.Evidence{
			resolution.SignalName:  name,
			resolution.SignalPlace: 1,
			resolution.SignalTime:  when,
		},
		Reason: fmt.Sprintf("seen at the same place %.0f days apart, name similarity %.2f, score %.2f", days, name, score),
	}
}

func (r *Resolver) claimCandidates(ctx context.Context, in *input) ([]candidate, error) {
	if in.claimOwner == "" {
		return nil, nil
	}
	ids, err := r.ledger.CanonicalizeAll(ctx, models.EntityKindAnimal, []string{in.claimOwner})
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids, nil)
}

func (r *Resolver) chipCandidates(ctx context.Context, in *input) ([]candidate, error) {
	if in.chip == "" {
		return nil, nil
	}
	idents, err := r.store.FindIdentifiers(ctx, models.EntityKindAnimal, models.IdentifierTypeChip, in.chip)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(idents))
	for _, id := range idents {
		ids = append(ids, id.EntityID)
	}
	canonical, err := r.ledger.CanonicalizeAll(ctx, models.EntityKindAnimal, ids)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, canonical, nil)
}

// nearbyCandidates returns animals seen at the record's place, or any place merged
// into it, within the appointment window. Animals carrying a different chip are
// physically distinct and are skipped.
func (r *Resolver) nearbyCandidates(ctx context.Context, in *input) ([]candidate, error) {
	if in.placeID == "" {
		return nil, nil
	}
	placeIDs, err := r.ledger.Family(ctx, models.EntityKindPlace, in.placeID)
	if err != nil {
		return nil, err
	}
	window := time.Duration(r.cfg.AppointmentWindowDays) * 24 * time.Hour
	sightings, err := r.store.ListSightings(ctx, placeIDs, in.observedAt.Add(-window), in.observedAt.Add(window))
	if err != nil {
		return nil, err
	}

	closest := map[string]time.Time{}
	var order []string
	for _, s := range sightings {
		id, err := r.ledger.Canonicalize(ctx, models.EntityKindAnimal, s.AnimalID)
		if err != nil {
			return nil, err
		}
		prev, ok := closest[id]
		if !ok {
			order = append(order, id)
		}
		if !ok || absDuration(in.observedAt.Sub(s.ObservedAt)) < absDuration(in.observedAt.Sub(prev)) {
			closest[id] = s.ObservedAt
		}
	}

	candidates, err := r.load(ctx, order, closest)
	if err != nil {
		return nil, err
	}
	if in.chip == "" {
		return candidates, nil
	}
	return slices.DeleteFunc(candidates, func(c candidate) bool {
		return len(c.chips) > 0 && !slices.Contains(c.chips, in.chip)
	}), nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (r *Resolver) load(ctx context.Context, ids []string, seenAt map[string]time.Time) ([]candidate, error) {
	animals, err := r.store.ListAnimals(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(animals))
	for _, a := range animals {
		if !a.IsLive() {
			continue
		}
		idents, err := r.store.ListIdentifiers(ctx, models.EntityKindAnimal, a.ID)
		if err != nil {
			return nil, err
		}
		c := candidate{animal: a, seenAt: seenAt[a.ID]}
		for _, id := range idents {
			if id.Type == models.IdentifierTypeChip {
				c.chips = append(c.chips, id.NormalizedValue)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// create inserts a new animal, claiming its chip when it has one
func (r *Resolver) create(ctx context.Context, in *input) (*models.Animal, error) {
	ctx, span := tracing.StartSpan(ctx, "animal.Resolver.create")
	defer span.End()

	a := &models.Animal{
		Entity:         models.Entity{ID: uuid.NewString(), SourceSystem: in.rec.SourceSystem},
		Name:           strings.TrimSpace(in.rec.Name),
		NormalizedName: in.name,
		Sex:            strings.ToLower(strings.TrimSpace(in.rec.Sex)),
	}
	if err := r.claimChip(ctx, in, a.ID); err != nil {
		return nil, err
	}
	if err := r.store.CreateAnimal(ctx, a); err != nil {
		return nil, err
	}
	if err := r.recordChip(ctx, in, a.ID, true); err != nil {
		return nil, err
	}
	return a, nil
}

// attachChip records the record's chip on a matched animal that does not carry it yet
func (r *Resolver) attachChip(ctx context.Context, in *input, c candidate) error {
	if in.chip == "" || slices.Contains(c.chips, in.chip) {
		return nil
	}
	if err := r.claimChip(ctx, in, c.animal.ID); err != nil {
		return err
	}
	return r.recordChip(ctx, in, c.animal.ID, len(c.chips) == 0)
}

// claimChip takes the chip's uniqueness claim for animalID; it writes nothing else
func (r *Resolver) claimChip(ctx context.Context, in *input, animalID string) error {
	if in.chip == "" {
		return nil
	}
	claimKey := "chip:" + in.chip
	owner, won, err := r.store.Claim(ctx, models.EntityKindAnimal, claimKey, animalID)
	if err != nil {
		return err
	}
	if !won {
		return resolution.ClaimLost(claimKey, owner)
	}
	return nil
}

func (r *Resolver) recordChip(ctx context.Context, in *input, animalID string, primary bool) error {
	if in.chip == "" {
		return nil
	}
	return r.store.AddIdentifier(ctx, &models.Identifier{
		EntityKind:      models.EntityKindAnimal,
		EntityID:        animalID,
		Type:            models.IdentifierTypeChip,
		Value:           strings.TrimSpace(in.rec.Chip),
		NormalizedValue: in.chip,
		IsPrimary:       primary,
		SourceSystem:    in.rec.SourceSystem,
	})
}
