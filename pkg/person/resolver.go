// Package person resolves incoming contact records onto canonical persons.
//
// An exact email match dominates, then an exact phone match; both split on name
// similarity into a contact update, a review item or a separate household
// member. Records matching neither fall back to a weighted multi-field score.
package person

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

// Record is one incoming person record
type Record struct {
	Email          string         `json:"email,omitempty" validate:"omitempty,max=320"`
	Phone          string         `json:"phone,omitempty" validate:"omitempty,max=40"`
	FirstName      string         `json:"first_name,omitempty"`
	LastName       string         `json:"last_name,omitempty"`
	Address        string         `json:"address,omitempty"`
	Geocode        *place.Geocode `json:"geocode,omitempty"`
	SourceSystem   string         `json:"source_system" validate:"required"`
	SourceRecordID string         `json:"source_record_id,omitempty"`
}

// placeRecord is the address half of the record, keyed apart from standalone place records
func (rec Record) placeRecord() place.Record {
	pr := place.Record{
		Address:      rec.Address,
		Geocode:      rec.Geocode,
		SourceSystem: rec.SourceSystem,
	}
	if rec.SourceRecordID != "" {
		pr.SourceRecordID = "person/" + rec.SourceRecordID
	}
	return pr
}

func (rec Record) hasPlace() bool {
	return strings.TrimSpace(rec.Address) != "" || rec.Geocode != nil
}

// PlaceResolver resolves the address carried by a person record
type PlaceResolver interface {
	Resolve(ctx context.Context, rec place.Record) (*resolution.Result, error)
}

// Store is the persistence the person resolver needs
type Store interface {
	store.Transactor
	store.Persons
	store.Places
	store.Identifiers
	store.Links
	store.Intake
	store.Claims
}

// NameScorer scores two normalized full names in [0,1]
type NameScorer func(a, b string) float64

type Resolver struct {
	logger     ectologger.Logger
	store      Store
	ledger     *ledger.Ledger
	places     PlaceResolver
	locker     resolution.Locker
	nameScorer NameScorer
	cfg        Config
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLocker serializes resolutions sharing an identifier through locker
func WithLocker(locker resolution.Locker) Option {
	return func(r *Resolver) {
		r.locker = locker
	}
}

// WithNameScorer replaces the name similarity function
func WithNameScorer(scorer NameScorer) Option {
	return func(r *Resolver) {
		r.nameScorer = scorer
	}
}

func NewResolver(logger ectologger.Logger, st Store, l *ledger.Ledger, places PlaceResolver, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{
		logger:     logger,
		store:      st,
		ledger:     l,
		places:     places,
		nameScorer: similarity.NameSimilarity,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type input struct {
	rec     Record
	email   string
	phone   string
	name    string
	placeID string
	address string

	claimOwner  string
	claimSignal resolution.Signal
	claimKey    string
}

type candidate struct {
	person      models.Person
	identifiers []models.Identifier
	placeIDs    []string
	addresses   []string
}

func (c candidate) values(idType models.IdentifierType) []string {
	var out []string
	for _, id := range c.identifiers {
		if id.Type == idType {
			out = append(out, id.NormalizedValue)
		}
	}
	return out
}

func prepare(rec Record) *input {
	in := &input{
		rec:   rec,
		email: normalizers.NormalizeEmail(rec.Email),
		phone: normalizers.NormalizePhone(rec.Phone),
		name:  normalizers.NormalizeName(rec.FirstName + " " + rec.LastName),
	}
	switch {
	case in.email != "":
		in.claimKey, in.claimSignal = "email:"+in.email, resolution.SignalEmail
	case in.phone != "":
		in.claimKey, in.claimSignal = "phone:"+in.phone, resolution.SignalPhone
	}
	return in
}

func lockKeys(in *input, key ledger.IntakeKey) []string {
	keys := []string{key.LockKey()}
	if in.email != "" {
		keys = append(keys, "person:email:"+in.email)
	}
	if in.phone != "" {
		keys = append(keys, "person:phone:"+in.phone)
	}
	if in.rec.hasPlace() {
		keys = append(keys, place.LockKeys(in.rec.placeRecord())...)
	}
	return keys
}

// Resolve maps a record onto a canonical person. A rejected record returns both
// its result and a KindUnidentifiable error.
func (r *Resolver) Resolve(ctx context.Context, rec Record) (*resolution.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Resolver.Resolve")
	defer span.End()

	start := time.Now()
	key, err := ledger.NewIntakeKey(models.EntityKindPerson, rec.SourceSystem, rec.SourceRecordID, rec)
	if err != nil {
		return nil, err
	}
	in := prepare(rec)

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"source_system":    rec.SourceSystem,
		"source_record_id": key.SourceRecordID,
	})

	var result *resolution.Result
	err = resolution.WithLocks(ctx, r.locker, lockKeys(in, key), r.cfg.LockTTL, func(ctx context.Context) error {
		return resolution.RetryRaces(ctx, r.cfg.MaxClaimRetries, func(ctx context.Context) error {
			return r.store.WithinTx(ctx, func(ctx context.Context) error {
				var err error
				result, err = r.resolve(ctx, in, key)
				return err
			})
		}, func(owner string) {
			log.WithField("owner", owner).Debug("Lost identifier claim, retrying as a match")
			metrics.RecordClaimRetry(string(models.EntityKindPerson))
			in.claimOwner = owner
		})
	})
	if err != nil {
		log.WithError(err).Error("Failed to resolve person")
		return nil, err
	}

	metrics.RecordResolution(string(models.EntityKindPerson), string(result.Outcome), time.Since(start).Seconds())
	log.WithFields(map[string]any{
		"outcome":      result.Outcome,
		"entity_id":    result.EntityID,
		"candidate_id": result.CandidateID,
		"stage":        result.Stage,
		"score":        result.Score,
	}).Info("Resolved person")

	if result.Outcome == models.OutcomeRejected {
		return result, resolution.NewError(resolution.KindUnidentifiable, "person record carries no email, phone or address").
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
		EntityKind:     models.EntityKindPerson,
		SourceSystem:   key.SourceSystem,
		SourceRecordID: key.SourceRecordID,
	}

	if in.email == "" && in.phone == "" && in.placeID == "" {
		decision.Outcome = models.OutcomeRejected
		decision.Reason = "no usable email, phone or address"
		if err := r.ledger.Record(ctx, decision); err != nil {
			return nil, err
		}
		return ledger.ResultOf(decision), nil
	}
	if in.claimKey == "" {
		in.claimKey, in.claimSignal = "addr:"+in.placeID+"|"+in.name, resolution.SignalAddress
	}

	verdict, err := resolution.Run(ctx, in, r.stages()...)
	if err != nil {
		return nil, err
	}

	var personID string
	switch verdict.Outcome {
	case models.OutcomeAutoMatch:
		personID = verdict.Candidate.person.ID
		if err := r.updateContact(ctx, in, personID); err != nil {
			return nil, err
		}

	case models.OutcomeHouseholdMember:
		created, err := r.create(ctx, in, false)
		if err != nil {
			return nil, err
		}
		personID = created.ID
		if err := r.store.AddHouseholdLink(ctx, &models.HouseholdLink{
			PersonID:  personID,
			MemberOf:  verdict.Candidate.person.ID,
			SharedVia: sharedVia(verdict.Stage, in),
		}); err != nil {
			return nil, err
		}

	case models.OutcomeReviewPending:
		created, err := r.create(ctx, in, false)
		if err != nil {
			return nil, err
		}
		personID = created.ID

	default:
		created, err := r.create(ctx, in, true)
		if err != nil {
			return nil, err
		}
		personID = created.ID
		decision.Outcome = models.OutcomeCreatedNew
		decision.Reason = "no existing person matched"
	}

	decision.EntityID = &personID
	decision.Stage = verdict.Stage
	if verdict.Decided() {
		decision.Score = verdict.Match.Score
		decision.Reason = verdict.Match.Reason + outcomeSuffix(verdict.Outcome)
		if verdict.Outcome != models.OutcomeCreatedNew {
			decision.Outcome = verdict.Outcome
			decision.CandidateID = models.StrPtr(verdict.Candidate.person.ID)
		}
	}

	if err := r.ledger.Record(ctx, decision); err != nil {
		return nil, err
	}
	if err := r.ledger.Remember(ctx, r.store, key, personID); err != nil {
		return nil, err
	}

	result := ledger.ResultOf(decision)
	result.PlaceID = in.placeID
	return result, nil
}

func outcomeSuffix(outcome models.DecisionOutcome) string {
	switch outcome {
	case models.OutcomeAutoMatch:
		return " (contact update)"
	case models.OutcomeHouseholdMember:
		return " (distinct household member)"
	case models.OutcomeReviewPending:
		return " (needs review)"
	}
	return ""
}

func sharedVia(stage string, in *input) models.IdentifierType {
	switch {
	case stage == "phone":
		return models.IdentifierTypePhone
	case stage == "claim" && in.claimSignal == resolution.SignalPhone:
		return models.IdentifierTypePhone
	}
	return models.IdentifierTypeEmail
}

func (r *Resolver) resolvePlace(ctx context.Context, in *input) error {
	if !in.rec.hasPlace() || r.places == nil {
		return nil
	}
	res, err := r.places.Resolve(ctx, in.rec.placeRecord())
	if resolution.IsKind(err, resolution.KindUnidentifiable) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Resolved() {
		return nil
	}

	in.placeID = res.EntityID
	p, err := r.store.GetPlace(ctx, in.placeID)
	if err != nil {
		return err
	}
	in.address = p.NormalizedAddress
	return nil
}

func (r *Resolver) stages() []resolution.Stage[*input, candidate] {
	contact := r.cfg.contactPolicy()
	return []resolution.Stage[*input, candidate]{
		{
			Name:       "claim",
			Candidates: r.claimCandidates,
			Score: func(in *input, c candidate) resolution.Match {
				return r.scoreContact(in, c, in.claimSignal)
			},
			Policy: contact,
		},
		{
			Name: "email",
			Candidates: func(ctx context.Context, in *input) ([]candidate, error) {
				return r.identifierCandidates(ctx, models.IdentifierTypeEmail, in.email)
			},
			Score: func(in *input, c candidate) resolution.Match {
				return r.scoreContact(in, c, resolution.SignalEmail)
			},
			Policy: contact,
		},
		{
			Name: "phone",
			Candidates: func(ctx context.Context, in *input) ([]candidate, error) {
				return r.identifierCandidates(ctx, models.IdentifierTypePhone, in.phone)
			},
			Score: func(in *input, c candidate) resolution.Match {
				return r.scoreContact(in, c, resolution.SignalPhone)
			},
			Policy: contact,
		},
		{
			Name:       "weighted",
			Candidates: r.weightedCandidates,
			Score:      r.scoreWeighted,
			Policy:     r.cfg.weightedPolicy(),
		},
	}
}

// scoreContact scores an exact identifier match by name similarity. A missing
// name on either side cannot contradict the identifier and counts as a contact update.
func (r *Resolver) scoreContact(in *input, c candidate, via resolution.Signal) resolution.Match {
	if in.name == "" || c.person.NormalizedName == "" {
		return resolution.Match{
			Score:    r.cfg.ContactUpdateThreshold,
			Evidence: resolution.Evidence{via: 1},
			Reason:   fmt.Sprintf("%s match, name unavailable", via),
		}
	}
	name := r.nameScorer(in.name, c.person.NormalizedName)
	return resolution.Match{
		Score:    name,
		Evidence: resolution.Evidence{via: 1, resolution.SignalName: name},
		Reason:   fmt.Sprintf("%s match, name similarity %.2f", via, name),
	}
}

func (r *Resolver) scoreWeighted(in *input, c candidate) resolution.Match {
	scores := map[string]float64{}
	if emails := c.values(models.IdentifierTypeEmail); in.email != "" && len(emails) > 0 {
		scores[string(resolution.SignalEmail)] = emailAffinity(in.email, emails)
	}
	if phones := c.values(models.IdentifierTypePhone); in.phone != "" && len(phones) > 0 {
		scores[string(resolution.SignalPhone)] = phoneAffinity(in.phone, phones)
	}
	if in.name != "" && c.person.NormalizedName != "" {
		scores[string(resolution.SignalName)] = r.nameScorer(in.name, c.person.NormalizedName)
	}
	if in.placeID != "" && len(c.placeIDs) > 0 {
		scores[string(resolution.SignalAddress)] = addressAffinity(in, c)
	}

	evidence := resolution.Evidence{}
	parts := make([]string, 0, len(scores))
	for field, score := range scores {
		evidence[resolution.Signal(field)] = score
		parts = append(parts, fmt.Sprintf("%s=%.2f", field, score))
	}
	slices.Sort(parts)

	score := similarity.WeightedScore(scores, r.cfg.Weights.fields())
	return resolution.Match{
		Score:    score,
		Evidence: evidence,
		Reason:   fmt.Sprintf("weighted score %.2f (%s)", score, strings.Join(parts, ", ")),
	}
}

// emailAffinity is 1 for the same address and partial credit for the same mailbox name at another domain
func emailAffinity(email string, candidates []string) float64 {
	best := 0.0
	local := normalizers.EmailLocalPart(email)
	for _, c := range candidates {
		switch {
		case c == email:
			return 1
		case local != "" && normalizers.EmailLocalPart(c) == local:
			best = max(best, 0.6)
		}
	}
	return best
}

// phoneAffinity is 1 for the same number and partial credit for the same subscriber digits
func phoneAffinity(phone string, candidates []string) float64 {
	best := 0.0
	suffix := normalizers.PhoneSuffix(phone)
	for _, c := range candidates {
		switch {
		case c == phone:
			return 1
		case suffix != "" && normalizers.PhoneSuffix(c) == suffix:
			best = max(best, 0.7)
		}
	}
	return best
}

func addressAffinity(in *input, c candidate) float64 {
	if slices.Contains(c.placeIDs, in.placeID) {
		return 1
	}
	best := 0.0
	for _, addr := range c.addresses {
		best = max(best, similarity.StringSimilarity(in.address, addr))
	}
	return best
}

func (r *Resolver) claimCandidates(ctx context.Context, in *input) ([]candidate, error) {
	if in.claimOwner == "" {
		return nil, nil
	}
	ids, err := r.ledger.CanonicalizeAll(ctx, models.EntityKindPerson, []string{in.claimOwner})
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids)
}

func (r *Resolver) identifierCandidates(ctx context.Context, idType models.IdentifierType, value string) ([]candidate, error) {
	if value == "" {
		return nil, nil
	}
	ids, err := r.store.FindIdentifiers(ctx, models.EntityKindPerson, idType, value)
	if err != nil {
		return nil, err
	}
	return r.loadIdentified(ctx, ids)
}

func (r *Resolver) weightedCandidates(ctx context.Context, in *input) ([]candidate, error) {
	var entityIDs []string
	if in.placeID != "" {
		// links may still point at places since merged into this one
		family, err := r.ledger.Family(ctx, models.EntityKindPlace, in.placeID)
		if err != nil {
			return nil, err
		}
		for _, placeID := range family {
			atPlace, err := r.store.ListPersonsAtPlace(ctx, placeID)
			if err != nil {
				return nil, err
			}
			entityIDs = append(entityIDs, atPlace...)
		}
	}
	if local := normalizers.EmailLocalPart(in.email); local != "" {
		ids, err := r.store.FindIdentifiersByAffix(ctx, models.EntityKindPerson, models.IdentifierTypeEmail, local+"@", "")
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			entityIDs = append(entityIDs, id.EntityID)
		}
	}
	if suffix := normalizers.PhoneSuffix(in.phone); suffix != "" {
		ids, err := r.store.FindIdentifiersByAffix(ctx, models.EntityKindPerson, models.IdentifierTypePhone, "", suffix)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			entityIDs = append(entityIDs, id.EntityID)
		}
	}

	canonical, err := r.ledger.CanonicalizeAll(ctx, models.EntityKindPerson, entityIDs)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, canonical)
}

func (r *Resolver) loadIdentified(ctx context.Context, ids []models.Identifier) ([]candidate, error) {
	entityIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		entityIDs = append(entityIDs, id.EntityID)
	}
	canonical, err := r.ledger.CanonicalizeAll(ctx, models.EntityKindPerson, entityIDs)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, canonical)
}

// load reads canonical persons with their identifiers and places
func (r *Resolver) load(ctx context.Context, ids []string) ([]candidate, error) {
	persons, err := r.store.ListPersons(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(persons))
	for _, p := range persons {
		if !p.IsLive() {
			continue
		}
		c := candidate{person: p}
		if c.identifiers, err = r.store.ListIdentifiers(ctx, models.EntityKindPerson, p.ID); err != nil {
			return nil, err
		}
		links, err := r.store.ListPlaceLinks(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			placeID, err := r.ledger.Canonicalize(ctx, models.EntityKindPlace, link.PlaceID)
			if err != nil {
				return nil, err
			}
			pl, err := r.store.GetPlace(ctx, placeID)
			if err != nil {
				return nil, err
			}
			c.placeIDs = append(c.placeIDs, placeID)
			c.addresses = append(c.addresses, pl.NormalizedAddress)
		}
		out = append(out, c)
	}
	return out, nil
}

// create inserts a new person carrying the record's identifiers. claim takes the
// uniqueness claim on the record's strongest identifier; household and review
// members deliberately share an identifier with their candidate and skip it.
func (r *Resolver) create(ctx context.Context, in *input, claim bool) (*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Resolver.create")
	defer span.End()

	p := &models.Person{
		Entity:         models.Entity{ID: uuid.NewString(), SourceSystem: in.rec.SourceSystem},
		FirstName:      strings.TrimSpace(in.rec.FirstName),
		LastName:       strings.TrimSpace(in.rec.LastName),
		DisplayName:    strings.TrimSpace(in.rec.FirstName + " " + in.rec.LastName),
		NormalizedName: in.name,
	}
	if claim {
		owner, won, err := r.store.Claim(ctx, models.EntityKindPerson, in.claimKey, p.ID)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, resolution.ClaimLost(in.claimKey, owner)
		}
	}
	if err := r.store.CreatePerson(ctx, p); err != nil {
		return nil, err
	}

	for _, id := range in.identifiers(p.ID, true) {
		if err := r.store.AddIdentifier(ctx, &id); err != nil {
			return nil, err
		}
	}
	if err := r.linkPlace(ctx, in, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// updateContact folds the record's identifiers into an existing person. New
// identifiers are appended and promoted to primary; nothing is removed.
func (r *Resolver) updateContact(ctx context.Context, in *input, personID string) error {
	ctx, span := tracing.StartSpan(ctx, "person.Resolver.updateContact")
	defer span.End()

	existing, err := r.store.ListIdentifiers(ctx, models.EntityKindPerson, personID)
	if err != nil {
		return err
	}

	for _, incoming := range in.identifiers(personID, false) {
		idx := slices.IndexFunc(existing, func(id models.Identifier) bool {
			return id.Type == incoming.Type && id.NormalizedValue == incoming.NormalizedValue
		})
		identifierID := ""
		if idx >= 0 {
			identifierID = existing[idx].ID
			if existing[idx].IsPrimary {
				continue
			}
		} else {
			if err := r.store.AddIdentifier(ctx, &incoming); err != nil {
				return err
			}
			identifierID = incoming.ID
		}
		if err := r.store.SetPrimary(ctx, models.EntityKindPerson, personID, incoming.Type, identifierID); err != nil {
			return err
		}
	}
	return r.linkPlace(ctx, in, personID)
}

func (r *Resolver) linkPlace(ctx context.Context, in *input, personID string) error {
	if in.placeID == "" {
		return nil
	}
	return r.store.LinkPlace(ctx, &models.PlaceLink{
		PersonID:     personID,
		PlaceID:      in.placeID,
		SourceSystem: in.rec.SourceSystem,
	})
}

func (in *input) identifiers(personID string, primary bool) []models.Identifier {
	var out []models.Identifier
	if in.email != "" {
		out = append(out, models.Identifier{
			EntityKind:      models.EntityKindPerson,
			EntityID:        personID,
			Type:            models.IdentifierTypeEmail,
			Value:           strings.TrimSpace(in.rec.Email),
			NormalizedValue: in.email,
			IsPrimary:       primary,
			SourceSystem:    in.rec.SourceSystem,
		})
	}
	if in.phone != "" {
		out = append(out, models.Identifier{
			EntityKind:      models.EntityKindPerson,
			EntityID:        personID,
			Type:            models.IdentifierTypePhone,
			Value:           strings.TrimSpace(in.rec.Phone),
			NormalizedValue: in.phone,
			IsPrimary:       primary,
			SourceSystem:    in.rec.SourceSystem,
		})
	}
	return out
}
