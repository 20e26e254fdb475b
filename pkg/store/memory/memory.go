// Package memory is an in-process store.Store used by tests and by
// STORE_DRIVER=memory deployments. Transactions serialize with each other and
// restore a snapshot of the state when fn fails.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

var _ store.Store = (*Store)(nil)

type txKey struct{}

type intakeKey struct {
	kind           models.EntityKind
	sourceSystem   string
	sourceRecordID string
}

type claimKey struct {
	kind models.EntityKind
	key  string
}

type obsKey struct {
	sourceSystem   string
	sourceRecordID string
}

type state struct {
	persons      map[string]models.Person
	places       map[string]models.Place
	animals      map[string]models.Animal
	identifiers  []models.Identifier
	placeLinks   []models.PlaceLink
	households   []models.HouseholdLink
	sightings    []models.Sighting
	decisions    []models.Decision
	intake       map[intakeKey]models.IntakeRecord
	claims       map[claimKey]string
	observations []models.Observation
	obsIndex     map[obsKey]int
}

func newState() state {
	return state{
		persons:  map[string]models.Person{},
		places:   map[string]models.Place{},
		animals:  map[string]models.Animal{},
		intake:   map[intakeKey]models.IntakeRecord{},
		claims:   map[claimKey]string{},
		obsIndex: map[obsKey]int{},
	}
}

func (s state) clone() state {
	out := state{
		persons:      make(map[string]models.Person, len(s.persons)),
		places:       make(map[string]models.Place, len(s.places)),
		animals:      make(map[string]models.Animal, len(s.animals)),
		identifiers:  slices.Clone(s.identifiers),
		placeLinks:   slices.Clone(s.placeLinks),
		households:   slices.Clone(s.households),
		sightings:    slices.Clone(s.sightings),
		decisions:    slices.Clone(s.decisions),
		intake:       make(map[intakeKey]models.IntakeRecord, len(s.intake)),
		claims:       make(map[claimKey]string, len(s.claims)),
		observations: slices.Clone(s.observations),
		obsIndex:     make(map[obsKey]int, len(s.obsIndex)),
	}
	for k, v := range s.persons {
		out.persons[k] = v
	}
	for k, v := range s.places {
		out.places[k] = v
	}
	for k, v := range s.animals {
		out.animals[k] = v
	}
	for k, v := range s.intake {
		out.intake[k] = v
	}
	for k, v := range s.claims {
		out.claims[k] = v
	}
	for k, v := range s.obsIndex {
		out.obsIndex[k] = v
	}
	return out
}

// Store implements store.Store in memory
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   state
	now  func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the timestamp source for created_at columns
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{st: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// WithinTx runs fn with exclusive transactional access. Nested calls join the outer call.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) entity(kind models.EntityKind, id string) (*models.Entity, bool) {
	switch kind {
	case models.EntityKindPerson:
		if p, ok := s.st.persons[id]; ok {
			return &p.Entity, true
		}
	case models.EntityKindPlace:
		if p, ok := s.st.places[id]; ok {
			return &p.Entity, true
		}
	case models.EntityKindAnimal:
		if a, ok := s.st.animals[id]; ok {
			return &a.Entity, true
		}
	}
	return nil, false
}

func (s *Store) GetMergedInto(_ context.Context, kind models.EntityKind, id string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entity(kind, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.MergedInto == nil {
		return nil, nil
	}
	into := *e.MergedInto
	return &into, nil
}

func (s *Store) SetMergedInto(_ context.Context, kind models.EntityKind, id, into string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.entity(kind, into)
	if !ok {
		return false, store.ErrNotFound
	}
	if target.MergedInto != nil {
		return false, nil
	}

	switch kind {
	case models.EntityKindPerson:
		p, ok := s.st.persons[id]
		if !ok {
			return false, store.ErrNotFound
		}
		if p.MergedInto != nil {
			return false, nil
		}
		p.MergedInto, p.MergedAt = &into, &at
		s.st.persons[id] = p
	case models.EntityKindPlace:
		p, ok := s.st.places[id]
		if !ok {
			return false, store.ErrNotFound
		}
		if p.MergedInto != nil {
			return false, nil
		}
		p.MergedInto, p.MergedAt = &into, &at
		s.st.places[id] = p
	case models.EntityKindAnimal:
		a, ok := s.st.animals[id]
		if !ok {
			return false, store.ErrNotFound
		}
		if a.MergedInto != nil {
			return false, nil
		}
		a.MergedInto, a.MergedAt = &into, &at
		s.st.animals[id] = a
	default:
		return false, store.ErrNotFound
	}
	return true, nil
}

func (s *Store) ListMergedFrom(_ context.Context, kind models.EntityKind, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	collect := func(e models.Entity) {
		if e.MergedInto != nil && *e.MergedInto == id {
			ids = append(ids, e.ID)
		}
	}
	switch kind {
	case models.EntityKindPerson:
		for _, p := range s.st.persons {
			collect(p.Entity)
		}
	case models.EntityKindPlace:
		for _, p := range s.st.places {
			collect(p.Entity)
		}
	case models.EntityKindAnimal:
		for _, a := range s.st.animals {
			collect(a.Entity)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) stamp(e *models.Entity, kind models.EntityKind) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Kind = kind
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
}

func (s *Store) CreatePerson(_ context.Context, person *models.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(&person.Entity, models.EntityKindPerson)
	s.st.persons[person.ID] = *person
	return nil
}

func (s *Store) GetPerson(_ context.Context, id string) (*models.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.persons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListPersons(_ context.Context, ids []string) ([]models.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Person, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.st.persons[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) CreatePlace(_ context.Context, place *models.Place) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(&place.Entity, models.EntityKindPlace)
	s.st.places[place.ID] = *place
	return nil
}

func (s *Store) GetPlace(_ context.Context, id string) (*models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.places[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) filterPlaces(liveOnly bool, keep func(p models.Place) bool) []models.Place {
	var out []models.Place
	for _, p := range s.st.places {
		if (p.IsLive() || !liveOnly) && keep(p) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b models.Place) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) FindPlacesByAddress(_ context.Context, normalized string) ([]models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterPlaces(false, func(p models.Place) bool {
		return normalized != "" && p.NormalizedAddress == normalized
	}), nil
}

func (s *Store) FindPlacesByStreet(_ context.Context, streetNumber, city string) ([]models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterPlaces(false, func(p models.Place) bool {
		return streetNumber != "" && p.StreetNumber == streetNumber && p.City == city
	}), nil
}

func (s *Store) FindPlacesInBox(_ context.Context, minLat, maxLat, minLng, maxLng float64) ([]models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterPlaces(true, func(p models.Place) bool {
		if !p.IsGeocoded() {
			return false
		}
		lat, lng := *p.Latitude, *p.Longitude
		return lat >= minLat && lat <= maxLat && lng >= minLng && lng <= maxLng
	}), nil
}

func (s *Store) ListUngeocodedPlaces(_ context.Context, limit int) ([]models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filterPlaces(true, func(p models.Place) bool {
		return !p.IsGeocoded() && p.NormalizedAddress != ""
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateAnimal(_ context.Context, animal *models.Animal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(&animal.Entity, models.EntityKindAnimal)
	s.st.animals[animal.ID] = *animal
	return nil
}

func (s *Store) GetAnimal(_ context.Context, id string) (*models.Animal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.st.animals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) ListAnimals(_ context.Context, ids []string) ([]models.Animal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Animal, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.st.animals[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) AddIdentifier(_ context.Context, identifier *models.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identifier.ID == "" {
		identifier.ID = uuid.NewString()
	}
	now := s.now()
	if identifier.CreatedAt.IsZero() {
		identifier.CreatedAt = now
	}
	identifier.UpdatedAt = now
	s.st.identifiers = append(s.st.identifiers, *identifier)
	return nil
}

func (s *Store) ListIdentifiers(_ context.Context, kind models.EntityKind, entityID string) ([]models.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Identifier
	for _, id := range s.st.identifiers {
		if id.EntityKind == kind && id.EntityID == entityID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) FindIdentifiers(_ context.Context, kind models.EntityKind, idType models.IdentifierType, normalized string) ([]models.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Identifier
	for _, id := range s.st.identifiers {
		if id.EntityKind == kind && id.Type == idType && normalized != "" && id.NormalizedValue == normalized {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) FindIdentifiersByAffix(_ context.Context, kind models.EntityKind, idType models.IdentifierType, prefix, suffix string) ([]models.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if prefix == "" && suffix == "" {
		return nil, nil
	}
	var out []models.Identifier
	for _, id := range s.st.identifiers {
		if id.EntityKind != kind || id.Type != idType {
			continue
		}
		if strings.HasPrefix(id.NormalizedValue, prefix) && strings.HasSuffix(id.NormalizedValue, suffix) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) SetPrimary(_ context.Context, kind models.EntityKind, entityID string, idType models.IdentifierType, identifierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, id := range s.st.identifiers {
		if id.ID == identifierID && id.EntityKind == kind && id.EntityID == entityID {
			found = true
			break
		}
	}
	if !found {
		return store.ErrNotFound
	}

	now := s.now()
	for i := range s.st.identifiers {
		id := &s.st.identifiers[i]
		if id.EntityKind != kind || id.EntityID != entityID || id.Type != idType {
			continue
		}
		primary := id.ID == identifierID
		if id.IsPrimary != primary {
			id.IsPrimary = primary
			id.UpdatedAt = now
		}
	}
	return nil
}

func (s *Store) LinkPlace(_ context.Context, link *models.PlaceLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.st.placeLinks {
		if existing.PersonID == link.PersonID && existing.PlaceID == link.PlaceID {
			*link = existing
			return nil
		}
	}
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now()
	}
	s.st.placeLinks = append(s.st.placeLinks, *link)
	return nil
}

func (s *Store) ListPlaceLinks(_ context.Context, personID string) ([]models.PlaceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PlaceLink
	for i := len(s.st.placeLinks) - 1; i >= 0; i-- {
		if s.st.placeLinks[i].PersonID == personID {
			out = append(out, s.st.placeLinks[i])
		}
	}
	slices.SortStableFunc(out, func(a, b models.PlaceLink) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *Store) ListPersonsAtPlace(_ context.Context, placeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, l := range s.st.placeLinks {
		if l.PlaceID == placeID && !slices.Contains(out, l.PersonID) {
			out = append(out, l.PersonID)
		}
	}
	return out, nil
}

func (s *Store) AddHouseholdLink(_ context.Context, link *models.HouseholdLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now()
	}
	s.st.households = append(s.st.households, *link)
	return nil
}

func (s *Store) ListHouseholdLinks(_ context.Context, personID string) ([]models.HouseholdLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.HouseholdLink
	for _, l := range s.st.households {
		if l.PersonID == personID || l.MemberOf == personID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) AddSighting(_ context.Context, sighting *models.Sighting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sighting.ID == "" {
		sighting.ID = uuid.NewString()
	}
	if sighting.CreatedAt.IsZero() {
		sighting.CreatedAt = s.now()
	}
	s.st.sightings = append(s.st.sightings, *sighting)
	return nil
}

func (s *Store) ListSightings(_ context.Context, placeIDs []string, from, to time.Time) ([]models.Sighting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Sighting
	for _, sg := range s.st.sightings {
		if !slices.Contains(placeIDs, sg.PlaceID) {
			continue
		}
		if sg.ObservedAt.Before(from) || sg.ObservedAt.After(to) {
			continue
		}
		out = append(out, sg)
	}
	return out, nil
}

func (s *Store) InsertDecision(_ context.Context, decision *models.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = s.now()
	}
	s.st.decisions = append(s.st.decisions, *decision)
	return nil
}

func (s *Store) GetDecision(_ context.Context, id string) (*models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.st.decisions {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) resolved(id string) bool {
	for _, d := range s.st.decisions {
		if d.Outcome.IsOperator() && d.ResolvesDecisionID != nil && *d.ResolvesDecisionID == id {
			return true
		}
	}
	return false
}

func (s *Store) ListDecisions(_ context.Context, filter models.DecisionFilter) ([]models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Decision
	for _, d := range s.st.decisions {
		if filter.EntityKind != "" && d.EntityKind != filter.EntityKind {
			continue
		}
		if filter.EntityID != "" && models.Deref(d.EntityID) != filter.EntityID && models.Deref(d.CandidateID) != filter.EntityID {
			continue
		}
		if filter.Outcome != "" && d.Outcome != filter.Outcome {
			continue
		}
		if filter.PendingOnly && (d.Outcome != models.OutcomeReviewPending || s.resolved(d.ID)) {
			continue
		}
		out = append(out, d)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) FindResolution(_ context.Context, id string) (*models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.st.decisions {
		if d.Outcome.IsOperator() && d.ResolvesDecisionID != nil && *d.ResolvesDecisionID == id {
			return &d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetIntake(_ context.Context, kind models.EntityKind, sourceSystem, sourceRecordID string) (*models.IntakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.st.intake[intakeKey{kind, sourceSystem, sourceRecordID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) PutIntake(_ context.Context, record *models.IntakeRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := intakeKey{record.EntityKind, record.SourceSystem, record.SourceRecordID}
	if _, ok := s.st.intake[key]; ok {
		return false, nil
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	s.st.intake[key] = *record
	return true, nil
}

func (s *Store) Claim(_ context.Context, kind models.EntityKind, key, entityID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := claimKey{kind, key}
	if owner, ok := s.st.claims[k]; ok {
		return owner, owner == entityID, nil
	}
	s.st.claims[k] = entityID
	return entityID, true, nil
}

func (s *Store) InsertObservation(_ context.Context, obs *models.Observation) (*models.Observation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := obsKey{obs.SourceSystem, obs.SourceRecordID}
	if idx, ok := s.st.obsIndex[key]; ok {
		existing := s.st.observations[idx]
		return &existing, false, nil
	}
	if obs.ID == "" {
		obs.ID = uuid.NewString()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = s.now()
	}
	s.st.obsIndex[key] = len(s.st.observations)
	s.st.observations = append(s.st.observations, *obs)
	stored := *obs
	return &stored, true, nil
}

func (s *Store) ListObservations(_ context.Context, placeIDs []string) ([]models.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Observation
	for _, o := range s.st.observations {
		if slices.Contains(placeIDs, o.PlaceID) {
			out = append(out, o)
		}
	}
	return out, nil
}
