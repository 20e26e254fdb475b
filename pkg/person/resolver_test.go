package person

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/place"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func newResolver(t *testing.T, opts ...Option) (*Resolver, *memory.Store) {
	t.Helper()
	st := memory.New()
	return newResolverOn(t, st, opts...), st
}

func newResolverOn(t *testing.T, st interface {
	Store
	ledger.Store
}, opts ...Option) *Resolver {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	l := ledger.New(logger, st)
	locker := resolution.NewLocalLocker()
	places := place.NewResolver(logger, st, l, place.DefaultConfig(), place.WithLocker(locker))
	opts = append([]Option{WithLocker(locker)}, opts...)
	return NewResolver(logger, st, l, places, DefaultConfig(), opts...)
}

// contendedStore lets a competing writer create and claim a place for the
// same address right before the resolver's first address claim
type contendedStore struct {
	*memory.Store
	once   sync.Once
	winner *models.Place
	err    error
}

func (s *contendedStore) Claim(ctx context.Context, kind models.EntityKind, key, entityID string) (string, bool, error) {
	if kind == models.EntityKindPlace && strings.HasPrefix(key, "addr:") {
		s.once.Do(func() {
			s.winner = &models.Place{
				NormalizedAddress: strings.TrimPrefix(key, "addr:"),
				FormattedAddress:  "12 Oak St, Eugene",
				AddressBacked:     true,
			}
			if s.err = s.Store.CreatePlace(ctx, s.winner); s.err != nil {
				return
			}
			_, _, s.err = s.Store.Claim(ctx, kind, key, s.winner.ID)
		})
	}
	return s.Store.Claim(ctx, kind, key, entityID)
}

func mustResolve(t *testing.T, r *Resolver, rec Record) *resolution.Result {
	t.Helper()
	res, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	return res
}

func identifiersOf(t *testing.T, st *memory.Store, personID string, idType models.IdentifierType) map[string]bool {
	t.Helper()
	ids, err := st.ListIdentifiers(context.Background(), models.EntityKindPerson, personID)
	require.NoError(t, err)
	out := map[string]bool{}
	for _, id := range ids {
		if id.Type == idType {
			out[id.NormalizedValue] = id.IsPrimary
		}
	}
	return out
}

func TestResolve_ContactUpdate(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	first := mustResolve(t, r, Record{
		Email: "m@x.com", Phone: "541-555-0100", FirstName: "Mirna", LastName: "Chavez",
		Address: "12 Oak St, Eugene", SourceSystem: "intake", SourceRecordID: "1",
	})
	require.Equal(t, models.OutcomeCreatedNew, first.Outcome)
	require.NotEmpty(t, first.PlaceID)

	second := mustResolve(t, r, Record{
		Email: "M@X.com", Phone: "(541) 555-0199", FirstName: "Myrna", LastName: "Chavez",
		Address: "40 Elm St, Eugene", SourceSystem: "clinic", SourceRecordID: "77",
	})
	assert.Equal(t, models.OutcomeAutoMatch, second.Outcome)
	assert.Equal(t, "email", second.Stage)
	assert.Equal(t, first.EntityID, second.EntityID)
	assert.NotEqual(t, first.PlaceID, second.PlaceID)

	phones := identifiersOf(t, st, first.EntityID, models.IdentifierTypePhone)
	assert.Equal(t, map[string]bool{"5415550100": false, "5415550199": true}, phones)

	links, err := st.ListPlaceLinks(ctx, first.EntityID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestResolve_HouseholdMember(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	bob := mustResolve(t, r, Record{Email: "family@x.com", FirstName: "Bob", LastName: "Smith", SourceSystem: "intake"})
	jane := mustResolve(t, r, Record{Email: "family@x.com", FirstName: "Jane", LastName: "Doe", SourceSystem: "intake"})

	assert.Equal(t, models.OutcomeHouseholdMember, jane.Outcome)
	assert.NotEqual(t, bob.EntityID, jane.EntityID)
	assert.Equal(t, bob.EntityID, jane.CandidateID)

	links, err := st.ListHouseholdLinks(ctx, jane.EntityID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, bob.EntityID, links[0].MemberOf)
	assert.Equal(t, models.IdentifierTypeEmail, links[0].SharedVia)

	// both persons keep the shared email
	assert.Contains(t, identifiersOf(t, st, jane.EntityID, models.IdentifierTypeEmail), "family@x.com")
	assert.Contains(t, identifiersOf(t, st, bob.EntityID, models.IdentifierTypeEmail), "family@x.com")
}

func TestResolve_NameSimilarityBands(t *testing.T) {
	tests := []struct {
		name    string
		score   float64
		outcome models.DecisionOutcome
	}{
		{"below household threshold", 0.45, models.OutcomeHouseholdMember},
		{"between thresholds", 0.55, models.OutcomeReviewPending},
		{"above contact update threshold", 0.65, models.OutcomeAutoMatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newResolver(t, WithNameScorer(func(a, b string) float64 { return tt.score }))

			existing := mustResolve(t, r, Record{Phone: "541-555-0123", FirstName: "Ana", LastName: "Lopez", SourceSystem: "intake"})
			res := mustResolve(t, r, Record{Phone: "541-555-0123", FirstName: "Anna", LastName: "Lopes", SourceSystem: "clinic"})

			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, "phone", res.Stage)
			assert.Equal(t, existing.EntityID, res.CandidateID)
			assert.InDelta(t, tt.score, res.Score, 1e-9)
			if tt.outcome == models.OutcomeAutoMatch {
				assert.Equal(t, existing.EntityID, res.EntityID)
			} else {
				assert.NotEqual(t, existing.EntityID, res.EntityID)
			}
		})
	}
}

func TestResolve_MissingNameIsContactUpdate(t *testing.T) {
	r, _ := newResolver(t)

	first := mustResolve(t, r, Record{Email: "cats@x.com", FirstName: "Lee", LastName: "Park", SourceSystem: "intake"})
	res := mustResolve(t, r, Record{Email: "cats@x.com", SourceSystem: "web"})

	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, first.EntityID, res.EntityID)
}

func TestResolve_Idempotent(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()
	rec := Record{Email: "a@b.com", FirstName: "Sam", LastName: "Reed", SourceSystem: "intake", SourceRecordID: "r1"}

	first := mustResolve(t, r, rec)
	before, err := st.ListDecisions(ctx, models.DecisionFilter{EntityKind: models.EntityKindPerson})
	require.NoError(t, err)

	again := mustResolve(t, r, rec)
	assert.Equal(t, models.OutcomeDuplicate, again.Outcome)
	assert.Equal(t, first.EntityID, again.EntityID)

	after, err := st.ListDecisions(ctx, models.DecisionFilter{EntityKind: models.EntityKindPerson})
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)
}

func TestResolve_WeightedReview(t *testing.T) {
	r, _ := newResolver(t)

	existing := mustResolve(t, r, Record{
		Email: "jcarter@old.com", Phone: "541-555-0142", FirstName: "Jon", LastName: "Carter",
		Address: "88 Pine St, Eugene", SourceSystem: "legacy",
	})
	res := mustResolve(t, r, Record{
		Email: "jcarter@new.com", Phone: "458-555-0142", FirstName: "Jon", LastName: "Carter",
		Address: "88 Pine St, Eugene", SourceSystem: "intake",
	})

	// 0.35*0.6 + 0.25*0.7 + 0.25*1 + 0.15*1
	assert.Equal(t, models.OutcomeReviewPending, res.Outcome)
	assert.Equal(t, "weighted", res.Stage)
	assert.InDelta(t, 0.785, res.Score, 1e-9)
	assert.Equal(t, existing.EntityID, res.CandidateID)
	assert.NotEqual(t, existing.EntityID, res.EntityID)
}

func TestResolve_WeightedAutoMatchOnNameAndAddress(t *testing.T) {
	r, _ := newResolver(t)

	existing := mustResolve(t, r, Record{Email: "kim@x.com", FirstName: "Kim", LastName: "Nguyen", Address: "5 Lark Ln, Bend", SourceSystem: "intake"})
	res := mustResolve(t, r, Record{FirstName: "Kim", LastName: "Nguyen", Address: "5 Lark Lane, Bend", SourceSystem: "phone"})

	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, "weighted", res.Stage)
	assert.Equal(t, existing.EntityID, res.EntityID)
}

func TestResolve_RejectsUnidentifiable(t *testing.T) {
	r, _ := newResolver(t)

	res, err := r.Resolve(context.Background(), Record{FirstName: "Ann", LastName: "Lee", Email: "not-an-email", SourceSystem: "intake"})
	require.Error(t, err)
	assert.True(t, resolution.IsKind(err, resolution.KindUnidentifiable))
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.Empty(t, res.EntityID)
}

func TestResolve_IdentifiersOnlyGrow(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	first := mustResolve(t, r, Record{Email: "one@x.com", Phone: "541-555-1000", FirstName: "Rosa", LastName: "Diaz", SourceSystem: "intake"})

	seen := 0
	for _, rec := range []Record{
		{Email: "one@x.com", Phone: "541-555-2000", FirstName: "Rosa", LastName: "Diaz", SourceSystem: "a"},
		{Email: "two@x.com", Phone: "541-555-2000", FirstName: "Rosa", LastName: "Diaz", SourceSystem: "b"},
		{Email: "one@x.com", Phone: "541-555-1000", FirstName: "Rosa", LastName: "Diaz", SourceSystem: "c"},
	} {
		res := mustResolve(t, r, rec)
		require.Equal(t, first.EntityID, res.EntityID)

		ids, err := st.ListIdentifiers(ctx, models.EntityKindPerson, first.EntityID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(ids), seen)
		seen = len(ids)
	}

	assert.Equal(t, 4, seen)
	assert.Equal(t, map[string]bool{"one@x.com": true, "two@x.com": false}, identifiersOf(t, st, first.EntityID, models.IdentifierTypeEmail))
	assert.Equal(t, map[string]bool{"5415551000": true, "5415552000": false}, identifiersOf(t, st, first.EntityID, models.IdentifierTypePhone))
}

func TestResolve_LostClaimMatchesWinner(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	// a concurrent writer created and claimed the email before adding its identifier
	winner := &models.Person{FirstName: "Mirna", LastName: "Chavez", NormalizedName: "mirna chavez"}
	require.NoError(t, st.CreatePerson(ctx, winner))
	_, won, err := st.Claim(ctx, models.EntityKindPerson, "email:j@x.com", winner.ID)
	require.NoError(t, err)
	require.True(t, won)

	res := mustResolve(t, r, Record{Email: "j@x.com", FirstName: "Mirna", LastName: "Chavez", SourceSystem: "intake"})
	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, "claim", res.Stage)
	assert.Equal(t, winner.ID, res.EntityID)
	assert.Contains(t, identifiersOf(t, st, winner.ID, models.IdentifierTypeEmail), "j@x.com")
}

func TestResolve_LostPlaceClaimLeavesOnePlace(t *testing.T) {
	st := &contendedStore{Store: memory.New()}
	r := newResolverOn(t, st)
	ctx := context.Background()

	res := mustResolve(t, r, Record{Email: "m@x.com", FirstName: "Mirna", LastName: "Chavez", Address: "12 Oak St, Eugene", SourceSystem: "intake"})
	require.NoError(t, st.err)
	require.NotNil(t, st.winner)
	assert.Equal(t, models.OutcomeCreatedNew, res.Outcome)
	assert.Equal(t, st.winner.ID, res.PlaceID)

	places, err := st.FindPlacesByAddress(ctx, normalizers.NormalizeAddress("12 Oak St, Eugene"))
	require.NoError(t, err)
	require.Len(t, places, 1)
	assert.Equal(t, st.winner.ID, places[0].ID)
}

func TestResolve_NameAloneNeverMatches(t *testing.T) {
	tests := []struct {
		name     string
		existing Record
		incoming Record
	}{
		{
			name:     "different email and phone",
			existing: Record{Email: "maria.g@x.com", Phone: "541-555-0111", FirstName: "Maria", LastName: "Garcia", SourceSystem: "intake"},
			incoming: Record{Email: "mgarcia@y.org", Phone: "503-555-0999", FirstName: "Maria", LastName: "Garcia", SourceSystem: "clinic"},
		},
		{
			name:     "different places",
			existing: Record{Phone: "541-555-0112", FirstName: "Maria", LastName: "Garcia", Address: "3 Ash St, Eugene", SourceSystem: "intake"},
			incoming: Record{Email: "maria@z.net", FirstName: "Maria", LastName: "Garcia", Address: "900 Cedar Ave, Salem", SourceSystem: "clinic"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newResolver(t, WithNameScorer(func(a, b string) float64 { return 1 }))

			existing := mustResolve(t, r, tt.existing)
			res := mustResolve(t, r, tt.incoming)

			assert.NotEqual(t, models.OutcomeAutoMatch, res.Outcome)
			assert.Contains(t, []models.DecisionOutcome{models.OutcomeCreatedNew, models.OutcomeReviewPending}, res.Outcome)
			assert.NotEqual(t, existing.EntityID, res.EntityID)
		})
	}
}

func TestResolve_WeightedFindsPersonsAtMergedPlaces(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	kim := mustResolve(t, r, Record{Email: "kim@x.com", FirstName: "Kim", LastName: "Nguyen", Address: "5 Lark Ln, Bend", SourceSystem: "intake"})
	other, err := r.places.Resolve(ctx, place.Record{Address: "19 Wren Ct, Bend", SourceSystem: "survey"})
	require.NoError(t, err)
	_, err = r.ledger.Merge(ctx, models.EntityKindPlace, kim.PlaceID, other.EntityID)
	require.NoError(t, err)

	// kim's link still points at the merged place
	res := mustResolve(t, r, Record{FirstName: "Kim", LastName: "Nguyen", Address: "19 Wren Ct, Bend", SourceSystem: "phone"})
	assert.Equal(t, other.EntityID, res.PlaceID)
	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, "weighted", res.Stage)
	assert.Equal(t, kim.EntityID, res.EntityID)
}

func TestResolve_MergedPersonCanonicalizes(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	old := mustResolve(t, r, Record{Email: "old@x.com", FirstName: "Tom", LastName: "Hale", SourceSystem: "legacy"})
	survivor := mustResolve(t, r, Record{Email: "new@x.com", FirstName: "Tom", LastName: "Hale", SourceSystem: "intake"})
	_, err := r.ledger.Merge(ctx, models.EntityKindPerson, old.EntityID, survivor.EntityID)
	require.NoError(t, err)

	res := mustResolve(t, r, Record{Email: "old@x.com", FirstName: "Tom", LastName: "Hale", SourceSystem: "clinic"})
	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, survivor.EntityID, res.EntityID)
}

func TestResolve_ConcurrentSameEmail(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*resolution.Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(ctx, Record{Email: "race@x.com", FirstName: "Ola", LastName: "Berg", SourceSystem: "web", SourceRecordID: strconv.Itoa(i)})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].EntityID, results[i].EntityID)
	}

	ids, err := st.FindIdentifiers(ctx, models.EntityKindPerson, models.IdentifierTypeEmail, "race@x.com")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.HouseholdThreshold = 0.9
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Weights = Weights{}
	assert.Error(t, cfg.Validate())
}
