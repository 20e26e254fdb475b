package place

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

const (
	marketLat = 37.7749
	marketLng = -122.4194
)

func newResolver(t *testing.T) (*Resolver, *memory.Store) {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	st := memory.New()
	return NewResolver(logger, st, ledger.New(logger, st), DefaultConfig(), WithLocker(resolution.NewLocalLocker())), st
}

func rooftop(addr string, lat, lng float64) *Geocode {
	return &Geocode{FormattedAddress: addr, Lat: lat, Lng: lng, Precision: models.PrecisionRooftop}
}

func mustResolve(t *testing.T, r *Resolver, rec Record) *resolution.Result {
	t.Helper()
	res, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	return res
}

func TestResolve_ExactAndIdempotent(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	first := mustResolve(t, r, Record{Address: "742 Evergreen Terrace, Springfield", SourceSystem: "intake", SourceRecordID: "1"})
	assert.Equal(t, models.OutcomeCreatedNew, first.Outcome)
	assert.NotEmpty(t, first.EntityID)
	assert.Equal(t, first.EntityID, first.PlaceID)

	second := mustResolve(t, r, Record{Address: "742 evergreen ter. springfield", SourceSystem: "clinic", SourceRecordID: "9"})
	assert.Equal(t, models.OutcomeAutoMatch, second.Outcome)
	assert.Equal(t, "exact", second.Stage)
	assert.Equal(t, first.EntityID, second.EntityID)

	again := mustResolve(t, r, Record{Address: "742 Evergreen Terrace, Springfield", SourceSystem: "intake", SourceRecordID: "1"})
	assert.Equal(t, models.OutcomeDuplicate, again.Outcome)
	assert.Equal(t, first.EntityID, again.EntityID)

	decisions, err := st.ListDecisions(ctx, models.DecisionFilter{EntityKind: models.EntityKindPlace})
	require.NoError(t, err)
	assert.Len(t, decisions, 3)
}

func TestResolve_Structural(t *testing.T) {
	r, _ := newResolver(t)

	first := mustResolve(t, r, Record{
		Geocode:      rooftop("123 Main Street, Springfield, IL 62701", 39.7817, -89.6501),
		SourceSystem: "intake",
	})
	require.Equal(t, models.OutcomeCreatedNew, first.Outcome)

	// far enough away that proximity cannot be what matched
	second := mustResolve(t, r, Record{
		Geocode:      rooftop("123 Main St Apt 2, Springfield, IL", 39.7900, -89.6600),
		SourceSystem: "clinic",
	})
	assert.Equal(t, models.OutcomeAutoMatch, second.Outcome)
	assert.Equal(t, "structural", second.Stage)
	assert.Equal(t, first.EntityID, second.EntityID)
}

func TestResolve_Proximity(t *testing.T) {
	r, _ := newResolver(t)

	first := mustResolve(t, r, Record{Geocode: rooftop("100 Market St, San Francisco, CA", marketLat, marketLng), SourceSystem: "intake"})

	t.Run("nearby with similar text matches", func(t *testing.T) {
		res := mustResolve(t, r, Record{Geocode: rooftop("102 Market St, San Francisco, CA", marketLat+0.00009, marketLng), SourceSystem: "survey"})
		assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
		assert.Equal(t, "proximity", res.Stage)
		assert.Equal(t, first.EntityID, res.EntityID)
	})

	t.Run("nearby but unrelated text creates", func(t *testing.T) {
		res := mustResolve(t, r, Record{Geocode: rooftop("Golden Gate Park Lodge", marketLat-0.00009, marketLng), SourceSystem: "survey"})
		assert.Equal(t, models.OutcomeCreatedNew, res.Outcome)
		assert.NotEqual(t, first.EntityID, res.EntityID)
	})
}

func TestResolve_ProximityPicksNearest(t *testing.T) {
	r, _ := newResolver(t)

	// about 22m south and 6m north of the incoming geocode, 28m apart
	far := mustResolve(t, r, Record{Geocode: rooftop("100 Market St, San Francisco, CA", marketLat-0.0002, marketLng), SourceSystem: "intake"})
	near := mustResolve(t, r, Record{Geocode: rooftop("108 Market St Suite 5, San Francisco, CA", marketLat+0.00005, marketLng), SourceSystem: "intake"})
	require.Equal(t, models.OutcomeCreatedNew, near.Outcome)

	// the far place reads closer but the nearest one above the floor wins
	res := mustResolve(t, r, Record{Geocode: rooftop("101 Market St, San Francisco, CA", marketLat, marketLng), SourceSystem: "survey"})
	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, "proximity", res.Stage)
	assert.Equal(t, near.EntityID, res.EntityID)
	assert.NotEqual(t, far.EntityID, res.EntityID)
}

func TestResolve_ProximityReviewBand(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	first := mustResolve(t, r, Record{Geocode: rooftop("100 Market St, San Francisco, CA", marketLat, marketLng), SourceSystem: "intake"})

	res := mustResolve(t, r, Record{Geocode: rooftop("10 Mission St", marketLat+0.00009, marketLng), SourceSystem: "survey"})
	assert.Equal(t, models.OutcomeReviewPending, res.Outcome)
	assert.Equal(t, "proximity", res.Stage)
	assert.Equal(t, first.EntityID, res.CandidateID)
	require.NotEmpty(t, res.EntityID)
	assert.NotEqual(t, first.EntityID, res.EntityID)

	flagged, err := st.GetPlace(ctx, res.EntityID)
	require.NoError(t, err)
	assert.True(t, flagged.IsLive())
}

func TestResolve_LegacyText(t *testing.T) {
	r, _ := newResolver(t)

	legacy := mustResolve(t, r, Record{Address: "742 Evergreen Terrace Springfield", SourceSystem: "legacy"})
	res := mustResolve(t, r, Record{Address: "742 Evergreen Terrace Springfeld", SourceSystem: "intake"})

	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, "legacy", res.Stage)
	assert.Equal(t, legacy.EntityID, res.EntityID)
}

func TestResolve_PersonFallback(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	home := mustResolve(t, r, Record{Address: "55 Alder Ln, Eugene", SourceSystem: "intake"})
	person := &models.Person{FirstName: "Ana"}
	require.NoError(t, st.CreatePerson(ctx, person))
	require.NoError(t, st.LinkPlace(ctx, &models.PlaceLink{PersonID: person.ID, PlaceID: home.EntityID}))

	res := mustResolve(t, r, Record{PersonID: person.ID, SourceSystem: "phone"})
	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, "person", res.Stage)
	assert.Equal(t, home.EntityID, res.EntityID)
}

func TestResolve_PinOnlyQueuesReview(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	res := mustResolve(t, r, Record{Pin: &Pin{Lat: marketLat, Lng: marketLng}, SourceSystem: "legacy-map"})
	assert.Equal(t, models.OutcomeReviewPending, res.Outcome)
	assert.Empty(t, res.EntityID)

	places, err := st.FindPlacesInBox(ctx, -90, 90, -180, 180)
	require.NoError(t, err)
	assert.Empty(t, places)

	ungeocoded, err := st.ListUngeocodedPlaces(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ungeocoded, "pins never create places")
}

func TestResolve_NothingRejected(t *testing.T) {
	r, _ := newResolver(t)

	res, err := r.Resolve(context.Background(), Record{SourceSystem: "intake", SourceRecordID: "empty"})
	require.Error(t, err)
	assert.True(t, resolution.IsKind(err, resolution.KindUnidentifiable))
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.NotEmpty(t, res.DecisionID)
}

func TestResolve_MalformedGeocodeDegradesToText(t *testing.T) {
	r, st := newResolver(t)

	tests := []struct {
		name    string
		geocode *Geocode
	}{
		{"latitude out of range", rooftop("1 Pine St, Bend", 200, 10)},
		{"empty formatted address", rooftop("", 44.05, -121.31)},
		{"unknown precision", &Geocode{FormattedAddress: "1 Pine St, Bend", Lat: 44.05, Lng: -121.31, Precision: "street"}},
	}

	var placeID string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustResolve(t, r, Record{Address: "1 Pine Street, Bend", Geocode: tt.geocode, SourceSystem: "intake"})
			assert.Contains(t, res.Reason, string(resolution.KindMalformedGeocode))
			if placeID == "" {
				placeID = res.EntityID
			}
			assert.Equal(t, placeID, res.EntityID)

			p, err := st.GetPlace(context.Background(), res.EntityID)
			require.NoError(t, err)
			assert.False(t, p.IsGeocoded())
		})
	}
}

func TestResolve_LostClaimMatchesWinner(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	// a concurrent writer created and claimed the address but its row text differs
	winner := &models.Place{NormalizedAddress: "po box 4471", AddressBacked: true}
	require.NoError(t, st.CreatePlace(ctx, winner))
	_, won, err := st.Claim(ctx, models.EntityKindPlace, "addr:9 birch ct salem oregon", winner.ID)
	require.NoError(t, err)
	require.True(t, won)

	res := mustResolve(t, r, Record{Address: "9 Birch Court Salem Oregon", SourceSystem: "intake"})
	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, "claim", res.Stage)
	assert.Equal(t, winner.ID, res.EntityID)
}

func TestResolve_MergedCandidatesCanonicalize(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	old := mustResolve(t, r, Record{Address: "18 Cedar Rd, Ashland", SourceSystem: "legacy"})
	survivor := mustResolve(t, r, Record{Address: "18 Cedar Road Unit 1, Ashland", SourceSystem: "intake"})

	require.NotEqual(t, old.EntityID, survivor.EntityID)
	_, err := r.ledger.Merge(ctx, models.EntityKindPlace, old.EntityID, survivor.EntityID)
	require.NoError(t, err)

	// the exact-text hit is merged, so the resolver must hand back its survivor
	p, err := st.GetPlace(ctx, old.EntityID)
	require.NoError(t, err)
	require.False(t, p.IsLive())

	res := mustResolve(t, r, Record{Address: "18 Cedar Rd, Ashland", SourceSystem: "clinic"})
	assert.Equal(t, models.OutcomeAutoMatch, res.Outcome)
	assert.Equal(t, survivor.EntityID, res.EntityID)
}

func TestGeocodeValid(t *testing.T) {
	assert.True(t, rooftop("1 A St", 10, 10).Valid())
	assert.False(t, (*Geocode)(nil).Valid())
	assert.False(t, rooftop("1 A St", 10, 181).Valid())
}

func TestLockKeys(t *testing.T) {
	keys := LockKeys(Record{Address: "1 A Street", SourceSystem: "intake", SourceRecordID: "7"})
	assert.Equal(t, []string{"place:addr:1 a st", "place:intake:intake:7"}, keys)

	pinOnly := LockKeys(Record{Pin: &Pin{}, SourceSystem: "intake", SourceRecordID: "8"})
	assert.Equal(t, []string{"place:intake:intake:8"}, pinOnly)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ProximityReviewFloor = 0.6
	assert.Error(t, cfg.Validate(), "review floor above the match floor")

	cfg = DefaultConfig()
	cfg.ApproximateRadiusMeters = 10
	assert.Error(t, cfg.Validate())
}
