package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

func TestWithinTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreatePerson(ctx, &models.Person{FirstName: "kept"}))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.CreatePerson(ctx, &models.Person{FirstName: "discarded"}))
		_, _, err := s.Claim(ctx, models.EntityKindPerson, "email:j@x.com", "p-1")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Len(t, s.st.persons, 1)
	_, won, err := s.Claim(ctx, models.EntityKindPerson, "email:j@x.com", "p-2")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestWithinTx_NestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		return s.WithinTx(ctx, func(ctx context.Context) error {
			return s.CreatePerson(ctx, &models.Person{FirstName: "nested"})
		})
	})
	require.NoError(t, err)
	assert.Len(t, s.st.persons, 1)
}

func TestSetMergedInto_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()

	a, b, c := &models.Place{}, &models.Place{}, &models.Place{}
	for _, p := range []*models.Place{a, b, c} {
		require.NoError(t, s.CreatePlace(ctx, p))
	}

	ok, err := s.SetMergedInto(ctx, models.EntityKindPlace, a.ID, b.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetMergedInto(ctx, models.EntityKindPlace, a.ID, c.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "already merged rows are not rewritten")

	ok, err = s.SetMergedInto(ctx, models.EntityKindPlace, c.ID, a.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "a merged row is never a merge target")

	into, err := s.GetMergedInto(ctx, models.EntityKindPlace, a.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, models.Deref(into))

	from, err := s.ListMergedFrom(ctx, models.EntityKindPlace, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, from)

	_, err = s.GetMergedInto(ctx, models.EntityKindPlace, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetPrimary_MovesFlagWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := &models.Identifier{EntityKind: models.EntityKindPerson, EntityID: "p", Type: models.IdentifierTypePhone, NormalizedValue: "7075550100", IsPrimary: true}
	second := &models.Identifier{EntityKind: models.EntityKindPerson, EntityID: "p", Type: models.IdentifierTypePhone, NormalizedValue: "7075550199"}
	email := &models.Identifier{EntityKind: models.EntityKindPerson, EntityID: "p", Type: models.IdentifierTypeEmail, NormalizedValue: "j@x.com", IsPrimary: true}
	for _, id := range []*models.Identifier{first, second, email} {
		require.NoError(t, s.AddIdentifier(ctx, id))
	}

	require.NoError(t, s.SetPrimary(ctx, models.EntityKindPerson, "p", models.IdentifierTypePhone, second.ID))

	ids, err := s.ListIdentifiers(ctx, models.EntityKindPerson, "p")
	require.NoError(t, err)
	require.Len(t, ids, 3)

	primaries := map[string]bool{}
	for _, id := range ids {
		primaries[id.NormalizedValue] = id.IsPrimary
	}
	assert.Equal(t, map[string]bool{"7075550100": false, "7075550199": true, "j@x.com": true}, primaries)

	assert.ErrorIs(t, s.SetPrimary(ctx, models.EntityKindPerson, "other", models.IdentifierTypePhone, second.ID), store.ErrNotFound)
}

func TestFindIdentifiersByAffix(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AddIdentifier(ctx, &models.Identifier{EntityKind: models.EntityKindPerson, EntityID: "p", Type: models.IdentifierTypePhone, NormalizedValue: "7075550142"}))
	require.NoError(t, s.AddIdentifier(ctx, &models.Identifier{EntityKind: models.EntityKindPerson, EntityID: "q", Type: models.IdentifierTypeEmail, NormalizedValue: "mirna@x.com"}))

	byPhone, err := s.FindIdentifiersByAffix(ctx, models.EntityKindPerson, models.IdentifierTypePhone, "", "5550142")
	require.NoError(t, err)
	assert.Len(t, byPhone, 1)

	byEmail, err := s.FindIdentifiersByAffix(ctx, models.EntityKindPerson, models.IdentifierTypeEmail, "mirna@", "")
	require.NoError(t, err)
	assert.Len(t, byEmail, 1)

	none, err := s.FindIdentifiersByAffix(ctx, models.EntityKindPerson, models.IdentifierTypeEmail, "", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLinks(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	}))

	require.NoError(t, s.LinkPlace(ctx, &models.PlaceLink{PersonID: "p", PlaceID: "a"}))
	require.NoError(t, s.LinkPlace(ctx, &models.PlaceLink{PersonID: "p", PlaceID: "b"}))
	require.NoError(t, s.LinkPlace(ctx, &models.PlaceLink{PersonID: "p", PlaceID: "a"}))

	links, err := s.ListPlaceLinks(ctx, "p")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "b", links[0].PlaceID)

	persons, err := s.ListPersonsAtPlace(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, persons)
}

func TestDecisions_PendingOnly(t *testing.T) {
	ctx := context.Background()
	s := New()

	open := &models.Decision{EntityKind: models.EntityKindPerson, Outcome: models.OutcomeReviewPending}
	closed := &models.Decision{EntityKind: models.EntityKindPerson, Outcome: models.OutcomeReviewPending}
	for _, d := range []*models.Decision{open, closed, {EntityKind: models.EntityKindPerson, Outcome: models.OutcomeCreatedNew}} {
		require.NoError(t, s.InsertDecision(ctx, d))
	}
	require.NoError(t, s.InsertDecision(ctx, &models.Decision{
		EntityKind:         models.EntityKindPerson,
		Outcome:            models.OutcomeOperatorKeptSeparate,
		ResolvesDecisionID: &closed.ID,
	}))

	pending, err := s.ListDecisions(ctx, models.DecisionFilter{PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.ID, pending[0].ID)

	resolution, err := s.FindResolution(ctx, closed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOperatorKeptSeparate, resolution.Outcome)

	_, err = s.FindResolution(ctx, open.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	paged, err := s.ListDecisions(ctx, models.DecisionFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
}

func TestIntakeAndClaims(t *testing.T) {
	ctx := context.Background()
	s := New()

	rec := &models.IntakeRecord{EntityKind: models.EntityKindPerson, SourceSystem: "clinic", SourceRecordID: "r1", EntityID: "p1"}
	inserted, err := s.PutIntake(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.PutIntake(ctx, &models.IntakeRecord{EntityKind: models.EntityKindPerson, SourceSystem: "clinic", SourceRecordID: "r1", EntityID: "p2"})
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetIntake(ctx, models.EntityKindPerson, "clinic", "r1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.EntityID)

	_, err = s.GetIntake(ctx, models.EntityKindPlace, "clinic", "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	owner, won, err := s.Claim(ctx, models.EntityKindPerson, "email:j@x.com", "p1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "p1", owner)

	owner, won, err = s.Claim(ctx, models.EntityKindPerson, "email:j@x.com", "p2")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "p1", owner)
}

func TestInsertObservation_Dedupes(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, inserted, err := s.InsertObservation(ctx, &models.Observation{PlaceID: "a", SourceSystem: "survey", SourceRecordID: "1", Total: models.IntPtr(12)})
	require.NoError(t, err)
	assert.True(t, inserted)

	again, inserted, err := s.InsertObservation(ctx, &models.Observation{PlaceID: "a", SourceSystem: "survey", SourceRecordID: "1", Total: models.IntPtr(40)})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 12, *again.Total)

	obs, err := s.ListObservations(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, obs, 1)
}

func TestSightings_Window(t *testing.T) {
	ctx := context.Background()
	s := New()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddSighting(ctx, &models.Sighting{AnimalID: "x", PlaceID: "a", ObservedAt: day}))
	require.NoError(t, s.AddSighting(ctx, &models.Sighting{AnimalID: "y", PlaceID: "a", ObservedAt: day.AddDate(0, 0, -40)}))
	require.NoError(t, s.AddSighting(ctx, &models.Sighting{AnimalID: "z", PlaceID: "b", ObservedAt: day}))

	got, err := s.ListSightings(ctx, []string{"a"}, day.AddDate(0, 0, -30), day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].AnimalID)
}
