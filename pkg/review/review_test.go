package review

import (
	"context"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

type recorder struct {
	mu          sync.Mutex
	invalidated []string
	decisions   []*models.Decision
	merged      []string
}

func (r *recorder) Invalidate(_ context.Context, placeIDs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, placeIDs...)
	return nil
}

func (r *recorder) EmitDecision(_ context.Context, d *models.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func (r *recorder) EmitMerged(_ context.Context, _ *models.Decision, fromID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merged = append(r.merged, fromID)
	return nil
}

type fixture struct {
	svc *Service
	st  *memory.Store
	l   *ledger.Ledger
	rec *recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	st := memory.New()
	l := ledger.New(logger, st)
	rec := &recorder{}
	svc := NewService(logger, st, l, WithPlaceInvalidator(rec), WithNotifier(rec))
	return fixture{svc: svc, st: st, l: l, rec: rec}
}

// pendingPersons creates a candidate, a new person flagged against it and the review row
func (f fixture) pendingPersons(t *testing.T) (candidate, created string, decision *models.Decision) {
	t.Helper()
	ctx := context.Background()
	a, b := &models.Person{FirstName: "Ana"}, &models.Person{FirstName: "Anna"}
	require.NoError(t, f.st.CreatePerson(ctx, a))
	require.NoError(t, f.st.CreatePerson(ctx, b))

	d := &models.Decision{
		EntityKind:   models.EntityKindPerson,
		SourceSystem: "intake",
		EntityID:     models.StrPtr(b.ID),
		CandidateID:  models.StrPtr(a.ID),
		Score:        0.55,
		Outcome:      models.OutcomeReviewPending,
		Stage:        "phone",
	}
	require.NoError(t, f.l.Record(ctx, d))
	return a.ID, b.ID, d
}

func TestResolve_Accept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	candidate, created, pending := f.pendingPersons(t)

	d, err := f.svc.Resolve(ctx, Request{DecisionID: pending.ID, Action: ActionAccept, Operator: "kim", Note: "same caller"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOperatorMerged, d.Outcome)
	assert.Equal(t, candidate, models.Deref(d.EntityID))
	assert.Equal(t, pending.ID, models.Deref(d.ResolvesDecisionID))
	assert.Contains(t, d.Reason, "same caller")

	canonical, err := f.l.Canonicalize(ctx, models.EntityKindPerson, created)
	require.NoError(t, err)
	assert.Equal(t, candidate, canonical)

	pendingNow, err := f.svc.Pending(ctx, models.EntityKindPerson, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, pendingNow)

	assert.Equal(t, []string{created}, f.rec.merged)
	assert.Empty(t, f.rec.invalidated, "person merges do not touch colony estimates")
}

func TestResolve_Reject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, created, pending := f.pendingPersons(t)

	d, err := f.svc.Resolve(ctx, Request{DecisionID: pending.ID, Action: ActionReject, Operator: "kim"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOperatorKeptSeparate, d.Outcome)

	canonical, err := f.l.Canonicalize(ctx, models.EntityKindPerson, created)
	require.NoError(t, err)
	assert.Equal(t, created, canonical)
	assert.Empty(t, f.rec.merged)
	assert.Len(t, f.rec.decisions, 1)
}

func TestResolve_Refusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, pending := f.pendingPersons(t)

	created := &models.Decision{EntityKind: models.EntityKindPerson, Outcome: models.OutcomeCreatedNew, EntityID: models.StrPtr("x")}
	require.NoError(t, f.l.Record(ctx, created))

	_, err := f.svc.Resolve(ctx, Request{DecisionID: pending.ID, Action: ActionReject, Operator: "kim"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  Request
		kind resolution.Kind
	}{
		{"already resolved", Request{DecisionID: pending.ID, Action: ActionAccept, Operator: "lee"}, resolution.KindConflict},
		{"not a review item", Request{DecisionID: created.ID, Action: ActionAccept, Operator: "lee"}, resolution.KindInvalidInput},
		{"unknown decision", Request{DecisionID: "missing", Action: ActionAccept, Operator: "lee"}, resolution.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Resolve(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, resolution.KindOf(err))
		})
	}
}

func TestResolve_ConcurrentOperatorsResolveOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, pending := f.pendingPersons(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := ActionAccept
			if i%2 == 1 {
				action = ActionReject
			}
			_, errs[i] = f.svc.Resolve(ctx, Request{DecisionID: pending.ID, Action: action, Operator: "op"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, resolution.IsKind(err, resolution.KindConflict))
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestResolve_CoordinateOnlyPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := &models.Place{NormalizedAddress: "9 oak st", AddressBacked: true}
	require.NoError(t, f.st.CreatePlace(ctx, target))
	pin := &models.Decision{EntityKind: models.EntityKindPlace, SourceSystem: "legacy-map", Outcome: models.OutcomeReviewPending, Stage: "pin"}
	require.NoError(t, f.l.Record(ctx, pin))

	_, err := f.svc.Resolve(ctx, Request{DecisionID: pin.ID, Action: ActionAccept, Operator: "kim"})
	assert.True(t, resolution.IsKind(err, resolution.KindInvalidInput))

	d, err := f.svc.Resolve(ctx, Request{DecisionID: pin.ID, Action: ActionAccept, Operator: "kim", TargetID: target.ID})
	require.NoError(t, err)
	assert.Equal(t, target.ID, models.Deref(d.EntityID))
	assert.Equal(t, []string{target.ID}, f.rec.invalidated)
	assert.Empty(t, f.rec.merged)
}

func TestResolve_PlaceMergeInvalidatesEstimates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, b := &models.Place{NormalizedAddress: "1 elm st"}, &models.Place{NormalizedAddress: "1 elm st unit 2"}
	require.NoError(t, f.st.CreatePlace(ctx, a))
	require.NoError(t, f.st.CreatePlace(ctx, b))
	pending := &models.Decision{EntityKind: models.EntityKindPlace, EntityID: models.StrPtr(b.ID), CandidateID: models.StrPtr(a.ID), Outcome: models.OutcomeReviewPending}
	require.NoError(t, f.l.Record(ctx, pending))

	_, err := f.svc.Resolve(ctx, Request{DecisionID: pending.ID, Action: ActionAccept, Operator: "kim"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, f.rec.invalidated)
}

func TestPending_FiltersByKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pendingPersons(t)
	require.NoError(t, f.l.Record(ctx, &models.Decision{EntityKind: models.EntityKindAnimal, EntityID: models.StrPtr("a"), Outcome: models.OutcomeReviewPending}))

	persons, err := f.svc.Pending(ctx, models.EntityKindPerson, 0, 0)
	require.NoError(t, err)
	assert.Len(t, persons, 1)

	all, err := f.svc.Pending(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
