package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func newLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return New(logger, st), st
}

func createPersons(t *testing.T, st *memory.Store, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		p := &models.Person{}
		require.NoError(t, st.CreatePerson(context.Background(), p))
		ids[i] = p.ID
	}
	return ids
}

func TestCanonicalize(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	ids := createPersons(t, st, 3)

	got, err := l.Canonicalize(ctx, models.EntityKindPerson, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], got)

	_, err = l.Merge(ctx, models.EntityKindPerson, ids[0], ids[1])
	require.NoError(t, err)
	_, err = l.Merge(ctx, models.EntityKindPerson, ids[1], ids[2])
	require.NoError(t, err)

	got, err = l.Canonicalize(ctx, models.EntityKindPerson, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[2], got)

	chain, err := l.Chain(ctx, models.EntityKindPerson, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids, chain)

	_, err = l.Canonicalize(ctx, models.EntityKindPerson, "missing")
	assert.True(t, resolution.IsKind(err, resolution.KindNotFound))
}

func TestFamily(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	ids := createPersons(t, st, 4)

	_, err := l.Merge(ctx, models.EntityKindPerson, ids[0], ids[1])
	require.NoError(t, err)
	_, err = l.Merge(ctx, models.EntityKindPerson, ids[1], ids[2])
	require.NoError(t, err)

	family, err := l.Family(ctx, models.EntityKindPerson, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, family)

	alone, err := l.Family(ctx, models.EntityKindPerson, ids[3])
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3]}, alone)
}

func TestCanonicalize_CorruptChains(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("cycle", func(t *testing.T) {
		l, st := newLedger(t)
		// SetMergedInto refuses merged targets, so seed the loop directly
		a, b := "cycle-a", "cycle-b"
		require.NoError(t, st.CreatePerson(ctx, &models.Person{Entity: models.Entity{ID: a, MergedInto: &b, MergedAt: &now}}))
		require.NoError(t, st.CreatePerson(ctx, &models.Person{Entity: models.Entity{ID: b, MergedInto: &a, MergedAt: &now}}))

		_, err := l.Canonicalize(ctx, models.EntityKindPerson, a)
		assert.True(t, resolution.IsKind(err, resolution.KindCorruptChain))
	})

	t.Run("too long", func(t *testing.T) {
		l, st := newLedger(t)
		ids := createPersons(t, st, MaxChainHops+2)
		for i := 0; i < len(ids)-1; i++ {
			_, err := st.SetMergedInto(ctx, models.EntityKindPerson, ids[i], ids[i+1], now)
			require.NoError(t, err)
		}

		_, err := l.Canonicalize(ctx, models.EntityKindPerson, ids[0])
		assert.True(t, resolution.IsKind(err, resolution.KindCorruptChain))

		got, err := l.Canonicalize(ctx, models.EntityKindPerson, ids[1])
		require.NoError(t, err, "exactly MaxChainHops hops is allowed")
		assert.Equal(t, ids[len(ids)-1], got)
	})
}

func TestMerge_Refusals(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	ids := createPersons(t, st, 3)

	_, err := l.Merge(ctx, models.EntityKindPerson, ids[0], ids[0])
	assert.True(t, resolution.IsKind(err, resolution.KindInvalidInput))

	survivor, err := l.Merge(ctx, models.EntityKindPerson, ids[0], ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[1], survivor)

	_, err = l.Merge(ctx, models.EntityKindPerson, ids[1], ids[0])
	assert.True(t, resolution.IsKind(err, resolution.KindConflict), "reverse merge of an already merged pair")

	survivor, err = l.Merge(ctx, models.EntityKindPerson, ids[0], ids[2])
	require.NoError(t, err, "merging a merged id moves its survivor")
	assert.Equal(t, ids[2], survivor)

	into, err := st.GetMergedInto(ctx, models.EntityKindPerson, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[1], models.Deref(into), "historical pointers are not rewritten")
}

func TestMerge_ChainClosure(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t)
	ids := createPersons(t, st, 30)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		from := ids[rng.Intn(len(ids))]
		into := ids[rng.Intn(len(ids))]
		_, err := l.Merge(ctx, models.EntityKindPerson, from, into)
		if err != nil {
			kind := resolution.KindOf(err)
			assert.Contains(t, []resolution.Kind{resolution.KindInvalidInput, resolution.KindConflict}, kind)
		}
	}

	for _, id := range ids {
		chain, err := l.Chain(ctx, models.EntityKindPerson, id)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chain)-1, MaxChainHops)

		terminal, err := st.GetPerson(ctx, chain[len(chain)-1])
		require.NoError(t, err)
		assert.True(t, terminal.IsLive())
	}
}

func TestMerge_ConcurrentOppositeMerges(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		l, st := newLedger(t)
		ids := createPersons(t, st, 2)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i, pair := range [][2]string{{ids[0], ids[1]}, {ids[1], ids[0]}} {
			wg.Add(1)
			go func(i int, from, into string) {
				defer wg.Done()
				<-start
				_, errs[i] = l.Merge(ctx, models.EntityKindPerson, from, into)
			}(i, pair[0], pair[1])
		}
		close(start)
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, resolution.IsKind(err, resolution.KindConflict), "round %d: %v", round, err)
		}
		assert.Equal(t, 1, succeeded, "round %d", round)

		a, err := l.Canonicalize(ctx, models.EntityKindPerson, ids[0])
		require.NoError(t, err, "round %d", round)
		b, err := l.Canonicalize(ctx, models.EntityKindPerson, ids[1])
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, a, b)
	}
}

func TestRecordAndDecisions(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	d := &models.Decision{EntityKind: models.EntityKindPlace, Outcome: models.OutcomeReviewPending, Reason: "pin only"}
	require.NoError(t, l.Record(ctx, d))
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.CreatedAt.IsZero())

	res, err := l.Resolution(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, res)

	got, err := l.Decision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "pin only", got.Reason)

	_, err = l.Decision(ctx, "missing")
	assert.True(t, resolution.IsKind(err, resolution.KindNotFound))

	list, err := l.Decisions(ctx, models.DecisionFilter{EntityKind: models.EntityKindPlace})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
