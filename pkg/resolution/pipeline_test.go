package resolution

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestPolicy_Decide(t *testing.T) {
	identifier := Policy{AutoMatch: 0.6, Review: 0.5, Below: models.OutcomeHouseholdMember, AllowAutoMatch: true}
	withEmail := Evidence{SignalEmail: 1}

	tests := []struct {
		name     string
		policy   Policy
		match    Match
		expected models.DecisionOutcome
	}{
		{"auto match", identifier, Match{Score: 0.65, Evidence: withEmail}, models.OutcomeAutoMatch},
		{"at auto threshold", identifier, Match{Score: 0.6, Evidence: withEmail}, models.OutcomeAutoMatch},
		{"review band", identifier, Match{Score: 0.55, Evidence: withEmail}, models.OutcomeReviewPending},
		{"below review", identifier, Match{Score: 0.45, Evidence: withEmail}, models.OutcomeHouseholdMember},
		{"name only downgraded", identifier, Match{Score: 0.99, Evidence: Evidence{SignalName: 0.99}}, models.OutcomeReviewPending},
		{"zero valued corroboration downgraded", identifier, Match{Score: 0.9, Evidence: Evidence{SignalName: 1, SignalPhone: 0}}, models.OutcomeReviewPending},
		{"auto match disabled", Policy{AutoMatch: 0.8, Review: 0.5}, Match{Score: 0.95, Evidence: Evidence{SignalPlace: 1}}, models.OutcomeReviewPending},
		{"fall through", Policy{AutoMatch: 0.8, Review: 0.8, AllowAutoMatch: true}, Match{Score: 0.5, Evidence: withEmail}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.policy.Decide(tt.match))
		})
	}
}

func TestPolicy_MonotoneInScore(t *testing.T) {
	policy := Policy{AutoMatch: 0.6, Review: 0.5, Below: models.OutcomeHouseholdMember, AllowAutoMatch: true}
	rank := map[models.DecisionOutcome]int{
		models.OutcomeHouseholdMember: 0,
		models.OutcomeReviewPending:   1,
		models.OutcomeAutoMatch:       2,
	}

	prev := -1
	for score := 0.0; score <= 1.0; score += 0.01 {
		r := rank[policy.Decide(Match{Score: score, Evidence: Evidence{SignalEmail: 1}})]
		assert.GreaterOrEqual(t, r, prev, "score %.2f", score)
		prev = r
	}
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, Policy{AutoMatch: 0.6, Review: 0.5}.Validate())
	assert.Error(t, Policy{AutoMatch: 0.5, Review: 0.6}.Validate())
	assert.Error(t, Policy{AutoMatch: 0, Review: 0}.Validate())
}

type candidate struct {
	id    string
	score float64
}

func stage(name string, policy Policy, candidates ...candidate) Stage[string, candidate] {
	return Stage[string, candidate]{
		Name: name,
		Candidates: func(_ context.Context, _ string) ([]candidate, error) {
			return candidates, nil
		},
		Score: func(_ string, c candidate) Match {
			return Match{Score: c.score, Evidence: Evidence{SignalAddress: c.score}, Reason: c.id}
		},
		Policy: policy,
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	strict := Policy{AutoMatch: 0.9, Review: 0.9, AllowAutoMatch: true}

	t.Run("first deciding stage wins", func(t *testing.T) {
		verdict, err := Run(ctx, "in",
			stage("exact", strict),
			stage("fuzzy", strict, candidate{"a", 0.5}, candidate{"b", 0.95}),
			stage("never", strict, candidate{"c", 1.0}),
		)
		require.NoError(t, err)
		assert.True(t, verdict.Decided())
		assert.Equal(t, "fuzzy", verdict.Stage)
		assert.Equal(t, "b", verdict.Candidate.id)
		assert.Equal(t, models.OutcomeAutoMatch, verdict.Outcome)
		assert.Equal(t, 2, verdict.Considered)
	})

	t.Run("stage below threshold falls through", func(t *testing.T) {
		verdict, err := Run(ctx, "in",
			stage("near", strict, candidate{"a", 0.4}),
			stage("text", strict, candidate{"b", 0.92}),
		)
		require.NoError(t, err)
		assert.Equal(t, "text", verdict.Stage)
		assert.Equal(t, 2, verdict.Considered)
	})

	t.Run("below outcome stops the cascade", func(t *testing.T) {
		household := Policy{AutoMatch: 0.6, Review: 0.5, Below: models.OutcomeHouseholdMember, AllowAutoMatch: true}
		verdict, err := Run(ctx, "in",
			stage("email", household, candidate{"a", 0.1}),
			stage("phone", household, candidate{"b", 0.99}),
		)
		require.NoError(t, err)
		assert.Equal(t, "email", verdict.Stage)
		assert.Equal(t, models.OutcomeHouseholdMember, verdict.Outcome)
	})

	t.Run("no candidates", func(t *testing.T) {
		verdict, err := Run(ctx, "in", stage("exact", strict))
		require.NoError(t, err)
		assert.False(t, verdict.Decided())
	})

	t.Run("candidate errors abort", func(t *testing.T) {
		failing := Stage[string, candidate]{
			Name: "broken",
			Candidates: func(context.Context, string) ([]candidate, error) {
				return nil, errors.New("boom")
			},
		}
		_, err := Run(ctx, "in", failing)
		assert.ErrorContains(t, err, "stage broken")
	})
}

func TestErrors(t *testing.T) {
	base := errors.New("duplicate key")
	err := WrapError(KindConstraintRace, base, "claim lost")

	assert.True(t, IsKind(err, KindConstraintRace))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindConstraintRace, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(base))

	wrapped := errors.Join(errors.New("context"), NewError(KindUnidentifiable, "no identifier"))
	assert.Equal(t, KindUnidentifiable, KindOf(wrapped))

	httpErr := NewError(KindNotFound, "person missing").AddMeta("id", "p1").ToHTTPError()
	assert.Equal(t, http.StatusNotFound, NewError(KindNotFound, "").StatusCode())
	assert.Equal(t, "p1", httpErr.Meta["id"])
	assert.Equal(t, "not_found", httpErr.Meta["kind"])

	passthrough := errors.New("plain")
	assert.Equal(t, passthrough, ToHTTPError(passthrough))
}

func TestLocalLocker_Serializes(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLocks(ctx, locker, []string{"email:j@x.com", "phone:7075550142"}, time.Second, func(context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Empty(t, locker.locks)
}

func TestWithLocks_NilLocker(t *testing.T) {
	called := false
	err := WithLocks(context.Background(), nil, []string{"k"}, time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWithLocks_Reentrant(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- WithLocks(ctx, locker, []string{"person:email:j@x.com", "place:addr:12 elm st"}, time.Second, func(ctx context.Context) error {
			return WithLocks(ctx, locker, []string{"place:addr:12 elm st"}, time.Second, func(context.Context) error {
				return nil
			})
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested WithLocks on a held key deadlocked")
	}
}

func TestRetryRaces(t *testing.T) {
	ctx := context.Background()

	t.Run("retries with owner then succeeds", func(t *testing.T) {
		calls := 0
		var owners []string
		err := RetryRaces(ctx, 3, func(context.Context) error {
			calls++
			if calls == 1 {
				return ClaimLost("email:j@x.com", "p-1")
			}
			return nil
		}, func(owner string) { owners = append(owners, owner) })
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, []string{"p-1"}, owners)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := RetryRaces(ctx, 2, func(context.Context) error {
			calls++
			return NewError(KindConstraintRace, "lost")
		}, nil)
		assert.True(t, IsKind(err, KindConstraintRace))
		assert.Equal(t, 3, calls)
	})

	t.Run("other errors return immediately", func(t *testing.T) {
		calls := 0
		err := RetryRaces(ctx, 5, func(context.Context) error {
			calls++
			return NewError(KindInvalidInput, "bad")
		}, nil)
		assert.True(t, IsKind(err, KindInvalidInput))
		assert.Equal(t, 1, calls)
	})
}
