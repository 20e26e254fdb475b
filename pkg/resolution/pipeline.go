// Package resolution holds the candidate -> score -> decision pipeline shared by
// the person, place and animal resolvers. Entity specifics live in the Stage
// functions and Policy values each resolver supplies.
package resolution

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Signal names one kind of evidence contributing to a match score
type Signal string

const (
	SignalEmail       Signal = "email"
	SignalPhone       Signal = "phone"
	SignalName        Signal = "name"
	SignalAddress     Signal = "address"
	SignalChip        Signal = "chip"
	SignalPlace       Signal = "place"
	SignalTime        Signal = "time"
	SignalCoordinates Signal = "coordinates"
)

// Evidence holds the per-signal scores behind a match
type Evidence map[Signal]float64

// Corroborated reports whether any signal other than name similarity supports the match.
// Names alone never justify an automatic merge.
func (e Evidence) Corroborated() bool {
	for signal, score := range e {
		if signal != SignalName && score > 0 {
			return true
		}
	}
	return false
}

// Fields converts the evidence to a loggable map
func (e Evidence) Fields() map[string]float64 {
	out := make(map[string]float64, len(e))
	for k, v := range e {
		out[string(k)] = v
	}
	return out
}

// Match is a scored comparison between an input and one candidate
type Match struct {
	Score    float64
	Evidence Evidence
	Reason   string
}

// Policy maps a score onto an outcome for one stage
type Policy struct {
	// AutoMatch is the minimum score that resolves onto the candidate
	AutoMatch float64
	// Review is the minimum score that is flagged for an operator
	Review float64
	// Below is the outcome for scores under Review; empty falls through to the next stage
	Below models.DecisionOutcome
	// AllowAutoMatch disables automatic merges entirely when false
	AllowAutoMatch bool
}

// Decide returns the outcome for m. A score above AutoMatch that the policy may not
// act on (auto-match disabled, or evidence is name-only) is downgraded to review.
func (p Policy) Decide(m Match) models.DecisionOutcome {
	switch {
	case m.Score >= p.AutoMatch && p.AllowAutoMatch && m.Evidence.Corroborated():
		return models.OutcomeAutoMatch
	case m.Score >= p.AutoMatch:
		return models.OutcomeReviewPending
	case m.Score >= p.Review:
		return models.OutcomeReviewPending
	default:
		return p.Below
	}
}

// Validate checks the thresholds are ordered
func (p Policy) Validate() error {
	if p.Review > p.AutoMatch {
		return NewErrorf(KindInvalidInput, "review threshold %.2f exceeds auto-match threshold %.2f", p.Review, p.AutoMatch)
	}
	if p.AutoMatch <= 0 || p.AutoMatch > 1 {
		return NewErrorf(KindInvalidInput, "auto-match threshold %.2f must be in (0,1]", p.AutoMatch)
	}
	return nil
}

// Stage is one candidate generation + scoring step of a pipeline
type Stage[In any, C any] struct {
	Name       string
	Candidates func(ctx context.Context, in In) ([]C, error)
	Score      func(in In, candidate C) Match
	Policy     Policy
}

// Verdict is the pipeline result
type Verdict[C any] struct {
	Stage     string
	Candidate C
	Match     Match
	Outcome   models.DecisionOutcome
	// Considered counts the candidates scored across all evaluated stages
	Considered int
}

// Decided reports whether any stage produced an outcome
func (v Verdict[C]) Decided() bool {
	return v.Outcome != ""
}

// Run evaluates stages in order. The first stage whose best candidate maps to an
// outcome wins; stages without candidates, or whose best candidate falls below a
// fall-through policy, pass to the next stage.
func Run[In any, C any](ctx context.Context, in In, stages ...Stage[In, C]) (Verdict[C], error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Run")
	defer span.End()

	var verdict Verdict[C]
	for _, stage := range stages {
		candidates, err := stage.Candidates(ctx, in)
		if err != nil {
			return verdict, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		if len(candidates) == 0 {
			continue
		}

		bestIdx := -1
		var best Match
		for i, c := range candidates {
			m := stage.Score(in, c)
			verdict.Considered++
			if bestIdx < 0 || m.Score > best.Score {
				bestIdx, best = i, m
			}
		}

		outcome := stage.Policy.Decide(best)
		if outcome == "" {
			continue
		}

		verdict.Stage = stage.Name
		verdict.Candidate = candidates[bestIdx]
		verdict.Match = best
		verdict.Outcome = outcome
		return verdict, nil
	}

	return verdict, nil
}

// Result is what a resolver hands back to the ingestion caller
type Result struct {
	EntityKind  models.EntityKind      `json:"entity_kind"`
	EntityID    string                 `json:"entity_id,omitempty"`
	Outcome     models.DecisionOutcome `json:"outcome"`
	DecisionID  string                 `json:"decision_id"`
	CandidateID string                 `json:"candidate_id,omitempty"`
	PlaceID     string                 `json:"place_id,omitempty"`
	Score       float64                `json:"score"`
	Stage       string                 `json:"stage,omitempty"`
	Reason      string                 `json:"reason"`
}

// Resolved reports whether the result names a canonical entity
func (r *Result) Resolved() bool {
	return r != nil && r.EntityID != ""
}
