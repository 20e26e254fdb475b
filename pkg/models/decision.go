package models

import "time"

// DecisionOutcome is the result recorded for one resolution
type DecisionOutcome string

const (
	OutcomeAutoMatch       DecisionOutcome = "auto_match"       // resolved onto an existing entity
	OutcomeCreatedNew      DecisionOutcome = "created_new"      // no candidate cleared the bar
	OutcomeReviewPending   DecisionOutcome = "review_pending"   // ambiguous, waiting for an operator
	OutcomeHouseholdMember DecisionOutcome = "household_member" // shares an identifier with a distinct person
	OutcomeRejected        DecisionOutcome = "rejected"         // no usable identifier
	OutcomeDuplicate       DecisionOutcome = "duplicate"        // same source record seen before

	OutcomeOperatorMerged       DecisionOutcome = "operator_merged"
	OutcomeOperatorKeptSeparate DecisionOutcome = "operator_kept_separate"
)

// IsOperator reports whether the outcome resolves a pending review item
func (o DecisionOutcome) IsOperator() bool {
	return o == OutcomeOperatorMerged || o == OutcomeOperatorKeptSeparate
}

// Decision is an immutable audit row for one resolution outcome
type Decision struct {
	ID                 string          `json:"id" db:"id"`
	EntityKind         EntityKind      `json:"entity_kind" db:"entity_kind"`
	SourceSystem       string          `json:"source_system" db:"source_system"`
	SourceRecordID     string          `json:"source_record_id" db:"source_record_id"`
	EntityID           *string         `json:"entity_id,omitempty" db:"entity_id"`
	CandidateID        *string         `json:"candidate_id,omitempty" db:"candidate_id"`
	Score              float64         `json:"score" db:"score"`
	Outcome            DecisionOutcome `json:"outcome" db:"outcome"`
	Reason             string          `json:"reason" db:"reason"`
	Stage              string          `json:"stage,omitempty" db:"stage"`
	Operator           *string         `json:"operator,omitempty" db:"operator"`
	ResolvesDecisionID *string         `json:"resolves_decision_id,omitempty" db:"resolves_decision_id"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// DecisionFilter narrows a decision listing
type DecisionFilter struct {
	EntityKind  EntityKind
	EntityID    string
	Outcome     DecisionOutcome
	PendingOnly bool
	Limit       int
	Offset      int
}

// IntakeRecord maps a source record to the entity it resolved to
type IntakeRecord struct {
	EntityKind     EntityKind `json:"entity_kind" db:"entity_kind"`
	SourceSystem   string     `json:"source_system" db:"source_system"`
	SourceRecordID string     `json:"source_record_id" db:"source_record_id"`
	EntityID       string     `json:"entity_id" db:"entity_id"`
	Fingerprint    string     `json:"fingerprint" db:"fingerprint"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// StrPtr returns a pointer to s, or nil for an empty string
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
