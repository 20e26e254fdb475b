package models

import "time"

// SourceType tags the kind of report an observation came from
type SourceType string

const (
	SourceTrapperCount    SourceType = "trapper_count"
	SourceClinicCount     SourceType = "clinic_count"
	SourceSurvey          SourceType = "survey"
	SourceStaffEstimate   SourceType = "staff_estimate"
	SourceIntakeForm      SourceType = "intake_form"
	SourceRequestEstimate SourceType = "request_estimate"
	SourceFreeText        SourceType = "free_text"
	SourceUnknown         SourceType = "unknown"
)

// Observation is one independently sourced colony size report for a place.
// Rows are inserted once per (SourceSystem, SourceRecordID) and never mutated.
type Observation struct {
	ID             string     `json:"id" db:"id"`
	PlaceID        string     `json:"place_id" db:"place_id"`
	SourceSystem   string     `json:"source_system" db:"source_system"`
	SourceRecordID string     `json:"source_record_id" db:"source_record_id"`
	SourceType     SourceType `json:"source_type" db:"source_type"`
	Total          *int       `json:"total,omitempty" db:"total"`
	Adults         *int       `json:"adults,omitempty" db:"adults"`
	Kittens        *int       `json:"kittens,omitempty" db:"kittens"`
	Altered        *int       `json:"altered,omitempty" db:"altered"`
	Firsthand      bool       `json:"firsthand" db:"firsthand"`
	ObservedAt     time.Time  `json:"observed_at" db:"observed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// IntPtr returns a pointer to n
func IntPtr(n int) *int {
	return &n
}
