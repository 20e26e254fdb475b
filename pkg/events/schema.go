package events

// EventType defines the type of event
type EventType string

const (
	// EventTypeDecisionRecorded is published for every decision row, operator rows included
	EventTypeDecisionRecorded EventType = "decision.recorded"
	// EventTypeEntityMerged is published when one entity's merged_into is set
	EventTypeEntityMerged EventType = "entity.merged"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"
