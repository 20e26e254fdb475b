package database

import "github.com/google/uuid"

// UUIDs keeps the ids Postgres accepts as uuid input; any other id cannot match a row
func UUIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if uuid.Validate(id) == nil {
			out = append(out, id)
		}
	}
	return out
}
