package source

import (
	"fmt"
	"time"
)

// Profile summarizes one ingestion run's source data: entity shapes, counts,
// and per-field statistics. No field may carry a sampled literal value; the
// PHI boundary re-checks this before any AI call.
type Profile struct {
	SourceVendor string          `json:"sourceVendor"`
	GeneratedAt  time.Time       `json:"generatedAt"`
	Entities     []EntityProfile `json:"entities"`
}

// EntityProfile describes one source entity (a file, sheet, or query root).
type EntityProfile struct {
	EntityType  string         `json:"entityType"`
	RecordCount int            `json:"recordCount"`
	Fields      []FieldProfile `json:"fields"`
}

// FieldProfile carries a field's name, inferred type, PHI flag, and a
// statistical-only distribution summary such as "120/123 non-null, 45 unique".
type FieldProfile struct {
	Name             string `json:"name"`
	InferredType     string `json:"inferredType"`
	PHI              bool   `json:"phi"`
	Distribution     string `json:"distribution"`
	RelationshipHint string `json:"relationshipHint,omitempty"`
}

// FormatDistribution renders the one summary shape profiles are allowed to
// carry. The PHI boundary validates against exactly this shape.
func FormatDistribution(nonNull, total, unique int) string {
	return fmt.Sprintf("%d/%d non-null, %d unique", nonNull, total, unique)
}

// Entity returns the profile for a source entity name, if present.
func (p Profile) Entity(name string) (EntityProfile, bool) {
	for _, e := range p.Entities {
		if e.EntityType == name {
			return e, true
		}
	}
	return EntityProfile{}, false
}

// FieldNames returns the entity's field names in profile order.
func (e EntityProfile) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// RecordCount returns the total record count across entities.
func (p Profile) RecordCount() int {
	total := 0
	for _, e := range p.Entities {
		total += e.RecordCount
	}
	return total
}
