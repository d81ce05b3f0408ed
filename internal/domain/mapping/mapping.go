// Package mapping defines the MappingSpec contract between the AI layer and
// the deterministic pipeline: the spec model with its structural validator,
// the closed transform function registry, and the non-PHI feedback built
// from validation reports for AI self-correction.
package mapping

import (
	"fmt"

	"github.com/ehr/migrate/internal/domain/canonical"
)

// ApprovalThreshold is the confidence below which a field mapping must be
// flagged for human approval.
const ApprovalThreshold = 0.8

// Spec is the contract describing how one vendor's source entities become
// canonical records. A spec is immutable once approved for a run;
// corrections produce a new spec with a higher revision.
type Spec struct {
	Version        int             `json:"version"`
	Revision       int             `json:"revision,omitempty"`
	SourceVendor   string          `json:"sourceVendor"`
	EntityMappings []EntityMapping `json:"entityMappings"`
}

// EntityMapping maps one source entity onto one canonical entity type.
// SourceIDField names the source field carrying the record's own identifier;
// when empty, "id" is assumed.
type EntityMapping struct {
	SourceEntity  string                       `json:"sourceEntity"`
	CanonicalType canonical.EntityType         `json:"canonicalType"`
	SourceIDField string                       `json:"sourceIdField,omitempty"`
	FieldMappings []FieldMapping               `json:"fieldMappings"`
	EnumMaps      map[string]map[string]string `json:"enumMaps,omitempty"`
}

// RecordIDField returns the source field holding the record identifier.
func (em EntityMapping) RecordIDField() string {
	if em.SourceIDField != "" {
		return em.SourceIDField
	}
	return "id"
}

// FieldMapping maps one source field onto one canonical target field,
// optionally through a single allowlisted transform.
type FieldMapping struct {
	SourceField      string            `json:"sourceField"`
	TargetField      string            `json:"targetField"`
	Transform        string            `json:"transform,omitempty"`
	TransformArgs    map[string]string `json:"transformArgs,omitempty"`
	Confidence       float64           `json:"confidence"`
	RequiresApproval bool              `json:"requiresApproval"`
}

// Problems runs the structural validation that gates every spec before any
// transform executes: known canonical types, allowlisted transforms,
// in-range confidences, and the confidence/approval coupling. The returned
// messages name fields and transforms, never values.
func (s Spec) Problems() []string {
	var problems []string

	if s.Version <= 0 {
		problems = append(problems, "spec version must be a positive integer")
	}
	if s.SourceVendor == "" {
		problems = append(problems, "sourceVendor is required")
	}
	if len(s.EntityMappings) == 0 {
		problems = append(problems, "spec has no entity mappings")
	}

	for _, em := range s.EntityMappings {
		if em.SourceEntity == "" {
			problems = append(problems, "entity mapping is missing sourceEntity")
		}
		if !canonical.ValidEntityTypes[em.CanonicalType] {
			problems = append(problems,
				fmt.Sprintf("entity %q maps to unknown canonical type %q", em.SourceEntity, em.CanonicalType))
			continue
		}
		for _, fm := range em.FieldMappings {
			prefix := fmt.Sprintf("%s.%s", em.SourceEntity, fm.SourceField)
			if fm.SourceField == "" {
				problems = append(problems,
					fmt.Sprintf("entity %q has a field mapping without sourceField", em.SourceEntity))
			}
			if fm.TargetField == "" {
				problems = append(problems, prefix+" has no targetField")
			} else if !canonical.IsTargetField(em.CanonicalType, fm.TargetField) {
				problems = append(problems,
					fmt.Sprintf("%s targets %q which is not a %s field", prefix, fm.TargetField, em.CanonicalType))
			}
			if fm.Transform != "" && !IsAllowedTransform(fm.Transform) {
				problems = append(problems,
					fmt.Sprintf("%s uses transform %q which is not allowed", prefix, fm.Transform))
			}
			if fm.Confidence < 0 || fm.Confidence > 1 {
				problems = append(problems,
					fmt.Sprintf("%s confidence %.2f is out of range [0,1]", prefix, fm.Confidence))
			}
			if fm.Confidence < ApprovalThreshold && !fm.RequiresApproval {
				problems = append(problems,
					fmt.Sprintf("%s has confidence %.2f below %.2f but requiresApproval is false",
						prefix, fm.Confidence, ApprovalThreshold))
			}
		}
	}

	return problems
}

// Valid reports whether the spec passes structural validation.
func (s Spec) Valid() bool {
	return len(s.Problems()) == 0
}

// NeedsApproval reports whether any field mapping is flagged for human
// review.
func (s Spec) NeedsApproval() bool {
	for _, em := range s.EntityMappings {
		for _, fm := range em.FieldMappings {
			if fm.RequiresApproval {
				return true
			}
		}
	}
	return false
}

// EntityFor returns the mapping for a source entity name, if present.
func (s Spec) EntityFor(sourceEntity string) (EntityMapping, bool) {
	for _, em := range s.EntityMappings {
		if em.SourceEntity == sourceEntity {
			return em, true
		}
	}
	return EntityMapping{}, false
}

// EnumMapFor returns the enum value map for a source field, or nil.
func (em EntityMapping) EnumMapFor(sourceField string) map[string]string {
	if em.EnumMaps == nil {
		return nil
	}
	return em.EnumMaps[sourceField]
}
