package phi

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/platform/source"
)

// RedactedPlaceholder replaces any profile string that fails re-validation.
const RedactedPlaceholder = "[redacted]"

// distributionPattern is the one shape a field distribution summary may
// take: "N/M non-null" with an optional ", U unique" tail. Anything else is
// treated as a possible literal leak and replaced.
var distributionPattern = regexp.MustCompile(`^\d+/\d+ non-null(?:, \d+ unique)?$`)

// inferredTypes is the closed set of type names a profile may report.
var inferredTypes = map[string]bool{
	"string":    true,
	"int":       true,
	"float":     true,
	"bool":      true,
	"timestamp": true,
	"object":    true,
	"array":     true,
	"unknown":   true,
}

// SafeContext is the PHI-free payload sent to the AI layer: the sanitized
// source profile plus the canonical schema description. Nothing else about
// the source data ever crosses this boundary.
type SafeContext struct {
	SourceProfile    source.Profile  `json:"sourceProfile"`
	TargetSchema     json.RawMessage `json:"targetSchemaDescription"`
	ExistingServices []string        `json:"existingServices,omitempty"`
}

// JSON renders the context for prompt embedding.
func (c SafeContext) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// SafeContextBuilder performs the second sanitation pass over profile data
// already believed PHI-free. Profiles are produced by code that should never
// emit literals; this builder assumes it might have anyway.
type SafeContextBuilder struct {
	schema json.RawMessage
}

// NewSafeContextBuilder captures the canonical schema description once.
func NewSafeContextBuilder() (*SafeContextBuilder, error) {
	schema, err := canonical.SchemaJSON()
	if err != nil {
		return nil, fmt.Errorf("rendering canonical schema: %w", err)
	}
	return &SafeContextBuilder{schema: schema}, nil
}

// BuildFromProfile deep-copies the profile, re-validates every string it
// carries, and pairs it with the canonical schema description.
func (b *SafeContextBuilder) BuildFromProfile(profile source.Profile, existingServices []string) SafeContext {
	clean := source.Profile{
		SourceVendor: profile.SourceVendor,
		GeneratedAt:  profile.GeneratedAt,
		Entities:     make([]source.EntityProfile, 0, len(profile.Entities)),
	}
	for _, entity := range profile.Entities {
		ce := source.EntityProfile{
			EntityType:  entity.EntityType,
			RecordCount: entity.RecordCount,
			Fields:      make([]source.FieldProfile, 0, len(entity.Fields)),
		}
		for _, field := range entity.Fields {
			ce.Fields = append(ce.Fields, sanitizeField(field))
		}
		clean.Entities = append(clean.Entities, ce)
	}

	return SafeContext{
		SourceProfile:    clean,
		TargetSchema:     b.schema,
		ExistingServices: existingServices,
	}
}

func sanitizeField(field source.FieldProfile) source.FieldProfile {
	cf := field
	if !distributionPattern.MatchString(cf.Distribution) {
		cf.Distribution = RedactedPlaceholder
	}
	if !inferredTypes[cf.InferredType] {
		cf.InferredType = "unknown"
	}
	if cf.RelationshipHint != "" && !canonical.ValidEntityTypes[canonical.EntityType(cf.RelationshipHint)] {
		cf.RelationshipHint = ""
	}
	return cf
}
