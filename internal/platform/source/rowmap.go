package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/domain/mapping"
)

// entityPlan precomputes one entity mapping's lookup tables so the per-row
// path allocates nothing beyond the record itself. Both adapters funnel rows
// through here, which is what makes transform output identical regardless of
// the source kind.
type entityPlan struct {
	vendor     string
	em         mapping.EntityMapping
	idField    string
	relations  map[string]canonical.RelationshipDef
	fieldTypes map[string]string
	hashSecret []byte
}

func newEntityPlan(vendor string, em mapping.EntityMapping, hashSecret []byte) entityPlan {
	plan := entityPlan{
		vendor:     vendor,
		em:         em,
		idField:    em.RecordIDField(),
		relations:  map[string]canonical.RelationshipDef{},
		fieldTypes: map[string]string{},
		hashSecret: hashSecret,
	}
	for _, rel := range canonical.EntityRelationships(em.CanonicalType) {
		plan.relations[rel.Field] = rel
	}
	for _, def := range canonical.EntityFields(em.CanonicalType) {
		plan.fieldTypes[def.Name] = def.Type
	}
	return plan
}

// buildRecord converts one source row into a canonical record. A row with no
// identifier value takes the fallback ID, which callers derive from the row's
// stable position so repeat transforms stay idempotent.
func (p entityPlan) buildRecord(rowValues map[string]string, fallbackID string) (canonical.Record, error) {
	sourceRecordID := strings.TrimSpace(rowValues[p.idField])
	if sourceRecordID == "" {
		sourceRecordID = fallbackID
	}

	fields := make(map[string]any, len(p.em.FieldMappings))
	for _, fm := range p.em.FieldMappings {
		value, err := mapping.ApplyTransform(fm.Transform, rowValues[fm.SourceField], mapping.TransformContext{
			Args:       fm.TransformArgs,
			EnumMap:    p.em.EnumMaps[fm.SourceField],
			Row:        rowValues,
			HashSecret: p.hashSecret,
		})
		if err != nil {
			return canonical.Record{}, fmt.Errorf("%s.%s: %w", p.em.SourceEntity, fm.SourceField, err)
		}
		if value == "" {
			continue
		}
		if rel, ok := p.relations[fm.TargetField]; ok {
			fields[fm.TargetField] = canonical.CanonicalID(p.vendor, rel.TargetEntity, value)
			continue
		}
		fields[fm.TargetField] = coerceField(p.fieldTypes[fm.TargetField], value)
	}

	return canonical.Record{
		EntityType:     p.em.CanonicalType,
		CanonicalID:    canonical.CanonicalID(p.vendor, p.em.CanonicalType, sourceRecordID),
		SourceRecordID: sourceRecordID,
		Fields:         fields,
	}, nil
}

// coerceField converts a transformed string into the canonical field's
// declared type. Values that do not parse stay strings; the validators
// report them.
func coerceField(fieldType, value string) any {
	switch fieldType {
	case "number":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		return value
	case "array":
		var items []any
		if err := json.Unmarshal([]byte(value), &items); err == nil {
			return items
		}
		return value
	default:
		return value
	}
}
