// Package canonical defines the fixed canonical clinical model that every
// source vendor is migrated into: the eight entity types, their schema
// description, deterministic record identifiers, and the validators that
// gate promotion into the destination system.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SchemaVersion tags the canonical model. Single integer, no multi-version
// support.
const SchemaVersion = 1

// EntityType identifies one of the eight canonical entity variants.
type EntityType string

const (
	EntityPatient     EntityType = "patient"
	EntityAppointment EntityType = "appointment"
	EntityChart       EntityType = "chart"
	EntityEncounter   EntityType = "encounter"
	EntityConsent     EntityType = "consent"
	EntityPhoto       EntityType = "photo"
	EntityDocument    EntityType = "document"
	EntityInvoice     EntityType = "invoice"
)

// ValidEntityTypes is the closed set of canonical entity types.
var ValidEntityTypes = map[EntityType]bool{
	EntityPatient:     true,
	EntityAppointment: true,
	EntityChart:       true,
	EntityEncounter:   true,
	EntityConsent:     true,
	EntityPhoto:       true,
	EntityDocument:    true,
	EntityInvoice:     true,
}

// PromotionOrder lists entity types in dependency order: parents before the
// records that reference them.
var PromotionOrder = []EntityType{
	EntityPatient,
	EntityAppointment,
	EntityEncounter,
	EntityChart,
	EntityConsent,
	EntityPhoto,
	EntityDocument,
	EntityInvoice,
}

// ParseEntityType converts a string into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !ValidEntityTypes[et] {
		return "", fmt.Errorf("unknown canonical entity type: %s", s)
	}
	return et, nil
}

// Record is the canonical representation of one migrated source record.
// Fields holds the entity-specific canonical fields, including foreign keys
// to other canonical entities (canonicalPatientId, canonicalAppointmentId).
type Record struct {
	EntityType     EntityType     `json:"entityType"`
	CanonicalID    string         `json:"canonicalId"`
	SourceRecordID string         `json:"sourceRecordId"`
	Fields         map[string]any `json:"fields"`
}

// CanonicalID derives the stable identifier for a source record. The same
// (vendor, entityType, sourceRecordID) triple always yields the same ID, so
// repeated transforms are idempotent and foreign keys can be resolved
// without a database round-trip.
func CanonicalID(vendor string, entityType EntityType, sourceRecordID string) string {
	sum := sha256.Sum256([]byte(vendor + "\x1f" + string(entityType) + "\x1f" + sourceRecordID))
	return string(entityType) + "-" + hex.EncodeToString(sum[:])[:24]
}

// Checksum returns the content checksum of the record's canonical JSON.
// Field ordering is normalized so equal content yields equal checksums.
func (r Record) Checksum() string {
	var b strings.Builder
	b.WriteString(string(r.EntityType))
	b.WriteByte('\x1f')
	b.WriteString(r.CanonicalID)
	b.WriteByte('\x1f')
	b.WriteString(r.SourceRecordID)

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonicalValueString(r.Fields[k]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// StringField returns the named field as a trimmed string. Missing or
// non-string values yield "".
func (r Record) StringField(name string) string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// NumberField returns the named field as a float. The second result reports
// whether a numeric interpretation exists.
func (r Record) NumberField(name string) (float64, bool) {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ArrayField returns the named field as a slice, or nil when absent or not
// an array.
func (r Record) ArrayField(name string) []any {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	return arr
}
