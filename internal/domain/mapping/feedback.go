package mapping

import (
	"sort"

	"github.com/ehr/migrate/internal/domain/canonical"
)

// Feedback is the validation summary sent to the AI layer for spec
// correction. It carries error codes, field names, and counts. It never
// carries record identifiers or field values.
type Feedback struct {
	SourceVendor       string         `json:"sourceVendor"`
	SpecRevision       int            `json:"specRevision"`
	ValidRecords       int            `json:"validRecords"`
	InvalidRecords     int            `json:"invalidRecords"`
	WarningCount       int            `json:"warningCount"`
	CountsByCode       map[string]int `json:"countsByCode"`
	EntityDistribution map[string]int `json:"entityDistribution"`
	ErrorDetails       []ErrorDetail  `json:"errorDetails"`
	SpecProblems       []string       `json:"specProblems,omitempty"`
}

// ErrorDetail aggregates one (code, entity, field) validation finding.
type ErrorDetail struct {
	Code       string `json:"code"`
	EntityType string `json:"entityType"`
	Field      string `json:"field,omitempty"`
	Severity   string `json:"severity"`
	Count      int    `json:"count"`
}

// BuildMappingFeedback reduces a validation report and sampling packet into
// the non-PHI correction payload. Issues are grouped by (code, entity,
// field) and ordered deterministically, highest count first.
func BuildMappingFeedback(spec Spec, report canonical.Report, packet canonical.SamplingPacket) Feedback {
	fb := Feedback{
		SourceVendor:       spec.SourceVendor,
		SpecRevision:       spec.Revision,
		ValidRecords:       report.ValidRecords,
		InvalidRecords:     report.InvalidRecords,
		WarningCount:       report.WarningCount,
		CountsByCode:       make(map[string]int, len(report.CountsByCode)),
		EntityDistribution: make(map[string]int, len(packet.EntityDistribution)),
	}
	for code, n := range report.CountsByCode {
		fb.CountsByCode[code] = n
	}
	for et, n := range packet.EntityDistribution {
		fb.EntityDistribution[et] = n
	}

	type groupKey struct {
		code, entity, field, severity string
	}
	groups := make(map[groupKey]int)
	for _, is := range report.Issues {
		key := groupKey{is.Code, string(is.EntityType), is.Field, is.Severity}
		groups[key]++
	}

	fb.ErrorDetails = make([]ErrorDetail, 0, len(groups))
	for key, n := range groups {
		fb.ErrorDetails = append(fb.ErrorDetails, ErrorDetail{
			Code:       key.code,
			EntityType: key.entity,
			Field:      key.field,
			Severity:   key.severity,
			Count:      n,
		})
	}
	sort.Slice(fb.ErrorDetails, func(i, j int) bool {
		a, b := fb.ErrorDetails[i], fb.ErrorDetails[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.Field < b.Field
	})

	return fb
}
