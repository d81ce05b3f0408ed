package canonical

import (
	"fmt"
	"regexp"
	"time"
)

// Validation error codes. Record-level codes form the closed V001-V011 set;
// ORPHANED_REFERENCE is the cross-record referential code.
const (
	CodeMissingFirstName   = "V001"
	CodeMissingLastName    = "V002"
	CodeInvalidEmail       = "V003"
	CodeInvalidDateOfBirth = "V004"
	CodeMissingPatientLink = "V005"
	CodeMissingProvider    = "V006"
	CodeMissingFileInfo    = "V007"
	CodeMissingTemplate    = "V008"
	CodeInvalidTotal       = "V009"
	CodeEmptyLineItems     = "V010"
	CodeMalformedRecord    = "V011"

	CodeOrphanedReference = "ORPHANED_REFERENCE"
)

// Severity levels. Errors are hard-stops that block promotion; warnings are
// advisory.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is a single validation finding. Messages carry field names and
// codes, never field values.
type Issue struct {
	Code           string     `json:"code"`
	Severity       string     `json:"severity"`
	EntityType     EntityType `json:"entityType"`
	Field          string     `json:"field,omitempty"`
	CanonicalID    string     `json:"canonicalId,omitempty"`
	SourceRecordID string     `json:"sourceRecordId,omitempty"`
	Message        string     `json:"message"`
}

// Result is the outcome of validating a single record.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Validate runs the per-entity rules for the record. Dispatch is a closed
// switch over the eight canonical entity types.
func Validate(rec Record) Result {
	if !ValidEntityTypes[rec.EntityType] || rec.Fields == nil {
		return Result{Errors: []Issue{issue(rec, CodeMalformedRecord, SeverityError, "",
			"record is not a recognized canonical entity")}}
	}

	var errs, warns []Issue
	switch rec.EntityType {
	case EntityPatient:
		errs, warns = validatePatient(rec)
	case EntityAppointment:
		errs, warns = validateAppointment(rec)
	case EntityChart:
		errs, warns = validateChart(rec)
	case EntityEncounter:
		errs, warns = validateEncounter(rec)
	case EntityConsent:
		errs, warns = validateConsent(rec)
	case EntityPhoto:
		errs, warns = validateFileEntity(rec)
	case EntityDocument:
		errs, warns = validateFileEntity(rec)
	case EntityInvoice:
		errs, warns = validateInvoice(rec)
	}

	return Result{Valid: len(errs) == 0, Errors: errs, Warnings: warns}
}

func validatePatient(rec Record) (errs, warns []Issue) {
	if rec.StringField("firstName") == "" {
		errs = append(errs, issue(rec, CodeMissingFirstName, SeverityError, "firstName",
			"patient firstName is required"))
	}
	if rec.StringField("lastName") == "" {
		errs = append(errs, issue(rec, CodeMissingLastName, SeverityError, "lastName",
			"patient lastName is required"))
	}
	if email := rec.StringField("email"); email != "" && !emailPattern.MatchString(email) {
		warns = append(warns, issue(rec, CodeInvalidEmail, SeverityWarning, "email",
			"patient email is not a valid address"))
	}
	if dob := rec.StringField("dateOfBirth"); dob != "" {
		if _, err := time.Parse("2006-01-02", dob); err != nil {
			warns = append(warns, issue(rec, CodeInvalidDateOfBirth, SeverityWarning, "dateOfBirth",
				"patient dateOfBirth is not ISO-8601 (YYYY-MM-DD)"))
		}
	}
	return errs, warns
}

func validateAppointment(rec Record) (errs, warns []Issue) {
	errs = appendPatientLinkError(rec, errs)
	if rec.StringField("providerName") == "" {
		errs = append(errs, issue(rec, CodeMissingProvider, SeverityError, "providerName",
			"appointment providerName is required"))
	}
	return errs, warns
}

func validateChart(rec Record) (errs, warns []Issue) {
	errs = appendPatientLinkError(rec, errs)
	if rec.StringField("templateName") == "" {
		errs = append(errs, issue(rec, CodeMissingTemplate, SeverityError, "templateName",
			"chart templateName is required"))
	}
	return errs, warns
}

func validateEncounter(rec Record) (errs, warns []Issue) {
	errs = appendPatientLinkError(rec, errs)
	return errs, warns
}

func validateConsent(rec Record) (errs, warns []Issue) {
	errs = appendPatientLinkError(rec, errs)
	return errs, warns
}

func validateFileEntity(rec Record) (errs, warns []Issue) {
	errs = appendPatientLinkError(rec, errs)
	if rec.StringField("fileName") == "" {
		errs = append(errs, issue(rec, CodeMissingFileInfo, SeverityError, "fileName",
			fmt.Sprintf("%s fileName is required", rec.EntityType)))
	}
	if rec.StringField("artifactKey") == "" {
		errs = append(errs, issue(rec, CodeMissingFileInfo, SeverityError, "artifactKey",
			fmt.Sprintf("%s artifactKey is required", rec.EntityType)))
	}
	return errs, warns
}

func validateInvoice(rec Record) (errs, warns []Issue) {
	total, ok := rec.NumberField("total")
	if !ok {
		errs = append(errs, issue(rec, CodeInvalidTotal, SeverityError, "total",
			"invoice total must be numeric"))
	} else if total < 0 {
		errs = append(errs, issue(rec, CodeInvalidTotal, SeverityError, "total",
			"invoice total must not be negative"))
	}
	if len(rec.ArrayField("lineItems")) == 0 {
		warns = append(warns, issue(rec, CodeEmptyLineItems, SeverityWarning, "lineItems",
			"invoice has no line items"))
	}
	return errs, warns
}

func appendPatientLinkError(rec Record, errs []Issue) []Issue {
	if rec.StringField("canonicalPatientId") == "" {
		errs = append(errs, issue(rec, CodeMissingPatientLink, SeverityError, "canonicalPatientId",
			fmt.Sprintf("%s requires a patient link", rec.EntityType)))
	}
	return errs
}

func issue(rec Record, code, severity, field, msg string) Issue {
	return Issue{
		Code:           code,
		Severity:       severity,
		EntityType:     rec.EntityType,
		Field:          field,
		CanonicalID:    rec.CanonicalID,
		SourceRecordID: rec.SourceRecordID,
		Message:        msg,
	}
}

// Report aggregates per-record validation results over a batch.
type Report struct {
	Passed          bool               `json:"passed"`
	TotalRecords    int                `json:"totalRecords"`
	ValidRecords    int                `json:"validRecords"`
	InvalidRecords  int                `json:"invalidRecords"`
	WarningCount    int                `json:"warningCount"`
	CountsByCode    map[string]int     `json:"countsByCode"`
	InvalidByEntity map[EntityType]int `json:"invalidByEntity"`
	Issues          []Issue            `json:"issues,omitempty"`
}

// ValidateBatch validates every record and aggregates the results. The
// referential pass is separate (CheckReferences) because it needs the full
// batch's ID universe.
func ValidateBatch(records []Record) Report {
	report := Report{
		CountsByCode:    make(map[string]int),
		InvalidByEntity: make(map[EntityType]int),
	}

	for _, rec := range records {
		report.TotalRecords++
		res := Validate(rec)
		if res.Valid {
			report.ValidRecords++
		} else {
			report.InvalidRecords++
			report.InvalidByEntity[rec.EntityType]++
		}
		for _, is := range res.Errors {
			report.CountsByCode[is.Code]++
			report.Issues = append(report.Issues, is)
		}
		for _, is := range res.Warnings {
			report.WarningCount++
			report.CountsByCode[is.Code]++
			report.Issues = append(report.Issues, is)
		}
	}

	report.Passed = report.InvalidRecords == 0
	return report
}

// MergeIssues folds referential issues into a batch report, recounting
// pass/fail state.
func (r *Report) MergeIssues(issues []Issue) {
	for _, is := range issues {
		r.CountsByCode[is.Code]++
		r.Issues = append(r.Issues, is)
		if is.Severity == SeverityError {
			r.Passed = false
		}
	}
}

// SamplingPacket is the non-PHI structural histogram over a batch: entity
// distribution and field presence counts. It never contains field values.
type SamplingPacket struct {
	RecordCount        int                       `json:"recordCount"`
	EntityDistribution map[string]int            `json:"entityDistribution"`
	FieldPresence      map[string]map[string]int `json:"fieldPresence"`
}

// BuildSamplingPacket computes the structural histogram for a batch.
func BuildSamplingPacket(records []Record) SamplingPacket {
	packet := SamplingPacket{
		EntityDistribution: make(map[string]int),
		FieldPresence:      make(map[string]map[string]int),
	}
	for _, rec := range records {
		packet.RecordCount++
		et := string(rec.EntityType)
		packet.EntityDistribution[et]++
		presence, ok := packet.FieldPresence[et]
		if !ok {
			presence = make(map[string]int)
			packet.FieldPresence[et] = presence
		}
		for name, v := range rec.Fields {
			if v == nil {
				continue
			}
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			presence[name]++
		}
	}
	return packet
}
