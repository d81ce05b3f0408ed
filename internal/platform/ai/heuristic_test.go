package ai

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/phi"
	"github.com/ehr/migrate/internal/platform/source"
)

func seedSafeContext(t *testing.T) phi.SafeContext {
	t.Helper()
	profile := source.Profile{
		SourceVendor: "dentrix",
		GeneratedAt:  time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		Entities: []source.EntityProfile{
			{
				EntityType:  "patients",
				RecordCount: 120,
				Fields: []source.FieldProfile{
					{Name: "PatientID", InferredType: "string", Distribution: source.FormatDistribution(120, 120, 120)},
					{Name: "FirstName", InferredType: "string", PHI: true, Distribution: source.FormatDistribution(120, 120, 98)},
					{Name: "LastName", InferredType: "string", PHI: true, Distribution: source.FormatDistribution(120, 120, 101)},
					{Name: "EmailAddress", InferredType: "string", PHI: true, Distribution: source.FormatDistribution(90, 120, 90)},
					{Name: "DOB", InferredType: "timestamp", PHI: true, Distribution: source.FormatDistribution(118, 120, 110)},
					{Name: "HomePhone", InferredType: "string", PHI: true, Distribution: source.FormatDistribution(75, 120, 74)},
				},
			},
			{
				EntityType:  "appointments",
				RecordCount: 340,
				Fields: []source.FieldProfile{
					{Name: "ApptID", InferredType: "string", Distribution: source.FormatDistribution(340, 340, 340)},
					{Name: "PatientID", InferredType: "string", Distribution: source.FormatDistribution(340, 340, 115), RelationshipHint: "patient"},
					{Name: "ApptDate", InferredType: "timestamp", Distribution: source.FormatDistribution(340, 340, 200)},
					{Name: "Provider", InferredType: "string", Distribution: source.FormatDistribution(340, 340, 8)},
					{Name: "Status", InferredType: "string", Distribution: source.FormatDistribution(340, 340, 4)},
				},
			},
			{
				EntityType:  "audit_log",
				RecordCount: 9000,
				Fields: []source.FieldProfile{
					{Name: "Timestamp", InferredType: "timestamp", Distribution: source.FormatDistribution(9000, 9000, 8800)},
				},
			},
		},
	}

	builder, err := phi.NewSafeContextBuilder()
	if err != nil {
		t.Fatalf("NewSafeContextBuilder: %v", err)
	}
	safeCtx := builder.BuildFromProfile(profile, nil)
	return safeCtx
}

func findEntityMapping(t *testing.T, spec mapping.Spec, sourceEntity string) mapping.EntityMapping {
	t.Helper()
	for _, em := range spec.EntityMappings {
		if em.SourceEntity == sourceEntity {
			return em
		}
	}
	t.Fatalf("no mapping for source entity %q in %+v", sourceEntity, spec.EntityMappings)
	return mapping.EntityMapping{}
}

func findFieldMapping(em mapping.EntityMapping, target string) (mapping.FieldMapping, bool) {
	for _, fm := range em.FieldMappings {
		if fm.TargetField == target {
			return fm, true
		}
	}
	return mapping.FieldMapping{}, false
}

func TestHeuristicProposer_DraftsValidSpec(t *testing.T) {
	safeCtx := seedSafeContext(t)
	proposer := NewHeuristicProposer()

	spec, err := proposer.ProposeMappingSpec(context.Background(), safeCtx)
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}
	if problems := spec.Problems(); len(problems) > 0 {
		t.Fatalf("heuristic spec has problems: %v", problems)
	}
	if spec.SourceVendor != "dentrix" {
		t.Errorf("SourceVendor = %q", spec.SourceVendor)
	}

	patients := findEntityMapping(t, spec, "patients")
	if patients.CanonicalType != canonical.EntityPatient {
		t.Errorf("patients mapped to %q", patients.CanonicalType)
	}
	if patients.SourceIDField != "PatientID" {
		t.Errorf("patients SourceIDField = %q", patients.SourceIDField)
	}

	first, ok := findFieldMapping(patients, "firstName")
	if !ok {
		t.Fatal("firstName not mapped")
	}
	if first.SourceField != "FirstName" || first.Confidence != confExactName {
		t.Errorf("firstName mapping = %+v", first)
	}
	if first.RequiresApproval {
		t.Error("exact-name match should not require approval")
	}

	email, ok := findFieldMapping(patients, "email")
	if !ok {
		t.Fatal("email not mapped")
	}
	if email.SourceField != "EmailAddress" || email.Confidence != confAlias {
		t.Errorf("email mapping = %+v", email)
	}
	if email.Transform != mapping.TransformNormalizeEmail {
		t.Errorf("email transform = %q", email.Transform)
	}

	dob, ok := findFieldMapping(patients, "dateOfBirth")
	if !ok {
		t.Fatal("dateOfBirth not mapped")
	}
	if dob.Transform != mapping.TransformNormalizeDate {
		t.Errorf("dateOfBirth transform = %q", dob.Transform)
	}
}

func TestHeuristicProposer_MapsRelationshipFields(t *testing.T) {
	safeCtx := seedSafeContext(t)
	spec, err := NewHeuristicProposer().ProposeMappingSpec(context.Background(), safeCtx)
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}

	appts := findEntityMapping(t, spec, "appointments")
	if appts.CanonicalType != canonical.EntityAppointment {
		t.Errorf("appointments mapped to %q", appts.CanonicalType)
	}

	link, ok := findFieldMapping(appts, "canonicalPatientId")
	if !ok {
		t.Fatal("canonicalPatientId not mapped")
	}
	if link.SourceField != "PatientID" {
		t.Errorf("canonicalPatientId source = %q", link.SourceField)
	}
	if link.Transform != "" {
		t.Errorf("relationship field should carry no transform, got %q", link.Transform)
	}

	provider, ok := findFieldMapping(appts, "providerName")
	if !ok {
		t.Fatal("providerName not mapped")
	}
	if provider.SourceField != "Provider" {
		t.Errorf("providerName source = %q", provider.SourceField)
	}
}

func TestHeuristicProposer_SkipsUnmatchedEntities(t *testing.T) {
	safeCtx := seedSafeContext(t)
	spec, err := NewHeuristicProposer().ProposeMappingSpec(context.Background(), safeCtx)
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}
	for _, em := range spec.EntityMappings {
		if em.SourceEntity == "audit_log" {
			t.Errorf("audit_log should not map to any canonical type, got %q", em.CanonicalType)
		}
	}
}

func TestHeuristicProposer_Deterministic(t *testing.T) {
	safeCtx := seedSafeContext(t)
	proposer := NewHeuristicProposer()

	a, err := proposer.ProposeMappingSpec(context.Background(), safeCtx)
	if err != nil {
		t.Fatalf("first propose: %v", err)
	}
	b, err := proposer.ProposeMappingSpec(context.Background(), safeCtx)
	if err != nil {
		t.Fatalf("second propose: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("heuristic output is not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestHeuristicProposer_FuzzyMatchesRequireApproval(t *testing.T) {
	profile := source.Profile{
		SourceVendor: "opendental",
		GeneratedAt:  time.Now().UTC(),
		Entities: []source.EntityProfile{
			{
				EntityType:  "patients",
				RecordCount: 10,
				Fields: []source.FieldProfile{
					{Name: "patient_firstname_legal", InferredType: "string", PHI: true, Distribution: source.FormatDistribution(10, 10, 10)},
					{Name: "patient_lastname_legal", InferredType: "string", PHI: true, Distribution: source.FormatDistribution(10, 10, 10)},
				},
			},
		},
	}
	builder, err := phi.NewSafeContextBuilder()
	if err != nil {
		t.Fatalf("NewSafeContextBuilder: %v", err)
	}
	safeCtx := builder.BuildFromProfile(profile, nil)

	spec, err := NewHeuristicProposer().ProposeMappingSpec(context.Background(), safeCtx)
	if err != nil {
		t.Fatalf("ProposeMappingSpec: %v", err)
	}
	if problems := spec.Problems(); len(problems) > 0 {
		t.Fatalf("spec has problems: %v", problems)
	}

	patients := findEntityMapping(t, spec, "patients")
	first, ok := findFieldMapping(patients, "firstName")
	if !ok {
		t.Fatal("firstName not fuzzy-matched")
	}
	if first.Confidence != confFuzzy {
		t.Errorf("confidence = %v, want %v", first.Confidence, confFuzzy)
	}
	if !first.RequiresApproval {
		t.Error("fuzzy match must require approval")
	}
}

func TestHeuristicProposer_CorrectAddsMissingRequiredField(t *testing.T) {
	safeCtx := seedSafeContext(t)
	prior := mapping.Spec{
		Version:      1,
		Revision:     1,
		SourceVendor: "dentrix",
		EntityMappings: []mapping.EntityMapping{
			{
				SourceEntity:  "patients",
				CanonicalType: canonical.EntityPatient,
				SourceIDField: "PatientID",
				FieldMappings: []mapping.FieldMapping{
					{SourceField: "LastName", TargetField: "lastName", Transform: mapping.TransformTrim, Confidence: 0.95},
				},
			},
		},
	}
	feedback := mapping.Feedback{
		SourceVendor:   "dentrix",
		SpecRevision:   1,
		InvalidRecords: 120,
		ErrorDetails: []mapping.ErrorDetail{
			{Code: canonical.CodeMissingFirstName, EntityType: "patient", Field: "firstName", Severity: "error", Count: 120},
		},
	}

	corrected, err := NewHeuristicProposer().CorrectMappingSpec(context.Background(), safeCtx, prior, feedback)
	if err != nil {
		t.Fatalf("CorrectMappingSpec: %v", err)
	}
	if corrected.Revision != 2 {
		t.Errorf("Revision = %d, want 2", corrected.Revision)
	}

	patients := findEntityMapping(t, corrected, "patients")
	first, ok := findFieldMapping(patients, "firstName")
	if !ok {
		t.Fatal("correction did not add firstName")
	}
	if first.SourceField != "FirstName" {
		t.Errorf("firstName source = %q", first.SourceField)
	}
	if !first.RequiresApproval {
		t.Error("heuristic corrections must require approval")
	}

	// The prior spec is left untouched.
	if len(prior.EntityMappings[0].FieldMappings) != 1 {
		t.Errorf("prior spec mutated: %+v", prior.EntityMappings[0].FieldMappings)
	}
}
