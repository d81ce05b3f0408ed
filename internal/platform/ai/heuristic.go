package ai

import (
	"context"
	"sort"
	"strings"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/phi"
	"github.com/ehr/migrate/internal/platform/source"
)

// Heuristic confidence tiers. Everything below the approval threshold is
// flagged for review automatically.
const (
	confExactName = 0.95
	confAlias     = 0.85
	confFuzzy     = 0.6
)

// entityAliases matches normalized source entity names to canonical types.
var entityAliases = map[canonical.EntityType][]string{
	canonical.EntityPatient:     {"patient", "patients", "person", "persons", "client", "clients", "member", "members"},
	canonical.EntityAppointment: {"appointment", "appointments", "appt", "appts", "booking", "bookings", "schedule"},
	canonical.EntityEncounter:   {"encounter", "encounters", "visit", "visits", "exam", "exams"},
	canonical.EntityChart:       {"chart", "charts", "chartnote", "chartnotes", "clinicalnote", "clinicalnotes", "treatment", "treatments"},
	canonical.EntityConsent:     {"consent", "consents", "consentform", "consentforms", "authorization", "authorizations"},
	canonical.EntityPhoto:       {"photo", "photos", "image", "images", "xray", "xrays", "radiograph", "radiographs"},
	canonical.EntityDocument:    {"document", "documents", "doc", "docs", "file", "files", "attachment", "attachments"},
	canonical.EntityInvoice:     {"invoice", "invoices", "bill", "bills", "billing", "charge", "charges", "transaction", "transactions"},
}

// fieldAliases matches normalized source field names to canonical target
// fields. Shared names (status, notes) resolve per entity because only that
// entity's target fields are considered.
var fieldAliases = map[string][]string{
	"firstName":              {"firstname", "fname", "givenname", "first"},
	"lastName":               {"lastname", "lname", "surname", "familyname", "last"},
	"email":                  {"email", "emailaddress", "emailaddr"},
	"phone":                  {"phone", "phonenumber", "mobile", "cell", "cellphone", "telephone", "homephone"},
	"dateOfBirth":            {"dateofbirth", "dob", "birthdate", "birthday"},
	"gender":                 {"gender", "sex"},
	"addressLine1":           {"address", "address1", "addressline1", "street", "streetaddress"},
	"city":                   {"city", "town"},
	"state":                  {"state", "province"},
	"postalCode":             {"postalcode", "zip", "zipcode"},
	"providerName":           {"provider", "providername", "doctor", "dentist", "clinician", "practitioner", "hygienist"},
	"scheduledAt":            {"scheduledat", "appointmentdate", "apptdate", "appttime", "start", "starttime", "scheduled"},
	"durationMinutes":        {"duration", "durationminutes", "length", "minutes"},
	"status":                 {"status", "apptstatus", "state"},
	"appointmentType":        {"appointmenttype", "appttype", "type", "visittype"},
	"notes":                  {"notes", "note", "comments", "comment", "remarks"},
	"templateName":           {"templatename", "template", "charttype", "notetype", "formname"},
	"chartDate":              {"chartdate", "notedate", "entrydate"},
	"encounterDate":          {"encounterdate", "visitdate", "examdate", "dateofservice", "servicedate"},
	"reason":                 {"reason", "chiefcomplaint", "complaint", "visitreason"},
	"consentType":            {"consenttype", "formtype", "type"},
	"signedAt":               {"signedat", "signeddate", "datesigned", "signed"},
	"documentKey":            {"documentkey", "filekey", "filepath", "path"},
	"fileName":               {"filename", "name", "file"},
	"artifactKey":            {"artifactkey", "filekey", "storagekey", "blobkey", "path", "url"},
	"takenAt":                {"takenat", "datetaken", "capturedat", "capturedate"},
	"mimeType":               {"mimetype", "contenttype", "filetype"},
	"description":            {"description", "caption", "label"},
	"documentType":           {"documenttype", "doctype", "category", "type"},
	"createdDate":            {"createddate", "datecreated", "created", "createdat", "uploadeddate"},
	"total":                  {"total", "amount", "totalamount", "balance", "amountdue", "grandtotal"},
	"invoiceDate":            {"invoicedate", "billdate", "date", "transactiondate"},
	"lineItems":              {"lineitems", "items", "lines", "details", "procedures"},
	"canonicalPatientId":     {"patientid", "patid", "personid", "clientid", "memberid", "patientnumber", "patientguid"},
	"canonicalAppointmentId": {"appointmentid", "apptid", "bookingid", "scheduleid"},
	"canonicalEncounterId":   {"encounterid", "visitid", "examid"},
}

// transformForField picks the default transform for a target field, by its
// declared type first, then by name for the formats with dedicated
// normalizers.
func transformForField(def canonical.FieldDef) string {
	switch def.Name {
	case "email":
		return mapping.TransformNormalizeEmail
	case "phone":
		return mapping.TransformNormalizePhone
	}
	switch def.Type {
	case "date", "datetime":
		return mapping.TransformNormalizeDate
	case "string":
		return mapping.TransformTrim
	default:
		return ""
	}
}

// HeuristicProposer drafts mapping specs deterministically from field-name
// aliases. It is the chain's floor: always available, lower confidence, so
// the pipeline still completes with no AI credentials present.
type HeuristicProposer struct{}

// NewHeuristicProposer returns the proposer.
func NewHeuristicProposer() *HeuristicProposer {
	return &HeuristicProposer{}
}

// Name identifies the proposer in logs and chain decisions.
func (p *HeuristicProposer) Name() string { return "heuristic" }

// IsAvailable is always true; this proposer is the deterministic fallback.
func (p *HeuristicProposer) IsAvailable() bool { return true }

// ProposeMappingSpec drafts a spec from entity and field name matching.
func (p *HeuristicProposer) ProposeMappingSpec(_ context.Context, safeCtx phi.SafeContext) (mapping.Spec, error) {
	spec := mapping.Spec{
		Version:      1,
		Revision:     1,
		SourceVendor: safeCtx.SourceProfile.SourceVendor,
	}

	for _, entity := range safeCtx.SourceProfile.Entities {
		canonicalType, ok := matchEntity(entity.EntityType)
		if !ok {
			continue
		}
		em := mapping.EntityMapping{
			SourceEntity:  entity.EntityType,
			CanonicalType: canonicalType,
			SourceIDField: findIDField(entity.EntityType, entity.FieldNames()),
		}

		used := map[string]bool{}
		targets := targetFields(canonicalType)
		for _, target := range targets {
			source, confidence := matchField(target.Name, entity, used)
			if source == "" {
				continue
			}
			used[source] = true
			fm := mapping.FieldMapping{
				SourceField:      source,
				TargetField:      target.Name,
				Confidence:       confidence,
				RequiresApproval: confidence < mapping.ApprovalThreshold,
			}
			if !target.IsRelationship {
				fm.Transform = transformForField(target.FieldDef)
			}
			em.FieldMappings = append(em.FieldMappings, fm)
		}

		if len(em.FieldMappings) > 0 {
			spec.EntityMappings = append(spec.EntityMappings, em)
		}
	}

	return spec, nil
}

// CorrectMappingSpec retries missing-required-field codes against the
// profile with looser matching; everything else is left to human review
// since there is no model to reason with.
func (p *HeuristicProposer) CorrectMappingSpec(_ context.Context, safeCtx phi.SafeContext, prior mapping.Spec, feedback mapping.Feedback) (mapping.Spec, error) {
	corrected := prior
	corrected.Revision = prior.Revision + 1
	corrected.EntityMappings = make([]mapping.EntityMapping, len(prior.EntityMappings))
	copy(corrected.EntityMappings, prior.EntityMappings)

	for _, detail := range feedback.ErrorDetails {
		if detail.Field == "" {
			continue
		}
		for i, em := range corrected.EntityMappings {
			if string(em.CanonicalType) != detail.EntityType {
				continue
			}
			if hasTarget(em, detail.Field) {
				continue
			}
			entity, ok := safeCtx.SourceProfile.Entity(em.SourceEntity)
			if !ok {
				continue
			}
			source, _ := matchField(detail.Field, entity, usedSources(em))
			if source == "" {
				continue
			}
			fm := mapping.FieldMapping{
				SourceField:      source,
				TargetField:      detail.Field,
				Confidence:       confFuzzy,
				RequiresApproval: true,
			}
			if def, ok := fieldDef(em.CanonicalType, detail.Field); ok {
				fm.Transform = transformForField(def)
			}
			corrected.EntityMappings[i].FieldMappings = append(corrected.EntityMappings[i].FieldMappings, fm)
		}
	}

	return corrected, nil
}

// ---------------------------------------------------------------------------
// Matching helpers
// ---------------------------------------------------------------------------

// targetField unifies plain fields and relationship fields for matching.
type targetField struct {
	canonical.FieldDef
	IsRelationship bool
}

func targetFields(et canonical.EntityType) []targetField {
	var targets []targetField
	for _, def := range canonical.EntityFields(et) {
		targets = append(targets, targetField{FieldDef: def})
	}
	for _, rel := range canonical.EntityRelationships(et) {
		targets = append(targets, targetField{
			FieldDef:       canonical.FieldDef{Name: rel.Field, Type: "string", Required: rel.Required},
			IsRelationship: true,
		})
	}
	return targets
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func matchEntity(sourceEntity string) (canonical.EntityType, bool) {
	normalized := normalizeName(sourceEntity)
	// Stable iteration so ambiguous names resolve the same way every run.
	types := make([]canonical.EntityType, 0, len(entityAliases))
	for et := range entityAliases {
		types = append(types, et)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, et := range types {
		for _, alias := range entityAliases[et] {
			if normalized == alias {
				return et, true
			}
		}
	}
	for _, et := range types {
		for _, alias := range entityAliases[et] {
			if strings.Contains(normalized, alias) {
				return et, true
			}
		}
	}
	return "", false
}

func matchField(target string, entity source.EntityProfile, used map[string]bool) (string, float64) {
	normalizedTarget := normalizeName(target)
	aliases := fieldAliases[target]

	names := entity.FieldNames()
	for _, name := range names {
		if used[name] {
			continue
		}
		if normalizeName(name) == normalizedTarget {
			return name, confExactName
		}
	}
	for _, name := range names {
		if used[name] {
			continue
		}
		normalized := normalizeName(name)
		for _, alias := range aliases {
			if normalized == alias {
				return name, confAlias
			}
		}
	}
	for _, name := range names {
		if used[name] {
			continue
		}
		normalized := normalizeName(name)
		if len(normalizedTarget) >= 4 && strings.Contains(normalized, normalizedTarget) {
			return name, confFuzzy
		}
	}
	return "", 0
}

func findIDField(entityName string, names []string) string {
	singular := strings.TrimSuffix(normalizeName(entityName), "s")
	candidates := []string{"id", singular + "id", "recordid", "rowid"}
	for _, candidate := range candidates {
		for _, name := range names {
			if normalizeName(name) == candidate {
				return name
			}
		}
	}
	return ""
}

func hasTarget(em mapping.EntityMapping, target string) bool {
	for _, fm := range em.FieldMappings {
		if fm.TargetField == target {
			return true
		}
	}
	return false
}

func usedSources(em mapping.EntityMapping) map[string]bool {
	used := make(map[string]bool, len(em.FieldMappings))
	for _, fm := range em.FieldMappings {
		used[fm.SourceField] = true
	}
	return used
}

func fieldDef(et canonical.EntityType, name string) (canonical.FieldDef, bool) {
	for _, def := range canonical.EntityFields(et) {
		if def.Name == name {
			return def, true
		}
	}
	return canonical.FieldDef{}, false
}
