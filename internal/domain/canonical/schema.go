package canonical

import "encoding/json"

// FieldDef describes one canonical field for the schema description.
type FieldDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// RelationshipDef describes a canonical foreign key.
type RelationshipDef struct {
	Field        string     `json:"field"`
	TargetEntity EntityType `json:"targetEntity"`
	Required     bool       `json:"required"`
}

// EntityDef describes one canonical entity.
type EntityDef struct {
	Fields        []FieldDef        `json:"fields"`
	Relationships []RelationshipDef `json:"relationships"`
}

// SchemaDescription is the static, versioned document describing the
// canonical model. It is the only schema information ever sent to the AI
// layer, alongside the masked source profile.
type SchemaDescription struct {
	Version  int                      `json:"version"`
	Entities map[EntityType]EntityDef `json:"entities"`
}

var schemaDescription = SchemaDescription{
	Version: SchemaVersion,
	Entities: map[EntityType]EntityDef{
		EntityPatient: {
			Fields: []FieldDef{
				{Name: "firstName", Type: "string", Required: true},
				{Name: "lastName", Type: "string", Required: true},
				{Name: "email", Type: "string"},
				{Name: "phone", Type: "string"},
				{Name: "dateOfBirth", Type: "date"},
				{Name: "gender", Type: "string"},
				{Name: "addressLine1", Type: "string"},
				{Name: "city", Type: "string"},
				{Name: "state", Type: "string"},
				{Name: "postalCode", Type: "string"},
			},
		},
		EntityAppointment: {
			Fields: []FieldDef{
				{Name: "providerName", Type: "string", Required: true},
				{Name: "scheduledAt", Type: "datetime"},
				{Name: "durationMinutes", Type: "number"},
				{Name: "status", Type: "string"},
				{Name: "appointmentType", Type: "string"},
				{Name: "notes", Type: "string"},
			},
			Relationships: []RelationshipDef{
				{Field: "canonicalPatientId", TargetEntity: EntityPatient, Required: true},
			},
		},
		EntityChart: {
			Fields: []FieldDef{
				{Name: "templateName", Type: "string", Required: true},
				{Name: "chartDate", Type: "date"},
				{Name: "providerName", Type: "string"},
				{Name: "status", Type: "string"},
				{Name: "notes", Type: "string"},
			},
			Relationships: []RelationshipDef{
				{Field: "canonicalPatientId", TargetEntity: EntityPatient, Required: true},
				{Field: "canonicalEncounterId", TargetEntity: EntityEncounter, Required: false},
			},
		},
		EntityEncounter: {
			Fields: []FieldDef{
				{Name: "encounterDate", Type: "date"},
				{Name: "providerName", Type: "string"},
				{Name: "status", Type: "string"},
				{Name: "reason", Type: "string"},
			},
			Relationships: []RelationshipDef{
				{Field: "canonicalPatientId", TargetEntity: EntityPatient, Required: true},
				{Field: "canonicalAppointmentId", TargetEntity: EntityAppointment, Required: false},
			},
		},
		EntityConsent: {
			Fields: []FieldDef{
				{Name: "consentType", Type: "string"},
				{Name: "signedAt", Type: "datetime"},
				{Name: "status", Type: "string"},
				{Name: "documentKey", Type: "string"},
			},
			Relationships: []RelationshipDef{
				{Field: "canonicalPatientId", TargetEntity: EntityPatient, Required: true},
			},
		},
		EntityPhoto: {
			Fields: []FieldDef{
				{Name: "fileName", Type: "string", Required: true},
				{Name: "artifactKey", Type: "string", Required: true},
				{Name: "takenAt", Type: "datetime"},
				{Name: "mimeType", Type: "string"},
				{Name: "description", Type: "string"},
			},
			Relationships: []RelationshipDef{
				{Field: "canonicalPatientId", TargetEntity: EntityPatient, Required: true},
			},
		},
		EntityDocument: {
			Fields: []FieldDef{
				{Name: "fileName", Type: "string", Required: true},
				{Name: "artifactKey", Type: "string", Required: true},
				{Name: "documentType", Type: "string"},
				{Name: "createdDate", Type: "date"},
				{Name: "mimeType", Type: "string"},
			},
			Relationships: []RelationshipDef{
				{Field: "canonicalPatientId", TargetEntity: EntityPatient, Required: true},
			},
		},
		EntityInvoice: {
			Fields: []FieldDef{
				{Name: "total", Type: "number", Required: true},
				{Name: "invoiceDate", Type: "date"},
				{Name: "status", Type: "string"},
				{Name: "lineItems", Type: "array"},
			},
			Relationships: []RelationshipDef{
				{Field: "canonicalPatientId", TargetEntity: EntityPatient, Required: false},
				{Field: "canonicalAppointmentId", TargetEntity: EntityAppointment, Required: false},
			},
		},
	},
}

// Schema returns the canonical schema description.
func Schema() SchemaDescription {
	return schemaDescription
}

// SchemaJSON renders the schema description as indented JSON for AI prompts
// and for the ops API.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(schemaDescription, "", "  ")
}

// EntityFields returns the field definitions for an entity type, or nil for
// an unknown type.
func EntityFields(et EntityType) []FieldDef {
	def, ok := schemaDescription.Entities[et]
	if !ok {
		return nil
	}
	return def.Fields
}

// EntityRelationships returns the relationship definitions for an entity
// type, or nil for an unknown type.
func EntityRelationships(et EntityType) []RelationshipDef {
	def, ok := schemaDescription.Entities[et]
	if !ok {
		return nil
	}
	return def.Relationships
}

// IsTargetField reports whether name is a valid canonical field or
// relationship on the given entity type.
func IsTargetField(et EntityType, name string) bool {
	for _, f := range EntityFields(et) {
		if f.Name == name {
			return true
		}
	}
	for _, rel := range EntityRelationships(et) {
		if rel.Field == name {
			return true
		}
	}
	return false
}
