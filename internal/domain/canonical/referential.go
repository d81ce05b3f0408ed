package canonical

import "fmt"

// CheckReferences runs the referential-integrity pass over a complete batch.
// It must run after per-record validation, never interleaved with it: the
// pass needs the batch's full canonical ID universe before any foreign key
// can be judged. Every populated canonical foreign key that does not resolve
// to a canonical ID present in the batch yields one ORPHANED_REFERENCE
// error.
func CheckReferences(records []Record) []Issue {
	universe := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.CanonicalID != "" {
			universe[rec.CanonicalID] = true
		}
	}

	var issues []Issue
	for _, rec := range records {
		for _, rel := range EntityRelationships(rec.EntityType) {
			ref := rec.StringField(rel.Field)
			if ref == "" {
				continue
			}
			if !universe[ref] {
				issues = append(issues, Issue{
					Code:           CodeOrphanedReference,
					Severity:       SeverityError,
					EntityType:     rec.EntityType,
					Field:          rel.Field,
					CanonicalID:    rec.CanonicalID,
					SourceRecordID: rec.SourceRecordID,
					Message: fmt.Sprintf("%s.%s does not resolve to a %s in this batch",
						rec.EntityType, rel.Field, rel.TargetEntity),
				})
			}
		}
	}
	return issues
}
