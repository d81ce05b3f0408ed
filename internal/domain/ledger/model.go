// Package ledger owns the two destination-side tables the pipeline writes:
// staging_record holds the canonical JSON payload per record, record_ledger
// tracks each source record's lifecycle from staged through promoted, failed,
// or skipped. Both are upserted by natural key so re-running Load for the
// same run is a no-op on unchanged records, and failed rows stay visible for
// operator remediation rather than being deleted mid-run.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migrate/internal/domain/canonical"
)

// ---------------------------------------------------------------------------
// Lifecycle statuses
// ---------------------------------------------------------------------------

const (
	StatusStaged   = "staged"
	StatusPromoted = "promoted"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// ValidStatuses is the closed set of record lifecycle statuses.
var ValidStatuses = map[string]bool{
	StatusStaged:   true,
	StatusPromoted: true,
	StatusFailed:   true,
	StatusSkipped:  true,
}

// ---------------------------------------------------------------------------
// Models
// ---------------------------------------------------------------------------

// StagingRecord is one canonical record parked in the destination staging
// table, keyed by (run_id, entity_type, canonical_id).
type StagingRecord struct {
	ID          uuid.UUID            `db:"id" json:"id"`
	RunID       uuid.UUID            `db:"run_id" json:"run_id"`
	EntityType  canonical.EntityType `db:"entity_type" json:"entity_type"`
	CanonicalID string               `db:"canonical_id" json:"canonical_id"`
	Payload     json.RawMessage      `db:"payload" json:"payload"`
	Checksum    string               `db:"checksum" json:"checksum"`
	Status      string               `db:"status" json:"status"`
	CreatedAt   time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time            `db:"updated_at" json:"updated_at"`
}

// Entry is one record_ledger row, keyed by (run_id, entity_type,
// source_record_id).
type Entry struct {
	ID             uuid.UUID            `db:"id" json:"id"`
	RunID          uuid.UUID            `db:"run_id" json:"run_id"`
	EntityType     canonical.EntityType `db:"entity_type" json:"entity_type"`
	SourceRecordID string               `db:"source_record_id" json:"source_record_id"`
	CanonicalID    string               `db:"canonical_id" json:"canonical_id"`
	Status         string               `db:"status" json:"status"`
	ErrorCode      string               `db:"error_code" json:"error_code,omitempty"`
	CreatedAt      time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time            `db:"updated_at" json:"updated_at"`
}

// EntityCounts aggregates ledger statuses for one entity type.
type EntityCounts struct {
	Total    int `json:"total"`
	Staged   int `json:"staged"`
	Promoted int `json:"promoted"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// NewStagingRecord converts one canonical record into its staging row,
// serializing the payload and stamping the content checksum.
func NewStagingRecord(runID uuid.UUID, rec canonical.Record) (*StagingRecord, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", rec.CanonicalID, err)
	}
	return &StagingRecord{
		RunID:       runID,
		EntityType:  rec.EntityType,
		CanonicalID: rec.CanonicalID,
		Payload:     payload,
		Checksum:    rec.Checksum(),
		Status:      StatusStaged,
	}, nil
}

// DecodePayload unmarshals the staged canonical record.
func (s *StagingRecord) DecodePayload() (canonical.Record, error) {
	var rec canonical.Record
	if err := json.Unmarshal(s.Payload, &rec); err != nil {
		return canonical.Record{}, fmt.Errorf("decoding %s payload: %w", s.CanonicalID, err)
	}
	return rec, nil
}
