package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/migrate/internal/domain/canonical"
)

// Repository persists staging records and ledger entries. Load calls
// RecordLoad once per transformed record; Promote reads staging back in
// dependency order and marks outcomes; Reconcile aggregates counts.
type Repository interface {
	// RecordLoad upserts the staging row and its ledger entry by natural
	// key. It reports whether the record content actually changed: an
	// unchanged checksum leaves both rows untouched, so a re-run of Load
	// is a no-op and an already-promoted record keeps its status.
	RecordLoad(ctx context.Context, rec *StagingRecord, sourceRecordID string) (bool, error)

	// StagingForEntity returns the run's staged records for one entity
	// type in stable load order.
	StagingForEntity(ctx context.Context, runID uuid.UUID, entityType canonical.EntityType) ([]*StagingRecord, error)

	// MarkOutcome advances one record's lifecycle status on both tables.
	// errorCode is empty except for failed records.
	MarkOutcome(ctx context.Context, runID uuid.UUID, entityType canonical.EntityType, canonicalID, status, errorCode string) error

	// Counts aggregates ledger statuses per entity type for one run.
	Counts(ctx context.Context, runID uuid.UUID) (map[canonical.EntityType]EntityCounts, error)

	// FailedEntries lists the run's failed ledger rows for the report.
	FailedEntries(ctx context.Context, runID uuid.UUID) ([]*Entry, error)
}
