package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migrate/internal/domain/canonical"
)

// repoMem is the in-memory Repository used by tests and dry runs. Semantics
// mirror the Postgres repository, including the unchanged-checksum no-op.
type repoMem struct {
	mu      sync.Mutex
	staging map[string]*StagingRecord
	entries map[string]*Entry
	// order preserves first-load order per (run, entity) for stable reads.
	order map[string][]string
}

// NewMemRepo returns an empty in-memory repository.
func NewMemRepo() Repository {
	return &repoMem{
		staging: make(map[string]*StagingRecord),
		entries: make(map[string]*Entry),
		order:   make(map[string][]string),
	}
}

func stagingKey(runID uuid.UUID, entityType canonical.EntityType, canonicalID string) string {
	return runID.String() + "|" + string(entityType) + "|" + canonicalID
}

func entryKey(runID uuid.UUID, entityType canonical.EntityType, sourceRecordID string) string {
	return runID.String() + "|" + string(entityType) + "|" + sourceRecordID
}

func orderKey(runID uuid.UUID, entityType canonical.EntityType) string {
	return runID.String() + "|" + string(entityType)
}

func (r *repoMem) RecordLoad(_ context.Context, rec *StagingRecord, sourceRecordID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	sk := stagingKey(rec.RunID, rec.EntityType, rec.CanonicalID)
	ek := entryKey(rec.RunID, rec.EntityType, sourceRecordID)

	existing, ok := r.staging[sk]
	if ok && existing.Checksum == rec.Checksum {
		if _, present := r.entries[ek]; !present {
			r.entries[ek] = &Entry{
				ID:             uuid.New(),
				RunID:          rec.RunID,
				EntityType:     rec.EntityType,
				SourceRecordID: sourceRecordID,
				CanonicalID:    rec.CanonicalID,
				Status:         StatusStaged,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
		}
		return false, nil
	}

	stored := &StagingRecord{
		ID:          uuid.New(),
		RunID:       rec.RunID,
		EntityType:  rec.EntityType,
		CanonicalID: rec.CanonicalID,
		Payload:     append([]byte(nil), rec.Payload...),
		Checksum:    rec.Checksum,
		Status:      StatusStaged,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		lk := orderKey(rec.RunID, rec.EntityType)
		r.order[lk] = append(r.order[lk], rec.CanonicalID)
	}
	r.staging[sk] = stored

	r.entries[ek] = &Entry{
		ID:             uuid.New(),
		RunID:          rec.RunID,
		EntityType:     rec.EntityType,
		SourceRecordID: sourceRecordID,
		CanonicalID:    rec.CanonicalID,
		Status:         StatusStaged,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return true, nil
}

func (r *repoMem) StagingForEntity(_ context.Context, runID uuid.UUID, entityType canonical.EntityType) ([]*StagingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []*StagingRecord
	for _, canonicalID := range r.order[orderKey(runID, entityType)] {
		if s, ok := r.staging[stagingKey(runID, entityType, canonicalID)]; ok {
			clone := *s
			clone.Payload = append([]byte(nil), s.Payload...)
			items = append(items, &clone)
		}
	}
	return items, nil
}

func (r *repoMem) MarkOutcome(_ context.Context, runID uuid.UUID, entityType canonical.EntityType, canonicalID, status, errorCode string) error {
	if !ValidStatuses[status] {
		return fmt.Errorf("invalid ledger status: %s", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if s, ok := r.staging[stagingKey(runID, entityType, canonicalID)]; ok {
		s.Status = status
		s.UpdatedAt = now
	}
	for _, e := range r.entries {
		if e.RunID == runID && e.EntityType == entityType && e.CanonicalID == canonicalID {
			e.Status = status
			e.ErrorCode = errorCode
			e.UpdatedAt = now
		}
	}
	return nil
}

func (r *repoMem) Counts(_ context.Context, runID uuid.UUID) (map[canonical.EntityType]EntityCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[canonical.EntityType]EntityCounts)
	for _, e := range r.entries {
		if e.RunID != runID {
			continue
		}
		c := counts[e.EntityType]
		c.Total++
		switch e.Status {
		case StatusStaged:
			c.Staged++
		case StatusPromoted:
			c.Promoted++
		case StatusFailed:
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
		counts[e.EntityType] = c
	}
	return counts, nil
}

func (r *repoMem) FailedEntries(_ context.Context, runID uuid.UUID) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []*Entry
	for _, e := range r.entries {
		if e.RunID == runID && e.Status == StatusFailed {
			clone := *e
			items = append(items, &clone)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].EntityType != items[j].EntityType {
			return items[i].EntityType < items[j].EntityType
		}
		return items[i].SourceRecordID < items[j].SourceRecordID
	})
	return items, nil
}
