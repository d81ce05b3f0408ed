package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns the Postgres-backed repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const stagingCols = `id, run_id, entity_type, canonical_id, payload, checksum, status, created_at, updated_at`

const entryCols = `id, run_id, entity_type, source_record_id, canonical_id, status, error_code, created_at, updated_at`

func scanStaging(row pgx.Row) (*StagingRecord, error) {
	var s StagingRecord
	var entityType string
	err := row.Scan(
		&s.ID, &s.RunID, &entityType, &s.CanonicalID,
		&s.Payload, &s.Checksum, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	s.EntityType = canonical.EntityType(entityType)
	return &s, err
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var entityType string
	err := row.Scan(
		&e.ID, &e.RunID, &entityType, &e.SourceRecordID, &e.CanonicalID,
		&e.Status, &e.ErrorCode, &e.CreatedAt, &e.UpdatedAt,
	)
	e.EntityType = canonical.EntityType(entityType)
	return &e, err
}

// RecordLoad upserts one staged record and its ledger entry. The two
// statements move together, so callers without an ambient transaction get one.
func (r *repoPG) RecordLoad(ctx context.Context, rec *StagingRecord, sourceRecordID string) (bool, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return r.recordLoad(ctx, tx, rec, sourceRecordID)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin load tx: %w", err)
	}
	defer tx.Rollback(ctx)

	changed, err := r.recordLoad(ctx, tx, rec, sourceRecordID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit load tx: %w", err)
	}
	return changed, nil
}

func (r *repoPG) recordLoad(ctx context.Context, q querier, rec *StagingRecord, sourceRecordID string) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO staging_record (id, run_id, entity_type, canonical_id, payload, checksum, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (run_id, entity_type, canonical_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			checksum = EXCLUDED.checksum,
			status = EXCLUDED.status,
			updated_at = NOW()
		WHERE staging_record.checksum IS DISTINCT FROM EXCLUDED.checksum`,
		uuid.New(), rec.RunID, string(rec.EntityType), rec.CanonicalID,
		rec.Payload, rec.Checksum, StatusStaged,
	)
	if err != nil {
		return false, fmt.Errorf("upsert staging %s: %w", rec.CanonicalID, err)
	}
	changed := tag.RowsAffected() > 0

	if changed {
		// Changed content restarts the lifecycle for this record.
		_, err = q.Exec(ctx, `
			INSERT INTO record_ledger (id, run_id, entity_type, source_record_id, canonical_id, status, error_code)
			VALUES ($1,$2,$3,$4,$5,$6,'')
			ON CONFLICT (run_id, entity_type, source_record_id) DO UPDATE SET
				canonical_id = EXCLUDED.canonical_id,
				status = EXCLUDED.status,
				error_code = '',
				updated_at = NOW()`,
			uuid.New(), rec.RunID, string(rec.EntityType), sourceRecordID,
			rec.CanonicalID, StatusStaged,
		)
	} else {
		_, err = q.Exec(ctx, `
			INSERT INTO record_ledger (id, run_id, entity_type, source_record_id, canonical_id, status, error_code)
			VALUES ($1,$2,$3,$4,$5,$6,'')
			ON CONFLICT (run_id, entity_type, source_record_id) DO NOTHING`,
			uuid.New(), rec.RunID, string(rec.EntityType), sourceRecordID,
			rec.CanonicalID, StatusStaged,
		)
	}
	if err != nil {
		return false, fmt.Errorf("upsert ledger %s: %w", sourceRecordID, err)
	}
	return changed, nil
}

func (r *repoPG) StagingForEntity(ctx context.Context, runID uuid.UUID, entityType canonical.EntityType) ([]*StagingRecord, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+stagingCols+` FROM staging_record
		 WHERE run_id = $1 AND entity_type = $2
		 ORDER BY created_at, canonical_id`,
		runID, string(entityType),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*StagingRecord
	for rows.Next() {
		s, err := scanStaging(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *repoPG) MarkOutcome(ctx context.Context, runID uuid.UUID, entityType canonical.EntityType, canonicalID, status, errorCode string) error {
	if !ValidStatuses[status] {
		return fmt.Errorf("invalid ledger status: %s", status)
	}
	if _, err := r.conn(ctx).Exec(ctx, `
		UPDATE staging_record SET status = $4, updated_at = NOW()
		WHERE run_id = $1 AND entity_type = $2 AND canonical_id = $3`,
		runID, string(entityType), canonicalID, status,
	); err != nil {
		return fmt.Errorf("mark staging %s: %w", canonicalID, err)
	}
	if _, err := r.conn(ctx).Exec(ctx, `
		UPDATE record_ledger SET status = $4, error_code = $5, updated_at = NOW()
		WHERE run_id = $1 AND entity_type = $2 AND canonical_id = $3`,
		runID, string(entityType), canonicalID, status, errorCode,
	); err != nil {
		return fmt.Errorf("mark ledger %s: %w", canonicalID, err)
	}
	return nil
}

func (r *repoPG) Counts(ctx context.Context, runID uuid.UUID) (map[canonical.EntityType]EntityCounts, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT entity_type, status, COUNT(*)
		FROM record_ledger
		WHERE run_id = $1
		GROUP BY entity_type, status`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[canonical.EntityType]EntityCounts)
	for rows.Next() {
		var entityType, status string
		var n int
		if err := rows.Scan(&entityType, &status, &n); err != nil {
			return nil, err
		}
		et := canonical.EntityType(entityType)
		c := counts[et]
		c.Total += n
		switch status {
		case StatusStaged:
			c.Staged += n
		case StatusPromoted:
			c.Promoted += n
		case StatusFailed:
			c.Failed += n
		case StatusSkipped:
			c.Skipped += n
		}
		counts[et] = c
	}
	return counts, rows.Err()
}

func (r *repoPG) FailedEntries(ctx context.Context, runID uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM record_ledger
		 WHERE run_id = $1 AND status = $2
		 ORDER BY entity_type, source_record_id`,
		runID, StatusFailed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
