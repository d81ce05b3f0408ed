package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/db"
	"github.com/ehr/migrate/internal/platform/source"
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

const runCols = `id, vendor, source_kind, status, phases, mapping_spec, mapping_approved, correction_attempts, report, created_at, updated_at`

func scanRun(row pgx.Row) (*Run, error) {
	var (
		rn     Run
		kind   string
		phases []byte
		spec   []byte
		report []byte
	)
	err := row.Scan(
		&rn.ID, &rn.Vendor, &kind, &rn.Status, &phases, &spec,
		&rn.MappingApproved, &rn.CorrectionAttempts, &report,
		&rn.CreatedAt, &rn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rn.SourceKind = source.Kind(kind)
	if len(phases) > 0 {
		if err := json.Unmarshal(phases, &rn.Phases); err != nil {
			return nil, fmt.Errorf("decoding phases: %w", err)
		}
	}
	if len(spec) > 0 && string(spec) != "null" {
		var s mapping.Spec
		if err := json.Unmarshal(spec, &s); err != nil {
			return nil, fmt.Errorf("decoding mapping spec: %w", err)
		}
		rn.MappingSpec = &s
	}
	if len(report) > 0 && string(report) != "null" {
		var rep Reconciliation
		if err := json.Unmarshal(report, &rep); err != nil {
			return nil, fmt.Errorf("decoding report: %w", err)
		}
		rn.Report = &rep
	}
	return &rn, nil
}

// encodeDocs marshals the document-valued columns. A nil phases slice is
// stored as an empty array so scans never see SQL NULL there.
func encodeDocs(rn *Run) (phases, spec, report []byte, err error) {
	if rn.Phases == nil {
		phases = []byte("[]")
	} else if phases, err = json.Marshal(rn.Phases); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding phases: %w", err)
	}
	if rn.MappingSpec != nil {
		if spec, err = json.Marshal(rn.MappingSpec); err != nil {
			return nil, nil, nil, fmt.Errorf("encoding mapping spec: %w", err)
		}
	}
	if rn.Report != nil {
		if report, err = json.Marshal(rn.Report); err != nil {
			return nil, nil, nil, fmt.Errorf("encoding report: %w", err)
		}
	}
	return phases, spec, report, nil
}

func (r *repoPG) Create(ctx context.Context, rn *Run) error {
	now := time.Now().UTC()
	if rn.ID == uuid.Nil {
		rn.ID = uuid.New()
	}
	rn.CreatedAt = now
	rn.UpdatedAt = now

	phases, spec, report, err := encodeDocs(rn)
	if err != nil {
		return err
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO migration_run (`+runCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rn.ID, rn.Vendor, string(rn.SourceKind), rn.Status, phases, spec,
		rn.MappingApproved, rn.CorrectionAttempts, report, rn.CreatedAt, rn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+runCols+` FROM migration_run WHERE id = $1`, id)
	rn, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting run: %w", err)
	}
	return rn, nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM migration_run`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT `+runCols+` FROM migration_run
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		rn, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, rn)
	}
	return runs, total, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, rn *Run) error {
	rn.UpdatedAt = time.Now().UTC()

	phases, spec, report, err := encodeDocs(rn)
	if err != nil {
		return err
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE migration_run
		SET status = $2, phases = $3, mapping_spec = $4, mapping_approved = $5,
		    correction_attempts = $6, report = $7, updated_at = $8
		WHERE id = $1`,
		rn.ID, rn.Status, phases, spec, rn.MappingApproved,
		rn.CorrectionAttempts, report, rn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
