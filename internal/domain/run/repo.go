package run

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists migration runs.
type Repository interface {
	// Create inserts a new run.
	Create(ctx context.Context, r *Run) error

	// GetByID returns the run or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)

	// List returns runs newest first with the total count.
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)

	// Update rewrites the run's mutable fields (status, phases, spec,
	// approval, correction attempts, report).
	Update(ctx context.Context, r *Run) error
}
