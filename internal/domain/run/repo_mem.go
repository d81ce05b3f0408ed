package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// repoMem is the in-memory repository used by tests and by the single-node
// CLI mode where no Postgres is configured.
type repoMem struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
}

// NewMemRepo returns an in-memory Repository.
func NewMemRepo() Repository {
	return &repoMem{runs: make(map[uuid.UUID]*Run)}
}

func cloneRun(rn *Run) *Run {
	c := *rn
	if rn.Phases != nil {
		c.Phases = append([]PhaseResult(nil), rn.Phases...)
	}
	if rn.MappingSpec != nil {
		s := *rn.MappingSpec
		c.MappingSpec = &s
	}
	if rn.Report != nil {
		rep := *rn.Report
		c.Report = &rep
	}
	return &c
}

func (r *repoMem) Create(ctx context.Context, rn *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if rn.ID == uuid.Nil {
		rn.ID = uuid.New()
	}
	rn.CreatedAt = now
	rn.UpdatedAt = now
	r.runs[rn.ID] = cloneRun(rn)
	return nil
}

func (r *repoMem) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(rn), nil
}

func (r *repoMem) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Run, 0, len(r.runs))
	for _, rn := range r.runs {
		all = append(all, rn)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Run, 0, end-offset)
	for _, rn := range all[offset:end] {
		out = append(out, cloneRun(rn))
	}
	return out, total, nil
}

func (r *repoMem) Update(ctx context.Context, rn *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.runs[rn.ID]
	if !ok {
		return ErrNotFound
	}
	rn.CreatedAt = existing.CreatedAt
	rn.UpdatedAt = time.Now().UTC()
	r.runs[rn.ID] = cloneRun(rn)
	return nil
}
