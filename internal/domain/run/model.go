// Package run owns the migration run lifecycle: the run record, the ordered
// phase results, and the orchestrator that drives a run from source profiling
// through reconciliation. Every phase reports pass/fail with a structured
// reason; failures never escape a phase as opaque errors.
package run

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/source"
)

// Run statuses. The terminal trio (complete, partial, failed) mirrors the
// reconciliation verdict; the two awaiting_* states pause the pipeline for
// an operator.
const (
	StatusPending              = "pending"
	StatusRunning              = "running"
	StatusAwaitingApproval     = "awaiting_approval"
	StatusAwaitingIntervention = "awaiting_intervention"
	StatusComplete             = "complete"
	StatusPartial              = "partial"
	StatusFailed               = "failed"
)

// ValidStatuses is the closed set of run statuses.
var ValidStatuses = map[string]bool{
	StatusPending:              true,
	StatusRunning:              true,
	StatusAwaitingApproval:     true,
	StatusAwaitingIntervention: true,
	StatusComplete:             true,
	StatusPartial:              true,
	StatusFailed:               true,
}

// Pipeline phases, in execution order. Validate re-enters the transform
// machinery internally during mapping correction, so a corrected spec never
// adds extra transform results to the history.
const (
	PhaseProfile      = "profile"
	PhaseDraftMapping = "draft_mapping"
	PhaseTransform    = "transform"
	PhaseValidate     = "validate"
	PhaseLoad         = "load"
	PhasePromote      = "promote"
	PhaseReconcile    = "reconcile"
)

// PhaseOrder is the canonical execution order.
var PhaseOrder = []string{
	PhaseProfile,
	PhaseDraftMapping,
	PhaseTransform,
	PhaseValidate,
	PhaseLoad,
	PhasePromote,
	PhaseReconcile,
}

var validPhases = func() map[string]bool {
	m := make(map[string]bool, len(PhaseOrder))
	for _, p := range PhaseOrder {
		m[p] = true
	}
	return m
}()

var (
	// ErrNotFound is returned when no run exists for the given id.
	ErrNotFound = errors.New("run not found")
	// ErrUnknownPhase is returned for a phase name outside PhaseOrder.
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrPhaseOrder is returned when a phase is requested out of order.
	ErrPhaseOrder = errors.New("phase out of order")
	// ErrNoMappingSpec is returned when a phase needs a spec the run lacks.
	ErrNoMappingSpec = errors.New("run has no mapping spec")
	// ErrMappingNotApproved gates transform until the spec is approved.
	ErrMappingNotApproved = errors.New("mapping spec is not approved")
	// ErrNoReport is returned when the reconciliation report is not ready.
	ErrNoReport = errors.New("run has no reconciliation report")
)

// PhaseResult is one phase execution outcome. A failed phase stays in the
// history; re-running it appends a fresh result.
type PhaseResult struct {
	Phase       string         `json:"phase"`
	Passed      bool           `json:"passed"`
	Reason      string         `json:"reason,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
}

// EntityReport is the per-entity slice of the reconciliation report.
type EntityReport struct {
	SourceRecords int `json:"sourceRecords"`
	Staged        int `json:"staged"`
	Promoted      int `json:"promoted"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
}

// Reconciliation compares source-side record counts against promoted
// destination records. Completeness is promoted/source across entities that
// had source records.
type Reconciliation struct {
	Status       string                  `json:"status"`
	Completeness float64                 `json:"completeness"`
	Entities     map[string]EntityReport `json:"entities"`
	GeneratedAt  time.Time               `json:"generatedAt"`
}

// Run is a single migration attempt for one vendor export. Phases, the
// mapping spec, and the reconciliation report are stored as documents on the
// run row.
type Run struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	Vendor             string          `db:"vendor" json:"vendor"`
	SourceKind         source.Kind     `db:"source_kind" json:"sourceKind"`
	Status             string          `db:"status" json:"status"`
	Phases             []PhaseResult   `db:"phases" json:"phases"`
	MappingSpec        *mapping.Spec   `db:"mapping_spec" json:"mappingSpec,omitempty"`
	MappingApproved    bool            `db:"mapping_approved" json:"mappingApproved"`
	CorrectionAttempts int             `db:"correction_attempts" json:"correctionAttempts"`
	Report             *Reconciliation `db:"report" json:"report,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
}

// PhasePassed reports whether the phase has at least one passing result.
func (r *Run) PhasePassed(phase string) bool {
	for _, pr := range r.Phases {
		if pr.Phase == phase && pr.Passed {
			return true
		}
	}
	return false
}

// NextPhase returns the first phase in order without a passing result.
// ok is false once every phase has passed.
func (r *Run) NextPhase() (string, bool) {
	for _, p := range PhaseOrder {
		if !r.PhasePassed(p) {
			return p, true
		}
	}
	return "", false
}

// LastResult returns the most recent result for the phase, or nil.
func (r *Run) LastResult(phase string) *PhaseResult {
	for i := len(r.Phases) - 1; i >= 0; i-- {
		if r.Phases[i].Phase == phase {
			return &r.Phases[i]
		}
	}
	return nil
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case StatusComplete, StatusPartial, StatusFailed:
		return true
	}
	return false
}
