package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/domain/ledger"
	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/ai"
	"github.com/ehr/migrate/internal/platform/artifact"
	"github.com/ehr/migrate/internal/platform/destination"
	"github.com/ehr/migrate/internal/platform/memory"
	"github.com/ehr/migrate/internal/platform/phi"
	"github.com/ehr/migrate/internal/platform/source"
	"github.com/ehr/migrate/internal/platform/telemetry"
)

// promoteErrorCode marks ledger entries whose destination write failed.
const promoteErrorCode = "PROMOTE_FAILED"

// Artifact keys written by the pipeline. Uploaded source files live under
// sourceKeyPrefix so phase outputs never get mistaken for input tables.
const (
	sourceKeyPrefix      = "source/"
	profileKey           = "profile.json"
	validationReportKey  = "validation-report.json"
	transformedKeyPrefix = "transformed/"
	specKeyPattern       = "mapping-spec-rev-%d.json"
)

// errSampleDone stops a dry-run transform once every entity hit its cap.
var errSampleDone = errors.New("sample complete")

// Config bounds the orchestrator's sampling and self-correction loops.
type Config struct {
	DryRunSampleSize      int
	CorrectionMaxAttempts int
}

// Deps collects everything a run touches on its way from source to
// destination.
type Deps struct {
	Runs        Repository
	Ledger      ledger.Repository
	Artifacts   artifact.Store
	Sources     *source.Registry
	Proposer    ai.Proposer
	Memory      *memory.Stores
	Destination destination.Client
	// Metrics may be nil; all Provider methods are nil-safe.
	Metrics *telemetry.Provider
}

// Service orchestrates migration runs phase by phase.
type Service struct {
	deps   Deps
	cfg    Config
	safe   *phi.SafeContextBuilder
	logger zerolog.Logger
}

// NewService wires the orchestrator. DryRunSampleSize defaults to 10 and
// CorrectionMaxAttempts to 3 when unset.
func NewService(deps Deps, cfg Config, logger zerolog.Logger) (*Service, error) {
	safe, err := phi.NewSafeContextBuilder()
	if err != nil {
		return nil, err
	}
	if cfg.DryRunSampleSize <= 0 {
		cfg.DryRunSampleSize = 10
	}
	if cfg.CorrectionMaxAttempts <= 0 {
		cfg.CorrectionMaxAttempts = 3
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		safe:   safe,
		logger: logger.With().Str("component", "run").Logger(),
	}, nil
}

// ---------------------------------------------------------------------------
// Run lifecycle operations
// ---------------------------------------------------------------------------

// CreateRun registers a new pending run for the vendor.
func (s *Service) CreateRun(ctx context.Context, vendor string, kind source.Kind) (*Run, error) {
	vendor = strings.TrimSpace(vendor)
	if vendor == "" {
		return nil, errors.New("vendor is required")
	}
	if !source.ValidKinds[kind] {
		return nil, fmt.Errorf("%w: %q", source.ErrUnknownKind, kind)
	}

	rn := &Run{
		ID:         uuid.New(),
		Vendor:     vendor,
		SourceKind: kind,
		Status:     StatusPending,
		Phases:     []PhaseResult{},
	}
	if err := s.deps.Runs.Create(ctx, rn); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("run_id", rn.ID.String()).
		Str("vendor", vendor).
		Str("source_kind", string(kind)).
		Msg("run created")
	return rn, nil
}

// GetRun returns the run by id.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.deps.Runs.GetByID(ctx, id)
}

// ListRuns returns runs newest first.
func (s *Service) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	return s.deps.Runs.List(ctx, limit, offset)
}

// UploadArtifact stores one source file for the run. Keys are namespaced so
// phase outputs and uploads never collide.
func (s *Service) UploadArtifact(ctx context.Context, id uuid.UUID, name string, data []byte) (artifact.Ref, error) {
	rn, err := s.deps.Runs.GetByID(ctx, id)
	if err != nil {
		return artifact.Ref{}, err
	}
	if rn.Terminal() {
		return artifact.Ref{}, fmt.Errorf("run is %s and accepts no new artifacts", rn.Status)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return artifact.Ref{}, errors.New("artifact name is required")
	}
	return s.deps.Artifacts.Put(ctx, rn.ID.String(), sourceKeyPrefix+name, data)
}

// ApproveMapping marks the run's drafted spec approved so Transform may
// proceed.
func (s *Service) ApproveMapping(ctx context.Context, id uuid.UUID) (*Run, error) {
	rn, err := s.deps.Runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rn.MappingSpec == nil {
		return nil, ErrNoMappingSpec
	}
	if rn.MappingApproved {
		return rn, nil
	}
	rn.MappingApproved = true
	if rn.Status == StatusAwaitingApproval {
		rn.Status = StatusPending
	}
	if err := s.deps.Runs.Update(ctx, rn); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("run_id", rn.ID.String()).
		Int("spec_revision", rn.MappingSpec.Revision).
		Msg("mapping spec approved")
	return rn, nil
}

// Report returns the reconciliation report with the run's failed ledger
// entries for operator remediation.
func (s *Service) Report(ctx context.Context, id uuid.UUID) (*Reconciliation, []*ledger.Entry, error) {
	rn, err := s.deps.Runs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rn.Report == nil {
		return nil, nil, ErrNoReport
	}
	failed, err := s.deps.Ledger.FailedEntries(ctx, rn.ID)
	if err != nil {
		return nil, nil, err
	}
	return rn.Report, failed, nil
}

// AdvancePhase executes exactly one phase, which must be the next pending
// one. A failed phase stays next and may be retried.
func (s *Service) AdvancePhase(ctx context.Context, id uuid.UUID, phase string) (*Run, error) {
	if !validPhases[phase] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
	rn, err := s.deps.Runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := rn.NextPhase()
	if !ok {
		return nil, fmt.Errorf("%w: all phases complete", ErrPhaseOrder)
	}
	if phase != next {
		return nil, fmt.Errorf("%w: next phase is %s", ErrPhaseOrder, next)
	}
	if phase == PhaseTransform && rn.MappingSpec != nil && !rn.MappingApproved {
		return nil, ErrMappingNotApproved
	}

	s.executePhase(ctx, rn, phase)
	if err := s.deps.Runs.Update(ctx, rn); err != nil {
		return nil, err
	}
	return rn, nil
}

// Execute drives the run through all remaining phases, pausing at the
// approval gate and stopping at the first failed phase. State is persisted
// after every phase.
func (s *Service) Execute(ctx context.Context, id uuid.UUID) (*Run, error) {
	rn, err := s.deps.Runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	for {
		next, ok := rn.NextPhase()
		if !ok {
			break
		}
		if next == PhaseTransform && !rn.MappingApproved {
			rn.Status = StatusAwaitingApproval
			if err := s.deps.Runs.Update(ctx, rn); err != nil {
				return rn, err
			}
			break
		}
		res := s.executePhase(ctx, rn, next)
		if err := s.deps.Runs.Update(ctx, rn); err != nil {
			return rn, err
		}
		if !res.Passed {
			break
		}
	}
	return rn, nil
}

// ExecuteAsync drives the run in the background. Progress and failures land
// on the run row and in the logs.
func (s *Service) ExecuteAsync(id uuid.UUID) {
	go func() {
		if _, err := s.Execute(context.Background(), id); err != nil {
			s.logger.Error().Err(err).Str("run_id", id.String()).Msg("background execution failed")
		}
	}()
}

// ---------------------------------------------------------------------------
// Phase machinery
// ---------------------------------------------------------------------------

// phaseOutcome is what a phase function reports back. A non-nil error from
// the function means the phase failed with that reason; outcome.failed marks
// domain failures that carry counts alongside the reason.
type phaseOutcome struct {
	counts map[string]int
	reason string
	failed bool
}

func (s *Service) executePhase(ctx context.Context, rn *Run, phase string) PhaseResult {
	started := time.Now().UTC()
	if !rn.Terminal() {
		rn.Status = StatusRunning
	}

	var out phaseOutcome
	var err error
	switch phase {
	case PhaseProfile:
		out, err = s.phaseProfile(ctx, rn)
	case PhaseDraftMapping:
		out, err = s.phaseDraftMapping(ctx, rn)
	case PhaseTransform:
		out, err = s.phaseTransform(ctx, rn)
	case PhaseValidate:
		out, err = s.phaseValidate(ctx, rn)
	case PhaseLoad:
		out, err = s.phaseLoad(ctx, rn)
	case PhasePromote:
		out, err = s.phasePromote(ctx, rn)
	case PhaseReconcile:
		out, err = s.phaseReconcile(ctx, rn)
	}

	res := PhaseResult{
		Phase:       phase,
		Passed:      err == nil && !out.failed,
		Reason:      out.reason,
		Counts:      out.counts,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		res.Reason = err.Error()
	}
	s.deps.Metrics.ObservePhase(phase, res.Passed, res.CompletedAt.Sub(res.StartedAt))
	if !res.Passed && !rn.Terminal() && rn.Status == StatusRunning {
		rn.Status = StatusAwaitingIntervention
	}
	rn.Phases = append(rn.Phases, res)

	evt := s.logger.Info()
	if !res.Passed {
		evt = s.logger.Warn()
	}
	evt.Str("run_id", rn.ID.String()).
		Str("phase", phase).
		Bool("passed", res.Passed).
		Str("reason", res.Reason).
		Dur("elapsed", res.CompletedAt.Sub(res.StartedAt)).
		Msg("phase finished")
	return res
}

// ---------------------------------------------------------------------------
// Profile
// ---------------------------------------------------------------------------

func (s *Service) phaseProfile(ctx context.Context, rn *Run) (phaseOutcome, error) {
	adapter, err := s.deps.Sources.For(rn.Vendor, rn.SourceKind)
	if err != nil {
		return phaseOutcome{}, err
	}
	refs, err := s.sourceRefs(ctx, rn)
	if err != nil {
		return phaseOutcome{}, err
	}
	prof, err := adapter.Profile(ctx, refs)
	if err != nil {
		return phaseOutcome{}, fmt.Errorf("profiling source: %w", err)
	}

	data, err := json.Marshal(prof)
	if err != nil {
		return phaseOutcome{}, fmt.Errorf("encoding profile: %w", err)
	}
	if _, err := s.deps.Artifacts.Put(ctx, rn.ID.String(), profileKey, data); err != nil {
		return phaseOutcome{}, fmt.Errorf("storing profile: %w", err)
	}

	return phaseOutcome{counts: map[string]int{
		"entities": len(prof.Entities),
		"records":  prof.RecordCount(),
	}}, nil
}

// ---------------------------------------------------------------------------
// Draft mapping
// ---------------------------------------------------------------------------

func (s *Service) phaseDraftMapping(ctx context.Context, rn *Run) (phaseOutcome, error) {
	prof, err := s.readProfile(ctx, rn)
	if err != nil {
		return phaseOutcome{}, err
	}

	spec, reused, err := s.draftSpec(ctx, rn, prof)
	if err != nil {
		return phaseOutcome{}, err
	}
	if problems := spec.Problems(); len(problems) > 0 {
		return phaseOutcome{
			failed: true,
			reason: "proposed spec rejected: " + strings.Join(problems, "; "),
		}, nil
	}

	rn.MappingSpec = &spec
	rn.MappingApproved = !spec.NeedsApproval()
	if err := s.storeSpecArtifact(ctx, rn, spec); err != nil {
		return phaseOutcome{}, err
	}

	sample, err := s.collectSample(ctx, rn, spec)
	if err != nil {
		return phaseOutcome{}, fmt.Errorf("dry-run transform: %w", err)
	}
	dry := canonical.ValidateBatch(sample)

	fieldMappings := 0
	for _, em := range spec.EntityMappings {
		fieldMappings += len(em.FieldMappings)
	}
	counts := map[string]int{
		"entityMappings": len(spec.EntityMappings),
		"fieldMappings":  fieldMappings,
		"drySampled":     dry.TotalRecords,
		"dryInvalid":     dry.InvalidRecords,
	}

	var reasons []string
	if reused {
		reasons = append(reasons, "reused mapping spec from vendor memory")
	}
	if dry.InvalidRecords > 0 {
		reasons = append(reasons,
			fmt.Sprintf("dry run flagged %d of %d sampled records", dry.InvalidRecords, dry.TotalRecords))
	}
	if !rn.MappingApproved {
		rn.Status = StatusAwaitingApproval
		reasons = append(reasons, "mapping requires approval")
	}
	return phaseOutcome{counts: counts, reason: strings.Join(reasons, "; ")}, nil
}

// draftSpec prefers the vendor's mapping memory when a prior spec finished a
// run with zero invalid records, then falls back to the proposer chain.
func (s *Service) draftSpec(ctx context.Context, rn *Run, prof source.Profile) (mapping.Spec, bool, error) {
	mem, ok, err := s.deps.Memory.Mappings.Read(rn.Vendor)
	if err != nil {
		s.logger.Warn().Err(err).Str("vendor", rn.Vendor).Msg("mapping memory unreadable")
	} else if ok {
		for _, entry := range mem.Entries {
			if entry.InvalidRecords > 0 || entry.ValidRecords == 0 {
				continue
			}
			var spec mapping.Spec
			if json.Unmarshal(entry.Spec, &spec) != nil || !spec.Valid() {
				continue
			}
			s.logger.Info().
				Str("run_id", rn.ID.String()).
				Str("vendor", rn.Vendor).
				Int("spec_revision", spec.Revision).
				Msg("reusing mapping spec from memory")
			return spec, true, nil
		}
	}

	safeCtx := s.safe.BuildFromProfile(prof, nil)
	spec, err := s.deps.Proposer.ProposeMappingSpec(ctx, safeCtx)
	if err != nil {
		return mapping.Spec{}, false, fmt.Errorf("proposing mapping: %w", err)
	}
	return spec, false, nil
}

// collectSample transforms up to DryRunSampleSize records per entity and
// stops early once every mapped entity hit the cap. Nothing is persisted.
func (s *Service) collectSample(ctx context.Context, rn *Run, spec mapping.Spec) ([]canonical.Record, error) {
	adapter, err := s.deps.Sources.For(rn.Vendor, rn.SourceKind)
	if err != nil {
		return nil, err
	}
	refs, err := s.sourceRefs(ctx, rn)
	if err != nil {
		return nil, err
	}

	limit := s.cfg.DryRunSampleSize
	entityCount := len(specEntities(spec))
	perEntity := make(map[canonical.EntityType]int, entityCount)
	full := 0
	var sample []canonical.Record

	err = adapter.Transform(ctx, refs, spec, func(et canonical.EntityType, rec canonical.Record) error {
		if perEntity[et] >= limit {
			return nil
		}
		perEntity[et]++
		sample = append(sample, rec)
		if perEntity[et] == limit {
			full++
			if full == entityCount {
				return errSampleDone
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSampleDone) {
		return nil, err
	}
	return sample, nil
}

// ---------------------------------------------------------------------------
// Transform
// ---------------------------------------------------------------------------

func (s *Service) phaseTransform(ctx context.Context, rn *Run) (phaseOutcome, error) {
	if rn.MappingSpec == nil {
		return phaseOutcome{}, ErrNoMappingSpec
	}
	if !rn.MappingApproved {
		return phaseOutcome{}, ErrMappingNotApproved
	}

	total, byEntity, err := s.transformAndStore(ctx, rn, *rn.MappingSpec)
	if err != nil {
		return phaseOutcome{}, err
	}
	return phaseOutcome{counts: map[string]int{
		"records":  total,
		"entities": len(byEntity),
	}}, nil
}

// transformAndStore runs the full transform and writes one artifact per
// mapped entity, empty entities included so downstream reads are
// deterministic.
func (s *Service) transformAndStore(ctx context.Context, rn *Run, spec mapping.Spec) (int, map[canonical.EntityType]int, error) {
	adapter, err := s.deps.Sources.For(rn.Vendor, rn.SourceKind)
	if err != nil {
		return 0, nil, err
	}
	refs, err := s.sourceRefs(ctx, rn)
	if err != nil {
		return 0, nil, err
	}

	entities := specEntities(spec)
	byEntity := make(map[canonical.EntityType][]canonical.Record, len(entities))
	for _, et := range entities {
		byEntity[et] = []canonical.Record{}
	}
	err = adapter.Transform(ctx, refs, spec, func(et canonical.EntityType, rec canonical.Record) error {
		byEntity[et] = append(byEntity[et], rec)
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("transforming source: %w", err)
	}

	total := 0
	counts := make(map[canonical.EntityType]int, len(entities))
	for _, et := range entities {
		recs := byEntity[et]
		data, err := json.Marshal(recs)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding %s records: %w", et, err)
		}
		if _, err := s.deps.Artifacts.Put(ctx, rn.ID.String(), transformedKey(et), data); err != nil {
			return 0, nil, fmt.Errorf("storing %s records: %w", et, err)
		}
		counts[et] = len(recs)
		total += len(recs)
	}
	return total, counts, nil
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func (s *Service) phaseValidate(ctx context.Context, rn *Run) (phaseOutcome, error) {
	if rn.MappingSpec == nil {
		return phaseOutcome{}, ErrNoMappingSpec
	}

	records, err := s.readTransformed(ctx, rn)
	if err != nil {
		return phaseOutcome{}, err
	}
	report := validateFull(records)

	attempts := 0
	for !report.Passed && rn.CorrectionAttempts < s.cfg.CorrectionMaxAttempts {
		if !s.deps.Proposer.IsAvailable() {
			break
		}
		rn.CorrectionAttempts++
		attempts++

		corrected, ok, err := s.correctSpec(ctx, rn, records, report)
		if err != nil {
			return phaseOutcome{}, err
		}
		if !ok {
			break
		}

		rn.MappingSpec = &corrected
		if err := s.storeSpecArtifact(ctx, rn, corrected); err != nil {
			return phaseOutcome{}, err
		}
		if _, _, err := s.transformAndStore(ctx, rn, corrected); err != nil {
			return phaseOutcome{}, fmt.Errorf("re-transforming after correction: %w", err)
		}
		if records, err = s.readTransformed(ctx, rn); err != nil {
			return phaseOutcome{}, err
		}
		report = validateFull(records)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return phaseOutcome{}, fmt.Errorf("encoding validation report: %w", err)
	}
	if _, err := s.deps.Artifacts.Put(ctx, rn.ID.String(), validationReportKey, data); err != nil {
		return phaseOutcome{}, fmt.Errorf("storing validation report: %w", err)
	}

	counts := map[string]int{
		"valid":       report.ValidRecords,
		"invalid":     report.InvalidRecords,
		"warnings":    report.WarningCount,
		"corrections": attempts,
	}

	if !report.Passed {
		rn.Status = StatusAwaitingIntervention
		return phaseOutcome{
			counts: counts,
			failed: true,
			reason: fmt.Sprintf("validation failed after %d correction attempts: %d invalid records",
				rn.CorrectionAttempts, report.InvalidRecords),
		}, nil
	}

	s.recordMappingOutcome(rn, report)
	return phaseOutcome{counts: counts}, nil
}

// validateFull runs the per-record batch pass, then the referential pass
// over the complete ID universe.
func validateFull(records []canonical.Record) canonical.Report {
	report := canonical.ValidateBatch(records)
	report.MergeIssues(canonical.CheckReferences(records))
	return report
}

// correctSpec asks the proposer for a revised spec from non-PHI feedback.
// ok is false when no usable correction came back; that ends the loop
// without failing the phase machinery itself.
func (s *Service) correctSpec(ctx context.Context, rn *Run, records []canonical.Record, report canonical.Report) (mapping.Spec, bool, error) {
	prof, err := s.readProfile(ctx, rn)
	if err != nil {
		return mapping.Spec{}, false, err
	}
	packet := canonical.BuildSamplingPacket(records)
	feedback := mapping.BuildMappingFeedback(*rn.MappingSpec, report, packet)
	safeCtx := s.safe.BuildFromProfile(prof, nil)

	corrected, err := s.deps.Proposer.CorrectMappingSpec(ctx, safeCtx, *rn.MappingSpec, feedback)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("run_id", rn.ID.String()).
			Int("attempt", rn.CorrectionAttempts).
			Msg("mapping correction unavailable")
		return mapping.Spec{}, false, nil
	}
	if problems := corrected.Problems(); len(problems) > 0 {
		s.logger.Warn().
			Str("run_id", rn.ID.String()).
			Int("attempt", rn.CorrectionAttempts).
			Strs("problems", problems).
			Msg("corrected spec rejected")
		return mapping.Spec{}, false, nil
	}
	return corrected, true, nil
}

// recordMappingOutcome appends the validated spec to the vendor's mapping
// memory so later runs can skip proposing from scratch.
func (s *Service) recordMappingOutcome(rn *Run, report canonical.Report) {
	raw, err := json.Marshal(rn.MappingSpec)
	if err != nil {
		return
	}
	entry := memory.MappingMemoryEntry{
		RecordedAt:     time.Now().UTC(),
		SpecRevision:   rn.MappingSpec.Revision,
		Spec:           raw,
		ValidRecords:   report.ValidRecords,
		InvalidRecords: report.InvalidRecords,
	}
	if err := s.deps.Memory.Mappings.Append(rn.Vendor, entry); err != nil {
		s.logger.Warn().Err(err).Str("vendor", rn.Vendor).Msg("mapping memory write failed")
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func (s *Service) phaseLoad(ctx context.Context, rn *Run) (phaseOutcome, error) {
	records, err := s.readTransformed(ctx, rn)
	if err != nil {
		return phaseOutcome{}, err
	}

	loaded, changed := 0, 0
	for _, rec := range records {
		staging, err := ledger.NewStagingRecord(rn.ID, rec)
		if err != nil {
			return phaseOutcome{}, fmt.Errorf("staging %s: %w", rec.CanonicalID, err)
		}
		didChange, err := s.deps.Ledger.RecordLoad(ctx, staging, rec.SourceRecordID)
		if err != nil {
			return phaseOutcome{}, fmt.Errorf("loading %s: %w", rec.CanonicalID, err)
		}
		loaded++
		if didChange {
			changed++
		}
		s.deps.Metrics.AddRecords(string(rec.EntityType), "loaded", 1)
	}

	return phaseOutcome{counts: map[string]int{
		"loaded":    loaded,
		"changed":   changed,
		"unchanged": loaded - changed,
	}}, nil
}

// ---------------------------------------------------------------------------
// Promote
// ---------------------------------------------------------------------------

func (s *Service) phasePromote(ctx context.Context, rn *Run) (phaseOutcome, error) {
	// Canonical ID to destination ID, built as parents promote so children
	// can resolve their foreign keys. The map lives only for this phase.
	destIDs := make(map[string]string)
	promoted, failed, skipped := 0, 0, 0

	for _, et := range canonical.PromotionOrder {
		staged, err := s.deps.Ledger.StagingForEntity(ctx, rn.ID, et)
		if err != nil {
			return phaseOutcome{}, err
		}
		for _, sr := range staged {
			if sr.Status != ledger.StatusStaged {
				continue
			}
			rec, err := sr.DecodePayload()
			if err != nil {
				failed++
				if err := s.deps.Ledger.MarkOutcome(ctx, rn.ID, et, sr.CanonicalID, ledger.StatusFailed, promoteErrorCode); err != nil {
					return phaseOutcome{}, err
				}
				s.logger.Error().Err(err).
					Str("run_id", rn.ID.String()).
					Str("canonical_id", sr.CanonicalID).
					Msg("staging payload undecodable")
				continue
			}

			if dep, unresolved := unresolvedDependency(rec, destIDs); unresolved {
				skipped++
				s.deps.Metrics.AddRecords(string(et), "skipped", 1)
				if err := s.deps.Ledger.MarkOutcome(ctx, rn.ID, et, sr.CanonicalID, ledger.StatusSkipped, ""); err != nil {
					return phaseOutcome{}, err
				}
				s.logger.Warn().
					Str("run_id", rn.ID.String()).
					Str("entity_type", string(et)).
					Str("canonical_id", sr.CanonicalID).
					Str("dependency", dep).
					Msg("dependency did not promote, skipping record")
				continue
			}

			destID, err := s.deps.Destination.CreateRecord(ctx, et, promotePayload(rec, destIDs))
			if err != nil {
				failed++
				s.deps.Metrics.AddRecords(string(et), "failed", 1)
				if err := s.deps.Ledger.MarkOutcome(ctx, rn.ID, et, sr.CanonicalID, ledger.StatusFailed, promoteErrorCode); err != nil {
					return phaseOutcome{}, err
				}
				s.logger.Warn().Err(err).
					Str("run_id", rn.ID.String()).
					Str("entity_type", string(et)).
					Str("canonical_id", sr.CanonicalID).
					Msg("destination rejected record")
				continue
			}

			destIDs[rec.CanonicalID] = destID
			promoted++
			s.deps.Metrics.AddRecords(string(et), "promoted", 1)
			if err := s.deps.Ledger.MarkOutcome(ctx, rn.ID, et, sr.CanonicalID, ledger.StatusPromoted, ""); err != nil {
				return phaseOutcome{}, err
			}
		}
	}

	out := phaseOutcome{counts: map[string]int{
		"promoted": promoted,
		"failed":   failed,
		"skipped":  skipped,
	}}
	if failed > 0 || skipped > 0 {
		out.reason = fmt.Sprintf("%d records failed, %d skipped on unresolved dependencies", failed, skipped)
	}
	return out, nil
}

// unresolvedDependency reports the first canonical foreign key whose target
// has no destination ID yet. Absent or empty keys are not dependencies;
// required-ness was validated earlier.
func unresolvedDependency(rec canonical.Record, destIDs map[string]string) (string, bool) {
	for _, rel := range canonical.EntityRelationships(rec.EntityType) {
		id, _ := rec.Fields[rel.Field].(string)
		if id == "" {
			continue
		}
		if _, ok := destIDs[id]; !ok {
			return rel.Field, true
		}
	}
	return "", false
}

// promotePayload rewrites canonical foreign keys to destination IDs and
// carries the canonical ID so the destination can deduplicate retries.
func promotePayload(rec canonical.Record, destIDs map[string]string) map[string]any {
	payload := make(map[string]any, len(rec.Fields)+2)
	for k, v := range rec.Fields {
		payload[k] = v
	}
	for _, rel := range canonical.EntityRelationships(rec.EntityType) {
		if id, ok := payload[rel.Field].(string); ok && id != "" {
			if destID, ok := destIDs[id]; ok {
				payload[rel.Field] = destID
			}
		}
	}
	payload["canonicalId"] = rec.CanonicalID
	payload["sourceRecordId"] = rec.SourceRecordID
	return payload
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

func (s *Service) phaseReconcile(ctx context.Context, rn *Run) (phaseOutcome, error) {
	prof, err := s.readProfile(ctx, rn)
	if err != nil {
		return phaseOutcome{}, err
	}
	ledgerCounts, err := s.deps.Ledger.Counts(ctx, rn.ID)
	if err != nil {
		return phaseOutcome{}, err
	}

	sourceCounts := make(map[canonical.EntityType]int)
	for _, ep := range prof.Entities {
		et, ok := reconcileEntityType(ep.EntityType)
		if !ok {
			s.logger.Warn().
				Str("run_id", rn.ID.String()).
				Str("source_entity", ep.EntityType).
				Msg("source entity name does not singularize to a canonical type")
			continue
		}
		sourceCounts[et] += ep.RecordCount
	}

	entities := make(map[string]EntityReport)
	var totalSource, totalPromoted, totalFailed, totalSkipped int
	for et, src := range sourceCounts {
		rep := EntityReport{SourceRecords: src}
		if lc, ok := ledgerCounts[et]; ok {
			rep.Staged = lc.Staged
			rep.Promoted = lc.Promoted
			rep.Failed = lc.Failed
			rep.Skipped = lc.Skipped
		}
		entities[string(et)] = rep
		totalSource += src
		totalPromoted += rep.Promoted
		totalFailed += rep.Failed
		totalSkipped += rep.Skipped
	}
	for et, lc := range ledgerCounts {
		if _, ok := sourceCounts[et]; ok {
			continue
		}
		entities[string(et)] = EntityReport{
			Staged:   lc.Staged,
			Promoted: lc.Promoted,
			Failed:   lc.Failed,
			Skipped:  lc.Skipped,
		}
		totalPromoted += lc.Promoted
		totalFailed += lc.Failed
		totalSkipped += lc.Skipped
	}

	completeness := 1.0
	if totalSource > 0 {
		completeness = float64(totalPromoted) / float64(totalSource)
	}
	status := StatusComplete
	switch {
	case totalSource > 0 && totalPromoted == 0:
		status = StatusFailed
	case totalPromoted < totalSource || totalFailed > 0 || totalSkipped > 0:
		status = StatusPartial
	}

	rn.Report = &Reconciliation{
		Status:       status,
		Completeness: completeness,
		Entities:     entities,
		GeneratedAt:  time.Now().UTC(),
	}
	rn.Status = status

	out := phaseOutcome{counts: map[string]int{
		"source":   totalSource,
		"promoted": totalPromoted,
		"failed":   totalFailed,
		"skipped":  totalSkipped,
	}}
	if status != StatusComplete {
		out.reason = fmt.Sprintf("migration %s at %.1f%% completeness", status, completeness*100)
	}
	return out, nil
}

// reconcileEntityType singularizes a source entity name by trimming one
// trailing "s". Names that do not singularize this way stay unmatched.
func reconcileEntityType(name string) (canonical.EntityType, bool) {
	et, err := canonical.ParseEntityType(strings.TrimSuffix(name, "s"))
	if err != nil {
		return "", false
	}
	return et, true
}

// ---------------------------------------------------------------------------
// Artifact plumbing
// ---------------------------------------------------------------------------

func transformedKey(et canonical.EntityType) string {
	return transformedKeyPrefix + string(et) + ".json"
}

// sourceRefs lists the run's uploaded source files, excluding phase outputs.
func (s *Service) sourceRefs(ctx context.Context, rn *Run) ([]artifact.Ref, error) {
	refs, err := s.deps.Artifacts.List(ctx, rn.ID.String())
	if err != nil {
		return nil, err
	}
	var out []artifact.Ref
	for _, ref := range refs {
		if strings.HasPrefix(ref.Key, sourceKeyPrefix) {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (s *Service) findRef(ctx context.Context, rn *Run, key string) (artifact.Ref, bool, error) {
	refs, err := s.deps.Artifacts.List(ctx, rn.ID.String())
	if err != nil {
		return artifact.Ref{}, false, err
	}
	for _, ref := range refs {
		if ref.Key == key {
			return ref, true, nil
		}
	}
	return artifact.Ref{}, false, nil
}

func (s *Service) readProfile(ctx context.Context, rn *Run) (source.Profile, error) {
	ref, ok, err := s.findRef(ctx, rn, profileKey)
	if err != nil {
		return source.Profile{}, err
	}
	if !ok {
		return source.Profile{}, errors.New("profile artifact missing; run the profile phase first")
	}
	data, err := s.deps.Artifacts.Get(ctx, ref)
	if err != nil {
		return source.Profile{}, fmt.Errorf("reading profile artifact: %w", err)
	}
	var prof source.Profile
	if err := json.Unmarshal(data, &prof); err != nil {
		return source.Profile{}, fmt.Errorf("decoding profile artifact: %w", err)
	}
	return prof, nil
}

// readTransformed loads the transformed batch for every entity the current
// spec maps, in entity order.
func (s *Service) readTransformed(ctx context.Context, rn *Run) ([]canonical.Record, error) {
	if rn.MappingSpec == nil {
		return nil, ErrNoMappingSpec
	}
	var records []canonical.Record
	for _, et := range specEntities(*rn.MappingSpec) {
		ref, ok, err := s.findRef(ctx, rn, transformedKey(et))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("transformed artifact for %s missing; run the transform phase first", et)
		}
		data, err := s.deps.Artifacts.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("reading %s records: %w", et, err)
		}
		var recs []canonical.Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("decoding %s records: %w", et, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (s *Service) storeSpecArtifact(ctx context.Context, rn *Run, spec mapping.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding mapping spec: %w", err)
	}
	key := fmt.Sprintf(specKeyPattern, spec.Revision)
	if _, err := s.deps.Artifacts.Put(ctx, rn.ID.String(), key, data); err != nil {
		return fmt.Errorf("storing mapping spec: %w", err)
	}
	return nil
}

// specEntities returns the distinct canonical entity types a spec maps,
// sorted for stable artifact and count ordering.
func specEntities(spec mapping.Spec) []canonical.EntityType {
	seen := make(map[canonical.EntityType]bool, len(spec.EntityMappings))
	var out []canonical.EntityType
	for _, em := range spec.EntityMappings {
		if !seen[em.CanonicalType] {
			seen[em.CanonicalType] = true
			out = append(out, em.CanonicalType)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
