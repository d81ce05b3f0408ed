package ai

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/phi"
	"github.com/ehr/migrate/internal/platform/telemetry"
)

// ProposerChain tries proposers in priority order and returns the first
// structurally valid spec. A proposer is skipped when it is unavailable,
// returns an error, or returns a spec that fails validation. With the
// heuristic proposer last, the chain always yields a valid spec.
type ProposerChain struct {
	proposers []Proposer
	logger    zerolog.Logger
	metrics   *telemetry.Provider
}

// NewProposerChain builds the chain in the given priority order.
func NewProposerChain(logger zerolog.Logger, proposers ...Proposer) *ProposerChain {
	return &ProposerChain{
		proposers: proposers,
		logger:    logger.With().Str("component", "proposer_chain").Logger(),
	}
}

// WithMetrics counts which proposer serves each accepted spec.
func (c *ProposerChain) WithMetrics(m *telemetry.Provider) *ProposerChain {
	c.metrics = m
	return c
}

// Name identifies the chain in logs.
func (c *ProposerChain) Name() string { return "chain" }

// IsAvailable reports whether any proposer in the chain is available.
func (c *ProposerChain) IsAvailable() bool {
	for _, p := range c.proposers {
		if p.IsAvailable() {
			return true
		}
	}
	return false
}

// ProposeMappingSpec walks the chain until a proposer returns a valid draft.
func (c *ProposerChain) ProposeMappingSpec(ctx context.Context, safeCtx phi.SafeContext) (mapping.Spec, error) {
	return c.walk(ctx, func(p Proposer) (mapping.Spec, error) {
		return p.ProposeMappingSpec(ctx, safeCtx)
	})
}

// CorrectMappingSpec walks the chain until a proposer returns a valid
// corrected spec.
func (c *ProposerChain) CorrectMappingSpec(ctx context.Context, safeCtx phi.SafeContext, prior mapping.Spec, feedback mapping.Feedback) (mapping.Spec, error) {
	return c.walk(ctx, func(p Proposer) (mapping.Spec, error) {
		return p.CorrectMappingSpec(ctx, safeCtx, prior, feedback)
	})
}

func (c *ProposerChain) walk(ctx context.Context, call func(Proposer) (mapping.Spec, error)) (mapping.Spec, error) {
	for _, p := range c.proposers {
		if ctx.Err() != nil {
			return mapping.Spec{}, ctx.Err()
		}
		if !p.IsAvailable() {
			c.logger.Debug().Str("proposer", p.Name()).Msg("proposer unavailable, trying next")
			continue
		}
		spec, err := call(p)
		if err != nil {
			c.logger.Warn().Err(err).Str("proposer", p.Name()).Msg("proposer failed, trying next")
			continue
		}
		if problems := spec.Problems(); len(problems) > 0 {
			c.logger.Warn().
				Str("proposer", p.Name()).
				Int("problems", len(problems)).
				Str("first", problems[0]).
				Msg("proposer returned invalid spec, trying next")
			continue
		}
		c.logger.Info().
			Str("proposer", p.Name()).
			Int("entities", len(spec.EntityMappings)).
			Msg("spec drafted")
		c.metrics.CountProposal(p.Name())
		return spec, nil
	}
	return mapping.Spec{}, ErrNoBackend
}
