package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/phi"
)

// ---------------------------------------------------------------------------
// Proposer contract
// ---------------------------------------------------------------------------

// Proposer drafts a mapping spec from a masked profile and corrects one from
// validation feedback. Implementations never see source data; the inputs are
// SafeContext and MappingFeedback only.
type Proposer interface {
	Name() string
	IsAvailable() bool
	ProposeMappingSpec(ctx context.Context, safeCtx phi.SafeContext) (mapping.Spec, error)
	CorrectMappingSpec(ctx context.Context, safeCtx phi.SafeContext, prior mapping.Spec, feedback mapping.Feedback) (mapping.Spec, error)
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

const draftSystemPrompt = `You design field mappings that migrate practice-management exports into a fixed canonical clinical schema.

You receive only metadata: field names, inferred types, and statistical summaries. You never receive data values and must never ask for them.

Respond with a single JSON object and nothing else:
{"version":1,"sourceVendor":"...","entityMappings":[{"sourceEntity":"...","canonicalType":"...","sourceIdField":"...","fieldMappings":[{"sourceField":"...","targetField":"...","transform":"...","confidence":0.0,"requiresApproval":false}],"enumMaps":{"sourceField":{"sourceValue":"canonicalValue"}}}]}

Rules:
- canonicalType must be one of: patient, appointment, chart, encounter, consent, photo, document, invoice.
- targetField must exist on that canonical type in the provided schema description.
- transform, when present, must be one of: normalizeDate, normalizePhone, normalizeEmail, trim, toUpper, toLower, mapEnum, splitName, concat, defaultValue, hashToken.
- confidence is your own calibrated estimate in [0,1]; any mapping with confidence below 0.8 must set requiresApproval to true.
- Relationship fields (canonicalPatientId, canonicalAppointmentId, canonicalEncounterId) map from the source foreign-key field; do not invent transforms for them.
- Omit source fields you cannot place; do not force a mapping.`

const correctionSystemPrompt = `You repair a field mapping spec that failed deterministic validation.

You receive the prior spec, the validation feedback (error codes, field names, and counts only), and the same masked profile and schema description as before. Produce a corrected spec that addresses the reported codes. Keep mappings that were not implicated. Respond with a single JSON object in the same shape as the prior spec, and nothing else. The same rules apply: allowlisted transforms only, confidence below 0.8 requires requiresApproval=true.`

func buildDraftMessage(safeCtx phi.SafeContext) (string, error) {
	ctxJSON, err := safeCtx.JSON()
	if err != nil {
		return "", fmt.Errorf("rendering safe context: %w", err)
	}
	var b strings.Builder
	b.WriteString("Source profile and canonical schema description:\n\n")
	b.Write(ctxJSON)
	b.WriteString("\n\nDraft the mapping spec.")
	return b.String(), nil
}

func buildCorrectionMessage(safeCtx phi.SafeContext, prior mapping.Spec, feedback mapping.Feedback) (string, error) {
	ctxJSON, err := safeCtx.JSON()
	if err != nil {
		return "", fmt.Errorf("rendering safe context: %w", err)
	}
	priorJSON, err := json.MarshalIndent(prior, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering prior spec: %w", err)
	}
	feedbackJSON, err := json.MarshalIndent(feedback, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering feedback: %w", err)
	}

	var b strings.Builder
	b.WriteString("Prior mapping spec:\n\n")
	b.Write(priorJSON)
	b.WriteString("\n\nValidation feedback:\n\n")
	b.Write(feedbackJSON)
	b.WriteString("\n\nSource profile and canonical schema description:\n\n")
	b.Write(ctxJSON)
	b.WriteString("\n\nProduce the corrected mapping spec.")
	return b.String(), nil
}

// finishSpec fills defaults a model may omit and stamps the revision.
func finishSpec(spec mapping.Spec, vendor string, priorRevision int) mapping.Spec {
	if spec.Version <= 0 {
		spec.Version = 1
	}
	if spec.SourceVendor == "" {
		spec.SourceVendor = vendor
	}
	if spec.Revision <= priorRevision {
		spec.Revision = priorRevision + 1
	}
	return spec
}

// ---------------------------------------------------------------------------
// Direct proposer
// ---------------------------------------------------------------------------

// DirectProposer adapts the direct client to the Proposer contract.
type DirectProposer struct {
	client Client
}

// NewDirectProposer wraps a Client.
func NewDirectProposer(client Client) *DirectProposer {
	return &DirectProposer{client: client}
}

// Name identifies the proposer in logs and chain decisions.
func (p *DirectProposer) Name() string { return p.client.Name() }

// IsAvailable defers to the underlying client.
func (p *DirectProposer) IsAvailable() bool { return p.client.IsAvailable() }

// ProposeMappingSpec drafts a spec from the masked profile.
func (p *DirectProposer) ProposeMappingSpec(ctx context.Context, safeCtx phi.SafeContext) (mapping.Spec, error) {
	message, err := buildDraftMessage(safeCtx)
	if err != nil {
		return mapping.Spec{}, err
	}
	text, err := p.client.Complete(ctx, draftSystemPrompt, message)
	if err != nil {
		return mapping.Spec{}, fmt.Errorf("drafting mapping spec: %w", err)
	}
	spec, err := mapping.DecodeSpec(text)
	if err != nil {
		return mapping.Spec{}, fmt.Errorf("decoding drafted spec: %w", err)
	}
	return finishSpec(spec, safeCtx.SourceProfile.SourceVendor, 0), nil
}

// CorrectMappingSpec produces a new spec addressing the feedback.
func (p *DirectProposer) CorrectMappingSpec(ctx context.Context, safeCtx phi.SafeContext, prior mapping.Spec, feedback mapping.Feedback) (mapping.Spec, error) {
	message, err := buildCorrectionMessage(safeCtx, prior, feedback)
	if err != nil {
		return mapping.Spec{}, err
	}
	text, err := p.client.Complete(ctx, correctionSystemPrompt, message)
	if err != nil {
		return mapping.Spec{}, fmt.Errorf("correcting mapping spec: %w", err)
	}
	spec, err := mapping.DecodeSpec(text)
	if err != nil {
		return mapping.Spec{}, fmt.Errorf("decoding corrected spec: %w", err)
	}
	return finishSpec(spec, prior.SourceVendor, prior.Revision), nil
}
