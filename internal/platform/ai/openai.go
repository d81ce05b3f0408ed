package ai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/phi"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures the secondary proposer backend.
type OpenAIConfig struct {
	APIKey string
	Model  string
}

// OpenAIProposer serves the same proposeMappingSpec contract through chat
// completions, so one missing credential does not take out the whole
// drafting path.
type OpenAIProposer struct {
	client *openai.Client
	apiKey string
	model  string
	logger zerolog.Logger
}

// NewOpenAIProposer returns the proposer. A missing API key leaves it
// unavailable rather than erroring.
func NewOpenAIProposer(cfg OpenAIConfig, logger zerolog.Logger) *OpenAIProposer {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	var client *openai.Client
	if cfg.APIKey != "" {
		client = openai.NewClient(cfg.APIKey)
	}
	return &OpenAIProposer{
		client: client,
		apiKey: cfg.APIKey,
		model:  model,
		logger: logger.With().Str("component", "ai-openai").Logger(),
	}
}

// Name identifies the proposer in logs and chain decisions.
func (p *OpenAIProposer) Name() string { return "openai" }

// IsAvailable reports whether a credential is configured.
func (p *OpenAIProposer) IsAvailable() bool { return p.apiKey != "" }

// ProposeMappingSpec drafts a spec from the masked profile.
func (p *OpenAIProposer) ProposeMappingSpec(ctx context.Context, safeCtx phi.SafeContext) (mapping.Spec, error) {
	message, err := buildDraftMessage(safeCtx)
	if err != nil {
		return mapping.Spec{}, err
	}
	text, err := p.complete(ctx, draftSystemPrompt, message)
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
func (p *OpenAIProposer) CorrectMappingSpec(ctx context.Context, safeCtx phi.SafeContext, prior mapping.Spec, feedback mapping.Feedback) (mapping.Spec, error) {
	message, err := buildCorrectionMessage(safeCtx, prior, feedback)
	if err != nil {
		return mapping.Spec{}, err
	}
	text, err := p.complete(ctx, correctionSystemPrompt, message)
	if err != nil {
		return mapping.Spec{}, fmt.Errorf("correcting mapping spec: %w", err)
	}
	spec, err := mapping.DecodeSpec(text)
	if err != nil {
		return mapping.Spec{}, fmt.Errorf("decoding corrected spec: %w", err)
	}
	return finishSpec(spec, prior.SourceVendor, prior.Revision), nil
}

func (p *OpenAIProposer) complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	if !p.IsAvailable() {
		return "", ErrUnavailable
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
