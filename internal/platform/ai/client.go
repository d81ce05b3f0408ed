// Package ai holds the intelligence layer: a direct Messages-API client with
// single-shot completion and a bounded tool loop, an OpenAI-backed secondary
// proposer, a deterministic heuristic proposer, and the availability-checked
// chain that orders them. Everything entering this package has already
// crossed the PHI boundary; clients accept SafeContext, MappingFeedback, and
// redacted trees only.
package ai

import (
	"context"
	"errors"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrUnavailable   = errors.New("ai backend is not available")
	ErrNoBackend     = errors.New("no ai backend could serve the request")
	ErrEmptyResponse = errors.New("ai backend returned no content")
)

// ---------------------------------------------------------------------------
// Client contract
// ---------------------------------------------------------------------------

// Tool describes one capability offered to the model during a tool loop.
// InputSchema is a JSON Schema document.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolHandler executes one tool call. A returned error is relayed to the
// model as an error tool result (message only) so it can self-correct; it
// does not abort the loop.
type ToolHandler func(ctx context.Context, input map[string]any) (string, error)

// ToolLoopRequest configures one bounded agentic loop.
type ToolLoopRequest struct {
	SystemPrompt  string
	UserMessage   string
	Tools         []Tool
	Handlers      map[string]ToolHandler
	MaxIterations int
}

// ToolLoopResult reports how a tool loop ended.
type ToolLoopResult struct {
	FinalText     string
	ToolCallCount int
	TokensUsed    int
	Iterations    int
	// LimitReached is set when the loop stopped at MaxIterations rather
	// than at a model stop signal.
	LimitReached bool
}

// Client is the contract the direct backend implements. Complete is a
// single-shot exchange; RunToolLoop drives the bounded agentic loop used by
// schema discovery.
type Client interface {
	Name() string
	IsAvailable() bool
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
	RunToolLoop(ctx context.Context, req ToolLoopRequest) (ToolLoopResult, error)
}
