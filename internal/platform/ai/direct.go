package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	apiVersion       = "2023-06-01"
	defaultBaseURL   = "https://api.anthropic.com"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

// ---------------------------------------------------------------------------
// Wire types (Messages API)
// ---------------------------------------------------------------------------

type messageRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
	Tools     []Tool        `json:"tools,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type messageResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      tokenUsage     `json:"usage"`
	Error      *apiError      `json:"error,omitempty"`
}

type tokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Direct client
// ---------------------------------------------------------------------------

// DirectConfig configures the direct Messages-API client.
type DirectConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// DirectClient talks to an Anthropic-compatible Messages API over raw HTTP.
// The discovery agent needs per-iteration control of the tool transcript,
// so the wire format is handled here rather than behind an SDK.
type DirectClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewDirectClient returns a DirectClient. A missing API key is not an error;
// the client reports itself unavailable and the proposer chain falls
// through.
func NewDirectClient(cfg DirectConfig, logger zerolog.Logger) *DirectClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &DirectClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.With().Str("component", "ai-direct").Logger(),
	}
}

// Name identifies the backend in logs and chain decisions.
func (c *DirectClient) Name() string { return "direct" }

// IsAvailable reports whether the client is configured to make calls.
func (c *DirectClient) IsAvailable() bool { return c.apiKey != "" && c.model != "" }

// Complete sends one user message and returns the concatenated text blocks.
func (c *DirectClient) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	if !c.IsAvailable() {
		return "", ErrUnavailable
	}

	resp, err := c.send(ctx, messageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []wireMessage{
			{Role: "user", Content: []contentBlock{{Type: "text", Text: userMessage}}},
		},
	})
	if err != nil {
		return "", err
	}

	text := joinTextBlocks(resp.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// RunToolLoop drives the bounded agentic loop. Each round sends the
// accumulated transcript, dispatches any tool_use blocks to registered
// handlers, and appends the results as the next user turn. The loop ends
// when the model stops calling tools, signals end_turn, or the iteration
// ceiling is hit.
func (c *DirectClient) RunToolLoop(ctx context.Context, req ToolLoopRequest) (ToolLoopResult, error) {
	if !c.IsAvailable() {
		return ToolLoopResult{}, ErrUnavailable
	}
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	transcript := []wireMessage{
		{Role: "user", Content: []contentBlock{{Type: "text", Text: req.UserMessage}}},
	}

	var result ToolLoopResult
	for i := 0; i < maxIterations; i++ {
		resp, err := c.send(ctx, messageRequest{
			Model:     c.model,
			MaxTokens: c.maxTokens,
			System:    req.SystemPrompt,
			Messages:  transcript,
			Tools:     req.Tools,
		})
		if err != nil {
			return result, err
		}

		result.Iterations = i + 1
		result.TokensUsed += resp.Usage.InputTokens + resp.Usage.OutputTokens
		if text := joinTextBlocks(resp.Content); text != "" {
			result.FinalText = text
		}

		toolUses := toolUseBlocks(resp.Content)
		if len(toolUses) == 0 || resp.StopReason == "end_turn" {
			return result, nil
		}

		transcript = append(transcript, wireMessage{Role: "assistant", Content: resp.Content})

		results := make([]contentBlock, 0, len(toolUses))
		for _, call := range toolUses {
			results = append(results, c.dispatch(ctx, req.Handlers, call))
		}
		result.ToolCallCount += len(toolUses)
		transcript = append(transcript, wireMessage{Role: "user", Content: results})
	}

	result.LimitReached = true
	c.logger.Warn().
		Int("iterations", result.Iterations).
		Int("tool_calls", result.ToolCallCount).
		Msg("tool loop hit iteration ceiling")
	return result, nil
}

// dispatch runs one tool call. Handler errors become error tool results so
// the model can repair its request; only the message crosses back, never
// handler state.
func (c *DirectClient) dispatch(ctx context.Context, handlers map[string]ToolHandler, call contentBlock) contentBlock {
	handler, ok := handlers[call.Name]
	if !ok {
		return contentBlock{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   fmt.Sprintf("unknown tool: %s", call.Name),
			IsError:   true,
		}
	}

	output, err := handler(ctx, call.Input)
	if err != nil {
		c.logger.Debug().Str("tool", call.Name).Str("error", err.Error()).Msg("tool call failed")
		return contentBlock{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   err.Error(),
			IsError:   true,
		}
	}
	return contentBlock{
		Type:      "tool_result",
		ToolUseID: call.ID,
		Content:   output,
	}
}

func (c *DirectClient) send(ctx context.Context, payload messageRequest) (messageResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return messageResponse{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return messageResponse{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return messageResponse{}, fmt.Errorf("calling messages api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return messageResponse{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return messageResponse{}, fmt.Errorf("messages api returned status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var decoded messageResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return messageResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	if decoded.Error != nil {
		return messageResponse{}, fmt.Errorf("messages api error: %s: %s", decoded.Error.Type, decoded.Error.Message)
	}
	return decoded, nil
}

func joinTextBlocks(blocks []contentBlock) string {
	text := ""
	for _, b := range blocks {
		if b.Type == "text" {
			text += b.Text
		}
	}
	return text
}

func toolUseBlocks(blocks []contentBlock) []contentBlock {
	var calls []contentBlock
	for _, b := range blocks {
		if b.Type == "tool_use" {
			calls = append(calls, b)
		}
	}
	return calls
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
