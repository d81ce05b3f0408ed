package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPExecutor posts GraphQL documents to a vendor endpoint. It is the
// deployment-facing QueryExecutor; the adapter and discovery agent only ever
// see its decoded (and, for the agent, redacted) output.
type HTTPExecutor struct {
	endpoint   string
	authHeader string
	authValue  string
	httpClient *http.Client
}

// NewHTTPExecutor returns an executor for one vendor endpoint. authHeader and
// authValue carry the vendor credential (e.g. "Authorization", "Bearer ...")
// and may be empty for unauthenticated sandboxes.
func NewHTTPExecutor(endpoint, authHeader, authValue string) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint:   endpoint,
		authHeader: authHeader,
		authValue:  authValue,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type graphqlHTTPRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Execute runs one query. GraphQL-level errors come back inside QueryResult;
// transport and non-200 failures come back as an error.
func (e *HTTPExecutor) Execute(ctx context.Context, query string, variables map[string]any) (QueryResult, error) {
	body, err := json.Marshal(graphqlHTTPRequest{Query: query, Variables: variables})
	if err != nil {
		return QueryResult{}, fmt.Errorf("encoding graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return QueryResult{}, fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.authHeader != "" {
		req.Header.Set(e.authHeader, e.authValue)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("posting to %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return QueryResult{}, fmt.Errorf("reading graphql response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		// Response bodies from failed vendor calls may carry data; report
		// only the status.
		return QueryResult{}, fmt.Errorf("graphql endpoint returned status %d", resp.StatusCode)
	}

	var result QueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		return QueryResult{}, fmt.Errorf("decoding graphql response: %w", err)
	}
	return result, nil
}
