// Package destination is the promote-phase boundary to the practice
// management system: one call per record, returning the destination's own
// identifier so later entities can resolve foreign keys against it.
package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/migrate/internal/domain/canonical"
)

// Client materializes one canonical record in the destination system and
// returns the destination-assigned ID.
type Client interface {
	CreateRecord(ctx context.Context, entityType canonical.EntityType, payload map[string]any) (string, error)
}

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

// HTTPConfig configures the practice-management API client. MaxAttempts
// bounds delivery attempts per record; RetryDelay is the base backoff between
// them.
type HTTPConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// HTTPClient talks to the practice-management records API.
type HTTPClient struct {
	baseURL     string
	token       string
	client      *http.Client
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger
}

// NewHTTPClient returns a client for the destination records API.
func NewHTTPClient(cfg HTTPConfig, logger zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger.With().Str("component", "destination").Logger(),
	}
}

type createResponse struct {
	ID string `json:"id"`
}

// CreateRecord posts one record and returns the destination ID from the
// response body. Transport errors and 5xx responses are retried up to
// maxAttempts with linear backoff; 4xx rejections are final.
func (c *HTTPClient) CreateRecord(ctx context.Context, entityType canonical.EntityType, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s record: %w", entityType, err)
	}
	url := fmt.Sprintf("%s/api/records/%s", c.baseURL, entityType)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt-1)):
			}
			c.logger.Warn().
				Str("entity_type", string(entityType)).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("retrying destination create")
		}

		id, retryable, err := c.createOnce(ctx, entityType, url, body)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

// createOnce performs a single delivery attempt. retryable marks failures
// that may succeed on a later attempt.
func (c *HTTPClient) createOnce(ctx context.Context, entityType canonical.EntityType, url string, body []byte) (id string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("destination request: %w", err)
	}
	defer resp.Body.Close()

	// Read at most 4KB of response body.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	c.logger.Debug().
		Str("entity_type", string(entityType)).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("destination create")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("destination returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		return "", resp.StatusCode >= 500, err
	}

	var created createResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", false, fmt.Errorf("decoding destination response: %w", err)
	}
	if created.ID == "" {
		return "", false, fmt.Errorf("destination response has no id")
	}
	return created.ID, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ---------------------------------------------------------------------------
// In-memory fake
// ---------------------------------------------------------------------------

// CreatedRecord is one record the fake accepted.
type CreatedRecord struct {
	EntityType    canonical.EntityType
	DestinationID string
	Payload       map[string]any
}

// Fake is the in-memory Client for tests and dry environments. Fail, when
// set, is consulted per record so tests can inject per-record rejections.
type Fake struct {
	mu      sync.Mutex
	seq     int
	created []CreatedRecord

	Fail func(entityType canonical.EntityType, payload map[string]any) error
}

// NewFake returns an empty fake destination.
func NewFake() *Fake {
	return &Fake{}
}

// CreateRecord accepts the record and assigns a sequential destination ID.
func (f *Fake) CreateRecord(_ context.Context, entityType canonical.EntityType, payload map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Fail != nil {
		if err := f.Fail(entityType, payload); err != nil {
			return "", err
		}
	}

	f.seq++
	id := fmt.Sprintf("dest-%d", f.seq)
	f.created = append(f.created, CreatedRecord{
		EntityType:    entityType,
		DestinationID: id,
		Payload:       payload,
	})
	return id, nil
}

// Created returns a copy of everything the fake accepted, in order.
func (f *Fake) Created() []CreatedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreatedRecord(nil), f.created...)
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*Fake)(nil)
)
