// Package discovery runs the bounded agentic loop that learns how to query
// an unknown vendor GraphQL API: which types exist, which root queries serve
// the required canonical entities, and how those queries paginate. Everything
// the model sees crosses the redaction boundary first; everything it learns
// is persisted to cross-run memory so the next run for the same vendor can
// skip the loop entirely.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/migrate/internal/platform/ai"
	"github.com/ehr/migrate/internal/platform/memory"
	"github.com/ehr/migrate/internal/platform/source"
)

// ---------------------------------------------------------------------------
// Agent
// ---------------------------------------------------------------------------

// Agent drives schema discovery for one vendor endpoint at a time.
type Agent struct {
	client        ai.Client
	executor      source.QueryExecutor
	stores        *memory.Stores
	maxIterations int
	logger        zerolog.Logger
}

// NewAgent wires a discovery agent. maxIterations bounds the tool loop.
func NewAgent(client ai.Client, executor source.QueryExecutor, stores *memory.Stores, maxIterations int, logger zerolog.Logger) *Agent {
	return &Agent{
		client:        client,
		executor:      executor,
		stores:        stores,
		maxIterations: maxIterations,
		logger:        logger.With().Str("component", "discovery").Logger(),
	}
}

// Result reports one discovery run.
type Result struct {
	Cache        memory.SchemaCache
	Session      *Session
	FromCache    bool
	ToolCalls    int
	Iterations   int
	TokensUsed   int
	LimitReached bool
}

// Discover returns a schema cache holding a verified query for each goal
// entity type, running the tool loop only when the existing cache cannot
// already satisfy every goal. An incomplete loop is not an error: the cache
// is persisted with whatever was verified, and the source adapter surfaces
// the gap when transform is attempted.
func (a *Agent) Discover(ctx context.Context, vendor string, goals []string) (Result, error) {
	if vendor == "" {
		return Result{}, fmt.Errorf("vendor is required")
	}
	if len(goals) == 0 {
		return Result{}, fmt.Errorf("at least one goal entity type is required")
	}

	prior, havePrior, err := a.stores.Schema.Read(vendor)
	if err != nil {
		return Result{}, fmt.Errorf("read schema cache: %w", err)
	}
	if havePrior && prior.HasQueriesFor(goals) {
		a.logger.Info().
			Str("vendor", vendor).
			Strs("goals", goals).
			Msg("schema cache satisfies all goals, skipping discovery loop")
		return Result{Cache: prior, FromCache: true}, nil
	}

	if !a.client.IsAvailable() {
		return Result{}, ai.ErrNoBackend
	}

	session := newSession(vendor, goals)
	ts := &toolset{session: session, executor: a.executor, stores: a.stores}

	start := time.Now()
	loop, err := a.client.RunToolLoop(ctx, ai.ToolLoopRequest{
		SystemPrompt:  discoverySystemPrompt,
		UserMessage:   discoveryUserMessage(vendor, goals, havePrior),
		Tools:         ts.tools(),
		Handlers:      ts.handlers(),
		MaxIterations: a.maxIterations,
	})
	if err != nil {
		return Result{Session: session}, fmt.Errorf("discovery loop: %w", err)
	}

	cache := mergeCache(prior, havePrior, session)
	if err := a.stores.Schema.Write(vendor, cache); err != nil {
		return Result{Session: session}, fmt.Errorf("persist schema cache: %w", err)
	}
	if len(session.Errors) > 0 || len(session.Quirks) > 0 {
		if err := a.stores.Errors.Record(vendor, session.Errors, session.Quirks); err != nil {
			return Result{Session: session}, fmt.Errorf("persist error memory: %w", err)
		}
	}
	if len(session.Patterns) > 0 {
		if err := a.stores.Patterns.Confirm(vendor, PatternsToMemory(session.Patterns)); err != nil {
			return Result{Session: session}, fmt.Errorf("persist pattern memory: %w", err)
		}
	}

	evt := a.logger.Info()
	if missing := session.missingGoals(); len(missing) > 0 {
		evt = a.logger.Warn().Strs("missing_goals", missing)
	}
	evt.
		Str("vendor", vendor).
		Int("verified_queries", len(session.Verified)).
		Int("queries_executed", session.QueriesExecuted).
		Int("tool_calls", loop.ToolCallCount).
		Int("iterations", loop.Iterations).
		Bool("limit_reached", loop.LimitReached).
		Dur("elapsed", time.Since(start)).
		Msg("discovery loop finished")

	return Result{
		Cache:        cache,
		Session:      session,
		ToolCalls:    loop.ToolCallCount,
		Iterations:   loop.Iterations,
		TokensUsed:   loop.TokensUsed,
		LimitReached: loop.LimitReached,
	}, nil
}

// mergeCache overlays session findings on the prior cache so partial
// discoveries accumulate across runs instead of clobbering each other.
func mergeCache(prior memory.SchemaCache, havePrior bool, session *Session) memory.SchemaCache {
	cache := memory.SchemaCache{
		Vendor:  session.Vendor,
		Types:   map[string]memory.TypeShape{},
		Queries: map[string]memory.VerifiedQuery{},
	}
	if havePrior {
		for name, shape := range prior.Types {
			cache.Types[name] = shape
		}
		for entity, vq := range prior.Queries {
			cache.Queries[entity] = vq
		}
	}
	for name, shape := range session.TypeShapes {
		cache.Types[name] = shape
	}
	for entity, vq := range session.Verified {
		cache.Queries[entity] = vq
	}
	return cache
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

const discoverySystemPrompt = `You are a schema discovery agent for a clinical records migration system.
Your job is to learn how to query an unknown vendor GraphQL API and store one
verified, paginated query per required entity type.

Rules:
- You can never see patient data. Query responses are redacted to structure
  only: string lengths, zeroed numbers, array shapes, pagination metadata.
  That is all you need; reason about shape, not values.
- Work incrementally: list root queries first, introspect the types they
  return, draft a small query, execute it, and repair it from the error
  messages until it succeeds.
- Check read_cache early. Prior runs may have verified queries, recorded
  errors you should not repeat, and pagination patterns this vendor family
  tends to use.
- Prefer paginated queries (relay pageInfo/endCursor or limit/offset) so
  large datasets can be streamed. Set recordPath to the path from the
  response root to the individual record objects.
- Call store_artifact once per entity type as soon as its query works. The
  tool re-executes the query to verify it before accepting it.
- Stop when every required entity type has a stored query, and reply with a
  one-line summary of what was verified.`

func discoveryUserMessage(vendor string, goals []string, havePrior bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vendor: %s\n", vendor)
	fmt.Fprintf(&b, "Required entity types: %s\n", strings.Join(goals, ", "))
	if havePrior {
		b.WriteString("A prior schema cache exists for this vendor but does not cover every required entity type; read_cache will show what is already known.\n")
	} else {
		b.WriteString("No prior knowledge exists for this vendor.\n")
	}
	b.WriteString("Find and store one verified query per required entity type.")
	return b.String()
}
