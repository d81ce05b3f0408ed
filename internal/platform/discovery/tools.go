package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/platform/ai"
	"github.com/ehr/migrate/internal/platform/memory"
	"github.com/ehr/migrate/internal/platform/phi"
	"github.com/ehr/migrate/internal/platform/source"
)

// ---------------------------------------------------------------------------
// Tool names
// ---------------------------------------------------------------------------

const (
	toolIntrospectType        = "introspect_type"
	toolIntrospectRootQueries = "introspect_root_queries"
	toolExecuteQuery          = "execute_query"
	toolReadCache             = "read_cache"
	toolStoreArtifact         = "store_artifact"
)

// maxToolResultBytes caps the JSON returned to the model per tool call so a
// single oversized page cannot blow up the transcript.
const maxToolResultBytes = 8 * 1024

const rootQueriesIntrospection = `query { __schema { queryType { name fields { name } } } }`

const typeIntrospection = `query TypeShape($name: String!) {
  __type(name: $name) {
    name
    kind
    fields {
      name
      type { name kind ofType { name kind ofType { name kind } } }
    }
  }
}`

// ---------------------------------------------------------------------------
// Toolset
// ---------------------------------------------------------------------------

// toolset binds the five discovery tools to one session. Every handler
// mutates the session only; persistence happens after the loop ends.
type toolset struct {
	session  *Session
	executor source.QueryExecutor
	stores   *memory.Stores
}

func (t *toolset) tools() []ai.Tool {
	return []ai.Tool{
		{
			Name:        toolIntrospectRootQueries,
			Description: "List the root query fields the vendor GraphQL API exposes. Start here.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        toolIntrospectType,
			Description: "Introspect one named GraphQL type and return its fields with their types.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type": map[string]any{
						"type":        "string",
						"description": "Exact GraphQL type name, e.g. Patient or PatientConnection.",
					},
				},
				"required": []string{"type"},
			},
		},
		{
			Name:        toolExecuteQuery,
			Description: "Execute a read-only GraphQL query against the vendor endpoint. The response is redacted: you see structure, lengths, and pagination metadata, never literal values.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "GraphQL query document. Mutations are rejected.",
					},
					"variables": map[string]any{
						"type":        "object",
						"description": "Optional query variables.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        toolReadCache,
			Description: "Read what previous discovery runs learned about this vendor: known types, verified queries, past errors, quirks, and cross-vendor patterns.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        toolStoreArtifact,
			Description: "Store a verified query for one canonical entity type. The query is executed once for verification before being accepted.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entityType": map[string]any{
						"type":        "string",
						"description": "Canonical entity type this query serves, e.g. patient or appointment.",
					},
					"query": map[string]any{
						"type":        "string",
						"description": "The working GraphQL query document.",
					},
					"pagination": map[string]any{
						"type":        "string",
						"enum":        []string{memory.PaginationRelay, memory.PaginationLimitOffset, memory.PaginationNone},
						"description": "Pagination style the query uses.",
					},
					"recordPath": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Path from the response root to the record objects, e.g. [\"patients\",\"edges\",\"node\"].",
					},
					"quirks": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Optional vendor oddities worth remembering for future runs.",
					},
				},
				"required": []string{"entityType", "query"},
			},
		},
	}
}

func (t *toolset) handlers() map[string]ai.ToolHandler {
	return map[string]ai.ToolHandler{
		toolIntrospectRootQueries: t.introspectRootQueries,
		toolIntrospectType:        t.introspectType,
		toolExecuteQuery:          t.executeQuery,
		toolReadCache:             t.readCache,
		toolStoreArtifact:         t.storeArtifact,
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// introspectRootQueries runs the canned __schema introspection and returns
// the root field names. Introspection responses carry schema metadata only,
// and even so the handler extracts names rather than relaying the raw
// response.
func (t *toolset) introspectRootQueries(ctx context.Context, _ map[string]any) (string, error) {
	result, err := t.run(ctx, rootQueriesIntrospection, nil)
	if err != nil {
		return "", err
	}
	schema, _ := result.Data["__schema"].(map[string]any)
	queryType, _ := schema["queryType"].(map[string]any)
	name, _ := queryType["name"].(string)
	fields := fieldNameList(queryType["fields"])
	if len(fields) == 0 {
		return "", fmt.Errorf("introspection returned no root query fields")
	}
	return capJSON(map[string]any{"queryType": name, "fields": fields})
}

// introspectType introspects one named type, records its shape in the
// session, and returns the field list rendered as "name: Type".
func (t *toolset) introspectType(ctx context.Context, input map[string]any) (string, error) {
	typeName := stringParam(input, "type")
	if typeName == "" {
		return "", fmt.Errorf("type is required")
	}
	result, err := t.run(ctx, typeIntrospection, map[string]any{"name": typeName})
	if err != nil {
		return "", err
	}
	typ, _ := result.Data["__type"].(map[string]any)
	if typ == nil {
		return "", fmt.Errorf("type %q not found in schema", typeName)
	}
	kind, _ := typ["kind"].(string)
	fields := renderFieldList(typ["fields"])
	t.session.TypeShapes[typeName] = memory.TypeShape{Name: typeName, Fields: fields}
	return capJSON(map[string]any{"name": typeName, "kind": kind, "fields": fields})
}

// executeQuery syntax-checks, executes, and redacts one query. GraphQL
// errors come back as tool errors so the model can repair the query; they
// are recorded in the session either way.
func (t *toolset) executeQuery(ctx context.Context, input map[string]any) (string, error) {
	query := stringParam(input, "query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if err := checkQuerySyntax(query); err != nil {
		return "", err
	}
	variables, _ := input["variables"].(map[string]any)
	result, err := t.run(ctx, query, variables)
	if err != nil {
		return "", err
	}
	t.session.observePatterns(DetectPatterns(query, result.Data))
	return capJSON(phi.RedactPHI(result.Data))
}

// readCache summarizes prior cross-run memory for this vendor plus the
// session's remaining goals.
func (t *toolset) readCache(_ context.Context, _ map[string]any) (string, error) {
	summary := map[string]any{
		"vendor":       t.session.Vendor,
		"missingGoals": t.session.missingGoals(),
	}
	if cache, ok, err := t.stores.Schema.Read(t.session.Vendor); err == nil && ok {
		types := make([]string, 0, len(cache.Types))
		for name := range cache.Types {
			types = append(types, name)
		}
		sort.Strings(types)
		summary["knownTypes"] = types
		queries := map[string]any{}
		for entity, vq := range cache.Queries {
			queries[entity] = map[string]any{
				"query":      vq.Query,
				"pagination": vq.Pagination,
				"recordPath": vq.RecordPath,
			}
		}
		summary["verifiedQueries"] = queries
	}
	if errMem, ok, err := t.stores.Errors.Read(t.session.Vendor); err == nil && ok {
		pastErrors := make([]map[string]any, 0, len(errMem.Errors))
		for _, de := range errMem.Errors {
			pastErrors = append(pastErrors, map[string]any{
				"message":   de.Message,
				"typeName":  de.TypeName,
				"fieldName": de.FieldName,
				"hitCount":  de.HitCount,
			})
		}
		summary["pastErrors"] = pastErrors
		quirks := make([]string, 0, len(errMem.Quirks))
		for _, q := range errMem.Quirks {
			quirks = append(quirks, q.Description)
		}
		summary["quirks"] = quirks
	}
	if patMem, ok, err := t.stores.Patterns.Read(); err == nil && ok {
		patterns := make([]map[string]any, 0, len(patMem.Patterns))
		for _, p := range patMem.Patterns {
			patterns = append(patterns, map[string]any{
				"name":        p.Name,
				"description": p.Description,
				"confidence":  p.Confidence,
			})
		}
		summary["patterns"] = patterns
	}
	return capJSON(summary)
}

// storeArtifact verifies a proposed query by executing it once, then records
// it in the session keyed by canonical entity type. Verification failures
// come back as tool errors so the model can keep iterating.
func (t *toolset) storeArtifact(ctx context.Context, input map[string]any) (string, error) {
	entityType, err := canonical.ParseEntityType(stringParam(input, "entityType"))
	if err != nil {
		return "", err
	}
	query := stringParam(input, "query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if err := checkQuerySyntax(query); err != nil {
		return "", err
	}
	pagination := stringParam(input, "pagination")
	if pagination == "" {
		pagination = memory.PaginationNone
	}
	if pagination != memory.PaginationRelay && pagination != memory.PaginationLimitOffset && pagination != memory.PaginationNone {
		return "", fmt.Errorf("pagination must be one of %s, %s, %s", memory.PaginationRelay, memory.PaginationLimitOffset, memory.PaginationNone)
	}
	recordPath := stringSliceParam(input, "recordPath")

	result, err := t.run(ctx, query, verificationVariables(pagination))
	if err != nil {
		return "", fmt.Errorf("verification failed: %w", err)
	}
	if len(recordPath) > 0 && !pathResolves(result.Data, recordPath) {
		return "", fmt.Errorf("recordPath %v does not resolve in the response", recordPath)
	}
	t.session.observePatterns(DetectPatterns(query, result.Data))

	t.session.Verified[string(entityType)] = memory.VerifiedQuery{
		EntityType: string(entityType),
		Query:      query,
		Pagination: pagination,
		RecordPath: recordPath,
		VerifiedAt: time.Now().UTC(),
	}
	for _, quirk := range stringSliceParam(input, "quirks") {
		t.session.recordQuirk(quirk)
	}

	if missing := t.session.missingGoals(); len(missing) > 0 {
		return fmt.Sprintf("stored verified query for %s; still missing: %s", entityType, strings.Join(missing, ", ")), nil
	}
	return fmt.Sprintf("stored verified query for %s; all required entity types are covered", entityType), nil
}

// run executes one query against the vendor endpoint, counting it and
// recording any GraphQL errors in the session before surfacing them.
func (t *toolset) run(ctx context.Context, query string, variables map[string]any) (source.QueryResult, error) {
	result, err := t.executor.Execute(ctx, query, variables)
	t.session.QueriesExecuted++
	if err != nil {
		return source.QueryResult{}, fmt.Errorf("endpoint: %w", err)
	}
	if len(result.Errors) > 0 {
		messages := make([]string, len(result.Errors))
		for i, qe := range result.Errors {
			t.session.recordError(qe.Message)
			messages[i] = qe.Message
		}
		return source.QueryResult{}, fmt.Errorf("graphql errors: %s", strings.Join(messages, "; "))
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// checkQuerySyntax parses the query document and rejects anything that is
// not a plain read. The endpoint never sees a request the parser refused.
func checkQuerySyntax(query string) error {
	doc, err := parser.ParseQuery(&ast.Source{Name: "discovery", Input: query})
	if err != nil {
		return fmt.Errorf("graphql syntax: %v", err)
	}
	for _, op := range doc.Operations {
		if op.Operation != ast.Query {
			return fmt.Errorf("only query operations are permitted, got %s", op.Operation)
		}
	}
	return nil
}

func verificationVariables(pagination string) map[string]any {
	switch pagination {
	case memory.PaginationRelay:
		return map[string]any{"first": 1}
	case memory.PaginationLimitOffset:
		return map[string]any{"limit": 1, "offset": 0}
	default:
		return nil
	}
}

// pathResolves walks the response tree along path, descending into list
// elements. An empty result page resolves vacuously; a map missing the next
// key does not.
func pathResolves(value any, path []string) bool {
	if len(path) == 0 {
		return true
	}
	switch v := value.(type) {
	case map[string]any:
		child, ok := v[path[0]]
		if !ok {
			return false
		}
		return pathResolves(child, path[1:])
	case []any:
		for _, item := range v {
			if !pathResolves(item, path) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func fieldNameList(value any) []string {
	items, _ := value.([]any)
	names := make([]string, 0, len(items))
	for _, item := range items {
		m, _ := item.(map[string]any)
		if name, _ := m["name"].(string); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// renderFieldList renders introspected fields as "name: Type" strings,
// unwrapping NON_NULL and LIST wrappers.
func renderFieldList(value any) []string {
	items, _ := value.([]any)
	rendered := make([]string, 0, len(items))
	for _, item := range items {
		m, _ := item.(map[string]any)
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		if typ, ok := m["type"].(map[string]any); ok {
			rendered = append(rendered, name+": "+renderTypeRef(typ))
		} else {
			rendered = append(rendered, name)
		}
	}
	return rendered
}

func renderTypeRef(typ map[string]any) string {
	kind, _ := typ["kind"].(string)
	inner, _ := typ["ofType"].(map[string]any)
	switch kind {
	case "NON_NULL":
		if inner != nil {
			return renderTypeRef(inner) + "!"
		}
	case "LIST":
		if inner != nil {
			return "[" + renderTypeRef(inner) + "]"
		}
	}
	if name, _ := typ["name"].(string); name != "" {
		return name
	}
	return "Unknown"
}

func capJSON(value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	if len(b) > maxToolResultBytes {
		return string(b[:maxToolResultBytes]) + " ...[truncated]", nil
	}
	return string(b), nil
}

func stringParam(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return strings.TrimSpace(s)
}

func stringSliceParam(input map[string]any, key string) []string {
	items, _ := input[key].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
