package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/artifact"
	"github.com/ehr/migrate/internal/platform/memory"
)

// graphqlPageSize is the page size requested from paginated vendor queries.
const graphqlPageSize = 100

// QueryError is one error entry from a GraphQL response.
type QueryError struct {
	Message string `json:"message"`
}

func (e QueryError) Error() string { return e.Message }

// QueryResult is one page of executor output: the data tree plus any
// GraphQL-level errors the endpoint reported alongside it.
type QueryResult struct {
	Data   map[string]any `json:"data"`
	Errors []QueryError   `json:"errors,omitempty"`
}

// QueryExecutor runs one GraphQL document against a vendor endpoint.
type QueryExecutor interface {
	Execute(ctx context.Context, query string, variables map[string]any) (QueryResult, error)
}

// SchemaReader exposes the vendor schema cache the discovery agent produced.
// *memory.SchemaStore satisfies it.
type SchemaReader interface {
	Read(vendor string) (memory.SchemaCache, bool, error)
}

// GraphQLAdapter profiles and transforms records streamed from a vendor's
// GraphQL endpoint using queries the discovery agent verified. Artifacts are
// ignored; the endpoint is the source.
type GraphQLAdapter struct {
	vendor     string
	executor   QueryExecutor
	schema     SchemaReader
	hashSecret []byte
}

// NewGraphQLAdapter returns an adapter bound to one vendor endpoint.
func NewGraphQLAdapter(vendor string, executor QueryExecutor, schema SchemaReader, hashSecret []byte) *GraphQLAdapter {
	return &GraphQLAdapter{vendor: vendor, executor: executor, schema: schema, hashSecret: hashSecret}
}

func (a *GraphQLAdapter) verifiedQueries() (map[string]memory.VerifiedQuery, error) {
	cache, ok, err := a.schema.Read(a.vendor)
	if err != nil {
		return nil, fmt.Errorf("reading schema cache for %s: %w", a.vendor, err)
	}
	if !ok || len(cache.Queries) == 0 {
		return nil, fmt.Errorf("%s: %w", a.vendor, ErrNoVerifiedQueries)
	}
	return cache.Queries, nil
}

// Profile streams every verified query once and reduces the records to
// non-PHI field statistics. Record values are examined in memory and
// discarded.
func (a *GraphQLAdapter) Profile(ctx context.Context, _ []artifact.Ref) (Profile, error) {
	queries, err := a.verifiedQueries()
	if err != nil {
		return Profile{}, err
	}

	keys := make([]string, 0, len(queries))
	for k := range queries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	profile := Profile{
		SourceVendor: a.vendor,
		GeneratedAt:  time.Now().UTC(),
	}
	for _, key := range keys {
		stats := newFieldStats()
		count := 0
		err := a.streamQuery(ctx, queries[key], func(record map[string]string) error {
			count++
			stats.observe(record)
			return nil
		})
		if err != nil {
			return Profile{}, fmt.Errorf("profiling %s: %w", key, err)
		}
		profile.Entities = append(profile.Entities, stats.entityProfile(key, count))
	}
	return profile, nil
}

// Transform streams canonical records from the vendor endpoint under an
// approved spec. Entity mappings are matched to verified queries by source
// entity name.
func (a *GraphQLAdapter) Transform(ctx context.Context, _ []artifact.Ref, spec mapping.Spec, yield YieldFunc) error {
	if problems := spec.Problems(); len(problems) > 0 {
		return fmt.Errorf("spec is not valid: %s", strings.Join(problems, "; "))
	}
	queries, err := a.verifiedQueries()
	if err != nil {
		return err
	}

	for _, em := range spec.EntityMappings {
		query, ok := queries[em.SourceEntity]
		if !ok {
			return fmt.Errorf("%s: %w", em.SourceEntity, ErrNoVerifiedQueries)
		}
		plan := newEntityPlan(a.vendor, em, a.hashSecret)
		n := 0
		err := a.streamQuery(ctx, query, func(record map[string]string) error {
			n++
			rec, err := plan.buildRecord(record, fmt.Sprintf("row-%d", n))
			if err != nil {
				return err
			}
			return yield(em.CanonicalType, rec)
		})
		if err != nil {
			return fmt.Errorf("transforming %s: %w", em.SourceEntity, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Query streaming
// ---------------------------------------------------------------------------

// streamQuery pages through one verified query and feeds each record to fn
// as a flat string map.
func (a *GraphQLAdapter) streamQuery(ctx context.Context, q memory.VerifiedQuery, fn func(map[string]string) error) error {
	cursor := ""
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		variables := map[string]any{}
		switch q.Pagination {
		case memory.PaginationRelay:
			variables["first"] = graphqlPageSize
			if cursor != "" {
				variables["after"] = cursor
			}
		case memory.PaginationLimitOffset:
			variables["limit"] = graphqlPageSize
			variables["offset"] = offset
		}

		result, err := a.executor.Execute(ctx, q.Query, variables)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			messages := make([]string, len(result.Errors))
			for i, qe := range result.Errors {
				messages[i] = qe.Message
			}
			return fmt.Errorf("graphql errors: %s", strings.Join(messages, "; "))
		}

		records := extractRecords(result.Data, q.RecordPath)
		for _, record := range records {
			if err := fn(flattenRecord(record)); err != nil {
				return err
			}
		}

		switch q.Pagination {
		case memory.PaginationRelay:
			info, ok := findPageInfo(result.Data)
			if !ok {
				return nil
			}
			hasNext, _ := info["hasNextPage"].(bool)
			endCursor, _ := info["endCursor"].(string)
			if !hasNext || endCursor == "" || endCursor == cursor {
				return nil
			}
			cursor = endCursor
		case memory.PaginationLimitOffset:
			if len(records) < graphqlPageSize {
				return nil
			}
			offset += len(records)
		default:
			return nil
		}
	}
}

// extractRecords walks the record path through the data tree, descending
// into arrays as it goes. An empty path takes the sole root field.
func extractRecords(data map[string]any, path []string) []map[string]any {
	if len(path) == 0 && len(data) == 1 {
		for _, v := range data {
			return collectMaps(flattenValue(v))
		}
	}

	nodes := []any{data}
	for _, segment := range path {
		var next []any
		for _, node := range nodes {
			m, ok := node.(map[string]any)
			if !ok {
				continue
			}
			v, ok := m[segment]
			if !ok {
				continue
			}
			next = append(next, flattenValue(v)...)
		}
		nodes = next
	}
	return collectMaps(nodes)
}

func flattenValue(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func collectMaps(nodes []any) []map[string]any {
	records := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		if m, ok := node.(map[string]any); ok {
			records = append(records, m)
		}
	}
	return records
}

// flattenRecord stringifies one record's scalar fields for the row mapper.
// Nested objects and lists become compact JSON text, like flat-file cells.
func flattenRecord(record map[string]any) map[string]string {
	row := make(map[string]string, len(record))
	for k, v := range record {
		row[k] = stringifyValue(v)
	}
	return row
}

// findPageInfo locates the relay pageInfo object anywhere in the data tree.
func findPageInfo(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		if info, ok := t["pageInfo"].(map[string]any); ok {
			return info, true
		}
		for _, child := range t {
			if info, ok := findPageInfo(child); ok {
				return info, true
			}
		}
	case []any:
		for _, child := range t {
			if info, ok := findPageInfo(child); ok {
				return info, true
			}
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Field statistics
// ---------------------------------------------------------------------------

// fieldStats accumulates per-field profile statistics across streamed
// records.
type fieldStats struct {
	order   []string
	nonNull map[string]int
	unique  map[string]map[string]struct{}
	samples map[string][]string
}

func newFieldStats() *fieldStats {
	return &fieldStats{
		nonNull: map[string]int{},
		unique:  map[string]map[string]struct{}{},
		samples: map[string][]string{},
	}
}

func (s *fieldStats) observe(record map[string]string) {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, seen := s.nonNull[k]; !seen {
			s.order = append(s.order, k)
			s.nonNull[k] = 0
			s.unique[k] = map[string]struct{}{}
		}
		value := record[k]
		if value == "" {
			continue
		}
		s.nonNull[k]++
		s.unique[k][value] = struct{}{}
		if len(s.samples[k]) < 25 {
			s.samples[k] = append(s.samples[k], value)
		}
	}
}

func (s *fieldStats) entityProfile(entity string, total int) EntityProfile {
	ep := EntityProfile{EntityType: entity, RecordCount: total}
	for _, name := range s.order {
		ep.Fields = append(ep.Fields, FieldProfile{
			Name:             name,
			InferredType:     inferType(s.samples[name], s.nonNull[name]),
			PHI:              classifyPHI(name, s.samples[name]),
			Distribution:     FormatDistribution(s.nonNull[name], total, len(s.unique[name])),
			RelationshipHint: relationshipHint(entity, name),
		})
	}
	return ep
}

var _ Adapter = (*GraphQLAdapter)(nil)
