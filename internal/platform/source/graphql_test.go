package source

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/memory"
)

// fakeExecutor pops scripted pages and records the variables each call
// received.
type fakeExecutor struct {
	pages     []QueryResult
	variables []map[string]any
	err       error
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, variables map[string]any) (QueryResult, error) {
	f.variables = append(f.variables, variables)
	if f.err != nil {
		return QueryResult{}, f.err
	}
	if len(f.pages) == 0 {
		return QueryResult{Data: map[string]any{}}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

type fakeSchemaReader struct {
	cache memory.SchemaCache
	ok    bool
}

func (f *fakeSchemaReader) Read(string) (memory.SchemaCache, bool, error) {
	return f.cache, f.ok, nil
}

func relayPage(records []map[string]any, hasNext bool, endCursor string) QueryResult {
	edges := make([]any, len(records))
	for i, rec := range records {
		edges[i] = map[string]any{"node": rec}
	}
	return QueryResult{Data: map[string]any{
		"patients": map[string]any{
			"edges": edges,
			"pageInfo": map[string]any{
				"hasNextPage": hasNext,
				"endCursor":   endCursor,
			},
		},
	}}
}

func patientQueryCache() memory.SchemaCache {
	return memory.SchemaCache{
		UpdatedAt: time.Now().UTC(),
		Vendor:    "curve",
		Queries: map[string]memory.VerifiedQuery{
			"patient": {
				EntityType: "patient",
				Query:      "query($first:Int,$after:String){patients(first:$first,after:$after){edges{node{id firstName lastName}}pageInfo{hasNextPage endCursor}}}",
				Pagination: memory.PaginationRelay,
				RecordPath: []string{"patients", "edges", "node"},
				VerifiedAt: time.Now().UTC(),
			},
		},
	}
}

func graphqlPatientSpec() mapping.Spec {
	return mapping.Spec{
		Version:      1,
		SourceVendor: "curve",
		EntityMappings: []mapping.EntityMapping{
			{
				SourceEntity:  "patient",
				CanonicalType: canonical.EntityPatient,
				FieldMappings: []mapping.FieldMapping{
					{SourceField: "firstName", TargetField: "firstName", Transform: mapping.TransformTrim, Confidence: 0.95},
					{SourceField: "lastName", TargetField: "lastName", Transform: mapping.TransformTrim, Confidence: 0.95},
				},
			},
		},
	}
}

func TestGraphQLAdapter_TransformPagesThroughRelay(t *testing.T) {
	executor := &fakeExecutor{pages: []QueryResult{
		relayPage([]map[string]any{
			{"id": "p1", "firstName": "Alice", "lastName": "Smith"},
			{"id": "p2", "firstName": "Bob", "lastName": "Jones"},
		}, true, "cursor-2"),
		relayPage([]map[string]any{
			{"id": "p3", "firstName": "Carol", "lastName": "Nguyen"},
		}, false, ""),
	}}
	adapter := NewGraphQLAdapter("curve", executor, &fakeSchemaReader{cache: patientQueryCache(), ok: true}, nil)

	var records []canonical.Record
	err := adapter.Transform(context.Background(), nil, graphqlPatientSpec(), func(_ canonical.EntityType, rec canonical.Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("got %d records, want 3 across pages", len(records))
	}
	if records[0].SourceRecordID != "p1" || records[2].SourceRecordID != "p3" {
		t.Errorf("record ids = %q, %q", records[0].SourceRecordID, records[2].SourceRecordID)
	}
	want := canonical.CanonicalID("curve", canonical.EntityPatient, "p1")
	if records[0].CanonicalID != want {
		t.Errorf("CanonicalID = %q, want %q", records[0].CanonicalID, want)
	}

	if len(executor.variables) != 2 {
		t.Fatalf("executor called %d times, want 2", len(executor.variables))
	}
	if executor.variables[0]["first"] != graphqlPageSize {
		t.Errorf("first page variables = %v", executor.variables[0])
	}
	if executor.variables[1]["after"] != "cursor-2" {
		t.Errorf("second page variables = %v", executor.variables[1])
	}
}

func TestGraphQLAdapter_ProfileProducesStatsOnly(t *testing.T) {
	executor := &fakeExecutor{pages: []QueryResult{
		relayPage([]map[string]any{
			{"id": "p1", "firstName": "Alice", "lastName": "Smith"},
			{"id": "p2", "firstName": "Bob", "lastName": ""},
		}, false, ""),
	}}
	adapter := NewGraphQLAdapter("curve", executor, &fakeSchemaReader{cache: patientQueryCache(), ok: true}, nil)

	profile, err := adapter.Profile(context.Background(), nil)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}

	entity, ok := profile.Entity("patient")
	if !ok {
		t.Fatalf("patient entity missing from %+v", profile.Entities)
	}
	if entity.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", entity.RecordCount)
	}

	var lastName FieldProfile
	for _, f := range entity.Fields {
		if f.Name == "lastName" {
			lastName = f
		}
	}
	if lastName.Distribution != "1/2 non-null, 1 unique" {
		t.Errorf("lastName distribution = %q", lastName.Distribution)
	}
	if !lastName.PHI {
		t.Error("lastName should be classified PHI")
	}

	encoded, err := json.Marshal(profile)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, literal := range []string{"Alice", "Smith", "Bob", "p1"} {
		if strings.Contains(string(encoded), literal) {
			t.Errorf("profile leaked literal %q", literal)
		}
	}
}

func TestGraphQLAdapter_LimitOffsetPaging(t *testing.T) {
	fullPage := make([]map[string]any, graphqlPageSize)
	for i := range fullPage {
		fullPage[i] = map[string]any{"id": "d-" + strings.Repeat("x", i%3+1), "fileName": "scan.pdf"}
	}

	executor := &fakeExecutor{pages: []QueryResult{
		{Data: map[string]any{"documents": toAnySlice(fullPage)}},
		{Data: map[string]any{"documents": []any{map[string]any{"id": "d-last", "fileName": "last.pdf"}}}},
	}}
	cache := memory.SchemaCache{
		UpdatedAt: time.Now().UTC(),
		Queries: map[string]memory.VerifiedQuery{
			"document": {
				EntityType: "document",
				Query:      "query($limit:Int,$offset:Int){documents(limit:$limit,offset:$offset){id fileName}}",
				Pagination: memory.PaginationLimitOffset,
				RecordPath: []string{"documents"},
			},
		},
	}
	adapter := NewGraphQLAdapter("curve", executor, &fakeSchemaReader{cache: cache, ok: true}, nil)

	count := 0
	spec := mapping.Spec{
		Version:      1,
		SourceVendor: "curve",
		EntityMappings: []mapping.EntityMapping{
			{
				SourceEntity:  "document",
				CanonicalType: canonical.EntityDocument,
				FieldMappings: []mapping.FieldMapping{
					{SourceField: "fileName", TargetField: "fileName", Confidence: 0.95},
				},
			},
		},
	}
	err := adapter.Transform(context.Background(), nil, spec, func(_ canonical.EntityType, _ canonical.Record) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if count != graphqlPageSize+1 {
		t.Errorf("streamed %d records, want %d", count, graphqlPageSize+1)
	}
	if len(executor.variables) != 2 {
		t.Fatalf("executor called %d times, want 2", len(executor.variables))
	}
	if executor.variables[1]["offset"] != graphqlPageSize {
		t.Errorf("second page offset = %v", executor.variables[1]["offset"])
	}
}

func TestGraphQLAdapter_NoVerifiedQueries(t *testing.T) {
	adapter := NewGraphQLAdapter("curve", &fakeExecutor{}, &fakeSchemaReader{ok: false}, nil)
	if _, err := adapter.Profile(context.Background(), nil); !errors.Is(err, ErrNoVerifiedQueries) {
		t.Errorf("Profile error = %v, want ErrNoVerifiedQueries", err)
	}
	err := adapter.Transform(context.Background(), nil, graphqlPatientSpec(), func(canonical.EntityType, canonical.Record) error { return nil })
	if !errors.Is(err, ErrNoVerifiedQueries) {
		t.Errorf("Transform error = %v, want ErrNoVerifiedQueries", err)
	}
}

func TestGraphQLAdapter_GraphQLErrorsSurface(t *testing.T) {
	executor := &fakeExecutor{pages: []QueryResult{
		{Errors: []QueryError{{Message: "Cannot query field \"patients\" on type \"Query\"."}}},
	}}
	adapter := NewGraphQLAdapter("curve", executor, &fakeSchemaReader{cache: patientQueryCache(), ok: true}, nil)

	_, err := adapter.Profile(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "Cannot query field") {
		t.Errorf("Profile error = %v, want graphql error message", err)
	}
}

func toAnySlice(records []map[string]any) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}
