package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Document store tests
// ---------------------------------------------------------------------------

func TestFileDocumentStore_RoundTrip(t *testing.T) {
	store, err := NewFileDocumentStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileDocumentStore: %v", err)
	}

	in := map[string]any{"updatedAt": "2025-01-01T00:00:00Z", "vendor": "dentrix"}
	if err := store.Save("dentrix/schema.json", in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var out map[string]any
	ok, err := store.Load("dentrix/schema.json", &out)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if out["vendor"] != "dentrix" {
		t.Errorf("vendor = %v", out["vendor"])
	}
}

func TestFileDocumentStore_MissingIsNotError(t *testing.T) {
	store, err := NewFileDocumentStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileDocumentStore: %v", err)
	}
	var out map[string]any
	ok, err := store.Load("nowhere/schema.json", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing document")
	}
}

func TestDocumentStores_RejectBadKeys(t *testing.T) {
	stores := []DocumentStore{NewMemDocumentStore()}
	fs, err := NewFileDocumentStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileDocumentStore: %v", err)
	}
	stores = append(stores, fs)

	for _, store := range stores {
		for _, key := range []string{"", "/abs.json", "a/../b.json"} {
			if err := store.Save(key, map[string]any{}); !errors.Is(err, ErrBadKey) {
				t.Errorf("Save(%q): expected ErrBadKey, got %v", key, err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Schema cache tests
// ---------------------------------------------------------------------------

func TestSchemaStore_RoundTrip(t *testing.T) {
	store := NewSchemaStore(NewMemDocumentStore())

	cache := SchemaCache{
		Types: map[string]TypeShape{
			"Patient": {Name: "Patient", Fields: []string{"id", "firstName"}},
		},
		Queries: map[string]VerifiedQuery{
			"patient": {EntityType: "patient", Query: "query { patients { id } }", Pagination: "relay"},
		},
	}
	if err := store.Write("dentrix", cache); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := store.Read("dentrix")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if got.Vendor != "dentrix" {
		t.Errorf("Vendor = %q", got.Vendor)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}
	if _, ok := got.Queries["patient"]; !ok {
		t.Error("verified query lost in round trip")
	}
}

func TestSchemaStore_StaleCacheIsMiss(t *testing.T) {
	docs := NewMemDocumentStore()
	store := NewSchemaStore(docs)

	stale := SchemaCache{
		UpdatedAt: time.Now().UTC().Add(-8 * 24 * time.Hour),
		Vendor:    "dentrix",
		Queries:   map[string]VerifiedQuery{"patient": {EntityType: "patient"}},
	}
	if err := docs.Save("dentrix/schema.json", stale); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, ok, err := store.Read("dentrix")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("stale cache treated as fresh")
	}
}

func TestSchemaCache_HasQueriesFor(t *testing.T) {
	cache := SchemaCache{Queries: map[string]VerifiedQuery{
		"patient":     {},
		"appointment": {},
	}}
	if !cache.HasQueriesFor([]string{"patient", "appointment"}) {
		t.Error("expected full coverage")
	}
	if cache.HasQueriesFor([]string{"patient", "invoice"}) {
		t.Error("missing entity type reported as covered")
	}
	if cache.HasQueriesFor(nil) {
		t.Error("empty requirement should not report coverage")
	}
}

// ---------------------------------------------------------------------------
// Mapping memory tests
// ---------------------------------------------------------------------------

func rawSpec(revision int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"version":1,"revision":%d}`, revision))
}

func TestMappingStore_NewestFirstAndCapped(t *testing.T) {
	store := NewMappingStore(NewMemDocumentStore())

	for i := 1; i <= 7; i++ {
		entry := MappingMemoryEntry{
			RecordedAt:   time.Now().UTC(),
			SpecRevision: i,
			Spec:         rawSpec(i),
			ValidRecords: i * 10,
		}
		if err := store.Append("dentrix", entry); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	mem, ok, err := store.Read("dentrix")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if len(mem.Entries) != MaxMappingEntries {
		t.Fatalf("len(Entries) = %d, want %d", len(mem.Entries), MaxMappingEntries)
	}
	if mem.Entries[0].SpecRevision != 7 {
		t.Errorf("newest entry revision = %d, want 7", mem.Entries[0].SpecRevision)
	}
	if mem.Entries[len(mem.Entries)-1].SpecRevision != 3 {
		t.Errorf("oldest kept revision = %d, want 3", mem.Entries[len(mem.Entries)-1].SpecRevision)
	}
}

func TestMappingStore_DedupsBySpecContent(t *testing.T) {
	store := NewMappingStore(NewMemDocumentStore())

	first := MappingMemoryEntry{SpecRevision: 1, Spec: rawSpec(1), ValidRecords: 5}
	if err := store.Append("dentrix", first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append("dentrix", MappingMemoryEntry{SpecRevision: 2, Spec: rawSpec(2)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Same spec content as the first append; should replace, not duplicate.
	repeat := MappingMemoryEntry{SpecRevision: 1, Spec: rawSpec(1), ValidRecords: 50}
	if err := store.Append("dentrix", repeat); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mem, _, err := store.Read("dentrix")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(mem.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(mem.Entries))
	}
	if mem.Entries[0].ValidRecords != 50 {
		t.Errorf("re-appended entry not at front: %+v", mem.Entries[0])
	}
}

// ---------------------------------------------------------------------------
// Error memory tests
// ---------------------------------------------------------------------------

func TestErrorStore_DedupByMessage(t *testing.T) {
	store := NewErrorStore(NewMemDocumentStore())

	errs := []DiscoveryError{
		{Message: `Cannot query field "phone" on type "Patient"`, TypeName: "Patient", FieldName: "phone", LastSeen: time.Now().UTC()},
	}
	if err := store.Record("dentrix", errs, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record("dentrix", errs, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	mem, ok, err := store.Read("dentrix")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if len(mem.Errors) != 1 {
		t.Fatalf("len(Errors) = %d, want 1", len(mem.Errors))
	}
	if mem.Errors[0].HitCount != 2 {
		t.Errorf("HitCount = %d, want 2", mem.Errors[0].HitCount)
	}
	if mem.Errors[0].TypeName != "Patient" || mem.Errors[0].FieldName != "phone" {
		t.Errorf("structured fields lost: %+v", mem.Errors[0])
	}
}

func TestErrorStore_KeepsHighestHit(t *testing.T) {
	store := NewErrorStore(NewMemDocumentStore())

	var errs []DiscoveryError
	for i := 0; i < MaxErrorEntries+10; i++ {
		errs = append(errs, DiscoveryError{
			Message:  fmt.Sprintf("error %d", i),
			HitCount: i + 1,
		})
	}
	if err := store.Record("dentrix", errs, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	mem, _, err := store.Read("dentrix")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(mem.Errors) != MaxErrorEntries {
		t.Fatalf("len(Errors) = %d, want %d", len(mem.Errors), MaxErrorEntries)
	}
	if mem.Errors[0].HitCount != MaxErrorEntries+10 {
		t.Errorf("top entry HitCount = %d, want %d", mem.Errors[0].HitCount, MaxErrorEntries+10)
	}
	// The 10 lowest-hit entries fell off.
	for _, e := range mem.Errors {
		if e.HitCount <= 10 {
			t.Errorf("low-hit entry survived trim: %+v", e)
		}
	}
}

func TestErrorStore_QuirkDedupAndCap(t *testing.T) {
	store := NewErrorStore(NewMemDocumentStore())

	var quirks []Quirk
	for i := 0; i < MaxQuirkEntries+5; i++ {
		quirks = append(quirks, Quirk{
			Description: fmt.Sprintf("quirk %d", i),
			RecordedAt:  time.Now().UTC().Add(time.Duration(i) * time.Minute),
		})
	}
	quirks = append(quirks, Quirk{Description: "quirk 0", RecordedAt: time.Now().UTC().Add(time.Hour)})

	if err := store.Record("dentrix", nil, quirks); err != nil {
		t.Fatalf("Record: %v", err)
	}

	mem, _, err := store.Read("dentrix")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(mem.Quirks) != MaxQuirkEntries {
		t.Fatalf("len(Quirks) = %d, want %d", len(mem.Quirks), MaxQuirkEntries)
	}
	if mem.Quirks[0].Description != "quirk 0" {
		t.Errorf("re-recorded quirk should sort newest: %+v", mem.Quirks[0])
	}
}

// ---------------------------------------------------------------------------
// Pattern memory tests
// ---------------------------------------------------------------------------

func TestPatternStore_ConfidenceRisesPerVendor(t *testing.T) {
	store := NewPatternStore(NewMemDocumentStore())

	relay := Pattern{Name: "relay-pagination", Description: "pageInfo{hasNextPage,endCursor}"}
	if err := store.Confirm("dentrix", []Pattern{relay}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	mem, ok, err := store.Read()
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if mem.Patterns[0].Confidence != patternInitialConfidence {
		t.Errorf("initial confidence = %v, want %v", mem.Patterns[0].Confidence, patternInitialConfidence)
	}

	// Same vendor again: no confidence change.
	if err := store.Confirm("dentrix", []Pattern{relay}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	mem, _, _ = store.Read()
	if mem.Patterns[0].Confidence != patternInitialConfidence {
		t.Errorf("same-vendor reconfirm changed confidence: %v", mem.Patterns[0].Confidence)
	}

	// New vendor: confidence rises by one step.
	if err := store.Confirm("eaglesoft", []Pattern{relay}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	mem, _, _ = store.Read()
	want := patternInitialConfidence + patternConfidenceStep
	if mem.Patterns[0].Confidence != want {
		t.Errorf("confidence = %v, want %v", mem.Patterns[0].Confidence, want)
	}
	if len(mem.Patterns[0].Vendors) != 2 {
		t.Errorf("Vendors = %v", mem.Patterns[0].Vendors)
	}
}

func TestPatternStore_ConfidenceCapsAtOne(t *testing.T) {
	store := NewPatternStore(NewMemDocumentStore())
	p := Pattern{Name: "limit-offset", Confidence: 0.95}

	if err := store.Confirm("v1", []Pattern{p}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := store.Confirm("v2", []Pattern{p}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	mem, _, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mem.Patterns[0].Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", mem.Patterns[0].Confidence)
	}
}

func TestPatternStore_KeepsHighestConfidence(t *testing.T) {
	store := NewPatternStore(NewMemDocumentStore())

	var observed []Pattern
	for i := 0; i < MaxPatternEntries+5; i++ {
		observed = append(observed, Pattern{
			Name:       fmt.Sprintf("pattern-%d", i),
			Confidence: float64(i+1) / float64(MaxPatternEntries+5),
		})
	}
	if err := store.Confirm("dentrix", observed); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	mem, _, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(mem.Patterns) != MaxPatternEntries {
		t.Fatalf("len(Patterns) = %d, want %d", len(mem.Patterns), MaxPatternEntries)
	}
	for i := 1; i < len(mem.Patterns); i++ {
		if mem.Patterns[i].Confidence > mem.Patterns[i-1].Confidence {
			t.Fatal("patterns not ordered by confidence")
		}
	}
}
