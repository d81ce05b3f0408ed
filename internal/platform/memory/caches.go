package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Policies
// ---------------------------------------------------------------------------

const (
	schemaFile   = "schema.json"
	mappingsFile = "mappings.json"
	errorsFile   = "errors.json"
	patternsFile = "patterns.json"

	// sharedVendor scopes the cross-vendor pattern memory.
	sharedVendor = "_shared"
)

const (
	SchemaStaleness  = 7 * 24 * time.Hour
	MappingStaleness = 30 * 24 * time.Hour
	ErrorStaleness   = 30 * 24 * time.Hour

	MaxMappingEntries = 5
	MaxErrorEntries   = 50
	MaxQuirkEntries   = 20
	MaxPatternEntries = 30

	// patternConfidenceStep is added per additional confirming vendor.
	patternConfidenceStep    = 0.15
	patternInitialConfidence = 0.5
)

// Stores bundles the four caches over one backing document store.
type Stores struct {
	Schema   *SchemaStore
	Mappings *MappingStore
	Errors   *ErrorStore
	Patterns *PatternStore
}

// NewStores wires all caches over the given backend.
func NewStores(docs DocumentStore) *Stores {
	return &Stores{
		Schema:   NewSchemaStore(docs),
		Mappings: NewMappingStore(docs),
		Errors:   NewErrorStore(docs),
		Patterns: NewPatternStore(docs),
	}
}

// ---------------------------------------------------------------------------
// Schema / query cache
// ---------------------------------------------------------------------------

// Pagination pattern names a verified query may carry.
const (
	PaginationRelay       = "relay"
	PaginationLimitOffset = "limitOffset"
	PaginationNone        = "none"
)

// TypeShape records the field names of one discovered GraphQL type. Names
// only; shapes carry no values.
type TypeShape struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// VerifiedQuery is a query the discovery agent executed successfully against
// the vendor endpoint, keyed by the canonical entity type it serves.
type VerifiedQuery struct {
	EntityType string    `json:"entityType"`
	Query      string    `json:"query"`
	Pagination string    `json:"pagination,omitempty"`
	RecordPath []string  `json:"recordPath,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// SchemaCache is the per-vendor discovery result document.
type SchemaCache struct {
	UpdatedAt time.Time                `json:"updatedAt"`
	Vendor    string                   `json:"vendor"`
	Types     map[string]TypeShape     `json:"types,omitempty"`
	Queries   map[string]VerifiedQuery `json:"queries,omitempty"`
}

// HasQueriesFor reports whether a verified query exists for every entity
// type named.
func (c SchemaCache) HasQueriesFor(entityTypes []string) bool {
	for _, et := range entityTypes {
		if _, ok := c.Queries[et]; !ok {
			return false
		}
	}
	return len(entityTypes) > 0
}

// SchemaStore reads and writes per-vendor schema caches with a 7 day
// staleness window.
type SchemaStore struct {
	docs       DocumentStore
	staleAfter time.Duration
}

// NewSchemaStore returns a SchemaStore with the default staleness window.
func NewSchemaStore(docs DocumentStore) *SchemaStore {
	return &SchemaStore{docs: docs, staleAfter: SchemaStaleness}
}

// Read returns the vendor's schema cache. ok is false when the cache is
// absent or stale.
func (s *SchemaStore) Read(vendor string) (SchemaCache, bool, error) {
	var cache SchemaCache
	ok, err := s.docs.Load(vendorKey(vendor, schemaFile), &cache)
	if err != nil || !ok {
		return SchemaCache{}, false, err
	}
	if s.staleAfter > 0 && time.Since(cache.UpdatedAt) > s.staleAfter {
		return SchemaCache{}, false, nil
	}
	return cache, true, nil
}

// Write stamps and persists the vendor's schema cache.
func (s *SchemaStore) Write(vendor string, cache SchemaCache) error {
	cache.UpdatedAt = time.Now().UTC()
	cache.Vendor = vendor
	return s.docs.Save(vendorKey(vendor, schemaFile), cache)
}

// ---------------------------------------------------------------------------
// Mapping memory
// ---------------------------------------------------------------------------

// MappingMemoryEntry records one approved mapping spec and how it fared.
type MappingMemoryEntry struct {
	RecordedAt     time.Time       `json:"recordedAt"`
	SpecRevision   int             `json:"specRevision"`
	Spec           json.RawMessage `json:"spec"`
	ValidRecords   int             `json:"validRecords"`
	InvalidRecords int             `json:"invalidRecords"`
}

// MappingMemory is the per-vendor mapping history document, most recent
// first, capped at MaxMappingEntries.
type MappingMemory struct {
	UpdatedAt time.Time            `json:"updatedAt"`
	Vendor    string               `json:"vendor"`
	Entries   []MappingMemoryEntry `json:"entries"`
}

// MappingStore reads and appends per-vendor mapping memory.
type MappingStore struct {
	docs       DocumentStore
	staleAfter time.Duration
}

// NewMappingStore returns a MappingStore with the default staleness window.
func NewMappingStore(docs DocumentStore) *MappingStore {
	return &MappingStore{docs: docs, staleAfter: MappingStaleness}
}

// Read returns the vendor's mapping memory. ok is false when absent or stale.
func (s *MappingStore) Read(vendor string) (MappingMemory, bool, error) {
	var mem MappingMemory
	ok, err := s.docs.Load(vendorKey(vendor, mappingsFile), &mem)
	if err != nil || !ok {
		return MappingMemory{}, false, err
	}
	if s.staleAfter > 0 && time.Since(mem.UpdatedAt) > s.staleAfter {
		return MappingMemory{}, false, nil
	}
	return mem, true, nil
}

// Append records an entry, deduplicating by spec content, newest first,
// trimmed to MaxMappingEntries.
func (s *MappingStore) Append(vendor string, entry MappingMemoryEntry) error {
	var mem MappingMemory
	if _, err := s.docs.Load(vendorKey(vendor, mappingsFile), &mem); err != nil {
		return err
	}

	fingerprint := specFingerprint(entry.Spec)
	kept := mem.Entries[:0]
	for _, existing := range mem.Entries {
		if specFingerprint(existing.Spec) != fingerprint {
			kept = append(kept, existing)
		}
	}
	mem.Entries = append([]MappingMemoryEntry{entry}, kept...)
	if len(mem.Entries) > MaxMappingEntries {
		mem.Entries = mem.Entries[:MaxMappingEntries]
	}

	mem.UpdatedAt = time.Now().UTC()
	mem.Vendor = vendor
	return s.docs.Save(vendorKey(vendor, mappingsFile), mem)
}

func specFingerprint(spec json.RawMessage) string {
	sum := sha256.Sum256(spec)
	return hex.EncodeToString(sum[:])
}

// ---------------------------------------------------------------------------
// Discovery error and quirk memory
// ---------------------------------------------------------------------------

// DiscoveryError is one deduplicated API error with a hit counter. TypeName
// and FieldName are filled when the message matched a known GraphQL error
// phrasing.
type DiscoveryError struct {
	Message   string    `json:"message"`
	TypeName  string    `json:"typeName,omitempty"`
	FieldName string    `json:"fieldName,omitempty"`
	HitCount  int       `json:"hitCount"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Quirk is a free-text vendor behavior note the agent chose to remember.
type Quirk struct {
	Description string    `json:"description"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// ErrorMemory is the per-vendor error and quirk document.
type ErrorMemory struct {
	UpdatedAt time.Time        `json:"updatedAt"`
	Vendor    string           `json:"vendor"`
	Errors    []DiscoveryError `json:"errors,omitempty"`
	Quirks    []Quirk          `json:"quirks,omitempty"`
}

// ErrorStore reads and merges per-vendor error memory.
type ErrorStore struct {
	docs       DocumentStore
	staleAfter time.Duration
}

// NewErrorStore returns an ErrorStore with the default staleness window.
func NewErrorStore(docs DocumentStore) *ErrorStore {
	return &ErrorStore{docs: docs, staleAfter: ErrorStaleness}
}

// Read returns the vendor's error memory. ok is false when absent or stale.
func (s *ErrorStore) Read(vendor string) (ErrorMemory, bool, error) {
	var mem ErrorMemory
	ok, err := s.docs.Load(vendorKey(vendor, errorsFile), &mem)
	if err != nil || !ok {
		return ErrorMemory{}, false, err
	}
	if s.staleAfter > 0 && time.Since(mem.UpdatedAt) > s.staleAfter {
		return ErrorMemory{}, false, nil
	}
	return mem, true, nil
}

// Record merges captured errors and quirks into the vendor's memory.
// Errors deduplicate by message with hit counters and keep the
// MaxErrorEntries highest-hit entries; quirks deduplicate by description and
// keep the MaxQuirkEntries most recent.
func (s *ErrorStore) Record(vendor string, errs []DiscoveryError, quirks []Quirk) error {
	var mem ErrorMemory
	if _, err := s.docs.Load(vendorKey(vendor, errorsFile), &mem); err != nil {
		return err
	}

	for _, incoming := range errs {
		hits := incoming.HitCount
		if hits <= 0 {
			hits = 1
		}
		merged := false
		for i := range mem.Errors {
			if mem.Errors[i].Message == incoming.Message {
				mem.Errors[i].HitCount += hits
				if incoming.LastSeen.After(mem.Errors[i].LastSeen) {
					mem.Errors[i].LastSeen = incoming.LastSeen
				}
				if mem.Errors[i].TypeName == "" {
					mem.Errors[i].TypeName = incoming.TypeName
				}
				if mem.Errors[i].FieldName == "" {
					mem.Errors[i].FieldName = incoming.FieldName
				}
				merged = true
				break
			}
		}
		if !merged {
			incoming.HitCount = hits
			mem.Errors = append(mem.Errors, incoming)
		}
	}
	sort.SliceStable(mem.Errors, func(i, j int) bool {
		return mem.Errors[i].HitCount > mem.Errors[j].HitCount
	})
	if len(mem.Errors) > MaxErrorEntries {
		mem.Errors = mem.Errors[:MaxErrorEntries]
	}

	for _, incoming := range quirks {
		exists := false
		for i := range mem.Quirks {
			if mem.Quirks[i].Description == incoming.Description {
				mem.Quirks[i].RecordedAt = incoming.RecordedAt
				exists = true
				break
			}
		}
		if !exists {
			mem.Quirks = append(mem.Quirks, incoming)
		}
	}
	sort.SliceStable(mem.Quirks, func(i, j int) bool {
		return mem.Quirks[i].RecordedAt.After(mem.Quirks[j].RecordedAt)
	})
	if len(mem.Quirks) > MaxQuirkEntries {
		mem.Quirks = mem.Quirks[:MaxQuirkEntries]
	}

	mem.UpdatedAt = time.Now().UTC()
	mem.Vendor = vendor
	return s.docs.Save(vendorKey(vendor, errorsFile), mem)
}

// ---------------------------------------------------------------------------
// Cross-vendor pattern memory
// ---------------------------------------------------------------------------

// Pattern is a vendor-agnostic API convention (relay pagination,
// limit/offset arguments, date-range filters). Confidence rises as more
// vendors confirm it, capped at 1.0.
type Pattern struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	Vendors     []string  `json:"vendors"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// PatternMemory is the shared pattern document.
type PatternMemory struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Patterns  []Pattern `json:"patterns"`
}

// PatternStore reads and merges the shared pattern memory. It is not
// vendor-scoped; every vendor's discoveries land in one document.
type PatternStore struct {
	docs DocumentStore
}

// NewPatternStore returns the shared pattern store. Patterns never go stale.
func NewPatternStore(docs DocumentStore) *PatternStore {
	return &PatternStore{docs: docs}
}

// Read returns the shared pattern memory.
func (s *PatternStore) Read() (PatternMemory, bool, error) {
	var mem PatternMemory
	ok, err := s.docs.Load(vendorKey(sharedVendor, patternsFile), &mem)
	if err != nil || !ok {
		return PatternMemory{}, false, err
	}
	return mem, true, nil
}

// Confirm merges patterns observed at one vendor into the shared memory.
// A pattern confirmed by a vendor that has not seen it before gains
// confidence; re-confirmation by the same vendor only refreshes the
// timestamp. The document keeps the MaxPatternEntries highest-confidence
// patterns.
func (s *PatternStore) Confirm(vendor string, observed []Pattern) error {
	var mem PatternMemory
	if _, err := s.docs.Load(vendorKey(sharedVendor, patternsFile), &mem); err != nil {
		return err
	}

	for _, incoming := range observed {
		idx := -1
		for i := range mem.Patterns {
			if mem.Patterns[i].Name == incoming.Name {
				idx = i
				break
			}
		}
		if idx == -1 {
			if incoming.Confidence <= 0 {
				incoming.Confidence = patternInitialConfidence
			}
			incoming.Vendors = []string{vendor}
			if incoming.RecordedAt.IsZero() {
				incoming.RecordedAt = time.Now().UTC()
			}
			mem.Patterns = append(mem.Patterns, incoming)
			continue
		}

		p := &mem.Patterns[idx]
		known := false
		for _, v := range p.Vendors {
			if v == vendor {
				known = true
				break
			}
		}
		if !known {
			p.Vendors = append(p.Vendors, vendor)
			p.Confidence += patternConfidenceStep
			if p.Confidence > 1.0 {
				p.Confidence = 1.0
			}
		}
		p.RecordedAt = time.Now().UTC()
		if p.Description == "" {
			p.Description = incoming.Description
		}
	}

	sort.SliceStable(mem.Patterns, func(i, j int) bool {
		return mem.Patterns[i].Confidence > mem.Patterns[j].Confidence
	})
	if len(mem.Patterns) > MaxPatternEntries {
		mem.Patterns = mem.Patterns[:MaxPatternEntries]
	}

	mem.UpdatedAt = time.Now().UTC()
	return s.docs.Save(vendorKey(sharedVendor, patternsFile), mem)
}
