package discovery

import (
	"strings"

	"github.com/ehr/migrate/internal/platform/memory"
)

// Cross-vendor pattern names. These describe API shapes, never data, so
// they live in the shared vendor-agnostic pattern memory.
const (
	PatternRelayPageInfo = "relay_page_info"
	PatternEdgesNode     = "edges_node"
	PatternLimitOffset   = "limit_offset"
	PatternDateRange     = "date_range_filter"
)

var patternDescriptions = map[string]string{
	PatternRelayPageInfo: "relay-style pageInfo{hasNextPage,endCursor} pagination",
	PatternEdgesNode:     "edges{node} connection wrapping around records",
	PatternLimitOffset:   "limit/offset pagination arguments",
	PatternDateRange:     "from/to date-range filter arguments",
}

// DetectPatterns inspects one successful query and its response shape for
// the known cross-vendor API patterns.
func DetectPatterns(query string, data map[string]any) []string {
	var observed []string

	if strings.Contains(query, "pageInfo") || hasKeyDeep(data, "pageInfo") {
		observed = append(observed, PatternRelayPageInfo)
	}
	if strings.Contains(query, "edges") && strings.Contains(query, "node") {
		observed = append(observed, PatternEdgesNode)
	} else if hasKeyDeep(data, "edges") {
		observed = append(observed, PatternEdgesNode)
	}
	if strings.Contains(query, "limit") && strings.Contains(query, "offset") {
		observed = append(observed, PatternLimitOffset)
	}
	if strings.Contains(query, "from:") || strings.Contains(query, "$from") {
		if strings.Contains(query, "to:") || strings.Contains(query, "$to") {
			observed = append(observed, PatternDateRange)
		}
	}
	return observed
}

// PatternsToMemory converts observed pattern names into memory entries with
// their shared descriptions.
func PatternsToMemory(names []string) []memory.Pattern {
	seen := map[string]bool{}
	var out []memory.Pattern
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, memory.Pattern{
			Name:        name,
			Description: patternDescriptions[name],
		})
	}
	return out
}

func hasKeyDeep(v any, key string) bool {
	switch t := v.(type) {
	case map[string]any:
		if _, ok := t[key]; ok {
			return true
		}
		for _, child := range t {
			if hasKeyDeep(child, key) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if hasKeyDeep(child, key) {
				return true
			}
		}
	}
	return false
}
