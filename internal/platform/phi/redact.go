// Package phi enforces the data-never-leaves boundary. Everything that
// travels toward an AI backend passes through here first: live API responses
// go through RedactPHI, and source profiles go through the SafeContextBuilder
// for a second, independent sanitation pass. The boundary is structural; AI
// clients accept only the types this package produces.
package phi

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxRedactionDepth bounds recursion over pathological or cyclic structures.
const maxRedactionDepth = 20

// structuralKeys pass through unredacted. They carry zero patient
// information and the discovery agent needs them to reason about response
// shape and pagination.
var structuralKeys = map[string]bool{
	"__typename":      true,
	"hasNextPage":     true,
	"hasPreviousPage": true,
	"startCursor":     true,
	"endCursor":       true,
	"cursor":          true,
	"totalCount":      true,
	"count":           true,
}

// RedactPHI recursively replaces every value in a response tree with a
// shape-preserving placeholder: strings become "[string len=N]", numbers
// become 0, identifier-shaped keys become "[id]", and arrays are summarized
// as {length, sample} with only the first two items (redacted) retained.
func RedactPHI(value any) any {
	return redact(value, 0)
}

// RedactJSON unmarshals raw JSON, redacts it, and re-marshals. Invalid JSON
// is replaced wholesale rather than passed through.
func RedactJSON(raw []byte) []byte {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return []byte(fmt.Sprintf("%q", fmt.Sprintf("[unparsable json len=%d]", len(raw))))
	}
	out, err := json.Marshal(redact(value, 0))
	if err != nil {
		return []byte(`"[redaction failed]"`)
	}
	return out
}

func redact(value any, depth int) any {
	if depth > maxRedactionDepth {
		return "[max depth]"
	}

	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return fmt.Sprintf("[string len=%d]", len(v))
	case bool:
		return v
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return 0
	case json.Number:
		return 0
	case []any:
		sample := make([]any, 0, 2)
		for i, item := range v {
			if i == 2 {
				break
			}
			sample = append(sample, redact(item, depth+1))
		}
		return map[string]any{"length": len(v), "sample": sample}
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			switch {
			case structuralKeys[key]:
				out[key] = item
			case isIdentifierKey(key):
				out[key] = "[id]"
			default:
				out[key] = redact(item, depth+1)
			}
		}
		return out
	default:
		return "[redacted]"
	}
}

// isIdentifierKey reports whether a key names an identifier. Suffix checks
// are case-shaped ("Id", "ID", "_id") so words like "paid" do not match.
func isIdentifierKey(key string) bool {
	switch strings.ToLower(key) {
	case "id", "uuid", "guid":
		return true
	}
	if strings.HasSuffix(key, "_id") || strings.HasSuffix(key, "-id") {
		return true
	}
	return strings.HasSuffix(key, "Id") || strings.HasSuffix(key, "ID")
}
