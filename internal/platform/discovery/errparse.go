package discovery

import (
	"regexp"
	"time"

	"github.com/ehr/migrate/internal/platform/memory"
)

// GraphQL endpoints phrase validation failures consistently enough to
// extract (typeName, fieldName) pairs. Unrecognized messages stay free text
// so nothing is lost, just unstructured.
var (
	cannotQueryFieldPattern = regexp.MustCompile(`Cannot query field "([^"]+)" on type "([^"]+)"`)
	unknownArgumentPattern  = regexp.MustCompile(`Unknown argument "([^"]+)" on field "([^"]+)\.([^"]+)"`)
	requiredFieldPattern    = regexp.MustCompile(`Field "([^"]+)\.([^"]+)" of required type "([^"]+)" was not provided`)
)

// ParseQueryError converts one GraphQL error message into a structured
// discovery error.
func ParseQueryError(message string) memory.DiscoveryError {
	entry := memory.DiscoveryError{
		Message:  message,
		HitCount: 1,
		LastSeen: time.Now().UTC(),
	}

	if m := cannotQueryFieldPattern.FindStringSubmatch(message); m != nil {
		entry.FieldName = m[1]
		entry.TypeName = m[2]
		return entry
	}
	if m := unknownArgumentPattern.FindStringSubmatch(message); m != nil {
		entry.TypeName = m[2]
		entry.FieldName = m[3]
		return entry
	}
	if m := requiredFieldPattern.FindStringSubmatch(message); m != nil {
		entry.TypeName = m[1]
		entry.FieldName = m[2]
		return entry
	}
	return entry
}
