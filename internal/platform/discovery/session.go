package discovery

import (
	"sort"
	"time"

	"github.com/ehr/migrate/internal/platform/memory"
)

// Session is the explicit state of one discovery run. Tool handlers mutate
// it as the agent explores; Discover persists it afterwards and returns it
// with the result so operators can audit what the agent did.
type Session struct {
	Vendor          string                            `json:"vendor"`
	Goals           []string                          `json:"goals"`
	StartedAt       time.Time                         `json:"startedAt"`
	TypeShapes      map[string]memory.TypeShape       `json:"typeShapes"`
	Verified        map[string]memory.VerifiedQuery   `json:"verified"`
	Errors          []memory.DiscoveryError           `json:"errors,omitempty"`
	Quirks          []memory.Quirk                    `json:"quirks,omitempty"`
	Patterns        []string                          `json:"patterns,omitempty"`
	QueriesExecuted int                               `json:"queriesExecuted"`
}

func newSession(vendor string, goals []string) *Session {
	return &Session{
		Vendor:     vendor,
		Goals:      append([]string(nil), goals...),
		StartedAt:  time.Now().UTC(),
		TypeShapes: map[string]memory.TypeShape{},
		Verified:   map[string]memory.VerifiedQuery{},
	}
}

// recordError parses and appends one GraphQL error message, deduplicating
// within the session by message with a hit counter. The error store applies
// the same policy across runs.
func (s *Session) recordError(message string) {
	for i := range s.Errors {
		if s.Errors[i].Message == message {
			s.Errors[i].HitCount++
			s.Errors[i].LastSeen = time.Now().UTC()
			return
		}
	}
	s.Errors = append(s.Errors, ParseQueryError(message))
}

// recordQuirk appends one observed oddity, deduplicated by description.
func (s *Session) recordQuirk(description string) {
	if description == "" {
		return
	}
	for _, q := range s.Quirks {
		if q.Description == description {
			return
		}
	}
	s.Quirks = append(s.Quirks, memory.Quirk{
		Description: description,
		RecordedAt:  time.Now().UTC(),
	})
}

// observePatterns merges newly detected pattern names into the session set.
func (s *Session) observePatterns(names []string) {
	for _, name := range names {
		found := false
		for _, existing := range s.Patterns {
			if existing == name {
				found = true
				break
			}
		}
		if !found {
			s.Patterns = append(s.Patterns, name)
		}
	}
}

// missingGoals lists required entity types with no verified query yet,
// sorted for stable output.
func (s *Session) missingGoals() []string {
	var missing []string
	for _, goal := range s.Goals {
		if _, ok := s.Verified[goal]; !ok {
			missing = append(missing, goal)
		}
	}
	sort.Strings(missing)
	return missing
}
