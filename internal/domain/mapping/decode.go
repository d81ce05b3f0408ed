package mapping

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when model output contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found in model output")

// DecodeSpec parses a MappingSpec out of raw model output. Models wrap JSON
// in markdown fences or surround it with prose; decoding tolerates both by
// slicing from the first '{' to the last '}'.
func DecodeSpec(text string) (Spec, error) {
	var spec Spec

	payload := strings.TrimSpace(text)
	if idx := strings.Index(payload, "```"); idx >= 0 {
		payload = payload[idx+3:]
		payload = strings.TrimPrefix(payload, "json")
		if end := strings.Index(payload, "```"); end >= 0 {
			payload = payload[:end]
		}
	}

	start := strings.Index(payload, "{")
	end := strings.LastIndex(payload, "}")
	if start < 0 || end < start {
		return spec, ErrNoJSON
	}

	if err := json.Unmarshal([]byte(payload[start:end+1]), &spec); err != nil {
		return spec, err
	}
	return spec, nil
}
