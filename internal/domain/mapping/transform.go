package mapping

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Transform function names. The registry is a static allowlist: it is the
// system's only protection against arbitrary code execution from AI-authored
// specs, so membership is decided by this closed set and nothing else.
const (
	TransformNormalizeDate  = "normalizeDate"
	TransformNormalizePhone = "normalizePhone"
	TransformNormalizeEmail = "normalizeEmail"
	TransformTrim           = "trim"
	TransformToUpper        = "toUpper"
	TransformToLower        = "toLower"
	TransformMapEnum        = "mapEnum"
	TransformSplitName      = "splitName"
	TransformConcat         = "concat"
	TransformDefaultValue   = "defaultValue"
	TransformHashToken      = "hashToken"
)

var allowedTransforms = map[string]bool{
	TransformNormalizeDate:  true,
	TransformNormalizePhone: true,
	TransformNormalizeEmail: true,
	TransformTrim:           true,
	TransformToUpper:        true,
	TransformToLower:        true,
	TransformMapEnum:        true,
	TransformSplitName:      true,
	TransformConcat:         true,
	TransformDefaultValue:   true,
	TransformHashToken:      true,
}

// IsAllowedTransform is the sole gate permitting a transform name into a
// MappingSpec.
func IsAllowedTransform(name string) bool {
	return allowedTransforms[name]
}

// AllowedTransforms returns the registry names, for prompts and diagnostics.
func AllowedTransforms() []string {
	return []string{
		TransformNormalizeDate,
		TransformNormalizePhone,
		TransformNormalizeEmail,
		TransformTrim,
		TransformToUpper,
		TransformToLower,
		TransformMapEnum,
		TransformSplitName,
		TransformConcat,
		TransformDefaultValue,
		TransformHashToken,
	}
}

// TransformContext carries the per-application inputs a transform may need
// beyond the value itself.
type TransformContext struct {
	// Args are the field mapping's transformArgs.
	Args map[string]string
	// EnumMap is the resolved enum table for the source field (mapEnum).
	EnumMap map[string]string
	// Row exposes sibling source fields by name (concat).
	Row map[string]string
	// HashSecret keys hashToken's MAC.
	HashSecret []byte
}

func (c TransformContext) arg(name string) string {
	if c.Args == nil {
		return ""
	}
	return c.Args[name]
}

// ApplyTransform dispatches value through the named transform. Dispatch is a
// closed switch over the registry; unknown names are an error, not a lookup.
// Absent input arrives as the empty string.
func ApplyTransform(name, value string, ctx TransformContext) (string, error) {
	switch name {
	case "":
		return value, nil
	case TransformNormalizeDate:
		return normalizeDate(value), nil
	case TransformNormalizePhone:
		return normalizePhone(value), nil
	case TransformNormalizeEmail:
		return strings.ToLower(strings.TrimSpace(value)), nil
	case TransformTrim:
		return strings.TrimSpace(value), nil
	case TransformToUpper:
		return strings.ToUpper(value), nil
	case TransformToLower:
		return strings.ToLower(value), nil
	case TransformMapEnum:
		return mapEnum(value, ctx.EnumMap), nil
	case TransformSplitName:
		return splitName(value, ctx.arg("part")), nil
	case TransformConcat:
		return concat(value, ctx), nil
	case TransformDefaultValue:
		if strings.TrimSpace(value) == "" {
			return ctx.arg("value"), nil
		}
		return value, nil
	case TransformHashToken:
		return hashToken(value, ctx.HashSecret), nil
	default:
		return "", fmt.Errorf("transform %q is not allowed", name)
	}
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"01/02/06",
}

// normalizeDate emits YYYY-MM-DD for ISO-8601 and MM/DD/YYYY-family inputs.
// Unparsable input passes through unchanged.
func normalizeDate(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.Format("2006-01-02")
		}
	}
	return value
}

// normalizePhone reduces a phone number to digits and formats ten-digit
// numbers as XXX-XXX-XXXX. A leading country code 1 on eleven digits is
// dropped. Anything else passes through trimmed.
func normalizePhone(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	var digits strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 {
		return v
	}
	return d[0:3] + "-" + d[3:6] + "-" + d[6:10]
}

// mapEnum translates through the enum table; unknown values pass through
// unchanged. Lookup falls back to a lowercase match.
func mapEnum(value string, enumMap map[string]string) string {
	if enumMap == nil {
		return value
	}
	if mapped, ok := enumMap[value]; ok {
		return mapped
	}
	if mapped, ok := enumMap[strings.ToLower(strings.TrimSpace(value))]; ok {
		return mapped
	}
	return value
}

// splitName extracts the given or family part of a personal name. "Family,
// Given" input splits on the comma; otherwise the first token is given and
// the last token is family.
func splitName(value, part string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}

	var given, family string
	if idx := strings.Index(v, ","); idx >= 0 {
		family = strings.TrimSpace(v[:idx])
		given = strings.TrimSpace(v[idx+1:])
	} else {
		tokens := strings.Fields(v)
		given = tokens[0]
		family = tokens[len(tokens)-1]
		if len(tokens) == 1 {
			family = ""
		}
	}

	if part == "family" {
		return family
	}
	return given
}

// concat joins the value with a sibling source field through a separator
// (default single space).
func concat(value string, ctx TransformContext) string {
	other := ""
	if field := ctx.arg("with"); field != "" && ctx.Row != nil {
		other = ctx.Row[field]
	}
	sep := ctx.arg("separator")
	if sep == "" {
		sep = " "
	}
	switch {
	case value == "":
		return other
	case other == "":
		return value
	default:
		return value + sep + other
	}
}

// hashToken produces a keyed MAC of the value so hashed identifiers cannot
// be reversed by brute force of the function alone. Empty input stays empty.
func hashToken(value string, secret []byte) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
