// Package normalize implements the Row Normalizer: it coerces
// dialect-specific JSON encodings of a synchronized row into a canonical
// form suitable for binding into any backend's SQL parameters.
//
// Grounded on original_source's _normalize_row_types: keys ending in "_at"
// that hold ISO-8601 strings become time.Time values, and booleans become
// 0/1 integers (SQL Server's JSON serialization of BIT columns conflicts
// with the SMALLINT columns the other two dialects use).
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Row coerces row in place and returns it. It is total (never errors) and
// idempotent: Row(Row(x)) == Row(x) for any well-formed row map.
func Row(row map[string]any) map[string]any {
	for k, v := range row {
		if strings.HasSuffix(k, "_at") {
			row[k] = normalizeTimestamp(v)
			continue
		}
		if b, ok := v.(bool); ok {
			row[k] = boolToInt(b)
		}
	}
	return row
}

// normalizeTimestamp parses an ISO-8601 string (accepting a trailing "Z"
// in place of "+00:00") into a time.Time. Values that are already a
// time.Time, or strings that fail to parse, pass through unchanged.
func normalizeTimestamp(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		candidate := t
		if strings.HasSuffix(candidate, "Z") {
			candidate = strings.TrimSuffix(candidate, "Z") + "+00:00"
		}
		parsed, err := time.Parse(time.RFC3339Nano, candidate)
		if err != nil {
			// Try an explicit-offset layout before giving up. Like
			// RFC3339Nano it requires a numeric zone offset, so a string
			// without one is left as-is. The "_at" naming convention is
			// the only signal we have that this is a timestamp, so an
			// unparseable string is kept rather than discarded.
			parsed, err = time.Parse("2006-01-02T15:04:05.999999999-07:00", candidate)
			if err != nil {
				return v
			}
		}
		return parsed
	default:
		return v
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IntOr coerces v to an int, returning def if v is nil or of a type (or
// content, for a non-numeric string) that can't be coerced. Rows decoded
// from JSON snapshots carry numbers as float64 or json.Number, and a row
// freshly scanned from a driver may carry one as a string; all three must
// resolve the same way a literal int does.
func IntOr(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return def
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	case nil:
		return def
	default:
		return def
	}
}
