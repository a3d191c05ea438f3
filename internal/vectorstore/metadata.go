package vectorstore

import (
	"encoding/json"
	"math"
	"strconv"
)

// Metadata is the flat, string-keyed record stored alongside a vector.
// Values are JSON scalars (string, number, bool) or nil.
type Metadata map[string]any

// String returns the string value of key, or "" when absent or nil.
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Int64 returns the integer value of key. Backends that round-trip through
// JSON hand numbers back as float64 or json.Number; both are accepted.
func (m Metadata) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Has reports whether key is present with a non-nil, non-empty value.
func (m Metadata) Has(key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with every key of patch written over it.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// withoutNulls drops nil values for backends that reject null metadata.
func (m Metadata) withoutNulls() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
