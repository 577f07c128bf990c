package chat

import (
	"strconv"
	"strings"
)

// walk follows a dotted path through decoded JSON, returning nil when any
// step is missing. Numeric segments index into arrays.
func walk(v any, path string) any {
	for _, seg := range strings.Split(path, ".") {
		switch cur := v.(type) {
		case map[string]any:
			v = cur[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil
			}
			v = cur[idx]
		default:
			return nil
		}
		if v == nil {
			return nil
		}
	}
	return v
}

func walkMap(v any, path string) map[string]any {
	m, _ := walk(v, path).(map[string]any)
	return m
}

func walkString(v any, path string) string {
	s, _ := walk(v, path).(string)
	return s
}

// firstKey returns the single top-level key of a renderer wrapper. The
// upstream payloads wrap each item in an object with exactly one key; when
// more than one survives, any of them is acceptable.
func firstKey(m map[string]any) string {
	for k := range m {
		return k
	}
	return ""
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
