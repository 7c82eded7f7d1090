package numpad

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Printer object fields arrive as decoded JSON, so numbers may be float64,
// json.Number or, from in-process hosts, any Go numeric type.

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asFloatSlice(v any) []float64 {
	switch s := v.(type) {
	case []float64:
		return s
	case []any:
		out := make([]float64, 0, len(s))
		for _, e := range s {
			f, _ := asFloat(e)
			out = append(out, f)
		}
		return out
	default:
		return nil
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	default:
		f, ok := asFloat(v)
		return ok && f != 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
