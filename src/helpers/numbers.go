package helpers

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ParseFloat reads a finite number out of an upstream field. The portal sends
// numbers as JSON numbers or as strings, sometimes prefixed with a status
// letter (C for prior close, H for halted) or carrying thousands separators.
func ParseFloat(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		s = strings.TrimLeft(s, "CH")
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSuffix(s, "%")
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if !IsFinite(f) {
		return 0, false
	}
	return f, true
}

// FloatPtr returns a pointer to the parsed value of v, or nil.
func FloatPtr(v interface{}) *float64 {
	if f, ok := ParseFloat(v); ok {
		return &f
	}
	return nil
}

// ParseInt reads an integer size such as "1,200" or 300.
func ParseInt(v interface{}) (int64, bool) {
	f, ok := ParseFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Float returns a pointer to f; nil when f is not finite.
func Float(f float64) *float64 {
	if !IsFinite(f) {
		return nil
	}
	return &f
}
