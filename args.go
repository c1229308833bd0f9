package stageflow

import (
	"fmt"
)

// Args are the construction arguments of a stage, as written under "args"
// in the configuration.
type Args map[string]any

// String returns the string argument key, or def when absent.
func (a Args) String(key, def string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q: expected string, got %T", key, v)
	}
	return s, nil
}

// Int returns the integer argument key, or def when absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("argument %q: %v is not an integer", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("argument %q: expected integer, got %T", key, v)
	}
}

// Float returns the numeric argument key, or def when absent.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("argument %q: expected number, got %T", key, v)
	}
}

// Bool returns the boolean argument key, or def when absent.
func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// Strings returns the string list argument key, or nil when absent.
func (a Args) Strings(key string) ([]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, len(l))
		for i, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q[%d]: expected string, got %T", key, i, e)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("argument %q: expected list of strings, got %T", key, v)
	}
}

// Map returns the mapping argument key, or nil when absent.
func (a Args) Map(key string) (map[string]any, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case Args:
		return m, nil
	case Record:
		return m, nil
	default:
		return nil, fmt.Errorf("argument %q: expected mapping, got %T", key, v)
	}
}
