package modules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstanceID derives a module instance identifier from its descriptor ID and
// the route it is bound to.
func InstanceID(descriptorID string, cfg map[string]any) string {
	if route := String(cfg, "routeId", ""); route != "" {
		return descriptorID + ":" + route
	}
	return descriptorID + ":" + uuid.NewString()[:8]
}

// String reads a string value, falling back to def.
func String(cfg map[string]any, key, def string) string {
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	}
	return def
}

// Bool reads a boolean value, accepting "true"/"false" strings.
func Bool(cfg map[string]any, key string, def bool) bool {
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

// Int reads an integer value from any numeric or numeric-string representation.
//
//nolint:gocyclo // Enumerating numeric types keeps YAML and JSON decoders interchangeable.
func Int(cfg map[string]any, key string, def int) int {
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		if v > int64(math.MaxInt) || v < int64(math.MinInt) {
			return def
		}
		return int(v)
	case uint:
		if v > uint(math.MaxInt) {
			return def
		}
		return int(v)
	case uint64:
		if v > uint64(math.MaxInt) {
			return def
		}
		return int(v)
	case float64:
		if v > float64(math.MaxInt) || v < float64(math.MinInt) {
			return def
		}
		return int(v)
	case float32:
		return int(v)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

// Duration reads a duration given as time.Duration, a Go duration string or
// an integer number of milliseconds.
func Duration(cfg map[string]any, key string, def time.Duration) time.Duration {
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case time.Duration:
		return v
	case string:
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	case nil:
		return def
	}
	if ms := Int(cfg, key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// StringMap reads a map of strings, tolerating map[string]any from decoders.
func StringMap(cfg map[string]any, key string) map[string]string {
	out := make(map[string]string)
	if cfg == nil {
		return out
	}
	switch v := cfg[key].(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]any:
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			} else if val != nil {
				out[k] = fmt.Sprint(val)
			}
		}
	}
	return out
}

// StringSlice reads a list of strings, tolerating []any from decoders.
func StringSlice(cfg map[string]any, key string) []string {
	if cfg == nil {
		return nil
	}
	switch v := cfg[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}
