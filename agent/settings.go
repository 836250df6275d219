package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Settings is the union of bot-class defaults and the per-agent overrides
// stored as JSON on the agent row. Accessors are typed and fall back when
// a key is absent or the wrong shape.
type Settings struct {
	values map[string]any
}

// NewSettings wraps a defaults map. The map is copied.
func NewSettings(defaults map[string]any) Settings {
	values := make(map[string]any, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return Settings{values: values}
}

// ParseSettings decodes the agent row's settings JSON over the class
// defaults. An empty raw string keeps the defaults untouched.
func ParseSettings(defaults map[string]any, raw string) (Settings, error) {
	s := NewSettings(defaults)
	if raw == "" {
		return s, nil
	}
	var overrides map[string]any
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return s, fmt.Errorf("decode agent settings: %w", err)
	}
	for k, v := range overrides {
		s.values[k] = v
	}
	return s, nil
}

// Value returns the raw value for key.
func (s Settings) Value(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// String returns the string at key, or fallback.
func (s Settings) String(key, fallback string) string {
	if v, ok := s.values[key].(string); ok {
		return v
	}
	return fallback
}

// Bool returns the bool at key, or fallback.
func (s Settings) Bool(key string, fallback bool) bool {
	if v, ok := s.values[key].(bool); ok {
		return v
	}
	return fallback
}

// Int returns the integer at key, or fallback. JSON numbers decode as
// float64, so both shapes are accepted.
func (s Settings) Int(key string, fallback int) int {
	switch v := s.values[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// Duration returns the duration at key, or fallback. Strings parse with
// time.ParseDuration; bare numbers are seconds.
func (s Settings) Duration(key string, fallback time.Duration) time.Duration {
	switch v := s.values[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	}
	return fallback
}

// Strings returns the string list at key, or nil.
func (s Settings) Strings(key string) []string {
	switch v := s.values[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
