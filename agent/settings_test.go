package agent_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/agent"
)

func TestParseSettingsOverridesDefaults(t *testing.T) {
	defaults := map[string]any{
		"greeting": "hello",
		"retries":  3,
	}
	s, err := agent.ParseSettings(defaults, `{"greeting": "hi", "extra": true}`)
	require.NoError(t, err)

	assert.Equal(t, "hi", s.String("greeting", ""))
	assert.Equal(t, 3, s.Int("retries", 0))
	assert.True(t, s.Bool("extra", false))
}

func TestParseSettingsEmptyKeepsDefaults(t *testing.T) {
	s, err := agent.ParseSettings(map[string]any{"greeting": "hello"}, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", s.String("greeting", ""))
}

func TestParseSettingsBadJSON(t *testing.T) {
	_, err := agent.ParseSettings(nil, "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode agent settings")
}

func TestSettingsFallbacks(t *testing.T) {
	s, err := agent.ParseSettings(nil, `{"name": "bot", "count": 7, "on": true}`)
	require.NoError(t, err)

	// Missing keys fall back.
	assert.Equal(t, "x", s.String("missing", "x"))
	assert.Equal(t, 9, s.Int("missing", 9))
	assert.True(t, s.Bool("missing", true))

	// Wrong shapes fall back too.
	assert.Equal(t, "x", s.String("count", "x"))
	assert.Equal(t, 9, s.Int("name", 9))

	// JSON numbers decode as float64 and still read as int.
	assert.Equal(t, 7, s.Int("count", 0))

	_, ok := s.Value("name")
	assert.True(t, ok)
	_, ok = s.Value("missing")
	assert.False(t, ok)
}

func TestSettingsDuration(t *testing.T) {
	s, err := agent.ParseSettings(nil, `{"ttl": "90s", "grace": 30, "bad": "soon"}`)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, s.Duration("ttl", 0))
	// Bare numbers are seconds.
	assert.Equal(t, 30*time.Second, s.Duration("grace", 0))
	assert.Equal(t, time.Minute, s.Duration("bad", time.Minute))
	assert.Equal(t, time.Minute, s.Duration("missing", time.Minute))
}

func TestSettingsStrings(t *testing.T) {
	s, err := agent.ParseSettings(nil, `{"prefixes": ["!", "~", 3], "solo": "x"}`)
	require.NoError(t, err)

	// Non-string members of a JSON list are skipped.
	assert.Equal(t, []string{"!", "~"}, s.Strings("prefixes"))
	assert.Nil(t, s.Strings("solo"))
	assert.Nil(t, s.Strings("missing"))
}
