package agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/agent"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		prefixes []string
		ok       bool
		cmdName  string
		args     []string
		flags    map[string]string
		prefix   string
	}{
		{
			name:    "simple",
			body:    "!echo hello world",
			ok:      true,
			cmdName: "echo",
			args:    []string{"hello", "world"},
			prefix:  "!",
		},
		{
			name:    "slash prefix",
			body:    "/ping",
			ok:      true,
			cmdName: "ping",
			prefix:  "/",
		},
		{
			name:    "name lowercased",
			body:    "!ECHO Hi",
			ok:      true,
			cmdName: "echo",
			args:    []string{"Hi"},
			prefix:  "!",
		},
		{
			name:    "surrounding whitespace trimmed",
			body:    "  !ping  ",
			ok:      true,
			cmdName: "ping",
			prefix:  "!",
		},
		{
			name: "no prefix",
			body: "hello there",
			ok:   false,
		},
		{
			name: "prefix only",
			body: "!",
			ok:   false,
		},
		{
			name: "prefix then whitespace",
			body: "!   ",
			ok:   false,
		},
		{
			name:     "custom prefix",
			body:     "~stat",
			prefixes: []string{"~"},
			ok:       true,
			cmdName:  "stat",
			prefix:   "~",
		},
		{
			name:     "default prefix not honored under custom set",
			body:     "!stat",
			prefixes: []string{"~"},
			ok:       false,
		},
		{
			name:    "double quoted arg",
			body:    `!say "hello world" plain`,
			ok:      true,
			cmdName: "say",
			args:    []string{"hello world", "plain"},
			prefix:  "!",
		},
		{
			name:    "single quoted arg",
			body:    `!say 'hello world'`,
			ok:      true,
			cmdName: "say",
			args:    []string{"hello world"},
			prefix:  "!",
		},
		{
			name:    "unmatched quote stays literal",
			body:    "!say don't panic",
			ok:      true,
			cmdName: "say",
			args:    []string{"don't", "panic"},
			prefix:  "!",
		},
		{
			name:    "quotes join adjacent text",
			body:    `!say pre"mid dle"post`,
			ok:      true,
			cmdName: "say",
			args:    []string{"premid dlepost"},
			prefix:  "!",
		},
		{
			name:    "long flags",
			body:    "!deploy prod --force --env=staging",
			ok:      true,
			cmdName: "deploy",
			args:    []string{"prod"},
			flags:   map[string]string{"force": "true", "env": "staging"},
			prefix:  "!",
		},
		{
			name:    "bundled short flags",
			body:    "!ls -la",
			ok:      true,
			cmdName: "ls",
			flags:   map[string]string{"l": "true", "a": "true"},
			prefix:  "!",
		},
		{
			name:    "quoted flag value",
			body:    `!note --title="weekly sync"`,
			ok:      true,
			cmdName: "note",
			flags:   map[string]string{"title": "weekly sync"},
			prefix:  "!",
		},
		{
			name:    "bare double dash is positional",
			body:    "!run -- tail",
			ok:      true,
			cmdName: "run",
			args:    []string{"--", "tail"},
			prefix:  "!",
		},
		{
			name:    "empty flag key is positional",
			body:    "!run --=v",
			ok:      true,
			cmdName: "run",
			args:    []string{"--=v"},
			prefix:  "!",
		},
		{
			name:    "lone dash is positional",
			body:    "!cat -",
			ok:      true,
			cmdName: "cat",
			args:    []string{"-"},
			prefix:  "!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := agent.ParseCommand(tt.body, tt.prefixes)
			if !tt.ok {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.cmdName, cmd.Name)
			assert.Equal(t, tt.args, cmd.Args)
			if tt.flags == nil {
				assert.Empty(t, cmd.Flags)
			} else {
				assert.Equal(t, tt.flags, cmd.Flags)
			}
			assert.Equal(t, tt.prefix, cmd.Prefix)
		})
	}
}

func TestParseCommandKeepsRawBody(t *testing.T) {
	cmd, ok := agent.ParseCommand("!echo  hi", nil)
	require.True(t, ok)
	assert.Equal(t, "!echo  hi", cmd.Raw)
}

func TestCommandArgString(t *testing.T) {
	cmd, ok := agent.ParseCommand(`!echo one "two three" four`, nil)
	require.True(t, ok)
	assert.Equal(t, "one two three four", cmd.ArgString())
}

func TestCommandFormatted(t *testing.T) {
	cmd := &agent.Command{
		Name:   "say",
		Args:   []string{"hello world", "x", ""},
		Flags:  map[string]string{"force": "true", "env": "us east"},
		Prefix: "!",
	}
	assert.Equal(t, `!say "hello world" x "" --env="us east" --force`, cmd.Formatted())
}

func TestCommandFormattedRoundTrip(t *testing.T) {
	cmd, ok := agent.ParseCommand(`!deploy "app one" --env=staging --force -v`, nil)
	require.True(t, ok)

	again, ok := agent.ParseCommand(cmd.Formatted(), nil)
	require.True(t, ok)
	assert.Equal(t, cmd.Name, again.Name)
	assert.Equal(t, cmd.Args, again.Args)
	assert.Equal(t, cmd.Flags, again.Flags)
}

func TestCommandFormattedQuotesWithEmbeddedDoubleQuote(t *testing.T) {
	cmd := &agent.Command{
		Name:   "say",
		Args:   []string{`she said "hi"`},
		Flags:  map[string]string{},
		Prefix: "!",
	}
	// Tokens holding a double quote switch to single quoting.
	assert.Equal(t, `!say 'she said "hi"'`, cmd.Formatted())
}
