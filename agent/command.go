package agent

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultPrefixes are the message prefixes recognized as commands unless
// the agent settings override them.
var DefaultPrefixes = []string{"!", "/"}

// Command is one parsed bot command.
type Command struct {
	// Name is the lower-cased first token.
	Name string
	// Args are the positional tokens after the name.
	Args []string
	// Flags holds --key=value pairs; bare --key and bundled -abc flags
	// store "true".
	Flags map[string]string
	// Prefix is the prefix the message carried.
	Prefix string
	// Raw is the message body the command was parsed from.
	Raw string
}

// ParseCommand parses a message body. It returns false when the body does
// not start with a recognized prefix or carries no command name.
func ParseCommand(body string, prefixes []string) (*Command, bool) {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	body = strings.TrimSpace(body)

	var prefix string
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(body, p) {
			prefix = p
			break
		}
	}
	if prefix == "" {
		return nil, false
	}

	tokens := tokenize(body[len(prefix):])
	if len(tokens) == 0 {
		return nil, false
	}

	cmd := &Command{
		Name:   strings.ToLower(tokens[0]),
		Flags:  map[string]string{},
		Prefix: prefix,
		Raw:    body,
	}
	for _, tok := range tokens[1:] {
		switch {
		case strings.HasPrefix(tok, "--") && len(tok) > 2:
			key, value, found := strings.Cut(tok[2:], "=")
			if key == "" {
				cmd.Args = append(cmd.Args, tok)
				continue
			}
			if found {
				cmd.Flags[key] = value
			} else {
				cmd.Flags[key] = "true"
			}
		case strings.HasPrefix(tok, "-") && len(tok) > 1 && !strings.HasPrefix(tok, "--"):
			for _, r := range tok[1:] {
				cmd.Flags[string(r)] = "true"
			}
		default:
			cmd.Args = append(cmd.Args, tok)
		}
	}
	return cmd, true
}

// ArgString joins the positional args with single spaces.
func (c *Command) ArgString() string {
	return strings.Join(c.Args, " ")
}

// Formatted renders the canonical form: prefix, name, positional args,
// then flags sorted by key. Parsing the result yields the same args and
// flags.
func (c *Command) Formatted() string {
	parts := make([]string, 0, 1+len(c.Args)+len(c.Flags))
	parts = append(parts, c.Prefix+c.Name)
	for _, arg := range c.Args {
		parts = append(parts, quoteToken(arg))
	}
	keys := make([]string, 0, len(c.Flags))
	for k := range c.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := c.Flags[k]; v == "true" {
			parts = append(parts, "--"+k)
		} else {
			parts = append(parts, "--"+k+"="+quoteToken(v))
		}
	}
	return strings.Join(parts, " ")
}

// tokenize splits on whitespace while honoring double and single quotes.
// A quote without a matching close falls through as a literal character.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	hasCur := false

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == r {
					end = j
					break
				}
			}
			if end < 0 {
				cur.WriteRune(r)
				hasCur = true
				continue
			}
			cur.WriteString(string(runes[i+1 : end]))
			hasCur = true
			i = end
		case unicode.IsSpace(r):
			if hasCur {
				tokens = append(tokens, cur.String())
				cur.Reset()
				hasCur = false
			}
		default:
			cur.WriteRune(r)
			hasCur = true
		}
	}
	if hasCur {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// quoteToken wraps a token in quotes when it would otherwise split.
func quoteToken(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsFunc(s, unicode.IsSpace) {
		return s
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	return "'" + s + "'"
}
