package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdown renders bot replies into the HTML subset Matrix clients accept.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderMarkdown converts markdown to a formatted_body string. It returns
// "" when the rendering would be the bare body wrapped in a single <p>,
// so callers can skip the formatted variant for plain text.
func RenderMarkdown(body string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return ""
	}
	rendered := strings.TrimSpace(buf.String())
	if rendered == "<p>"+htmlEscape(body)+"</p>" {
		return ""
	}
	return rendered
}

// MarkdownMessage builds an m.text content with a formatted body when the
// markdown adds anything over the plain text.
func MarkdownMessage(body string) MessageContent {
	content := TextMessage(body)
	if formatted := RenderMarkdown(body); formatted != "" {
		content.Format = FormatHTML
		content.FormattedBody = formatted
	}
	return content
}

// MarkdownNotice is MarkdownMessage with msgtype m.notice.
func MarkdownNotice(body string) MessageContent {
	content := MarkdownMessage(body)
	content.MsgType = MsgNotice
	return content
}

func htmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
