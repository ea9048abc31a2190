// Package mdslack converts a useful subset of Markdown into Slack
// mrkdwn before text is posted or edited into a channel.
package mdslack

import "regexp"

var (
	boldPattern    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headingPattern = regexp.MustCompile(`(?m)^#{1,3} (.+)$`)
	linkPattern    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// Convert rewrites **bold** to *bold*, line-leading #/##/### headings
// to *bold* lines, and [text](url) links to <url|text>. Everything
// else, including _italics_ and code fences, passes through unchanged.
func Convert(text string) string {
	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = headingPattern.ReplaceAllString(text, "*$1*")
	text = linkPattern.ReplaceAllString(text, "<$2|$1>")
	return text
}
