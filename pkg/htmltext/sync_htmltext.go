// Package htmltext converts HTML email bodies to plain text for
// classification and indexing.
package htmltext

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	stylePattern  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	headPattern   = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	brPattern     = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockPattern  = regexp.MustCompile(`(?i)</(p|div|tr|li|h[1-6]|blockquote|table)>`)
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	spacePattern  = regexp.MustCompile(`[ \t]+`)
	linePattern   = regexp.MustCompile(`\n{3,}`)
)

// Strip converts HTML to plain text. Block-level closings become line
// breaks so the output keeps paragraph structure.
func Strip(input string) string {
	if input == "" {
		return ""
	}

	text := scriptPattern.ReplaceAllString(input, "")
	text = stylePattern.ReplaceAllString(text, "")
	text = headPattern.ReplaceAllString(text, "")
	text = brPattern.ReplaceAllString(text, "\n")
	text = blockPattern.ReplaceAllString(text, "\n")
	text = tagPattern.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = spacePattern.ReplaceAllString(text, " ")
	text = linePattern.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")

	return strings.TrimSpace(text)
}

// LooksLikeHTML reports whether a body with no declared content type is
// probably HTML.
func LooksLikeHTML(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "<html") ||
		strings.Contains(lower, "<body") ||
		strings.Contains(lower, "<div") ||
		strings.Contains(lower, "</p>")
}
