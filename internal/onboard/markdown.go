package onboard

import (
	"regexp"
	"strings"
)

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

// markdownRewrites are applied in order.
var markdownRewrites = []rewrite{
	{regexp.MustCompile("```"), " "},
	{regexp.MustCompile("`([^`]+)`"), "${1}"},
	{regexp.MustCompile(`\*\*([^*]+)\*\*`), "${1}"},
	{regexp.MustCompile(`\*([^*]+)\*`), "${1}"},
	{regexp.MustCompile(`_([^_]+)_`), "${1}"},
	{regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]*`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*\d+[.)][ \t]+`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*[•·●][ \t]+`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*>[ \t]+`), ""},
	{regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`), "${1}"},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "${1}"},
	{regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`), ""},
	{regexp.MustCompile(`\r`), "\n"},
	{regexp.MustCompile(`\n{2,}`), "\n"},
	{regexp.MustCompile(`[ \t]{2,}`), " "},
}

// StripMarkdown converts model output to plain text so formatting does not
// leak into spoken or texted dialogue.
func StripMarkdown(md string) string {
	s := md
	for _, rw := range markdownRewrites {
		s = rw.re.ReplaceAllString(s, rw.repl)
	}
	return strings.TrimSpace(s)
}
