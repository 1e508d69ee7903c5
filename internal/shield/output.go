package shield

import (
	"regexp"
	"strings"
)

var (
	delimiterPattern = regexp.MustCompile(`(?i)<<\s*UNTRUSTED-[0-9a-f]*\s*>>|<\|DELIMITER_[A-Za-z0-9]*\|>`)
	fencePattern     = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\r?\n(.*?)\r?\n?```")
	personaPattern   = regexp.MustCompile(`(?i)you are a helpful assistant\.?`)
)

// FilterOutput reduces an oracle reply to the candidate code: it keeps
// the body of the first fenced block when there is one and removes
// leftover delimiters and echoed persona lines.
func FilterOutput(reply string) string {
	s := reply
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else {
		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	s = delimiterPattern.ReplaceAllString(s, "")
	s = personaPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
