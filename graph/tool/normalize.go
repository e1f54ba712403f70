package tool

import (
	"regexp"
	"strings"
)

var (
	parenthetical = regexp.MustCompile(`\s*\([^)]*\)`)
	separators    = regexp.MustCompile(`[\s/\-]+`)
	underscores   = regexp.MustCompile(`_+`)
)

// Normalize turns a free-form tool name into a registry key: lower case,
// parentheticals dropped, spaces, slashes and dashes collapsed to single
// underscores. An empty result becomes "unknown".
//
//	Normalize("ATS / CRM (e.g. Greenhouse)") == "ats_crm"
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = parenthetical.ReplaceAllString(s, "")
	s = separators.ReplaceAllString(s, "_")
	s = underscores.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}
