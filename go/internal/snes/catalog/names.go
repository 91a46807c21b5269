package catalog

import (
	"path"
	"regexp"
	"strings"
)

// ROMExtensions are the file types listed from ROM directories.
var ROMExtensions = []string{".smc", ".sfc", ".zip", ".7z", ".fig", ".swc"}

// IsROM reports whether name carries a ROM extension.
func IsROM(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range ROMExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

var (
	extPattern     = regexp.MustCompile(`(?i)\.(smc|sfc|zip|7z|fig|swc)$`)
	copySuffix     = regexp.MustCompile(`\s*\((\d+)\)\s*$`)
	tagPattern     = regexp.MustCompile(`\s*[\[(].*?[\])]\s*`)
	separators     = regexp.MustCompile(`[._]+`)
	multiSpace     = regexp.MustCompile(`\s{2,}`)
	nonSearchPunct = regexp.MustCompile(`[^a-z0-9\s]`)
)

// StripExt removes a ROM extension.
func StripExt(name string) string {
	return extPattern.ReplaceAllString(name, "")
}

// Prettify turns "Super_Mario_World (USA) [!].sfc" into "Super Mario World".
func Prettify(name string) string {
	s := StripExt(name)
	s = copySuffix.ReplaceAllString(s, "")
	s = tagPattern.ReplaceAllString(s, " ")
	s = separators.ReplaceAllString(s, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SearchKey normalizes a name for substring search.
func SearchKey(name string) string {
	return nonSearchPunct.ReplaceAllString(strings.ToLower(Prettify(name)), "")
}

// Matches reports whether any candidate contains query after normalization.
// An empty query matches everything.
func Matches(query string, candidates ...string) bool {
	q := SearchKey(query)
	if q == "" {
		return true
	}
	for _, c := range candidates {
		if strings.Contains(SearchKey(c), q) {
			return true
		}
	}
	return false
}
