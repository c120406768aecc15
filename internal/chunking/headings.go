package chunking

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	maxHeadingLen      = 80
	maxUpperHeadingLen = 60
	maxHeadingWords    = 8
)

var numberedHeading = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+(\p{Lu}.*)$`)

// headingTitle reports whether line looks like a section heading and
// returns its normalized title.
func headingTitle(line []rune) (string, bool) {
	s := strings.TrimSpace(string(line))
	if s == "" || len([]rune(s)) > maxHeadingLen {
		return "", false
	}

	if strings.HasPrefix(s, "#") {
		title := strings.TrimSpace(strings.TrimLeft(s, "#"))
		return title, title != ""
	}

	if m := numberedHeading.FindStringSubmatch(s); m != nil {
		if strings.ContainsAny(s[len(s)-1:], ".;:,") {
			return "", false
		}
		return s, true
	}

	if isUpperHeading(s) {
		return s, true
	}
	return "", false
}

// isUpperHeading matches short lines like "TROUBLESHOOTING" or
// "HYDRAULIC SYSTEM".
func isUpperHeading(s string) bool {
	if len([]rune(s)) < 3 || len([]rune(s)) > maxUpperHeadingLen {
		return false
	}
	if len(strings.Fields(s)) > maxHeadingWords {
		return false
	}
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}
