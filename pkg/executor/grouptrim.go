package executor

import (
	"regexp"
	"strings"
	"sync"
)

// namePattern compiles (and caches) the per-participant "Name:" line
// marker used by group trim. Compiling per call would re-parse the same
// handful of patterns on every turn; the cache keeps it to once per name.
var namePatternCache sync.Map // map[string]*regexp.Regexp

func namePattern(displayName string) *regexp.Regexp {
	if cached, ok := namePatternCache.Load(displayName); ok {
		return cached.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?mi)^\s*` + regexp.QuoteMeta(displayName) + `\s*:`)
	namePatternCache.Store(displayName, re)
	return re
}

// GroupTrim truncates generated text at the first line-start occurrence
// of any other participant's display name followed by ':', keeping only
// the speaker's own turn (spec.md §4.5 step 5). otherNames excludes the
// speaker.
func GroupTrim(text, speakerName string, otherNames []string) string {
	earliest := -1
	for _, name := range otherNames {
		if name == "" || name == speakerName {
			continue
		}
		loc := namePattern(name).FindStringIndex(text)
		if loc == nil {
			continue
		}
		if earliest == -1 || loc[0] < earliest {
			earliest = loc[0]
		}
	}
	if earliest == -1 {
		return text
	}
	return strings.TrimRight(text[:earliest], "\n\r \t")
}
