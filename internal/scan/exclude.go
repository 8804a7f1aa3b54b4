package scan

import (
	"path"
	"path/filepath"
	"strings"
)

// MatchesAny reports whether relPath matches one of the exclusion
// globs. Patterns are slash-separated: `*` matches within a segment,
// `**` spans any number of segments, and a trailing slash excludes the
// whole subtree. Patterns match against the full relative path, so a
// bare `*.log` only hits top-level files; use `**/*.log` for any depth.
func MatchesAny(relPath string, globs []string) bool {
	normalized := normalizeForGlob(relPath)
	if normalized == "" {
		return false
	}
	for _, glob := range globs {
		if matchExclude(glob, normalized) {
			return true
		}
	}
	return false
}

func matchExclude(glob, relPath string) bool {
	pattern := normalizeForGlob(glob)
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(relPath, "/"))
}

func matchSegments(pattern, value []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for len(pattern) > 1 && pattern[1] == "**" {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(value); i++ {
				if matchSegments(pattern[1:], value[i:]) {
					return true
				}
			}
			return false
		}

		if len(value) == 0 {
			return false
		}

		ok, err := path.Match(pattern[0], value[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		value = value[1:]
	}
	return len(value) == 0
}

func normalizeForGlob(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = filepath.ToSlash(raw)
	raw = strings.TrimPrefix(raw, "./")
	raw = strings.TrimPrefix(raw, "/")
	return strings.TrimSpace(raw)
}
