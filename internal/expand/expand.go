package expand

import (
	"regexp"
	"strings"
)

var re = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)(:-[^}]*)?\}`)

// Expand replaces every ${name} in v with mapping(name). A default may be
// given as ${name:-fallback}; it is used when the mapping yields "".
func Expand(v string, mapping func(string) string) string {
	return re.ReplaceAllStringFunc(v, func(s string) string {
		inner := s[2 : len(s)-1]
		name, fallback, hasFallback := strings.Cut(inner, ":-")
		expanded := mapping(name)
		if expanded == "" && hasFallback {
			return fallback
		}
		return expanded
	})
}
