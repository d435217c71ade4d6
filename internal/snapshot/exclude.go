package snapshot

import (
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"
)

// Matcher evaluates glob-style exclude patterns against relative paths.
// A pattern containing "/" is matched against the whole relative path;
// one without is matched against the base name. The scanner also applies the
// matcher to directories, so "*.tmp" excludes temp files at any depth and
// ".cache" prunes every directory of that name. "**" matches across separators.
type Matcher struct {
	patterns []string
	full     []glob.Glob
	base     []glob.Glob
}

// NewMatcher compiles patterns. An empty list yields a matcher that excludes nothing.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = strings.TrimPrefix(p, "/")
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(err, "invalid exclude pattern %q", p)
		}
		m.patterns = append(m.patterns, p)
		if strings.Contains(p, "/") {
			m.full = append(m.full, g)
		} else {
			m.base = append(m.base, g)
		}
	}
	return m, nil
}

// Patterns returns the compiled patterns in order.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return m.patterns
}

// Match reports whether rel is excluded.
func (m *Matcher) Match(rel string) bool {
	if m == nil || rel == "" {
		return false
	}
	for _, g := range m.full {
		if g.Match(rel) {
			return true
		}
	}
	if len(m.base) == 0 {
		return false
	}
	name := path.Base(rel)
	for _, g := range m.base {
		if g.Match(name) {
			return true
		}
	}
	return false
}
