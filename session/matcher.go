package session

import (
	"github.com/gobwas/glob"
)

// GlobMatcher matches canonical session ID strings against a glob pattern.
// Admin kill and inspect requests compile their patterns into one of these.
type GlobMatcher struct {
	pattern  string
	compiled glob.Glob
}

// NewGlobMatcher compiles a glob pattern, for example
// "d4c0ffee-*#0a1b2c3d4e5f6071".
func NewGlobMatcher(pattern string) (*GlobMatcher, error) {
	compiled, err := glob.Compile(pattern)
	if err != nil {
		return nil, &ParseError{Field: "pattern", Detail: err.Error()}
	}
	return &GlobMatcher{pattern: pattern, compiled: compiled}, nil
}

// Match reports whether the canonical SID form matches the pattern
func (m *GlobMatcher) Match(sid string) bool {
	return m.compiled.Match(sid)
}

// Pattern returns the source pattern
func (m *GlobMatcher) Pattern() string {
	return m.pattern
}

// MatchAll matches every session
type MatchAll struct{}

func (MatchAll) Match(string) bool { return true }
