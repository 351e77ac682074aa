package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// KindFilter matches event kinds against glob patterns. An empty pattern
// list matches everything.
type KindFilter struct {
	globs []glob.Glob
}

// NewKindFilter compiles the given glob patterns
func NewKindFilter(patterns []string) (*KindFilter, error) {
	f := &KindFilter{}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid kind pattern %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match returns true if the kind matches any pattern, or if no patterns
// were configured.
func (f *KindFilter) Match(kind string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(kind) {
			return true
		}
	}
	return false
}
