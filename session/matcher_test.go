package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGlobMatcher(t *testing.T) {
	id := NewID("owner-m")

	exact, err := NewGlobMatcher(id.String())
	require.NoError(t, err)
	require.True(t, exact.Match(id.String()))
	require.False(t, exact.Match(NewID("owner-m").String()))

	// All sessions of one owner share the digest suffix
	byOwner, err := NewGlobMatcher(fmt.Sprintf("*#%016x", id.OwnerDigest))
	require.NoError(t, err)
	require.True(t, byOwner.Match(id.String()))
	require.True(t, byOwner.Match(NewID("owner-m").String()))
	require.False(t, byOwner.Match(NewID("other-owner").String()))

	everything, err := NewGlobMatcher("*")
	require.NoError(t, err)
	require.True(t, everything.Match(id.String()))
	require.Equal(t, "*", everything.Pattern())
}

func TestGlobMatcher_BadPattern(t *testing.T) {
	_, err := NewGlobMatcher("[unterminated")
	require.Error(t, err)
	require.IsType(t, &ParseError{}, err)
}

func TestMatchAll(t *testing.T) {
	require.True(t, MatchAll{}.Match("anything"))
	require.True(t, MatchAll{}.Match(""))
}
