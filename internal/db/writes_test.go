package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvisoryLockKeyDeterministic(t *testing.T) {
	a := advisoryLockKey("episode-123")
	b := advisoryLockKey("episode-123")
	require.Equal(t, a, b)

	require.NotEqual(t, advisoryLockKey("episode-123"), advisoryLockKey("episode-124"))
	require.NotEqual(t, advisoryLockKey("quote-1"), advisoryLockKey("quote-2"))
}

func TestLockScopesDistinct(t *testing.T) {
	require.NotEqual(t, lockScopeEpisode, lockScopeQuote)
	require.NotEqual(t, lockScopeQuote, lockScopeShort)
	require.NotEqual(t, lockScopeEpisode, lockScopeShort)
}

func TestWriteResult(t *testing.T) {
	require.Equal(t, "skipped", WriteSkipped.String())
	require.Equal(t, "noop", WriteNoop.String())
	require.Equal(t, "updated", WriteUpdated.String())

	require.False(t, WriteSkipped.Applied())
	require.True(t, WriteNoop.Applied())
	require.True(t, WriteUpdated.Applied())
}
