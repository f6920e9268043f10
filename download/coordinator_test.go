package download

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anthropic-contrib/go-torrent-core/peer"
)

func TestClientPeerIDFormat(t *testing.T) {
	id, err := clientPeerID()
	require.NoError(t, err)
	require.Equal(t, "-GT0104-", string(id[:8]))

	other, err := clientPeerID()
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}

func TestAtomicCounterIncr(t *testing.T) {
	var c atomicCounter
	require.Equal(t, 1, c.Incr())
	require.Equal(t, 2, c.Incr())
	require.Equal(t, 3, c.Incr())
}

func TestShuffleSessionsPreservesElements(t *testing.T) {
	sessions := make([]*peer.Session, 10)
	for i := range sessions {
		sessions[i] = &peer.Session{Addr: string(rune('a' + i))}
	}
	shuffled := make([]*peer.Session, len(sessions))
	copy(shuffled, sessions)
	shuffleSessions(shuffled)

	require.ElementsMatch(t, sessions, shuffled)
}
