package download

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPieceQueuePutGet(t *testing.T) {
	q := newPieceQueue[int](2)
	q.Put(1)
	q.Put(2)

	v, err := q.Get()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = q.Get()
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestPieceQueueCloseDrains(t *testing.T) {
	q := newPieceQueue[string](2)
	q.Put("a")
	q.Close()

	v, err := q.Get()
	require.NoError(t, err)
	require.Equal(t, "a", v)

	_, err = q.Get()
	require.True(t, errors.Is(err, ErrQueueClosed))
}

func TestPieceQueueCloseIsIdempotent(t *testing.T) {
	q := newPieceQueue[int](1)
	q.Close()
	require.NotPanics(t, func() { q.Close() })
}
