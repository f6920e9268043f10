package peerwire

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitfieldGet(t *testing.T) {
	bf := Bitfield{0b11001100, 0b10101010}
	expected := []bool{true, true, false, false, true, true, false, false, true, false, true, false, true, false, true, false}
	for index, exp := range expected {
		require.Equal(t, exp, bf.Get(index))
	}
}

func TestBitfieldGetOutOfRange(t *testing.T) {
	bf := Bitfield{0xFF}
	require.False(t, bf.Get(-1))
	require.False(t, bf.Get(8))
	require.False(t, bf.Get(1000))
}

func TestBitfieldSetAndUnset(t *testing.T) {
	bf := NewBitfield(16)
	for index := range 16 {
		require.False(t, bf.Get(index))
		bf.Set(index)
		require.True(t, bf.Get(index))
		bf.Unset(index)
		require.False(t, bf.Get(index))
	}
}

func TestBitfieldRandomised(t *testing.T) {
	for range 200 {
		raw := make([]byte, 5)
		rand.Read(raw)
		bf := Bitfield(raw)

		idx := rand.Intn(len(bf) * 8)
		before := bf.Get(idx)
		if before {
			bf.Unset(idx)
			require.False(t, bf.Get(idx))
		} else {
			bf.Set(idx)
			require.True(t, bf.Get(idx))
		}
	}
}

func TestNewBitfieldSizing(t *testing.T) {
	require.Len(t, NewBitfield(0), 0)
	require.Len(t, NewBitfield(1), 1)
	require.Len(t, NewBitfield(8), 1)
	require.Len(t, NewBitfield(9), 2)
	require.Len(t, NewBitfield(16), 2)
}
