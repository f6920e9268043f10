package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimpleMessages(t *testing.T) {
	tests := []struct {
		name    string
		encoded []byte
		id      byte
	}{
		{"choke", Choke(), MsgChoke},
		{"unchoke", Unchoke(), MsgUnchoke},
		{"interested", Interested(), MsgInterested},
		{"not_interested", NotInterested(), MsgNotInterested},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Read(bytes.NewReader(tc.encoded))
			require.NoError(t, err)
			require.Equal(t, tc.id, msg.ID)
			require.Empty(t, msg.Payload)
		})
	}
}

func TestReadKeepAlive(t *testing.T) {
	msg, err := Read(bytes.NewReader(KeepAlive()))
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestHaveRoundTrip(t *testing.T) {
	encoded := Have(42)
	msg, err := Read(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, MsgHave, msg.ID)

	index, err := ParseHave(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, 42, index)
}

func TestBitfieldMsgRoundTrip(t *testing.T) {
	bf := Bitfield{0xFF, 0x0F}
	encoded := BitfieldMsg(bf)
	msg, err := Read(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, MsgBitfield, msg.ID)
	require.Equal(t, []byte(bf), msg.Payload)
}

func TestRequestRoundTrip(t *testing.T) {
	encoded := Request(1, 16384, 16384)
	msg, err := Read(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, MsgRequest, msg.ID)

	index, begin, length, err := ParseRequest(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, 1, index)
	require.Equal(t, 16384, begin)
	require.Equal(t, 16384, length)
}

func TestCancelRoundTrip(t *testing.T) {
	encoded := Cancel(2, 0, 1024)
	msg, err := Read(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, MsgCancel, msg.ID)

	index, begin, length, err := ParseRequest(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, 2, index)
	require.Equal(t, 0, begin)
	require.Equal(t, 1024, length)
}

func TestPieceRoundTrip(t *testing.T) {
	block := []byte("some piece data")
	encoded := Piece(3, 64, block)
	msg, err := Read(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, MsgPiece, msg.ID)

	parsed, err := ParsePiece(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, 3, parsed.Index)
	require.Equal(t, 64, parsed.Begin)
	require.Equal(t, block, parsed.Value)
}

func TestReadTruncated(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0, 0, 0}))
	require.Error(t, err)
}

func TestParsePieceTooShort(t *testing.T) {
	_, err := ParsePiece([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseRequestWrongLength(t *testing.T) {
	_, _, _, err := ParseRequest([]byte{1, 2, 3})
	require.Error(t, err)
}
