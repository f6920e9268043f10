package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message ids, as sent in the first payload byte of a non-keepalive frame.
const (
	MsgChoke byte = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

// Message is a single post-handshake peer wire message.
type Message struct {
	ID      byte
	Payload []byte
}

func simple(id byte) []byte {
	return []byte{0, 0, 0, 1, id}
}

// Choke encodes a Choke message.
func Choke() []byte { return simple(MsgChoke) }

// Unchoke encodes an Unchoke message.
func Unchoke() []byte { return simple(MsgUnchoke) }

// Interested encodes an Interested message.
func Interested() []byte { return simple(MsgInterested) }

// NotInterested encodes a NotInterested message.
func NotInterested() []byte { return simple(MsgNotInterested) }

// KeepAlive encodes the zero-length keepalive frame.
func KeepAlive() []byte { return []byte{0, 0, 0, 0} }

// Have encodes a Have message announcing piece index.
func Have(index int) []byte {
	buf := make([]byte, 4+1+4)
	binary.BigEndian.PutUint32(buf[:4], 5)
	buf[4] = MsgHave
	binary.BigEndian.PutUint32(buf[5:], uint32(index))
	return buf
}

// BitfieldMsg encodes a Bitfield message carrying the raw bitfield bytes.
func BitfieldMsg(bf Bitfield) []byte {
	buf := make([]byte, 4+1+len(bf))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(bf)))
	buf[4] = MsgBitfield
	copy(buf[5:], bf)
	return buf
}

// Request encodes a Request message for the block at (index, begin, length).
func Request(index, begin, length int) []byte {
	return requestLike(MsgRequest, index, begin, length)
}

// Cancel encodes a Cancel message for the block at (index, begin, length).
func Cancel(index, begin, length int) []byte {
	return requestLike(MsgCancel, index, begin, length)
}

func requestLike(id byte, index, begin, length int) []byte {
	buf := make([]byte, 4+1+12)
	binary.BigEndian.PutUint32(buf[:4], 13)
	buf[4] = id
	binary.BigEndian.PutUint32(buf[5:9], uint32(index))
	binary.BigEndian.PutUint32(buf[9:13], uint32(begin))
	binary.BigEndian.PutUint32(buf[13:17], uint32(length))
	return buf
}

// Piece encodes a Piece message carrying block at (index, begin).
func Piece(index, begin int, block []byte) []byte {
	buf := make([]byte, 4+1+8+len(block))
	binary.BigEndian.PutUint32(buf[:4], uint32(9+len(block)))
	buf[4] = MsgPiece
	binary.BigEndian.PutUint32(buf[5:9], uint32(index))
	binary.BigEndian.PutUint32(buf[9:13], uint32(begin))
	copy(buf[13:], block)
	return buf
}

// Read reads one frame from r. A zero-length (KeepAlive) frame is reported
// as (nil, nil).
func Read(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading message length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}

	return &Message{ID: buf[0], Payload: buf[1:]}, nil
}

// ParseHave extracts the piece index from a Have message's payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("expected payload length 4, got %d", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// Block is a chunk of a piece extracted from a Piece message.
type Block struct {
	Index int
	Begin int
	Value []byte
}

// ParsePiece parses a Piece message's payload into a Block.
func ParsePiece(payload []byte) (*Block, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("expected payload of at least 8 bytes, got %d", len(payload))
	}
	return &Block{
		Index: int(binary.BigEndian.Uint32(payload[:4])),
		Begin: int(binary.BigEndian.Uint32(payload[4:8])),
		Value: payload[8:],
	}, nil
}

// ParseRequest parses a Request or Cancel message's payload.
func ParseRequest(payload []byte) (index, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("expected payload of 12 bytes, got %d", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return index, begin, length, nil
}
