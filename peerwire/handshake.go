// Package peerwire implements the BitTorrent peer wire protocol (BEP 3):
// the handshake and the length-prefixed message stream that follows it.
package peerwire

import (
	"fmt"
	"io"
)

// Protocol is the protocol name sent in every handshake.
const Protocol string = "BitTorrent protocol"

// HandshakeSize is the size in bytes of a handshake message:
// 1 (length) + 19 (protocol) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
const HandshakeSize int = 1 + len(Protocol) + 8 + 20 + 20

// Handshake builds the 68-byte handshake message for infoHash and peerID.
func Handshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// 8 reserved bytes, left zero: this implementation advertises no
	// extensions of its own.
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake from r, returning the
// remote's info_hash and peer_id. It does not compare the info_hash against
// an expectation; callers do that since only they know which torrent this
// connection is for.
func ReadHandshake(r io.Reader) (infoHash, peerID [20]byte, err error) {
	buf := make([]byte, HandshakeSize)
	if _, err = io.ReadFull(r, buf); err != nil {
		return infoHash, peerID, fmt.Errorf("reading handshake: %w", err)
	}

	protocolLen := int(buf[0])
	if protocolLen != len(Protocol) {
		return infoHash, peerID, fmt.Errorf("unexpected protocol length %d", protocolLen)
	}
	if string(buf[1:1+protocolLen]) != Protocol {
		return infoHash, peerID, fmt.Errorf("unexpected protocol %q", buf[1:1+protocolLen])
	}

	copy(infoHash[:], buf[1+protocolLen+8:1+protocolLen+28])
	copy(peerID[:], buf[1+protocolLen+28:1+protocolLen+48])
	return infoHash, peerID, nil
}
