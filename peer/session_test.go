package peer

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anthropic-contrib/go-torrent-core/metainfo"
	"github.com/anthropic-contrib/go-torrent-core/peerwire"
)

// fakePeer listens on a local TCP port and performs a scripted handshake,
// standing in for a remote peer during tests.
func fakePeer(t *testing.T, infoHash [20]byte, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		_, remotePeerID, err := peerwire.ReadHandshake(conn)
		if err != nil {
			return
		}
		_ = remotePeerID
		conn.Write(peerwire.Handshake(infoHash, [20]byte{9, 9, 9}))

		handle(conn)
	}()

	return ln.Addr().String()
}

func TestConnectHandshakeMismatch(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var wrongHash [20]byte
	copy(wrongHash[:], "bbbbbbbbbbbbbbbbbbbb")

	addr := fakePeer(t, wrongHash, func(conn net.Conn) {
		time.Sleep(50 * time.Millisecond)
	})

	_, err := Connect(context.Background(), addr, infoHash, [20]byte{1}, 10)
	require.Error(t, err)
}

func TestConnectAndUnchoke(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	addr := fakePeer(t, infoHash, func(conn net.Conn) {
		// consume the Interested message
		peerwire.Read(conn)
		conn.Write(peerwire.Unchoke())
		time.Sleep(100 * time.Millisecond)
	})

	session, err := Connect(context.Background(), addr, infoHash, [20]byte{1}, 10)
	require.NoError(t, err)
	require.False(t, session.CanDownload())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	require.Eventually(t, session.CanDownload, time.Second, 5*time.Millisecond)
}

func TestDownloadPieceSucceeds(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	data := []byte("0123456789abcdef0123456789abcdef")
	hash := sha1.Sum(data)

	addr := fakePeer(t, infoHash, func(conn net.Conn) {
		peerwire.Read(conn) // Interested
		conn.Write(peerwire.Unchoke())

		for i := range 2 {
			msg, err := peerwire.Read(conn)
			if err != nil {
				return
			}
			if msg.ID != peerwire.MsgRequest {
				continue
			}
			index, begin, length, err := peerwire.ParseRequest(msg.Payload)
			if err != nil {
				return
			}
			conn.Write(peerwire.Piece(index, begin, data[begin:begin+length]))
			_ = i
		}
		peerwire.Read(conn) // Have
	})

	session, err := Connect(context.Background(), addr, infoHash, [20]byte{1}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)
	require.Eventually(t, session.CanDownload, time.Second, 5*time.Millisecond)

	piece := &metainfo.Piece{
		Index:  0,
		Hash:   hash,
		Length: len(data),
		Blocks: []metainfo.Block{
			{Begin: 0, Length: len(data) / 2},
			{Begin: len(data) / 2, Length: len(data) - len(data)/2},
		},
	}

	got, err := session.DownloadPiece(context.Background(), piece)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestDownloadPieceChecksumMismatch(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	addr := fakePeer(t, infoHash, func(conn net.Conn) {
		peerwire.Read(conn)
		conn.Write(peerwire.Unchoke())
		msg, err := peerwire.Read(conn)
		if err != nil {
			return
		}
		index, begin, length, _ := peerwire.ParseRequest(msg.Payload)
		conn.Write(peerwire.Piece(index, begin, make([]byte, length)))
	})

	session, err := Connect(context.Background(), addr, infoHash, [20]byte{1}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)
	require.Eventually(t, session.CanDownload, time.Second, 5*time.Millisecond)

	var wrongHash [20]byte
	copy(wrongHash[:], "nonmatchinghash12345")
	piece := &metainfo.Piece{
		Index:  0,
		Hash:   wrongHash,
		Length: 16,
		Blocks: []metainfo.Block{{Begin: 0, Length: 16}},
	}

	_, err = session.DownloadPiece(context.Background(), piece)
	require.Error(t, err)
}

func TestHasPieceAfterBitfield(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	addr := fakePeer(t, infoHash, func(conn net.Conn) {
		peerwire.Read(conn)
		bf := peerwire.NewBitfield(9)
		bf.Set(3)
		bf.Set(8)
		conn.Write(peerwire.BitfieldMsg(bf))
		time.Sleep(100 * time.Millisecond)
	})

	session, err := Connect(context.Background(), addr, infoHash, [20]byte{1}, 9)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	require.Eventually(t, func() bool { return session.HasPiece(3) }, time.Second, 5*time.Millisecond)
	require.True(t, session.HasPiece(8))
	require.False(t, session.HasPiece(0))
}
