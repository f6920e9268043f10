// Package peer manages a single TCP connection to a BitTorrent peer: the
// handshake, the choke/interested state machine, and pipelined block
// downloads demuxed by (piece index, block offset).
package peer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/anthropic-contrib/go-torrent-core/metainfo"
	"github.com/anthropic-contrib/go-torrent-core/peerwire"
)

// connectTimeout bounds the initial TCP dial.
const connectTimeout = 2 * time.Second

// heartbeatInterval is how often a KeepAlive is sent while running.
const heartbeatInterval = 60 * time.Second

// requestTimeout bounds how long a single outstanding block request waits
// for its Piece response.
const requestTimeout = 60 * time.Second

// maxPipelined is the number of block requests a session keeps in flight
// at once during a piece download.
const maxPipelined = 5

// ErrSessionClosed is returned by in-flight operations once the session's
// read loop has exited.
var ErrSessionClosed = errors.New("peer: session closed")

type pendingKey struct {
	Index int
	Begin int
}

// Session is a live connection to a single remote peer.
type Session struct {
	Addr     string
	RemoteID [20]byte

	conn     net.Conn
	log      *logrus.Entry
	bitfield peerwire.Bitfield

	mu      sync.Mutex
	running bool
	choked  bool
	pending map[pendingKey]chan *peerwire.Block

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials address, performs the handshake, confirms infoHash, and
// sends Interested. numPieces sizes the session's owned-piece bitfield.
func Connect(ctx context.Context, address string, infoHash, ourPeerID [20]byte, numPieces int) (*Session, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", address)
	}

	if _, err := conn.Write(peerwire.Handshake(infoHash, ourPeerID)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sending handshake")
	}

	remoteHash, remoteID, err := peerwire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "reading handshake")
	}
	if remoteHash != infoHash {
		conn.Close()
		return nil, fmt.Errorf("peer %s sent mismatched info_hash", address)
	}

	if _, err := conn.Write(peerwire.Interested()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sending interested")
	}

	s := &Session{
		Addr:     address,
		RemoteID: remoteID,
		conn:     conn,
		bitfield: peerwire.NewBitfield(numPieces),
		running:  true,
		choked:   true,
		pending:  make(map[pendingKey]chan *peerwire.Block),
		done:     make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component":     "peer",
			"addr":          address,
			"correlationID": uuid.NewString(),
		}),
	}
	return s, nil
}

// Run drives the session's read loop and heartbeat until the connection
// fails or ctx is cancelled. It returns once the session has stopped.
func (s *Session) Run(ctx context.Context) {
	defer s.stop()

	var wg sync.WaitGroup
	wg.Go(func() { s.heartbeatLoop(ctx) })
	go func() {
		select {
		case <-ctx.Done():
			s.stop() // closes conn, unblocking the Read below
		case <-s.done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := peerwire.Read(s.conn)
		if err != nil {
			s.log.WithError(err).Debug("read loop terminating")
			return
		}
		if msg == nil {
			continue // keepalive
		}
		if !s.dispatch(msg) {
			s.log.WithField("id", msg.ID).Debug("unknown message, terminating session")
			return
		}
	}
}

func (s *Session) dispatch(msg *peerwire.Message) bool {
	switch msg.ID {
	case peerwire.MsgChoke:
		s.mu.Lock()
		s.choked = true
		s.mu.Unlock()
	case peerwire.MsgUnchoke:
		s.mu.Lock()
		s.choked = false
		s.mu.Unlock()
	case peerwire.MsgInterested, peerwire.MsgNotInterested:
		// we do not serve blocks, so peer interest is a no-op
	case peerwire.MsgHave:
		index, err := peerwire.ParseHave(msg.Payload)
		if err != nil {
			return false
		}
		s.bitfield.Set(index)
	case peerwire.MsgBitfield:
		s.mu.Lock()
		for i := range len(msg.Payload) * 8 {
			if peerwire.Bitfield(msg.Payload).Get(i) {
				s.bitfield.Set(i)
			}
		}
		s.mu.Unlock()
	case peerwire.MsgRequest, peerwire.MsgCancel:
		// we never serve blocks to peers
	case peerwire.MsgPiece:
		block, err := peerwire.ParsePiece(msg.Payload)
		if err != nil {
			return false
		}
		s.resolvePending(block)
	default:
		return false
	}
	return true
}

func (s *Session) resolvePending(block *peerwire.Block) {
	key := pendingKey{Index: block.Index, Begin: block.Begin}
	s.mu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if ok {
		ch <- block
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.conn.Write(peerwire.KeepAlive()); err != nil {
				return
			}
		}
	}
}

func (s *Session) stop() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.done)
		s.conn.Close()
	})
}

// CanDownload reports whether the session is running and currently
// unchoked.
func (s *Session) CanDownload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.choked
}

// HasPiece reports whether the remote has announced piece index.
func (s *Session) HasPiece(index int) bool {
	return s.bitfield.Get(index)
}

func (s *Session) registerPending(key pendingKey) chan *peerwire.Block {
	ch := make(chan *peerwire.Block, 1)
	s.mu.Lock()
	s.pending[key] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) unregisterPending(key pendingKey) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// DownloadPiece pipelines up to maxPipelined block requests at once,
// assembles the responses into a single buffer, and verifies the result's
// SHA-1 against piece.Hash before returning it. On timeout, checksum
// mismatch, or connection failure it returns an error and the caller
// should re-enqueue the piece.
func (s *Session) DownloadPiece(ctx context.Context, piece *metainfo.Piece) ([]byte, error) {
	result := make([]byte, piece.Length)
	channels := make([]chan *peerwire.Block, 0, maxPipelined)
	keys := make([]pendingKey, 0, maxPipelined)

	flush := func(block *metainfo.Block) error {
		key := pendingKey{Index: piece.Index, Begin: block.Begin}
		ch := s.registerPending(key)
		if _, err := s.conn.Write(peerwire.Request(piece.Index, block.Begin, block.Length)); err != nil {
			s.unregisterPending(key)
			return errors.Wrap(err, "sending request")
		}
		channels = append(channels, ch)
		keys = append(keys, key)
		return nil
	}

	await := func() error {
		ch := channels[0]
		key := keys[0]
		channels = channels[1:]
		keys = keys[1:]

		select {
		case block := <-ch:
			if block.Begin+len(block.Value) > piece.Length {
				return fmt.Errorf("block exceeds piece bound: %d > %d", block.Begin+len(block.Value), piece.Length)
			}
			copy(result[block.Begin:], block.Value)
			return nil
		case <-time.After(requestTimeout):
			s.unregisterPending(key)
			return fmt.Errorf("timed out waiting for block at offset %d", key.Begin)
		case <-s.done:
			return ErrSessionClosed
		case <-ctx.Done():
			s.unregisterPending(key)
			return ctx.Err()
		}
	}

	next := 0
	for next < len(piece.Blocks) || len(channels) > 0 {
		for next < len(piece.Blocks) && len(channels) < maxPipelined {
			if err := flush(&piece.Blocks[next]); err != nil {
				return nil, err
			}
			next++
		}
		if len(channels) == 0 {
			break
		}
		if err := await(); err != nil {
			return nil, err
		}
	}

	hash := sha1.Sum(result)
	if !bytes.Equal(hash[:], piece.Hash[:]) {
		return nil, fmt.Errorf("piece %d failed checksum", piece.Index)
	}

	if _, err := s.conn.Write(peerwire.Have(piece.Index)); err != nil {
		return nil, errors.Wrap(err, "sending have")
	}
	return result, nil
}

// Close terminates the session's connection.
func (s *Session) Close() {
	s.stop()
}
