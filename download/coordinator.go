// Package download drives a single torrent's end-to-end download: DHT
// peer discovery, a fixed pool of piece-download workers pulling from a
// bounded queue, and a sequential file writer.
package download

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthropic-contrib/go-torrent-core/config"
	"github.com/anthropic-contrib/go-torrent-core/dht"
	"github.com/anthropic-contrib/go-torrent-core/metainfo"
	"github.com/anthropic-contrib/go-torrent-core/peer"
	"github.com/anthropic-contrib/go-torrent-core/tracker"
)

// discoveryPause is the sleep between peer-discovery rounds, both when the
// pool is already saturated and when choosePeer finds no eligible peer.
const discoveryPause = 10 * time.Second

var log = logrus.WithField("component", "download")

// clientPeerID returns this client's 20-byte peer id: "-GT0104-" followed
// by 12 random bytes, in the Azureus-style convention most trackers and
// peers expect.
func clientPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-GT0104-")
	_, err := rand.Read(id[8:])
	return id, err
}

type savedPiece struct {
	Offset int64
	Data   []byte
}

// Coordinator owns one torrent's download: the peer pool, the DHT node
// used to discover it, and the piece pipeline feeding the output file.
type Coordinator struct {
	torrent *metainfo.Torrent
	opts    config.Options
	peerID  [20]byte
	node    *dht.DHT

	mu    sync.Mutex
	peers []*peer.Session

	downloadQueue *pieceQueue[*metainfo.Piece]
	saverQueue    *pieceQueue[savedPiece]

	downloaded atomicCounter
}

// New builds a Coordinator for t using opts, generating a fresh peer id
// and DHT node.
func New(t *metainfo.Torrent, opts config.Options) (*Coordinator, error) {
	node, err := dht.New(dht.WithNodeID(opts.LocalNodeID), dht.WithPort(opts.DHTPort))
	if err != nil {
		return nil, err
	}
	peerID, err := clientPeerID()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		torrent:       t,
		opts:          opts,
		peerID:        peerID,
		node:          node,
		downloadQueue: newPieceQueue[*metainfo.Piece](opts.DownloadQueueCap),
		saverQueue:    newPieceQueue[savedPiece](opts.SaverQueueCap),
	}, nil
}

// Run launches peer discovery and the download workers, then blocks in
// the file writer until every piece has been saved or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.node.Start(ctx); err != nil {
		return err
	}
	defer c.node.Stop()

	go c.discoverPeers(ctx)
	go c.discoverFromTrackers(ctx)
	go c.pieceGenerator()

	var workers sync.WaitGroup
	for i := range c.opts.WorkerCount {
		workers.Go(func() { c.downloadWorker(ctx, i) })
	}

	return c.fileSaver(ctx)
}

func (c *Coordinator) pieceGenerator() {
	for i := range c.torrent.Pieces {
		c.downloadQueue.Put(&c.torrent.Pieces[i])
	}
}

func (c *Coordinator) discoverPeers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		poolSize := len(c.peers)
		c.mu.Unlock()
		if poolSize > c.opts.PeerPoolTarget {
			log.WithField("pool", poolSize).Debug("peer pool saturated, waiting")
			if !sleepCtx(ctx, discoveryPause) {
				return
			}
			continue
		}

		if err := c.node.Bootstrap(ctx, c.opts.BootstrapMax); err != nil {
			log.WithError(err).Warn("bootstrap failed")
		}
		addrs, err := c.node.GetPeers(ctx, c.torrent.InfoHash)
		if err != nil {
			log.WithError(err).Warn("get_peers failed")
			if !sleepCtx(ctx, discoveryPause) {
				return
			}
			continue
		}
		log.WithField("count", len(addrs)).Info("discovered peers")
		c.connectAddrs(ctx, addrs)
	}
}

// discoverFromTrackers is a supplemental peer source alongside the DHT:
// it announces to the torrent's tracker (and any additional trackers in
// its announce-list) and connects to whatever peers come back. A
// tracker-less or unreachable-tracker torrent simply leaves this as a
// no-op, relying on DHT discovery alone.
func (c *Coordinator) discoverFromTrackers(ctx context.Context) {
	announces := []string{}
	if c.torrent.Announce != "" {
		announces = append(announces, c.torrent.Announce)
	}
	announces = append(announces, c.torrent.AnnounceList...)
	if len(announces) == 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		poolSize := len(c.peers)
		c.mu.Unlock()
		if poolSize > c.opts.PeerPoolTarget {
			if !sleepCtx(ctx, discoveryPause) {
				return
			}
			continue
		}

		interval := discoveryPause
		for _, raw := range announces {
			trackerURL, err := url.Parse(raw)
			if err != nil {
				log.WithError(err).WithField("tracker", raw).Debug("skip, invalid tracker URL")
				continue
			}

			res, err := tracker.Query(trackerURL, c.torrent.InfoHash, c.peerID, c.node.Port(), c.torrent.Length)
			if err != nil {
				log.WithError(err).WithField("tracker", raw).Debug("tracker announce failed")
				continue
			}
			if res.Interval > 0 {
				interval = time.Duration(res.Interval) * time.Second
			}
			c.connectAddrs(ctx, res.Peers)
		}

		if !sleepCtx(ctx, interval) {
			return
		}
	}
}

func (c *Coordinator) connectAddrs(ctx context.Context, addrs []string) {
	for _, addr := range addrs {
		session, err := peer.Connect(ctx, addr, c.torrent.InfoHash, c.peerID, len(c.torrent.Pieces))
		if err != nil {
			log.WithError(err).WithField("addr", addr).Debug("skip, failed to connect")
			continue
		}
		go session.Run(ctx)

		c.mu.Lock()
		c.peers = append(c.peers, session)
		c.mu.Unlock()
		log.WithField("addr", addr).Info("connected to peer")
	}
}

func (c *Coordinator) choosePeer(ctx context.Context, pieceIndex int) (*peer.Session, error) {
	for {
		c.mu.Lock()
		shuffled := make([]*peer.Session, len(c.peers))
		copy(shuffled, c.peers)
		shuffleSessions(shuffled)
		for _, s := range shuffled {
			if s.CanDownload() && s.HasPiece(pieceIndex) {
				c.mu.Unlock()
				return s, nil
			}
		}
		c.mu.Unlock()

		log.WithField("piece", pieceIndex).Debug("no peer can download, waiting")
		if !sleepCtx(ctx, discoveryPause) {
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) removePeer(target *peer.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.peers {
		if s == target {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			target.Close()
			return
		}
	}
}

func (c *Coordinator) downloadWorker(ctx context.Context, id int) {
	for {
		piece, err := c.downloadQueue.Get()
		if errors.Is(err, ErrQueueClosed) {
			log.WithField("worker", id).Debug("piece queue shut down, exiting")
			return
		}

		session, err := c.choosePeer(ctx, piece.Index)
		if err != nil {
			return
		}

		data, err := session.DownloadPiece(ctx, piece)
		if err != nil {
			log.WithError(err).WithField("piece", piece.Index).Warn("download failed, re-enqueuing")
			if isConnectionFailure(err) {
				c.removePeer(session)
			}
			c.downloadQueue.Put(piece)
			continue
		}

		c.saverQueue.Put(savedPiece{Offset: int64(piece.Index) * c.torrent.PieceLength, Data: data})
	}
}

func (c *Coordinator) fileSaver(ctx context.Context) error {
	writer, err := openFiles(c.torrent, c.opts.OutputDir)
	if err != nil {
		return err
	}
	defer writer.Close()

	total := len(c.torrent.Pieces)
	for {
		var piece savedPiece
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-c.saverQueue.ch:
			if !ok {
				return nil
			}
			piece = p
		}

		if err := writer.WritePiece(piece.Offset, piece.Data); err != nil {
			return err
		}

		if n := c.downloaded.Incr(); n == total {
			log.Info("all pieces downloaded")
			c.downloadQueue.Close()
			c.saverQueue.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func isConnectionFailure(err error) bool {
	return errors.Is(err, peer.ErrSessionClosed)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func shuffleSessions(s []*peer.Session) {
	for i := len(s) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		s[i], s[j.Int64()] = s[j.Int64()], s[i]
	}
}
