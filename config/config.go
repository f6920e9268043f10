// Package config centralizes the tunable knobs of a download: listen port,
// local identity, worker fan-out, and queue sizing.
package config

import "github.com/anthropic-contrib/go-torrent-core/dht"

// Default tuning values.
const (
	DefaultDHTPort          = 9999
	DefaultPeerPoolTarget   = 15
	DefaultWorkerCount      = 150
	DefaultBootstrapMax     = 100
	DefaultDownloadQueueCap = 5
	DefaultSaverQueueCap    = 1
	DefaultDiscoveryPause   = 10 // seconds between peer-discovery rounds
	DefaultChoosePeerPause  = 10 // seconds before retrying choosePeer
)

// Options configures a single torrent download.
type Options struct {
	DHTPort          int
	LocalNodeID      dht.NodeID
	PeerPoolTarget   int
	WorkerCount      int
	BootstrapMax     int
	DownloadQueueCap int
	SaverQueueCap    int
	OutputDir        string
}

// Option mutates an Options value.
type Option func(*Options)

// Default returns an Options populated with default tuning values and a
// freshly generated local node id.
func Default() Options {
	id, err := dht.GenerateNodeID()
	if err != nil {
		// crypto/rand failure is unrecoverable; fall back to the zero id
		// rather than panicking in a constructor.
		id = dht.NodeID{}
	}
	return Options{
		DHTPort:          DefaultDHTPort,
		LocalNodeID:      id,
		PeerPoolTarget:   DefaultPeerPoolTarget,
		WorkerCount:      DefaultWorkerCount,
		BootstrapMax:     DefaultBootstrapMax,
		DownloadQueueCap: DefaultDownloadQueueCap,
		SaverQueueCap:    DefaultSaverQueueCap,
		OutputDir:        ".",
	}
}

// New builds an Options from the defaults with opts applied in order.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDHTPort overrides the DHT listen port.
func WithDHTPort(port int) Option {
	return func(o *Options) { o.DHTPort = port }
}

// WithLocalNodeID overrides the local DHT node id.
func WithLocalNodeID(id dht.NodeID) Option {
	return func(o *Options) { o.LocalNodeID = id }
}

// WithPeerPoolTarget overrides how many connected peers the discovery task
// aims to keep alive.
func WithPeerPoolTarget(n int) Option {
	return func(o *Options) { o.PeerPoolTarget = n }
}

// WithWorkerCount overrides the fixed download worker fan-out.
func WithWorkerCount(n int) Option {
	return func(o *Options) { o.WorkerCount = n }
}

// WithBootstrapMax overrides the DHT bootstrap node cap.
func WithBootstrapMax(n int) Option {
	return func(o *Options) { o.BootstrapMax = n }
}

// WithOutputDir overrides the directory pieces are written under.
func WithOutputDir(dir string) Option {
	return func(o *Options) { o.OutputDir = dir }
}
