package dht

import (
	"math/big"
	"time"
)

// K is the maximum number of good nodes a single bucket holds (the
// Kademlia "k" constant).
const K = 8

// Bucket holds the nodes whose id falls in [RangeMin, RangeMax) of the
// 160-bit id space. Buckets start as a single span covering the whole
// space and are split as the local routing table learns more of its own
// neighbourhood (see RoutingTable.insert).
type Bucket struct {
	RangeMin, RangeMax *big.Int
	Nodes              map[NodeID]*NodeInfo
	LastChanged        time.Time
}

func newBucket(min, max *big.Int) *Bucket {
	return &Bucket{
		RangeMin:    min,
		RangeMax:    max,
		Nodes:       make(map[NodeID]*NodeInfo),
		LastChanged: time.Now(),
	}
}

func idInt(id NodeID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// contains reports whether id falls within the bucket's half-open range.
func (b *Bucket) contains(id NodeID) bool {
	n := idInt(id)
	return n.Cmp(b.RangeMin) >= 0 && n.Cmp(b.RangeMax) < 0
}

// width returns RangeMax - RangeMin.
func (b *Bucket) width() *big.Int {
	return new(big.Int).Sub(b.RangeMax, b.RangeMin)
}

// goodNodes returns the nodes last seen within the good threshold.
func (b *Bucket) goodNodes() []*NodeInfo {
	var good []*NodeInfo
	for _, n := range b.Nodes {
		if n.IsGood() {
			good = append(good, n)
		}
	}
	return good
}

// staleNodes returns the nodes that have gone quiet past the good threshold.
func (b *Bucket) staleNodes() []*NodeInfo {
	var stale []*NodeInfo
	for _, n := range b.Nodes {
		if n.IsStale() {
			stale = append(stale, n)
		}
	}
	return stale
}

// add inserts node into the bucket, refreshing it if already present,
// evicting stale occupants to make room if the bucket is full, and
// otherwise reporting false so the caller can decide whether to split
// the bucket and retry.
func (b *Bucket) add(node *NodeInfo) bool {
	if existing, ok := b.Nodes[node.ID]; ok {
		existing.Touch()
		existing.Addr = node.Addr
		b.LastChanged = time.Now()
		return true
	}
	if len(b.Nodes) < K {
		node.Touch()
		b.Nodes[node.ID] = node
		b.LastChanged = time.Now()
		return true
	}
	if stale := b.staleNodes(); len(stale) > 0 {
		for _, s := range stale {
			delete(b.Nodes, s.ID)
		}
		return b.add(node)
	}
	return false
}

func (b *Bucket) remove(id NodeID) {
	delete(b.Nodes, id)
	b.LastChanged = time.Now()
}
