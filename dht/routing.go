package dht

import (
	"math/big"
	"sort"
	"sync"
	"time"
)

// BucketRefreshInterval is how often to refresh stale buckets.
const BucketRefreshInterval = 15 * time.Minute

// idSpaceMax is 2^160, the exclusive upper bound of the node id space.
var idSpaceMax = new(big.Int).Lsh(big.NewInt(1), 160)

// RoutingTable is a Kademlia routing table: a tree of buckets partitioning
// the 160-bit id space, starting as a single root bucket and splitting as
// nodes accumulate near the local id.
//
// Per BEP 5, only the bucket whose range contains the local id is ever
// split; a full bucket that does not contain the local id simply rejects
// new nodes once its stale occupants are evicted.
type RoutingTable struct {
	Self    NodeID
	buckets []*Bucket
	mu      sync.RWMutex
}

// NewRoutingTable creates a routing table with a single root bucket
// spanning the entire id space.
func NewRoutingTable(self NodeID) *RoutingTable {
	return &RoutingTable{
		Self:    self,
		buckets: []*Bucket{newBucket(big.NewInt(0), idSpaceMax)},
	}
}

// bucketFor returns the bucket whose range contains id. Must be called
// with the lock held.
func (rt *RoutingTable) bucketFor(id NodeID) *Bucket {
	for _, b := range rt.buckets {
		if b.contains(id) {
			return b
		}
	}
	return nil // unreachable: buckets always partition the full space
}

// AddNode adds or refreshes a node in the routing table. Returns true if
// the node is now present, false if a full, unsplittable bucket rejected it.
func (rt *RoutingTable) AddNode(node *NodeInfo) bool {
	if node.ID == rt.Self {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.insert(node)
}

// insert must be called with the lock held.
func (rt *RoutingTable) insert(node *NodeInfo) bool {
	bucket := rt.bucketFor(node.ID)
	if bucket.add(node) {
		return true
	}
	if rt.split(bucket) {
		return rt.insert(node)
	}
	return false
}

// split divides bucket in two at its midpoint, redistributing only its
// good nodes into the half they now belong to, and reports whether the
// split happened. A bucket only splits when it contains the local id and
// is wide enough to be split further.
func (rt *RoutingTable) split(bucket *Bucket) bool {
	if !bucket.contains(rt.Self) {
		return false
	}
	if bucket.width().Cmp(big.NewInt(K)) < 0 {
		return false
	}

	mid := new(big.Int).Add(bucket.RangeMin, bucket.RangeMax)
	mid.Rsh(mid, 1)

	lower := newBucket(bucket.RangeMin, mid)
	upper := newBucket(mid, bucket.RangeMax)
	for _, n := range bucket.goodNodes() {
		if lower.contains(n.ID) {
			lower.add(n)
		} else {
			upper.add(n)
		}
	}

	idx := -1
	for i, b := range rt.buckets {
		if b == bucket {
			idx = i
			break
		}
	}
	rt.buckets[idx] = lower
	rt.buckets = append(rt.buckets, upper)
	return true
}

// RemoveNode removes a node from the routing table.
func (rt *RoutingTable) RemoveNode(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if b := rt.bucketFor(id); b != nil {
		b.remove(id)
	}
}

// FindNode returns the node with the given ID if present.
func (rt *RoutingTable) FindNode(id NodeID) *NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if b := rt.bucketFor(id); b != nil {
		return b.Nodes[id]
	}
	return nil
}

// ClosestNodes returns up to count good nodes closest to target by XOR
// distance.
func (rt *RoutingTable) ClosestNodes(target NodeID, count int) []*NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []*NodeInfo
	for _, b := range rt.buckets {
		all = append(all, b.goodNodes()...)
	}
	sort.Slice(all, func(i, j int) bool {
		return compareDistance(all[i].ID, all[j].ID, target) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// compareDistance returns -1 if a is closer to target than b, 1 if b is
// closer, 0 if equal.
func compareDistance(a, b, target NodeID) int {
	distA := Distance(a, target)
	distB := Distance(b, target)
	for i := range distA {
		if distA[i] < distB[i] {
			return -1
		}
		if distA[i] > distB[i] {
			return 1
		}
	}
	return 0
}

// Size returns the total number of nodes (good and stale) across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	count := 0
	for _, b := range rt.buckets {
		count += len(b.Nodes)
	}
	return count
}

// AllNodes returns every node currently held by the table.
func (rt *RoutingTable) AllNodes() []*NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var all []*NodeInfo
	for _, b := range rt.buckets {
		for _, n := range b.Nodes {
			all = append(all, n)
		}
	}
	return all
}

// StaleBuckets returns the buckets that haven't changed within
// BucketRefreshInterval and still hold at least one node.
func (rt *RoutingTable) StaleBuckets() []*Bucket {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	threshold := time.Now().Add(-BucketRefreshInterval)
	var stale []*Bucket
	for _, b := range rt.buckets {
		if b.LastChanged.Before(threshold) && len(b.Nodes) > 0 {
			stale = append(stale, b)
		}
	}
	return stale
}

// BucketCount returns the current number of buckets in the tree.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}
