// Package dht implements the BitTorrent Distributed Hash Table (BEP 5):
// a Kademlia routing table, the KRPC wire protocol, and the iterative
// bootstrap/get_peers lookups used to discover peers without a tracker.
package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Default DHT configuration.
const (
	DefaultPort       = 6881
	MaxPort           = 6889
	MaxPacketSize     = 1500
	BootstrapInterval = 5 * time.Minute
	// LookupCount is how many closest nodes each wave of a lookup returns
	// or queries, matching Kademlia's usual alpha/k sizing.
	LookupCount = 20
	// waveDelay is the pause between lookup waves, giving slower peers a
	// chance to answer before the next wave fires.
	waveDelay = 100 * time.Millisecond
)

// BootstrapNodes are the well-known DHT routers used to join the network,
// pinned to their IPv4 addresses rather than hostnames since a DNS outage
// shouldn't prevent joining a DHT whose job is to route around outages.
var BootstrapNodes = []string{
	"67.215.246.10:6881",  // router.bittorrent.com
	"87.98.162.88:6881",   // dht.transmissionbt.com
	"82.221.103.244:6881", // router.utorrent.com
}

var log = logrus.WithField("component", "dht")

// DHT is a single DHT node: its identity, its routing table, and the UDP
// socket and transaction bookkeeping needed to speak KRPC.
type DHT struct {
	ID           NodeID
	conn         *net.UDPConn
	port         int
	nodesFile    string
	routingTable *RoutingTable
	transactions *TransactionManager
	peerStore    map[[20]byte][]string // info_hash -> peer addresses
	peerStoreMu  sync.RWMutex

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Option configures a DHT built by New.
type Option func(*DHT)

// WithNodeID sets the node's identity instead of generating a random one.
func WithNodeID(id NodeID) Option {
	return func(d *DHT) { d.ID = id }
}

// WithPort binds the node to an exact UDP port instead of scanning
// [DefaultPort, MaxPort] for a free one.
func WithPort(port int) Option {
	return func(d *DHT) { d.port = port }
}

// WithNodesFile overrides the path Start/Stop load/save the routing table
// snapshot from/to.
func WithNodesFile(path string) Option {
	return func(d *DHT) { d.nodesFile = path }
}

// New creates a new DHT node, applying opts over a freshly generated random
// identity and the default bind-port-scan/persistence behavior.
func New(opts ...Option) (*DHT, error) {
	d := &DHT{
		transactions: NewTransactionManager(),
		peerStore:    make(map[[20]byte][]string),
		shutdown:     make(chan struct{}),
		nodesFile:    DefaultNodesFile,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.ID == (NodeID{}) {
		nodeID, err := GenerateNodeID()
		if err != nil {
			return nil, fmt.Errorf("generating node id: %w", err)
		}
		d.ID = nodeID
	}
	d.routingTable = NewRoutingTable(d.ID)

	return d, nil
}

// Start binds the node's UDP socket (an exact port if WithPort was given,
// otherwise a scan of the BitTorrent port range), loads a persisted routing
// table snapshot if one exists, and launches the background read and
// bootstrap-refresh loops.
func (d *DHT) Start(ctx context.Context) error {
	var conn *net.UDPConn
	var err error
	if d.port != 0 {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: d.port})
		if err != nil {
			return fmt.Errorf("binding to port %d: %w", d.port, err)
		}
	} else {
		for port := DefaultPort; port <= MaxPort; port++ {
			conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
			if err == nil {
				d.port = port
				break
			}
		}
		if conn == nil {
			return fmt.Errorf("binding to any port in %d-%d: %w", DefaultPort, MaxPort, err)
		}
	}
	d.conn = conn
	log.WithField("port", d.port).Info("listening")

	if n, err := d.routingTable.LoadNodes(d.nodesFile); err != nil {
		log.WithError(err).Debug("no usable persisted routing table")
	} else if n > 0 {
		log.WithField("count", n).Info("loaded persisted nodes")
	}

	d.wg.Go(func() { d.readLoop(ctx) })
	d.wg.Go(func() { d.refreshLoop(ctx) })

	return nil
}

// Stop gracefully shuts down the DHT node, persisting its routing table
// snapshot first.
func (d *DHT) Stop() {
	if err := d.routingTable.SaveNodes(d.nodesFile); err != nil {
		log.WithError(err).Warn("failed to persist routing table")
	}
	close(d.shutdown)
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
}

// Port returns the port the DHT is listening on.
func (d *DHT) Port() int {
	return d.port
}

// RoutingTable returns the routing table.
func (d *DHT) RoutingTable() *RoutingTable {
	return d.routingTable
}

func (d *DHT) readLoop(ctx context.Context) {
	buf := make([]byte, MaxPacketSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-d.shutdown:
				return
			default:
				log.WithError(err).Warn("read error")
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		go d.handleMessage(data, addr)
	}
}

// refreshLoop bootstraps once at startup, then periodically re-queries
// stale buckets to keep the table populated.
func (d *DHT) refreshLoop(ctx context.Context) {
	if err := d.Bootstrap(ctx, 0); err != nil {
		log.WithError(err).Warn("initial bootstrap failed")
	}

	ticker := time.NewTicker(BootstrapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			if err := d.routingTable.SaveNodes(d.nodesFile); err != nil {
				log.WithError(err).Debug("periodic routing table save failed")
			}
			for _, b := range d.routingTable.StaleBuckets() {
				target := randomIDInRange(b.RangeMin, b.RangeMax)
				askers := d.routingTable.ClosestNodes(target, 3)
				if len(askers) == 0 {
					continue
				}
				d.queryWave(ctx, askers, func(addr *net.UDPAddr) ([]*NodeInfo, error) {
					return d.findNodeQuery(ctx, addr, target)
				})
			}
		}
	}
}

func (d *DHT) handleMessage(data []byte, addr *net.UDPAddr) {
	msg, err := DecodeMessage(data)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Debug("failed to decode message")
		return
	}

	switch msg.Type {
	case QueryType:
		d.handleQuery(msg, addr)
	case ResponseType:
		d.handleResponse(msg, addr)
	case ErrorType:
		log.WithField("addr", addr).WithField("error", msg.Error).Debug("received error")
	}
}

func (d *DHT) handleQuery(msg *Message, addr *net.UDPAddr) {
	if senderID, err := msg.ExtractNodeID(); err == nil {
		d.routingTable.AddNode(&NodeInfo{ID: senderID, Addr: addr, LastSeen: time.Now()})
	}

	var response []byte
	switch msg.Query {
	case MethodPing:
		response = EncodePingResponse(msg.TransactionID, d.ID)

	case MethodFindNode:
		target := msg.Args["target"]
		if len(target) != 20 {
			response = EncodeError(msg.TransactionID, ErrorProtocol, "invalid target")
			break
		}
		var targetID NodeID
		copy(targetID[:], target)
		closest := d.routingTable.ClosestNodes(targetID, K)
		response = EncodeFindNodeResponse(msg.TransactionID, d.ID, encodeNodes(closest, false))

	case MethodGetPeers:
		infoHashStr := msg.Args["info_hash"]
		if len(infoHashStr) != 20 {
			response = EncodeError(msg.TransactionID, ErrorProtocol, "invalid info_hash")
			break
		}
		var infoHash [20]byte
		copy(infoHash[:], infoHashStr)

		token := d.generateToken()

		d.peerStoreMu.RLock()
		peers := d.peerStore[infoHash]
		d.peerStoreMu.RUnlock()

		if len(peers) > 0 {
			response = EncodeGetPeersResponsePeers(msg.TransactionID, d.ID, token, peers)
		} else {
			closest := d.routingTable.ClosestNodes(NodeID(infoHash), K)
			response = EncodeGetPeersResponseNodes(msg.TransactionID, d.ID, token, encodeNodes(closest, false))
		}

	default:
		response = EncodeError(msg.TransactionID, ErrorMethodUnknown, "unknown method")
	}

	if response != nil {
		d.conn.WriteToUDP(response, addr)
	}
}

func (d *DHT) handleResponse(msg *Message, addr *net.UDPAddr) {
	pq := d.transactions.GetPending(msg.TransactionID)
	if pq == nil {
		return
	}

	if senderID, err := msg.ExtractNodeID(); err == nil {
		d.routingTable.AddNode(&NodeInfo{ID: senderID, Addr: addr, LastSeen: time.Now()})
	}

	select {
	case pq.ResponseChan <- msg:
	default:
	}
}

// Ping sends a ping query to addr.
func (d *DHT) Ping(addr *net.UDPAddr) (*Message, error) {
	txID := d.transactions.NewTransactionID()
	query := EncodePing(txID, d.ID)

	pq := d.transactions.AddPending(txID, MethodPing, addr)
	if _, err := d.conn.WriteToUDP(query, addr); err != nil {
		d.transactions.GetPending(txID)
		return nil, err
	}

	select {
	case resp := <-pq.ResponseChan:
		return resp, nil
	case <-time.After(QueryTimeout):
		d.transactions.GetPending(txID)
		return nil, errors.New("ping timeout")
	}
}

// findNodeQuery sends a single find_node query for target to addr. A nil
// addr is an error.
func (d *DHT) findNodeQuery(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]*NodeInfo, error) {
	if addr == nil {
		return nil, errors.New("find_node requires a target address")
	}
	txID := d.transactions.NewTransactionID()
	query := EncodeFindNode(txID, d.ID, target)

	pq := d.transactions.AddPending(txID, MethodFindNode, addr)
	if _, err := d.conn.WriteToUDP(query, addr); err != nil {
		d.transactions.GetPending(txID)
		return nil, err
	}

	select {
	case resp := <-pq.ResponseChan:
		if resp == nil {
			return nil, errors.New("nil response")
		}
		return resp.ExtractNodes(false)
	case <-time.After(FindNodeTimeout):
		d.transactions.GetPending(txID)
		return nil, errors.New("find_node timeout")
	case <-ctx.Done():
		d.transactions.GetPending(txID)
		return nil, ctx.Err()
	}
}

// getPeersQuery sends a single get_peers query to addr.
func (d *DHT) getPeersQuery(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte) ([]string, []*NodeInfo, error) {
	txID := d.transactions.NewTransactionID()
	query := EncodeGetPeers(txID, d.ID, infoHash)

	pq := d.transactions.AddPending(txID, MethodGetPeers, addr)
	if _, err := d.conn.WriteToUDP(query, addr); err != nil {
		d.transactions.GetPending(txID)
		return nil, nil, err
	}

	select {
	case resp := <-pq.ResponseChan:
		if resp == nil {
			return nil, nil, errors.New("nil response")
		}
		if values, ok := resp.Response["values"]; ok {
			return parsePeerList(values), nil, nil
		}
		nodes, _ := resp.ExtractNodes(false)
		return nil, nodes, nil
	case <-time.After(GetPeersTimeout):
		d.transactions.GetPending(txID)
		return nil, nil, errors.New("get_peers timeout")
	case <-ctx.Done():
		d.transactions.GetPending(txID)
		return nil, nil, ctx.Err()
	}
}

// Bootstrap performs the iterative node-discovery lookup described in BEP
// 5: starting from the well-known routers, it queries the current
// wavefront of not-yet-queried candidates in parallel, adds whatever they
// return to the routing table, and advances to the newly discovered
// candidates closest to the local id. It terminates when a wave surfaces
// no new candidates, or once more than maxNodes distinct nodes have been
// picked for a wave (maxNodes <= 0 means unbounded). A 100ms pause between waves avoids
// hammering the network once the candidate pool is already warm.
func (d *DHT) Bootstrap(ctx context.Context, maxNodes int) error {
	known := make(map[NodeID]*NodeInfo)
	var peers []*NodeInfo
	for _, addrStr := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		peers = append(peers, &NodeInfo{Addr: addr})
	}
	if len(peers) == 0 {
		return errors.New("dht: no resolvable bootstrap nodes")
	}

	for {
		candidates := d.queryWave(ctx, peers, func(addr *net.UDPAddr) ([]*NodeInfo, error) {
			return d.findNodeQuery(ctx, addr, d.ID)
		})

		var fresh []*NodeInfo
		for _, c := range candidates {
			if _, seen := known[c.ID]; !seen {
				fresh = append(fresh, c)
			}
		}

		closest := closestFrom(fresh, d.ID, LookupCount)
		if len(closest) == 0 {
			break
		}
		for _, c := range closest {
			known[c.ID] = c
		}
		peers = closest

		log.WithField("known", len(known)).WithField("wave", len(peers)).Debug("bootstrap wave")

		if maxNodes > 0 && len(known) > maxNodes {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waveDelay):
		}
	}

	return nil
}

// GetPeers runs the same iterative-wave lookup as Bootstrap, but for
// get_peers: a wave either surfaces more candidate nodes to query, or
// terminates that branch by returning peer addresses.
func (d *DHT) GetPeers(ctx context.Context, infoHash [20]byte) ([]string, error) {
	known := make(map[NodeID]*NodeInfo)
	result := make(map[string]struct{})

	peers := d.routingTable.ClosestNodes(NodeID(infoHash), LookupCount)
	if len(peers) == 0 {
		return nil, errors.New("dht: no nodes in routing table")
	}

	for {
		var mu sync.Mutex
		var candidates []*NodeInfo

		g, gctx := errgroup.WithContext(ctx)
		for _, node := range peers {
			node := node
			g.Go(func() error {
				foundPeers, nodes, err := d.getPeersQuery(gctx, node.Addr, infoHash)
				if err != nil {
					return nil // a timed-out branch just stops contributing
				}
				mu.Lock()
				defer mu.Unlock()
				for _, p := range foundPeers {
					result[p] = struct{}{}
				}
				candidates = append(candidates, nodes...)
				for _, n := range nodes {
					d.routingTable.AddNode(n)
				}
				return nil
			})
		}
		g.Wait()

		var fresh []*NodeInfo
		for _, c := range candidates {
			if _, seen := known[c.ID]; !seen {
				fresh = append(fresh, c)
			}
		}
		closest := closestFrom(fresh, NodeID(infoHash), LookupCount)
		if len(closest) == 0 {
			break
		}
		for _, c := range closest {
			known[c.ID] = c
		}
		peers = closest

		log.WithField("known", len(known)).WithField("peers", len(result)).Debug("get_peers wave")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waveDelay):
		}
	}

	out := make([]string, 0, len(result))
	for p := range result {
		out = append(out, p)
	}
	return out, nil
}

// queryWave fires query against every peer in parallel and collects
// whatever NodeInfo each call returns, ignoring individual failures
// (a timed-out or unreachable node simply doesn't contribute this wave).
func (d *DHT) queryWave(ctx context.Context, peers []*NodeInfo, query func(*net.UDPAddr) ([]*NodeInfo, error)) []*NodeInfo {
	var mu sync.Mutex
	var all []*NodeInfo

	g, _ := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			nodes, err := query(p.Addr)
			if err != nil {
				return nil
			}
			mu.Lock()
			all = append(all, nodes...)
			mu.Unlock()
			for _, n := range nodes {
				d.routingTable.AddNode(n)
			}
			return nil
		})
	}
	g.Wait()
	return all
}

// closestFrom sorts an explicit node slice by distance to target and
// returns up to count of them, without consulting the routing table —
// used to pick the next lookup wave out of this round's fresh candidates.
func closestFrom(nodes []*NodeInfo, target NodeID, count int) []*NodeInfo {
	sorted := make([]*NodeInfo, len(nodes))
	copy(sorted, nodes)
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && compareDistance(sorted[j].ID, sorted[j-1].ID, target) < 0 {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			j--
		}
	}
	if len(sorted) > count {
		sorted = sorted[:count]
	}
	return sorted
}

// encodeNodes encodes a slice of nodes to compact format.
func encodeNodes(nodes []*NodeInfo, ipv6 bool) []byte {
	var buf []byte
	for _, n := range nodes {
		var compact []byte
		var err error
		if ipv6 {
			compact, err = n.CompactIPv6()
		} else {
			compact, err = n.CompactIPv4()
		}
		if err == nil {
			buf = append(buf, compact...)
		}
	}
	return buf
}

// generateToken generates a token for get_peers responses. Tokens are not
// stored or checked since this is a read-only DHT node that never serves
// announce_peer.
func (d *DHT) generateToken() string {
	token, _ := GenerateToken()
	return token
}

// randomIDInRange returns a uniformly random id within [min, max).
func randomIDInRange(min, max *big.Int) NodeID {
	span := new(big.Int).Sub(max, min)
	if span.Sign() <= 0 {
		var id NodeID
		copy(id[:], min.Bytes())
		return id
	}
	offset, err := rand.Int(rand.Reader, span)
	if err != nil {
		offset = big.NewInt(0)
	}
	n := new(big.Int).Add(min, offset)
	var id NodeID
	b := n.Bytes()
	copy(id[20-len(b):], b)
	return id
}

// parsePeerList parses compact peer format (6 bytes per peer: 4 IP + 2 port).
func parsePeerList(data string) []string {
	raw := []byte(data)
	if len(raw)%6 != 0 {
		return nil
	}

	var peers []string
	for i := 0; i < len(raw); i += 6 {
		ip := net.IP(raw[i : i+4])
		port := int(raw[i+4])<<8 | int(raw[i+5])
		peers = append(peers, fmt.Sprintf("%s:%d", ip, port))
	}
	return peers
}
