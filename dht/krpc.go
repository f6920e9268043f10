package dht

import (
	"bytes"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/anthropic-contrib/go-torrent-core/bencode"
)

// KRPC message types
const (
	QueryType    = "q"
	ResponseType = "r"
	ErrorType    = "e"
)

// KRPC query methods
const (
	MethodPing     = "ping"
	MethodFindNode = "find_node"
	MethodGetPeers = "get_peers"
	MethodAnnounce = "announce_peer"
)

// KRPC error codes
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// QueryTimeout bounds queries with no more specific timeout of their own
// (currently just ping).
const QueryTimeout = 15 * time.Second

// FindNodeTimeout bounds a single find_node query, used by bootstrap's
// iterative lookup.
const FindNodeTimeout = 5 * time.Second

// GetPeersTimeout bounds a single get_peers query.
const GetPeersTimeout = 2 * time.Second

// Message represents a KRPC message (query, response, or error).
type Message struct {
	TransactionID string            // "t" - transaction ID
	Type          string            // "y" - message type: q, r, or e
	Query         string            // "q" - query method name (for queries)
	Args          map[string]string // "a" - query arguments
	Response      map[string]string // "r" - response values
	Error         []any             // "e" - error [code, message]
}

// PendingQuery tracks an outgoing query waiting for a response.
type PendingQuery struct {
	TransactionID string
	Method        string
	Target        *net.UDPAddr
	SentAt        time.Time
	ResponseChan  chan *Message
}

// TransactionManager manages KRPC transaction IDs and pending queries.
type TransactionManager struct {
	pending map[string]*PendingQuery
	mu      sync.RWMutex
	counter uint16
}

// NewTransactionManager creates a new transaction manager.
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{
		pending: make(map[string]*PendingQuery),
	}
}

// NewTransactionID generates a new 2-byte transaction ID.
func (tm *TransactionManager) NewTransactionID() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.counter++
	return string([]byte{byte(tm.counter >> 8), byte(tm.counter)})
}

// AddPending registers a pending query.
func (tm *TransactionManager) AddPending(txID, method string, target *net.UDPAddr) *PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pq := &PendingQuery{
		TransactionID: txID,
		Method:        method,
		Target:        target,
		SentAt:        time.Now(),
		ResponseChan:  make(chan *Message, 1),
	}
	tm.pending[txID] = pq
	return pq
}

// GetPending retrieves and removes a pending query.
func (tm *TransactionManager) GetPending(txID string) *PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pq := tm.pending[txID]
	delete(tm.pending, txID)
	return pq
}

// CleanupExpired removes expired pending queries.
func (tm *TransactionManager) CleanupExpired(timeout time.Duration) []*PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var expired []*PendingQuery
	now := time.Now()
	for txID, pq := range tm.pending {
		if now.Sub(pq.SentAt) > timeout {
			expired = append(expired, pq)
			delete(tm.pending, txID)
			close(pq.ResponseChan)
		}
	}
	return expired
}

// PendingCount returns the number of pending queries.
func (tm *TransactionManager) PendingCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.pending)
}

func dictOf(pairs ...[2]string) *bencode.Dict {
	d := bencode.NewDict()
	for _, p := range pairs {
		d.Set(p[0], bencode.NewString(p[1]))
	}
	return d
}

func encodeDict(d *bencode.Dict) []byte {
	return bencode.Marshal(bencode.NewDictValue(d))
}

// EncodePing creates a ping query message.
func EncodePing(txID string, nodeID NodeID) []byte {
	top := bencode.NewDict()
	top.Set("t", bencode.NewString(txID))
	top.Set("y", bencode.NewString(QueryType))
	top.Set("q", bencode.NewString(MethodPing))
	top.Set("a", bencode.NewDictValue(dictOf([2]string{"id", string(nodeID[:])})))
	return encodeDict(top)
}

// EncodePingResponse creates a ping response message.
func EncodePingResponse(txID string, nodeID NodeID) []byte {
	top := bencode.NewDict()
	top.Set("t", bencode.NewString(txID))
	top.Set("y", bencode.NewString(ResponseType))
	top.Set("r", bencode.NewDictValue(dictOf([2]string{"id", string(nodeID[:])})))
	return encodeDict(top)
}

// EncodeFindNode creates a find_node query message.
func EncodeFindNode(txID string, nodeID, target NodeID) []byte {
	top := bencode.NewDict()
	top.Set("t", bencode.NewString(txID))
	top.Set("y", bencode.NewString(QueryType))
	top.Set("q", bencode.NewString(MethodFindNode))
	top.Set("a", bencode.NewDictValue(dictOf(
		[2]string{"id", string(nodeID[:])},
		[2]string{"target", string(target[:])},
	)))
	return encodeDict(top)
}

// EncodeFindNodeResponse creates a find_node response message.
func EncodeFindNodeResponse(txID string, nodeID NodeID, nodes []byte) []byte {
	top := bencode.NewDict()
	top.Set("t", bencode.NewString(txID))
	top.Set("y", bencode.NewString(ResponseType))
	top.Set("r", bencode.NewDictValue(dictOf(
		[2]string{"id", string(nodeID[:])},
		[2]string{"nodes", string(nodes)},
	)))
	return encodeDict(top)
}

// EncodeGetPeers creates a get_peers query message.
func EncodeGetPeers(txID string, nodeID NodeID, infoHash [20]byte) []byte {
	top := bencode.NewDict()
	top.Set("t", bencode.NewString(txID))
	top.Set("y", bencode.NewString(QueryType))
	top.Set("q", bencode.NewString(MethodGetPeers))
	top.Set("a", bencode.NewDictValue(dictOf(
		[2]string{"id", string(nodeID[:])},
		[2]string{"info_hash", string(infoHash[:])},
	)))
	return encodeDict(top)
}

// EncodeGetPeersResponseNodes creates a get_peers response carrying nodes
// (no peers known yet).
func EncodeGetPeersResponseNodes(txID string, nodeID NodeID, token string, nodes []byte) []byte {
	top := bencode.NewDict()
	top.Set("t", bencode.NewString(txID))
	top.Set("y", bencode.NewString(ResponseType))
	top.Set("r", bencode.NewDictValue(dictOf(
		[2]string{"id", string(nodeID[:])},
		[2]string{"token", token},
		[2]string{"nodes", string(nodes)},
	)))
	return encodeDict(top)
}

// EncodeGetPeersResponsePeers creates a get_peers response carrying peers.
func EncodeGetPeersResponsePeers(txID string, nodeID NodeID, token string, peers []string) []byte {
	items := make([]bencode.Value, len(peers))
	for i, p := range peers {
		items[i] = bencode.NewString(p)
	}
	top := bencode.NewDict()
	top.Set("t", bencode.NewString(txID))
	top.Set("y", bencode.NewString(ResponseType))
	r := bencode.NewDict()
	r.Set("id", bencode.NewString(string(nodeID[:])))
	r.Set("token", bencode.NewString(token))
	r.Set("values", bencode.NewList(items...))
	top.Set("r", bencode.NewDictValue(r))
	return encodeDict(top)
}

// EncodeError creates an error response message.
func EncodeError(txID string, code int, message string) []byte {
	top := bencode.NewDict()
	top.Set("t", bencode.NewString(txID))
	top.Set("y", bencode.NewString(ErrorType))
	top.Set("e", bencode.NewList(bencode.NewInteger(int64(code)), bencode.NewString(message)))
	return encodeDict(top)
}

// DecodeMessage parses a bencoded KRPC message.
func DecodeMessage(data []byte) (*Message, error) {
	v, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decoding KRPC message")
	}
	if v.Kind() != bencode.KindDict {
		return nil, errors.New("KRPC message must be a dictionary")
	}
	top := v.Dict()

	msg := &Message{}

	t, ok := top.Get("t")
	if !ok || t.Kind() != bencode.KindBytes {
		return nil, errors.New("KRPC message missing transaction id")
	}
	msg.TransactionID = t.Str()

	y, ok := top.Get("y")
	if !ok || y.Kind() != bencode.KindBytes {
		return nil, errors.New("KRPC message missing type")
	}
	msg.Type = y.Str()

	switch msg.Type {
	case QueryType:
		if q, ok := top.Get("q"); ok && q.Kind() == bencode.KindBytes {
			msg.Query = q.Str()
		}
		if a, ok := top.Get("a"); ok && a.Kind() == bencode.KindDict {
			msg.Args = flattenStringDict(a.Dict())
		}
	case ResponseType:
		if r, ok := top.Get("r"); ok && r.Kind() == bencode.KindDict {
			msg.Response = flattenStringDict(r.Dict())
		}
	case ErrorType:
		if e, ok := top.Get("e"); ok && e.Kind() == bencode.KindList {
			list := e.List()
			msg.Error = make([]any, len(list))
			for i, item := range list {
				if item.Kind() == bencode.KindInteger {
					msg.Error[i] = int(item.Int())
				} else {
					msg.Error[i] = item.Str()
				}
			}
		}
	}

	return msg, nil
}

func flattenStringDict(d *bencode.Dict) map[string]string {
	out := make(map[string]string, d.Len())
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		if v.Kind() == bencode.KindBytes {
			out[k] = v.Str()
		}
	}
	return out
}

// GenerateToken creates a random token for get_peers responses.
func GenerateToken() (string, error) {
	return rand.Text()[:8], nil
}

// ExtractNodeID extracts the node ID from a KRPC message.
func (m *Message) ExtractNodeID() (NodeID, error) {
	var id NodeID
	var idStr string

	if m.Type == QueryType && m.Args != nil {
		idStr = m.Args["id"]
	} else if m.Type == ResponseType && m.Response != nil {
		idStr = m.Response["id"]
	}

	if len(idStr) != 20 {
		return id, errors.Errorf("invalid node ID length: %d", len(idStr))
	}
	copy(id[:], idStr)
	return id, nil
}

// ExtractNodes extracts compact node info from a find_node or get_peers response.
func (m *Message) ExtractNodes(ipv6 bool) ([]*NodeInfo, error) {
	if m.Response == nil {
		return nil, errors.New("no response data")
	}

	key := "nodes"
	if ipv6 {
		key = "nodes6"
	}

	nodesStr, ok := m.Response[key]
	if !ok {
		return nil, nil // No nodes in response
	}

	return ParseCompactNodes([]byte(nodesStr), ipv6)
}
