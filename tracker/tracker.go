// Package tracker implements the BitTorrent tracker announce protocol:
// the HTTP form specified by BEP 3, and the UDP form specified by BEP 15,
// dispatched on the announce URL's scheme.
package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/anthropic-contrib/go-torrent-core/bencode"
)

// httpTimeout bounds an HTTP tracker announce.
const httpTimeout = 30 * time.Second

// udpQueryTimeout is the base timeout for a UDP tracker round trip; BEP 15
// doubles it on each retry.
const udpQueryTimeout = 15 * time.Second

// udpMaxRetries bounds the exponential-backoff retry loop for UDP.
const udpMaxRetries = 8

// magicConnectionID is the fixed connection id used for the initial
// "connect" request, per BEP 15.
const magicConnectionID uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
)

// Response is the peer list and re-announce interval a tracker returns.
type Response struct {
	Interval int
	Peers    []string
}

// Query announces to trackerURL, dispatching on its scheme: udp(4|6) uses
// BEP 15, http/https uses BEP 3's compact HTTP form.
func Query(trackerURL *url.URL, infoHash, peerID [20]byte, port int, left int64) (*Response, error) {
	switch trackerURL.Scheme {
	case "udp", "udp4", "udp6":
		return QueryUDP(trackerURL, infoHash, peerID, port, left)
	case "http", "https":
		return QueryHTTP(trackerURL, infoHash, peerID, port, left)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", trackerURL.Scheme)
	}
}

// QueryHTTP issues the BEP 3 HTTP GET announce and parses the bencoded,
// compact-peer response.
func QueryHTTP(trackerURL *url.URL, infoHash, peerID [20]byte, port int, left int64) (*Response, error) {
	announceURL := buildAnnounceURL(trackerURL, infoHash, peerID, port, left)

	client := &http.Client{Timeout: httpTimeout}
	res, err := client.Get(announceURL)
	if err != nil {
		return nil, errors.Wrap(err, "querying HTTP tracker")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %s", res.Status)
	}

	v, err := bencode.Decode(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "decoding tracker response")
	}
	if v.Kind() != bencode.KindDict {
		return nil, errors.New("tracker response is not a dictionary")
	}
	return parseHTTPResponse(v.Dict())
}

func buildAnnounceURL(u *url.URL, infoHash, peerID [20]byte, port int, left int64) string {
	params := url.Values{
		"info_hash":  {string(infoHash[:])},
		"peer_id":    {string(peerID[:])},
		"port":       {strconv.Itoa(port)},
		"uploaded":   {"0"},
		"downloaded": {"0"},
		"left":       {strconv.FormatInt(left, 10)},
		"compact":    {"1"},
	}
	result := *u
	result.RawQuery = params.Encode()
	return result.String()
}

func parseHTTPResponse(dict *bencode.Dict) (*Response, error) {
	if failure, ok := dict.Get("failure reason"); ok {
		return nil, fmt.Errorf("tracker failure: %s", failure.Str())
	}

	interval, ok := dict.Get("interval")
	if !ok {
		return nil, errors.New("tracker response missing interval")
	}

	peersVal, ok := dict.Get("peers")
	if !ok {
		return nil, errors.New("tracker response missing peers")
	}
	peers, err := parseCompactPeers([]byte(peersVal.Str()), false)
	if err != nil {
		return nil, err
	}

	if peers6Val, ok := dict.Get("peers6"); ok {
		if parsed, err := parseCompactPeers([]byte(peers6Val.Str()), true); err == nil {
			peers = append(peers, parsed...)
		}
	}

	return &Response{
		Interval: int(interval.Int()),
		Peers:    peers,
	}, nil
}

func parseCompactPeers(data []byte, ipv6 bool) ([]string, error) {
	ipSize := net.IPv4len
	if ipv6 {
		ipSize = net.IPv6len
	}
	peerSize := ipSize + 2
	if len(data)%peerSize != 0 {
		return nil, fmt.Errorf("peer list length %d not divisible by %d", len(data), peerSize)
	}

	peers := make([]string, 0, len(data)/peerSize)
	for i := 0; i < len(data); i += peerSize {
		ip := net.IP(data[i : i+ipSize])
		port := binary.BigEndian.Uint16(data[i+ipSize : i+peerSize])
		peers = append(peers, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return peers, nil
}

// QueryUDP performs a BEP 15 connect+announce round trip, retrying the
// connect phase with exponential backoff on timeout.
func QueryUDP(trackerURL *url.URL, infoHash, peerID [20]byte, port int, left int64) (*Response, error) {
	network := "udp"
	ipv6 := trackerURL.Scheme == "udp6"
	if trackerURL.Scheme == "udp4" || trackerURL.Scheme == "udp6" {
		network = trackerURL.Scheme
	}

	addr, err := net.ResolveUDPAddr(network, trackerURL.Host)
	if err != nil {
		return nil, errors.Wrap(err, "resolving tracker address")
	}

	conn, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing tracker")
	}
	defer conn.Close()

	for try := range udpMaxRetries {
		conn.SetDeadline(time.Now().Add(udpQueryTimeout * (1 << try)))

		connID, err := connectUDP(conn)
		if err != nil {
			var netErr net.Error
			if ok := asTimeoutError(err, &netErr); ok {
				continue
			}
			return nil, err
		}

		return announceUDP(conn, connID, infoHash, peerID, port, left, ipv6)
	}

	return nil, fmt.Errorf("UDP tracker connect timed out after %d retries", udpMaxRetries)
}

func asTimeoutError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return ne.Timeout()
	}
	return false
}

func connectUDP(conn *net.UDPConn) (uint64, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return 0, err
	}

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:], magicConnectionID)
	binary.BigEndian.PutUint32(req[8:], actionConnect)
	binary.BigEndian.PutUint32(req[12:], txID)

	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	res := make([]byte, 16)
	n, err := conn.Read(res)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(res[0:]); action != actionConnect {
		return 0, fmt.Errorf("unexpected action %d in connect response", action)
	}
	if gotTxID := binary.BigEndian.Uint32(res[4:]); gotTxID != txID {
		return 0, errors.New("transaction id mismatch in connect response")
	}
	return binary.BigEndian.Uint64(res[8:]), nil
}

func announceUDP(conn *net.UDPConn, connID uint64, infoHash, peerID [20]byte, port int, left int64, ipv6 bool) (*Response, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return nil, err
	}

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:], connID)
	binary.BigEndian.PutUint32(req[8:], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:], txID)
	copy(req[16:], infoHash[:])
	copy(req[36:], peerID[:])
	binary.BigEndian.PutUint64(req[56:], 0)            // downloaded
	binary.BigEndian.PutUint64(req[64:], uint64(left)) // left
	binary.BigEndian.PutUint64(req[72:], 0)            // uploaded
	binary.BigEndian.PutUint32(req[80:], 0)            // event: none
	binary.BigEndian.PutUint32(req[84:], 0)            // ip: default
	key, err := randomTransactionID()
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(req[88:], key)
	binary.BigEndian.PutUint32(req[92:], 0xFFFFFFFF) // num_want: all
	binary.BigEndian.PutUint16(req[96:], uint16(port))

	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	res := make([]byte, 508)
	n, err := conn.Read(res)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}
	res = res[:n]

	if action := binary.BigEndian.Uint32(res[0:]); action != actionAnnounce {
		return nil, fmt.Errorf("unexpected action %d in announce response", action)
	}
	if gotTxID := binary.BigEndian.Uint32(res[4:]); gotTxID != txID {
		return nil, errors.New("transaction id mismatch in announce response")
	}

	interval := int(binary.BigEndian.Uint32(res[8:]))
	peers, err := parseCompactPeers(res[20:], ipv6)
	if err != nil {
		return nil, err
	}

	return &Response{Interval: interval, Peers: peers}, nil
}

// randomTransactionID generates the random 32-bit id BEP 15 requires for
// matching a UDP tracker response to its request.
func randomTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "generating transaction id")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
