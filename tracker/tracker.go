// Package tracker implements the C7 peer-address source: it announces to
// a torrent's trackers and returns the peers they report. It is grounded
// on original_source/trackerproxy.py for the interface shape and on the
// teacher's torrent/tracker.go for the HTTP+UDP implementation underneath
// it, adapted from a *TorrentFile receiver to a *metainfo.Metainfo input.
package tracker

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"

	"BitTorrent/logging"
	"BitTorrent/metainfo"
)

// ErrUnreachable is wrapped into the error RequestPeers returns once every
// tracker it tried has failed.
var ErrUnreachable = errors.New("tracker: no tracker returned peers")

// Peer is an address a tracker reported, before any connection attempt.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// PeerSource is satisfied by MultiTracker; the coordinator depends only on
// this interface so a test double can stand in for a real tracker.
type PeerSource interface {
	// RequestPeers announces to the torrent's trackers and returns up to
	// numWant peer addresses merged across whichever trackers responded.
	RequestPeers(numWant int) ([]Peer, error)
}

type bencodeTrackerResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// MultiTracker announces to every tracker named in a torrent's announce /
// announce-list, merging the peers and picking the minimum interval. It
// adds UDP (BEP-15) announces on top of trackerproxy.py's HTTP-only
// original.
type MultiTracker struct {
	meta   *metainfo.Metainfo
	peerID [20]byte
	port   uint16
	client *http.Client
}

// NewMultiTracker returns a PeerSource for meta, announcing as peerID on
// port.
func NewMultiTracker(meta *metainfo.Metainfo, peerID [20]byte, port uint16) *MultiTracker {
	return &MultiTracker{
		meta:   meta,
		peerID: peerID,
		port:   port,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *MultiTracker) trackerURLs() []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	add(t.meta.Announce())
	for _, tier := range t.meta.AnnounceList() {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}

// RequestPeers announces to every known tracker and merges the results.
// A tracker that fails to respond is logged and skipped rather than
// treated as fatal; only a total absence of peers from every tracker is
// an error.
func (t *MultiTracker) RequestPeers(numWant int) ([]Peer, error) {
	urls := t.trackerURLs()
	if len(urls) == 0 {
		return nil, fmt.Errorf("tracker: %s has no announce URLs", t.meta.Name())
	}

	left := uint64(t.meta.TotalLength())
	merged := make(map[string]Peer)
	var minInterval int

	for _, announce := range urls {
		var (
			peers    []Peer
			interval int
			err      error
		)
		switch {
		case strings.HasPrefix(announce, "udp://"):
			peers, interval, err = t.announceUDP(announce, left, numWant)
		case strings.HasPrefix(announce, "http://"), strings.HasPrefix(announce, "https://"):
			peers, interval, err = t.announceHTTP(announce, left, numWant)
		default:
			continue
		}
		if err != nil {
			logging.Fail("tracker %s: %v", announce, err)
			continue
		}
		for _, p := range peers {
			merged[p.String()] = p
		}
		if minInterval == 0 || interval < minInterval {
			minInterval = interval
		}
	}

	if len(merged) == 0 {
		return nil, fmt.Errorf("tracker: tried %d trackers for %s: %w", len(urls), t.meta.Name(), ErrUnreachable)
	}

	out := make([]Peer, 0, len(merged))
	for _, p := range merged {
		if numWant > 0 && len(out) == numWant {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *MultiTracker) announceHTTP(announceURL string, left uint64, numWant int) ([]Peer, int, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse announce URL: %w", err)
	}

	infoHash := t.meta.InfoHash()
	params := url.Values{}
	params.Set("info_hash", string(infoHash[:]))
	params.Set("peer_id", string(t.peerID[:]))
	params.Set("port", strconv.Itoa(int(t.port)))
	params.Set("uploaded", "0")
	params.Set("downloaded", "0")
	params.Set("left", strconv.FormatUint(left, 10))
	params.Set("compact", "1")
	params.Set("numwant", strconv.Itoa(numWant))
	u.RawQuery = params.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "go-bt-engine/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("announce: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}

	var tr bencodeTrackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}
	if tr.Failure != "" {
		return nil, 0, fmt.Errorf("tracker failure: %s", tr.Failure)
	}

	peers, err := parseCompactPeers(tr.Peers)
	if err != nil {
		return nil, 0, err
	}
	return peers, tr.Interval, nil
}

const (
	udpProtocolID  = 0x41727101980
	udpActionConn  = 0
	udpActionAnn   = 1
	udpActionError = 3
)

func (t *MultiTracker) announceUDP(announceURL string, left uint64, numWant int) ([]Peer, int, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse announce URL: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	var tidBuf [4]byte
	transactionID := mrand.Uint32()
	if _, err := crand.Read(tidBuf[:]); err == nil {
		transactionID = binary.BigEndian.Uint32(tidBuf[:])
	}

	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], udpActionConn)
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	var connectionID uint64
	for attempt := 0; attempt < 3; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
		if _, err := conn.Write(connectReq); err != nil {
			continue
		}
		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil || n < 16 {
			continue
		}
		if binary.BigEndian.Uint32(resp[0:4]) != udpActionConn {
			return nil, 0, fmt.Errorf("unexpected connect action")
		}
		if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			return nil, 0, fmt.Errorf("transaction id mismatch")
		}
		connectionID = binary.BigEndian.Uint64(resp[8:16])
		break
	}
	if connectionID == 0 {
		return nil, 0, fmt.Errorf("no connect response after 3 attempts")
	}

	infoHash := t.meta.InfoHash()
	announceReq := make([]byte, 98)
	binary.BigEndian.PutUint64(announceReq[0:8], connectionID)
	binary.BigEndian.PutUint32(announceReq[8:12], udpActionAnn)
	binary.BigEndian.PutUint32(announceReq[12:16], transactionID)
	copy(announceReq[16:36], infoHash[:])
	copy(announceReq[36:56], t.peerID[:])
	binary.BigEndian.PutUint64(announceReq[56:64], 0) // downloaded
	binary.BigEndian.PutUint64(announceReq[64:72], left)
	binary.BigEndian.PutUint64(announceReq[72:80], 0) // uploaded
	binary.BigEndian.PutUint32(announceReq[80:84], 2) // event: started
	binary.BigEndian.PutUint32(announceReq[88:92], mrand.Uint32())
	binary.BigEndian.PutUint32(announceReq[92:96], uint32(int32(numWant)))
	binary.BigEndian.PutUint16(announceReq[96:98], t.port)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(announceReq); err != nil {
		return nil, 0, fmt.Errorf("send announce: %w", err)
	}

	resp := make([]byte, 1024)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("read announce response: %w", err)
	}
	if n < 20 {
		return nil, 0, fmt.Errorf("announce response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == udpActionError {
		return nil, 0, fmt.Errorf("tracker error: %s", string(resp[8:n]))
	}
	if action != udpActionAnn {
		return nil, 0, fmt.Errorf("unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return nil, 0, fmt.Errorf("transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	peers, err := parseCompactPeers(string(resp[20:n]))
	if err != nil {
		return nil, 0, err
	}
	return peers, interval, nil
}

// parseCompactPeers decodes a BEP-23 compact peer list: 6 bytes per peer,
// 4-byte IPv4 address followed by a 2-byte big-endian port.
func parseCompactPeers(raw string) ([]Peer, error) {
	b := []byte(raw)
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peer list length %d is not a multiple of 6", len(b))
	}
	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}
