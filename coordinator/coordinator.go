// Package coordinator drives one torrent's download: piece selection,
// interest/request bookkeeping, partial-piece recovery, and hash
// verification across a pool of peer.Session connections. Concurrency is
// single-threaded and cooperative: one goroutine owns all torrent state,
// and every other goroutine (a peer's reader, a tracker round trip, a
// dial attempt) only ever talks to it by enqueuing a closure instead of
// mutating shared state directly.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"BitTorrent/bitfield"
	"BitTorrent/config"
	"BitTorrent/logging"
	"BitTorrent/metainfo"
	"BitTorrent/peer"
	"BitTorrent/progress"
	"BitTorrent/storage"
	"BitTorrent/tracker"
)

// ErrFileIO marks a write/flush failure against the on-disk layout. It is
// fatal to the torrent: Run tears down every peer session and returns it
// rather than letting the download continue against a file it can no
// longer trust.
var ErrFileIO = errors.New("coordinator: file I/O error")

// Dialer opens outbound peer connections. The default implementation
// wraps net.DialTimeout; tests substitute a fake.
type Dialer interface {
	Dial(addr string) (net.Conn, error)
}

type netDialer struct {
	timeout time.Duration
}

func (d netDialer) Dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, d.timeout)
}

// Coordinator owns one torrent's download: its peer pool, its needed-piece
// map, and the single goroutine that mutates both. Construct one with New
// and drive it with Run.
type Coordinator struct {
	meta        *metainfo.Metainfo
	files       *storage.FileMap
	peerSource  tracker.PeerSource
	localPeerID [20]byte
	cfg         config.Config
	dialer      Dialer
	externalIP  net.IP

	have          *bitfield.Bitfield
	peers         map[*peer.Session]struct{}
	peerBitfields map[*peer.Session]*bitfield.Bitfield
	needed        map[int]*neededPiece
	interested    map[*peer.Session]*interestRecord
	requesting    map[*peer.Session]*requestRecord
	partial       []partialPiece

	tick   int
	events chan func()
	stop   chan struct{}

	fatal error

	bar *progress.Bar
}

// New constructs a Coordinator for meta, writing completed pieces through
// files and discovering peers through peerSource. externalIP, if non-nil,
// is used to skip a degenerate self-connection to our own listening
// address.
func New(meta *metainfo.Metainfo, files *storage.FileMap, peerSource tracker.PeerSource, localPeerID [20]byte, cfg config.Config, externalIP net.IP) *Coordinator {
	numPieces := meta.NumPieces()
	needed := make(map[int]*neededPiece, numPieces)
	for i := 0; i < numPieces; i++ {
		needed[i] = &neededPiece{peers: make(map[*peer.Session]struct{})}
	}

	return &Coordinator{
		meta:          meta,
		files:         files,
		peerSource:    peerSource,
		localPeerID:   localPeerID,
		cfg:           cfg,
		dialer:        netDialer{timeout: cfg.DialTimeout},
		externalIP:    externalIP,
		have:          bitfield.New(numPieces),
		peers:         make(map[*peer.Session]struct{}),
		peerBitfields: make(map[*peer.Session]*bitfield.Bitfield),
		needed:        needed,
		interested:    make(map[*peer.Session]*interestRecord),
		requesting:    make(map[*peer.Session]*requestRecord),
		events:        make(chan func(), 256),
		stop:          make(chan struct{}),
		bar:           progress.New(meta.Name(), numPieces),
	}
}

// SetDialer overrides the default TCP dialer; used by tests.
func (c *Coordinator) SetDialer(d Dialer) { c.dialer = d }

// Done reports whether every piece has been downloaded and verified.
func (c *Coordinator) Done() bool { return len(c.needed) == 0 }

// failFatal records err, the torrent's download, as unrecoverable. Run
// notices it after the current event finishes and tears every session
// down. Only the first fatal error is kept.
func (c *Coordinator) failFatal(err error) {
	if c.fatal == nil {
		c.fatal = err
	}
}

// teardown drops every connected peer session without notifying their
// clients twice; Run has already decided to return an error.
func (c *Coordinator) teardown() {
	for s := range c.peers {
		s.Drop()
	}
}

// Status returns the fraction of pieces downloaded and verified so far, in
// [0,1]. It is the call a control surface makes into the coordinator for
// a synchronous status(info_hash) query.
func (c *Coordinator) Status() float64 {
	total := c.meta.NumPieces()
	if total == 0 {
		return 1
	}
	return float64(total-len(c.needed)) / float64(total)
}

// InfoHash returns the torrent's info hash, the key an out-of-scope
// control surface would use to address this coordinator's add/status/quit
// calls.
func (c *Coordinator) InfoHash() [20]byte { return c.meta.InfoHash() }

// Run drives the coordinator's event loop until ctx is canceled or the
// download completes. It is the only goroutine allowed to touch the
// coordinator's maps and bitfields directly.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	defer close(c.stop)

	c.connectToPeers(c.cfg.PeerBatchSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.events:
			fn()
		case <-ticker.C:
			c.onTick()
		}
		if c.fatal != nil {
			logging.Error("download of %s aborted: %v", c.meta.Name(), c.fatal)
			c.teardown()
			return c.fatal
		}
		if c.Done() {
			logging.Info("download of %s complete", c.meta.Name())
			c.bar.Close()
			return nil
		}
	}
}

func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.events <- fn:
	case <-c.stop:
	}
}

// connectToPeers asks the tracker for up to n more addresses and dials
// each, off the coordinator goroutine so a slow tracker round trip never
// stalls peer processing. Grounded on torrentmgr.py's _connect_to_peers.
func (c *Coordinator) connectToPeers(n int) {
	if n <= 0 {
		return
	}
	go func() {
		peers, err := c.peerSource.RequestPeers(n)
		if err != nil {
			logging.Fail("requesting peers: %v", err)
			return
		}
		c.enqueue(func() { c.onNewPeers(peers) })
	}()
}

func (c *Coordinator) onNewPeers(peers []tracker.Peer) {
	for _, addr := range peers {
		if len(c.peers) >= c.cfg.MaxPeers {
			return
		}
		if c.externalIP != nil && addr.IP.Equal(c.externalIP) {
			logging.Info("skipping self-connection candidate %s", addr)
			continue
		}
		c.dialPeer(addr.String())
	}
}

func (c *Coordinator) dialPeer(addr string) {
	for s := range c.peers {
		if s.Addr() == addr {
			return
		}
	}
	go func() {
		conn, err := c.dialer.Dial(addr)
		if err != nil {
			logging.Fail("dial %s: %v", addr, err)
			return
		}
		c.enqueue(func() { c.attachSession(conn, addr) })
	}()
}

func (c *Coordinator) attachSession(conn net.Conn, addr string) {
	transport := &connTransport{conn: conn}
	session := peer.NewOutbound(c, transport, addr, c.meta.InfoHash(), c.localPeerID)
	transport.onWritable = func() {
		if err := session.OnWritable(); err != nil {
			c.enqueue(session.ConnectionLost)
		}
	}
	// NewOutbound queued the handshake before onWritable was set; flush it.
	transport.onWritable()
	c.peers[session] = struct{}{}
	c.startReader(session, conn)
}

// startReader feeds inbound bytes into session from a dedicated goroutine,
// enqueuing the actual decode-and-dispatch work onto the coordinator's
// event channel rather than calling session.Feed directly. That keeps all
// protocol-state mutation on a single goroutine despite the reads
// themselves being blocking.
func (c *Coordinator) startReader(session *peer.Session, conn net.Conn) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				c.enqueue(func() { session.Feed(chunk) })
			}
			if err != nil {
				c.enqueue(session.ConnectionLost)
				return
			}
		}
	}()
}

// connTransport adapts a net.Conn to stream.Transport. Writes happen
// synchronously on whichever goroutine calls SetWritable(true); for a
// connected TCP socket sized for 16 KiB blocks this does not meaningfully
// block, so no separate writer goroutine or buffering stage is needed.
type connTransport struct {
	conn       net.Conn
	onWritable func()
}

func (t *connTransport) Write(b []byte) (int, error) { return t.conn.Write(b) }

func (t *connTransport) SetWritable(want bool) {
	if want && t.onWritable != nil {
		t.onWritable()
	}
}

func (c *Coordinator) removePeer(s *peer.Session) {
	delete(c.peers, s)

	if bits := c.peerBitfields[s]; bits != nil {
		for _, index := range bits.SetIndices() {
			if n, ok := c.needed[index]; ok {
				if _, has := n.peers[s]; has {
					delete(n.peers, s)
					n.occurrences--
				}
			}
		}
	}
	delete(c.peerBitfields, s)

	if _, ok := c.interested[s]; ok {
		delete(c.interested, s)
	} else if rec, ok := c.requesting[s]; ok {
		c.partial = append(c.partial, partialPiece{piece: rec.piece, offset: rec.offset, hasher: rec.hasher})
		delete(c.requesting, s)
	}
}

// --- peer.Client ------------------------------------------------------------

// LocalBitfield returns the wire-packed bitfield advertised to a newly
// handshaked peer.
func (c *Coordinator) LocalBitfield() []byte {
	return c.have.Bytes()
}

// AcceptInboundInfoHash always rejects: this coordinator only dials out
// (peer.NewInbound is never called here), so no inbound handshake should
// ever reach it.
func (c *Coordinator) AcceptInboundInfoHash(infoHash [20]byte) bool {
	return false
}

func (c *Coordinator) PeerUnconnected(s *peer.Session, err error) {
	if err != nil {
		logging.Fail("peer %s: %v", s.Addr(), err)
	} else {
		logging.Info("peer %s disconnected", s.Addr())
	}
	c.removePeer(s)
	c.connectToPeers(1)
}

// PeerBitfield validates the bitfield's length and padding before
// accepting it; an invalid bitfield drops the peer, matching
// torrentmgr.py's peer_bitfield.
func (c *Coordinator) PeerBitfield(s *peer.Session, raw []byte) {
	bf, err := bitfield.NewFromBytes(raw, c.meta.NumPieces())
	if err != nil {
		logging.Fail("invalid bitfield from %s: %v", s.Addr(), err)
		s.Drop()
		c.removePeer(s)
		c.connectToPeers(1)
		return
	}

	c.peerBitfields[s] = bf
	for _, index := range bf.SetIndices() {
		if n, ok := c.needed[index]; ok {
			if _, has := n.peers[s]; !has {
				n.peers[s] = struct{}{}
				n.occurrences++
			}
		}
	}
	c.checkInterest(s)
}

func (c *Coordinator) PeerChoked(s *peer.Session) {
	if _, ok := c.interested[s]; ok {
		delete(c.interested, s)
		return
	}
	if rec, ok := c.requesting[s]; ok {
		c.partial = append(c.partial, partialPiece{piece: rec.piece, offset: rec.offset, hasher: rec.hasher})
		delete(c.requesting, s)
	}
}

func (c *Coordinator) PeerUnchoked(s *peer.Session) {
	if _, ok := c.interested[s]; ok {
		c.request(s)
	}
}

func (c *Coordinator) PeerInterested(s *peer.Session)    {}
func (c *Coordinator) PeerNotInterested(s *peer.Session) {}

// PeerHas accumulates into the peer's advertised bitfield; it never
// replaces it, matching torrentmgr.py's peer_has.
func (c *Coordinator) PeerHas(s *peer.Session, index uint32) {
	i := int(index)
	if i < 0 || i >= c.meta.NumPieces() {
		logging.Fail("peer %s sent out-of-range have index %d", s.Addr(), i)
		s.Drop()
		c.removePeer(s)
		c.connectToPeers(1)
		return
	}

	bf := c.peerBitfields[s]
	if bf == nil {
		bf = bitfield.New(c.meta.NumPieces())
		c.peerBitfields[s] = bf
	}
	bf.Set(i)

	if n, ok := c.needed[i]; ok {
		if _, has := n.peers[s]; !has {
			n.peers[s] = struct{}{}
			n.occurrences++
		}
		c.checkInterest(s)
	}
}

func (c *Coordinator) PeerRequests(s *peer.Session, index, begin, length uint32) {}
func (c *Coordinator) PeerCanceled(s *peer.Session, index, begin, length uint32) {}

// PeerSentBlock appends block to the piece being requested from s, writes it
// to disk, and on the final block of a piece verifies its hash. A piece
// that fails verification is simply logged and left needed: it is
// re-downloadable immediately, including from the same peer, matching
// torrentmgr.py's peer_sent_block (which only ever deletes the request
// record on failure, never penalizes the peer or the piece).
func (c *Coordinator) PeerSentBlock(s *peer.Session, index, begin uint32, block []byte) {
	rec, ok := c.requesting[s]
	if !ok {
		return
	}
	if rec.piece != int(index) || rec.offset != int64(begin) {
		return
	}

	rec.hasher.Write(block)
	if err := c.files.WriteBlock(rec.piece, rec.offset, block); err != nil {
		c.failFatal(fmt.Errorf("%w: writing piece %d at offset %d: %v", ErrFileIO, rec.piece, rec.offset, err))
		return
	}
	rec.offset += int64(len(block))
	rec.tick = c.tick
	rec.retries = 0

	if rec.offset < c.lengthOfPiece(rec.piece) {
		c.request(s)
		return
	}

	delete(c.requesting, s)

	want, err := c.meta.PieceHash(rec.piece)
	got := rec.hasher.Sum(nil)
	if err == nil && bytes.Equal(got, want[:]) {
		logging.Info("piece %d complete (from %s)", rec.piece, s.Addr())
		delete(c.needed, rec.piece)
		c.have.Set(rec.piece)
		c.files.MarkHave(rec.piece)
		c.bar.PieceDone()
	} else {
		logging.Fail("piece %d failed hash verification (from %s)", rec.piece, s.Addr())
	}

	if len(c.needed) != 0 {
		c.checkInterest(s)
	}
}
