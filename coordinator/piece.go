package coordinator

import (
	"crypto/sha1"
	"hash"
	"sort"

	"BitTorrent/peer"
)

// neededPiece tracks, for one not-yet-complete piece, how many connected
// peers have it and which ones. The occurrence count drives rarest-first
// selection, grounded on torrentmgr.py's _needed dict.
type neededPiece struct {
	occurrences int
	peers       map[*peer.Session]struct{}
}

// interestRecord is a piece reserved for a peer we've expressed interest
// to but haven't started requesting blocks from yet (choked, or the
// unchoke hasn't arrived).
type interestRecord struct {
	piece  int
	offset int64
	hasher hash.Hash
	tick   int
}

// requestRecord is a piece actively being requested block-by-block from a
// peer.
type requestRecord struct {
	piece   int
	offset  int64
	hasher  hash.Hash
	tick    int
	retries int
}

// partialPiece is a piece whose download was interrupted (peer choked,
// disconnected, or timed out) with some prefix already verified-in-flight;
// it's offered back out before any fresh rarest-first pick, so partially
// downloaded data isn't wasted on a second peer starting over from zero.
type partialPiece struct {
	piece  int
	offset int64
	hasher hash.Hash
}

func (c *Coordinator) isLastPiece(index int) bool {
	return index == c.meta.NumPieces()-1
}

func (c *Coordinator) lengthOfPiece(index int) int64 {
	return c.meta.PieceLengthAt(index)
}

func (c *Coordinator) inLastBlock(index int, offset int64) bool {
	return c.lengthOfPiece(index)-offset < int64(c.cfg.BlockSize)
}

func (c *Coordinator) bytesToRequest(index int, offset int64) uint32 {
	if !c.inLastBlock(index, offset) {
		return uint32(c.cfg.BlockSize)
	}
	return uint32(c.lengthOfPiece(index) - offset)
}

// rarest returns needed piece indices with at least one holder, ordered by
// ascending occurrence count, matching torrentmgr.py's _rarest.
func (c *Coordinator) rarest() []int {
	type entry struct {
		occurrences int
		index       int
	}
	var entries []entry
	for index, n := range c.needed {
		if n.occurrences != 0 {
			entries = append(entries, entry{n.occurrences, index})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].occurrences != entries[j].occurrences {
			return entries[i].occurrences < entries[j].occurrences
		}
		return entries[i].index < entries[j].index
	})
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.index
	}
	return out
}

// showInterest expresses interest to peer if we haven't already, then
// kicks off a request if the peer isn't choking us.
func (c *Coordinator) showInterest(p *peer.Session) {
	if !p.IsInterested() {
		p.Interested()
	}
	if !p.IsPeerChoked() {
		c.request(p)
	}
}

// checkInterest looks for a piece to reserve for p: first a partially
// downloaded piece the peer can continue, then the rarest piece the peer
// has that no other peer is already reserved/requesting for. Grounded on
// torrentmgr.py's _check_interest.
func (c *Coordinator) checkInterest(p *peer.Session) {
	if _, interested := c.interested[p]; interested {
		return
	}
	if _, requesting := c.requesting[p]; requesting {
		return
	}

	peerBits := c.peerBitfields[p]
	if peerBits == nil {
		return
	}
	ofInterest := peerBits.AndNot(c.have)
	if len(ofInterest) == 0 {
		c.maybeGoNotInterested(p)
		return
	}

	dontConsider := make(map[int]struct{})
	for _, rec := range c.interested {
		dontConsider[rec.piece] = struct{}{}
	}
	for _, rec := range c.requesting {
		dontConsider[rec.piece] = struct{}{}
	}

	ofInterestSet := make(map[int]struct{}, len(ofInterest))
	for _, i := range ofInterest {
		ofInterestSet[i] = struct{}{}
	}

	for i, part := range c.partial {
		if _, ok := ofInterestSet[part.piece]; ok {
			c.partial = append(c.partial[:i], c.partial[i+1:]...)
			c.interested[p] = &interestRecord{piece: part.piece, offset: part.offset, hasher: part.hasher, tick: c.tick}
			c.showInterest(p)
			return
		}
	}

	for _, index := range c.rarest() {
		if _, ok := ofInterestSet[index]; !ok {
			continue
		}
		if _, skip := dontConsider[index]; skip {
			continue
		}
		c.interested[p] = &interestRecord{piece: index, offset: 0, hasher: sha1.New(), tick: c.tick}
		c.showInterest(p)
		return
	}

	c.maybeGoNotInterested(p)
}

func (c *Coordinator) maybeGoNotInterested(p *peer.Session) {
	if _, ok := c.interested[p]; ok {
		return
	}
	if p.IsInterested() {
		p.NotInterested()
		c.connectToPeers(1)
	}
}

// request sends the next block request for whatever piece is reserved for
// p, promoting an interest record to a request record the first time.
// Grounded on torrentmgr.py's _request.
func (c *Coordinator) request(p *peer.Session) {
	if rec, ok := c.interested[p]; ok {
		delete(c.interested, p)
		c.requesting[p] = &requestRecord{piece: rec.piece, offset: rec.offset, hasher: rec.hasher, tick: c.tick}
	}

	rec, ok := c.requesting[p]
	if !ok {
		return
	}
	length := c.bytesToRequest(rec.piece, rec.offset)
	p.Request(uint32(rec.piece), uint32(rec.offset), length)
}
