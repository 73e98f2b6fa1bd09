package coordinator

import "BitTorrent/logging"

// onTick advances the tick counter and recovers stalled interest/request
// records, grounded on torrentmgr.py's timer_event: a piece we expressed
// interest in but that hasn't moved to a request within
// InterestTimeoutTicks ticks is abandoned, and a piece mid-request that
// hasn't made progress within RequestTimeoutTicks ticks is retried up to
// MaxRequestRetries times before falling back to the partial list, after
// which the stalled peer is dropped and one replacement is requested.
func (c *Coordinator) onTick() {
	c.tick++

	for p, rec := range c.interested {
		if c.tick-rec.tick >= c.cfg.InterestTimeoutTicks {
			logging.Info("interest in piece %d from %s timed out", rec.piece, p.Addr())
			delete(c.interested, p)
			p.NotInterested()
			c.connectToPeers(1)
		}
	}

	for p, rec := range c.requesting {
		if c.tick-rec.tick < c.cfg.RequestTimeoutTicks {
			continue
		}
		if rec.retries < c.cfg.MaxRequestRetries {
			rec.retries++
			rec.tick = c.tick
			logging.Info("re-requesting piece %d block at offset %d from %s (retry %d)", rec.piece, rec.offset, p.Addr(), rec.retries)
			length := c.bytesToRequest(rec.piece, rec.offset)
			p.Request(uint32(rec.piece), uint32(rec.offset), length)
			continue
		}

		logging.Fail("piece %d request from %s timed out after %d retries", rec.piece, p.Addr(), rec.retries)
		c.partial = append(c.partial, partialPiece{piece: rec.piece, offset: rec.offset, hasher: rec.hasher})
		delete(c.requesting, p)
		p.NotInterested()
		p.Drop()
		c.removePeer(p)
		c.connectToPeers(1)
	}

	if len(c.peers) < c.cfg.MaxPeers/2 {
		c.connectToPeers(c.cfg.PeerBatchSize)
	}
}
