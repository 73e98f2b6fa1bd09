// Package stream bridges a transport's raw byte chunks to the pull-based
// wire decoders, and queues outbound byte chunks for the transport to
// drain. It is grounded on original_source/socketreaderwriter.py's
// get_rx_buffer/rx_bytes contract, translated into an interface-driven Go
// shape rather than a reactor callback.
package stream

// Decoder is satisfied by wire.HandshakeDecoder and wire.PeerWireDecoder.
// It is the pull interface: RxBuffer reports where to copy bytes and how
// many are wanted before the current phase completes; RxBytes reports how
// many were actually copied.
type Decoder interface {
	RxBuffer() ([]byte, int)
	RxBytes(n int)
	ConnectionLost()
}

// Transport is the I/O event loop's view of this adapter: it writes
// queued outbound bytes and is asked to arm/disarm writability
// notifications. Reading is not part of this interface; inbound bytes are
// pushed in via Feed by whatever owns the socket.
type Transport interface {
	Write(b []byte) (int, error)
	SetWritable(want bool)
}

// Adapter is a single peer connection's byte-stream glue: it demultiplexes
// inbound chunks to whichever decoder is currently active (the active
// decoder changes exactly once, at the handshake/peer-wire codec
// switchover) and multiplexes outbound sends into a queue drained by the
// transport as it becomes writable.
type Adapter struct {
	decoder   Decoder
	transport Transport

	out  [][]byte
	lost bool
}

// NewAdapter returns an Adapter that feeds decoder until SetDecoder is
// called with a replacement (the handshake/peer-wire switchover).
func NewAdapter(decoder Decoder, transport Transport) *Adapter {
	return &Adapter{decoder: decoder, transport: transport}
}

// SetDecoder switches the active decoder. A session calls this from inside
// its OnHandshake callback, synchronously, in the middle of a Feed call.
// Feed re-reads the active decoder after every RxBytes, so bytes that
// arrived in the same chunk just after the handshake are never lost or
// misrouted to the retiring decoder.
func (a *Adapter) SetDecoder(decoder Decoder) {
	a.decoder = decoder
}

// Feed delivers an opaque chunk of bytes read from the transport. It
// repeatedly asks the active decoder for its next destination slice and
// wanted count, copies up to what's left of chunk, and reports back how
// much was written, looping until chunk is exhausted.
func (a *Adapter) Feed(chunk []byte) {
	pos := 0
	for pos < len(chunk) {
		buf, want := a.decoder.RxBuffer()
		if want <= 0 {
			return
		}
		n := want
		if remaining := len(chunk) - pos; remaining < n {
			n = remaining
		}
		copy(buf[:n], chunk[pos:pos+n])
		pos += n
		a.decoder.RxBytes(n)
	}
}

// Send appends bytes to the outbound queue and, if the queue was empty,
// asks the transport to start signaling writability.
func (a *Adapter) Send(b []byte) {
	if len(b) == 0 {
		return
	}
	a.out = append(a.out, b)
	if len(a.out) == 1 {
		a.transport.SetWritable(true)
	}
}

// OnWritable is called by the transport when the socket can accept more
// bytes. It writes whole queued items until one only partially fits, in
// which case the unwritten remainder is retained at the head of the queue
// for the next call. It disarms writability once the queue drains.
func (a *Adapter) OnWritable() error {
	for len(a.out) > 0 {
		item := a.out[0]
		n, err := a.transport.Write(item)
		if err != nil {
			return err
		}
		if n == len(item) {
			a.out = a.out[1:]
			continue
		}
		a.out[0] = item[n:]
		break
	}
	if len(a.out) == 0 {
		a.transport.SetWritable(false)
	}
	return nil
}

// HasPending reports whether any outbound bytes remain queued.
func (a *Adapter) HasPending() bool {
	return len(a.out) > 0
}

// OnConnectionLost notifies the active decoder's receiver exactly once,
// even if the transport reports loss more than once (e.g. a read error
// racing a write error).
func (a *Adapter) OnConnectionLost() {
	if a.lost {
		return
	}
	a.lost = true
	a.decoder.ConnectionLost()
}
