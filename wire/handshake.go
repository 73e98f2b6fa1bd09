// Package wire implements the BitTorrent handshake and peer-wire protocol
// framing: encoding fixed/length-prefixed messages and decoding a stream of
// bytes that may arrive in arbitrarily sized chunks.
//
// Decoders never read from a socket themselves. Each one is a pull-based
// state machine: a caller asks RxBuffer() for a destination slice and a
// byte count, copies up to that many bytes into it from wherever the bytes
// came from, then calls RxBytes(n) with how many were actually written.
// This lets a long "piece" payload land directly in its final buffer with
// no intermediate copy, and it lets the same chunk of bytes be split
// across codecs when a handshake completes mid-chunk (see stream.Adapter).
package wire

import (
	"bytes"
	"fmt"
)

// Protocol is the fixed BitTorrent protocol name sent in every handshake.
const Protocol = "BitTorrent protocol"

const (
	handshakeLengthLen = 1
	handshakeRestLen   = 48 // 8 reserved + 20 info_hash + 20 peer_id
)

// HandshakeReceiver is notified of handshake events and of connection loss.
// A session (peer.Session) implements this to learn the remote peer's
// identity or to detect a malformed handshake.
type HandshakeReceiver interface {
	OnHandshake(reserved [8]byte, infoHash, peerID [20]byte)
	OnNonHandshake()
	OnConnectionLost()
}

// EncodeHandshake serializes the 68-byte handshake atomically.
func EncodeHandshake(reserved [8]byte, infoHash, peerID [20]byte) []byte {
	buf := make([]byte, 0, 1+len(Protocol)+8+20+20)
	buf = append(buf, byte(len(Protocol)))
	buf = append(buf, Protocol...)
	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	return buf
}

type handshakeState int

const (
	handshakeStateLength handshakeState = iota
	handshakeStateProtocol
	handshakeStateRest
)

// HandshakeDecoder is a three-phase incremental consumer of the BitTorrent
// handshake: pstrlen, then the protocol string, then
// reserved+info_hash+peer_id.
type HandshakeDecoder struct {
	receiver HandshakeReceiver

	state         handshakeState
	buf           []byte
	bytesNeeded   int
	bytesReceived int

	done bool
}

// NewHandshakeDecoder returns a decoder that notifies receiver as each
// phase completes.
func NewHandshakeDecoder(receiver HandshakeReceiver) *HandshakeDecoder {
	d := &HandshakeDecoder{receiver: receiver}
	d.resetLength()
	return d
}

func (d *HandshakeDecoder) resetLength() {
	d.state = handshakeStateLength
	d.buf = make([]byte, handshakeLengthLen)
	d.bytesNeeded = handshakeLengthLen
	d.bytesReceived = 0
}

// RxBuffer returns the destination slice to write into and how many more
// bytes are wanted before the current phase completes.
func (d *HandshakeDecoder) RxBuffer() ([]byte, int) {
	return d.buf[d.bytesReceived:], d.bytesNeeded
}

// RxBytes tells the decoder that n bytes were written into the slice
// returned by the preceding RxBuffer call.
func (d *HandshakeDecoder) RxBytes(n int) {
	if d.done {
		return
	}
	d.bytesReceived += n
	d.bytesNeeded -= n
	if d.bytesNeeded > 0 {
		return
	}

	switch d.state {
	case handshakeStateLength:
		pstrlen := int(d.buf[0])
		d.state = handshakeStateProtocol
		d.buf = make([]byte, pstrlen)
		d.bytesNeeded = pstrlen
		d.bytesReceived = 0
	case handshakeStateProtocol:
		if string(d.buf) != Protocol {
			d.done = true
			if d.receiver != nil {
				d.receiver.OnNonHandshake()
			}
			return
		}
		d.state = handshakeStateRest
		d.buf = make([]byte, handshakeRestLen)
		d.bytesNeeded = handshakeRestLen
		d.bytesReceived = 0
	case handshakeStateRest:
		var reserved [8]byte
		var infoHash, peerID [20]byte
		copy(reserved[:], d.buf[0:8])
		copy(infoHash[:], d.buf[8:28])
		copy(peerID[:], d.buf[28:48])
		d.done = true
		if d.receiver != nil {
			d.receiver.OnHandshake(reserved, infoHash, peerID)
		}
	}
}

// ConnectionLost notifies the receiver on every call; stream.Adapter is
// what guarantees it is called at most once per connection.
func (d *HandshakeDecoder) ConnectionLost() {
	if d.receiver != nil {
		d.receiver.OnConnectionLost()
	}
}

// Done reports whether the decoder has delivered its terminal event
// (handshake or non_handshake) and should be retired.
func (d *HandshakeDecoder) Done() bool {
	return d.done
}

// ValidateHandshakeReply checks that a remote's handshake reply names the
// info_hash we dialed expecting.
func ValidateHandshakeReply(infoHash, want [20]byte) error {
	if !bytes.Equal(infoHash[:], want[:]) {
		return fmt.Errorf("wire: handshake info_hash mismatch: got %x want %x", infoHash, want)
	}
	return nil
}
