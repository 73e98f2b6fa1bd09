package wire

import "encoding/binary"

// MessageID identifies a peer-wire message type, following the standard
// BitTorrent peer-wire protocol numbering.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

const messageLengthLen = 4

// --- encoders -------------------------------------------------------------

func encodeFixed(id MessageID, payload []byte) []byte {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}

// EncodeKeepAlive returns the zero-length keep-alive message.
func EncodeKeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

func EncodeChoke() []byte         { return encodeFixed(MsgChoke, nil) }
func EncodeUnchoke() []byte       { return encodeFixed(MsgUnchoke, nil) }
func EncodeInterested() []byte    { return encodeFixed(MsgInterested, nil) }
func EncodeNotInterested() []byte { return encodeFixed(MsgNotInterested, nil) }

// EncodeHave builds a have message for the given piece index.
func EncodeHave(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return encodeFixed(MsgHave, payload)
}

// EncodeBitfield builds a bitfield message from the raw, already-packed
// wire representation (see bitfield.Bitfield.Bytes).
func EncodeBitfield(raw []byte) []byte {
	return encodeFixed(MsgBitfield, raw)
}

func encodeBlockRequestLike(id MessageID, index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return encodeFixed(id, payload)
}

// EncodeRequest builds a request message for a single block.
func EncodeRequest(index, begin, length uint32) []byte {
	return encodeBlockRequestLike(MsgRequest, index, begin, length)
}

// EncodeCancel builds a cancel message for a single block.
func EncodeCancel(index, begin, length uint32) []byte {
	return encodeBlockRequestLike(MsgCancel, index, begin, length)
}

// EncodePiece builds a piece message carrying block.
func EncodePiece(index, begin uint32, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return encodeFixed(MsgPiece, payload)
}

// --- decoder ---------------------------------------------------------------

// PeerWireReceiver is notified of each decoded peer-wire message and of
// connection loss. A session (peer.Session) implements this.
type PeerWireReceiver interface {
	OnKeepAlive()
	OnChoke()
	OnUnchoke()
	OnInterested()
	OnNotInterested()
	OnHave(index uint32)
	OnBitfield(raw []byte)
	OnRequest(index, begin, length uint32)
	OnPiece(index, begin uint32, block []byte)
	OnCancel(index, begin, length uint32)
	OnUnknownMessage(id byte, payload []byte)
	OnConnectionLost()
}

type peerWireState int

const (
	peerWireStateLength peerWireState = iota
	peerWireStatePayload
)

// PeerWireDecoder is the two-phase length-prefixed message consumer: a
// 4-byte big-endian length, then that many bytes of id+payload. A length of
// zero is a keep-alive and carries no payload phase.
//
// The id+payload buffer is allocated as soon as the length prefix is known,
// so a MsgPiece block lands directly in its final buffer with no extra copy,
// matching the original's rationale for a pull-based rx interface.
type PeerWireDecoder struct {
	receiver PeerWireReceiver

	state         peerWireState
	lengthBuf     [4]byte
	bytesReceived int
	bytesNeeded   int

	payloadLen int
	payload    []byte
	id         MessageID
}

// NewPeerWireDecoder returns a decoder that notifies receiver as each
// message completes.
func NewPeerWireDecoder(receiver PeerWireReceiver) *PeerWireDecoder {
	d := &PeerWireDecoder{receiver: receiver}
	d.resetLength()
	return d
}

func (d *PeerWireDecoder) resetLength() {
	d.state = peerWireStateLength
	d.bytesReceived = 0
	d.bytesNeeded = messageLengthLen
}

// RxBuffer returns the destination slice to write into and how many more
// bytes are wanted before the current phase completes.
func (d *PeerWireDecoder) RxBuffer() ([]byte, int) {
	if d.state == peerWireStateLength {
		return d.lengthBuf[d.bytesReceived:], d.bytesNeeded
	}
	return d.payload[d.bytesReceived:], d.bytesNeeded
}

// RxBytes tells the decoder that n bytes were written into the slice
// returned by the preceding RxBuffer call.
func (d *PeerWireDecoder) RxBytes(n int) {
	d.bytesReceived += n
	d.bytesNeeded -= n
	if d.bytesNeeded > 0 {
		return
	}

	switch d.state {
	case peerWireStateLength:
		d.payloadLen = int(binary.BigEndian.Uint32(d.lengthBuf[:]))
		if d.payloadLen == 0 {
			if d.receiver != nil {
				d.receiver.OnKeepAlive()
			}
			d.resetLength()
			return
		}
		d.state = peerWireStatePayload
		d.payload = make([]byte, d.payloadLen)
		d.bytesReceived = 0
		d.bytesNeeded = d.payloadLen
	case peerWireStatePayload:
		d.dispatch()
		d.resetLength()
	}
}

func (d *PeerWireDecoder) dispatch() {
	if d.receiver == nil {
		return
	}
	d.id = MessageID(d.payload[0])
	body := d.payload[1:]
	switch d.id {
	case MsgChoke:
		d.receiver.OnChoke()
	case MsgUnchoke:
		d.receiver.OnUnchoke()
	case MsgInterested:
		d.receiver.OnInterested()
	case MsgNotInterested:
		d.receiver.OnNotInterested()
	case MsgHave:
		if len(body) != 4 {
			d.receiver.OnUnknownMessage(byte(d.id), d.payload)
			return
		}
		d.receiver.OnHave(binary.BigEndian.Uint32(body))
	case MsgBitfield:
		d.receiver.OnBitfield(body)
	case MsgRequest:
		if len(body) != 12 {
			d.receiver.OnUnknownMessage(byte(d.id), d.payload)
			return
		}
		d.receiver.OnRequest(
			binary.BigEndian.Uint32(body[0:4]),
			binary.BigEndian.Uint32(body[4:8]),
			binary.BigEndian.Uint32(body[8:12]),
		)
	case MsgPiece:
		if len(body) < 8 {
			d.receiver.OnUnknownMessage(byte(d.id), d.payload)
			return
		}
		d.receiver.OnPiece(
			binary.BigEndian.Uint32(body[0:4]),
			binary.BigEndian.Uint32(body[4:8]),
			body[8:],
		)
	case MsgCancel:
		if len(body) != 12 {
			d.receiver.OnUnknownMessage(byte(d.id), d.payload)
			return
		}
		d.receiver.OnCancel(
			binary.BigEndian.Uint32(body[0:4]),
			binary.BigEndian.Uint32(body[4:8]),
			binary.BigEndian.Uint32(body[8:12]),
		)
	default:
		d.receiver.OnUnknownMessage(byte(d.id), body)
	}
}

// ConnectionLost notifies the receiver on every call; stream.Adapter is
// what guarantees it is called at most once per connection.
func (d *PeerWireDecoder) ConnectionLost() {
	if d.receiver != nil {
		d.receiver.OnConnectionLost()
	}
}
