// Package peer implements the per-connection state machine that sits
// between the wire codecs (package wire, via package stream) and the
// download coordinator. It is grounded on
// original_source/peerproxy.py: the same six states, the same
// valid-rx/valid-tx gating, and the same handshake-to-peer-wire codec
// switchover.
package peer

import (
	"errors"
	"fmt"

	"BitTorrent/stream"
	"BitTorrent/wire"
)

// State is one of the six states a session moves through over its life.
type State int

const (
	// StateAwaitingConnection: we initiated the dial and are waiting for
	// the transport to report the TCP connection established.
	StateAwaitingConnection State = iota
	// StateAwaitingHandshake: the remote end dialed us; we're waiting for
	// its handshake before we know which torrent it means.
	StateAwaitingHandshake
	// StateHandshakeInitiated: we sent our handshake and are waiting for
	// the remote's reply.
	StateHandshakeInitiated
	// StateBitfieldAllowed: handshake is complete; a bitfield message, if
	// sent at all, must be the very next message.
	StateBitfieldAllowed
	// StatePeerToPeer: steady state; any peer-wire message except
	// bitfield is valid here.
	StatePeerToPeer
	// StateDisconnected: terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnection:
		return "awaiting_connection"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateHandshakeInitiated:
		return "handshake_initiated"
	case StateBitfieldAllowed:
		return "bitfield_allowed"
	case StatePeerToPeer:
		return "peer_to_peer"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrProtocolViolation is wrapped into the error passed to Client.PeerUnconnected
// when a peer is dropped for violating the state machine (e.g. a bitfield
// sent outside StateBitfieldAllowed, or an info_hash mismatch).
var ErrProtocolViolation = errors.New("peer: protocol violation")

// Client receives events from a Session. The download coordinator
// implements this interface; Session itself never makes piece-selection or
// interest decisions.
type Client interface {
	// LocalBitfield returns the raw wire-packed bitfield to send
	// immediately after the handshake completes.
	LocalBitfield() []byte
	// AcceptInboundInfoHash is consulted only for inbound sessions, which
	// don't know which torrent they're for until the handshake arrives.
	// It reports whether to accept the connection for infoHash; on
	// acceptance the session echoes that info_hash in its own handshake.
	AcceptInboundInfoHash(infoHash [20]byte) (accept bool)

	PeerUnconnected(s *Session, err error)
	PeerBitfield(s *Session, raw []byte)
	PeerChoked(s *Session)
	PeerUnchoked(s *Session)
	PeerInterested(s *Session)
	PeerNotInterested(s *Session)
	PeerHas(s *Session, index uint32)
	PeerRequests(s *Session, index, begin, length uint32)
	PeerSentBlock(s *Session, index, begin uint32, block []byte)
	PeerCanceled(s *Session, index, begin, length uint32)
}

// Session is one peer connection's protocol state machine. It is not
// goroutine-safe: the coordinator that owns it serializes access to every
// session as part of its single-threaded cooperative event loop.
type Session struct {
	client  Client
	adapter *stream.Adapter

	addr string

	localPeerID  [20]byte
	remotePeerID [20]byte
	infoHash     [20]byte // zero until known, for inbound sessions

	state State

	choked         bool
	interested     bool
	peerChoked     bool
	peerInterested bool

	outbound bool
}

// NewOutbound creates a session for a connection this engine dialed. The
// handshake is sent immediately; transport must already be connected.
func NewOutbound(client Client, transport stream.Transport, addr string, infoHash, localPeerID [20]byte) *Session {
	s := &Session{
		client:       client,
		addr:         addr,
		infoHash:     infoHash,
		localPeerID:  localPeerID,
		choked:       true,
		peerChoked:   true,
		outbound:     true,
		state:        StateHandshakeInitiated,
	}
	s.adapter = stream.NewAdapter(wire.NewHandshakeDecoder(s), transport)
	s.adapter.Send(wire.EncodeHandshake([8]byte{}, infoHash, localPeerID))
	return s
}

// NewInbound creates a session for a connection the remote end initiated.
// The info_hash isn't known until the handshake arrives; Client.
// AcceptInboundInfoHash decides whether to continue or drop.
func NewInbound(client Client, transport stream.Transport, addr string, localPeerID [20]byte) *Session {
	s := &Session{
		client:      client,
		addr:        addr,
		localPeerID: localPeerID,
		choked:      true,
		peerChoked:  true,
		outbound:    false,
		state:       StateAwaitingHandshake,
	}
	s.adapter = stream.NewAdapter(wire.NewHandshakeDecoder(s), transport)
	return s
}

// Feed delivers a chunk of bytes read from the transport.
func (s *Session) Feed(chunk []byte) {
	s.adapter.Feed(chunk)
}

// OnWritable lets queued outbound bytes drain once the transport can
// accept more.
func (s *Session) OnWritable() error {
	return s.adapter.OnWritable()
}

// ConnectionLost tells the session the underlying transport failed or was
// closed out from under it (a read error, typically). It is idempotent.
func (s *Session) ConnectionLost() {
	s.adapter.OnConnectionLost()
}

// Addr returns the peer's dialed or observed address.
func (s *Session) Addr() string { return s.addr }

// State reports the current protocol state.
func (s *Session) State() State { return s.state }

// RemotePeerID returns the 20-byte peer id the remote sent in its
// handshake. Only valid once State is past StateHandshakeInitiated/
// StateAwaitingHandshake.
func (s *Session) RemotePeerID() [20]byte { return s.remotePeerID }

// IsChoked reports whether we are choking the peer.
func (s *Session) IsChoked() bool { return s.choked }

// IsInterested reports whether we have told the peer we're interested.
func (s *Session) IsInterested() bool { return s.interested }

// IsPeerChoked reports whether the peer is choking us.
func (s *Session) IsPeerChoked() bool { return s.peerChoked }

// IsPeerInterested reports whether the peer has told us it's interested.
func (s *Session) IsPeerInterested() bool { return s.peerInterested }

func (s *Session) dropConnection(notify bool, err error) {
	s.state = StateDisconnected
	if notify {
		s.client.PeerUnconnected(s, err)
	}
}

// validRxState implements peerproxy.py's _valid_rx_state: any message
// received in Bitfield_Allowed advances to Peer_to_Peer; anything received
// outside Peer_to_Peer/Bitfield_Allowed is a protocol violation that drops
// the connection.
func (s *Session) validRxState() bool {
	if s.state == StatePeerToPeer {
		return true
	}
	if s.state == StateBitfieldAllowed {
		s.state = StatePeerToPeer
		return true
	}
	if s.state != StateDisconnected {
		s.dropConnection(true, fmt.Errorf("%w: message received in state %s", ErrProtocolViolation, s.state))
	}
	return false
}

// validTxState implements peerproxy.py's _valid_tx_state: sends are
// silently dropped outside Peer_to_Peer/Bitfield_Allowed rather than
// tearing down the connection, since a send racing a not-yet-processed
// disconnect is not itself a protocol violation.
func (s *Session) validTxState() bool {
	if s.state == StatePeerToPeer {
		return true
	}
	if s.state == StateBitfieldAllowed {
		s.state = StatePeerToPeer
		return true
	}
	return false
}

// --- wire.HandshakeReceiver ------------------------------------------------

// OnHandshake is called by the handshake decoder once 68 bytes have
// arrived and parsed cleanly.
func (s *Session) OnHandshake(reserved [8]byte, infoHash, peerID [20]byte) {
	if s.outbound {
		if s.state != StateHandshakeInitiated {
			return
		}
		if err := wire.ValidateHandshakeReply(infoHash, s.infoHash); err != nil {
			s.dropConnection(true, fmt.Errorf("%w: %v from %s", ErrProtocolViolation, err, s.addr))
			return
		}
		s.remotePeerID = peerID
		s.switchToPeerWire()
		return
	}

	if s.state != StateAwaitingHandshake {
		return
	}
	if !s.client.AcceptInboundInfoHash(infoHash) {
		s.dropConnection(true, fmt.Errorf("%w: unknown info_hash from %s", ErrProtocolViolation, s.addr))
		return
	}
	s.infoHash = infoHash
	s.remotePeerID = peerID
	s.adapter.Send(wire.EncodeHandshake([8]byte{}, infoHash, s.localPeerID))
	s.switchToPeerWire()
}

func (s *Session) switchToPeerWire() {
	s.state = StateBitfieldAllowed
	s.adapter.SetDecoder(wire.NewPeerWireDecoder(s))
	s.adapter.Send(wire.EncodeBitfield(s.client.LocalBitfield()))
}

// OnNonHandshake is called when the first phase of the handshake decodes
// to something other than the expected protocol string.
func (s *Session) OnNonHandshake() {
	s.dropConnection(true, fmt.Errorf("%w: malformed handshake from %s", ErrProtocolViolation, s.addr))
}

// --- wire.PeerWireReceiver ---------------------------------------------------

// OnConnectionLost is shared by both decoder phases; it is wired as the
// HandshakeReceiver/PeerWireReceiver method of the same name.
func (s *Session) OnConnectionLost() {
	s.dropConnection(true, nil)
}

func (s *Session) OnKeepAlive() {}

func (s *Session) OnChoke() {
	if s.validRxState() {
		s.peerChoked = true
		s.client.PeerChoked(s)
	}
}

func (s *Session) OnUnchoke() {
	if s.validRxState() {
		s.peerChoked = false
		s.client.PeerUnchoked(s)
	}
}

func (s *Session) OnInterested() {
	if s.validRxState() {
		s.peerInterested = true
		s.client.PeerInterested(s)
	}
}

func (s *Session) OnNotInterested() {
	if s.validRxState() {
		s.peerInterested = false
		s.client.PeerNotInterested(s)
	}
}

func (s *Session) OnHave(index uint32) {
	if s.validRxState() {
		s.client.PeerHas(s, index)
	}
}

// OnBitfield is valid only in StateBitfieldAllowed, i.e. only as the very
// first peer-wire message. Any later bitfield is a protocol violation.
func (s *Session) OnBitfield(raw []byte) {
	if s.state != StateBitfieldAllowed {
		s.dropConnection(true, fmt.Errorf("%w: unexpected bitfield from %s", ErrProtocolViolation, s.addr))
		return
	}
	s.state = StatePeerToPeer
	s.client.PeerBitfield(s, raw)
}

func (s *Session) OnRequest(index, begin, length uint32) {
	if s.validRxState() {
		s.client.PeerRequests(s, index, begin, length)
	}
}

func (s *Session) OnPiece(index, begin uint32, block []byte) {
	if s.validRxState() {
		s.client.PeerSentBlock(s, index, begin, block)
	}
}

func (s *Session) OnCancel(index, begin, length uint32) {
	if s.validRxState() {
		s.client.PeerCanceled(s, index, begin, length)
	}
}

func (s *Session) OnUnknownMessage(id byte, payload []byte) {
	// Unknown message ids are ignored rather than dropped, matching
	// peerwiretranslator.py's dispatch-table lookup failing silently for
	// ids it has no handler registered for.
}

// --- Client-facing senders ---------------------------------------------------

// Choke sends a choke message if the session is past the handshake.
func (s *Session) Choke() {
	if s.validTxState() {
		s.choked = true
		s.adapter.Send(wire.EncodeChoke())
	}
}

// Unchoke sends an unchoke message if the session is past the handshake.
func (s *Session) Unchoke() {
	if s.validTxState() {
		s.choked = false
		s.adapter.Send(wire.EncodeUnchoke())
	}
}

// Interested sends an interested message if the session is past the
// handshake.
func (s *Session) Interested() {
	if s.validTxState() {
		s.interested = true
		s.adapter.Send(wire.EncodeInterested())
	}
}

// NotInterested sends a not_interested message if the session is past the
// handshake.
func (s *Session) NotInterested() {
	if s.validTxState() {
		s.interested = false
		s.adapter.Send(wire.EncodeNotInterested())
	}
}

// Have sends a have message if the session is past the handshake.
func (s *Session) Have(index uint32) {
	if s.validTxState() {
		s.adapter.Send(wire.EncodeHave(index))
	}
}

// Request sends a block request if the session is past the handshake.
func (s *Session) Request(index, begin, length uint32) {
	if s.validTxState() {
		s.adapter.Send(wire.EncodeRequest(index, begin, length))
	}
}

// SendPiece sends a block of piece data if the session is past the
// handshake.
func (s *Session) SendPiece(index, begin uint32, block []byte) {
	if s.validTxState() {
		s.adapter.Send(wire.EncodePiece(index, begin, block))
	}
}

// Cancel sends a cancel message if the session is past the handshake.
func (s *Session) Cancel(index, begin, length uint32) {
	if s.validTxState() {
		s.adapter.Send(wire.EncodeCancel(index, begin, length))
	}
}

// Drop tears the connection down without emitting PeerUnconnected, mirroring
// peerproxy.py's client-initiated drop_connection (the client already knows
// it's dropping, so it isn't notified redundantly).
func (s *Session) Drop() {
	s.dropConnection(false, nil)
}
