package peer

import (
	"errors"
	"testing"

	"BitTorrent/wire"
)

// recordingTransport captures every write made to it instead of doing real
// I/O, and can be inspected for the most recently sent message kind.
type recordingTransport struct {
	writes   [][]byte
	writable bool
}

func (t *recordingTransport) Write(b []byte) (int, error) {
	t.writes = append(t.writes, append([]byte(nil), b...))
	return len(b), nil
}
func (t *recordingTransport) SetWritable(want bool) { t.writable = want }

func (t *recordingTransport) last() []byte {
	if len(t.writes) == 0 {
		return nil
	}
	return t.writes[len(t.writes)-1]
}

// fakeClient implements Client and records every callback.
type fakeClient struct {
	bitfield       []byte
	acceptInbound  bool
	unconnected    []error
	gotBitfield    [][]byte
	choked         int
	unchoked       int
	interested     int
	notInterested  int
	has            []uint32
	requests       [][3]uint32
	sentBlocks     int
	canceled       int
}

func (c *fakeClient) LocalBitfield() []byte { return c.bitfield }
func (c *fakeClient) AcceptInboundInfoHash(infoHash [20]byte) bool { return c.acceptInbound }
func (c *fakeClient) PeerUnconnected(s *Session, err error)        { c.unconnected = append(c.unconnected, err) }
func (c *fakeClient) PeerBitfield(s *Session, raw []byte)          { c.gotBitfield = append(c.gotBitfield, raw) }
func (c *fakeClient) PeerChoked(s *Session)                        { c.choked++ }
func (c *fakeClient) PeerUnchoked(s *Session)                      { c.unchoked++ }
func (c *fakeClient) PeerInterested(s *Session)                    { c.interested++ }
func (c *fakeClient) PeerNotInterested(s *Session)                 { c.notInterested++ }
func (c *fakeClient) PeerHas(s *Session, index uint32)             { c.has = append(c.has, index) }
func (c *fakeClient) PeerRequests(s *Session, index, begin, length uint32) {
	c.requests = append(c.requests, [3]uint32{index, begin, length})
}
func (c *fakeClient) PeerSentBlock(s *Session, index, begin uint32, block []byte) { c.sentBlocks++ }
func (c *fakeClient) PeerCanceled(s *Session, index, begin, length uint32)         { c.canceled++ }

func remoteHandshake(infoHash, peerID [20]byte) []byte {
	return wire.EncodeHandshake([8]byte{}, infoHash, peerID)
}

func TestOutboundHandshakeSentImmediately(t *testing.T) {
	client := &fakeClient{bitfield: []byte{0xff}}
	tr := &recordingTransport{}
	var infoHash, localID [20]byte
	infoHash[0] = 1

	s := NewOutbound(client, tr, "1.2.3.4:6881", infoHash, localID)

	if s.State() != StateHandshakeInitiated {
		t.Fatalf("State() = %v, want StateHandshakeInitiated", s.State())
	}
	if !tr.writable {
		t.Fatal("expected the handshake send to arm writability")
	}
	if err := s.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	if len(tr.writes) != 1 {
		t.Fatalf("expected exactly one write (the handshake), got %d", len(tr.writes))
	}
}

func TestOutboundCompletesHandshakeAndSwitchesToPeerWire(t *testing.T) {
	client := &fakeClient{bitfield: []byte{0xC0}}
	tr := &recordingTransport{}
	var infoHash, localID, remoteID [20]byte
	infoHash[0] = 7
	remoteID[0] = 9

	s := NewOutbound(client, tr, "peer:1", infoHash, localID)
	s.Feed(remoteHandshake(infoHash, remoteID))

	if s.State() != StateBitfieldAllowed {
		t.Fatalf("State() = %v, want StateBitfieldAllowed", s.State())
	}
	if s.RemotePeerID() != remoteID {
		t.Fatalf("RemotePeerID() = %v, want %v", s.RemotePeerID(), remoteID)
	}
	// The session should have queued its own bitfield right after switching.
	if err := s.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	last := tr.last()
	if len(last) < 5 || last[4] != byte(wire.MsgBitfield) {
		t.Fatalf("expected a bitfield message to be queued, got %v", last)
	}
}

func TestOutboundDropsOnInfoHashMismatch(t *testing.T) {
	client := &fakeClient{bitfield: nil}
	tr := &recordingTransport{}
	var infoHash, localID, otherHash, remoteID [20]byte
	infoHash[0] = 1
	otherHash[0] = 2

	s := NewOutbound(client, tr, "peer:1", infoHash, localID)
	s.Feed(remoteHandshake(otherHash, remoteID))

	if s.State() != StateDisconnected {
		t.Fatalf("State() = %v, want StateDisconnected", s.State())
	}
	if len(client.unconnected) != 1 {
		t.Fatalf("expected exactly one PeerUnconnected call, got %d", len(client.unconnected))
	}
	if !errors.Is(client.unconnected[0], ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", client.unconnected[0])
	}
}

func TestInboundAcceptsAndEchoesHandshake(t *testing.T) {
	client := &fakeClient{bitfield: []byte{0x01}, acceptInbound: true}
	tr := &recordingTransport{}
	var localID, remoteID, infoHash [20]byte
	infoHash[0] = 5

	s := NewInbound(client, tr, "peer:2", localID)
	if s.State() != StateAwaitingHandshake {
		t.Fatalf("State() = %v, want StateAwaitingHandshake", s.State())
	}

	s.Feed(remoteHandshake(infoHash, remoteID))

	if s.State() != StateBitfieldAllowed {
		t.Fatalf("State() = %v, want StateBitfieldAllowed", s.State())
	}
	// Two writes expected: the echoed handshake, then the bitfield.
	if err := s.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	if len(tr.writes) != 2 {
		t.Fatalf("expected 2 writes (handshake echo + bitfield), got %d", len(tr.writes))
	}
}

func TestInboundRejectsUnknownInfoHash(t *testing.T) {
	client := &fakeClient{acceptInbound: false}
	tr := &recordingTransport{}
	var localID, remoteID, infoHash [20]byte

	s := NewInbound(client, tr, "peer:2", localID)
	s.Feed(remoteHandshake(infoHash, remoteID))

	if s.State() != StateDisconnected {
		t.Fatalf("State() = %v, want StateDisconnected", s.State())
	}
	if len(client.unconnected) != 1 {
		t.Fatalf("expected PeerUnconnected to fire for a rejected inbound handshake")
	}
}

// establishedSession returns an outbound session already past the
// handshake, ready to exercise peer-wire messages.
func establishedSession(t *testing.T) (*Session, *fakeClient, *recordingTransport) {
	t.Helper()
	client := &fakeClient{bitfield: []byte{0x00}}
	tr := &recordingTransport{}
	var infoHash, localID, remoteID [20]byte
	s := NewOutbound(client, tr, "peer:1", infoHash, localID)
	s.Feed(remoteHandshake(infoHash, remoteID))
	if err := s.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	return s, client, tr
}

func TestPeerWireMessagesDispatchAfterBitfield(t *testing.T) {
	s, client, _ := establishedSession(t)

	// First peer-wire message after the handshake must be treated as
	// bitfield-allowed; any message (here "unchoke") promotes state to
	// peer_to_peer.
	s.Feed(wire.EncodeUnchoke())
	if s.State() != StatePeerToPeer {
		t.Fatalf("State() = %v, want StatePeerToPeer", s.State())
	}
	if client.unchoked != 1 {
		t.Fatalf("unchoked = %d, want 1", client.unchoked)
	}

	s.Feed(wire.EncodeChoke())
	if client.choked != 1 {
		t.Fatalf("choked = %d, want 1", client.choked)
	}

	s.Feed(wire.EncodeHave(3))
	if len(client.has) != 1 || client.has[0] != 3 {
		t.Fatalf("has = %v", client.has)
	}

	s.Feed(wire.EncodeRequest(1, 2, 3))
	if len(client.requests) != 1 || client.requests[0] != [3]uint32{1, 2, 3} {
		t.Fatalf("requests = %v", client.requests)
	}
}

func TestBitfieldOnlyValidAsFirstMessage(t *testing.T) {
	s, client, _ := establishedSession(t)

	s.Feed(wire.EncodeBitfield([]byte{0xff}))
	if len(client.gotBitfield) != 1 {
		t.Fatalf("expected one PeerBitfield call, got %d", len(client.gotBitfield))
	}
	if s.State() != StatePeerToPeer {
		t.Fatalf("State() after first bitfield = %v, want StatePeerToPeer", s.State())
	}

	// A second bitfield, now that we're in peer_to_peer, is a violation.
	s.Feed(wire.EncodeBitfield([]byte{0x00}))
	if s.State() != StateDisconnected {
		t.Fatalf("State() after second bitfield = %v, want StateDisconnected", s.State())
	}
	if len(client.unconnected) != 1 || !errors.Is(client.unconnected[0], ErrProtocolViolation) {
		t.Fatalf("unconnected = %v", client.unconnected)
	}
}

func TestSendersGatedByValidTxState(t *testing.T) {
	client := &fakeClient{bitfield: nil}
	tr := &recordingTransport{}
	var infoHash, localID [20]byte

	// A freshly constructed outbound session is in handshake_initiated,
	// not yet past the handshake: sends should be silently dropped.
	s := NewOutbound(client, tr, "peer:1", infoHash, localID)
	writesBefore := len(tr.writes)
	s.Interested()
	if len(tr.writes) != writesBefore {
		t.Fatal("expected Interested() to be a no-op before the handshake completes")
	}
	if s.IsInterested() {
		t.Fatal("IsInterested() should remain false when the send was dropped")
	}
}

func TestChokeUnchokeInterestedRoundTrip(t *testing.T) {
	s, _, tr := establishedSession(t)
	s.Feed(wire.EncodeUnchoke()) // promote to peer_to_peer

	s.Interested()
	if !s.IsInterested() {
		t.Fatal("expected IsInterested() to be true after Interested()")
	}
	if err := s.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	last := tr.last()
	if last[4] != byte(wire.MsgInterested) {
		t.Fatalf("last write id = %d, want MsgInterested", last[4])
	}

	s.NotInterested()
	if s.IsInterested() {
		t.Fatal("expected IsInterested() to be false after NotInterested()")
	}
}

func TestDropDoesNotNotifyClient(t *testing.T) {
	s, client, _ := establishedSession(t)
	s.Drop()

	if s.State() != StateDisconnected {
		t.Fatalf("State() = %v, want StateDisconnected", s.State())
	}
	if len(client.unconnected) != 0 {
		t.Fatal("Drop() must not notify the client, unlike a remote-initiated disconnect")
	}
}

func TestConnectionLostNotifiesOnce(t *testing.T) {
	s, client, _ := establishedSession(t)
	s.ConnectionLost()
	s.ConnectionLost()

	if len(client.unconnected) != 1 {
		t.Fatalf("expected PeerUnconnected to fire exactly once on connection loss, got %d", len(client.unconnected))
	}
}
