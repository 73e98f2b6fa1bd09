package stream

import (
	"errors"
	"testing"
)

// fakeDecoder decodes nothing; it just records what's fed into it so tests
// can assert Feed routes bytes to the currently active decoder.
type fakeDecoder struct {
	buf       []byte
	wanted    int
	received  []byte
	lostCount int
}

func newFakeDecoder(want int) *fakeDecoder {
	return &fakeDecoder{buf: make([]byte, want), wanted: want}
}

func (d *fakeDecoder) RxBuffer() ([]byte, int) { return d.buf, d.wanted }
func (d *fakeDecoder) RxBytes(n int) {
	d.received = append(d.received, d.buf[:n]...)
	d.wanted -= n
}
func (d *fakeDecoder) ConnectionLost() { d.lostCount++ }

// fakeTransport records writes and writability requests instead of doing
// real I/O.
type fakeTransport struct {
	written      [][]byte
	writable     bool
	failNextWith error
	maxWrite     int // 0 means unlimited
}

func (t *fakeTransport) Write(b []byte) (int, error) {
	if t.failNextWith != nil {
		err := t.failNextWith
		t.failNextWith = nil
		return 0, err
	}
	n := len(b)
	if t.maxWrite > 0 && n > t.maxWrite {
		n = t.maxWrite
	}
	t.written = append(t.written, append([]byte(nil), b[:n]...))
	return n, nil
}

func (t *fakeTransport) SetWritable(want bool) { t.writable = want }

func TestAdapter_FeedRoutesToActiveDecoder(t *testing.T) {
	d := newFakeDecoder(5)
	tr := &fakeTransport{}
	a := NewAdapter(d, tr)

	a.Feed([]byte("hello"))

	if string(d.received) != "hello" {
		t.Fatalf("received = %q", d.received)
	}
}

func TestAdapter_FeedAcrossChunkBoundary(t *testing.T) {
	d := newFakeDecoder(5)
	tr := &fakeTransport{}
	a := NewAdapter(d, tr)

	a.Feed([]byte("he"))
	a.Feed([]byte("llo"))

	if string(d.received) != "hello" {
		t.Fatalf("received = %q", d.received)
	}
}

func TestAdapter_SetDecoderSwitchoverMidChunk(t *testing.T) {
	// first decoder wants exactly 2 bytes; once satisfied, the session would
	// normally call SetDecoder from inside RxBytes. We simulate that by
	// wrapping RxBytes via a small stateful decoder.
	first := newFakeDecoder(2)
	second := newFakeDecoder(3)
	tr := &fakeTransport{}
	a := NewAdapter(first, tr)

	switching := &switchingDecoder{inner: first, adapter: a, next: second}
	a.SetDecoder(switching)

	a.Feed([]byte("ABCDE"))

	if string(first.received) != "AB" {
		t.Fatalf("first.received = %q", first.received)
	}
	if string(second.received) != "CDE" {
		t.Fatalf("second.received = %q", second.received)
	}
}

// switchingDecoder proxies to inner until inner's want reaches zero, then
// swaps the adapter over to next, modeling peer.Session.switchToPeerWire
// being called from inside OnHandshake.
type switchingDecoder struct {
	inner   *fakeDecoder
	adapter *Adapter
	next    Decoder
}

func (s *switchingDecoder) RxBuffer() ([]byte, int) { return s.inner.RxBuffer() }
func (s *switchingDecoder) RxBytes(n int) {
	s.inner.RxBytes(n)
	if s.inner.wanted <= 0 {
		s.adapter.SetDecoder(s.next)
	}
}
func (s *switchingDecoder) ConnectionLost() { s.inner.ConnectionLost() }

func TestAdapter_SendQueuesAndArmsWritability(t *testing.T) {
	d := newFakeDecoder(0)
	tr := &fakeTransport{}
	a := NewAdapter(d, tr)

	a.Send([]byte("one"))
	if !tr.writable {
		t.Fatal("expected SetWritable(true) after first queued send")
	}
	if !a.HasPending() {
		t.Fatal("expected pending bytes after Send")
	}

	if err := a.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	if a.HasPending() {
		t.Fatal("expected queue drained")
	}
	if tr.writable {
		t.Fatal("expected SetWritable(false) once queue drains")
	}
	if len(tr.written) != 1 || string(tr.written[0]) != "one" {
		t.Fatalf("written = %v", tr.written)
	}
}

func TestAdapter_OnWritablePartialWriteRetainsRemainder(t *testing.T) {
	d := newFakeDecoder(0)
	tr := &fakeTransport{maxWrite: 2}
	a := NewAdapter(d, tr)

	a.Send([]byte("abcdef"))
	if err := a.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	if !a.HasPending() {
		t.Fatal("expected a partial write to leave the remainder queued")
	}

	if err := a.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	if err := a.OnWritable(); err != nil {
		t.Fatalf("OnWritable: %v", err)
	}
	if a.HasPending() {
		t.Fatal("expected queue to fully drain after enough writable calls")
	}

	var got []byte
	for _, w := range tr.written {
		got = append(got, w...)
	}
	if string(got) != "abcdef" {
		t.Fatalf("reassembled write = %q", got)
	}
}

func TestAdapter_OnWritablePropagatesWriteError(t *testing.T) {
	d := newFakeDecoder(0)
	tr := &fakeTransport{failNextWith: errors.New("boom")}
	a := NewAdapter(d, tr)

	a.Send([]byte("x"))
	if err := a.OnWritable(); err == nil {
		t.Fatal("expected OnWritable to propagate the transport's write error")
	}
}

func TestAdapter_ConnectionLostIsIdempotent(t *testing.T) {
	d := newFakeDecoder(0)
	tr := &fakeTransport{}
	a := NewAdapter(d, tr)

	a.OnConnectionLost()
	a.OnConnectionLost()

	if d.lostCount != 1 {
		t.Fatalf("expected exactly one ConnectionLost call, got %d", d.lostCount)
	}
}
