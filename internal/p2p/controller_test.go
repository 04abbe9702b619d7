package p2p

import (
	"testing"
	"time"
)

// linkedPeer forwards Send() to the other side's Controller.OnPeerData,
// letting a test run both halves of the data-channel protocol against each
// other without a real connection (mirrors how two real Peers' data
// channels would ferry the same bytes).
type linkedPeer struct {
	fakePeer
	otherID string
	otherC  *Controller
}

// Send delivers asynchronously and retries briefly if the target's record
// isn't registered yet: two real Peers fire their own OnPeerConnect
// independently, with no guarantee the receiving side has registered before
// the first protocol message arrives over the wire.
func (p *linkedPeer) Send(data []byte) error {
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			p.otherC.mu.Lock()
			_, ok := p.otherC.records[p.otherID]
			p.otherC.mu.Unlock()
			if ok {
				p.otherC.OnPeerData(p.otherID, data)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}

func TestHandshakeCompletesBothSides(t *testing.T) {
	a := New(&fakeProvider{})
	b := New(&fakeProvider{})

	pa := &linkedPeer{fakePeer: fakePeer{localID: "pc-a"}}
	pb := &linkedPeer{fakePeer: fakePeer{localID: "pc-b"}}
	pa.otherID, pa.otherC = "b", b
	pb.otherID, pb.otherC = "a", a

	a.OnPeerConnect("a", "alice", true, pa)
	b.OnPeerConnect("b", "bob", false, pb)

	waitFor(t, func() bool {
		a.mu.Lock()
		recA := a.records["a"]
		a.mu.Unlock()
		b.mu.Lock()
		recB := b.records["b"]
		b.mu.Unlock()
		return recA != nil && recB != nil && recA.Ready && recB.Ready
	})
}

func TestAnnounceStreamReachesPeerAfterReady(t *testing.T) {
	a := New(&fakeProvider{})
	bProvider := &fakeProvider{}
	b := New(bProvider)

	pa := &linkedPeer{fakePeer: fakePeer{localID: "pc-a"}}
	pb := &linkedPeer{fakePeer: fakePeer{localID: "pc-b"}}
	pa.otherID, pa.otherC = "b", b
	pb.otherID, pb.otherC = "a", a

	a.OnPeerConnect("a", "alice", true, pa)
	b.OnPeerConnect("b", "bob", false, pb)

	a.AnnounceStream("screen-1", KindScreenshare, nil)

	deadline := time.Now().Add(time.Second)
	for bProvider.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if bProvider.count() != 1 {
		t.Fatalf("expected bob to create one sub-connection for the announced stream, got %d", bProvider.count())
	}

	b.mu.Lock()
	recB := b.records["b"]
	var sr *StreamRecord
	for _, s := range recB.Streams {
		sr = s
	}
	b.mu.Unlock()
	if sr == nil || sr.Kind != KindScreenshare {
		t.Fatalf("expected bob to track the screenshare stream, got %+v", sr)
	}
}

func TestAnnounceStreamCreatesSenderSubConnection(t *testing.T) {
	aProvider := &fakeProvider{}
	a := New(aProvider)
	b := New(&fakeProvider{})

	pa := &linkedPeer{fakePeer: fakePeer{localID: "pc-a"}}
	pb := &linkedPeer{fakePeer: fakePeer{localID: "pc-b"}}
	pa.otherID, pa.otherC = "b", b
	pb.otherID, pb.otherC = "a", a

	a.OnPeerConnect("a", "alice", true, pa)
	b.OnPeerConnect("b", "bob", false, pb)

	a.AnnounceStream("screen-1", KindScreenshare, nil)

	deadline := time.Now().Add(time.Second)
	for aProvider.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if aProvider.count() != 1 {
		t.Fatalf("expected the announcer to build a sender sub-connection, got %d", aProvider.count())
	}

	a.mu.Lock()
	recA := a.records["a"]
	var token string
	for rt, entry := range a.routes {
		if entry.local {
			token = rt
		}
	}
	a.mu.Unlock()
	if token == "" {
		t.Fatal("expected the announcer to route its own stream token")
	}

	// An inbound nested answer addressed to our token must reach the
	// sender sub-connection's Signal().
	sub := aProvider.lastBuilt()
	a.handleSignal(recA, token, []byte(`{"sdpType":"answer","sdp":"v=0"}`))
	sub.mu.Lock()
	got := len(sub.signals)
	sub.mu.Unlock()
	if got != 1 {
		t.Fatalf("expected the nested signal to reach the sender sub-connection, got %d", got)
	}
}

func TestHandleSignalDropsUnknownToken(t *testing.T) {
	c := New(&fakeProvider{})
	c.OnPeerConnect("a", "alice", true, &fakePeer{localID: "pc-a"})
	c.mu.Lock()
	rec := c.records["a"]
	c.mu.Unlock()
	// Should not panic on an unroutable token.
	c.handleSignal(rec, "nonexistent-token", []byte(`{}`))
}

func TestHandleSignalIgnoresNoop(t *testing.T) {
	a := New(&fakeProvider{})
	bProvider := &fakeProvider{}
	b := New(bProvider)

	pa := &linkedPeer{fakePeer: fakePeer{localID: "pc-a"}}
	pb := &linkedPeer{fakePeer: fakePeer{localID: "pc-b"}}
	pa.otherID, pa.otherC = "b", b
	pb.otherID, pb.otherC = "a", a

	a.OnPeerConnect("a", "alice", true, pa)
	b.OnPeerConnect("b", "bob", false, pb)
	a.AnnounceStream("screen-1", KindScreenshare, nil)

	deadline := time.Now().Add(time.Second)
	for bProvider.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	b.mu.Lock()
	var token string
	for rt := range b.routes {
		token = rt
	}
	b.mu.Unlock()
	if token == "" {
		t.Fatal("expected a routed token after announce")
	}

	b.mu.Lock()
	recB := b.records["b"]
	b.mu.Unlock()

	sub := bProvider.lastBuilt()
	before := len(sub.signals)
	b.handleSignal(recB, token, []byte(`{"noop":true}`))
	if len(sub.signals) != before {
		t.Fatal("a noop signal must not reach the sub-connection's Signal()")
	}
}
