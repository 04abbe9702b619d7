package group

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/virtco/meetcore/internal/call"
	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/transport"
)

// fakeSender is a call.Sender double recording sent envelopes and letting
// tests script replies by subtype (mirrors the call package's own fake).
type fakeSender struct {
	mu      sync.Mutex
	sent    []transport.Envelope
	replies map[string]transport.Envelope
}

func newFakeSender() *fakeSender {
	return &fakeSender{replies: make(map[string]transport.Envelope)}
}

func (f *fakeSender) Send(_ context.Context, env transport.Envelope, _ time.Duration) (transport.Envelope, error) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	reply := f.replies[env.Subtype]
	f.mu.Unlock()
	return reply, nil
}

// fakeProvider satisfies peer.Provider without ever being exercised: the
// scenarios here only reach doAnswer, which sends a webrtc_call envelope
// and never touches the Peer Factory.
type fakeProvider struct{}

func (fakeProvider) New(peer.Config) (peer.Peer, error) { return nil, nil }

func newTestCoordinator(t *testing.T) (*call.Engine, *Coordinator, *fakeSender) {
	t.Helper()
	session := call.NewSession()
	session.User = "alice"
	session.Channel = "ch-1"
	sender := newFakeSender()
	engine := call.NewEngine(session, sender, fakeProvider{})

	rec := &call.PeerRecord{ID: "g1", User: "g1", Group: "g1", CID: "group-record", Hash: "group-hash", Reconnect: true}
	engine.Session.Peers["g1"] = rec
	c := New(engine, rec)
	return engine, c, sender
}

func TestHandleChannelDataIgnoresOtherGroups(t *testing.T) {
	_, c, _ := newTestCoordinator(t)
	c.HandleChannelData(&transport.GroupChannelData{Group: "other", Members: []string{"alice", "bob"}})
	if c.Members != nil {
		t.Fatalf("expected members untouched for a foreign group id, got %v", c.Members)
	}
}

func TestHandleChannelDataAddsMembers(t *testing.T) {
	engine, c, _ := newTestCoordinator(t)
	c.HandleChannelData(&transport.GroupChannelData{Group: "g1", Members: []string{"bob", "alice"}})

	if got := c.MemberList(); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("expected sorted membership [alice bob], got %v", got)
	}
	rec, ok := engine.Session.Peers["bob"]
	if !ok {
		t.Fatal("expected bob to be added to the mesh")
	}
	if rec.Hash != "group-hash" {
		t.Fatalf("added peer should inherit the group's hash, got %q", rec.Hash)
	}
}

func TestHandleChannelDataResetTearsDownFirst(t *testing.T) {
	engine, c, _ := newTestCoordinator(t)
	engine.Session.Peers["carol"] = &call.PeerRecord{ID: "carol", User: "carol"}

	c.HandleChannelData(&transport.GroupChannelData{Group: "g1", Members: []string{"alice", "dave"}, Reset: true})

	if _, ok := engine.Session.Peers["carol"]; ok {
		t.Fatal("carol should have been torn down by the reset")
	}
	if _, ok := engine.Session.Peers["dave"]; !ok {
		t.Fatal("dave should have been added by the post-reset reconcile")
	}
}

func TestRefreshReissuesGroup(t *testing.T) {
	_, c, sender := newTestCoordinator(t)
	reply, _ := json.Marshal(struct{}{})
	sender.replies[transport.SubtypeGroup] = transport.Envelope{
		Channel: "ch-2", Hash: "group-hash", Data: reply,
	}

	c.Refresh(context.Background())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	found := false
	for _, env := range sender.sent {
		if env.Subtype == transport.SubtypeGroup {
			found = true
		}
	}
	if !found {
		t.Fatal("expected Refresh to re-issue a webrtc_group envelope")
	}
}
