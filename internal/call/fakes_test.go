package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/transport"
)

// fakeSender is a Sender that records every envelope sent and lets tests
// script replies by subtype.
type fakeSender struct {
	mu      sync.Mutex
	sent    []transport.Envelope
	replies map[string]transport.Envelope
	errs    map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{replies: make(map[string]transport.Envelope), errs: make(map[string]error)}
}

func (f *fakeSender) Send(_ context.Context, env transport.Envelope, _ time.Duration) (transport.Envelope, error) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	reply, hasReply := f.replies[env.Subtype]
	err := f.errs[env.Subtype]
	f.mu.Unlock()
	if err != nil {
		return transport.Envelope{}, err
	}
	if hasReply {
		return reply, nil
	}
	return transport.Envelope{}, nil
}

func (f *fakeSender) lastSent() transport.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return transport.Envelope{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) sentCount(subtype string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.Subtype == subtype {
			n++
		}
	}
	return n
}

// fakePeer is a minimal peer.Peer double: it never touches real media, just
// records Signal/Send calls and lets a test fire its registered callbacks.
type fakePeer struct {
	mu        sync.Mutex
	localID   string
	initiator bool
	destroyed bool
	signals   []peer.SignalData
	sent      [][]byte

	onSignal  func(peer.SignalData)
	onConnect func()
	onClose   func()
	onError   func(error)
	onData    func([]byte)
	onTrack   func(peer.Track, peer.Stream)
	onStream  func(peer.Stream)
	onICE     func(string)
	onSigSt   func(string)
}

func (p *fakePeer) LocalID() string { return p.localID }
func (p *fakePeer) Initiator() bool { return p.initiator }
func (p *fakePeer) Connected() bool { return true }
func (p *fakePeer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *fakePeer) Signal(data peer.SignalData) error {
	p.mu.Lock()
	p.signals = append(p.signals, data)
	p.mu.Unlock()
	return nil
}
func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	p.sent = append(p.sent, data)
	p.mu.Unlock()
	return nil
}
func (p *fakePeer) AddStream(peer.Stream) error               { return nil }
func (p *fakePeer) RemoveStream(peer.Stream) error            { return nil }
func (p *fakePeer) AddTrack(peer.Track, peer.Stream) error    { return nil }
func (p *fakePeer) RemoveTrack(peer.Track, peer.Stream) error { return nil }
func (p *fakePeer) Destroy() error {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnSignal(f func(peer.SignalData))      { p.onSignal = f }
func (p *fakePeer) OnConnect(f func())                    { p.onConnect = f }
func (p *fakePeer) OnClose(f func())                      { p.onClose = f }
func (p *fakePeer) OnError(f func(error))                 { p.onError = f }
func (p *fakePeer) OnData(f func([]byte))                 { p.onData = f }
func (p *fakePeer) OnStream(f func(peer.Stream))            { p.onStream = f }
func (p *fakePeer) OnTrack(f func(peer.Track, peer.Stream)) { p.onTrack = f }
func (p *fakePeer) OnICEStateChange(f func(string))         { p.onICE = f }
func (p *fakePeer) OnSignalingStateChange(f func(string))   { p.onSigSt = f }

// fakeProvider hands out fakePeers and records every Config it was asked
// to build one from, so tests can assert on initiator/streams wiring.
type fakeProvider struct {
	mu      sync.Mutex
	configs []peer.Config
	built   []*fakePeer
	nextErr error
	seq     int
}

func (p *fakeProvider) New(cfg peer.Config) (peer.Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextErr != nil {
		err := p.nextErr
		p.nextErr = nil
		return nil, err
	}
	p.seq++
	fp := &fakePeer{localID: fmt.Sprintf("pc-%d", p.seq), initiator: cfg.Initiator}
	p.configs = append(p.configs, cfg)
	p.built = append(p.built, fp)
	return fp, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
