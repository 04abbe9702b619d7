package p2p

import (
	"fmt"
	"sync"

	"github.com/virtco/meetcore/internal/peer"
)

// fakePeer is a minimal peer.Peer double recording Signal/Send calls, in
// the same spirit as the call package's own fake.
type fakePeer struct {
	mu        sync.Mutex
	localID   string
	initiator bool
	sent      [][]byte
	signals   []peer.SignalData
	destroyed bool

	onSignal func(peer.SignalData)
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
func (p *fakePeer) OnConnect(func())                      {}
func (p *fakePeer) OnClose(func())                        {}
func (p *fakePeer) OnError(func(error))                   {}
func (p *fakePeer) OnData(func([]byte))                   {}
func (p *fakePeer) OnStream(func(peer.Stream))            {}
func (p *fakePeer) OnTrack(func(peer.Track, peer.Stream)) {}
func (p *fakePeer) OnICEStateChange(func(string))         {}
func (p *fakePeer) OnSignalingStateChange(func(string))   {}

// fakeProvider hands out fakePeers and records the Config used to build
// each one, so tests can assert on sub-connection wiring (recv-only
// transceivers requested, initiator propagated, etc).
type fakeProvider struct {
	mu      sync.Mutex
	configs []peer.Config
	built   []*fakePeer
	seq     int
}

func (p *fakeProvider) New(cfg peer.Config) (peer.Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	fp := &fakePeer{localID: fmt.Sprintf("sub-pc-%d", p.seq), initiator: cfg.Initiator}
	p.configs = append(p.configs, cfg)
	p.built = append(p.built, fp)
	return fp, nil
}

func (p *fakeProvider) lastBuilt() *fakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.built[len(p.built)-1]
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.built)
}
