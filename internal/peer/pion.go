package peer

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/virtco/meetcore/internal/logger"
)

// PionProvider builds Peers backed by a shared pion webrtc.API. Every Peer
// carries a data channel since the engine runs its P2P side-channel over
// each established connection.
type PionProvider struct {
	api *webrtc.API
}

// NewPionProvider builds a PionProvider with pion's default API surface.
func NewPionProvider() *PionProvider {
	return &PionProvider{api: webrtc.NewAPI()}
}

func (p *PionProvider) New(cfg Config) (Peer, error) {
	api := p.api
	if api == nil {
		api = webrtc.NewAPI()
	}

	ice := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		ice = append(ice, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pp := &pionPeer{
		pc:        pc,
		localID:   uuid.NewString(),
		initiator: cfg.Initiator,
		trickle:   cfg.Trickle,
		transform: cfg.SDPTransform,
	}

	if cfg.Initiator {
		name := cfg.ChannelName
		if name == "" {
			name = "meetcore"
		}
		dc, dcErr := pc.CreateDataChannel(name, nil)
		if dcErr != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", dcErr)
		}
		pp.bindDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			pp.bindDataChannel(dc)
		})
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates; nothing to trickle
		}
		init := c.ToJSON()
		pp.emitSignal(SignalData{Candidate: &CandidateInit{
			Candidate:     init.Candidate,
			SDPMid:        derefStr(init.SDPMid),
			SDPMLineIndex: derefU16(init.SDPMLineIndex),
		}})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			pp.mu.Lock()
			pp.connected = true
			pp.mu.Unlock()
			pp.fireConnect()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			pp.fireClose()
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		pp.fireICEStateChange(s.String())
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		pp.fireSignalingStateChange(s.String())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		pp.fireTrack(&pionTrack{kind: track.Kind().String()}, nil)
	})

	for _, s := range cfg.Streams {
		if err := pp.AddStream(s); err != nil {
			logger.Warn("peer: add initial stream failed", "err", err)
		}
	}

	for _, kind := range cfg.WantRecvKinds {
		rtpKind := webrtc.RTPCodecTypeAudio
		if kind == "video" {
			rtpKind = webrtc.RTPCodecTypeVideo
		}
		if _, err := pc.AddTransceiverFromKind(rtpKind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			logger.Warn("peer: add recv-only transceiver failed", "kind", kind, "err", err)
		}
	}

	if cfg.Initiator {
		if err := pp.makeOffer(); err != nil {
			pc.Close()
			return nil, err
		}
	}

	return pp, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefU16(v *uint16) uint16 {
	if v == nil {
		return 0
	}
	return *v
}

type pionPeer struct {
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	localID   string
	initiator bool
	trickle   bool
	transform func(string) string

	mu        sync.Mutex
	connected bool
	destroyed bool

	onSignal       func(SignalData)
	pendingSignals []SignalData // emitted before OnSignal was registered
	onConnect      func()
	onClose        func()
	onError        func(error)
	onData         func([]byte)
	onStream       func(Stream)
	onTrack        func(Track, Stream)
	onICEState     func(string)
	onSignalState  func(string)
	closedNotified bool
}

func (p *pionPeer) LocalID() string { return p.localID }
func (p *pionPeer) Initiator() bool { return p.initiator }
func (p *pionPeer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}
func (p *pionPeer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *pionPeer) bindDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
		p.fireConnect()
	})
	dc.OnClose(func() {
		p.fireClose()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.onData != nil {
			p.onData(msg.Data)
		}
	})
}

func (p *pionPeer) makeOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.emitSignal(SignalData{SDPType: "offer", SDP: offer.SDP})
	return nil
}

// Signal feeds an inbound signal payload to the peer connection, mirroring
// simple-peer's `signal()` semantics: an SDP payload sets the remote
// description (answering with a local offer/answer as needed), a candidate
// payload is added to the ICE agent, and `renegotiate` triggers a fresh
// offer when we are the initiator.
func (p *pionPeer) Signal(data SignalData) error {
	if data.Noop {
		return nil
	}
	if data.Renegotiate {
		if p.initiator {
			return p.makeOffer()
		}
		return nil
	}
	if data.Candidate != nil {
		mid := data.Candidate.SDPMid
		idx := data.Candidate.SDPMLineIndex
		return p.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     data.Candidate.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
	}
	if data.SDP == "" {
		return nil
	}

	sdp := data.SDP
	if p.transform != nil {
		sdp = p.transform(sdp)
	}

	sdpType := webrtc.SDPTypeOffer
	if data.SDPType == "answer" {
		sdpType = webrtc.SDPTypeAnswer
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	if sdpType == webrtc.SDPTypeOffer {
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		p.emitSignal(SignalData{SDPType: "answer", SDP: answer.SDP})
	}
	return nil
}

func (p *pionPeer) Send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("connection_is_destroyed: no data channel")
	}
	return dc.Send(data)
}

func (p *pionPeer) AddStream(s Stream) error {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks() {
		if lt, ok := t.(*pionLocalTrack); ok {
			if _, err := p.pc.AddTrack(lt.track); err != nil {
				return fmt.Errorf("add track: %w", err)
			}
		}
	}
	return nil
}

func (p *pionPeer) RemoveStream(s Stream) error {
	// Detaches nothing: AddStream does not keep the RTP senders it
	// creates, so a stream's tracks stay on the connection once added.
	return nil
}

func (p *pionPeer) AddTrack(t Track, s Stream) error {
	lt, ok := t.(*pionLocalTrack)
	if !ok {
		return fmt.Errorf("add track: not a local track")
	}
	_, err := p.pc.AddTrack(lt.track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

func (p *pionPeer) RemoveTrack(t Track, s Stream) error { return nil }

func (p *pionPeer) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.mu.Unlock()
	err := p.pc.Close()
	p.fireClose()
	return err
}

// OnSignal registers f and flushes any signals emitted before registration
// (the initiator's first offer is produced during construction, before the
// caller has had a chance to bind handlers).
func (p *pionPeer) OnSignal(f func(SignalData)) {
	p.mu.Lock()
	p.onSignal = f
	flush := p.pendingSignals
	p.pendingSignals = nil
	p.mu.Unlock()
	for _, d := range flush {
		f(d)
	}
}
func (p *pionPeer) OnConnect(f func())                    { p.onConnect = f }
func (p *pionPeer) OnClose(f func())                      { p.onClose = f }
func (p *pionPeer) OnError(f func(error))                 { p.onError = f }
func (p *pionPeer) OnData(f func([]byte))                 { p.onData = f }
func (p *pionPeer) OnStream(f func(Stream))               { p.onStream = f }
func (p *pionPeer) OnTrack(f func(Track, Stream))         { p.onTrack = f }
func (p *pionPeer) OnICEStateChange(f func(string))       { p.onICEState = f }
func (p *pionPeer) OnSignalingStateChange(f func(string)) { p.onSignalState = f }

func (p *pionPeer) emitSignal(d SignalData) {
	p.mu.Lock()
	f := p.onSignal
	if f == nil {
		p.pendingSignals = append(p.pendingSignals, d)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	f(d)
}
func (p *pionPeer) fireConnect() {
	if p.onConnect != nil {
		p.onConnect()
	}
}
func (p *pionPeer) fireClose() {
	p.mu.Lock()
	if p.closedNotified {
		p.mu.Unlock()
		return
	}
	p.closedNotified = true
	p.mu.Unlock()
	if p.onClose != nil {
		p.onClose()
	}
}
func (p *pionPeer) fireICEStateChange(s string) {
	if p.onICEState != nil {
		p.onICEState(s)
	}
}
func (p *pionPeer) fireSignalingStateChange(s string) {
	if p.onSignalState != nil {
		p.onSignalState(s)
	}
}
func (p *pionPeer) fireTrack(t Track, s Stream) {
	if p.onTrack != nil {
		p.onTrack(t, s)
	}
}

// pionTrack adapts a remote webrtc.TrackRemote's kind to the Track
// interface; mute() only acts on local tracks, so Enabled/SetEnabled are
// no-ops here.
type pionTrack struct{ kind string }

func (t *pionTrack) Kind() string    { return t.kind }
func (t *pionTrack) Enabled() bool   { return true }
func (t *pionTrack) SetEnabled(bool) {}

// pionLocalTrack wraps a local sample/static track so it can be attached
// via AddTrack/AddStream and muted via Mute.
type pionLocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    string
	enabled bool
}

// NewLocalTrack wraps a pion local static-sample track for use as a Track.
func NewLocalTrack(track *webrtc.TrackLocalStaticSample, kind string) Track {
	return &pionLocalTrack{track: track, kind: kind, enabled: true}
}

func (t *pionLocalTrack) Kind() string      { return t.kind }
func (t *pionLocalTrack) Enabled() bool     { return t.enabled }
func (t *pionLocalTrack) SetEnabled(v bool) { t.enabled = v }

// pionStream is a minimal Stream grouping local Tracks; it is the adapter
// the engine's SetLocalStream/Mute operations act on.
type pionStream struct {
	id     string
	tracks []Track
}

// NewLocalStream groups tracks into a Stream usable with setLocalStream/mute.
func NewLocalStream(id string, tracks ...Track) Stream {
	return &pionStream{id: id, tracks: tracks}
}

func (s *pionStream) ID() string      { return s.id }
func (s *pionStream) Tracks() []Track { return s.tracks }
