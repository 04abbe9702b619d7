package p2p

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/virtco/meetcore/internal/logger"
	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/schedule"
)

// P2PRecord is one established Peer's side-channel state.
type P2PRecord struct {
	ID        string // = the parent Peer's call-engine record id
	User      string
	Initiator bool
	Connected bool
	Ready     bool
	TS        int64 // our own handshake send-ts

	handshakeSent bool
	peerHandshake *HandshakeData

	Streams map[string]*StreamRecord // keyed by remotely-announced stream id

	pc peer.Peer
}

// routeEntry resolves a stream token to the record owning its pc bindings.
// Local streams are shared across every announced-to peer, so their entry
// carries no record id; the sub-connection is picked by the peer the
// signal arrived from.
type routeEntry struct {
	local    bool
	recordID string // remote streams only
	streamID string
}

// Controller implements call.P2PSink: it runs over the data channel of
// every fully connected Peer the call engine creates.
type Controller struct {
	Provider peer.Provider

	mu      sync.Mutex
	records map[string]*P2PRecord
	local   map[string]*StreamRecord // locally-announced streams by id
	order   []string                 // announcement order of local stream ids
	routes  map[string]routeEntry    // stream token -> owning stream
}

// New builds an empty Controller.
func New(provider peer.Provider) *Controller {
	return &Controller{
		Provider: provider,
		records:  make(map[string]*P2PRecord),
		local:    make(map[string]*StreamRecord),
		routes:   make(map[string]routeEntry),
	}
}

// OnPeerConnect implements call.P2PSink: registers the P2PRecord and sends
// the initial handshake.
func (c *Controller) OnPeerConnect(id string, user string, initiator bool, p peer.Peer) {
	c.mu.Lock()
	rec := &P2PRecord{ID: id, User: user, Initiator: initiator, Connected: true, Streams: make(map[string]*StreamRecord), pc: p}
	c.records[id] = rec
	c.mu.Unlock()
	c.sendHandshake(rec)
}

// OnPeerClose implements call.P2PSink: tears down every sub-connection
// belonging to this record, on both the remote and local stream tables,
// and forgets it.
func (c *Controller) OnPeerClose(id string) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if ok {
		delete(c.records, id)
		for _, sr := range rec.Streams {
			if conn := sr.Connections[id]; conn != nil && conn.PC != nil {
				_ = conn.PC.Destroy()
			}
			delete(c.routes, sr.Token)
		}
	}
	var drop []*SubConnection
	for _, sr := range c.local {
		if conn := sr.Connections[id]; conn != nil {
			drop = append(drop, conn)
			delete(sr.Connections, id)
		}
	}
	c.mu.Unlock()
	for _, conn := range drop {
		if conn.PC != nil {
			_ = conn.PC.Destroy()
		}
	}
}

// OnPeerData implements call.P2PSink: dispatches one data-channel message
// by envelope type/subtype.
func (c *Controller) OnPeerData(id string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Debug("p2p: bad envelope", "err", err)
		return
	}

	c.mu.Lock()
	rec, ok := c.records[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch env.Type {
	case TypeP2P:
		switch env.Subtype {
		case SubtypeHandshake:
			c.handleHandshake(rec, env.Data)
		case SubtypeHandshakeReply:
			c.handleHandshakeReply(rec, env.Data)
		case SubtypeAnnounceStreams:
			c.handleAnnounceStreams(rec, env.Data)
		default:
			logger.Debug("p2p: unrecognised p2p subtype", "subtype", env.Subtype)
		}
	case TypeWebRTC:
		if env.Subtype == SubtypeSignal {
			c.handleSignal(rec, env.Source, env.Data)
		}
	default:
		logger.Debug("p2p: unrecognised envelope type", "type", env.Type)
	}
}

func (c *Controller) send(rec *P2PRecord, env Envelope) error {
	env.V = ProtocolVersion
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return rec.pc.Send(data)
}

func (c *Controller) sendHandshake(rec *P2PRecord) {
	now := time.Now().UnixMilli()
	hs := HandshakeData{TS: now, V: ProtocolVersion}

	c.mu.Lock()
	if rec.peerHandshake != nil {
		hs.HandshakeReply = &HandshakeReplyData{TS: rec.peerHandshake.TS, V: rec.peerHandshake.V}
	}
	rec.TS = now
	rec.handshakeSent = true
	c.mu.Unlock()

	payload, _ := json.Marshal(hs)
	if err := c.send(rec, Envelope{Type: TypeP2P, Subtype: SubtypeHandshake, Data: payload}); err != nil {
		logger.Warn("p2p: handshake send failed", "peer", rec.ID, "err", err)
	}
}

func (c *Controller) handleHandshake(rec *P2PRecord, raw json.RawMessage) {
	var hs HandshakeData
	if err := json.Unmarshal(raw, &hs); err != nil {
		return
	}

	c.mu.Lock()
	already := rec.peerHandshake != nil && rec.Ready
	rec.peerHandshake = &hs
	sent := rec.handshakeSent
	c.mu.Unlock()

	if already {
		logger.Warn("p2p: duplicate handshake after ready, ignoring", "peer", rec.ID)
		return
	}
	if hs.HandshakeReply != nil {
		c.handleHandshakeReply(rec, mustMarshal(hs.HandshakeReply))
	}
	if !sent {
		c.sendHandshake(rec) // piggybacks the reply via peerHandshake set above
		return
	}
	// We already sent ours before theirs arrived: reply standalone.
	reply := HandshakeReplyData{TS: hs.TS, V: hs.V}
	payload, _ := json.Marshal(reply)
	if err := c.send(rec, Envelope{Type: TypeP2P, Subtype: SubtypeHandshakeReply, Data: payload}); err != nil {
		logger.Warn("p2p: handshake reply send failed", "peer", rec.ID, "err", err)
	}
}

func (c *Controller) handleHandshakeReply(rec *P2PRecord, raw json.RawMessage) {
	var reply HandshakeReplyData
	if err := json.Unmarshal(raw, &reply); err != nil {
		return
	}
	c.mu.Lock()
	valid := reply.TS == rec.TS && reply.V == ProtocolVersion
	if valid {
		rec.Ready = true
	}
	c.mu.Unlock()
	if !valid {
		logger.Warn("p2p: handshake_reply failed verification", "peer", rec.ID)
		return
	}
	c.announceLocalStreams(rec)
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// AnnounceStream registers a local stream for announcement to every ready
// (and future) P2P peer, e.g. starting a screen share. Each ready peer
// gets its own sender sub-connection carrying the stream.
func (c *Controller) AnnounceStream(id, kind string, stream peer.Stream) {
	sr := &StreamRecord{
		ID: id, Kind: kind, Token: newToken(), Stream: stream,
		Connections: make(map[string]*SubConnection),
		Options:     StreamOptions{Kind: kind, Stream: stream},
	}
	c.mu.Lock()
	c.local[id] = sr
	c.order = append(c.order, id)
	c.routes[sr.Token] = routeEntry{local: true, streamID: id}
	recs := make([]*P2PRecord, 0, len(c.records))
	for _, r := range c.records {
		if r.Ready {
			recs = append(recs, r)
		}
	}
	c.mu.Unlock()
	for _, r := range recs {
		c.announceLocalStreams(r)
	}
}

// RemoveLocalStream withdraws a previously announced local stream: its
// sub-connections are destroyed and the shrunk announcement list is resent
// so remotes drop their side too.
func (c *Controller) RemoveLocalStream(id string) {
	c.mu.Lock()
	sr, ok := c.local[id]
	if ok {
		delete(c.local, id)
		for i, sid := range c.order {
			if sid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		delete(c.routes, sr.Token)
	}
	recs := make([]*P2PRecord, 0, len(c.records))
	for _, r := range c.records {
		if r.Ready {
			recs = append(recs, r)
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, conn := range sr.Connections {
		if conn.PC != nil {
			_ = conn.PC.Destroy()
		}
	}
	for _, r := range recs {
		c.announceLocalStreams(r)
	}
}

// announceLocalStreams sends the full local announcement list to rec and
// lazily creates the sender sub-connection for each (rec, stream) pair
// that does not have one yet.
func (c *Controller) announceLocalStreams(rec *P2PRecord) {
	c.mu.Lock()
	if !rec.Ready {
		c.mu.Unlock()
		return
	}
	list := make([]StreamAnnouncement, 0, len(c.order))
	var missing []*StreamRecord
	for _, id := range c.order {
		sr := c.local[id]
		if sr == nil {
			continue
		}
		list = append(list, StreamAnnouncement{ID: sr.ID, Kind: sr.Kind, Token: sr.Token, V: ProtocolVersion})
		if sr.Connections[rec.ID] == nil {
			missing = append(missing, sr)
		}
	}
	c.mu.Unlock()

	payload, _ := json.Marshal(list)
	if err := c.send(rec, Envelope{Type: TypeP2P, Subtype: SubtypeAnnounceStreams, Data: payload}); err != nil {
		logger.Warn("p2p: announce_streams send failed", "peer", rec.ID, "err", err)
	}
	for _, sr := range missing {
		c.createSubConnection(rec, sr)
	}
}

// handleAnnounceStreams diffs the remote's announcement list against
// rec.Streams: new entries get a sub-connection, changed tokens rebind
// routing, removed entries are torn down.
func (c *Controller) handleAnnounceStreams(rec *P2PRecord, raw json.RawMessage) {
	var list []StreamAnnouncement
	if err := json.Unmarshal(raw, &list); err != nil {
		return
	}
	seen := make(map[string]bool, len(list))

	for _, a := range list {
		if a.V != 0 && a.V < ProtocolVersion {
			logger.Debug("p2p: dropping stale-version stream announcement", "stream", a.ID, "v", a.V)
			continue
		}
		seen[a.ID] = true
		c.mu.Lock()
		existing, ok := rec.Streams[a.ID]
		c.mu.Unlock()

		if ok && existing.Token == a.Token {
			continue
		}
		if ok {
			// Token changed: rebind routing to the same sub-connection.
			c.mu.Lock()
			delete(c.routes, existing.Token)
			existing.Token = a.Token
			c.routes[a.Token] = routeEntry{recordID: rec.ID, streamID: a.ID}
			c.mu.Unlock()
			continue
		}

		sr := &StreamRecord{
			ID: a.ID, Kind: a.Kind, Token: a.Token,
			Connections: make(map[string]*SubConnection),
			Options:     StreamOptions{Kind: a.Kind},
		}
		c.mu.Lock()
		rec.Streams[a.ID] = sr
		c.routes[a.Token] = routeEntry{recordID: rec.ID, streamID: a.ID}
		c.mu.Unlock()

		c.createSubConnection(rec, sr)
	}

	c.mu.Lock()
	var removed []*StreamRecord
	for id, sr := range rec.Streams {
		if !seen[id] {
			removed = append(removed, sr)
			delete(rec.Streams, id)
			delete(c.routes, sr.Token)
		}
	}
	c.mu.Unlock()
	for _, sr := range removed {
		if conn := sr.Connections[rec.ID]; conn != nil && conn.PC != nil {
			_ = conn.PC.Destroy()
		}
	}
}

// createSubConnection builds the dedicated Peer for one (rec, stream) pair,
// signaling over rec's data channel instead of the server. The parent's
// initiator flag is reused; the non-initiator emits a noop renegotiate to
// wake the initiator's offer.
func (c *Controller) createSubConnection(rec *P2PRecord, sr *StreamRecord) {
	var streams []peer.Stream
	var wantRecv []string
	if sr.Options.Stream != nil {
		streams = []peer.Stream{sr.Options.Stream}
	} else if sr.Kind == KindScreenshare {
		wantRecv = []string{"video"}
	}

	p, err := c.Provider.New(peer.Config{
		Initiator:     rec.Initiator,
		Streams:       streams,
		Trickle:       true,
		WantRecvKinds: wantRecv,
	})
	if err != nil {
		logger.Warn("p2p: sub-connection create failed", "peer", rec.ID, "stream", sr.ID, "err", err)
		return
	}

	conn := &SubConnection{PC: p}
	c.mu.Lock()
	sr.Connections[rec.ID] = conn
	c.mu.Unlock()

	p.OnSignal(func(sig peer.SignalData) {
		c.sendSubSignal(rec, sr, sig)
	})
	p.OnError(func(err error) {
		logger.Warn("p2p: sub-connection error", "peer", rec.ID, "stream", sr.ID, "err", err)
		c.scheduleSubRecovery(rec, sr)
	})
	p.OnClose(func() {
		c.scheduleSubRecovery(rec, sr)
	})

	if !rec.Initiator {
		c.sendSubSignal(rec, sr, peer.SignalData{Renegotiate: true, Noop: true})
	}
}

func (c *Controller) sendSubSignal(rec *P2PRecord, sr *StreamRecord, sig peer.SignalData) {
	var cand *CandidateInit
	if sig.Candidate != nil {
		cand = &CandidateInit{Candidate: sig.Candidate.Candidate, SDPMid: sig.Candidate.SDPMid, SDPMLineIndex: sig.Candidate.SDPMLineIndex}
	}
	c.mu.Lock()
	var pcid string
	if conn := sr.Connections[rec.ID]; conn != nil && conn.PC != nil {
		pcid = conn.PC.LocalID()
	}
	c.mu.Unlock()

	payload, _ := json.Marshal(SignalPayload{
		SDPType: sig.SDPType, SDP: sig.SDP, Candidate: cand,
		Renegotiate: sig.Renegotiate, Noop: sig.Noop, PCID: pcid,
	})
	if err := c.send(rec, Envelope{Type: TypeWebRTC, Subtype: SubtypeSignal, Source: sr.Token, Data: payload}); err != nil {
		logger.Warn("p2p: sub-signal send failed", "peer", rec.ID, "stream", sr.Token, "err", err)
	}
}

// handleSignal routes an inbound nested webrtc_signal envelope, arrived
// from rec, to the sub-connection owning its token. A pcid mismatch means
// the remote recreated its pc and ours must follow; a `noop:true` payload
// is a wake-up only and is dropped before reaching the pc.
func (c *Controller) handleSignal(rec *P2PRecord, token string, raw json.RawMessage) {
	c.mu.Lock()
	route, ok := c.routes[token]
	var sr *StreamRecord
	if ok {
		if route.local {
			sr = c.local[route.streamID]
		} else if route.recordID == rec.ID {
			sr = rec.Streams[route.streamID]
		}
	}
	c.mu.Unlock()
	if sr == nil {
		logger.Debug("p2p: signal for unknown stream token", "token", token, "peer", rec.ID)
		return
	}

	var payload SignalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	c.mu.Lock()
	conn := sr.Connections[rec.ID]
	c.mu.Unlock()
	if conn == nil || conn.PC == nil {
		return
	}

	if payload.PCID != "" && payload.PCID != conn.RPCID {
		if conn.RPCID == "" {
			conn.RPCID = payload.PCID
		} else {
			// Remote restarted its sub-pc: follow with a fresh one.
			_ = conn.PC.Destroy()
			c.createSubConnection(rec, sr)
			c.mu.Lock()
			conn = sr.Connections[rec.ID]
			if conn != nil {
				conn.RPCID = payload.PCID
			}
			c.mu.Unlock()
			if conn == nil || conn.PC == nil {
				return
			}
		}
	}

	if payload.Noop {
		return // wake-up only
	}

	var cand *peer.CandidateInit
	if payload.Candidate != nil {
		cand = &peer.CandidateInit{Candidate: payload.Candidate.Candidate, SDPMid: payload.Candidate.SDPMid, SDPMLineIndex: payload.Candidate.SDPMLineIndex}
	}
	sig := peer.SignalData{SDPType: payload.SDPType, SDP: payload.SDP, Candidate: cand, Renegotiate: payload.Renegotiate}
	if err := conn.PC.Signal(sig); err != nil {
		logger.Warn("p2p: sub-signal apply failed", "stream", sr.ID, "err", err)
	}
}

// scheduleSubRecovery recreates the sub-connection after RecoveryDelay if
// the record and stream are both still live.
func (c *Controller) scheduleSubRecovery(rec *P2PRecord, sr *StreamRecord) {
	schedule.After(peer.RecoveryDelay, func() {
		c.mu.Lock()
		_, recStillLive := c.records[rec.ID]
		streamStillLive := false
		if _, ok := rec.Streams[sr.ID]; ok {
			streamStillLive = true
		} else if c.local[sr.ID] == sr {
			streamStillLive = true
		}
		if conn := sr.Connections[rec.ID]; conn != nil {
			conn.RPCID = ""
		}
		c.mu.Unlock()
		if !recStillLive || !streamStillLive {
			return
		}
		c.createSubConnection(rec, sr)
		if !rec.Initiator {
			c.sendSubSignal(rec, sr, peer.SignalData{Renegotiate: true, Noop: true})
		}
	})
}
