package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/virtco/meetcore/internal/events"
	"github.com/virtco/meetcore/internal/logger"
	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/schedule"
	"github.com/virtco/meetcore/internal/transport"
)

// createPeer builds a Peer for rec via the configured Provider, attaches
// the local stream when rec is its target, and binds provider events back
// onto the engine. Event handlers always re-check `pc == record.pc`
// before mutating state, so a superseded/recovered pc's late events are
// ignored.
func (e *Engine) createPeer(rec *PeerRecord) (peer.Peer, error) {
	s := e.Session
	var streams []peer.Stream
	if e.isLocalStreamTarget(rec) {
		s.mu.Lock()
		ls := s.LocalStream
		s.mu.Unlock()
		if ls != nil {
			streams = []peer.Stream{ls}
		}
	}

	p, err := e.Provider.New(peer.Config{
		ICEServers:   e.iceServers,
		Initiator:    rec.Initiator,
		Streams:      streams,
		SDPTransform: e.LocalSDPTransform,
		Trickle:      true,
		ChannelName:  "meetcore",
	})
	if err != nil {
		return nil, fmt.Errorf("peer factory: %w", err)
	}

	rec.PC = p
	id := rec.ID

	p.OnSignal(func(sig peer.SignalData) {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		s.mu.Unlock()
		if !samePC {
			return
		}
		if err := e.sendSignal(cur, sig); err != nil {
			logger.Warn("call: signal send failed, scheduling recovery", "user", id, "err", err)
			e.scheduleRecovery(id, p)
		}
	})

	p.OnConnect(func() {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		s.mu.Unlock()
		if !samePC {
			return
		}
		if e.P2P != nil {
			e.P2P.OnPeerConnect(id, cur.User, cur.Initiator, p)
		}
	})

	p.OnClose(func() {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		if samePC {
			cur.PC = nil
		}
		s.mu.Unlock()
		if !samePC {
			return
		}
		if e.P2P != nil {
			e.P2P.OnPeerClose(id)
		}
		if ok && cur.Reconnect {
			e.scheduleRecovery(id, p)
		}
	})

	p.OnError(func(perr error) {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		s.mu.Unlock()
		if !samePC {
			return
		}
		logger.Warn("call: peer error", "user", id, "err", perr)
		if ok && cur.Reconnect {
			e.scheduleRecovery(id, p)
		}
	})

	p.OnData(func(data []byte) {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		s.mu.Unlock()
		if !samePC {
			return
		}
		if e.P2P != nil {
			e.P2P.OnPeerData(id, data)
		}
	})

	p.OnTrack(func(t peer.Track, st peer.Stream) {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		s.mu.Unlock()
		if !samePC {
			return
		}
		if e.Events != nil {
			e.Events.Dispatch(events.RemoteTrack, events.MediaPayload{User: cur.User, Track: t, Stream: st})
		}
	})

	p.OnStream(func(st peer.Stream) {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		s.mu.Unlock()
		if !samePC {
			return
		}
		if e.Events != nil {
			e.Events.Dispatch(events.RemoteStream, events.MediaPayload{User: cur.User, Stream: st})
		}
	})

	p.OnICEStateChange(func(state string) {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		s.mu.Unlock()
		if !samePC {
			return
		}
		if e.Events != nil {
			e.Events.Dispatch(events.ICEStateChange, events.ConnStatePayload{User: cur.User, State: state})
		}
	})

	p.OnSignalingStateChange(func(state string) {
		s.mu.Lock()
		cur, ok := s.Peers[id]
		samePC := ok && cur.PC == p
		s.mu.Unlock()
		if !samePC {
			return
		}
		if e.Events != nil {
			e.Events.Dispatch(events.SignalingStateChange, events.ConnStatePayload{User: cur.User, State: state})
		}
	})

	return p, nil
}

// sendSignal emits a webrtc_signal envelope for rec carrying sig.
func (e *Engine) sendSignal(rec *PeerRecord, sig peer.SignalData) error {
	data, err := json.Marshal(toWireSignal(sig))
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	env := transport.Envelope{
		Type:    transport.TypeWebRTC,
		Subtype: transport.SubtypeSignal,
		Target:  rec.User,
		Channel: e.Session.Channel,
		State:   rec.State,
		PCID:    rec.PC.LocalID(),
		V:       RequiredVersion,
		Data:    data,
	}
	_, err = e.Sender.Send(context.Background(), env, 0)
	return err
}

// emitLocalSignal sends a synthetic signal to the remote side without it
// originating from the local pc's own "signal" event. The non-initiator
// uses it to send {renegotiate:true} and unblock the remote's offer.
func (e *Engine) emitLocalSignal(rec *PeerRecord, sig transport.SignalData) {
	data, _ := json.Marshal(sig)
	env := transport.Envelope{
		Type:    transport.TypeWebRTC,
		Subtype: transport.SubtypeSignal,
		Target:  rec.User,
		Channel: e.Session.Channel,
		State:   rec.State,
		V:       RequiredVersion,
		Data:    data,
	}
	if rec.PC != nil {
		env.PCID = rec.PC.LocalID()
	}
	_, _ = e.Sender.Send(context.Background(), env, 0)
}

// scheduleRecovery recreates rec's pc after RecoveryDelay if it is still
// the failed one (or has been cleared) and the record wants reconnection.
func (e *Engine) scheduleRecovery(id string, failed peer.Peer) {
	schedule.After(peer.RecoveryDelay, func() {
		s := e.Session
		s.mu.Lock()
		rec, ok := s.Peers[id]
		stillFailed := ok && (rec.PC == nil || rec.PC == failed) && rec.Reconnect
		s.mu.Unlock()
		if !stillFailed {
			return
		}
		if rec.PC != nil {
			_ = rec.PC.Destroy()
			rec.PC = nil
		}
		if _, err := e.createPeer(rec); err != nil {
			logger.Warn("call: peer recovery failed", "user", id, "err", err)
			return
		}
		if !rec.Initiator {
			e.emitLocalSignal(rec, transport.SignalData{Renegotiate: true})
		}
	})
}
