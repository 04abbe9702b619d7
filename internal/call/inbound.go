package call

import (
	"context"
	"encoding/json"

	"github.com/virtco/meetcore/internal/events"
	"github.com/virtco/meetcore/internal/logger"
	"github.com/virtco/meetcore/internal/transport"
)

// HandleInbound processes one non-reply inbound envelope of type `webrtc`,
// as routed by the session controller. It is the exported entry point to
// handleWebRTCMessage for callers outside this package.
func (e *Engine) HandleInbound(ctx context.Context, env transport.Envelope) {
	e.handleWebRTCMessage(ctx, env)
}

// handleWebRTCMessage dispatches one inbound `webrtc` envelope by subtype.
// Messages with a nonzero `v` below RequiredVersion are dropped; messages
// without `v` are processed.
func (e *Engine) handleWebRTCMessage(ctx context.Context, env transport.Envelope) {
	if env.Type != transport.TypeWebRTC {
		return
	}
	if env.V != 0 && env.V < RequiredVersion {
		logger.Debug("call: dropping stale-version webrtc envelope", "v", env.V)
		return
	}
	switch env.Subtype {
	case transport.SubtypeCall:
		e.handleWebRTCCall(ctx, env)
	case transport.SubtypeChannel, transport.SubtypeGroup:
		e.handleWebRTCChannel(ctx, env)
	case transport.SubtypeHangup:
		e.handleWebRTCHangup(env)
	case transport.SubtypeSignal:
		e.handleWebRTCSignal(env)
	default:
		logger.Debug("call: unrecognised webrtc subtype", "subtype", env.Subtype)
	}
}

func (e *Engine) handleWebRTCCall(ctx context.Context, env transport.Envelope) {
	s := e.Session

	if env.Initiator {
		// Incoming call relayed by the server.
		if env.Source == "" {
			return
		}
		s.mu.Lock()
		_, exists := s.Peers[env.Source]
		s.mu.Unlock()
		if exists && env.Target == "" {
			// Server is silently cancelling: call taken elsewhere.
			e.localHangup(env.Source, "")
			return
		}
		s.mu.Lock()
		busy := s.Channel != ""
		s.mu.Unlock()
		if busy {
			data, _ := json.Marshal(transport.WebRTCCallData{Accept: false, Reason: "reject_busy", State: env.State})
			reject := transport.Envelope{
				Type: transport.TypeWebRTC, Subtype: transport.SubtypeCall,
				Target: env.Source, State: env.State, V: RequiredVersion, Data: data,
			}
			_, _ = e.Sender.Send(ctx, reject, 0)
			return
		}

		rec := &PeerRecord{
			ID: env.Source, User: env.Source, State: newNonce(), Ref: env.State,
			Hash: env.Hash, Transaction: env.Transaction, Profile: decodeProfile(env.Data), Reconnect: true,
		}
		s.mu.Lock()
		s.Peers[env.Source] = rec
		s.Channel = env.Channel
		s.mu.Unlock()

		if len(env.Data) > 0 {
			e.handleExtraChannelData(ctx, env.Data)
		}
		if e.Events != nil {
			e.Events.Dispatch(events.IncomingCall, events.CallPayload{User: env.Source, Profile: rec.Profile})
		}
		return
	}

	// Reply to our own outbound call.
	s.mu.Lock()
	rec, ok := s.Peers[env.Source]
	s.mu.Unlock()
	if !ok {
		return
	}

	var data transport.WebRTCCallData
	_ = json.Unmarshal(env.Data, &data)

	if rec.State != data.State {
		return
	}

	groupAccept := rec.Group != "" && s.GroupID == rec.Group && env.Group == rec.Group
	if rec.Hash != env.Hash && !groupAccept {
		return
	}
	if groupAccept && rec.Hash != env.Hash {
		logger.Info("call: adopting group hash from accepted call", "group", rec.Group)
		rec.Hash = env.Hash
	}

	if !data.Accept {
		reason := data.Reason
		if reason == "" {
			reason = "no reason given"
		}
		if e.Events != nil {
			e.Events.Dispatch(events.AbortCall, events.CallPayload{User: env.Source, Reason: reason})
		}
		return
	}

	rec.Ref = env.State
	rec.Profile = decodeProfile(env.Data)
	rec.Initiator = computeInitiator(s.User, env.Source)

	if _, err := e.createPeer(rec); err != nil {
		logger.Warn("call: create peer failed", "user", env.Source, "err", err)
		return
	}
	if !rec.Initiator {
		e.emitLocalSignal(rec, transport.SignalData{Renegotiate: true})
	}
	if e.Events != nil {
		e.Events.Dispatch(events.OutgoingCall, events.CallPayload{User: env.Source})
	}
}

func decodeProfile(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v struct {
		Profile any `json:"profile"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.Profile
}

func (e *Engine) handleWebRTCChannel(ctx context.Context, env transport.Envelope) {
	s := e.Session
	s.mu.Lock()
	haveChannel := s.Channel != ""
	s.mu.Unlock()
	if haveChannel && len(env.Data) == 0 {
		return
	}
	s.mu.Lock()
	s.Channel = env.Channel
	s.mu.Unlock()
	if len(env.Data) > 0 {
		e.handleExtraChannelData(ctx, env.Data)
	}
}

// handleExtraChannelData processes the extra `data` of a channel message:
// replacement notices, group membership, pipeline enrolment.
func (e *Engine) handleExtraChannelData(ctx context.Context, raw json.RawMessage) {
	var data transport.ChannelData
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	if data.Replaced {
		go func() { _, _ = e.DoHangup(ctx, "", "") }()
		return
	}
	if data.Group != nil && e.Group != nil {
		e.Group.HandleChannelData(data.Group)
		return
	}
	if data.Pipeline != nil {
		if data.Pipeline.Mode != "mcu-forward" {
			logger.Info("call: ignoring unsupported pipeline mode", "mode", data.Pipeline.Mode)
			return
		}
		s := e.Session
		s.mu.Lock()
		groupHash := ""
		if g, ok := s.Peers[s.GroupID]; ok {
			groupHash = g.Hash
		}
		rec := &PeerRecord{
			ID: data.Pipeline.Pipeline, User: data.Pipeline.Pipeline, Ref: data.Pipeline.Pipeline,
			State: newNonce(), Hash: groupHash, CID: "mcu-forward", Reconnect: true,
		}
		s.Peers[rec.ID] = rec
		s.ChannelOptions.LocalStreamTarget = rec
		s.mu.Unlock()
	}
}

func (e *Engine) handleWebRTCHangup(env transport.Envelope) {
	s := e.Session
	s.mu.Lock()
	sameChannel := s.Channel == env.Channel
	var rec *PeerRecord
	for _, r := range s.Peers {
		if r.ID == env.Source || r.User == env.Source {
			rec = r
			break
		}
	}
	s.mu.Unlock()
	if !sameChannel || rec == nil {
		return
	}
	if rec.Ref != "" && rec.Ref != env.State {
		return
	}
	user := rec.User
	e.localHangup(user, "")
	if e.Events != nil {
		e.Events.Dispatch(events.Hangup, events.CallPayload{User: user, Reason: "remote"})
	}
}

func (e *Engine) handleWebRTCSignal(env transport.Envelope) {
	s := e.Session
	s.mu.Lock()
	sameChannel := s.Channel == env.Channel
	rec, ok := s.Peers[env.Source]
	s.mu.Unlock()
	if !sameChannel || !ok {
		return
	}
	if rec.Ref != "" && rec.Ref != env.State {
		return
	}

	if env.PCID != rec.RPCID {
		if rec.RPCID == "" && rec.PC != nil {
			rec.RPCID = env.PCID
		} else {
			if rec.PC != nil {
				_ = rec.PC.Destroy()
				rec.PC = nil
			}
			rec.RPCID = env.PCID
		}
	}

	if rec.PC == nil {
		if _, err := e.createPeer(rec); err != nil {
			logger.Warn("call: create peer for signal failed", "user", rec.User, "err", err)
			return
		}
	}

	var sig transport.SignalData
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		logger.Debug("call: bad signal payload", "err", err)
		return
	}
	if e.RemoteSDPTransform != nil && sig.SDP != "" {
		sig.SDP = e.RemoteSDPTransform(sig.SDP)
	}
	if err := rec.PC.Signal(toPeerSignal(sig)); err != nil {
		logger.Warn("call: signal failed", "user", rec.User, "err", err)
	}
}
