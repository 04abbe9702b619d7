package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/virtco/meetcore/internal/events"
	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/transport"
)

// RequiredVersion is the minimum `v` an inbound webrtc envelope may carry
// to be processed; envelopes with a lower nonzero `v` are dropped, and
// envelopes without `v` are not version-checked.
const RequiredVersion = 20180703

// callReplyTimeout bounds the reply wait of DoCall/DoGroup.
const callReplyTimeout = 5 * time.Second

// GroupSink is implemented by the group coordinator and driven by the
// engine when group-tagged channel data arrives. It is an interface, not a
// direct dependency, so call does not import group.
type GroupSink interface {
	// HandleChannelData processes `data.group` from an inbound
	// webrtc_channel envelope.
	HandleChannelData(data *transport.GroupChannelData)
	// GroupID returns the bound group's id.
	GroupID() string
	// MemberList returns the last membership list seen, sorted.
	MemberList() []string
}

// P2PSink is implemented by the P2P controller and notified by the peer
// factory of connect/data/close on each bound Peer.
type P2PSink interface {
	OnPeerConnect(id string, user string, initiator bool, p peer.Peer)
	OnPeerData(id string, data []byte)
	OnPeerClose(id string)
}

// Engine is the call engine. Peer records are looked up by id, never
// held by pointer across a recreate.
type Engine struct {
	Session *Session
	Sender  Sender
	Events  *events.Dispatcher

	Provider   peer.Provider
	iceServers []peer.ICEServer

	Group GroupSink
	P2P   P2PSink

	// NewGroup, when set, is invoked by DoGroup once the webrtc_group reply
	// has arrived (before the reply is processed) so the caller (the session controller, which
	// imports both call and group) can construct a group coordinator
	// bound to that record and install it as e.Group.
	NewGroup func(rec *PeerRecord)

	RemoteSDPTransform func(string) string
	LocalSDPTransform  func(string) string

	nextSeq int64
}

// NewEngine builds an Engine over an existing Session and Sender.
func NewEngine(session *Session, sender Sender, provider peer.Provider) *Engine {
	return &Engine{
		Session:  session,
		Sender:   sender,
		Events:   events.NewDispatcher(),
		Provider: provider,
	}
}

// SetICEServers replaces the ICE server list used for future Peers,
// called by the session controller's turnChanged handling.
func (e *Engine) SetICEServers(servers []peer.ICEServer) {
	e.iceServers = servers
}

// isLocalStreamTarget is true when no target is pinned, or the record is
// the pinned target (pipeline mode).
func (e *Engine) isLocalStreamTarget(r *PeerRecord) bool {
	t := e.Session.ChannelOptions.LocalStreamTarget
	return t == nil || t == r
}

// ---- Public operations ----

// DoCall places an outbound 1:1 call to user.
func (e *Engine) DoCall(ctx context.Context, user string) (string, error) {
	s := e.Session
	s.mu.Lock()
	if s.Channel != "" {
		s.mu.Unlock()
		return "", ErrAlreadyHaveChannel
	}
	if _, ok := s.Peers[user]; ok {
		s.mu.Unlock()
		return "", ErrPeerExists
	}
	rec := &PeerRecord{ID: user, User: user, Initiator: true, State: newNonce(), Reconnect: true}
	s.Peers[user] = rec
	s.mu.Unlock()

	env := transport.Envelope{
		Type:      transport.TypeWebRTC,
		Subtype:   transport.SubtypeCall,
		Target:    user,
		Initiator: true,
		State:     rec.State,
		V:         RequiredVersion,
	}
	reply, err := e.Sender.Send(ctx, env, callReplyTimeout)
	if err != nil {
		s.mu.Lock()
		if cur, ok := s.Peers[user]; ok && cur == rec {
			delete(s.Peers, user)
		}
		s.mu.Unlock()
		return "", fmt.Errorf("doCall %s: %w", user, err)
	}

	s.mu.Lock()
	cur, ok := s.Peers[user]
	if !ok || cur != rec {
		s.mu.Unlock()
		return "", nil // record superseded while the reply was in flight
	}
	rec.Hash = reply.Hash
	s.Channel = reply.Channel
	s.mu.Unlock()

	e.handleWebRTCMessage(ctx, reply)
	return s.Channel, nil
}

// DoAnswer accepts an incoming call from user.
func (e *Engine) DoAnswer(ctx context.Context, user string) error {
	s := e.Session
	s.mu.Lock()
	if s.Channel == "" {
		s.mu.Unlock()
		return ErrNoChannel
	}
	rec, ok := s.Peers[user]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownPeer
	}
	transaction := rec.Transaction
	ref := rec.Ref
	rec.Transaction = ""
	s.mu.Unlock()

	data, _ := json.Marshal(transport.WebRTCCallData{Accept: true, State: ref})
	env := transport.Envelope{
		Type:        transport.TypeWebRTC,
		Subtype:     transport.SubtypeCall,
		Target:      user,
		Channel:     s.Channel,
		Transaction: transaction,
		V:           RequiredVersion,
		Data:        data,
	}
	_, err := e.Sender.Send(ctx, env, 0)
	if err != nil {
		return fmt.Errorf("doAnswer %s: %w", user, err)
	}
	return nil
}

// DoReject declines an incoming call from user with reason, then performs
// a local-only hangup of the peer.
func (e *Engine) DoReject(ctx context.Context, user, reason string) error {
	s := e.Session
	s.mu.Lock()
	rec, ok := s.Peers[user]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownPeer
	}
	transaction := rec.Transaction
	ref := rec.Ref
	s.mu.Unlock()

	data, _ := json.Marshal(transport.WebRTCCallData{Accept: false, Reason: reason, State: ref})
	env := transport.Envelope{
		Type:        transport.TypeWebRTC,
		Subtype:     transport.SubtypeCall,
		Target:      user,
		Transaction: transaction,
		V:           RequiredVersion,
		Data:        data,
	}
	_, _ = e.Sender.Send(ctx, env, 0)
	group := rec.Group
	e.localHangup(user, "")
	if e.Events != nil {
		e.Events.Dispatch(events.Hangup, events.CallPayload{User: user, Group: group, Reason: reason})
	}
	return nil
}

// DoGroup joins or creates a group call.
func (e *Engine) DoGroup(ctx context.Context, group string) (string, error) {
	s := e.Session
	s.mu.Lock()
	if s.Channel != "" {
		s.mu.Unlock()
		return "", ErrAlreadyHaveChannel
	}
	// CID marks this as the group's own bookkeeping record so DoMesh/
	// ResetMesh (which partition ordinary peers only) never treat it as a
	// removable/addable mesh member; it still lives in s.Peers so a full
	// DoHangup can target the group id directly.
	rec := &PeerRecord{ID: group, User: group, Group: group, CID: "group-record", State: newNonce(), Initiator: true, Reconnect: true}
	s.Peers[group] = rec
	s.GroupID = group
	s.mu.Unlock()

	env := transport.Envelope{
		Type:    transport.TypeWebRTC,
		Subtype: transport.SubtypeGroup,
		Target:  group,
		Group:   group,
		State:   rec.State,
		V:       RequiredVersion,
	}
	reply, err := e.Sender.Send(ctx, env, callReplyTimeout)
	if err != nil {
		return "", fmt.Errorf("doGroup %s: %w", group, err)
	}
	rec.Hash = reply.Hash
	s.mu.Lock()
	s.Channel = reply.Channel
	s.mu.Unlock()

	if e.NewGroup != nil {
		e.NewGroup(rec)
	}

	e.handleWebRTCMessage(ctx, reply)
	return s.Channel, nil
}

// RefreshGroup re-issues webrtc_group for an already-established group and
// replays the reply through the inbound handling. Unlike DoGroup it does
// not require the channel to be clear; it is the recovery path run when
// the current user reappears in the member set after a reconnection.
func (e *Engine) RefreshGroup(ctx context.Context, group string) error {
	s := e.Session
	s.mu.Lock()
	rec, ok := s.Peers[group]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}

	env := transport.Envelope{
		Type:    transport.TypeWebRTC,
		Subtype: transport.SubtypeGroup,
		Target:  group,
		Group:   group,
		State:   rec.State,
		Hash:    rec.Hash,
		V:       RequiredVersion,
	}
	reply, err := e.Sender.Send(ctx, env, callReplyTimeout)
	if err != nil {
		return fmt.Errorf("refreshGroup %s: %w", group, err)
	}
	if reply.Hash != "" {
		rec.Hash = reply.Hash
	}
	s.mu.Lock()
	if reply.Channel != "" {
		s.Channel = reply.Channel
	}
	s.mu.Unlock()

	e.handleWebRTCMessage(ctx, reply)
	return nil
}

// DoHangup tears down a single peer (user != "") or the whole channel
// (user == ""). An empty reason performs a local-only hangup: the state
// transition happens but no webrtc_hangup envelope is sent.
func (e *Engine) DoHangup(ctx context.Context, user, reason string) (string, error) {
	s := e.Session
	if user != "" {
		s.mu.Lock()
		_, ok := s.Peers[user]
		ch := s.Channel
		s.mu.Unlock()
		if !ok {
			return "", ErrUnknownPeer
		}
		e.hangupPeer(ctx, user, reason, ch)
		return ch, nil
	}

	s.mu.Lock()
	ch := s.Channel
	peers := make([]string, 0, len(s.Peers))
	for id := range s.Peers {
		peers = append(peers, id)
	}
	groupID := s.GroupID
	s.Channel = ""
	s.GroupID = ""
	s.ChannelOptions = ChannelOptions{}
	s.mu.Unlock()

	if groupID != "" {
		e.hangupPeer(ctx, groupID, reason, ch)
	}
	for _, id := range peers {
		if id == groupID {
			continue
		}
		e.hangupPeer(ctx, id, reason, ch)
	}
	return ch, nil
}

// hangupPeer sends the server-side webrtc_hangup (unless reason == "",
// which is local-only) and always performs the local teardown. channel is
// the channel being torn down, captured by the caller: on a full hangup
// the session's own channel is already cleared by the time each peer is
// hung up, so it cannot be re-read here.
func (e *Engine) hangupPeer(ctx context.Context, user, reason, channel string) {
	s := e.Session
	s.mu.Lock()
	rec, ok := s.Peers[user]
	s.mu.Unlock()
	if !ok {
		return
	}
	if reason != "" {
		env := transport.Envelope{
			Type:    transport.TypeWebRTC,
			Subtype: transport.SubtypeHangup,
			Target:  user,
			Channel: channel,
			State:   rec.State,
			V:       RequiredVersion,
		}
		_, _ = e.Sender.Send(ctx, env, 0)
	}
	group := rec.Group
	e.localHangup(user, reason)
	if e.Events != nil {
		e.Events.Dispatch(events.Hangup, events.CallPayload{User: user, Group: group, Reason: reason})
	}
}

// localHangup removes the peer record and destroys its pc (if any). It does
// not dispatch a Hangup event; callers (hangupPeer for local-initiator
// paths, handleWebRTCHangup for remote-initiated ones) own that.
func (e *Engine) localHangup(user, reason string) {
	s := e.Session
	s.mu.Lock()
	rec, ok := s.Peers[user]
	if ok {
		delete(s.Peers, user)
		if s.ChannelOptions.LocalStreamTarget == rec {
			s.ChannelOptions.LocalStreamTarget = nil
		}
	}
	if len(s.Peers) == 0 {
		s.Channel = ""
		s.GroupID = ""
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if rec.PC != nil {
		_ = rec.PC.Destroy()
	}
	if e.P2P != nil {
		e.P2P.OnPeerClose(rec.ID)
	}
}

// SetLocalStream updates the local media stream, re-attaching it on every
// peer the stream is targeted at.
func (e *Engine) SetLocalStream(stream peer.Stream) {
	s := e.Session
	s.mu.Lock()
	old := s.LocalStream
	s.LocalStream = stream
	records := make([]*PeerRecord, 0, len(s.Peers))
	for _, r := range s.Peers {
		if e.isLocalStreamTarget(r) {
			records = append(records, r)
		}
	}
	s.mu.Unlock()

	for _, r := range records {
		if r.PC == nil {
			continue
		}
		if old != nil {
			_ = r.PC.RemoveStream(old)
		}
		if stream != nil {
			_ = r.PC.AddStream(stream)
		}
	}
}

// Mute enables or disables the first track of the selected kind on the
// local stream.
func (e *Engine) Mute(video, mute bool) {
	s := e.Session
	s.mu.Lock()
	stream := s.LocalStream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	kind := "audio"
	if video {
		kind = "video"
	}
	for _, t := range stream.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(!mute)
			return
		}
	}
}
