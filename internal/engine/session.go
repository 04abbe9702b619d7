// Package engine implements the session controller: top-level lifecycle,
// hello handling, and routing of inbound envelopes to the call engine
// (and, when configured, an external chat sink).
package engine

import (
	"context"
	"encoding/json"

	"github.com/virtco/meetcore/internal/call"
	"github.com/virtco/meetcore/internal/events"
	"github.com/virtco/meetcore/internal/group"
	"github.com/virtco/meetcore/internal/logger"
	"github.com/virtco/meetcore/internal/p2p"
	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/transport"
)

// ChatSink is the external chat collaborator; the session controller only
// routes `chats` envelopes to it.
type ChatSink interface {
	HandleChats(raw json.RawMessage)
}

// Controller is the session controller.
type Controller struct {
	Transport *transport.Client
	Call      *call.Engine
	P2P       *p2p.Controller
	Chat      ChatSink
	Events    *events.Dispatcher

	self string
}

// New wires transport, call, and p2p together under one shared event
// dispatcher and installs the envelope routing handlers.
func New(t *transport.Client, c *call.Engine, p *p2p.Controller) *Controller {
	ctrl := &Controller{Transport: t, Call: c, P2P: p, Events: events.NewDispatcher()}
	t.Events = ctrl.Events
	c.Events = ctrl.Events
	c.P2P = p
	c.NewGroup = func(rec *call.PeerRecord) { group.New(c, rec) }

	ctrl.Events.On(events.Message, ctrl.handleMessage)
	ctrl.Events.On(events.TurnChanged, ctrl.handleTurnChanged)
	return ctrl
}

// handleTurnChanged feeds a refreshed TURN credential bundle to the call
// engine's ICE server list, unless a handler cancelled it.
func (ctrl *Controller) handleTurnChanged(payload any) {
	tc, ok := payload.(*events.TurnChangedPayload)
	if !ok || tc.Cancel {
		return
	}
	ctrl.Call.SetICEServers([]peer.ICEServer{{URLs: tc.URIs, Username: tc.Username, Credential: tc.Password}})
}

func (ctrl *Controller) handleMessage(payload any) {
	env, ok := payload.(transport.Envelope)
	if !ok {
		return
	}
	if env.ReplyTo != 0 {
		return // already resolved by the transport's reply matcher
	}

	switch env.Type {
	case transport.TypeHello:
		ctrl.handleHello(env)
	case transport.TypeWebRTC:
		ctrl.Call.HandleInbound(context.Background(), env)
	case transport.TypeChats:
		if ctrl.Chat != nil {
			ctrl.Chat.HandleChats(env.Chats)
		}
	case transport.TypeError:
		if ctrl.Events != nil && env.ErrorInfo != nil {
			ctrl.Events.Dispatch(events.Error, events.ErrorPayload{Code: env.ErrorInfo.Code, Message: env.ErrorInfo.Msg})
		}
	case transport.TypeGoodbye:
		ctrl.Transport.ForceReconnect(1)
	default:
		logger.Debug("session: unrecognised envelope type", "type", env.Type)
	}
}

// handleHello records the session's own identity and reacts to identity
// changes: a different user with a live channel forces a full hangup; a
// user still in the active group triggers a group refresh.
func (ctrl *Controller) handleHello(env transport.Envelope) {
	if env.Self == nil {
		return
	}
	prior := ctrl.self
	ctrl.self = env.Self.ID

	hadChannel := ctrl.Call.Session.HasChannel()
	ctrl.Call.Session.SetUser(env.Self.ID)

	if prior != "" && hadChannel && prior != env.Self.ID {
		_, _ = ctrl.Call.DoHangup(context.Background(), "", "")
		return
	}

	if ctrl.Call.Group == nil {
		return
	}
	for _, m := range ctrl.Call.Group.MemberList() {
		if m == env.Self.ID {
			ctrl.refreshGroup()
			return
		}
	}
}

// refreshGroup re-issues webrtc_group for the active group and replays the
// reply through the call engine's inbound handling.
func (ctrl *Controller) refreshGroup() {
	g, ok := ctrl.Call.Group.(*group.Coordinator)
	if !ok {
		return
	}
	g.Refresh(context.Background())
}
