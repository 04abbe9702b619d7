// Package group implements the group coordinator: given a member set for
// a group, it drives the call engine's mesh operation to converge the peer
// table to a full mesh, and handles the reset-then-reconcile path.
package group

import (
	"context"

	"github.com/virtco/meetcore/internal/call"
	"github.com/virtco/meetcore/internal/logger"
	"github.com/virtco/meetcore/internal/transport"
)

// Coordinator is bound to a single group's PeerRecord for the lifetime of
// the channel. It is installed as the call engine's GroupSink by the
// session controller once DoGroup has received the webrtc_group reply
// (call.Engine.NewGroup hook).
type Coordinator struct {
	engine *call.Engine
	rec    *call.PeerRecord

	ID      string
	Channel string
	Members []string
}

// New builds a Coordinator bound to rec and installs it on engine.
func New(engine *call.Engine, rec *call.PeerRecord) *Coordinator {
	c := &Coordinator{engine: engine, rec: rec, ID: rec.Group}
	engine.Group = c
	return c
}

// GroupID implements call.GroupSink.
func (c *Coordinator) GroupID() string { return c.ID }

// MemberList implements call.GroupSink.
func (c *Coordinator) MemberList() []string { return c.Members }

// HandleChannelData implements call.GroupSink: it is invoked by the call
// engine when a webrtc_channel envelope's `data.group` is present. Only
// data addressed to this coordinator's group id is processed.
func (c *Coordinator) HandleChannelData(data *transport.GroupChannelData) {
	if data == nil || data.Group != c.ID {
		return
	}
	members := call.SortedMembers(data.Members)
	c.Members = members

	ctx := context.Background()
	if data.Reset {
		logger.Info("group: reset requested, tearing down mesh before reconcile", "group", c.ID)
		c.engine.ResetMesh()
	}

	groupRec := call.GroupRecord{Group: c.ID, Hash: c.rec.Hash, ID: c.rec.ID}
	if err := c.engine.DoMesh(ctx, members, groupRec); err != nil {
		logger.Warn("group: mesh reconciliation failed", "group", c.ID, "err", err)
	}
}

// Refresh re-issues webrtc_group for this coordinator's group and replays
// the reply through the engine's inbound handling. The session controller
// drives it when the current user reappears in the member set after a
// reconnection.
func (c *Coordinator) Refresh(ctx context.Context) {
	if err := c.engine.RefreshGroup(ctx, c.ID); err != nil {
		logger.Warn("group: refresh failed", "group", c.ID, "err", err)
	}
}
