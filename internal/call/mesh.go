package call

import (
	"context"

	"github.com/virtco/meetcore/internal/events"
	"github.com/virtco/meetcore/internal/logger"
)

// GroupRecord is the narrow view of the group's PeerRecord the mesh
// operation needs: its group id, hash and id-as-state-token.
type GroupRecord struct {
	Group string
	Hash  string
	ID    string
}

// ResetMesh locally hangs up every ordinary (non-special) peer without
// requiring the current user to be present in any target set. The group
// coordinator's reset path runs it ahead of reconciling to a fresh
// membership list via DoMesh.
func (e *Engine) ResetMesh() {
	s := e.Session
	s.mu.Lock()
	var ids []string
	for id, rec := range s.Peers {
		if !rec.IsSpecial() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		e.localHangup(id, "")
	}
}

// DoMesh reconciles the peer table (ordinary peers only; records with a
// non-empty CID, e.g. the pipeline peer, are excluded) to exactly `users`.
// The current user must be a member of `users`. Answer failures are
// logged and surfaced via the Error event but do not abort the batch.
func (e *Engine) DoMesh(ctx context.Context, users []string, group GroupRecord) error {
	s := e.Session
	s.mu.Lock()
	self := s.User
	channel := s.Channel
	s.mu.Unlock()
	if channel == "" {
		return ErrNoChannel
	}

	inUsers := make(map[string]bool, len(users))
	foundSelf := false
	for _, u := range users {
		inUsers[u] = true
		if u == self {
			foundSelf = true
		}
	}
	if !foundSelf {
		return ErrMeshWithoutSelf
	}

	s.mu.Lock()
	var removed []string
	existing := make(map[string]bool)
	for id, rec := range s.Peers {
		if rec.IsSpecial() {
			continue
		}
		existing[id] = true
		if !inUsers[id] {
			removed = append(removed, id)
		}
	}
	var added []string
	for u := range inUsers {
		if u == self {
			continue
		}
		rec, ok := s.Peers[u]
		if !ok || rec.PC == nil {
			added = append(added, u)
		}
	}
	s.mu.Unlock()

	for _, user := range removed {
		e.localHangup(user, "")
	}

	for _, user := range added {
		rec := &PeerRecord{
			ID: user, User: user, Group: group.Group,
			Hash: group.Hash, Ref: group.ID, State: group.ID, Reconnect: true,
		}
		s.mu.Lock()
		s.Peers[user] = rec
		s.mu.Unlock()

		if err := e.DoAnswer(ctx, user); err != nil {
			logger.Debug("call: mesh answer failed", "user", user, "err", err)
			if e.Events != nil {
				e.Events.Dispatch(events.Error, events.ErrorPayload{Code: "mesh_answer_failed", Message: err.Error()})
			}
		}
	}
	return nil
}
