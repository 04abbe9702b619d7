// Package call implements the call engine: the active channel, the peer
// table, the call/group/pipeline state machine, and the handling of
// inbound/outbound `webrtc` envelopes. It also hosts the peer factory
// (factory.go) since the two are cyclically coupled: the factory looks
// peer records up by id rather than holding pointers, so pc replacement
// on recovery is a table lookup.
package call

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/transport"
)

// PeerRecord is one entry of the peer table.
type PeerRecord struct {
	ID          string
	User        string
	Group       string
	CID         string // non-empty marks a special peer, e.g. "mcu-forward"
	Initiator   bool
	State       string
	Ref         string
	Hash        string
	Transaction string
	PC          peer.Peer
	RPCID       string
	Profile     any
	Reconnect   bool
}

// IsSpecial reports whether this record is a non-ordinary peer (pipeline
// forward, etc.) excluded from mesh accounting.
func (r *PeerRecord) IsSpecial() bool { return r != nil && r.CID != "" }

// ChannelOptions holds per-channel settings: currently just the
// local-stream routing restriction used by pipeline mode.
type ChannelOptions struct {
	LocalStreamTarget *PeerRecord
}

// Session is the engine's top-level mutable state.
type Session struct {
	mu sync.Mutex

	User              string
	Channel           string
	ChannelOptions    ChannelOptions
	GroupID           string
	Peers             map[string]*PeerRecord
	LocalStream       peer.Stream
	LocalStreamTarget *PeerRecord
}

// NewSession returns an empty Session with an initialized peer table.
func NewSession() *Session {
	return &Session{Peers: make(map[string]*PeerRecord)}
}

// SetUser records the session's own user identity, as learned from a
// `hello` envelope.
func (s *Session) SetUser(id string) {
	s.mu.Lock()
	s.User = id
	s.mu.Unlock()
}

// HasChannel reports whether a channel is currently active.
func (s *Session) HasChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Channel != ""
}

// newNonce returns a 12-hex-char locally generated state nonce.
func newNonce() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// computeInitiator elects the call initiator: the endpoint with the
// lexicographically larger user id wins; ties resolve to true.
func computeInitiator(self, other string) bool {
	return self >= other
}

// invariant: channel == "" iff peers empty and group unset and
// channelOptions empty.
func (s *Session) invariantHolds() bool {
	empty := s.Channel == ""
	peersEmpty := len(s.Peers) == 0
	groupEmpty := s.GroupID == ""
	optsEmpty := s.ChannelOptions.LocalStreamTarget == nil
	return empty == (peersEmpty && groupEmpty && optsEmpty)
}

// SortedMembers returns a lexicographically sorted copy of members.
func SortedMembers(members []string) []string {
	out := append([]string(nil), members...)
	sort.Strings(out)
	return out
}

// Sender is the narrow surface the Call Engine needs from the Transport
// Client: send an envelope, optionally waiting for its reply.
type Sender interface {
	Send(ctx context.Context, env transport.Envelope, timeout time.Duration) (transport.Envelope, error)
}
