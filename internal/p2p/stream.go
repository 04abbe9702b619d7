package p2p

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/virtco/meetcore/internal/peer"
)

// KindScreenshare is the only stream kind negotiated so far.
const KindScreenshare = "screenshare"

// StreamOptions configures a per-stream sub-connection's media direction:
// screenshare sends the local stream if attached, otherwise adds a
// recv-only video transceiver.
type StreamOptions struct {
	Kind   string
	Stream peer.Stream // non-nil when we are the sender of this stream
}

// SubConnection is a dedicated Peer created for one (P2PRecord, Stream)
// pair, signaling over the parent's data channel instead of the server.
type SubConnection struct {
	PC    peer.Peer
	RPCID string
}

// StreamRecord tracks one announced stream within a P2PRecord's stream
// table. Token is the routing key embedded in nested `source` fields.
type StreamRecord struct {
	ID          string
	Kind        string
	Token       string
	Sequence    int
	Stream      peer.Stream
	Connections map[string]*SubConnection // keyed by the P2PRecord id of the peer each sub-connection runs to
	Options     StreamOptions
}

// newToken returns a 16-hex-char per-stream routing key.
func newToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
