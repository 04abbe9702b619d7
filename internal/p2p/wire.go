// Package p2p implements the peer-to-peer side channel: a JSON protocol
// carried over each established Peer's data channel providing a handshake,
// a stream-announcement protocol, and nested WebRTC signaling for
// auxiliary streams (e.g. screen share) negotiated directly peer-to-peer
// without traversing the server.
package p2p

import "encoding/json"

// ProtocolVersion is the `v` carried on every p2p/webrtc envelope.
const ProtocolVersion = 1

// Envelope is the JSON message exchanged over a data channel.
type Envelope struct {
	Type    string          `json:"type"` // "p2p" | "webrtc"
	Subtype string          `json:"subtype"`
	Source  string          `json:"source,omitempty"` // stream token, for webrtc/webrtc_signal
	V       int             `json:"v,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	TypeP2P    = "p2p"
	TypeWebRTC = "webrtc"

	SubtypeHandshake       = "handshake"
	SubtypeHandshakeReply  = "handshake_reply"
	SubtypeAnnounceStreams = "announce_streams"
	SubtypeSignal          = "webrtc_signal"
)

// HandshakeData is the payload of a "handshake" envelope.
type HandshakeData struct {
	TS             int64               `json:"ts"`
	V              int                 `json:"v"`
	HandshakeReply *HandshakeReplyData `json:"handshakeReply,omitempty"`
}

// HandshakeReplyData is the payload of a "handshake_reply" envelope, or the
// piggybacked reply nested inside a "handshake" envelope's data.
type HandshakeReplyData struct {
	TS int64 `json:"ts"`
	V  int   `json:"v"`
}

// StreamAnnouncement is one entry of an "announce_streams" list.
type StreamAnnouncement struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Token string `json:"token"`
	V     int    `json:"v"`
}

// SignalPayload is the `data` of a nested "webrtc"/"webrtc_signal"
// envelope; it reuses the same shape as the server-side signal payload.
type SignalPayload struct {
	SDPType     string         `json:"sdpType,omitempty"`
	SDP         string         `json:"sdp,omitempty"`
	Candidate   *CandidateInit `json:"candidate,omitempty"`
	Renegotiate bool           `json:"renegotiate,omitempty"`
	Noop        bool           `json:"noop,omitempty"`
	PCID        string         `json:"pcid,omitempty"`
}

// CandidateInit mirrors transport.CandidateInit for the nested protocol.
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}
