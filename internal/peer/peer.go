// Package peer abstracts the media engine behind a narrow "Peer provider"
// capability set: peer connections that can be signaled, carry media
// streams and a data channel, and surface their lifecycle as events. The
// concrete provider is backed by github.com/pion/webrtc/v4.
package peer

import "time"

// ICEServer mirrors webrtc.ICEServer without requiring callers outside
// this package to import pion directly.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// CandidateInit is a single trickled ICE candidate.
type CandidateInit struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// SignalData is the payload exchanged over webrtc_signal envelopes and the
// P2P side-channel's nested webrtc/webrtc_signal messages.
type SignalData struct {
	SDPType     string // "offer" | "answer" | ""
	SDP         string
	Candidate   *CandidateInit
	Renegotiate bool
	Noop        bool
}

// Stream abstracts a local or remote media stream. The engine never
// inspects a Stream's contents; it only attaches/detaches it to Peers and,
// for mute(), walks its Tracks.
type Stream interface {
	ID() string
	Tracks() []Track
}

// Track abstracts a single media track within a Stream.
type Track interface {
	Kind() string // "audio" | "video"
	Enabled() bool
	SetEnabled(bool)
}

// Config configures a new Peer.
type Config struct {
	ICEServers   []ICEServer
	Initiator    bool
	Streams      []Stream
	SDPTransform func(sdp string) string
	Trickle      bool
	ChannelName  string
	ObjectMode   bool

	// WantRecvKinds requests a recv-only transceiver per listed track kind
	// ("audio"/"video") when no Stream of that kind is being sent, as the
	// receive side of a screenshare sub-connection does.
	WantRecvKinds []string
}

// Peer is the media engine's capability set: operations, events
// (registered via On* setters), and four read-only properties.
type Peer interface {
	LocalID() string
	Initiator() bool
	Connected() bool
	Destroyed() bool

	Signal(data SignalData) error
	Send(data []byte) error
	AddStream(s Stream) error
	RemoveStream(s Stream) error
	AddTrack(t Track, s Stream) error
	RemoveTrack(t Track, s Stream) error
	Destroy() error

	OnSignal(func(SignalData))
	OnConnect(func())
	OnClose(func())
	OnError(func(error))
	OnData(func([]byte))
	OnStream(func(Stream))
	OnTrack(func(Track, Stream))
	OnICEStateChange(func(string))
	OnSignalingStateChange(func(string))
}

// Provider constructs Peers. Swapping this out is how a test replaces the
// pion-backed implementation with a loopback/fake one.
type Provider interface {
	New(cfg Config) (Peer, error)
}

// RecoveryDelay is the fixed delay before a failed pc is recreated.
const RecoveryDelay = 500 * time.Millisecond
