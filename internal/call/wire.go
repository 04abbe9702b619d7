package call

import (
	"github.com/virtco/meetcore/internal/peer"
	"github.com/virtco/meetcore/internal/transport"
)

// toPeerSignal converts a wire-format signal payload into the Peer
// provider's SignalData.
func toPeerSignal(w transport.SignalData) peer.SignalData {
	var cand *peer.CandidateInit
	if w.Candidate != nil {
		cand = &peer.CandidateInit{
			Candidate:     w.Candidate.Candidate,
			SDPMid:        w.Candidate.SDPMid,
			SDPMLineIndex: w.Candidate.SDPMLineIndex,
		}
	}
	return peer.SignalData{
		SDPType:     w.SDPType,
		SDP:         w.SDP,
		Candidate:   cand,
		Renegotiate: w.Renegotiate,
		Noop:        w.Noop,
	}
}

// toWireSignal converts a Peer provider's outbound SignalData into the
// wire-format payload of a webrtc_signal envelope.
func toWireSignal(p peer.SignalData) transport.SignalData {
	var cand *transport.CandidateInit
	if p.Candidate != nil {
		cand = &transport.CandidateInit{
			Candidate:     p.Candidate.Candidate,
			SDPMid:        p.Candidate.SDPMid,
			SDPMLineIndex: p.Candidate.SDPMLineIndex,
		}
	}
	return transport.SignalData{
		SDPType:     p.SDPType,
		SDP:         p.SDP,
		Candidate:   cand,
		Renegotiate: p.Renegotiate,
		Noop:        p.Noop,
	}
}
