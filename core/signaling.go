package core

import (
	"encoding/json"
	"time"
)

// SignalPayload is the body of offer/answer/ice frames. The hub never
// parses the SDP or candidate; it rewrites From to the authenticated sender
// and forwards.
type SignalPayload struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	StreamID  string          `json:"stream_id"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// SignalRelay forwards WebRTC signaling frames between identified peers of
// the same stream room. Purely stateless; media never touches the hub.
type SignalRelay struct {
	registry *Registry
}

func NewSignalRelay(registry *Registry) *SignalRelay {
	return &SignalRelay{registry: registry}
}

// Relay verifies the sender identity, checks that both peers participate in
// the stream, and forwards the frame to every connection of the target in
// that stream. Loss of an ICE frame is tolerated; an offer or answer with no
// live target connection is Undeliverable.
func (rl *SignalRelay) Relay(kind FrameKind, sender string, room *StreamRoom, p *SignalPayload) error {
	if p.From != "" && p.From != sender {
		return NewError(KindForbidden, "signal sender does not match connection identity")
	}
	p.From = sender
	if !room.IsParticipant(sender) || !room.IsParticipant(p.To) {
		return NewError(KindForbidden, "both peers must be in the stream")
	}

	targets := rl.registry.RoomConnsOf(room.ID, p.To)
	if len(targets) == 0 && p.To == room.Host {
		// The host signals without being a counted viewer.
		targets = rl.registry.ConnectionsOf(p.To)
	}
	if len(targets) == 0 {
		if kind == KICE {
			return nil
		}
		return ErrPeerOffline
	}

	b, err := json.Marshal(p)
	if err != nil {
		return WrapError(KindBadFrame, "marshal signal", err)
	}
	f := &Frame{Kind: kind, Room: room.ID, TS: time.Now().UnixMilli(), Data: b}
	sent := false
	for _, c := range targets {
		if c.TrySend(f) {
			sent = true
		}
	}
	if !sent && kind != KICE {
		return ErrPeerOffline
	}
	return nil
}
