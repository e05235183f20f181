package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// FrameKind is the closed set of frame kinds the hub speaks. Unknown kinds
// are rejected with BadFrame.
type FrameKind string

// Client → server control frames.
const (
	KHello          FrameKind = "hello"
	KJoinRoom       FrameKind = "join-room"
	KLeaveRoom      FrameKind = "leave-room"
	KSend           FrameKind = "send"
	KReact          FrameKind = "react"
	KEdit           FrameKind = "edit"
	KDelete         FrameKind = "delete"
	KRead           FrameKind = "read"
	KTyping         FrameKind = "typing"
	KCreateStream   FrameKind = "create-stream"
	KStartStream    FrameKind = "start-stream"
	KEndStream      FrameKind = "end-stream"
	KJoinStream     FrameKind = "join-stream"
	KLeaveStream    FrameKind = "leave-stream"
	KOffer          FrameKind = "offer"
	KAnswer         FrameKind = "answer"
	KICE            FrameKind = "ice"
	KStreamChat     FrameKind = "stream-chat"
	KStreamReaction FrameKind = "stream-reaction"
	KDonate         FrameKind = "donate"
	KBan            FrameKind = "ban"
	KUnban          FrameKind = "unban"
	KTimeoutUser    FrameKind = "timeout"
	KGrantMod       FrameKind = "grant-mod"
	KRevokeMod      FrameKind = "revoke-mod"
)

// Server → client event frames.
const (
	KWelcome         FrameKind = "welcome"
	KMessageCreated  FrameKind = "message-created"
	KMessageEdited   FrameKind = "message-edited"
	KMessageDeleted  FrameKind = "message-deleted"
	KReactionChanged FrameKind = "reaction-changed"
	KReadReceipt     FrameKind = "read-receipt"
	KReadProgress    FrameKind = "read-progress"
	KPresence        FrameKind = "presence"
	KStreamCreated   FrameKind = "stream-created"
	KStreamLive      FrameKind = "stream-live"
	KStreamEnded     FrameKind = "stream-ended"
	KViewerJoined    FrameKind = "viewer-joined"
	KViewerLeft      FrameKind = "viewer-left"
	KViewerCount     FrameKind = "viewer-count"
	KDonation        FrameKind = "donation"
	KBanned          FrameKind = "banned"
	KModeration      FrameKind = "moderation-event"
	KThrottle        FrameKind = "throttle"
	KError           FrameKind = "error"
)

var clientKinds = map[FrameKind]bool{
	KHello: true, KJoinRoom: true, KLeaveRoom: true, KSend: true,
	KReact: true, KEdit: true, KDelete: true, KRead: true, KTyping: true,
	KCreateStream: true, KStartStream: true, KEndStream: true,
	KJoinStream: true, KLeaveStream: true, KOffer: true, KAnswer: true,
	KICE: true, KStreamChat: true, KStreamReaction: true, KDonate: true,
	KBan: true, KUnban: true, KTimeoutUser: true, KGrantMod: true,
	KRevokeMod: true,
}

// ControlPlane reports whether an inbound kind is a control-plane frame for
// rate-limiting purposes; the rest of the client kinds are data-plane.
func (k FrameKind) ControlPlane() bool {
	switch k {
	case KJoinRoom, KLeaveRoom, KCreateStream, KStartStream, KEndStream,
		KJoinStream, KLeaveStream:
		return true
	}
	return false
}

// Frame is the wire envelope. Outbound broadcast frames carry the room's
// monotonic Seq; direct replies carry the originating CID instead.
type Frame struct {
	Kind FrameKind       `json:"k"`
	CID  string          `json:"cid,omitempty"`
	Room string          `json:"room,omitempty"`
	Seq  uint64          `json:"seq,omitempty"`
	TS   int64           `json:"ts,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Sender is attached by the transport after authentication; it never comes
// from the wire.
type InFrame struct {
	Frame
	Sender string `json:"-"`
	ConnID int64  `json:"-"`
}

// DecodeFrame reads a single frame from r, enforcing the max byte limit.
// One byte over the limit is a BadFrame.
func DecodeFrame(r io.Reader, maxBytes int64, f *Frame) error {
	lr := &io.LimitedReader{R: r, N: maxBytes + 1}
	if err := json.NewDecoder(lr).Decode(f); err != nil {
		if lr.N <= 0 {
			return ErrFrameTooLarge
		}
		return WrapError(KindBadFrame, "malformed frame", err)
	}
	if lr.N <= 0 {
		return ErrFrameTooLarge
	}
	if !clientKinds[f.Kind] {
		return NewErrorf(KindBadFrame, "unknown frame kind %q", f.Kind)
	}
	return nil
}

func EncodeFrame(w io.Writer, f *Frame) error {
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

// NewEvent builds an outbound broadcast frame. The payload is marshalled
// eagerly so a bad payload surfaces at emit time, not in the write loop.
func NewEvent(kind FrameKind, room string, seq uint64, payload interface{}) (*Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Frame{
		Kind: kind,
		Room: room,
		Seq:  seq,
		TS:   time.Now().UnixMilli(),
		Data: b,
	}, nil
}

// NewReply builds a direct reply correlated to the originating frame.
func NewReply(kind FrameKind, cid string, payload interface{}) (*Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Frame{Kind: kind, CID: cid, TS: time.Now().UnixMilli(), Data: b}, nil
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Kind         Kind   `json:"kind"`
	Message      string `json:"message,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// NewErrorFrame converts err into the single error frame owed to a control
// frame, correlated by cid.
func NewErrorFrame(cid string, err error) *Frame {
	payload := ErrorPayload{Kind: KindUnavailable, Message: "internal error"}
	var e *Error
	if errors.As(err, &e) {
		payload.Kind = e.Kind
		payload.Message = e.Public()
		payload.RetryAfterMS = e.RetryAfterMS
	}
	b, _ := json.Marshal(payload)
	return &Frame{Kind: KError, CID: cid, TS: time.Now().UnixMilli(), Data: b}
}

// Critical reports whether an event frame must not be dropped under
// backpressure. Non-critical events (typing, presence, counters, reaction
// ticks) are shed first on a congested connection.
func Critical(kind FrameKind) bool {
	switch kind {
	case KTyping, KPresence, KViewerCount, KStreamReaction, KReactionChanged:
		return false
	}
	return true
}
