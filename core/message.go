package core

import (
	"time"
)

// MessageKind discriminates the message body. Dispatch on it is exhaustive;
// there is no dynamic dispatch in the pipeline.
type MessageKind string

const (
	TextMessage   MessageKind = "text"
	EmojiMessage  MessageKind = "emoji"
	VoiceMessage  MessageKind = "voice"
	ImageMessage  MessageKind = "image"
	VideoMessage  MessageKind = "video"
	FileMessage   MessageKind = "file"
	AIMessage     MessageKind = "ai-response"
	SystemMessage MessageKind = "system"
)

// MessageStatus is monotonic along sending → sent → delivered → read, or
// sending → failed.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    1,
}

// Advances reports whether moving from to next is a legal forward
// transition. failed is terminal and only reachable from sending.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if s == StatusFailed || next == s {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	return statusRank[next] > statusRank[s]
}

// Attachment describes blob-backed bodies (image, video, file).
type Attachment struct {
	URL      string `json:"url"`
	Mime     string `json:"mime,omitempty"`
	Name     string `json:"name,omitempty"`
	SizeByte int64  `json:"size,omitempty"`
}

// Voice describes a voice-note body.
type Voice struct {
	URL        string    `json:"url"`
	DurationMS int64     `json:"duration_ms"`
	Waveform   []float64 `json:"waveform,omitempty"`
}

// AIMeta carries provider metadata on ai-response messages.
type AIMeta struct {
	Personality string  `json:"personality"`
	Provider    string  `json:"provider"`
	Confidence  float64 `json:"confidence"`
}

// MessageBody is the kind-dependent payload. Exactly one field is set for a
// given kind.
type MessageBody struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Voice      *Voice      `json:"voice,omitempty"`
	AI         *AIMeta     `json:"ai,omitempty"`
}

// Message is one chat or stream-chat message.
type Message struct {
	ID       string        `json:"id"`
	RoomID   string        `json:"room_id"`
	Sender   string        `json:"sender"`
	Kind     MessageKind   `json:"kind"`
	Body     MessageBody   `json:"body"`
	ReplyTo  string        `json:"reply_to,omitempty"`
	Status   MessageStatus `json:"status"`
	Seq      uint64        `json:"seq"`
	DedupeID string        `json:"-"`
	// ReadBy and Reactions are authoritative in the room writer; the store
	// mirrors them.
	ReadBy    map[string]bool            `json:"read_by,omitempty"`
	Reactions map[string]map[string]bool `json:"reactions,omitempty"`
	Edited    bool                       `json:"edited,omitempty"`
	EditedAt  time.Time                  `json:"edited_at,omitempty"`
	Deleted   bool                       `json:"deleted,omitempty"`
	SentAt    time.Time                  `json:"sent_at"`
}

// Tombstone clears the body in place, preserving id and kind.
func (m *Message) Tombstone(at time.Time) {
	m.Body = MessageBody{}
	m.Deleted = true
	m.EditedAt = at
}

// ReactionMultiset flattens reactions into emoji → sorted-insensitive member
// list sizes for wire payloads.
func (m *Message) ReactionMultiset() map[string][]string {
	out := make(map[string][]string, len(m.Reactions))
	for emoji, who := range m.Reactions {
		ids := make([]string, 0, len(who))
		for id := range who {
			ids = append(ids, id)
		}
		out[emoji] = ids
	}
	return out
}

// Donation is one settled donation forwarded into a stream room.
type Donation struct {
	Donor    string    `json:"donor"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	Message  string    `json:"message,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}
