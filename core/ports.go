package core

import (
	"context"
	"time"
)

// The hub talks to every external collaborator through these ports. All are
// injected; the core never constructs a concrete implementation.

// IdentityPort verifies bearer credentials and serves the social graph view.
type IdentityPort interface {
	// Verify resolves a bearer token to a verified identity, or an error of
	// kind Unauthorized.
	Verify(ctx context.Context, token string) (*Identity, error)
	// Relations returns the follower/blocked/dm-policy view for an identity.
	Relations(ctx context.Context, id string) (*Relations, error)
	// Get resolves an identity by id.
	Get(ctx context.Context, id string) (*Identity, error)
	// TouchLastSeen records activity; best effort.
	TouchLastSeen(ctx context.Context, id string, at time.Time)
}

// HistoryPage is a cursor-paged slice of a room's message history.
type HistoryPage struct {
	Messages   []Message
	NextCursor uint64
}

// StreamSnapshot is the durable mirror of a stream room's counters, flushed
// on end and periodically while live.
type StreamSnapshot struct {
	StreamID    string
	State       StreamState
	ViewerCount int
	PeakViewers int
	TotalViews  int
	Reactions   map[string]int
	Donations   int
	StartedAt   time.Time
	EndedAt     time.Time
}

// BanRecord is one ban-list entry. A zero ExpiresAt means permanent.
type BanRecord struct {
	StreamID  string
	Identity  string
	Reason    string
	ExpiresAt time.Time
}

// StorePort is the durable store. Writes are single-row and idempotent:
// PersistMessage dedupes on the client-supplied key, UpsertReaction is
// set-based, status updates are monotonic.
type StorePort interface {
	// PersistMessage stores m keyed by its dedupe key. If the key was seen
	// before with the same body it returns the previously stored message and
	// ok=false; a same-key different-body write is a Conflict.
	PersistMessage(ctx context.Context, m *Message) (stored *Message, created bool, err error)
	// UpdateStatus advances a message's status. Regressions are ignored.
	UpdateStatus(ctx context.Context, messageID string, status MessageStatus) error
	// UpsertReaction records (messageID, identity, emoji) presence.
	UpsertReaction(ctx context.Context, messageID, identity, emoji string, present bool) error
	// MarkEdited replaces the body and bumps edited-at.
	MarkEdited(ctx context.Context, messageID string, body MessageBody, at time.Time) error
	// MarkDeleted tombstones the message, clearing its body.
	MarkDeleted(ctx context.Context, messageID string, at time.Time) error
	// LoadHistory returns messages of a room with seq > cursor, oldest
	// first, at most limit.
	LoadHistory(ctx context.Context, roomID string, cursor uint64, limit int) (*HistoryPage, error)
	// RecordStreamSnapshot mirrors stream counters.
	RecordStreamSnapshot(ctx context.Context, snap *StreamSnapshot) error
	// AddBan / RemoveBan / ListBans manage the durable ban list.
	AddBan(ctx context.Context, ban *BanRecord) error
	RemoveBan(ctx context.Context, streamID, identity string) error
	ListBans(ctx context.Context, streamID string) ([]BanRecord, error)
	// RecordDonation appends one settled donation event.
	RecordDonation(ctx context.Context, streamID string, d *Donation) error
}

// PushNotice is a push-notification request. Dispatch is best effort and
// never fails the originating operation.
type PushNotice struct {
	Target  string
	Title   string
	Body    string
	RoomID  string
	Payload map[string]string
}

type PushPort interface {
	Dispatch(ctx context.Context, n *PushNotice) error
}

// BlobPort stores media attachments (voice, image, video, file).
type BlobPort interface {
	Put(ctx context.Context, data []byte, mime string) (url string, err error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// AIReply is a generated auto-reply with provider metadata.
type AIReply struct {
	Text        string
	Provider    string
	Personality string
	// Confidence is in [0,1].
	Confidence float64
}

type AIPort interface {
	Generate(ctx context.Context, receiverID string, history []Message, personality string) (*AIReply, error)
}
