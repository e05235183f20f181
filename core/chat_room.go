package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RoomKind discriminates chat rooms.
type RoomKind string

const (
	DirectRoom RoomKind = "direct"
	GroupRoom  RoomKind = "group"
)

// maxTextRunes is the content policy cap on text bodies.
const maxTextRunes = 4096

// retainedMessages bounds the in-memory recent-message index used for
// reactions, edits and read watermarks. The store keeps the full history.
const retainedMessages = 512

// DirectRoomID derives the canonical id for the unordered pair {a, b}.
// Looking it up before creating enforces direct-room uniqueness.
func DirectRoomID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + "|" + b
}

// ChatRoomConfig is the slice of hub config a chat room engine needs.
type ChatRoomConfig struct {
	EditWindow   time.Duration
	DedupeWindow time.Duration
}

// ChatRoom is the room engine for direct and group rooms. Operations are
// serialized by the op lock (the single logical writer); in-memory state is
// guarded by the state lock, which is never held across a port call.
type ChatRoom struct {
	ID   string
	Kind RoomKind
	Name string

	// op serializes whole operations, including their persistence step.
	op sync.Mutex
	// st guards everything below; held only for quick reads and mutations.
	st           sync.Mutex
	seq          uint64
	members      []string
	memberSet    map[string]bool
	admins       map[string]bool
	muted        map[string]time.Time
	messages     map[string]*Message
	order        []string
	lastEventID  string
	lastActivity time.Time
	readMarks    map[string]string

	registry *Registry
	store    StorePort
	dedupe   *DedupeCache
	cfg      ChatRoomConfig
	now      func() time.Time
}

func NewChatRoom(id string, kind RoomKind, name string, members []string, registry *Registry, store StorePort, cfg ChatRoomConfig) *ChatRoom {
	r := &ChatRoom{
		ID:        id,
		Kind:      kind,
		Name:      name,
		members:   append([]string(nil), members...),
		memberSet: make(map[string]bool, len(members)),
		admins:    make(map[string]bool),
		muted:     make(map[string]time.Time),
		messages:  make(map[string]*Message),
		readMarks: make(map[string]string),
		registry:  registry,
		store:     store,
		dedupe:    NewDedupeCache(cfg.DedupeWindow),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, m := range members {
		r.memberSet[m] = true
	}
	if kind == GroupRoom && len(members) > 0 {
		r.admins[members[0]] = true
	}
	return r
}

// Members returns a snapshot of the ordered member set.
func (r *ChatRoom) Members() []string {
	r.st.Lock()
	defer r.st.Unlock()
	return append([]string(nil), r.members...)
}

func (r *ChatRoom) IsMember(id string) bool {
	r.st.Lock()
	defer r.st.Unlock()
	return r.memberSet[id]
}

// Counterpart returns the other member of a direct room.
func (r *ChatRoom) Counterpart(id string) string {
	r.st.Lock()
	defer r.st.Unlock()
	for _, m := range r.members {
		if m != id {
			return m
		}
	}
	return ""
}

// AddMember admits an identity to a group room. Direct rooms are fixed at
// their pair.
func (r *ChatRoom) AddMember(actor, id string) error {
	r.op.Lock()
	defer r.op.Unlock()
	r.st.Lock()
	defer r.st.Unlock()
	if r.Kind == DirectRoom {
		return NewError(KindForbidden, "direct rooms have a fixed pair")
	}
	if !r.admins[actor] {
		return ErrNotModerator
	}
	if r.memberSet[id] {
		return nil
	}
	r.members = append(r.members, id)
	r.memberSet[id] = true
	return nil
}

func (r *ChatRoom) RemoveMember(actor, id string) error {
	r.op.Lock()
	defer r.op.Unlock()
	r.st.Lock()
	defer r.st.Unlock()
	if r.Kind == DirectRoom {
		return NewError(KindForbidden, "direct rooms have a fixed pair")
	}
	if actor != id && !r.admins[actor] {
		return ErrNotModerator
	}
	if !r.memberSet[id] {
		return nil
	}
	delete(r.memberSet, id)
	delete(r.admins, id)
	for i, m := range r.members {
		if m == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	return nil
}

// Mute silences an identity in this room until the deadline.
func (r *ChatRoom) Mute(id string, until time.Time) {
	r.st.Lock()
	defer r.st.Unlock()
	r.muted[id] = until
}

func (r *ChatRoom) isMuted(id string) bool {
	until, ok := r.muted[id]
	if !ok {
		return false
	}
	if r.now().After(until) {
		delete(r.muted, id)
		return false
	}
	return true
}

// SendInput is one send request after frame decoding. OriginConn and CID
// identify the submitting connection so its copy of the broadcast carries
// the correlation id.
type SendInput struct {
	Sender     string
	Kind       MessageKind
	Body       MessageBody
	ReplyTo    string
	DedupeID   string
	OriginConn int64
	CID        string
}

func bodyHash(b MessageBody) string {
	raw, _ := json.Marshal(b)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (r *ChatRoom) validateBody(kind MessageKind, body MessageBody) error {
	switch kind {
	case TextMessage, EmojiMessage:
		text := strings.TrimSpace(body.Text)
		if text == "" {
			return NewError(KindPolicyRejected, "empty message body")
		}
		if len([]rune(body.Text)) > maxTextRunes {
			return NewError(KindPolicyRejected, "message body too long")
		}
	case VoiceMessage:
		if body.Voice == nil || body.Voice.URL == "" {
			return NewError(KindPolicyRejected, "voice body requires a url")
		}
	case ImageMessage, VideoMessage, FileMessage:
		if body.Attachment == nil || body.Attachment.URL == "" {
			return NewError(KindPolicyRejected, "attachment body requires a url")
		}
	case AIMessage:
		if body.AI == nil || strings.TrimSpace(body.Text) == "" {
			return NewError(KindPolicyRejected, "ai-response requires text and metadata")
		}
	case SystemMessage:
	default:
		return NewErrorf(KindBadFrame, "unknown message kind %q", kind)
	}
	return nil
}

// Send validates, persists, applies, and fans out one message. Retries with
// the same dedupe key return the originally created message; a same-key
// different-body retry is a Conflict.
func (r *ChatRoom) Send(ctx context.Context, in SendInput) (*Message, error) {
	r.op.Lock()
	defer r.op.Unlock()

	r.st.Lock()
	member := r.memberSet[in.Sender]
	muted := r.isMuted(in.Sender)
	r.st.Unlock()
	if !member {
		return nil, ErrNotMember
	}
	if muted {
		return nil, ErrMuted
	}
	if err := r.validateBody(in.Kind, in.Body); err != nil {
		return nil, err
	}

	hash := bodyHash(in.Body)
	if in.DedupeID != "" {
		if id, hit, conflict := r.dedupe.Lookup(in.Sender, in.DedupeID, hash); hit {
			if conflict {
				return nil, NewError(KindConflict, "dedupe key reused with a different body")
			}
			r.st.Lock()
			prev := r.messages[id]
			r.st.Unlock()
			if prev != nil {
				return prev, nil
			}
		}
	}

	m := &Message{
		ID:        uuid.New().String(),
		RoomID:    r.ID,
		Sender:    in.Sender,
		Kind:      in.Kind,
		Body:      in.Body,
		ReplyTo:   in.ReplyTo,
		Status:    StatusSending,
		DedupeID:  in.DedupeID,
		ReadBy:    map[string]bool{in.Sender: true},
		Reactions: make(map[string]map[string]bool),
		SentAt:    r.now(),
	}

	// Reserve the seq before persisting so the stored row carries it; the op
	// lock keeps seq order and fan-out order aligned.
	r.st.Lock()
	r.seq++
	m.Seq = r.seq
	r.st.Unlock()

	stored, created, err := r.store.PersistMessage(ctx, m)
	if err != nil {
		return nil, WrapError(KindPersistenceFailed, "persist message", err)
	}
	if !created {
		// Store-level dedupe hit from a previous process lifetime.
		return stored, nil
	}
	m.Status = StatusSent

	r.st.Lock()
	r.messages[m.ID] = m
	r.order = append(r.order, m.ID)
	r.evictOldLocked()
	r.lastEventID = m.ID
	r.lastActivity = m.SentAt
	delivered := r.fanoutMessageLocked(m, in.OriginConn, in.CID)
	r.st.Unlock()

	r.dedupe.Record(in.Sender, in.DedupeID, hash, m.ID)

	if delivered {
		r.st.Lock()
		if m.Status.Advances(StatusDelivered) {
			m.Status = StatusDelivered
		}
		r.st.Unlock()
		// Durable mirror is best effort here; the writer stays authoritative
		// and replay reconciles after a restart.
		_ = r.store.UpdateStatus(ctx, m.ID, StatusDelivered)
	}
	return m, nil
}

// evictOldLocked trims the recent-message index to its retention bound.
func (r *ChatRoom) evictOldLocked() {
	for len(r.order) > retainedMessages {
		delete(r.messages, r.order[0])
		r.order = r.order[1:]
	}
}

// recipientsLocked resolves the fan-out targets: the connections that joined
// this room plus every live connection of each member, deduped by connection
// id. A member who is connected but never sent a join still receives room
// events. Callers hold r.st.
func (r *ChatRoom) recipientsLocked() []*Conn {
	joined := r.registry.MembersOf(r.ID)
	out := make([]*Conn, 0, len(joined))
	seen := make(map[int64]bool, len(joined))
	for _, c := range joined {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	for _, id := range r.members {
		for _, c := range r.registry.ConnectionsOf(id) {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// fanoutLocked emits one event to every member connection, never blocking on
// a slow consumer. It reports whether any non-sender identity had the event
// enqueued. Callers hold r.st.
func (r *ChatRoom) fanoutLocked(kind FrameKind, seq uint64, payload interface{}, sender string) bool {
	f, err := NewEvent(kind, r.ID, seq, payload)
	if err != nil {
		return false
	}
	delivered := false
	for _, c := range r.recipientsLocked() {
		if c.TrySend(f) && c.Identity != sender {
			delivered = true
		}
	}
	return delivered
}

// fanoutMessageLocked broadcasts a created message; the submitting
// connection's copy carries the correlation id so the sender can match the
// outcome to its frame. Reports whether any non-sender identity had the
// event enqueued. Callers hold r.st.
func (r *ChatRoom) fanoutMessageLocked(m *Message, originConn int64, cid string) bool {
	f, err := NewEvent(KMessageCreated, r.ID, m.Seq, m)
	if err != nil {
		return false
	}
	delivered := false
	for _, c := range r.recipientsLocked() {
		out := f
		if c.ID == originConn && cid != "" {
			withCID := *f
			withCID.CID = cid
			out = &withCID
		}
		if c.TrySend(out) && c.Identity != m.Sender {
			delivered = true
		}
	}
	return delivered
}

// Emit assigns the next seq and fans out an event on this room's ordered
// stream. Used by the hub for typing and other room-scoped events that do
// not go through a dedicated operation.
func (r *ChatRoom) Emit(kind FrameKind, payload interface{}) {
	r.st.Lock()
	defer r.st.Unlock()
	r.seq++
	r.fanoutLocked(kind, r.seq, payload, "")
}

// ReactionChangedPayload carries the full multiset for the message so
// clients converge regardless of dropped reaction ticks.
type ReactionChangedPayload struct {
	MessageID string              `json:"message_id"`
	Actor     string              `json:"actor"`
	Reactions map[string][]string `json:"reactions"`
}

// React adds or removes (actor, emoji) on a message. Adding twice is a
// no-op; removing a non-existent reaction is a no-op success. Both still
// report the current multiset but only real changes persist and fan out.
func (r *ChatRoom) React(ctx context.Context, actor, messageID, emoji string, add bool) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.st.Lock()
	if !r.memberSet[actor] {
		r.st.Unlock()
		return ErrNotMember
	}
	m, ok := r.messages[messageID]
	if !ok {
		r.st.Unlock()
		return ErrMsgNotFound
	}
	who := m.Reactions[emoji]
	changed := false
	if add {
		if who == nil {
			who = make(map[string]bool)
			m.Reactions[emoji] = who
		}
		if !who[actor] {
			who[actor] = true
			changed = true
		}
	} else if who[actor] {
		delete(who, actor)
		if len(who) == 0 {
			delete(m.Reactions, emoji)
		}
		changed = true
	}
	r.st.Unlock()

	if !changed {
		return nil
	}
	if err := r.store.UpsertReaction(ctx, messageID, actor, emoji, add); err != nil {
		return WrapError(KindPersistenceFailed, "upsert reaction", err)
	}

	r.st.Lock()
	r.seq++
	r.fanoutLocked(KReactionChanged, r.seq, ReactionChangedPayload{
		MessageID: messageID,
		Actor:     actor,
		Reactions: m.ReactionMultiset(),
	}, "")
	r.st.Unlock()
	return nil
}

// Edit replaces a message body within the edit window. Only the sender may
// edit; the id is preserved and edited-at bumped.
func (r *ChatRoom) Edit(ctx context.Context, actor, messageID string, body MessageBody) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.st.Lock()
	m, ok := r.messages[messageID]
	if !ok {
		r.st.Unlock()
		return ErrMsgNotFound
	}
	if m.Sender != actor {
		r.st.Unlock()
		return NewError(KindForbidden, "only the sender may edit")
	}
	if m.Deleted {
		r.st.Unlock()
		return NewError(KindForbidden, "message is deleted")
	}
	age := r.now().Sub(m.SentAt)
	r.st.Unlock()
	if age > r.cfg.EditWindow {
		return ErrEditWindow
	}
	if err := r.validateBody(m.Kind, body); err != nil {
		return err
	}

	at := r.now()
	if err := r.store.MarkEdited(ctx, messageID, body, at); err != nil {
		return WrapError(KindPersistenceFailed, "mark edited", err)
	}

	r.st.Lock()
	m.Body = body
	m.Edited = true
	m.EditedAt = at
	r.seq++
	r.fanoutLocked(KMessageEdited, r.seq, m, "")
	r.st.Unlock()
	return nil
}

// Delete tombstones a message. The sender always may; in group rooms admins
// may as well. The kind survives, the body is cleared.
func (r *ChatRoom) Delete(ctx context.Context, actor, messageID string) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.st.Lock()
	m, ok := r.messages[messageID]
	if !ok {
		r.st.Unlock()
		return ErrMsgNotFound
	}
	allowed := m.Sender == actor || (r.Kind == GroupRoom && r.admins[actor])
	r.st.Unlock()
	if !allowed {
		return NewError(KindForbidden, "only the sender or an admin may delete")
	}

	at := r.now()
	if err := r.store.MarkDeleted(ctx, messageID, at); err != nil {
		return WrapError(KindPersistenceFailed, "mark deleted", err)
	}

	r.st.Lock()
	m.Tombstone(at)
	r.seq++
	r.fanoutLocked(KMessageDeleted, r.seq, map[string]string{
		"message_id": messageID,
		"actor":      actor,
	}, "")
	r.st.Unlock()
	return nil
}

// ReadReceiptPayload is emitted to the counterpart of a direct room.
type ReadReceiptPayload struct {
	By   string `json:"by"`
	UpTo string `json:"up_to"`
}

// ReadProgressPayload aggregates group-room read watermarks.
type ReadProgressPayload struct {
	By      string         `json:"by"`
	UpTo    string         `json:"up_to"`
	ReadBy  map[string]int `json:"read_by"`
	Members int            `json:"members"`
}

// MarkRead records the actor's read watermark at upTo and advances message
// statuses to read where every non-sender member has read them.
func (r *ChatRoom) MarkRead(ctx context.Context, actor, upTo string) error {
	r.op.Lock()
	defer r.op.Unlock()

	r.st.Lock()
	if !r.memberSet[actor] {
		r.st.Unlock()
		return ErrNotMember
	}
	target, ok := r.messages[upTo]
	if !ok {
		r.st.Unlock()
		return ErrMsgNotFound
	}
	r.readMarks[actor] = upTo
	var nowRead []string
	for _, id := range r.order {
		m := r.messages[id]
		if m.Seq > target.Seq {
			break
		}
		if !m.ReadBy[actor] {
			m.ReadBy[actor] = true
		}
		if m.Sender != actor && len(m.ReadBy) == len(r.members) && m.Status.Advances(StatusRead) {
			m.Status = StatusRead
			nowRead = append(nowRead, m.ID)
		}
	}
	progress := make(map[string]int, len(r.readMarks))
	for member, mark := range r.readMarks {
		if mm, ok := r.messages[mark]; ok {
			progress[member] = int(mm.Seq)
		}
	}
	memberCount := len(r.members)
	r.st.Unlock()

	for _, id := range nowRead {
		if err := r.store.UpdateStatus(ctx, id, StatusRead); err != nil {
			return WrapError(KindPersistenceFailed, "update status", err)
		}
	}

	r.st.Lock()
	r.seq++
	if r.Kind == DirectRoom {
		r.fanoutLocked(KReadReceipt, r.seq, ReadReceiptPayload{By: actor, UpTo: upTo}, actor)
	} else {
		r.fanoutLocked(KReadProgress, r.seq, ReadProgressPayload{
			By:      actor,
			UpTo:    upTo,
			ReadBy:  progress,
			Members: memberCount,
		}, "")
	}
	r.st.Unlock()
	return nil
}

// Recent returns the last n messages, oldest first, for AI context.
func (r *ChatRoom) Recent(n int) []Message {
	r.st.Lock()
	defer r.st.Unlock()
	start := len(r.order) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, 0, len(r.order)-start)
	for _, id := range r.order[start:] {
		out = append(out, *r.messages[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Seq returns the current sequence watermark.
func (r *ChatRoom) Seq() uint64 {
	r.st.Lock()
	defer r.st.Unlock()
	return r.seq
}

// RestoreSeq fast-forwards the sequence counter after history replay on a
// process restart.
func (r *ChatRoom) RestoreSeq(seq uint64) {
	r.st.Lock()
	defer r.st.Unlock()
	if seq > r.seq {
		r.seq = seq
	}
}

func (r *ChatRoom) String() string {
	return fmt.Sprintf("ChatRoom{%s %s members=%d}", r.Kind, r.ID, len(r.memberSet))
}
