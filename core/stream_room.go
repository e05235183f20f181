package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamState is the stream lifecycle.
type StreamState string

const (
	StreamScheduled StreamState = "scheduled"
	StreamCreated   StreamState = "created"
	StreamLive      StreamState = "live"
	StreamEnded     StreamState = "ended"
)

// StreamVisibility gates who may join as a viewer.
type StreamVisibility string

const (
	VisPublic    StreamVisibility = "public"
	VisFollowers StreamVisibility = "followers-only"
	VisPaid      StreamVisibility = "paid"
	VisPrivate   StreamVisibility = "private"
)

// StreamFlags are the per-stream feature switches.
type StreamFlags struct {
	ChatEnabled      bool `json:"chat_enabled"`
	ReactionsEnabled bool `json:"reactions_enabled"`
	RecordingEnabled bool `json:"recording_enabled"`
	DonationsEnabled bool `json:"donations_enabled"`
	SubscribersOnly  bool `json:"subscribers_only"`
	ModerationOn     bool `json:"moderation_enabled"`
}

const (
	// streamChatRetention bounds the stream chat ring; the oldest message is
	// dropped beyond it.
	streamChatRetention = 256
	// reactionRingSize bounds the recent-reaction ring.
	reactionRingSize = 128
)

// StreamReactionEvent is one entry of the recent-reaction ring and the body
// of a stream-reaction frame.
type StreamReactionEvent struct {
	Emoji  string    `json:"emoji"`
	Actor  string    `json:"actor"`
	SentAt time.Time `json:"sent_at"`
}

// ViewerRecord tracks one (identity, connection) pair watching the stream.
type ViewerRecord struct {
	Identity  string    `json:"identity"`
	ConnID    int64     `json:"-"`
	DeviceTag string    `json:"device_tag,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// StreamRoom is the room engine for a livestream: lifecycle, viewer
// accounting, bounded chat, reactions, donations, and moderation. Same
// locking discipline as ChatRoom: the op lock is the single logical writer,
// the state lock is never held across a port call.
type StreamRoom struct {
	ID         string
	Host       string
	Title      string
	Visibility StreamVisibility
	Flags      StreamFlags

	op sync.Mutex
	st sync.Mutex

	seq         uint64
	state       StreamState
	moderators  map[string]bool
	bans        map[string]BanRecord
	muted       map[string]time.Time
	allowed     map[string]bool
	viewers     map[int64]ViewerRecord
	viewerIdent map[string]int
	seenViewers map[string]bool
	peakViewers int
	totalViews  int
	reactions   map[string]int
	recentReact []StreamReactionEvent
	donations   int
	chatRing    []*Message
	chatIndex   map[string]*Message
	startedAt   time.Time
	endedAt     time.Time

	registry *Registry
	store    StorePort
	now      func() time.Time
}

func NewStreamRoom(id, host, title string, vis StreamVisibility, flags StreamFlags, registry *Registry, store StorePort) *StreamRoom {
	return &StreamRoom{
		ID:          id,
		Host:        host,
		Title:       title,
		Visibility:  vis,
		Flags:       flags,
		state:       StreamScheduled,
		moderators:  make(map[string]bool),
		bans:        make(map[string]BanRecord),
		muted:       make(map[string]time.Time),
		allowed:     make(map[string]bool),
		viewers:     make(map[int64]ViewerRecord),
		viewerIdent: make(map[string]int),
		seenViewers: make(map[string]bool),
		reactions:   make(map[string]int),
		chatIndex:   make(map[string]*Message),
		registry:    registry,
		store:       store,
		now:         time.Now,
	}
}

func (s *StreamRoom) State() StreamState {
	s.st.Lock()
	defer s.st.Unlock()
	return s.state
}

// Counters returns (current viewers, peak, total views).
func (s *StreamRoom) Counters() (int, int, int) {
	s.st.Lock()
	defer s.st.Unlock()
	return len(s.viewerIdent), s.peakViewers, s.totalViews
}

func (s *StreamRoom) isMod(id string) bool {
	return id == s.Host || s.moderators[id]
}

// IsModerator reports whether id is the host or holds a mod grant.
func (s *StreamRoom) IsModerator(id string) bool {
	s.st.Lock()
	defer s.st.Unlock()
	return s.isMod(id)
}

// Start moves Scheduled → Created. Host only.
func (s *StreamRoom) Start(actor string) error {
	s.op.Lock()
	defer s.op.Unlock()
	if actor != s.Host {
		return ErrNotHost
	}
	s.st.Lock()
	defer s.st.Unlock()
	if s.state != StreamScheduled {
		return ErrStreamState
	}
	s.state = StreamCreated
	return nil
}

// GoLive moves Created → Live, captures started-at, and announces to the
// room.
func (s *StreamRoom) GoLive(actor string) error {
	s.op.Lock()
	defer s.op.Unlock()
	if actor != s.Host {
		return ErrNotHost
	}
	s.st.Lock()
	if s.state != StreamCreated {
		s.st.Unlock()
		return ErrStreamState
	}
	s.state = StreamLive
	s.startedAt = s.now()
	s.seq++
	s.fanoutLocked(KStreamLive, s.seq, map[string]interface{}{
		"stream_id":  s.ID,
		"host":       s.Host,
		"started_at": s.startedAt,
	}, nil)
	s.st.Unlock()
	return nil
}

// End freezes the counters, flushes the analytics snapshot, then drains
// every viewer. Legal from Created or Live.
func (s *StreamRoom) End(ctx context.Context, actor string) error {
	s.op.Lock()
	defer s.op.Unlock()
	if actor != s.Host {
		return ErrNotHost
	}
	s.st.Lock()
	if s.state != StreamLive && s.state != StreamCreated {
		s.st.Unlock()
		return ErrStreamState
	}
	s.state = StreamEnded
	s.endedAt = s.now()
	snap := s.snapshotLocked()
	s.seq++
	s.fanoutLocked(KStreamEnded, s.seq, map[string]interface{}{
		"stream_id": s.ID,
		"ended_at":  s.endedAt,
	}, nil)
	drained := s.registry.MembersOf(s.ID)
	s.viewers = make(map[int64]ViewerRecord)
	s.viewerIdent = make(map[string]int)
	s.st.Unlock()

	for _, c := range drained {
		s.registry.Leave(c, s.ID)
	}
	if err := s.store.RecordStreamSnapshot(ctx, snap); err != nil {
		return WrapError(KindPersistenceFailed, "record stream snapshot", err)
	}
	return nil
}

func (s *StreamRoom) snapshotLocked() *StreamSnapshot {
	reactions := make(map[string]int, len(s.reactions))
	for k, v := range s.reactions {
		reactions[k] = v
	}
	return &StreamSnapshot{
		StreamID:    s.ID,
		State:       s.state,
		ViewerCount: len(s.viewerIdent),
		PeakViewers: s.peakViewers,
		TotalViews:  s.totalViews,
		Reactions:   reactions,
		Donations:   s.donations,
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
	}
}

// Snapshot returns the current analytics view.
func (s *StreamRoom) Snapshot() *StreamSnapshot {
	s.st.Lock()
	defer s.st.Unlock()
	return s.snapshotLocked()
}

// Allow grants a non-public stream's allow-list entry (paid or private).
func (s *StreamRoom) Allow(actor, viewer string) error {
	if actor != s.Host {
		return ErrNotHost
	}
	s.st.Lock()
	defer s.st.Unlock()
	s.allowed[viewer] = true
	return nil
}

func (s *StreamRoom) mayView(actor string, followsHost bool) bool {
	switch s.Visibility {
	case VisPublic:
		return true
	case VisFollowers:
		return actor == s.Host || followsHost
	case VisPaid, VisPrivate:
		return actor == s.Host || s.allowed[actor]
	}
	return false
}

func (s *StreamRoom) bannedLocked(id string) bool {
	ban, ok := s.bans[id]
	if !ok {
		return false
	}
	if !ban.ExpiresAt.IsZero() && s.now().After(ban.ExpiresAt) {
		delete(s.bans, id)
		return false
	}
	return true
}

// ViewerJoinedPayload goes to the host and moderators only.
type ViewerJoinedPayload struct {
	StreamID string `json:"stream_id"`
	Identity string `json:"identity"`
	Count    int    `json:"count"`
}

// ViewerCountPayload goes to every viewer.
type ViewerCountPayload struct {
	StreamID string `json:"stream_id"`
	Count    int    `json:"count"`
}

// Join admits a connection as a viewer after the visibility predicate and
// ban list. Rejoining from another connection of the same identity does not
// change the distinct-identity count or total views.
func (s *StreamRoom) Join(c *Conn, followsHost bool) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.st.Lock()
	if s.state != StreamLive && s.state != StreamCreated {
		s.st.Unlock()
		return NewError(KindNotFound, "stream is not open")
	}
	if s.bannedLocked(c.Identity) {
		s.st.Unlock()
		return ErrBanned
	}
	if !s.mayView(c.Identity, followsHost) {
		s.st.Unlock()
		return NewError(KindForbidden, "stream visibility denies this viewer")
	}
	if _, ok := s.viewers[c.ID]; ok {
		s.st.Unlock()
		return nil
	}
	s.viewers[c.ID] = ViewerRecord{
		Identity:  c.Identity,
		ConnID:    c.ID,
		DeviceTag: c.DeviceTag,
		JoinedAt:  s.now(),
	}
	s.viewerIdent[c.Identity]++
	firstConn := s.viewerIdent[c.Identity] == 1
	if firstConn && !s.seenViewers[c.Identity] {
		s.seenViewers[c.Identity] = true
		s.totalViews++
	}
	count := len(s.viewerIdent)
	if count > s.peakViewers {
		s.peakViewers = count
	}
	s.st.Unlock()

	s.registry.Join(c, s.ID)

	s.st.Lock()
	if firstConn {
		s.seq++
		s.fanoutLocked(KViewerJoined, s.seq, ViewerJoinedPayload{
			StreamID: s.ID,
			Identity: c.Identity,
			Count:    count,
		}, s.modConnsLocked())
		s.seq++
		s.fanoutLocked(KViewerCount, s.seq, ViewerCountPayload{StreamID: s.ID, Count: count}, nil)
	}
	s.st.Unlock()
	return nil
}

// Leave removes one connection from the viewer set. The identity leaves the
// count only when its last connection is gone.
func (s *StreamRoom) Leave(c *Conn) {
	s.op.Lock()
	defer s.op.Unlock()
	s.leave(c)
}

func (s *StreamRoom) leave(c *Conn) {
	s.st.Lock()
	rec, ok := s.viewers[c.ID]
	if !ok {
		s.st.Unlock()
		s.registry.Leave(c, s.ID)
		return
	}
	delete(s.viewers, c.ID)
	s.viewerIdent[rec.Identity]--
	lastConn := s.viewerIdent[rec.Identity] == 0
	if lastConn {
		delete(s.viewerIdent, rec.Identity)
	}
	count := len(s.viewerIdent)
	s.st.Unlock()

	s.registry.Leave(c, s.ID)

	if lastConn {
		s.st.Lock()
		s.seq++
		s.fanoutLocked(KViewerLeft, s.seq, ViewerJoinedPayload{
			StreamID: s.ID,
			Identity: rec.Identity,
			Count:    count,
		}, s.modConnsLocked())
		s.seq++
		s.fanoutLocked(KViewerCount, s.seq, ViewerCountPayload{StreamID: s.ID, Count: count}, nil)
		s.st.Unlock()
	}
}

// ConnClosed handles a transport-level disconnect of a viewing connection.
func (s *StreamRoom) ConnClosed(c *Conn) {
	s.op.Lock()
	defer s.op.Unlock()
	s.leave(c)
}

// modConnsLocked resolves the connections of the host and moderators.
func (s *StreamRoom) modConnsLocked() []*Conn {
	var out []*Conn
	for _, c := range s.registry.MembersOf(s.ID) {
		if s.isMod(c.Identity) {
			out = append(out, c)
		}
	}
	// The host watches through their own connections even when not counted
	// as a viewer.
	for _, c := range s.registry.ConnectionsOf(s.Host) {
		out = append(out, c)
	}
	return out
}

// fanoutLocked emits to the given connections, or to every room member when
// conns is nil. Callers hold s.st.
func (s *StreamRoom) fanoutLocked(kind FrameKind, seq uint64, payload interface{}, conns []*Conn) {
	f, err := NewEvent(kind, s.ID, seq, payload)
	if err != nil {
		return
	}
	if conns == nil {
		conns = s.registry.MembersOf(s.ID)
	}
	sent := make(map[int64]bool, len(conns))
	for _, c := range conns {
		if sent[c.ID] {
			continue
		}
		sent[c.ID] = true
		c.TrySend(f)
	}
}

// SendChat posts a message into the bounded stream chat. Shares the chat
// contract; retention is a ring, oldest dropped beyond the cap.
func (s *StreamRoom) SendChat(ctx context.Context, in SendInput) (*Message, error) {
	s.op.Lock()
	defer s.op.Unlock()

	s.st.Lock()
	if !s.Flags.ChatEnabled {
		s.st.Unlock()
		return nil, ErrChatDisabled
	}
	if s.state != StreamLive {
		s.st.Unlock()
		return nil, NewError(KindForbidden, "stream chat is open only while live")
	}
	if s.bannedLocked(in.Sender) {
		s.st.Unlock()
		return nil, ErrBanned
	}
	if until, ok := s.muted[in.Sender]; ok {
		if s.now().Before(until) {
			s.st.Unlock()
			return nil, ErrMuted
		}
		delete(s.muted, in.Sender)
	}
	if _, viewing := s.viewerIdent[in.Sender]; !viewing && in.Sender != s.Host {
		s.st.Unlock()
		return nil, ErrNotMember
	}
	s.st.Unlock()

	m := &Message{
		ID:        uuid.New().String(),
		RoomID:    s.ID,
		Sender:    in.Sender,
		Kind:      in.Kind,
		Body:      in.Body,
		Status:    StatusSent,
		DedupeID:  in.DedupeID,
		Reactions: make(map[string]map[string]bool),
		SentAt:    s.now(),
	}
	if m.Kind == "" {
		m.Kind = TextMessage
	}

	// Reserve the seq before persisting so the stored row carries it and
	// replay can resume from a seq cursor; the op lock keeps seq order and
	// fan-out order aligned.
	s.st.Lock()
	s.seq++
	m.Seq = s.seq
	s.st.Unlock()

	stored, created, err := s.store.PersistMessage(ctx, m)
	if err != nil {
		return nil, WrapError(KindPersistenceFailed, "persist stream chat", err)
	}
	if !created {
		return stored, nil
	}

	s.st.Lock()
	s.chatRing = append(s.chatRing, m)
	s.chatIndex[m.ID] = m
	for len(s.chatRing) > streamChatRetention {
		delete(s.chatIndex, s.chatRing[0].ID)
		s.chatRing = s.chatRing[1:]
	}
	f, ferr := NewEvent(KMessageCreated, s.ID, m.Seq, m)
	if ferr == nil {
		for _, c := range s.registry.MembersOf(s.ID) {
			out := f
			if c.ID == in.OriginConn && in.CID != "" {
				withCID := *f
				withCID.CID = in.CID
				out = &withCID
			}
			c.TrySend(out)
		}
	}
	s.st.Unlock()
	return m, nil
}

// React increments the emoji counter, appends to the recent ring, and emits
// a stream-reaction tick. Ticks are non-critical and may be shed.
func (s *StreamRoom) React(actor, emoji string) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.st.Lock()
	defer s.st.Unlock()
	if !s.Flags.ReactionsEnabled {
		return NewError(KindPolicyRejected, "reactions disabled")
	}
	if s.state != StreamLive {
		return NewError(KindForbidden, "stream is not live")
	}
	ev := StreamReactionEvent{Emoji: emoji, Actor: actor, SentAt: s.now()}
	s.reactions[emoji]++
	s.recentReact = append(s.recentReact, ev)
	if len(s.recentReact) > reactionRingSize {
		s.recentReact = s.recentReact[1:]
	}
	s.seq++
	s.fanoutLocked(KStreamReaction, s.seq, ev, nil)
	return nil
}

// Donate forwards a settled donation into the room. The payments
// collaborator has already confirmed settlement; the hub records and emits.
func (s *StreamRoom) Donate(ctx context.Context, d *Donation) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.st.Lock()
	if !s.Flags.DonationsEnabled {
		s.st.Unlock()
		return NewError(KindPolicyRejected, "donations disabled")
	}
	s.st.Unlock()

	if err := s.store.RecordDonation(ctx, s.ID, d); err != nil {
		return WrapError(KindPersistenceFailed, "record donation", err)
	}

	s.st.Lock()
	s.donations++
	s.seq++
	s.fanoutLocked(KDonation, s.seq, d, nil)
	s.st.Unlock()
	return nil
}

// ModerationPayload describes a moderation action to the room.
type ModerationPayload struct {
	StreamID string `json:"stream_id"`
	Action   string `json:"action"`
	Actor    string `json:"actor"`
	Target   string `json:"target,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Ban adds the identity to the ban list, detaches their viewer connections
// immediately, and denies subsequent joins. Duration zero means permanent.
func (s *StreamRoom) Ban(ctx context.Context, actor, target, reason string, duration time.Duration) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.st.Lock()
	if !s.isMod(actor) {
		s.st.Unlock()
		return ErrNotModerator
	}
	if target == s.Host {
		s.st.Unlock()
		return NewError(KindForbidden, "the host cannot be banned")
	}
	ban := BanRecord{StreamID: s.ID, Identity: target, Reason: reason}
	if duration > 0 {
		ban.ExpiresAt = s.now().Add(duration)
	}
	s.bans[target] = ban
	s.st.Unlock()

	if err := s.store.AddBan(ctx, &ban); err != nil {
		return WrapError(KindPersistenceFailed, "persist ban", err)
	}

	// Immediate detach: notify then remove every viewing connection of the
	// banned identity.
	banned := s.registry.RoomConnsOf(s.ID, target)
	if len(banned) > 0 {
		f, _ := NewReply(KBanned, "", ModerationPayload{
			StreamID: s.ID, Action: "ban", Actor: actor, Target: target, Reason: reason,
		})
		for _, c := range banned {
			c.TrySend(f)
		}
	}
	s.st.Lock()
	for _, c := range banned {
		if rec, ok := s.viewers[c.ID]; ok {
			delete(s.viewers, c.ID)
			s.viewerIdent[rec.Identity]--
			if s.viewerIdent[rec.Identity] == 0 {
				delete(s.viewerIdent, rec.Identity)
			}
		}
	}
	count := len(s.viewerIdent)
	s.seq++
	s.fanoutLocked(KModeration, s.seq, ModerationPayload{
		StreamID: s.ID, Action: "ban", Actor: actor, Target: target, Reason: reason,
	}, nil)
	s.seq++
	s.fanoutLocked(KViewerCount, s.seq, ViewerCountPayload{StreamID: s.ID, Count: count}, nil)
	s.st.Unlock()
	for _, c := range banned {
		s.registry.Leave(c, s.ID)
	}
	return nil
}

// Unban removes a ban-list entry.
func (s *StreamRoom) Unban(ctx context.Context, actor, target string) error {
	s.op.Lock()
	defer s.op.Unlock()
	s.st.Lock()
	if !s.isMod(actor) {
		s.st.Unlock()
		return ErrNotModerator
	}
	delete(s.bans, target)
	s.st.Unlock()
	if err := s.store.RemoveBan(ctx, s.ID, target); err != nil {
		return WrapError(KindPersistenceFailed, "remove ban", err)
	}
	return nil
}

// Timeout mutes the target in stream chat without removing them.
func (s *StreamRoom) Timeout(actor, target string, d time.Duration) error {
	s.op.Lock()
	defer s.op.Unlock()
	s.st.Lock()
	defer s.st.Unlock()
	if !s.isMod(actor) {
		return ErrNotModerator
	}
	s.muted[target] = s.now().Add(d)
	s.seq++
	s.fanoutLocked(KModeration, s.seq, ModerationPayload{
		StreamID: s.ID, Action: "timeout", Actor: actor, Target: target,
	}, s.modConnsLocked())
	return nil
}

// DeleteChat tombstones a stream chat message. Moderators only.
func (s *StreamRoom) DeleteChat(ctx context.Context, actor, messageID string) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.st.Lock()
	if !s.isMod(actor) {
		s.st.Unlock()
		return ErrNotModerator
	}
	m, ok := s.chatIndex[messageID]
	if !ok {
		s.st.Unlock()
		return ErrMsgNotFound
	}
	s.st.Unlock()

	at := s.now()
	if err := s.store.MarkDeleted(ctx, messageID, at); err != nil {
		return WrapError(KindPersistenceFailed, "mark deleted", err)
	}

	s.st.Lock()
	m.Tombstone(at)
	s.seq++
	s.fanoutLocked(KMessageDeleted, s.seq, map[string]string{
		"message_id": messageID,
		"actor":      actor,
	}, nil)
	s.st.Unlock()
	return nil
}

// GrantMod and RevokeMod manage the moderator set. Host and moderators may
// grant; only the host may revoke.
func (s *StreamRoom) GrantMod(actor, target string) error {
	s.op.Lock()
	defer s.op.Unlock()
	s.st.Lock()
	defer s.st.Unlock()
	if !s.isMod(actor) {
		return ErrNotModerator
	}
	s.moderators[target] = true
	s.seq++
	s.fanoutLocked(KModeration, s.seq, ModerationPayload{
		StreamID: s.ID, Action: "grant-mod", Actor: actor, Target: target,
	}, nil)
	return nil
}

func (s *StreamRoom) RevokeMod(actor, target string) error {
	s.op.Lock()
	defer s.op.Unlock()
	s.st.Lock()
	defer s.st.Unlock()
	if actor != s.Host {
		return ErrNotHost
	}
	delete(s.moderators, target)
	s.seq++
	s.fanoutLocked(KModeration, s.seq, ModerationPayload{
		StreamID: s.ID, Action: "revoke-mod", Actor: actor, Target: target,
	}, nil)
	return nil
}

// IsViewer reports whether the identity currently views the stream.
func (s *StreamRoom) IsViewer(id string) bool {
	s.st.Lock()
	defer s.st.Unlock()
	_, ok := s.viewerIdent[id]
	return ok
}

// IsParticipant reports whether the identity is the host or a viewer; used
// by the signaling relay's membership check.
func (s *StreamRoom) IsParticipant(id string) bool {
	if id == s.Host {
		return true
	}
	return s.IsViewer(id)
}

// RestoreBans seeds the ban list from the store on startup.
func (s *StreamRoom) RestoreBans(bans []BanRecord) {
	s.st.Lock()
	defer s.st.Unlock()
	for _, b := range bans {
		s.bans[b.Identity] = b
	}
}
