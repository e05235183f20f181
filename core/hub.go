package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// HubConfig is the hub's tunable surface.
type HubConfig struct {
	RoomShards        int
	TypingTTL         time.Duration
	PresenceDebounce  time.Duration
	EditWindow        time.Duration
	HistoryLimit      int
	AIContextWindow   int
	DedupeWindow      time.Duration
	OpTimeout         time.Duration
	StreamChatEnabled bool
}

// Metrics are the hub's observability counters. Port failures on the AI and
// push paths land here, never in a user-facing frame.
type Metrics struct {
	AIFailures      atomic.Int64
	PushFailures    atomic.Int64
	DroppedFrames   atomic.Int64
	SlowConsumers   atomic.Int64
	FramesHandled   atomic.Int64
	FramesRejected  atomic.Int64
	ReplayedEvents  atomic.Int64
	PresenceUpdates atomic.Int64
}

// MessageHook observes successfully created chat messages. The app layer
// registers push dispatch and AI auto-reply here; hook failures never reach
// the originating frame.
type MessageHook func(room *ChatRoom, m *Message)

// Hub is the realtime core: it owns the room engines, the session registry,
// presence and typing, and routes every authenticated frame.
type Hub struct {
	ctx      context.Context
	cfg      HubConfig
	registry *Registry
	relay    *SignalRelay
	presence *PresenceTracker
	typing   *TypingTable
	logger   *slog.Logger

	ident IdentityPort
	store StorePort

	roomMu  sync.RWMutex
	chats   map[string]*ChatRoom
	streams map[string]*StreamRoom

	hooks   []MessageHook
	Metrics Metrics
}

func NewHub(ctx context.Context, cfg HubConfig, ident IdentityPort, store StorePort, logger *slog.Logger) *Hub {
	h := &Hub{
		ctx:     ctx,
		cfg:     cfg,
		ident:   ident,
		store:   store,
		logger:  logger,
		chats:   make(map[string]*ChatRoom),
		streams: make(map[string]*StreamRoom),
	}
	h.registry = NewRegistry(cfg.RoomShards)
	h.relay = NewSignalRelay(h.registry)
	h.typing = NewTypingTable(cfg.TypingTTL, h.emitTyping)
	h.presence = NewPresenceTracker(cfg.PresenceDebounce, h.registry.Online, h.broadcastPresence)
	return h
}

// Registry exposes the session registry to the app layer.
func (h *Hub) Registry() *Registry { return h.registry }

// OnMessage registers a message hook.
func (h *Hub) OnMessage(f MessageHook) { h.hooks = append(h.hooks, f) }

// Stop cancels presence and typing timers.
func (h *Hub) Stop() {
	h.presence.Stop()
	h.typing.Stop()
}

// HandleConnect registers a freshly authenticated connection.
func (h *Hub) HandleConnect(c *Conn, identity *Identity) {
	h.registry.Attach(c)
	h.presence.Touch(c.Identity)
	h.ident.TouchLastSeen(h.ctx, c.Identity, time.Now())
	h.logger.Info("connection active",
		slog.String("identity", c.Identity), slog.Int64("conn", c.ID))
}

// HandleClose cleans up after a connection: registry detach, stream viewer
// leaves for every viewed stream, typing clears, presence touch. Cleanup is
// linear in the connection's room count.
func (h *Hub) HandleClose(c *Conn, reason CloseReason) {
	if reason == CloseSlowConsumer {
		h.Metrics.SlowConsumers.Add(1)
	}
	rooms, remaining := h.registry.Detach(c)
	for _, roomID := range rooms {
		if s := h.streamByID(roomID); s != nil {
			s.ConnClosed(c)
		}
	}
	if remaining == 0 {
		h.typing.ClearIdentity(c.Identity)
	}
	h.presence.Touch(c.Identity)
	h.ident.TouchLastSeen(h.ctx, c.Identity, time.Now())
	h.logger.Info("connection closed",
		slog.String("identity", c.Identity),
		slog.Int64("conn", c.ID),
		slog.String("reason", string(reason)))
}

func (h *Hub) chatByID(id string) *ChatRoom {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return h.chats[id]
}

func (h *Hub) streamByID(id string) *StreamRoom {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return h.streams[id]
}

// ChatRoomByID and StreamByID serve the REST read side.
func (h *Hub) ChatRoomByID(id string) *ChatRoom { return h.chatByID(id) }
func (h *Hub) StreamByID(id string) *StreamRoom { return h.streamByID(id) }
func (h *Hub) Store() StorePort                 { return h.store }
func (h *Hub) HistoryLimit() int                { return h.cfg.HistoryLimit }

// EnsureDirectRoom looks the pair's room up before creating it, so a second
// create with the same pair returns the first room.
func (h *Hub) EnsureDirectRoom(ctx context.Context, a, b string) (*ChatRoom, error) {
	id := DirectRoomID(a, b)
	if r := h.chatByID(id); r != nil {
		return r, nil
	}

	ra, err := h.ident.Relations(ctx, a)
	if err != nil {
		return nil, WrapError(KindUnavailable, "relations lookup", err)
	}
	rb, err := h.ident.Relations(ctx, b)
	if err != nil {
		return nil, WrapError(KindUnavailable, "relations lookup", err)
	}
	if !MayInteract(a, b, ra, rb) {
		return nil, ErrBlocked
	}
	if !MayDM(a, rb) {
		return nil, ErrDMNotAllowed
	}

	h.roomMu.Lock()
	defer h.roomMu.Unlock()
	if r, ok := h.chats[id]; ok {
		return r, nil
	}
	r := NewChatRoom(id, DirectRoom, "", []string{a, b}, h.registry, h.store, ChatRoomConfig{
		EditWindow:   h.cfg.EditWindow,
		DedupeWindow: h.cfg.DedupeWindow,
	})
	h.chats[id] = r
	return r, nil
}

// CreateGroupRoom creates a group room owned by the first member.
func (h *Hub) CreateGroupRoom(name string, members []string) *ChatRoom {
	id := uuid.New().String()
	r := NewChatRoom(id, GroupRoom, name, members, h.registry, h.store, ChatRoomConfig{
		EditWindow:   h.cfg.EditWindow,
		DedupeWindow: h.cfg.DedupeWindow,
	})
	h.roomMu.Lock()
	h.chats[id] = r
	h.roomMu.Unlock()
	return r
}

// CreateStream builds a stream room in Created state with the host joined.
func (h *Hub) CreateStream(host, title string, vis StreamVisibility, flags StreamFlags) *StreamRoom {
	id := uuid.New().String()
	s := NewStreamRoom(id, host, title, vis, flags, h.registry, h.store)
	// Scheduled → Created happens at creation; the host asked for the room.
	_ = s.Start(host)
	h.roomMu.Lock()
	h.streams[id] = s
	h.roomMu.Unlock()
	return s
}

func (h *Hub) emitTyping(roomID, identity string, typing bool) {
	if r := h.chatByID(roomID); r != nil {
		r.Emit(KTyping, TypingPayload{Identity: identity, RoomID: roomID, Typing: typing})
	}
}

// broadcastPresence notifies the identity's interested parties: direct-room
// counterparts and followers with live connections. Never a global
// broadcast.
func (h *Hub) broadcastPresence(identity string, online bool) {
	h.Metrics.PresenceUpdates.Add(1)
	targets := make(map[string]bool)

	h.roomMu.RLock()
	for _, r := range h.chats {
		if r.Kind == DirectRoom && r.IsMember(identity) {
			targets[r.Counterpart(identity)] = true
		}
	}
	h.roomMu.RUnlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.OpTimeout)
	defer cancel()
	if rel, err := h.ident.Relations(ctx, identity); err == nil {
		for f := range rel.Followers {
			targets[f] = true
		}
	}

	f, err := NewReply(KPresence, "", PresencePayload{Identity: identity, Online: online})
	if err != nil {
		return
	}
	for t := range targets {
		if t == identity {
			continue
		}
		for _, c := range h.registry.ConnectionsOf(t) {
			c.TrySend(f)
		}
	}
}

// HandleFrame routes one authenticated inbound frame. Every control frame
// gets exactly one outcome: its success event, an echo acknowledgement, or a
// single error frame correlated by cid.
func (h *Hub) HandleFrame(in *InFrame) {
	h.Metrics.FramesHandled.Add(1)
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.OpTimeout)
	defer cancel()

	err := h.dispatch(ctx, in)
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = NewError(KindTimeout, "operation deadline exceeded")
	}
	h.Metrics.FramesRejected.Add(1)
	h.logger.Debug(fmt.Sprintf("%s rejected: %v", in.Kind, err),
		slog.String("identity", in.Sender))
	h.replyTo(in, NewErrorFrame(in.CID, err))
}

// replyTo targets the originating connection only.
func (h *Hub) replyTo(in *InFrame, f *Frame) {
	for _, c := range h.registry.ConnectionsOf(in.Sender) {
		if c.ID == in.ConnID {
			c.TrySend(f)
			return
		}
	}
}

// ack sends the echo acknowledgement owed to control frames whose success
// is not already a cid-correlated event.
func (h *Hub) ack(in *InFrame, payload interface{}) {
	f, err := NewReply(in.Kind, in.CID, payload)
	if err != nil {
		return
	}
	f.Room = in.Room
	h.replyTo(in, f)
}

func decodePayload(in *InFrame, v interface{}) error {
	if err := json.Unmarshal(in.Data, v); err != nil {
		return WrapError(KindBadFrame, "malformed payload", err)
	}
	if err := validate.Struct(v); err != nil {
		return WrapError(KindBadFrame, "invalid payload", err)
	}
	return nil
}

func (h *Hub) dispatch(ctx context.Context, in *InFrame) error {
	switch in.Kind {
	case KJoinRoom:
		return h.handleJoinRoom(ctx, in)
	case KLeaveRoom:
		return h.handleLeaveRoom(in)
	case KSend:
		return h.handleSend(ctx, in)
	case KReact:
		return h.handleReact(ctx, in)
	case KEdit:
		return h.handleEdit(ctx, in)
	case KDelete:
		return h.handleDelete(ctx, in)
	case KRead:
		return h.handleRead(ctx, in)
	case KTyping:
		return h.handleTyping(in)
	case KCreateStream:
		return h.handleCreateStream(in)
	case KStartStream, KEndStream:
		return h.handleStreamLifecycle(ctx, in)
	case KJoinStream:
		return h.handleJoinStream(ctx, in)
	case KLeaveStream:
		return h.handleLeaveStream(in)
	case KOffer, KAnswer, KICE:
		return h.handleSignal(in)
	case KStreamChat:
		return h.handleStreamChat(ctx, in)
	case KStreamReaction:
		return h.handleStreamReaction(in)
	case KDonate:
		return h.handleDonate(ctx, in)
	case KBan, KUnban, KTimeoutUser, KGrantMod, KRevokeMod:
		return h.handleModeration(ctx, in)
	}
	return NewErrorf(KindBadFrame, "unhandled frame kind %q", in.Kind)
}

// JoinRoomPayload joins an existing room by id, or a direct room by peer.
// LastSeq requests replay of events missed since that watermark.
type JoinRoomPayload struct {
	RoomID  string `json:"room_id,omitempty"`
	Peer    string `json:"peer,omitempty"`
	LastSeq uint64 `json:"last_seq,omitempty"`
}

type joinRoomAck struct {
	RoomID string `json:"room_id"`
	Seq    uint64 `json:"seq"`
}

func (h *Hub) handleJoinRoom(ctx context.Context, in *InFrame) error {
	var p JoinRoomPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}

	var room *ChatRoom
	switch {
	case p.Peer != "":
		var err error
		room, err = h.EnsureDirectRoom(ctx, in.Sender, p.Peer)
		if err != nil {
			return err
		}
	case p.RoomID != "":
		room = h.chatByID(p.RoomID)
		if room == nil {
			return ErrRoomNotFound
		}
	default:
		return NewError(KindBadFrame, "join-room requires room_id or peer")
	}
	if !room.IsMember(in.Sender) {
		return ErrNotMember
	}

	conn := h.connOf(in)
	if conn == nil {
		return nil
	}
	h.registry.Join(conn, room.ID)
	h.ack(in, joinRoomAck{RoomID: room.ID, Seq: room.Seq()})

	if p.LastSeq > 0 {
		if err := h.replay(ctx, conn, room.ID, p.LastSeq); err != nil {
			return err
		}
	}
	return nil
}

// replay re-delivers events missed since the client's last acknowledged seq,
// in order, from the store's short history window.
func (h *Hub) replay(ctx context.Context, c *Conn, roomID string, lastSeq uint64) error {
	page, err := h.store.LoadHistory(ctx, roomID, lastSeq, h.cfg.HistoryLimit)
	if err != nil {
		e := NewErrorf(KindUnavailable, "history unavailable, resume from seq %d", lastSeq)
		return WrapError(KindUnavailable, e.Error(), err)
	}
	for i := range page.Messages {
		m := &page.Messages[i]
		f, err := NewEvent(KMessageCreated, roomID, m.Seq, m)
		if err != nil {
			continue
		}
		c.TrySend(f)
		h.Metrics.ReplayedEvents.Add(1)
	}
	return nil
}

func (h *Hub) connOf(in *InFrame) *Conn {
	for _, c := range h.registry.ConnectionsOf(in.Sender) {
		if c.ID == in.ConnID {
			return c
		}
	}
	return nil
}

func (h *Hub) handleLeaveRoom(in *InFrame) error {
	if in.Room == "" {
		return NewError(KindBadFrame, "leave-room requires a room")
	}
	if conn := h.connOf(in); conn != nil {
		h.registry.Leave(conn, in.Room)
	}
	h.ack(in, joinRoomAck{RoomID: in.Room})
	return nil
}

// SendPayload is the body of a send frame.
type SendPayload struct {
	Kind    MessageKind `json:"kind" validate:"required"`
	Body    MessageBody `json:"body"`
	ReplyTo string      `json:"reply_to,omitempty"`
	Dedupe  string      `json:"dedupe,omitempty"`
}

func (h *Hub) handleSend(ctx context.Context, in *InFrame) error {
	var p SendPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	room := h.chatByID(in.Room)
	if room == nil {
		return ErrRoomNotFound
	}

	m, err := room.Send(ctx, SendInput{
		Sender:     in.Sender,
		Kind:       p.Kind,
		Body:       p.Body,
		ReplyTo:    p.ReplyTo,
		DedupeID:   p.Dedupe,
		OriginConn: in.ConnID,
		CID:        in.CID,
	})
	if err != nil {
		return err
	}

	for _, hook := range h.hooks {
		hook(room, m)
	}
	return nil
}

// ReactPayload adds or removes one (actor, emoji) reaction.
type ReactPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
	Op        string `json:"op" validate:"required,oneof=add remove"`
}

func (h *Hub) handleReact(ctx context.Context, in *InFrame) error {
	var p ReactPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	room := h.chatByID(in.Room)
	if room == nil {
		return ErrRoomNotFound
	}
	if err := room.React(ctx, in.Sender, p.MessageID, p.Emoji, p.Op == "add"); err != nil {
		return err
	}
	h.ack(in, map[string]string{"message_id": p.MessageID})
	return nil
}

type EditPayload struct {
	MessageID string      `json:"message_id" validate:"required"`
	Body      MessageBody `json:"body"`
}

func (h *Hub) handleEdit(ctx context.Context, in *InFrame) error {
	var p EditPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	room := h.chatByID(in.Room)
	if room == nil {
		return ErrRoomNotFound
	}
	if err := room.Edit(ctx, in.Sender, p.MessageID, p.Body); err != nil {
		return err
	}
	h.ack(in, map[string]string{"message_id": p.MessageID})
	return nil
}

type DeletePayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

func (h *Hub) handleDelete(ctx context.Context, in *InFrame) error {
	var p DeletePayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	if room := h.chatByID(in.Room); room != nil {
		if err := room.Delete(ctx, in.Sender, p.MessageID); err != nil {
			return err
		}
	} else if stream := h.streamByID(in.Room); stream != nil {
		if err := stream.DeleteChat(ctx, in.Sender, p.MessageID); err != nil {
			return err
		}
	} else {
		return ErrRoomNotFound
	}
	h.ack(in, map[string]string{"message_id": p.MessageID})
	return nil
}

type ReadPayload struct {
	UpTo string `json:"up_to" validate:"required"`
}

func (h *Hub) handleRead(ctx context.Context, in *InFrame) error {
	var p ReadPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	room := h.chatByID(in.Room)
	if room == nil {
		return ErrRoomNotFound
	}
	if err := room.MarkRead(ctx, in.Sender, p.UpTo); err != nil {
		return err
	}
	h.ack(in, map[string]string{"up_to": p.UpTo})
	return nil
}

type TypingInPayload struct {
	Typing bool `json:"typing"`
}

func (h *Hub) handleTyping(in *InFrame) error {
	var p TypingInPayload
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, &p); err != nil {
			return WrapError(KindBadFrame, "malformed payload", err)
		}
	} else {
		p.Typing = true
	}
	room := h.chatByID(in.Room)
	if room == nil {
		return ErrRoomNotFound
	}
	if !room.IsMember(in.Sender) {
		return ErrNotMember
	}
	if p.Typing {
		h.typing.Set(in.Room, in.Sender)
	} else {
		h.typing.Clear(in.Room, in.Sender)
	}
	return nil
}

// CreateStreamPayload creates a stream room owned by the sender.
type CreateStreamPayload struct {
	Title      string           `json:"title" validate:"required"`
	Visibility StreamVisibility `json:"visibility" validate:"required,oneof=public followers-only paid private"`
	Flags      StreamFlags      `json:"flags"`
}

type streamCreatedPayload struct {
	StreamID   string           `json:"stream_id"`
	Host       string           `json:"host"`
	Title      string           `json:"title"`
	Visibility StreamVisibility `json:"visibility"`
	Flags      StreamFlags      `json:"flags"`
}

func (h *Hub) handleCreateStream(in *InFrame) error {
	var p CreateStreamPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	s := h.CreateStream(in.Sender, p.Title, p.Visibility, p.Flags)
	if conn := h.connOf(in); conn != nil {
		h.registry.Join(conn, s.ID)
	}
	reply, err := NewReply(KStreamCreated, in.CID, streamCreatedPayload{
		StreamID:   s.ID,
		Host:       s.Host,
		Title:      s.Title,
		Visibility: s.Visibility,
		Flags:      s.Flags,
	})
	if err != nil {
		return err
	}
	reply.Room = s.ID
	h.replyTo(in, reply)
	return nil
}

type StreamRefPayload struct {
	StreamID string `json:"stream_id,omitempty"`
}

func (h *Hub) streamOf(in *InFrame) (*StreamRoom, error) {
	id := in.Room
	if id == "" {
		var p StreamRefPayload
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &p); err != nil {
				return nil, WrapError(KindBadFrame, "malformed payload", err)
			}
		}
		id = p.StreamID
	}
	s := h.streamByID(id)
	if s == nil {
		return nil, NewError(KindNotFound, "stream not found")
	}
	return s, nil
}

func (h *Hub) handleStreamLifecycle(ctx context.Context, in *InFrame) error {
	s, err := h.streamOf(in)
	if err != nil {
		return err
	}
	switch in.Kind {
	case KStartStream:
		if err := s.GoLive(in.Sender); err != nil {
			return err
		}
	case KEndStream:
		if err := s.End(ctx, in.Sender); err != nil {
			return err
		}
	}
	h.ack(in, StreamRefPayload{StreamID: s.ID})
	return nil
}

func (h *Hub) handleJoinStream(ctx context.Context, in *InFrame) error {
	s, err := h.streamOf(in)
	if err != nil {
		return err
	}
	conn := h.connOf(in)
	if conn == nil {
		return nil
	}
	follows := false
	if s.Visibility == VisFollowers && in.Sender != s.Host {
		rel, err := conn.relations(ctx, h.ident, s.Host)
		if err != nil {
			return WrapError(KindUnavailable, "relations lookup", err)
		}
		follows = rel.Followers[in.Sender]
	}
	if err := s.Join(conn, follows); err != nil {
		return err
	}
	h.ack(in, StreamRefPayload{StreamID: s.ID})
	return nil
}

func (h *Hub) handleLeaveStream(in *InFrame) error {
	s, err := h.streamOf(in)
	if err != nil {
		return err
	}
	if conn := h.connOf(in); conn != nil {
		s.Leave(conn)
	}
	h.ack(in, StreamRefPayload{StreamID: s.ID})
	return nil
}

func (h *Hub) handleSignal(in *InFrame) error {
	var p SignalPayload
	if err := json.Unmarshal(in.Data, &p); err != nil {
		return WrapError(KindBadFrame, "malformed signal payload", err)
	}
	if p.StreamID == "" {
		p.StreamID = in.Room
	}
	s := h.streamByID(p.StreamID)
	if s == nil {
		return NewError(KindNotFound, "stream not found")
	}
	if err := h.relay.Relay(in.Kind, in.Sender, s, &p); err != nil {
		return err
	}
	h.ack(in, map[string]string{"to": p.To})
	return nil
}

func (h *Hub) handleStreamChat(ctx context.Context, in *InFrame) error {
	var p SendPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	s, err := h.streamOf(in)
	if err != nil {
		return err
	}
	_, err = s.SendChat(ctx, SendInput{
		Sender:     in.Sender,
		Kind:       p.Kind,
		Body:       p.Body,
		DedupeID:   p.Dedupe,
		OriginConn: in.ConnID,
		CID:        in.CID,
	})
	return err
}

type StreamReactPayload struct {
	Emoji string `json:"emoji" validate:"required"`
}

func (h *Hub) handleStreamReaction(in *InFrame) error {
	var p StreamReactPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	s, err := h.streamOf(in)
	if err != nil {
		return err
	}
	if !s.IsParticipant(in.Sender) {
		return ErrNotMember
	}
	return s.React(in.Sender, p.Emoji)
}

// DonatePayload is accepted only after the payments collaborator confirmed
// settlement; the hub records and fans out.
type DonatePayload struct {
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Currency string `json:"currency" validate:"required"`
	Message  string `json:"message,omitempty"`
}

func (h *Hub) handleDonate(ctx context.Context, in *InFrame) error {
	var p DonatePayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	s, err := h.streamOf(in)
	if err != nil {
		return err
	}
	return s.Donate(ctx, &Donation{
		Donor:    in.Sender,
		Amount:   p.Amount,
		Currency: p.Currency,
		Message:  p.Message,
		SentAt:   time.Now(),
	})
}

// ModerationInPayload covers ban/unban/timeout/grant-mod/revoke-mod.
type ModerationInPayload struct {
	Target    string `json:"target" validate:"required"`
	Reason    string `json:"reason,omitempty"`
	DurationS int64  `json:"duration_s,omitempty"`
}

func (h *Hub) handleModeration(ctx context.Context, in *InFrame) error {
	var p ModerationInPayload
	if err := decodePayload(in, &p); err != nil {
		return err
	}
	s, err := h.streamOf(in)
	if err != nil {
		return err
	}
	switch in.Kind {
	case KBan:
		err = s.Ban(ctx, in.Sender, p.Target, p.Reason, time.Duration(p.DurationS)*time.Second)
	case KUnban:
		err = s.Unban(ctx, in.Sender, p.Target)
	case KTimeoutUser:
		if p.DurationS <= 0 {
			return NewError(KindBadFrame, "timeout requires duration_s")
		}
		err = s.Timeout(in.Sender, p.Target, time.Duration(p.DurationS)*time.Second)
	case KGrantMod:
		err = s.GrantMod(in.Sender, p.Target)
	case KRevokeMod:
		err = s.RevokeMod(in.Sender, p.Target)
	}
	if err != nil {
		return err
	}
	h.ack(in, map[string]string{"target": p.Target})
	return nil
}
