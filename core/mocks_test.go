package core

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// newTestConn builds an in-memory connection that never touches a socket.
// Frames land in the outbound queue and are read back with recvAll.
func newTestConn(id int64, identity string, buf int) *Conn {
	return &Conn{
		ID:       id,
		Identity: identity,
		out:      make(chan *Frame, buf),
		state:    Active,
		relCache: make(map[string]relationsEntry),
		relTTL:   time.Minute,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// recvAll drains the connection's outbound queue without blocking.
func recvAll(c *Conn) []*Frame {
	var out []*Frame
	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func kindsOf(frames []*Frame) []FrameKind {
	out := make([]FrameKind, len(frames))
	for i, f := range frames {
		out[i] = f.Kind
	}
	return out
}

// memStore is an in-memory StorePort for room engine tests.
type memStore struct {
	mu        sync.Mutex
	messages  map[string]*Message
	byDedupe  map[string]*Message
	statuses  map[string]MessageStatus
	reactions map[string]map[string]bool
	bans      map[string]BanRecord
	donations []Donation
	snapshots map[string]*StreamSnapshot

	failPersist error
}

func newMemStore() *memStore {
	return &memStore{
		messages:  make(map[string]*Message),
		byDedupe:  make(map[string]*Message),
		statuses:  make(map[string]MessageStatus),
		reactions: make(map[string]map[string]bool),
		bans:      make(map[string]BanRecord),
		snapshots: make(map[string]*StreamSnapshot),
	}
}

func (s *memStore) PersistMessage(ctx context.Context, m *Message) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPersist != nil {
		return nil, false, s.failPersist
	}
	if m.DedupeID != "" {
		if prev, ok := s.byDedupe[m.Sender+"\x00"+m.DedupeID]; ok {
			return prev, false, nil
		}
	}
	cp := *m
	s.messages[m.ID] = &cp
	s.statuses[m.ID] = StatusSent
	if m.DedupeID != "" {
		s.byDedupe[m.Sender+"\x00"+m.DedupeID] = &cp
	}
	return m, true, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, messageID string, status MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[messageID].Advances(status) {
		s.statuses[messageID] = status
	}
	return nil
}

func (s *memStore) UpsertReaction(ctx context.Context, messageID, identity, emoji string, present bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageID + "\x00" + emoji
	if s.reactions[key] == nil {
		s.reactions[key] = make(map[string]bool)
	}
	if present {
		s.reactions[key][identity] = true
	} else {
		delete(s.reactions[key], identity)
	}
	return nil
}

func (s *memStore) MarkEdited(ctx context.Context, messageID string, body MessageBody, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrMsgNotFound
	}
	m.Body = body
	m.Edited = true
	m.EditedAt = at
	return nil
}

func (s *memStore) MarkDeleted(ctx context.Context, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrMsgNotFound
	}
	m.Tombstone(at)
	return nil
}

func (s *memStore) LoadHistory(ctx context.Context, roomID string, cursor uint64, limit int) (*HistoryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []Message
	for _, m := range s.messages {
		if m.RoomID == roomID && m.Seq > cursor && !m.Deleted {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	page := &HistoryPage{Messages: msgs, NextCursor: cursor}
	if len(msgs) > 0 {
		page.NextCursor = msgs[len(msgs)-1].Seq
	}
	return page, nil
}

func (s *memStore) RecordStreamSnapshot(ctx context.Context, snap *StreamSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.StreamID] = snap
	return nil
}

func (s *memStore) AddBan(ctx context.Context, ban *BanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[ban.StreamID+"\x00"+ban.Identity] = *ban
	return nil
}

func (s *memStore) RemoveBan(ctx context.Context, streamID, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, streamID+"\x00"+identity)
	return nil
}

func (s *memStore) ListBans(ctx context.Context, streamID string) ([]BanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BanRecord
	for _, b := range s.bans {
		if b.StreamID == streamID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) RecordDonation(ctx context.Context, streamID string, d *Donation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.donations = append(s.donations, *d)
	return nil
}

// memIdent is an in-memory IdentityPort. Tokens are "tok:" + identity id.
type memIdent struct {
	mu         sync.Mutex
	identities map[string]*Identity
	relations  map[string]*Relations
}

func newMemIdent(ids ...string) *memIdent {
	m := &memIdent{
		identities: make(map[string]*Identity),
		relations:  make(map[string]*Relations),
	}
	for _, id := range ids {
		m.identities[id] = &Identity{ID: id, Handle: id, DMPolicy: DMEveryone}
		m.relations[id] = &Relations{
			Followers: make(map[string]bool),
			Following: make(map[string]bool),
			Blocked:   make(map[string]bool),
			DMPolicy:  DMEveryone,
		}
	}
	return m
}

func (m *memIdent) Verify(ctx context.Context, token string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(token) <= len("tok:") {
		return nil, NewError(KindUnauthorized, "bad token")
	}
	id, ok := m.identities[token[len("tok:"):]]
	if !ok {
		return nil, NewError(KindUnauthorized, "bad token")
	}
	return id, nil
}

func (m *memIdent) Relations(ctx context.Context, id string) (*Relations, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.relations[id]
	if !ok {
		return nil, NewErrorf(KindNotFound, "identity %s not found", id)
	}
	return rel, nil
}

func (m *memIdent) Get(ctx context.Context, id string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil, NewErrorf(KindNotFound, "identity %s not found", id)
	}
	return identity, nil
}

func (m *memIdent) TouchLastSeen(ctx context.Context, id string, at time.Time) {}
