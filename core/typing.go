package core

import (
	"sync"
	"time"
)

// TypingPayload is the body of a typing event frame.
type TypingPayload struct {
	Identity string `json:"identity"`
	RoomID   string `json:"room_id"`
	Typing   bool   `json:"typing"`
}

type typingKey struct {
	roomID   string
	identity string
}

// TypingTable holds typing tokens with a TTL. A new typing event overwrites
// the identity's token and extends the timer; expiry or an explicit clear
// emits typing=false exactly once per token.
type TypingTable struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[typingKey]*time.Timer
	emit   func(roomID, identity string, typing bool)
}

func NewTypingTable(ttl time.Duration, emit func(roomID, identity string, typing bool)) *TypingTable {
	return &TypingTable{
		ttl:    ttl,
		tokens: make(map[typingKey]*time.Timer),
		emit:   emit,
	}
}

// Set records or extends the typing token and emits typing=true.
func (t *TypingTable) Set(roomID, identity string) {
	k := typingKey{roomID: roomID, identity: identity}
	t.mu.Lock()
	if timer, ok := t.tokens[k]; ok {
		timer.Reset(t.ttl)
		t.mu.Unlock()
		t.emit(roomID, identity, true)
		return
	}
	t.tokens[k] = time.AfterFunc(t.ttl, func() { t.expire(k) })
	t.mu.Unlock()
	t.emit(roomID, identity, true)
}

// Clear removes the token, emitting typing=false if it existed.
func (t *TypingTable) Clear(roomID, identity string) {
	k := typingKey{roomID: roomID, identity: identity}
	t.mu.Lock()
	timer, ok := t.tokens[k]
	if ok {
		timer.Stop()
		delete(t.tokens, k)
	}
	t.mu.Unlock()
	if ok {
		t.emit(roomID, identity, false)
	}
}

// ClearIdentity drops every token held by the identity. Called on
// disconnect cleanup.
func (t *TypingTable) ClearIdentity(identity string) {
	t.mu.Lock()
	var keys []typingKey
	for k, timer := range t.tokens {
		if k.identity == identity {
			timer.Stop()
			delete(t.tokens, k)
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()
	for _, k := range keys {
		t.emit(k.roomID, k.identity, false)
	}
}

func (t *TypingTable) expire(k typingKey) {
	t.mu.Lock()
	_, ok := t.tokens[k]
	if ok {
		delete(t.tokens, k)
	}
	t.mu.Unlock()
	if ok {
		t.emit(k.roomID, k.identity, false)
	}
}

// Stop cancels every pending timer without emitting.
func (t *TypingTable) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, timer := range t.tokens {
		timer.Stop()
		delete(t.tokens, k)
	}
}
