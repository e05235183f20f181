package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type typingRecorder struct {
	mu     sync.Mutex
	events []TypingPayload
}

func (r *typingRecorder) record(roomID, identity string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, TypingPayload{Identity: identity, RoomID: roomID, Typing: typing})
}

func (r *typingRecorder) snapshot() []TypingPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TypingPayload(nil), r.events...)
}

func Test_Typing_SetAndExpire(t *testing.T) {
	rec := &typingRecorder{}
	tt := NewTypingTable(20*time.Millisecond, rec.record)
	defer tt.Stop()

	tt.Set("room", "alice")
	ev := rec.snapshot()
	assert.Len(t, ev, 1)
	assert.True(t, ev[0].Typing)

	// Expiry emits typing=false exactly once.
	assert.Eventually(t, func() bool {
		ev := rec.snapshot()
		return len(ev) == 2 && !ev[1].Typing
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 2)
}

func Test_Typing_ClearIsIdempotent(t *testing.T) {
	rec := &typingRecorder{}
	tt := NewTypingTable(time.Minute, rec.record)
	defer tt.Stop()

	tt.Set("room", "alice")
	tt.Clear("room", "alice")
	tt.Clear("room", "alice")

	ev := rec.snapshot()
	assert.Len(t, ev, 2)
	assert.False(t, ev[1].Typing)
}

func Test_Typing_SetExtends(t *testing.T) {
	rec := &typingRecorder{}
	tt := NewTypingTable(30*time.Millisecond, rec.record)
	defer tt.Stop()

	tt.Set("room", "alice")
	time.Sleep(20 * time.Millisecond)
	tt.Set("room", "alice")
	time.Sleep(20 * time.Millisecond)

	// The second Set extended the token past the original deadline.
	for _, ev := range rec.snapshot() {
		assert.True(t, ev.Typing)
	}
}

func Test_Typing_ClearIdentity(t *testing.T) {
	rec := &typingRecorder{}
	tt := NewTypingTable(time.Minute, rec.record)
	defer tt.Stop()

	tt.Set("room-a", "alice")
	tt.Set("room-b", "alice")
	tt.Set("room-a", "bob")
	tt.ClearIdentity("alice")

	var falses int
	for _, ev := range rec.snapshot() {
		if !ev.Typing {
			falses++
			assert.Equal(t, "alice", ev.Identity)
		}
	}
	assert.Equal(t, 2, falses)
}
