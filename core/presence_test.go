package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type presenceRecorder struct {
	mu     sync.Mutex
	events []PresencePayload
}

func (r *presenceRecorder) record(identity string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, PresencePayload{Identity: identity, Online: online})
}

func (r *presenceRecorder) snapshot() []PresencePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PresencePayload(nil), r.events...)
}

func Test_Presence_DebouncedOnline(t *testing.T) {
	online := true
	rec := &presenceRecorder{}
	p := NewPresenceTracker(20*time.Millisecond, func(string) bool { return online }, rec.record)
	defer p.Stop()

	p.Touch("alice")
	assert.Empty(t, rec.snapshot(), "no broadcast before the debounce window")

	assert.Eventually(t, func() bool {
		ev := rec.snapshot()
		return len(ev) == 1 && ev[0].Online
	}, time.Second, 5*time.Millisecond)
}

func Test_Presence_FlapCollapses(t *testing.T) {
	// Disconnect then reconnect inside the window: derived state is still
	// online and was never announced offline, so nothing is broadcast.
	online := true
	rec := &presenceRecorder{}
	p := NewPresenceTracker(30*time.Millisecond, func(string) bool { return online }, rec.record)
	defer p.Stop()

	p.Touch("alice")
	time.Sleep(40 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)

	// Flap: offline touch immediately followed by a reconnect touch.
	p.Touch("alice")
	p.Touch("alice")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1, "flap within the window must not broadcast")
}

func Test_Presence_OfflineAfterWindow(t *testing.T) {
	online := true
	rec := &presenceRecorder{}
	p := NewPresenceTracker(15*time.Millisecond, func(string) bool { return online }, rec.record)
	defer p.Stop()

	p.Touch("alice")
	time.Sleep(30 * time.Millisecond)

	online = false
	p.Touch("alice")
	assert.Eventually(t, func() bool {
		ev := rec.snapshot()
		return len(ev) == 2 && !ev[1].Online
	}, time.Second, 5*time.Millisecond)
}
