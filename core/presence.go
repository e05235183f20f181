package core

import (
	"sync"
	"time"
)

// PresencePayload is the body of a presence event frame.
type PresencePayload struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// PresenceTracker derives online state from connection counts and broadcasts
// transitions after a debounce window, coalescing reconnect flap. The
// broadcast targets are resolved by the caller (followers and direct-room
// counterparts, never a global broadcast).
type PresenceTracker struct {
	mu        sync.Mutex
	debounce  time.Duration
	states    map[string]*presenceState
	online    func(identity string) bool
	broadcast func(identity string, online bool)
}

type presenceState struct {
	timer *time.Timer
	// announced is the last state broadcast for this identity. An identity
	// with no entry is implicitly announced offline.
	announced bool
}

func NewPresenceTracker(debounce time.Duration, online func(string) bool, broadcast func(string, bool)) *PresenceTracker {
	return &PresenceTracker{
		debounce:  debounce,
		states:    make(map[string]*presenceState),
		online:    online,
		broadcast: broadcast,
	}
}

// Touch records a connection-count transition for the identity. The actual
// broadcast happens after the debounce window, against the state derived at
// that moment; flapping within the window collapses to at most one event.
func (p *PresenceTracker) Touch(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[identity]
	if !ok {
		st = &presenceState{}
		p.states[identity] = st
	}
	if st.timer != nil {
		st.timer.Reset(p.debounce)
		return
	}
	st.timer = time.AfterFunc(p.debounce, func() { p.settle(identity) })
}

func (p *PresenceTracker) settle(identity string) {
	now := p.online(identity)
	p.mu.Lock()
	st, ok := p.states[identity]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.timer = nil
	changed := st.announced != now
	st.announced = now
	if !now {
		delete(p.states, identity)
	}
	p.mu.Unlock()
	if changed {
		p.broadcast(identity, now)
	}
}

// Stop cancels all pending debounce timers.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range p.states {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(p.states, id)
	}
}
