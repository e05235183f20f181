package core

import (
	"sync"
	"time"
)

type dedupeEntry struct {
	messageID string
	bodyHash  string
	expiresAt time.Time
}

// DedupeCache remembers recently seen client dedupe keys so retried sends
// return the originally created message instead of a duplicate. The store is
// the durable backstop; this cache only short-circuits the hot path.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]dedupeEntry
	window  time.Duration
	now     func() time.Time
}

func NewDedupeCache(window time.Duration) *DedupeCache {
	return &DedupeCache{
		entries: make(map[string]dedupeEntry),
		window:  window,
		now:     time.Now,
	}
}

func (c *DedupeCache) key(sender, dedupe string) string {
	return sender + "\x00" + dedupe
}

// Lookup returns the message id recorded for (sender, dedupe). A hit with a
// different body hash is a conflict.
func (c *DedupeCache) Lookup(sender, dedupe, bodyHash string) (messageID string, hit, conflict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gc()
	e, ok := c.entries[c.key(sender, dedupe)]
	if !ok {
		return "", false, false
	}
	if e.bodyHash != bodyHash {
		return e.messageID, true, true
	}
	return e.messageID, true, false
}

func (c *DedupeCache) Record(sender, dedupe, bodyHash, messageID string) {
	if dedupe == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(sender, dedupe)] = dedupeEntry{
		messageID: messageID,
		bodyHash:  bodyHash,
		expiresAt: c.now().Add(c.window),
	}
}

// gc is called under the lock; the map stays proportional to the dedupe
// window's traffic.
func (c *DedupeCache) gc() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
