package core

import "time"

// DMPolicy controls who may open a direct room with an identity.
type DMPolicy string

const (
	DMEveryone  DMPolicy = "everyone"
	DMFollowers DMPolicy = "followers"
	DMNone      DMPolicy = "none"
)

// Identity is the hub's verified view of an actor. It is produced by the
// identity subsystem; the hub never mutates it except for last-seen.
type Identity struct {
	ID        string   `json:"id"`
	Handle    string   `json:"handle"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	Verified  bool     `json:"verified"`
	IsPrivate bool     `json:"is_private"`
	DMPolicy  DMPolicy `json:"dm_policy"`
	// BotEnabled turns on AI auto-reply for direct messages to this identity.
	BotEnabled  bool   `json:"bot_enabled"`
	Personality string `json:"personality,omitempty"`
}

// Relations is the social view consulted by the access predicates.
type Relations struct {
	Followers map[string]bool
	Following map[string]bool
	Blocked   map[string]bool
	DMPolicy  DMPolicy
}

// MayInteract is the base predicate: neither side has blocked the other.
// Room-level bans are checked by the owning room engine.
func MayInteract(a, b string, ra, rb *Relations) bool {
	if ra != nil && ra.Blocked[b] {
		return false
	}
	if rb != nil && rb.Blocked[a] {
		return false
	}
	return true
}

// MayDM consults b's dm-policy for an initiation by a.
func MayDM(a string, rb *Relations) bool {
	if rb == nil {
		return true
	}
	switch rb.DMPolicy {
	case DMNone:
		return false
	case DMFollowers:
		return rb.Followers[a]
	default:
		return true
	}
}

// relationsEntry is a cached relations lookup with a short TTL, held
// per-connection so predicate checks do not hit the identity port on every
// frame.
type relationsEntry struct {
	rel     *Relations
	fetched time.Time
}
