package core

import (
	"hash/fnv"
	"sync"
)

// Registry is the session registry: identity → live connections and
// room → member connections. Join/Detach are linearizable with respect to
// membership queries: once Join returns, MembersOf observes the new member;
// once Detach returns, no broadcast reaches that connection.
//
// The room index is sharded by room id. Cross-shard work (a connection
// leaving all its rooms on disconnect) is done one shard at a time.
type Registry struct {
	identMu sync.RWMutex
	byIdent map[string][]*Conn

	shards []*registryShard
}

type registryShard struct {
	mu      sync.RWMutex
	byRoom  map[string]map[*Conn]bool
	roomsOf map[*Conn]map[string]bool
}

func NewRegistry(shardCount int) *Registry {
	if shardCount < 1 {
		shardCount = 1
	}
	r := &Registry{
		byIdent: make(map[string][]*Conn),
		shards:  make([]*registryShard, shardCount),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			byRoom:  make(map[string]map[*Conn]bool),
			roomsOf: make(map[*Conn]map[string]bool),
		}
	}
	return r
}

func (r *Registry) shard(roomID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Attach registers a connection under its identity. It returns the number of
// connections the identity now owns.
func (r *Registry) Attach(c *Conn) int {
	r.identMu.Lock()
	defer r.identMu.Unlock()
	r.byIdent[c.Identity] = append(r.byIdent[c.Identity], c)
	return len(r.byIdent[c.Identity])
}

// Detach removes the connection from the identity index and every room it
// joined. It returns the rooms left and the identity's remaining connection
// count.
func (r *Registry) Detach(c *Conn) (rooms []string, remaining int) {
	r.identMu.Lock()
	conns := r.byIdent[c.Identity]
	for i, cc := range conns {
		if cc == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byIdent, c.Identity)
	} else {
		r.byIdent[c.Identity] = conns
	}
	remaining = len(conns)
	r.identMu.Unlock()

	for _, s := range r.shards {
		s.mu.Lock()
		for roomID := range s.roomsOf[c] {
			delete(s.byRoom[roomID], c)
			if len(s.byRoom[roomID]) == 0 {
				delete(s.byRoom, roomID)
			}
			rooms = append(rooms, roomID)
		}
		delete(s.roomsOf, c)
		s.mu.Unlock()
	}
	return rooms, remaining
}

// ConnectionsOf returns a snapshot of the identity's live connections.
func (r *Registry) ConnectionsOf(identity string) []*Conn {
	r.identMu.RLock()
	defer r.identMu.RUnlock()
	conns := r.byIdent[identity]
	out := make([]*Conn, len(conns))
	copy(out, conns)
	return out
}

// Online reports whether the identity has at least one live connection.
func (r *Registry) Online(identity string) bool {
	r.identMu.RLock()
	defer r.identMu.RUnlock()
	return len(r.byIdent[identity]) > 0
}

// Join adds the connection to the room's member set. Idempotent.
func (r *Registry) Join(c *Conn, roomID string) {
	s := r.shard(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.byRoom[roomID]
	if !ok {
		members = make(map[*Conn]bool)
		s.byRoom[roomID] = members
	}
	members[c] = true
	rooms, ok := s.roomsOf[c]
	if !ok {
		rooms = make(map[string]bool)
		s.roomsOf[c] = rooms
	}
	rooms[roomID] = true
}

// Leave removes the connection from the room's member set. Idempotent.
func (r *Registry) Leave(c *Conn, roomID string) {
	s := r.shard(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRoom[roomID], c)
	if len(s.byRoom[roomID]) == 0 {
		delete(s.byRoom, roomID)
	}
	delete(s.roomsOf[c], roomID)
}

// MembersOf returns a snapshot of the room's member connections.
func (r *Registry) MembersOf(roomID string) []*Conn {
	s := r.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, len(s.byRoom[roomID]))
	for c := range s.byRoom[roomID] {
		out = append(out, c)
	}
	return out
}

// RoomConnsOf returns the connections of one identity inside one room.
func (r *Registry) RoomConnsOf(roomID, identity string) []*Conn {
	var out []*Conn
	for _, c := range r.MembersOf(roomID) {
		if c.Identity == identity {
			out = append(out, c)
		}
	}
	return out
}
