package server

import (
	"sort"
	"sync"
)

// Room is a named conversation that clients join with a shared password.
// The first join creates the room and fixes its password; rooms are never
// deleted, so a room keeps its password even while empty.
type Room struct {
	name     string
	password string
	members  map[string]bool
}

// Directory tracks every logged-on endpoint and every room. All maps are
// guarded by a single RWMutex so that cross-cutting operations (unregister
// a session and remove it from all its rooms) are atomic.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*ClientEndpoint
	rooms    map[string]*Room

	// Endpoints that failed a write and must be torn down by the
	// sweeper. Kept separate from mu so a forwarding endpoint can
	// queue a dead peer without taking the directory lock.
	pendingMu   sync.Mutex
	pending     []*ClientEndpoint
	pendingSeen map[*ClientEndpoint]bool

	metrics *Metrics
}

// NewDirectory creates an empty Directory. metrics may be nil.
func NewDirectory(metrics *Metrics) *Directory {
	return &Directory{
		sessions:    make(map[string]*ClientEndpoint),
		rooms:       make(map[string]*Room),
		pendingSeen: make(map[*ClientEndpoint]bool),
		metrics:     metrics,
	}
}

// Register binds login to ep. Returns false if the login is already bound
// to another endpoint; the caller then decides whether to probe the old
// session for liveness.
func (d *Directory) Register(login string, ep *ClientEndpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.sessions[login]; taken {
		return false
	}
	d.sessions[login] = ep
	if d.metrics != nil {
		d.metrics.RecordSessionCreated()
		d.metrics.RecordActiveSessions(len(d.sessions))
	}
	return true
}

// Lookup returns the endpoint bound to login, or nil.
func (d *Directory) Lookup(login string) *ClientEndpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessions[login]
}

// ReplaceStale swaps old for replacement under login. It fails if the
// binding changed since the caller observed old, which happens when the
// stale session logged out (or was swept) during the liveness probe.
func (d *Directory) ReplaceStale(login string, old, replacement *ClientEndpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.sessions[login]
	if !ok || current != old {
		return false
	}
	// The replacement starts with no room memberships; the stale
	// session's rooms are cleaned up when it is freed.
	for name := range old.rooms {
		if room, ok := d.rooms[name]; ok {
			delete(room.members, login)
		}
	}
	old.rooms = make(map[string]bool)
	d.sessions[login] = replacement
	if d.metrics != nil {
		d.metrics.RecordSessionCreated()
	}
	return true
}

// Unregister removes ep's login binding and all its room memberships.
// Identity-checked: a stale endpoint that was already replaced does not
// evict its successor.
func (d *Directory) Unregister(ep *ClientEndpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	login := ep.login
	if login == "" {
		return
	}
	if current, ok := d.sessions[login]; !ok || current != ep {
		return
	}
	delete(d.sessions, login)
	for name := range ep.rooms {
		if room, ok := d.rooms[name]; ok {
			delete(room.members, login)
		}
	}
	ep.rooms = make(map[string]bool)
	if d.metrics != nil {
		d.metrics.RecordActiveSessions(len(d.sessions))
	}
}

// JoinRoom adds ep to the named room, creating the room on first join.
// Returns false if the password does not match the one the room was
// created with. Joining a room twice is a harmless no-op.
func (d *Directory) JoinRoom(name, password string, ep *ClientEndpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.rooms[name]
	if !ok {
		room = &Room{name: name, password: password, members: make(map[string]bool)}
		d.rooms[name] = room
		if d.metrics != nil {
			d.metrics.RecordRooms(len(d.rooms))
		}
	} else if room.password != password {
		return false
	}
	room.members[ep.login] = true
	ep.rooms[name] = true
	return true
}

// LeaveRoom removes ep from the named room. Returns false if ep was not
// a member. The room itself survives with its password intact.
func (d *Directory) LeaveRoom(name string, ep *ClientEndpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.rooms[name]
	if !ok || !room.members[ep.login] {
		return false
	}
	delete(room.members, ep.login)
	delete(ep.rooms, name)
	return true
}

// IsMember reports whether ep currently belongs to the named room.
func (d *Directory) IsMember(name string, ep *ClientEndpoint) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[name]
	return ok && room.members[ep.login]
}

// RoomMemberEndpoints returns the endpoints of every member of the named
// room, including the caller. The slice is a snapshot; members that log
// out after the call simply fail delivery.
func (d *Directory) RoomMemberEndpoints(name string) []*ClientEndpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[name]
	if !ok {
		return nil
	}
	eps := make([]*ClientEndpoint, 0, len(room.members))
	for login := range room.members {
		if ep, ok := d.sessions[login]; ok {
			eps = append(eps, ep)
		}
	}
	return eps
}

// RoomNames returns the names of all rooms, sorted.
func (d *Directory) RoomNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoomMembers returns the logins of the named room's members, sorted.
// The second return is false if the room does not exist.
func (d *Directory) RoomMembers(name string) ([]string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[name]
	if !ok {
		return nil, false
	}
	members := make([]string, 0, len(room.members))
	for login := range room.members {
		members = append(members, login)
	}
	sort.Strings(members)
	return members, true
}

// AllEndpoints returns a snapshot of every logged-on endpoint.
func (d *Directory) AllEndpoints() []*ClientEndpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	eps := make([]*ClientEndpoint, 0, len(d.sessions))
	for _, ep := range d.sessions {
		eps = append(eps, ep)
	}
	return eps
}

// SessionCount returns the number of logged-on sessions.
func (d *Directory) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// QueueForRemoval marks ep for teardown by the sweeper. Safe to call from
// any goroutine, including ep's own; duplicates are coalesced.
func (d *Directory) QueueForRemoval(ep *ClientEndpoint) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.pendingSeen[ep] {
		return
	}
	d.pendingSeen[ep] = true
	d.pending = append(d.pending, ep)
}

// DrainPending returns and clears the removal queue.
func (d *Directory) DrainPending() []*ClientEndpoint {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	drained := d.pending
	d.pending = nil
	d.pendingSeen = make(map[*ClientEndpoint]bool)
	return drained
}
