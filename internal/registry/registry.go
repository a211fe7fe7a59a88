// Package registry maps transient connection ids to the logical
// (user, username, room) tuple they represent, with reverse indices for
// room fan-out and user-targeted relay.
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// ConnID identifies one live transport connection.
type ConnID string

// Binding is the logical identity behind a connection.
type Binding struct {
	UserID   string
	Username string
	RoomID   string
	JoinedAt time.Time
}

// Registry is pure in-memory bookkeeping. The forward map and both reverse
// indices are always updated under one lock acquisition so they can never
// diverge.
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnID]Binding
	byUser map[string]ConnID
	byRoom map[string]map[ConnID]struct{}

	now func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		conns:  make(map[ConnID]Binding),
		byUser: make(map[string]ConnID),
		byRoom: make(map[string]map[ConnID]struct{}),
	}
}

func (r *Registry) timeNow() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Register binds a connection to (user, username, room). Re-registering a
// connection overwrites its binding. A user id holds at most one connection:
// when userID is already bound elsewhere the old connection is unbound and
// returned so the transport can close it (last registration wins).
func (r *Registry) Register(id ConnID, userID, username, roomID string) (evicted ConnID, hadPrevious bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[userID]; ok && old != id {
		r.removeLocked(old)
		evicted, hadPrevious = old, true
	}
	if _, ok := r.conns[id]; ok {
		r.removeLocked(id)
	}

	r.conns[id] = Binding{UserID: userID, Username: username, RoomID: roomID, JoinedAt: r.timeNow()}
	r.byUser[userID] = id
	set, ok := r.byRoom[roomID]
	if !ok {
		set = make(map[ConnID]struct{})
		r.byRoom[roomID] = set
	}
	set[id] = struct{}{}

	if hadPrevious {
		slog.Info("connection replaced", "user_id", userID, "old_conn", string(evicted), "new_conn", string(id))
	}
	return evicted, hadPrevious
}

// Resolve returns the binding for a connection, if any. Handlers treat a
// missing binding as "connection vanished" and drop the event.
func (r *Registry) Resolve(id ConnID) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.conns[id]
	return b, ok
}

// ConnectionsInRoom returns every connection currently bound to a room.
func (r *Registry) ConnectionsInRoom(roomID string) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byRoom[roomID]
	out := make([]ConnID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ConnectionForUser returns the connection a user id is bound to, if any.
func (r *Registry) ConnectionForUser(userID string) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	return id, ok
}

// Remove unbinds a connection and returns the binding it held. Removing an
// unknown connection is a no-op.
func (r *Registry) Remove(id ConnID) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.conns[id]
	if !ok {
		return Binding{}, false
	}
	r.removeLocked(id)
	return b, true
}

// removeLocked deletes a connection from the forward map and both reverse
// indices. Caller holds r.mu.
func (r *Registry) removeLocked(id ConnID) {
	b, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	if r.byUser[b.UserID] == id {
		delete(r.byUser, b.UserID)
	}
	if set, ok := r.byRoom[b.RoomID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byRoom, b.RoomID)
		}
	}
}

// Count returns the number of live bindings.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
