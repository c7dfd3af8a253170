// Package presence tracks which users currently hold a signaling connection
// on this instance. ClusterView widens the answer to every instance.
package presence

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Send on a handle whose connection is gone
	ErrClosed = errors.New("presence: connection closed")

	// ErrBufferFull is returned by Send when the outbound queue is full
	ErrBufferFull = errors.New("presence: send buffer full")
)

// Handle is one live signaling connection. Send must not block.
type Handle interface {
	ID() string
	UserID() uuid.UUID
	Send(msg []byte) error
	Close()
}

// Change describes a presence transition and the roster right after it
type Change struct {
	UserID uuid.UUID
	Online bool
	// Reconnect marks a registration that replaced a live connection; the
	// user was already online.
	Reconnect bool
	Roster    []uuid.UUID
}

// Listener observes presence changes. Listeners run one at a time in change
// order and must not call back into Register or Unregister.
type Listener func(Change)

// Registry maps user ids to their current connection handle. The newest
// registration for a user wins; unregistering a replaced handle is a no-op.
type Registry struct {
	mu      sync.RWMutex
	handles map[uuid.UUID]Handle

	notifyMu  sync.Mutex
	listeners []Listener
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: make(map[uuid.UUID]Handle)}
}

// OnChange adds a listener for later changes
func (r *Registry) OnChange(l Listener) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register makes h the user's connection and returns the handle it replaced, if any
func (r *Registry) Register(h Handle) Handle {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	previous := r.handles[h.UserID()]
	r.handles[h.UserID()] = h
	roster := r.rosterLocked()
	r.mu.Unlock()

	if previous == h {
		return nil
	}
	r.notify(Change{UserID: h.UserID(), Online: true, Reconnect: previous != nil, Roster: roster})
	return previous
}

// Unregister removes h if it is still the user's current connection
func (r *Registry) Unregister(h Handle) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	current, ok := r.handles[h.UserID()]
	if !ok || current.ID() != h.ID() {
		r.mu.Unlock()
		return false
	}
	delete(r.handles, h.UserID())
	roster := r.rosterLocked()
	r.mu.Unlock()

	r.notify(Change{UserID: h.UserID(), Online: false, Roster: roster})
	return true
}

// Lookup returns the user's current connection
func (r *Registry) Lookup(userID uuid.UUID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[userID]
	return h, ok
}

// Online returns the registered user ids in a stable order
func (r *Registry) Online() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

// Count returns the number of registered users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Broadcast sends msg to every registered handle except the listed users.
// It returns how many handles accepted the message.
func (r *Registry) Broadcast(msg []byte, except ...uuid.UUID) int {
	r.mu.RLock()
	targets := make([]Handle, 0, len(r.handles))
	for userID, h := range r.handles {
		if !contains(except, userID) {
			targets = append(targets, h)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, h := range targets {
		if h.Send(msg) == nil {
			sent++
		}
	}
	return sent
}

// Close closes every handle and empties the registry without notifying listeners
func (r *Registry) Close() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[uuid.UUID]Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

func (r *Registry) rosterLocked() []uuid.UUID {
	roster := make([]uuid.UUID, 0, len(r.handles))
	for userID := range r.handles {
		roster = append(roster, userID)
	}
	sort.Slice(roster, func(i, j int) bool {
		return bytes.Compare(roster[i][:], roster[j][:]) < 0
	})
	return roster
}

func (r *Registry) notify(change Change) {
	for _, l := range r.listeners {
		l(change)
	}
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
