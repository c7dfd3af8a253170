package signaling

import (
	"sync"

	"github.com/google/uuid"
)

// rooms tracks which locally connected users listen to which chat
type rooms struct {
	mu      sync.RWMutex
	members map[uuid.UUID]map[uuid.UUID]struct{}
}

func newRooms() *rooms {
	return &rooms{members: make(map[uuid.UUID]map[uuid.UUID]struct{})}
}

func (r *rooms) join(chatID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[chatID] == nil {
		r.members[chatID] = make(map[uuid.UUID]struct{})
	}
	r.members[chatID][userID] = struct{}{}
}

func (r *rooms) leave(chatID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(chatID, userID)
}

func (r *rooms) leaveAll(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID := range r.members {
		r.leaveLocked(chatID, userID)
	}
}

func (r *rooms) leaveLocked(chatID, userID uuid.UUID) {
	members, ok := r.members[chatID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.members, chatID)
	}
}

// list returns the room's members minus the excluded users
func (r *rooms) list(chatID uuid.UUID, except ...uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.members[chatID]))
	for userID := range r.members[chatID] {
		skip := false
		for _, ex := range except {
			if ex == userID {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, userID)
		}
	}
	return out
}
