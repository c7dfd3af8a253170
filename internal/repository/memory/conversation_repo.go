package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ConversationRepository is an in-memory chat membership directory.
// With openMembership set every user counts as a member of every chat,
// which is how the service runs without a database in development.
type ConversationRepository struct {
	mu             sync.RWMutex
	members        map[uuid.UUID]map[uuid.UUID]struct{}
	openMembership bool
}

// NewConversationRepository creates a membership directory
func NewConversationRepository(openMembership bool) *ConversationRepository {
	return &ConversationRepository{
		members:        make(map[uuid.UUID]map[uuid.UUID]struct{}),
		openMembership: openMembership,
	}
}

// AddMember records userID as a member of chatID
func (r *ConversationRepository) AddMember(chatID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[chatID] == nil {
		r.members[chatID] = make(map[uuid.UUID]struct{})
	}
	r.members[chatID][userID] = struct{}{}
}

func (r *ConversationRepository) IsParticipant(_ context.Context, chatID, userID uuid.UUID) (bool, error) {
	if r.openMembership {
		return true, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[chatID][userID]
	return ok, nil
}

func (r *ConversationRepository) GetParticipants(_ context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.members[chatID]))
	for id := range r.members[chatID] {
		out = append(out, id)
	}
	return out, nil
}
