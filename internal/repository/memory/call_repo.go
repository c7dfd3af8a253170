// Package memory provides process-local repositories used when CockroachDB is
// unavailable and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/repository"
)

// CallRepository keeps call records in a map and mirrors the constraints of
// the SQL store: one active call per chat, optimistic versions
type CallRepository struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.Call
}

// NewCallRepository creates an empty in-memory call store
func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[uuid.UUID]*domain.Call)}
}

func (r *CallRepository) Create(_ context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.calls {
		if existing.ChatID == call.ChatID && existing.Status.IsActive() {
			return repository.ErrActiveCallExists
		}
	}

	call.Version = 1
	r.calls[call.ID] = call.Clone()
	return nil
}

func (r *CallRepository) Update(_ context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.calls[call.ID]
	if !ok {
		return repository.ErrCallNotFound
	}
	if existing.Version != call.Version {
		return repository.ErrStaleCall
	}

	call.Version++
	r.calls[call.ID] = call.Clone()
	return nil
}

func (r *CallRepository) GetByID(_ context.Context, callID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, repository.ErrCallNotFound
	}
	return call.Clone(), nil
}

func (r *CallRepository) FindActiveByChat(_ context.Context, chatID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, call := range r.calls {
		if call.ChatID == chatID && call.Status.IsActive() {
			return call.Clone(), nil
		}
	}
	return nil, nil
}

func (r *CallRepository) ListStale(_ context.Context, before time.Time, limit int) ([]*domain.Call, error) {
	calls := r.filter(func(c *domain.Call) bool {
		return (c.Status == domain.CallStatusInitiated || c.Status == domain.CallStatusRinging) &&
			c.CreatedAt.Before(before)
	})
	sort.Slice(calls, func(i, j int) bool { return calls[i].CreatedAt.Before(calls[j].CreatedAt) })
	return page(calls, limit, 0), nil
}

func (r *CallRepository) GetUserCalls(_ context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	calls := r.filter(func(c *domain.Call) bool {
		return c.InitiatorID == userID || c.HasParticipant(userID)
	})
	sortNewestFirst(calls)
	return page(calls, limit, offset), nil
}

func (r *CallRepository) GetChatCalls(_ context.Context, chatID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	calls := r.filter(func(c *domain.Call) bool { return c.ChatID == chatID })
	sortNewestFirst(calls)
	return page(calls, limit, offset), nil
}

func (r *CallRepository) filter(keep func(*domain.Call) bool) []*domain.Call {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Call, 0)
	for _, call := range r.calls {
		if keep(call) {
			out = append(out, call.Clone())
		}
	}
	return out
}

func sortNewestFirst(calls []*domain.Call) {
	sort.Slice(calls, func(i, j int) bool { return calls[i].CreatedAt.After(calls[j].CreatedAt) })
}

func page(calls []*domain.Call, limit, offset int) []*domain.Call {
	if offset >= len(calls) {
		return []*domain.Call{}
	}
	calls = calls[offset:]
	if limit > 0 && limit < len(calls) {
		calls = calls[:limit]
	}
	return calls
}
