package presence

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type fakeMirror struct {
	online   []uuid.UUID
	err      error
	degraded bool
}

func (m *fakeMirror) GetOnlineUsers(context.Context) ([]uuid.UUID, error) {
	return m.online, m.err
}

func (m *fakeMirror) IsUserOnline(_ context.Context, userID uuid.UUID) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return contains(m.online, userID), nil
}

func (m *fakeMirror) IsDegraded() bool { return m.degraded }

func TestClusterView_Online(t *testing.T) {
	local, remote := uuid.New(), uuid.New()
	registry := NewRegistry()
	registry.Register(newFakeHandle(local))

	tests := []struct {
		name   string
		mirror Mirror
		want   []uuid.UUID
	}{
		{"no mirror", nil, []uuid.UUID{local}},
		{"merges remote users", &fakeMirror{online: []uuid.UUID{remote, local}}, []uuid.UUID{local, remote}},
		{"degraded mirror", &fakeMirror{online: []uuid.UUID{remote}, degraded: true}, []uuid.UUID{local}},
		{"failing mirror", &fakeMirror{err: errors.New("connection refused")}, []uuid.UUID{local}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := NewClusterView(registry, tt.mirror, nil)
			assert.Equal(t, tt.want, view.Online(context.Background()))
		})
	}
}

func TestClusterView_IsOnline(t *testing.T) {
	local, remote, offline := uuid.New(), uuid.New(), uuid.New()
	registry := NewRegistry()
	registry.Register(newFakeHandle(local))
	ctx := context.Background()

	view := NewClusterView(registry, &fakeMirror{online: []uuid.UUID{remote}}, nil)
	assert.True(t, view.IsOnline(ctx, local))
	assert.True(t, view.IsOnline(ctx, remote))
	assert.False(t, view.IsOnline(ctx, offline))

	failing := NewClusterView(registry, &fakeMirror{err: errors.New("timeout")}, nil)
	assert.True(t, failing.IsOnline(ctx, local))
	assert.False(t, failing.IsOnline(ctx, remote))
}
