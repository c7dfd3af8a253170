package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/repository"
)

func TestCallRepository_OneActiveCallPerChat(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	chatID := uuid.New()

	first := domain.NewCall(chatID, uuid.New(), domain.CallKindVoice, time.Now())
	require.NoError(t, repo.Create(ctx, first))

	second := domain.NewCall(chatID, uuid.New(), domain.CallKindVoice, time.Now())
	assert.ErrorIs(t, repo.Create(ctx, second), repository.ErrActiveCallExists)

	first.Status = domain.CallStatusEnded
	require.NoError(t, repo.Update(ctx, first))
	assert.NoError(t, repo.Create(ctx, second))
}

func TestCallRepository_UpdateRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	call := domain.NewCall(uuid.New(), uuid.New(), domain.CallKindVideo, time.Now())
	require.NoError(t, repo.Create(ctx, call))

	a, err := repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	b, err := repo.GetByID(ctx, call.ID)
	require.NoError(t, err)

	a.Status = domain.CallStatusRinging
	require.NoError(t, repo.Update(ctx, a))

	b.Status = domain.CallStatusEnded
	assert.ErrorIs(t, repo.Update(ctx, b), repository.ErrStaleCall)

	stored, err := repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)
}

func TestCallRepository_StoredCopyIsIsolated(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	call := domain.NewCall(uuid.New(), uuid.New(), domain.CallKindVoice, time.Now())
	require.NoError(t, repo.Create(ctx, call))

	call.Status = domain.CallStatusEnded

	stored, err := repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiated, stored.Status)
}

func TestCallRepository_HistoryAndStale(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	user := uuid.New()
	now := time.Now()

	old := domain.NewCall(uuid.New(), user, domain.CallKindVoice, now.Add(-2*time.Minute))
	recent := domain.NewCall(uuid.New(), uuid.New(), domain.CallKindVoice, now)
	recent.AddParticipant(user)
	unrelated := domain.NewCall(uuid.New(), uuid.New(), domain.CallKindVoice, now)
	for _, c := range []*domain.Call{old, recent, unrelated} {
		require.NoError(t, repo.Create(ctx, c))
	}

	history, err := repo.GetUserCalls(ctx, user, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, recent.ID, history[0].ID)

	paged, err := repo.GetUserCalls(ctx, user, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, old.ID, paged[0].ID)

	stale, err := repo.ListStale(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestConversationRepository_Membership(t *testing.T) {
	ctx := context.Background()
	chatID, member := uuid.New(), uuid.New()

	closed := NewConversationRepository(false)
	closed.AddMember(chatID, member)

	ok, err := closed.IsParticipant(ctx, chatID, member)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = closed.IsParticipant(ctx, chatID, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	open := NewConversationRepository(true)
	ok, err = open.IsParticipant(ctx, chatID, uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
}
