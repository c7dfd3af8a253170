package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/database"
	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/audit"
)

func newAuditLogger(t *testing.T) *audit.AuditLogger {
	t.Helper()
	server := miniredis.RunT(t)
	client := database.NewRedisClient(goredis.NewClient(&goredis.Options{Addr: server.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return audit.NewAuditLogger(client)
}

func TestAuditPublisher_RecordsLifecycle(t *testing.T) {
	log := newAuditLogger(t)
	p := NewAuditPublisher(log)
	ctx := context.Background()

	event := testEvent()
	require.NoError(t, p.Publish(ctx, event))

	now := time.Now().UTC()
	event.Type = domain.CallEventMissed
	event.Call.Status = domain.CallStatusMissed
	event.Call.EndReason = domain.EndReasonTimeout
	event.ActorID = uuid.Nil
	require.NoError(t, p.Publish(ctx, event))

	entries, err := log.Recent(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, audit.EventCallMissed, entries[0].EventType)
	assert.Nil(t, entries[0].UserID)
	assert.Contains(t, entries[0].Details, "reason=timeout")

	assert.Equal(t, audit.EventCallInitiate, entries[1].EventType)
	require.NotNil(t, entries[1].UserID)
	assert.Equal(t, event.Call.InitiatorID, *entries[1].UserID)
	assert.Equal(t, "call:"+event.Call.ID.String(), entries[1].Resource)
}

func TestAuditPublisher_RejectsEventWithoutCall(t *testing.T) {
	p := NewAuditPublisher(newAuditLogger(t))
	err := p.Publish(context.Background(), domain.CallEvent{Type: domain.CallEventEnded})
	assert.Error(t, err)
}
