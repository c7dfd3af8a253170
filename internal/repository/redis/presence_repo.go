package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/constants"
)

const onlineSetKey = "presence:online"

// PresenceRepository mirrors signaling presence into Redis so other services
// can show who is online. It is never consulted for call routing.
type PresenceRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client, ttl: constants.PresenceTTL}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetUserOnline marks user as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeSet(ctx, presenceKey(userID), "online", r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}

	if err := r.client.SafeSAdd(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	if err := r.client.SafeSRem(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}

	return nil
}

// IsUserOnline checks if user is currently online
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// RefreshPresence extends the presence key while the socket stays open
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// GetOnlineUsers retrieves the mirrored online user ids. Members whose
// presence key has expired are dropped from the set.
func (r *PresenceRepository) GetOnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := r.client.SafeSMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	userIDs := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		userID, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		online, err := r.IsUserOnline(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !online {
			// instance died without SetUserOffline
			if err := r.client.SafeSRem(ctx, onlineSetKey, s).Err(); err != nil {
				return nil, fmt.Errorf("failed to prune online set: %w", err)
			}
			continue
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
