package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
)

// RedisBus delivers signaling frames between instances over one Redis
// pub/sub channel per connected user.
type RedisBus struct {
	client *database.RedisClient
	log    *zap.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*redis.PubSub
}

// NewRedisBus creates a bus on client
func NewRedisBus(client *database.RedisClient, log *zap.Logger) *RedisBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{
		client: client,
		log:    log,
		subs:   make(map[uuid.UUID]*redis.PubSub),
	}
}

func userChannel(userID uuid.UUID) string {
	return fmt.Sprintf("signal:user:%s", userID)
}

// Publish sends frame to whichever instance holds the user's connection
func (b *RedisBus) Publish(ctx context.Context, userID uuid.UUID, frame []byte) (bool, error) {
	receivers, err := b.client.SafePublish(ctx, userChannel(userID), frame).Result()
	if err != nil {
		return false, fmt.Errorf("failed to publish signal: %w", err)
	}
	return receivers > 0, nil
}

// Subscribe starts forwarding frames addressed to userID to deliver,
// replacing any earlier subscription for the same user.
func (b *RedisBus) Subscribe(ctx context.Context, userID uuid.UUID, deliver func(frame []byte)) error {
	if b.client.IsDegraded() {
		return fmt.Errorf("redis is in degraded mode, subscribe skipped")
	}

	pubsub := b.client.Client.Subscribe(ctx, userChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", userChannel(userID), err)
	}

	b.mu.Lock()
	previous := b.subs[userID]
	b.subs[userID] = pubsub
	b.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	go func() {
		for msg := range pubsub.Channel() {
			deliver([]byte(msg.Payload))
		}
		b.log.Debug("Signaling bus subscription closed", zap.String("user_id", userID.String()))
	}()
	return nil
}

// Unsubscribe stops forwarding frames for userID
func (b *RedisBus) Unsubscribe(userID uuid.UUID) error {
	b.mu.Lock()
	pubsub, ok := b.subs[userID]
	delete(b.subs, userID)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return pubsub.Close()
}

// Close drops every subscription
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uuid.UUID]*redis.PubSub)
	b.mu.Unlock()

	for _, pubsub := range subs {
		_ = pubsub.Close()
	}
	return nil
}
