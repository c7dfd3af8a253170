package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatcall-backend/pkg/constants"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Call events
	EventCallInitiate AuditEventType = "call_initiate"
	EventCallRinging  AuditEventType = "call_ringing"
	EventCallJoin     AuditEventType = "call_join"
	EventCallEnd      AuditEventType = "call_end"
	EventCallMissed   AuditEventType = "call_missed"
	EventCallReject   AuditEventType = "call_reject"
)

// AuditEvent represents an audit log entry
type AuditEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	EventType AuditEventType `json:"event_type"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Success   bool           `json:"success"`
	Details   string         `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ListStore is the subset of the Redis wrapper the audit log writes through
type ListStore interface {
	SafeLPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	SafeExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	SafeLRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// AuditLogger appends events to one Redis list per UTC day
type AuditLogger struct {
	store     ListStore
	retention time.Duration
	now       func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(store ListStore) *AuditLogger {
	return &AuditLogger{
		store:     store,
		retention: constants.AuditLogRetention,
		now:       time.Now,
	}
}

func dayKey(day time.Time) string {
	return fmt.Sprintf("audit:events:%s", day.UTC().Format("2006-01-02"))
}

// Log logs an audit event
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = al.now().UTC()
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := dayKey(event.Timestamp)
	member := fmt.Sprintf("%s:%s", event.EventID, eventJSON)

	if err := al.store.SafeLPush(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	if err := al.store.SafeExpire(ctx, key, al.retention).Err(); err != nil {
		return fmt.Errorf("failed to set audit log expiry: %w", err)
	}
	return nil
}

// Recent returns up to limit events logged on day, newest first
func (al *AuditLogger) Recent(ctx context.Context, day time.Time, limit int64) ([]AuditEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := al.store.SafeLRange(ctx, dayKey(day), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	events := make([]AuditEvent, 0, len(members))
	for _, m := range members {
		// member is "<event id>:<json>"
		_, raw, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// LogCall records a call lifecycle step performed by actor
func (al *AuditLogger) LogCall(ctx context.Context, eventType AuditEventType, actor, callID uuid.UUID, details string) error {
	event := &AuditEvent{
		EventType: eventType,
		Resource:  "call:" + callID.String(),
		Action:    string(eventType),
		Success:   true,
		Details:   details,
	}
	if actor != uuid.Nil {
		event.UserID = &actor
	}
	return al.Log(ctx, event)
}
