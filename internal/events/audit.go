package events

import (
	"context"
	"fmt"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/audit"
)

var auditTypes = map[domain.CallEventType]audit.AuditEventType{
	domain.CallEventCreated:  audit.EventCallInitiate,
	domain.CallEventRinging:  audit.EventCallRinging,
	domain.CallEventJoined:   audit.EventCallJoin,
	domain.CallEventEnded:    audit.EventCallEnd,
	domain.CallEventMissed:   audit.EventCallMissed,
	domain.CallEventRejected: audit.EventCallReject,
}

// AuditPublisher keeps a per-day trail of call lifecycle events
type AuditPublisher struct {
	log *audit.AuditLogger
}

// NewAuditPublisher wraps an audit logger
func NewAuditPublisher(log *audit.AuditLogger) *AuditPublisher {
	return &AuditPublisher{log: log}
}

func (p *AuditPublisher) Publish(ctx context.Context, event domain.CallEvent) error {
	if event.Call == nil {
		return fmt.Errorf("audit: event %s has no call", event.Type)
	}
	eventType, ok := auditTypes[event.Type]
	if !ok {
		return nil
	}

	details := fmt.Sprintf("chat=%s status=%s", event.Call.ChatID, event.Call.Status)
	if event.Call.EndReason != domain.EndReasonNone {
		details += " reason=" + string(event.Call.EndReason)
	}
	return p.log.LogCall(ctx, eventType, event.ActorID, event.Call.ID, details)
}
