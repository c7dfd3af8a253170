package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallKind is the media kind of a call
type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindVoice || k == CallKindVideo
}

// CallStatus is the lifecycle status of a call record
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
)

// ActiveCallStatuses are the statuses that occupy a chat's single call slot
var ActiveCallStatuses = []CallStatus{CallStatusInitiated, CallStatusRinging, CallStatusOngoing}

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusInitiated: {CallStatusRinging, CallStatusOngoing, CallStatusEnded, CallStatusMissed, CallStatusRejected},
	CallStatusRinging:   {CallStatusOngoing, CallStatusEnded, CallStatusMissed, CallStatusRejected},
	CallStatusOngoing:   {CallStatusEnded},
}

// IsTerminal reports whether no further transition is possible
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusMissed || s == CallStatusRejected
}

// IsActive reports whether the status holds the chat's call slot
func (s CallStatus) IsActive() bool {
	return s == CallStatusInitiated || s == CallStatusRinging || s == CallStatusOngoing
}

// CanTransitionTo reports whether s -> next is an edge of the call lifecycle
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EndReason records why a call reached a terminal status
type EndReason string

const (
	EndReasonNone         EndReason = ""
	EndReasonHangup       EndReason = "hangup"
	EndReasonTimeout      EndReason = "timeout"
	EndReasonUnreachable  EndReason = "unreachable"
	EndReasonRejected     EndReason = "rejected"
	EndReasonBusy         EndReason = "busy"
	EndReasonMediaFailure EndReason = "media_failure"
)

// Call is the persisted record of one call attempt in a chat
type Call struct {
	ID           uuid.UUID   `json:"callId"`
	ChatID       uuid.UUID   `json:"chatId"`
	InitiatorID  uuid.UUID   `json:"initiatorId"`
	Participants []uuid.UUID `json:"participants"`
	Kind         CallKind    `json:"callType"`
	Status       CallStatus  `json:"status"`
	Channel      string      `json:"channel"`
	StartedAt    *time.Time  `json:"startTime,omitempty"`
	EndedAt      *time.Time  `json:"endTime,omitempty"`
	EndReason    EndReason   `json:"endReason,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`

	// Version increments on every persisted change
	Version int64 `json:"-"`
}

// NewCall builds a freshly initiated call with the initiator as sole participant
func NewCall(chatID, initiatorID uuid.UUID, kind CallKind, now time.Time) *Call {
	return &Call{
		ID:           uuid.New(),
		ChatID:       chatID,
		InitiatorID:  initiatorID,
		Participants: []uuid.UUID{initiatorID},
		Kind:         kind,
		Status:       CallStatusInitiated,
		Channel:      NewChannelName(chatID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewChannelName returns a media channel name scoped to the chat
func NewChannelName(chatID uuid.UUID) string {
	return fmt.Sprintf("%s_%s", chatID, uuid.NewString())
}

// Duration returns EndedAt - StartedAt; ok is false until both are stamped
func (c *Call) Duration() (d time.Duration, ok bool) {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0, false
	}
	d = c.EndedAt.Sub(*c.StartedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// HasParticipant reports whether userID has joined the call
func (c *Call) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// AddParticipant appends userID once; it reports whether the list changed
func (c *Call) AddParticipant(userID uuid.UUID) bool {
	if c.HasParticipant(userID) {
		return false
	}
	c.Participants = append(c.Participants, userID)
	return true
}

// OnlyInitiator reports whether nobody but the initiator ever joined
func (c *Call) OnlyInitiator() bool {
	return len(c.Participants) == 1 && c.Participants[0] == c.InitiatorID
}

// Clone returns a deep copy safe to hand outside a lock
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]uuid.UUID(nil), c.Participants...)
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// CallEventType names a lifecycle change published by the call service
type CallEventType string

const (
	CallEventCreated  CallEventType = "call.created"
	CallEventRinging  CallEventType = "call.ringing"
	CallEventJoined   CallEventType = "call.joined"
	CallEventEnded    CallEventType = "call.ended"
	CallEventMissed   CallEventType = "call.missed"
	CallEventRejected CallEventType = "call.rejected"
)

// CallEvent is emitted after a call record change has been persisted
type CallEvent struct {
	Type       CallEventType `json:"type"`
	Call       *Call         `json:"call"`
	ActorID    uuid.UUID     `json:"actorId"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// TerminalEventType maps a terminal status to its event type
func TerminalEventType(status CallStatus) CallEventType {
	switch status {
	case CallStatusMissed:
		return CallEventMissed
	case CallStatusRejected:
		return CallEventRejected
	default:
		return CallEventEnded
	}
}
