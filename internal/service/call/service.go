package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/repository"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/pagination"
)

// CallRepository persists call records
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	Update(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	FindActiveByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	GetChatCalls(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// ConversationRepository answers chat membership questions
type ConversationRepository interface {
	IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
}

// EventPublisher receives every persisted lifecycle change
type EventPublisher interface {
	Publish(ctx context.Context, event domain.CallEvent) error
}

// Clock abstracts time so tests can drive timeouts
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config holds call policy settings
type Config struct {
	// RingTimeout is how long a call may stay initiated or ringing before it is missed
	RingTimeout time.Duration
	// SweepBatch caps how many stale calls one sweep expires
	SweepBatch int
}

// Option customizes a Service
type Option func(*Service)

// WithClock overrides the wall clock
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

const maxStaleRetries = 3

var tracer = otel.Tracer("chatcall-backend/internal/service/call")

// Service is the call state machine. Every mutation of one call record runs
// under that call's lock; creation runs under the chat's lock.
type Service struct {
	calls     CallRepository
	chats     ConversationRepository
	publisher EventPublisher
	cfg       Config
	clock     Clock
	metrics   *metrics.Metrics
	log       *zap.Logger

	callLocks *keyedMutex
	chatLocks *keyedMutex
}

// NewService creates a new call service
func NewService(calls CallRepository, chats ConversationRepository, publisher EventPublisher, cfg Config, opts ...Option) *Service {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = constants.CallRingTimeout
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = constants.CallSweepBatch
	}

	s := &Service{
		calls:     calls,
		chats:     chats,
		publisher: publisher,
		cfg:       cfg,
		clock:     systemClock{},
		log:       zap.NewNop(),
		callLocks: newKeyedMutex(),
		chatLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RingTimeout returns the configured unanswered-call timeout
func (s *Service) RingTimeout() time.Duration {
	return s.cfg.RingTimeout
}

// Create starts a new call in chatID on behalf of initiatorID
func (s *Service) Create(ctx context.Context, initiatorID, chatID uuid.UUID, kind domain.CallKind) (_ *domain.Call, err error) {
	ctx, span := tracer.Start(ctx, "call.Create", trace.WithAttributes(
		attribute.String("chat.id", chatID.String()),
		attribute.String("call.kind", string(kind)),
	))
	defer func() { endSpan(span, err) }()

	if !kind.Valid() {
		return nil, apperrors.ValidationError("callType must be voice or video")
	}
	if err := s.requireMember(ctx, chatID, initiatorID); err != nil {
		return nil, err
	}

	unlock := s.chatLocks.Lock(chatID)
	defer unlock()

	active, err := s.calls.FindActiveByChat(ctx, chatID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if active != nil {
		return nil, activeCallConflict(active.ID)
	}

	call := domain.NewCall(chatID, initiatorID, kind, s.clock.Now())
	if err := s.calls.Create(ctx, call); err != nil {
		if errors.Is(err, repository.ErrActiveCallExists) {
			// Another instance won the race; the unique index is the final word.
			existing, findErr := s.calls.FindActiveByChat(ctx, chatID)
			if findErr == nil && existing != nil {
				return nil, activeCallConflict(existing.ID)
			}
			return nil, apperrors.ConflictError("An active call already exists in this chat")
		}
		return nil, apperrors.DatabaseError(err)
	}

	span.SetAttributes(attribute.String("call.id", call.ID.String()))
	s.log.Info("Call created",
		zap.String("call_id", call.ID.String()),
		zap.String("chat_id", chatID.String()),
		zap.String("initiator_id", initiatorID.String()),
		zap.String("call_type", string(kind)))

	s.metrics.IncActiveCalls()
	s.metrics.RecordCall(string(kind), string(call.Status))
	s.publish(ctx, domain.CallEventCreated, call, initiatorID)

	return call.Clone(), nil
}

// MarkRinging records that the callee's client received the offer
func (s *Service) MarkRinging(ctx context.Context, callID uuid.UUID) (_ *domain.Call, err error) {
	ctx, span := tracer.Start(ctx, "call.MarkRinging", callAttrs(callID))
	defer func() { endSpan(span, err) }()

	call, changed, err := s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		if call.Status.IsTerminal() {
			return false, apperrors.AlreadyEndedError()
		}
		if call.Status != domain.CallStatusInitiated {
			return false, nil
		}
		call.Status = domain.CallStatusRinging
		return true, nil
	})
	if err != nil {
		return call, err
	}

	if changed {
		s.metrics.RecordCall(string(call.Kind), string(call.Status))
		s.publish(ctx, domain.CallEventRinging, call, uuid.Nil)
	}
	return call, nil
}

// Join adds userID to the call. The first non-initiator join connects the call.
func (s *Service) Join(ctx context.Context, callID, userID uuid.UUID) (_ *domain.Call, err error) {
	ctx, span := tracer.Start(ctx, "call.Join", callAttrs(callID))
	defer func() { endSpan(span, err) }()

	return s.join(ctx, callID, userID)
}

// Accept is the callee's answer to a ringing call
func (s *Service) Accept(ctx context.Context, callID, userID uuid.UUID) (_ *domain.Call, err error) {
	ctx, span := tracer.Start(ctx, "call.Accept", callAttrs(callID))
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.InitiatorID == userID {
		return nil, apperrors.UnauthorizedError("The caller cannot accept its own call")
	}
	return s.join(ctx, callID, userID)
}

func (s *Service) join(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	current, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, apperrors.AlreadyEndedError()
	}
	if err := s.requireMember(ctx, current.ChatID, userID); err != nil {
		return nil, err
	}

	call, changed, err := s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		if call.Status.IsTerminal() {
			return false, apperrors.AlreadyEndedError()
		}
		changed := call.AddParticipant(userID)
		if userID != call.InitiatorID &&
			(call.Status == domain.CallStatusInitiated || call.Status == domain.CallStatusRinging) {
			now := s.clock.Now()
			call.Status = domain.CallStatusOngoing
			call.StartedAt = &now
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return call, err
	}

	if changed {
		s.log.Info("User joined call",
			zap.String("call_id", callID.String()),
			zap.String("user_id", userID.String()),
			zap.String("status", string(call.Status)))
		s.metrics.RecordCall(string(call.Kind), string(call.Status))
		s.publish(ctx, domain.CallEventJoined, call, userID)
	}
	return call, nil
}

// Reject declines an initiated or ringing call. reason defaults to rejected.
func (s *Service) Reject(ctx context.Context, callID, userID uuid.UUID, reason domain.EndReason) (_ *domain.Call, err error) {
	ctx, span := tracer.Start(ctx, "call.Reject", callAttrs(callID))
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if current.InitiatorID == userID {
		return nil, apperrors.UnauthorizedError("The caller cannot reject its own call")
	}
	if err := s.requireMember(ctx, current.ChatID, userID); err != nil {
		return nil, err
	}
	if reason == domain.EndReasonNone {
		reason = domain.EndReasonRejected
	}

	call, changed, err := s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		switch {
		case call.Status.IsTerminal():
			return false, apperrors.AlreadyEndedError()
		case call.Status == domain.CallStatusOngoing:
			return false, apperrors.InvalidStateError("An ongoing call cannot be rejected")
		}
		now := s.clock.Now()
		call.Status = domain.CallStatusRejected
		call.EndedAt = &now
		call.EndReason = reason
		return true, nil
	})
	if err != nil {
		return call, err
	}

	if changed {
		s.finish(ctx, call, userID)
	}
	return call, nil
}

// End hangs up a call. A call nobody but the initiator engaged with becomes
// missed instead of ended. Ending a terminal call returns it unchanged.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID, reason domain.EndReason) (_ *domain.Call, err error) {
	ctx, span := tracer.Start(ctx, "call.End", callAttrs(callID))
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !current.HasParticipant(userID) {
		if err := s.requireMember(ctx, current.ChatID, userID); err != nil {
			return nil, err
		}
	}
	if reason == domain.EndReasonNone {
		reason = domain.EndReasonHangup
	}

	call, changed, err := s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		if call.Status.IsTerminal() {
			return false, nil
		}
		next := domain.CallStatusEnded
		if call.Status != domain.CallStatusOngoing && call.OnlyInitiator() {
			next = domain.CallStatusMissed
		}
		now := s.clock.Now()
		call.Status = next
		call.EndedAt = &now
		call.EndReason = reason
		return true, nil
	})
	if err != nil {
		return call, err
	}

	if changed {
		s.finish(ctx, call, userID)
	}
	return call, nil
}

// RecipientUnreachable marks an initiated call missed because the callee had
// no signaling connection. Calls in any other status are returned unchanged.
func (s *Service) RecipientUnreachable(ctx context.Context, callID uuid.UUID) (_ *domain.Call, err error) {
	ctx, span := tracer.Start(ctx, "call.RecipientUnreachable", callAttrs(callID))
	defer func() { endSpan(span, err) }()

	call, changed, err := s.mutate(ctx, callID, func(call *domain.Call) (bool, error) {
		if call.Status != domain.CallStatusInitiated {
			return false, nil
		}
		now := s.clock.Now()
		call.Status = domain.CallStatusMissed
		call.EndedAt = &now
		call.EndReason = domain.EndReasonUnreachable
		return true, nil
	})
	if err != nil {
		return call, err
	}

	if changed {
		s.finish(ctx, call, uuid.Nil)
	}
	return call, nil
}

// ExpireStale moves initiated and ringing calls older than the ring timeout
// to missed. It returns the calls it expired.
func (s *Service) ExpireStale(ctx context.Context) ([]*domain.Call, error) {
	cutoff := s.clock.Now().Add(-s.cfg.RingTimeout)

	stale, err := s.calls.ListStale(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	expired := make([]*domain.Call, 0, len(stale))
	for _, candidate := range stale {
		call, changed, err := s.mutate(ctx, candidate.ID, func(call *domain.Call) (bool, error) {
			if call.Status != domain.CallStatusInitiated && call.Status != domain.CallStatusRinging {
				return false, nil
			}
			if !call.CreatedAt.Before(cutoff) {
				return false, nil
			}
			now := s.clock.Now()
			call.Status = domain.CallStatusMissed
			call.EndedAt = &now
			call.EndReason = domain.EndReasonTimeout
			return true, nil
		})
		if err != nil {
			s.log.Warn("Failed to expire stale call",
				zap.String("call_id", candidate.ID.String()),
				zap.Error(err))
			continue
		}
		if changed {
			s.finish(ctx, call, uuid.Nil)
			expired = append(expired, call)
		}
	}

	if len(expired) > 0 {
		s.log.Info("Expired unanswered calls", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// Get returns a call visible to userID
func (s *Service) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.HasParticipant(userID) {
		if err := s.requireMember(ctx, call.ChatID, userID); err != nil {
			return nil, err
		}
	}
	return call, nil
}

// History returns the calls userID initiated or joined, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	limit, offset = pagination.Normalize(limit, offset)

	calls, err := s.calls.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

// ChatCalls returns the calls of a chat the user belongs to, newest first
func (s *Service) ChatCalls(ctx context.Context, chatID, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	limit, offset = pagination.Normalize(limit, offset)

	calls, err := s.calls.GetChatCalls(ctx, chatID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

// mutate loads the call under its lock, applies fn and persists the result
// when fn reports a change. A stale version reloads and reapplies fn.
func (s *Service) mutate(ctx context.Context, callID uuid.UUID, fn func(call *domain.Call) (bool, error)) (*domain.Call, bool, error) {
	unlock := s.callLocks.Lock(callID)
	defer unlock()

	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		call, err := s.load(ctx, callID)
		if err != nil {
			return nil, false, err
		}

		changed, err := fn(call)
		if err != nil || !changed {
			return call, false, err
		}

		call.UpdatedAt = s.clock.Now()
		err = s.calls.Update(ctx, call)
		if errors.Is(err, repository.ErrStaleCall) {
			s.log.Debug("Call record changed concurrently, retrying",
				zap.String("call_id", callID.String()),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, false, apperrors.DatabaseError(err)
		}
		return call.Clone(), true, nil
	}

	return nil, false, apperrors.DatabaseError(fmt.Errorf("call %s: %w", callID, repository.ErrStaleCall))
}

func (s *Service) load(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, repository.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	return call, nil
}

func (s *Service) requireMember(ctx context.Context, chatID, userID uuid.UUID) error {
	ok, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if !ok {
		return apperrors.UnauthorizedError("Not a participant of this chat")
	}
	return nil
}

// finish records metrics and publishes the event for a call that just became terminal
func (s *Service) finish(ctx context.Context, call *domain.Call, actorID uuid.UUID) {
	s.metrics.DecActiveCalls()
	s.metrics.RecordCall(string(call.Kind), string(call.Status))
	if d, ok := call.Duration(); ok {
		s.metrics.RecordCallDuration(string(call.Kind), d)
	} else {
		s.metrics.RecordCallFailure(string(call.Kind), string(call.EndReason))
	}

	s.log.Info("Call finished",
		zap.String("call_id", call.ID.String()),
		zap.String("status", string(call.Status)),
		zap.String("reason", string(call.EndReason)))

	s.publish(ctx, domain.TerminalEventType(call.Status), call, actorID)
}

func (s *Service) publish(ctx context.Context, eventType domain.CallEventType, call *domain.Call, actorID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	event := domain.CallEvent{
		Type:       eventType,
		Call:       call.Clone(),
		ActorID:    actorID,
		OccurredAt: s.clock.Now(),
	}
	err := s.publisher.Publish(ctx, event)
	s.metrics.RecordEventPublished(string(eventType), err)
	if err != nil {
		s.log.Warn("Failed to publish call event",
			zap.String("call_id", call.ID.String()),
			zap.String("event", string(eventType)),
			zap.Error(err))
	}
}

func activeCallConflict(activeID uuid.UUID) error {
	return apperrors.ConflictError("An active call already exists in this chat").
		WithDetails(map[string]string{"callId": activeID.String()})
}

func callAttrs(callID uuid.UUID) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("call.id", callID.String()))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
