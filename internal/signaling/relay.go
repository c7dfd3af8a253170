package signaling

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/presence"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/metrics"
)

// CallService is the call state machine as seen by the relay
type CallService interface {
	Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	MarkRinging(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Reject(ctx context.Context, callID, userID uuid.UUID, reason domain.EndReason) (*domain.Call, error)
	End(ctx context.Context, callID, userID uuid.UUID, reason domain.EndReason) (*domain.Call, error)
	RecipientUnreachable(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// Membership answers whether a user belongs to a chat
type Membership interface {
	IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
}

// Bus carries frames to users connected to other instances
type Bus interface {
	// Publish reports whether any instance was listening for the user
	Publish(ctx context.Context, userID uuid.UUID, frame []byte) (bool, error)
	Subscribe(ctx context.Context, userID uuid.UUID, deliver func(frame []byte)) error
	Unsubscribe(userID uuid.UUID) error
}

// PresenceMirror publishes local presence for other services
type PresenceMirror interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// Option customizes a Relay
type Option func(*Relay)

// WithBus enables cross-instance delivery
func WithBus(b Bus) Option {
	return func(r *Relay) { r.bus = b }
}

// WithPresenceMirror mirrors presence changes
func WithPresenceMirror(m PresenceMirror) Option {
	return func(r *Relay) { r.mirror = m }
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger sets the relay logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) { r.log = l }
}

const sideEffectTimeout = 5 * time.Second

type socketOriginKey struct{}

// fromSocket marks ctx as serving a message a client sent over its socket
func fromSocket(ctx context.Context) context.Context {
	return context.WithValue(ctx, socketOriginKey{}, true)
}

func isFromSocket(ctx context.Context) bool {
	v, _ := ctx.Value(socketOriginKey{}).(bool)
	return v
}

// Relay forwards signaling messages between users. Control messages are
// applied to the call record before they are forwarded.
type Relay struct {
	presence *presence.Registry
	calls    CallService
	chats    Membership
	bus      Bus
	mirror   PresenceMirror
	rooms    *rooms
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	// users each pending call was offered to on this instance
	ringMu  sync.Mutex
	ringing map[uuid.UUID][]uuid.UUID
}

// NewRelay creates a relay over the local presence registry
func NewRelay(registry *presence.Registry, calls CallService, chats Membership, opts ...Option) *Relay {
	r := &Relay{
		presence: registry,
		calls:    calls,
		chats:    chats,
		rooms:    newRooms(),
		ringing:  make(map[uuid.UUID][]uuid.UUID),
		log:      zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	registry.OnChange(r.onPresenceChange)
	return r
}

// Handle processes one message from sender. Failures are answered on the
// sender's connection and never propagate.
func (r *Relay) Handle(ctx context.Context, sender uuid.UUID, msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Recovered from panic while relaying signal",
				zap.String("type", string(msg.Type)),
				zap.String("user_id", sender.String()),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			r.metrics.RecordSignal(string(msg.Type), "panic")
			r.sendError(sender, msg, apperrors.InternalError("Failed to process message"))
		}
	}()

	ctx = fromSocket(ctx)
	msg.From = sender
	msg.Timestamp = r.now()
	msg.Error = nil
	msg.Users = nil

	switch msg.Type {
	case TypeOffer:
		r.handleOffer(ctx, msg)
	case TypeAnswer, TypeICECandidate:
		r.handleNegotiation(ctx, msg)
	case TypeRingingAck:
		r.handleRingingAck(ctx, msg)
	case TypeAccept, TypeReject, TypeEnd:
		r.handleControl(ctx, msg)
	case TypeJoinRoom:
		r.handleJoinRoom(ctx, msg)
	case TypeLeaveRoom:
		r.rooms.leave(msg.ChatID, sender)
		r.metrics.RecordSignal(string(msg.Type), "ok")
	default:
		r.sendError(sender, msg, apperrors.ValidationError(fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}

func (r *Relay) handleOffer(ctx context.Context, msg *Message) {
	if err := requireRoute(msg); err != nil {
		r.sendError(msg.From, msg, err)
		return
	}
	if call, err := r.authorizeOffer(ctx, msg); err != nil {
		r.metrics.RecordSignal(string(msg.Type), "forbidden")
		r.handleCallError(msg, call, err)
		return
	}

	if r.Deliver(ctx, msg) {
		r.metrics.RecordSignal(string(msg.Type), "delivered")
		call, err := r.calls.MarkRinging(ctx, msg.CallID)
		if err != nil {
			r.handleCallError(msg, call, err)
			return
		}
		r.addRingTarget(call.ID, msg.To)
		r.sendLocal(msg.From, &Message{
			Type:      TypeRingingAck,
			CallID:    msg.CallID,
			ChatID:    call.ChatID,
			From:      msg.To,
			To:        msg.From,
			Status:    call.Status,
			Timestamp: r.now(),
		})
		return
	}

	r.metrics.RecordSignal(string(msg.Type), "unreachable")
	r.log.Info("Call recipient unreachable",
		zap.String("call_id", msg.CallID.String()),
		zap.String("to", msg.To.String()))

	call, err := r.calls.RecipientUnreachable(ctx, msg.CallID)
	if err != nil {
		r.handleCallError(msg, call, err)
		return
	}
	r.sendLocal(msg.From, &Message{
		Type:      TypeUnavailable,
		CallID:    msg.CallID,
		ChatID:    call.ChatID,
		From:      msg.To,
		To:        msg.From,
		Reason:    string(domain.EndReasonUnreachable),
		Status:    call.Status,
		Timestamp: r.now(),
	})
}

// authorizeOffer allows only the call's initiator to ring another member of
// the call's chat. Nothing is delivered or transitioned when it fails.
func (r *Relay) authorizeOffer(ctx context.Context, msg *Message) (*domain.Call, error) {
	call, err := r.calls.Get(ctx, msg.CallID, msg.From)
	if err != nil {
		return nil, err
	}
	if call.InitiatorID != msg.From {
		return nil, apperrors.UnauthorizedError("Only the caller can send an offer")
	}
	ok, err := r.chats.IsParticipant(ctx, call.ChatID, msg.To)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if !ok {
		return nil, apperrors.UnauthorizedError("Recipient is not a participant of this chat")
	}
	return call, nil
}

func (r *Relay) handleNegotiation(ctx context.Context, msg *Message) {
	if err := requireRoute(msg); err != nil {
		r.sendError(msg.From, msg, err)
		return
	}
	if !r.Deliver(ctx, msg) {
		r.metrics.RecordSignal(string(msg.Type), "dropped")
		r.log.Debug("Dropped signal for absent user",
			zap.String("type", string(msg.Type)),
			zap.String("call_id", msg.CallID.String()),
			zap.String("to", msg.To.String()))
		return
	}
	r.metrics.RecordSignal(string(msg.Type), "delivered")
}

func (r *Relay) handleRingingAck(ctx context.Context, msg *Message) {
	if err := requireRoute(msg); err != nil {
		r.sendError(msg.From, msg, err)
		return
	}
	if call, err := r.calls.Get(ctx, msg.CallID, msg.From); err != nil {
		r.handleCallError(msg, call, err)
		return
	}
	call, err := r.calls.MarkRinging(ctx, msg.CallID)
	if err != nil {
		r.handleCallError(msg, call, err)
		return
	}
	msg.Status = call.Status
	r.Deliver(ctx, msg)
	r.metrics.RecordSignal(string(msg.Type), "ok")
}

func (r *Relay) handleControl(ctx context.Context, msg *Message) {
	if msg.CallID == uuid.Nil {
		r.sendError(msg.From, msg, apperrors.ValidationError("callId is required"))
		return
	}

	var (
		call *domain.Call
		err  error
	)
	switch msg.Type {
	case TypeAccept:
		call, err = r.calls.Accept(ctx, msg.CallID, msg.From)
	case TypeReject:
		call, err = r.calls.Reject(ctx, msg.CallID, msg.From, clientReason(msg.Reason, domain.EndReasonRejected))
	case TypeEnd:
		call, err = r.calls.End(ctx, msg.CallID, msg.From, clientReason(msg.Reason, domain.EndReasonHangup))
	}
	if err != nil {
		r.handleCallError(msg, call, err)
		return
	}

	msg.Status = call.Status
	msg.ChatID = call.ChatID
	msg.Reason = string(call.EndReason)
	r.metrics.RecordSignal(string(msg.Type), "ok")

	if msg.To != uuid.Nil {
		r.Deliver(ctx, msg)
	}
	r.BroadcastRoom(call.ChatID, msg, msg.From, msg.To)
}

func (r *Relay) handleJoinRoom(ctx context.Context, msg *Message) {
	if msg.ChatID == uuid.Nil {
		r.sendError(msg.From, msg, apperrors.ValidationError("chatId is required"))
		return
	}
	ok, err := r.chats.IsParticipant(ctx, msg.ChatID, msg.From)
	if err != nil {
		r.sendError(msg.From, msg, apperrors.DatabaseError(err))
		return
	}
	if !ok {
		r.sendError(msg.From, msg, apperrors.UnauthorizedError("Not a participant of this chat"))
		return
	}
	r.rooms.join(msg.ChatID, msg.From)
	r.metrics.RecordSignal(string(msg.Type), "ok")
}

// handleCallError turns state machine failures into replies. A call that is
// gone or already over makes the sender tear down instead of erroring.
func (r *Relay) handleCallError(msg *Message, call *domain.Call, err error) {
	if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) || apperrors.HasCode(err, apperrors.ErrCodeCallAlreadyEnded) {
		r.metrics.RecordSignal(string(msg.Type), "stale")
		end := &Message{
			Type:      TypeEnd,
			CallID:    msg.CallID,
			To:        msg.From,
			Timestamp: r.now(),
		}
		if call != nil {
			end.ChatID = call.ChatID
			end.Status = call.Status
			end.Reason = string(call.EndReason)
		}
		r.sendLocal(msg.From, end)
		return
	}

	r.log.Warn("Signal rejected",
		zap.String("type", string(msg.Type)),
		zap.String("call_id", msg.CallID.String()),
		zap.String("user_id", msg.From.String()),
		zap.Error(err))
	r.sendError(msg.From, msg, err)
}

// Deliver sends msg to msg.To on this instance or, failing that, through the
// bus. It reports whether anyone received it.
func (r *Relay) Deliver(ctx context.Context, msg *Message) bool {
	frame, err := msg.Encode()
	if err != nil {
		r.log.Error("Failed to encode signal", zap.Error(err))
		return false
	}
	if r.DeliverFrame(msg.To, frame) {
		return true
	}
	if r.bus == nil {
		return false
	}

	delivered, err := r.bus.Publish(ctx, msg.To, frame)
	if err != nil {
		r.log.Warn("Failed to publish signal to bus",
			zap.String("to", msg.To.String()),
			zap.Error(err))
		return false
	}
	return delivered
}

// DeliverFrame enqueues an encoded frame on the user's local connection
func (r *Relay) DeliverFrame(userID uuid.UUID, frame []byte) bool {
	h, ok := r.presence.Lookup(userID)
	if !ok {
		return false
	}
	if err := h.Send(frame); err != nil {
		r.log.Debug("Failed to enqueue signal",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return false
	}
	return true
}

// BroadcastRoom sends msg to the chat room's local members except the listed users
func (r *Relay) BroadcastRoom(chatID uuid.UUID, msg *Message, except ...uuid.UUID) int {
	members := r.rooms.list(chatID, except...)
	if len(members) == 0 {
		return 0
	}
	frame, err := msg.Encode()
	if err != nil {
		r.log.Error("Failed to encode signal", zap.Error(err))
		return 0
	}
	sent := 0
	for _, userID := range members {
		if r.DeliverFrame(userID, frame) {
			sent++
		}
	}
	return sent
}

// OnCallEvent tells everyone involved about calls that ended without a client
// signaling it here, such as a ring timeout or a hangup over REST. Endings a
// client sent through Handle were already forwarded there.
func (r *Relay) OnCallEvent(ctx context.Context, event domain.CallEvent) error {
	call := event.Call
	if call == nil {
		return nil
	}
	switch event.Type {
	case domain.CallEventEnded, domain.CallEventMissed, domain.CallEventRejected:
	default:
		return nil
	}
	offered := r.takeRingTargets(call.ID)
	if isFromSocket(ctx) {
		return nil
	}

	recipients := make([]uuid.UUID, 0, len(call.Participants)+len(offered))
	for _, userID := range append(append([]uuid.UUID{}, call.Participants...), offered...) {
		if userID == event.ActorID || slices.Contains(recipients, userID) {
			continue
		}
		recipients = append(recipients, userID)
	}

	end := &Message{
		Type:      TypeEnd,
		CallID:    call.ID,
		ChatID:    call.ChatID,
		From:      event.ActorID,
		Reason:    string(call.EndReason),
		Status:    call.Status,
		Timestamp: r.now(),
	}
	for _, userID := range recipients {
		end.To = userID
		r.Deliver(ctx, end)
	}
	end.To = uuid.Nil
	r.BroadcastRoom(call.ChatID, end, append(recipients, event.ActorID)...)
	return nil
}

func (r *Relay) addRingTarget(callID, userID uuid.UUID) {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	if !slices.Contains(r.ringing[callID], userID) {
		r.ringing[callID] = append(r.ringing[callID], userID)
	}
}

func (r *Relay) takeRingTargets(callID uuid.UUID) []uuid.UUID {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	targets := r.ringing[callID]
	delete(r.ringing, callID)
	return targets
}

func (r *Relay) onPresenceChange(change presence.Change) {
	r.metrics.SetPresenceOnline(len(change.Roster))
	if !change.Online {
		r.rooms.leaveAll(change.UserID)
	}
	if frame := r.encodeOrNil(&Message{
		Type:      TypePresence,
		Users:     change.Roster,
		Timestamp: r.now(),
	}); frame != nil {
		r.presence.Broadcast(frame)
	}

	if change.Reconnect {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if change.Online {
		if r.bus != nil {
			userID := change.UserID
			err := r.bus.Subscribe(ctx, userID, func(frame []byte) { r.DeliverFrame(userID, frame) })
			if err != nil {
				r.log.Warn("Failed to subscribe signaling bus",
					zap.String("user_id", userID.String()),
					zap.Error(err))
			}
		}
		if r.mirror != nil {
			if err := r.mirror.SetUserOnline(ctx, change.UserID); err != nil {
				r.log.Debug("Failed to mirror presence", zap.Error(err))
			}
		}
		return
	}

	if r.bus != nil {
		if err := r.bus.Unsubscribe(change.UserID); err != nil {
			r.log.Debug("Failed to unsubscribe signaling bus", zap.Error(err))
		}
	}
	if r.mirror != nil {
		if err := r.mirror.SetUserOffline(ctx, change.UserID); err != nil {
			r.log.Debug("Failed to mirror presence", zap.Error(err))
		}
	}
}

func (r *Relay) sendLocal(userID uuid.UUID, msg *Message) {
	frame := r.encodeOrNil(msg)
	if frame == nil {
		return
	}
	r.DeliverFrame(userID, frame)
}

func (r *Relay) sendError(userID uuid.UUID, msg *Message, err error) {
	appErr := apperrors.GetAppError(err)
	r.metrics.RecordSignal(string(msg.Type), "error")
	r.sendLocal(userID, &Message{
		Type:      TypeError,
		CallID:    msg.CallID,
		ChatID:    msg.ChatID,
		To:        userID,
		Reason:    string(msg.Type),
		Error:     &ErrorBody{Code: string(appErr.Code), Message: appErr.Message},
		Timestamp: r.now(),
	})
}

func (r *Relay) encodeOrNil(msg *Message) []byte {
	frame, err := msg.Encode()
	if err != nil {
		r.log.Error("Failed to encode signal", zap.Error(err))
		return nil
	}
	return frame
}

func requireRoute(msg *Message) error {
	if msg.CallID == uuid.Nil {
		return apperrors.ValidationError("callId is required")
	}
	if msg.To == uuid.Nil {
		return apperrors.ValidationError("to is required")
	}
	if msg.To == msg.From {
		return apperrors.ValidationError("cannot signal yourself")
	}
	return nil
}

// clientReason accepts the end reasons a client may claim and falls back otherwise
func clientReason(reason string, fallback domain.EndReason) domain.EndReason {
	switch r := domain.EndReason(reason); r {
	case domain.EndReasonHangup, domain.EndReasonBusy, domain.EndReasonRejected, domain.EndReasonMediaFailure:
		return r
	}
	return fallback
}
