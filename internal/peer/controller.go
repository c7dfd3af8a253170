// Package peer drives one user's side of a call: it acquires media, runs the
// offer/answer exchange through the signaling relay and reports what the user
// should see. All commands, inbound signals and media callbacks are applied by
// a single event loop.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
)

// State is the local call state
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingRinging State = "outgoing-ringing"
	StateIncomingRinging State = "incoming-ringing"
	StateConnected       State = "connected"
)

// Outcome is what the user is told about the call
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeRinging     Outcome = "ringing"
	OutcomeConnected   Outcome = "connected"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeRejected    Outcome = "rejected"
	OutcomeTimedOut    Outcome = "timed-out"
	OutcomeEnded       Outcome = "ended"
	OutcomeMissed      Outcome = "missed"
	OutcomeFailed      Outcome = "failed"
)

// ErrCallCancelled is returned to a pending StartCall or AcceptIncoming when
// the call is torn down before the step completes
var ErrCallCancelled = errors.New("call cancelled")

// ErrStopped is returned once the event loop has exited
var ErrStopped = errors.New("peer controller stopped")

// Update reports a state change or outcome to the UI layer
type Update struct {
	State   State
	Outcome Outcome
	CallID  uuid.UUID
	ChatID  uuid.UUID
	Peer    uuid.UUID
	Kind    domain.CallKind
	// Track is set when a remote track arrives
	Track string
	Err   error
}

// Signaler sends messages to the relay
type Signaler interface {
	Send(ctx context.Context, msg *signaling.Message) error
}

// CallAPI is the REST side of the call service
type CallAPI interface {
	Initiate(ctx context.Context, chatID uuid.UUID, kind domain.CallKind) (*domain.Call, error)
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// Option customizes a Controller
type Option func(*Controller)

// WithLogger sets the controller logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.log = l }
}

const (
	eventQueueSize  = 256
	updateQueueSize = 64
)

type result struct {
	callID uuid.UUID
	err    error
}

// session is the loop-owned state of the current call
type session struct {
	gen     uint64
	cancel  context.CancelFunc
	callID  uuid.UUID
	chatID  uuid.UUID
	peer    uuid.UUID
	kind    domain.CallKind
	media   MediaSession
	offer   SessionDescription
	reply   chan<- result
	pending bool

	// localSent is set once our offer or answer went out; local candidates wait for it
	localSent bool
	// remoteSet is set once the remote description is applied; remote candidates wait for it
	remoteSet     bool
	pendingLocal  []Candidate
	pendingRemote []Candidate
}

// Controller is the peer session controller for one user
type Controller struct {
	self     uuid.UUID
	signaler Signaler
	api      CallAPI
	backend  MediaBackend
	log      *zap.Logger

	events  chan func()
	updates chan Update
	done    chan struct{}
	runCtx  context.Context

	stateMu sync.RWMutex
	state   State

	// owned by the event loop
	gen      uint64
	sess     *session
	muted    bool
	videoOff bool
}

// NewController creates a controller for self. api may be nil, in which case
// StartCall is unavailable and incoming offers are not checked against the
// call record.
func NewController(self uuid.UUID, signaler Signaler, api CallAPI, backend MediaBackend, opts ...Option) *Controller {
	c := &Controller{
		self:     self,
		signaler: signaler,
		api:      api,
		backend:  backend,
		log:      zap.NewNop(),
		events:   make(chan func(), eventQueueSize),
		updates:  make(chan Update, updateQueueSize),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("user_id", self.String()))
	return c
}

// Run consumes the event queue until ctx is cancelled. An active call is
// ended on the way out.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			if c.sess != nil {
				c.hangup(domain.EndReasonHangup, OutcomeEnded, nil)
			}
			return ctx.Err()
		case fn := <-c.events:
			fn()
		}
	}
}

// Updates streams state changes and outcomes
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// State returns the current local call state
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// StartCall creates a call record in chatID and sends the offer to recipient.
// It returns once the offer is on its way.
func (c *Controller) StartCall(ctx context.Context, recipient, chatID uuid.UUID, kind domain.CallKind) (uuid.UUID, error) {
	if !kind.Valid() {
		return uuid.Nil, apperrors.ValidationError("callType must be voice or video")
	}
	if recipient == c.self || recipient == uuid.Nil {
		return uuid.Nil, apperrors.ValidationError("invalid recipient")
	}
	if c.api == nil {
		return uuid.Nil, errors.New("starting calls requires the call API")
	}

	res := c.command(ctx, func(reply chan<- result) {
		if c.state != StateIdle {
			reply <- result{err: apperrors.BusyError()}
			return
		}
		s := c.begin(StateOutgoingRinging)
		s.peer = recipient
		s.chatID = chatID
		s.kind = kind
		s.reply = reply
		s.pending = true

		stepCtx, gen := c.stepContext(s), s.gen
		go c.dial(stepCtx, gen, chatID, kind)
	})
	return res.callID, res.err
}

// AcceptIncoming answers the ringing incoming call
func (c *Controller) AcceptIncoming(ctx context.Context) error {
	return c.command(ctx, func(reply chan<- result) {
		s := c.sess
		if c.state != StateIncomingRinging || s == nil {
			reply <- result{err: apperrors.InvalidStateError("No incoming call to accept")}
			return
		}
		if s.pending {
			reply <- result{err: apperrors.InvalidStateError("Call is already being answered")}
			return
		}
		s.reply = reply
		s.pending = true

		stepCtx, gen := c.stepContext(s), s.gen
		go c.answer(stepCtx, gen, s.kind, s.offer)
	}).err
}

// RejectIncoming declines the ringing incoming call
func (c *Controller) RejectIncoming(ctx context.Context) error {
	return c.command(ctx, func(reply chan<- result) {
		if c.state != StateIncomingRinging {
			reply <- result{err: apperrors.InvalidStateError("No incoming call to reject")}
			return
		}
		c.send(c.control(signaling.TypeReject, domain.EndReasonRejected))
		c.teardown(OutcomeRejected, nil)
		reply <- result{}
	}).err
}

// EndActive hangs up whatever call is in progress. Ending while idle is a no-op.
func (c *Controller) EndActive(ctx context.Context) error {
	return c.command(ctx, func(reply chan<- result) {
		switch c.state {
		case StateIdle:
		case StateIncomingRinging:
			c.send(c.control(signaling.TypeReject, domain.EndReasonRejected))
			c.teardown(OutcomeRejected, nil)
		default:
			c.hangup(domain.EndReasonHangup, OutcomeEnded, nil)
		}
		reply <- result{}
	}).err
}

// SetMuted toggles the local microphone. The setting carries over to later calls.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	return c.command(ctx, func(reply chan<- result) {
		c.muted = muted
		var err error
		if c.sess != nil && c.sess.media != nil {
			err = c.sess.media.SetMuted(muted)
		}
		reply <- result{err: err}
	}).err
}

// SetVideoEnabled toggles the local camera
func (c *Controller) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return c.command(ctx, func(reply chan<- result) {
		c.videoOff = !enabled
		var err error
		if c.sess != nil && c.sess.media != nil {
			err = c.sess.media.SetVideoEnabled(enabled)
		}
		reply <- result{err: err}
	}).err
}

// HandleSignal queues an inbound relay message
func (c *Controller) HandleSignal(msg *signaling.Message) {
	if msg == nil {
		return
	}
	c.post(func() { c.onSignal(msg) })
}

func (c *Controller) command(ctx context.Context, fn func(reply chan<- result)) result {
	reply := make(chan result, 1)
	if !c.post(func() { fn(reply) }) {
		return result{err: ErrStopped}
	}
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return result{err: ctx.Err()}
	case <-c.done:
		return result{err: ErrStopped}
	}
}

func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// sink hands media callbacks to the loop without blocking the media stack
func (c *Controller) sink(gen uint64) EventSink {
	return func(ev MediaEvent) {
		select {
		case c.events <- func() { c.onMedia(gen, ev) }:
		case <-c.done:
		default:
			c.log.Warn("Peer event queue full, dropping media event", zap.Int("kind", int(ev.Kind)))
		}
	}
}

func (c *Controller) begin(state State) *session {
	c.gen++
	c.sess = &session{gen: c.gen}
	c.setState(state)
	return c.sess
}

func (c *Controller) stepContext(s *session) context.Context {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	s.cancel = cancel
	return ctx
}

// current returns the session gen belongs to, or nil when gen is stale
func (c *Controller) current(gen uint64) *session {
	if c.sess == nil || c.sess.gen != gen {
		return nil
	}
	return c.sess
}

func (c *Controller) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

// dial runs the caller's setup off the loop: create the record, acquire
// media, create the offer
func (c *Controller) dial(ctx context.Context, gen uint64, chatID uuid.UUID, kind domain.CallKind) {
	call, err := c.api.Initiate(ctx, chatID, kind)
	if err != nil {
		c.post(func() { c.onSetupFailed(gen, uuid.Nil, err) })
		return
	}
	callID := call.ID
	if !c.post(func() { c.onInitiated(gen, callID) }) {
		return
	}

	media, err := c.backend.Open(ctx, kind, c.sink(gen))
	if err != nil {
		c.post(func() { c.onSetupFailed(gen, callID, fmt.Errorf("failed to acquire media: %w", err)) })
		return
	}
	offer, err := media.CreateOffer(ctx)
	if err != nil {
		_ = media.Close()
		c.post(func() { c.onSetupFailed(gen, callID, fmt.Errorf("failed to create offer: %w", err)) })
		return
	}
	if !c.post(func() { c.onOfferReady(gen, media, offer) }) {
		_ = media.Close()
	}
}

// answer runs the callee's setup off the loop
func (c *Controller) answer(ctx context.Context, gen uint64, kind domain.CallKind, offer SessionDescription) {
	media, err := c.backend.Open(ctx, kind, c.sink(gen))
	if err != nil {
		c.post(func() { c.onSetupFailed(gen, uuid.Nil, fmt.Errorf("failed to acquire media: %w", err)) })
		return
	}
	ans, err := media.CreateAnswer(ctx, offer)
	if err != nil {
		_ = media.Close()
		c.post(func() { c.onSetupFailed(gen, uuid.Nil, fmt.Errorf("failed to create answer: %w", err)) })
		return
	}
	if !c.post(func() { c.onAnswerReady(gen, media, ans) }) {
		_ = media.Close()
	}
}

func (c *Controller) onInitiated(gen uint64, callID uuid.UUID) {
	s := c.current(gen)
	if s == nil {
		// hung up while the record was being created
		c.send(&signaling.Message{Type: signaling.TypeEnd, CallID: callID, Reason: string(domain.EndReasonHangup)})
		return
	}
	s.callID = callID
}

// onSetupFailed cancels the call record, when there is one, before the error
// reaches the user
func (c *Controller) onSetupFailed(gen uint64, callID uuid.UUID, err error) {
	s := c.current(gen)
	if s == nil {
		return
	}
	if callID == uuid.Nil {
		callID = s.callID
	}
	s.callID = callID
	c.log.Warn("Call setup failed", zap.String("call_id", callID.String()), zap.Error(err))

	if callID != uuid.Nil {
		c.send(c.control(signaling.TypeEnd, domain.EndReasonMediaFailure))
	}
	if s.reply != nil {
		s.reply <- result{callID: callID, err: err}
		s.reply = nil
	}
	c.teardown(OutcomeFailed, err)
}

func (c *Controller) onOfferReady(gen uint64, media MediaSession, offer SessionDescription) {
	s := c.current(gen)
	if s == nil {
		_ = media.Close()
		return
	}
	s.media = media
	c.applyMediaSettings(s)

	payload, err := json.Marshal(offer)
	if err == nil {
		err = c.sendErr(&signaling.Message{
			Type:    signaling.TypeOffer,
			CallID:  s.callID,
			ChatID:  s.chatID,
			To:      s.peer,
			Payload: payload,
		})
	}
	if err != nil {
		c.onSetupFailed(gen, s.callID, fmt.Errorf("failed to send offer: %w", err))
		return
	}

	s.localSent = true
	c.flushLocal(s)
	s.pending = false
	s.reply <- result{callID: s.callID}
	s.reply = nil
	c.emit(s, OutcomeNone, nil)
}

func (c *Controller) onAnswerReady(gen uint64, media MediaSession, ans SessionDescription) {
	s := c.current(gen)
	if s == nil {
		_ = media.Close()
		return
	}
	s.media = media
	s.remoteSet = true
	c.applyMediaSettings(s)

	payload, err := json.Marshal(ans)
	if err == nil {
		err = c.sendErr(c.control(signaling.TypeAccept, domain.EndReasonNone))
	}
	if err == nil {
		err = c.sendErr(&signaling.Message{
			Type:    signaling.TypeAnswer,
			CallID:  s.callID,
			ChatID:  s.chatID,
			To:      s.peer,
			Payload: payload,
		})
	}
	if err != nil {
		c.onSetupFailed(gen, s.callID, fmt.Errorf("failed to send answer: %w", err))
		return
	}

	s.localSent = true
	c.flushLocal(s)
	c.flushRemote(s)
	s.pending = false
	c.setState(StateConnected)
	s.reply <- result{callID: s.callID}
	s.reply = nil
	c.emit(s, OutcomeConnected, nil)
}

func (c *Controller) onMedia(gen uint64, ev MediaEvent) {
	s := c.current(gen)
	if s == nil {
		return
	}

	switch ev.Kind {
	case MediaLocalCandidate:
		if !s.localSent {
			s.pendingLocal = append(s.pendingLocal, ev.Candidate)
			return
		}
		c.sendCandidate(s, ev.Candidate)

	case MediaRemoteTrack:
		c.updatesSend(Update{State: c.state, CallID: s.callID, ChatID: s.chatID, Peer: s.peer, Kind: s.kind, Track: ev.Track})

	case MediaStateChange:
		c.log.Debug("Transport state changed",
			zap.String("call_id", s.callID.String()),
			zap.String("state", string(ev.State)))
		if ev.State.Terminal() && c.state == StateConnected {
			c.hangup(domain.EndReasonMediaFailure, OutcomeFailed, fmt.Errorf("media transport %s", ev.State))
		}
	}
}

func (c *Controller) onSignal(msg *signaling.Message) {
	switch msg.Type {
	case signaling.TypeOffer:
		c.onRemoteOffer(msg)
		return
	case signaling.TypePresence:
		return
	case signaling.TypeError:
		if msg.Error != nil {
			c.log.Warn("Relay refused a message",
				zap.String("call_id", msg.CallID.String()),
				zap.String("code", msg.Error.Code),
				zap.String("message", msg.Error.Message))
		}
		return
	}

	s := c.sess
	if s == nil || msg.CallID != s.callID {
		c.log.Debug("Ignoring signal for another call",
			zap.String("type", string(msg.Type)),
			zap.String("call_id", msg.CallID.String()))
		return
	}

	switch msg.Type {
	case signaling.TypeRingingAck:
		if c.state == StateOutgoingRinging {
			c.emit(s, OutcomeRinging, nil)
		}

	case signaling.TypeAnswer:
		if s.media == nil || s.remoteSet {
			return
		}
		var desc SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			c.log.Warn("Invalid answer payload", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(c.runCtx, constants.WebSocketWriteTimeout)
		err := s.media.SetRemoteAnswer(ctx, desc)
		cancel()
		if err != nil {
			c.hangup(domain.EndReasonMediaFailure, OutcomeFailed, fmt.Errorf("failed to apply answer: %w", err))
			return
		}
		s.remoteSet = true
		c.flushRemote(s)

	case signaling.TypeICECandidate:
		var cand Candidate
		if err := json.Unmarshal(msg.Payload, &cand); err != nil {
			c.log.Warn("Invalid candidate payload", zap.Error(err))
			return
		}
		if s.media == nil || !s.remoteSet {
			s.pendingRemote = append(s.pendingRemote, cand)
			return
		}
		c.addCandidate(s, cand)

	case signaling.TypeAccept:
		if c.state == StateOutgoingRinging {
			c.setState(StateConnected)
			c.emit(s, OutcomeConnected, nil)
		}

	case signaling.TypeReject:
		c.teardown(OutcomeRejected, nil)

	case signaling.TypeUnavailable:
		c.teardown(OutcomeUnavailable, nil)

	case signaling.TypeEnd:
		c.teardown(c.endOutcome(msg), nil)
	}
}

func (c *Controller) endOutcome(msg *signaling.Message) Outcome {
	switch c.state {
	case StateOutgoingRinging:
		switch {
		case msg.Reason == string(domain.EndReasonTimeout):
			return OutcomeTimedOut
		case msg.Status == domain.CallStatusRejected:
			return OutcomeRejected
		}
	case StateIncomingRinging:
		return OutcomeMissed
	}
	if msg.Status == domain.CallStatusMissed {
		return OutcomeMissed
	}
	return OutcomeEnded
}

// onRemoteOffer rings for a new call, or turns it away as busy
func (c *Controller) onRemoteOffer(msg *signaling.Message) {
	if c.state != StateIdle {
		if c.sess != nil && c.sess.callID == msg.CallID {
			return
		}
		c.send(&signaling.Message{
			Type:   signaling.TypeReject,
			CallID: msg.CallID,
			ChatID: msg.ChatID,
			To:     msg.From,
			Reason: string(domain.EndReasonBusy),
		})
		return
	}

	var offer SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil || offer.SDP == "" {
		c.log.Warn("Ignoring offer without a session description", zap.String("call_id", msg.CallID.String()))
		return
	}

	s := c.begin(StateIncomingRinging)
	s.callID = msg.CallID
	s.chatID = msg.ChatID
	s.peer = msg.From
	s.offer = offer
	s.kind = kindFromSDP(offer.SDP)

	if c.api == nil {
		c.emit(s, OutcomeRinging, nil)
		return
	}

	stepCtx, gen, callID := c.stepContext(s), s.gen, s.callID
	go func() {
		call, err := c.api.GetCall(stepCtx, callID)
		c.post(func() { c.onRecordChecked(gen, call, err) })
	}()
}

// onRecordChecked shows the prompt only while the record can still be answered
func (c *Controller) onRecordChecked(gen uint64, call *domain.Call, err error) {
	s := c.current(gen)
	if s == nil || s.pending {
		return
	}
	switch {
	case err != nil && (apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) || apperrors.HasCode(err, apperrors.ErrCodeCallAlreadyEnded)):
		c.teardown(OutcomeMissed, nil)
		return
	case err != nil:
		c.log.Warn("Could not check incoming call, ringing anyway",
			zap.String("call_id", s.callID.String()),
			zap.Error(err))
	case !call.Status.IsActive() || call.Status == domain.CallStatusOngoing:
		c.teardown(OutcomeMissed, nil)
		return
	default:
		s.kind = call.Kind
	}
	c.emit(s, OutcomeRinging, nil)
}

func (c *Controller) applyMediaSettings(s *session) {
	if c.muted {
		if err := s.media.SetMuted(true); err != nil {
			c.log.Warn("Failed to mute", zap.Error(err))
		}
	}
	if c.videoOff {
		if err := s.media.SetVideoEnabled(false); err != nil {
			c.log.Warn("Failed to disable video", zap.Error(err))
		}
	}
}

func (c *Controller) flushLocal(s *session) {
	for _, cand := range s.pendingLocal {
		c.sendCandidate(s, cand)
	}
	s.pendingLocal = nil
}

func (c *Controller) flushRemote(s *session) {
	for _, cand := range s.pendingRemote {
		c.addCandidate(s, cand)
	}
	s.pendingRemote = nil
}

func (c *Controller) addCandidate(s *session, cand Candidate) {
	if err := s.media.AddCandidate(cand); err != nil {
		c.log.Warn("Failed to add remote candidate", zap.String("call_id", s.callID.String()), zap.Error(err))
	}
}

func (c *Controller) sendCandidate(s *session, cand Candidate) {
	payload, err := json.Marshal(cand)
	if err != nil {
		return
	}
	c.send(&signaling.Message{
		Type:    signaling.TypeICECandidate,
		CallID:  s.callID,
		ChatID:  s.chatID,
		To:      s.peer,
		Payload: payload,
	})
}

// hangup tells the relay the call is over, then tears down locally
func (c *Controller) hangup(reason domain.EndReason, outcome Outcome, err error) {
	if c.sess != nil && c.sess.callID != uuid.Nil {
		c.send(c.control(signaling.TypeEnd, reason))
	}
	c.teardown(outcome, err)
}

// teardown closes the current session without signaling. Pending async steps
// are cancelled and their late results discarded by generation.
func (c *Controller) teardown(outcome Outcome, err error) {
	s := c.sess
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.media != nil {
		if cerr := s.media.Close(); cerr != nil {
			c.log.Debug("Failed to close media session", zap.Error(cerr))
		}
	}
	if s.reply != nil {
		s.reply <- result{callID: s.callID, err: ErrCallCancelled}
		s.reply = nil
	}

	c.sess = nil
	c.gen++
	c.setState(StateIdle)
	c.updatesSend(Update{State: StateIdle, Outcome: outcome, CallID: s.callID, ChatID: s.chatID, Peer: s.peer, Kind: s.kind, Err: err})
}

// control builds an accept, reject or end for the current call
func (c *Controller) control(t signaling.Type, reason domain.EndReason) *signaling.Message {
	s := c.sess
	return &signaling.Message{
		Type:   t,
		CallID: s.callID,
		ChatID: s.chatID,
		To:     s.peer,
		Reason: string(reason),
	}
}

func (c *Controller) send(msg *signaling.Message) {
	if err := c.sendErr(msg); err != nil {
		c.log.Warn("Failed to send signal",
			zap.String("type", string(msg.Type)),
			zap.String("call_id", msg.CallID.String()),
			zap.Error(err))
	}
}

func (c *Controller) sendErr(msg *signaling.Message) error {
	msg.From = c.self
	msg.Timestamp = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteTimeout)
	defer cancel()
	return c.signaler.Send(ctx, msg)
}

func (c *Controller) emit(s *session, outcome Outcome, err error) {
	c.updatesSend(Update{State: c.state, Outcome: outcome, CallID: s.callID, ChatID: s.chatID, Peer: s.peer, Kind: s.kind, Err: err})
}

func (c *Controller) updatesSend(u Update) {
	select {
	case c.updates <- u:
	default:
		c.log.Warn("Update queue full, dropping update", zap.String("outcome", string(u.Outcome)))
	}
}

// kindFromSDP guesses the call kind until the record says otherwise
func kindFromSDP(sdp string) domain.CallKind {
	if strings.Contains(sdp, "m=video") {
		return domain.CallKindVideo
	}
	return domain.CallKindVoice
}
