package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	apperrors "chatcall-backend/pkg/errors"
)

const waitFor = 2 * time.Second

type fakeSignaler struct {
	mu   sync.Mutex
	sent []*signaling.Message
	err  error
}

func (f *fakeSignaler) Send(_ context.Context, msg *signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) types() []signaling.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signaling.Type, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeSignaler) ofType(t signaling.Type) []*signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*signaling.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeAPI struct {
	mu        sync.Mutex
	chatID    uuid.UUID
	callID    uuid.UUID
	record    *domain.Call
	getErr    error
	initiated int
}

func (f *fakeAPI) Initiate(_ context.Context, chatID uuid.UUID, kind domain.CallKind) (*domain.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated++
	return &domain.Call{ID: f.callID, ChatID: chatID, Kind: kind, Status: domain.CallStatusInitiated}, nil
}

func (f *fakeAPI) GetCall(_ context.Context, callID uuid.UUID) (*domain.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.record, nil
}

type fakeMedia struct {
	mu      sync.Mutex
	log     []string
	closed  bool
	muted   bool
	videoOn bool
}

func (m *fakeMedia) record(entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, entry)
}

func (m *fakeMedia) entries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) CreateOffer(context.Context) (SessionDescription, error) {
	m.record("offer")
	return SessionDescription{Type: "offer", SDP: "v=0\r\nm=video 9"}, nil
}

func (m *fakeMedia) CreateAnswer(_ context.Context, offer SessionDescription) (SessionDescription, error) {
	m.record("answer:" + offer.Type)
	return SessionDescription{Type: "answer", SDP: "v=0"}, nil
}

func (m *fakeMedia) SetRemoteAnswer(_ context.Context, answer SessionDescription) error {
	m.record("remote:" + answer.Type)
	return nil
}

func (m *fakeMedia) AddCandidate(c Candidate) error {
	m.record("candidate:" + c.Candidate)
	return nil
}

func (m *fakeMedia) SetMuted(muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	return nil
}

func (m *fakeMedia) SetVideoEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOn = enabled
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	opened  []*fakeMedia
	sinks   []EventSink
	onOpen  func(sink EventSink)
	openedC chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{openedC: make(chan struct{}, 8)}
}

func (b *fakeBackend) Open(_ context.Context, _ domain.CallKind, sink EventSink) (MediaSession, error) {
	b.openedC <- struct{}{}
	if b.gate != nil {
		<-b.gate
	}
	if b.err != nil {
		return nil, b.err
	}
	m := &fakeMedia{videoOn: true}
	b.mu.Lock()
	b.opened = append(b.opened, m)
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
	if b.onOpen != nil {
		b.onOpen(sink)
	}
	return m, nil
}

func (b *fakeBackend) last() (*fakeMedia, EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.opened) == 0 {
		return nil, nil
	}
	return b.opened[len(b.opened)-1], b.sinks[len(b.sinks)-1]
}

type controllerFixture struct {
	ctrl     *Controller
	signaler *fakeSignaler
	api      *fakeAPI
	backend  *fakeBackend
	self     uuid.UUID
	remote   uuid.UUID
	chatID   uuid.UUID
	callID   uuid.UUID
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		signaler: &fakeSignaler{},
		backend:  newFakeBackend(),
		self:     uuid.New(),
		remote:   uuid.New(),
		chatID:   uuid.New(),
		callID:   uuid.New(),
	}
	f.api = &fakeAPI{callID: f.callID}
	f.ctrl = NewController(f.self, f.signaler, f.api, f.backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *controllerFixture) inbound(t signaling.Type, payload any) {
	msg := &signaling.Message{Type: t, CallID: f.callID, ChatID: f.chatID, From: f.remote, To: f.self}
	if payload != nil {
		data, _ := json.Marshal(payload)
		msg.Payload = data
	}
	f.ctrl.HandleSignal(msg)
}

// waitUpdate reads updates until one has the wanted outcome
func (f *controllerFixture) waitUpdate(t *testing.T, want Outcome) Update {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case u := <-f.ctrl.Updates():
			if u.Outcome == want {
				return u
			}
		case <-timeout:
			t.Fatalf("no update with outcome %q", want)
			return Update{}
		}
	}
}

func (f *controllerFixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.ctrl.State() == want }, waitFor, 5*time.Millisecond)
}

func (f *controllerFixture) ringIncoming(t *testing.T) {
	t.Helper()
	f.api.record = &domain.Call{ID: f.callID, ChatID: f.chatID, Kind: domain.CallKindVideo, Status: domain.CallStatusRinging}
	f.inbound(signaling.TypeOffer, SessionDescription{Type: "offer", SDP: "v=0\r\nm=video 9"})
	u := f.waitUpdate(t, OutcomeRinging)
	require.Equal(t, StateIncomingRinging, u.State)
}

func TestStartCall_FullCallerFlow(t *testing.T) {
	f := newControllerFixture(t)
	// a candidate gathered before the offer is sent must wait for it
	f.backend.onOpen = func(sink EventSink) {
		sink(MediaEvent{Kind: MediaLocalCandidate, Candidate: Candidate{Candidate: "local-1"}})
	}

	callID, err := f.ctrl.StartCall(context.Background(), f.remote, f.chatID, domain.CallKindVideo)
	require.NoError(t, err)
	assert.Equal(t, f.callID, callID)
	assert.Equal(t, StateOutgoingRinging, f.ctrl.State())

	require.Eventually(t, func() bool { return len(f.signaler.types()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []signaling.Type{signaling.TypeOffer, signaling.TypeICECandidate}, f.signaler.types())
	offer := f.signaler.ofType(signaling.TypeOffer)[0]
	assert.Equal(t, f.remote, offer.To)
	assert.Equal(t, f.self, offer.From)
	assert.Equal(t, f.chatID, offer.ChatID)

	f.inbound(signaling.TypeRingingAck, nil)
	f.waitUpdate(t, OutcomeRinging)

	// remote candidates ahead of the answer are buffered
	f.inbound(signaling.TypeICECandidate, Candidate{Candidate: "remote-1"})
	f.inbound(signaling.TypeICECandidate, Candidate{Candidate: "remote-2"})
	f.inbound(signaling.TypeAccept, nil)
	u := f.waitUpdate(t, OutcomeConnected)
	assert.Equal(t, StateConnected, u.State)

	f.inbound(signaling.TypeAnswer, SessionDescription{Type: "answer", SDP: "v=0"})
	media, _ := f.backend.last()
	require.Eventually(t, func() bool { return len(media.entries()) == 4 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"offer", "remote:answer", "candidate:remote-1", "candidate:remote-2"}, media.entries())

	require.NoError(t, f.ctrl.EndActive(context.Background()))
	ends := f.signaler.ofType(signaling.TypeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, string(domain.EndReasonHangup), ends[0].Reason)
	assert.True(t, media.isClosed())
	f.waitUpdate(t, OutcomeEnded)
	assert.Equal(t, StateIdle, f.ctrl.State())

	// ending again is a no-op
	require.NoError(t, f.ctrl.EndActive(context.Background()))
	assert.Len(t, f.signaler.ofType(signaling.TypeEnd), 1)
}

func TestStartCall_BusyWhileInCall(t *testing.T) {
	f := newControllerFixture(t)
	_, err := f.ctrl.StartCall(context.Background(), f.remote, f.chatID, domain.CallKindVoice)
	require.NoError(t, err)

	_, err = f.ctrl.StartCall(context.Background(), uuid.New(), f.chatID, domain.CallKindVoice)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBusy))
	f.api.mu.Lock()
	defer f.api.mu.Unlock()
	assert.Equal(t, 1, f.api.initiated)
}

func TestStartCall_Validation(t *testing.T) {
	f := newControllerFixture(t)

	_, err := f.ctrl.StartCall(context.Background(), f.self, f.chatID, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = f.ctrl.StartCall(context.Background(), f.remote, f.chatID, domain.CallKind("screen"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestStartCall_MediaFailureEndsRecordFirst(t *testing.T) {
	f := newControllerFixture(t)
	f.backend.err = errors.New("no camera")

	_, err := f.ctrl.StartCall(context.Background(), f.remote, f.chatID, domain.CallKindVideo)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no camera")
	// the end was sent before the error came back
	ends := f.signaler.ofType(signaling.TypeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, f.callID, ends[0].CallID)
	assert.Equal(t, string(domain.EndReasonMediaFailure), ends[0].Reason)
	assert.Empty(t, f.signaler.ofType(signaling.TypeOffer))
	f.waitUpdate(t, OutcomeFailed)
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestStartCall_EndWhileAcquiringMediaDiscardsLateResult(t *testing.T) {
	f := newControllerFixture(t)
	f.backend.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := f.ctrl.StartCall(context.Background(), f.remote, f.chatID, domain.CallKindVideo)
		errc <- err
	}()
	<-f.backend.openedC

	require.NoError(t, f.ctrl.EndActive(context.Background()))
	assert.ErrorIs(t, <-errc, ErrCallCancelled)

	close(f.backend.gate)
	require.Eventually(t, func() bool {
		media, _ := f.backend.last()
		return media != nil && media.isClosed()
	}, waitFor, 5*time.Millisecond)

	assert.Empty(t, f.signaler.ofType(signaling.TypeOffer))
	assert.Len(t, f.signaler.ofType(signaling.TypeEnd), 1)
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestStartCall_RemoteOutcomes(t *testing.T) {
	tests := []struct {
		name string
		msg  func(f *controllerFixture) *signaling.Message
		want Outcome
	}{
		{"unavailable", func(f *controllerFixture) *signaling.Message {
			return &signaling.Message{Type: signaling.TypeUnavailable, CallID: f.callID, Reason: "unreachable"}
		}, OutcomeUnavailable},
		{"rejected", func(f *controllerFixture) *signaling.Message {
			return &signaling.Message{Type: signaling.TypeReject, CallID: f.callID, Reason: "busy"}
		}, OutcomeRejected},
		{"timed out", func(f *controllerFixture) *signaling.Message {
			return &signaling.Message{Type: signaling.TypeEnd, CallID: f.callID, Status: domain.CallStatusMissed, Reason: "timeout"}
		}, OutcomeTimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t)
			_, err := f.ctrl.StartCall(context.Background(), f.remote, f.chatID, domain.CallKindVoice)
			require.NoError(t, err)

			f.ctrl.HandleSignal(tt.msg(f))

			u := f.waitUpdate(t, tt.want)
			assert.Equal(t, StateIdle, u.State)
			media, _ := f.backend.last()
			assert.True(t, media.isClosed())
		})
	}
}

func TestSignalsForOtherCallsAreIgnored(t *testing.T) {
	f := newControllerFixture(t)
	_, err := f.ctrl.StartCall(context.Background(), f.remote, f.chatID, domain.CallKindVoice)
	require.NoError(t, err)

	f.ctrl.HandleSignal(&signaling.Message{Type: signaling.TypeEnd, CallID: uuid.New(), From: f.remote})
	require.NoError(t, f.ctrl.SetMuted(context.Background(), true))

	assert.Equal(t, StateOutgoingRinging, f.ctrl.State())
}

func TestIncoming_AcceptFlow(t *testing.T) {
	f := newControllerFixture(t)
	f.ringIncoming(t)

	// candidates may arrive before the answer exists
	f.inbound(signaling.TypeICECandidate, Candidate{Candidate: "remote-1"})
	require.NoError(t, f.ctrl.SetMuted(context.Background(), true))

	require.NoError(t, f.ctrl.AcceptIncoming(context.Background()))

	assert.Equal(t, StateConnected, f.ctrl.State())
	assert.Equal(t, []signaling.Type{signaling.TypeAccept, signaling.TypeAnswer}, f.signaler.types())
	media, _ := f.backend.last()
	assert.Equal(t, []string{"answer:offer", "candidate:remote-1"}, media.entries())
	assert.True(t, media.muted)
	f.waitUpdate(t, OutcomeConnected)

	f.inbound(signaling.TypeEnd, nil)
	f.waitUpdate(t, OutcomeEnded)
}

func TestIncoming_BusyAutoReject(t *testing.T) {
	f := newControllerFixture(t)
	_, err := f.ctrl.StartCall(context.Background(), f.remote, f.chatID, domain.CallKindVoice)
	require.NoError(t, err)

	other, otherCall := uuid.New(), uuid.New()
	f.ctrl.HandleSignal(&signaling.Message{
		Type:    signaling.TypeOffer,
		CallID:  otherCall,
		ChatID:  uuid.New(),
		From:    other,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})

	require.Eventually(t, func() bool { return len(f.signaler.ofType(signaling.TypeReject)) == 1 }, waitFor, 5*time.Millisecond)
	reject := f.signaler.ofType(signaling.TypeReject)[0]
	assert.Equal(t, otherCall, reject.CallID)
	assert.Equal(t, other, reject.To)
	assert.Equal(t, string(domain.EndReasonBusy), reject.Reason)
	assert.Equal(t, StateOutgoingRinging, f.ctrl.State())
}

func TestIncoming_EndedRecordIsNeverPrompted(t *testing.T) {
	f := newControllerFixture(t)
	f.api.record = &domain.Call{ID: f.callID, Status: domain.CallStatusMissed}

	f.inbound(signaling.TypeOffer, SessionDescription{Type: "offer", SDP: "v=0"})

	u := f.waitUpdate(t, OutcomeMissed)
	assert.Equal(t, StateIdle, u.State)
}

func TestIncoming_CallerHangsUpWhileRinging(t *testing.T) {
	f := newControllerFixture(t)
	f.ringIncoming(t)

	f.inbound(signaling.TypeEnd, nil)

	f.waitUpdate(t, OutcomeMissed)
	err := f.ctrl.AcceptIncoming(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCallState))
}

func TestIncoming_Reject(t *testing.T) {
	f := newControllerFixture(t)
	f.ringIncoming(t)

	require.NoError(t, f.ctrl.RejectIncoming(context.Background()))

	rejects := f.signaler.ofType(signaling.TypeReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, f.remote, rejects[0].To)
	assert.Equal(t, string(domain.EndReasonRejected), rejects[0].Reason)
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestIncoming_MediaFailureCancelsCall(t *testing.T) {
	f := newControllerFixture(t)
	f.ringIncoming(t)
	f.backend.err = errors.New("no microphone")

	err := f.ctrl.AcceptIncoming(context.Background())

	require.Error(t, err)
	ends := f.signaler.ofType(signaling.TypeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, string(domain.EndReasonMediaFailure), ends[0].Reason)
	assert.Empty(t, f.signaler.ofType(signaling.TypeAccept))
}

func TestTransportFailureAfterConnectEndsCall(t *testing.T) {
	f := newControllerFixture(t)
	f.ringIncoming(t)
	require.NoError(t, f.ctrl.AcceptIncoming(context.Background()))
	_, sink := f.backend.last()

	sink(MediaEvent{Kind: MediaStateChange, State: TransportFailed})

	u := f.waitUpdate(t, OutcomeFailed)
	assert.Error(t, u.Err)
	ends := f.signaler.ofType(signaling.TypeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, string(domain.EndReasonMediaFailure), ends[0].Reason)
}

func TestLateMediaEventsAfterEndAreDiscarded(t *testing.T) {
	f := newControllerFixture(t)
	f.ringIncoming(t)
	require.NoError(t, f.ctrl.AcceptIncoming(context.Background()))
	_, sink := f.backend.last()
	require.NoError(t, f.ctrl.EndActive(context.Background()))
	sent := len(f.signaler.types())

	sink(MediaEvent{Kind: MediaLocalCandidate, Candidate: Candidate{Candidate: "late"}})
	sink(MediaEvent{Kind: MediaStateChange, State: TransportFailed})
	require.NoError(t, f.ctrl.SetMuted(context.Background(), false))

	assert.Len(t, f.signaler.types(), sent)
}

func TestKindFromSDP(t *testing.T) {
	assert.Equal(t, domain.CallKindVideo, kindFromSDP("v=0\r\nm=audio 9\r\nm=video 9"))
	assert.Equal(t, domain.CallKindVoice, kindFromSDP("v=0\r\nm=audio 9"))
}
