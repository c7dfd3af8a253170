package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCallStatus_Transitions(t *testing.T) {
	all := []CallStatus{
		CallStatusInitiated, CallStatusRinging, CallStatusOngoing,
		CallStatusEnded, CallStatusMissed, CallStatusRejected,
	}
	allowed := map[CallStatus]map[CallStatus]bool{
		CallStatusInitiated: {CallStatusRinging: true, CallStatusOngoing: true, CallStatusEnded: true, CallStatusMissed: true, CallStatusRejected: true},
		CallStatusRinging:   {CallStatusOngoing: true, CallStatusEnded: true, CallStatusMissed: true, CallStatusRejected: true},
		CallStatusOngoing:   {CallStatusEnded: true},
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[from][to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestCallStatus_TerminalAndActive(t *testing.T) {
	for _, s := range ActiveCallStatuses {
		assert.True(t, s.IsActive())
		assert.False(t, s.IsTerminal())
	}
	for _, s := range []CallStatus{CallStatusEnded, CallStatusMissed, CallStatusRejected} {
		assert.True(t, s.IsTerminal())
		assert.False(t, s.IsActive())
	}
}

func TestNewCall(t *testing.T) {
	chatID := uuid.New()
	initiator := uuid.New()
	now := time.Now()

	call := NewCall(chatID, initiator, CallKindVideo, now)

	assert.Equal(t, CallStatusInitiated, call.Status)
	assert.Equal(t, []uuid.UUID{initiator}, call.Participants)
	assert.True(t, strings.HasPrefix(call.Channel, chatID.String()+"_"))
	assert.True(t, call.OnlyInitiator())

	other := NewCall(chatID, initiator, CallKindVideo, now)
	assert.NotEqual(t, call.Channel, other.Channel)
}

func TestCall_AddParticipantNoDuplicates(t *testing.T) {
	call := NewCall(uuid.New(), uuid.New(), CallKindVoice, time.Now())
	callee := uuid.New()

	assert.True(t, call.AddParticipant(callee))
	assert.False(t, call.AddParticipant(callee))
	assert.False(t, call.AddParticipant(call.InitiatorID))
	assert.Len(t, call.Participants, 2)
	assert.False(t, call.OnlyInitiator())
}

func TestCall_Duration(t *testing.T) {
	call := NewCall(uuid.New(), uuid.New(), CallKindVoice, time.Now())
	_, ok := call.Duration()
	assert.False(t, ok)

	start := time.Now()
	end := start.Add(90 * time.Second)
	call.StartedAt = &start
	_, ok = call.Duration()
	assert.False(t, ok)

	call.EndedAt = &end
	d, ok := call.Duration()
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)
}

func TestCall_CloneIsDeep(t *testing.T) {
	call := NewCall(uuid.New(), uuid.New(), CallKindVoice, time.Now())
	start := time.Now()
	call.StartedAt = &start

	cp := call.Clone()
	cp.Participants[0] = uuid.New()
	*cp.StartedAt = start.Add(time.Hour)

	assert.Equal(t, call.InitiatorID, call.Participants[0])
	assert.Equal(t, start, *call.StartedAt)
}
