package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
)

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	return m.Called().Error(0)
}

func testEvent() domain.CallEvent {
	call := domain.NewCall(uuid.New(), uuid.New(), domain.CallKindVideo, time.Now().UTC())
	return domain.CallEvent{
		Type:       domain.CallEventCreated,
		Call:       call,
		ActorID:    call.InitiatorID,
		OccurredAt: call.CreatedAt,
	}
}

func TestKafkaPublisher_KeysByCallID(t *testing.T) {
	writer := new(MockWriter)
	event := testEvent()

	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		msg := msgs[0]
		var decoded domain.CallEvent
		if err := json.Unmarshal(msg.Value, &decoded); err != nil {
			return false
		}
		return string(msg.Key) == event.Call.ID.String() &&
			decoded.Type == domain.CallEventCreated &&
			decoded.Call.ID == event.Call.ID &&
			len(msg.Headers) == 2 &&
			string(msg.Headers[0].Value) == string(domain.CallEventCreated)
	})).Return(nil)

	publisher := NewKafkaPublisherWithWriter(writer, "call-events")

	require.NoError(t, publisher.Publish(context.Background(), event))
	writer.AssertExpectations(t)
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	writer := new(MockWriter)
	writer.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available"))

	publisher := NewKafkaPublisherWithWriter(writer, "call-events")
	err := publisher.Publish(context.Background(), testEvent())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "call-events")
}

func TestKafkaPublisher_RejectsEventWithoutCall(t *testing.T) {
	writer := new(MockWriter)
	publisher := NewKafkaPublisherWithWriter(writer, "call-events")

	err := publisher.Publish(context.Background(), domain.CallEvent{Type: domain.CallEventEnded})

	assert.Error(t, err)
	writer.AssertNotCalled(t, "WriteMessages", mock.Anything, mock.Anything)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "call-events"})
	assert.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "call-events"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	var delivered []string
	failing := PublisherFunc(func(context.Context, domain.CallEvent) error {
		delivered = append(delivered, "failing")
		return errors.New("boom")
	})
	ok := PublisherFunc(func(context.Context, domain.CallEvent) error {
		delivered = append(delivered, "ok")
		return nil
	})

	err := Fanout{failing, nil, ok, Noop{}}.Publish(context.Background(), testEvent())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"failing", "ok"}, delivered)
}
