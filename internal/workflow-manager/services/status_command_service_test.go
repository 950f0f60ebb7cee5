package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"workflow-engine-service/internal/workflow-manager/events"
)

type MockKafkaReader struct{ mock.Mock }

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(kafka.Message)
	return msg, args.Error(1)
}

func (m *MockKafkaReader) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockStatusUpdater struct{ mock.Mock }

func (m *MockStatusUpdater) UpdateTaskStatus(ctx context.Context, firmID, taskID uint, status string, actorID uint) ([]AppliedAction, error) {
	args := m.Called(ctx, firmID, taskID, status, actorID)
	applied, _ := args.Get(0).([]AppliedAction)
	return applied, args.Error(1)
}

func commandMessage(t *testing.T, cmd events.TaskStatusCommand) kafka.Message {
	t.Helper()
	value, err := json.Marshal(cmd)
	require.NoError(t, err)
	return kafka.Message{Value: value}
}

func TestStatusCommandService_HandleMessage(t *testing.T) {
	updater := new(MockStatusUpdater)
	updater.On("UpdateTaskStatus", mock.Anything, uint(1), uint(5), "Completed", uint(7)).
		Return([]AppliedAction{{RuleID: 1}}, nil).Once()
	updater.On("UpdateTaskStatus", mock.Anything, uint(1), uint(6), "Completed", uint(7)).
		Return(nil, &BlockedError{TaskID: 6, Predecessors: []string{"Draft"}}).Once()
	svc := NewStatusCommandService(updater, nil)
	ctx := context.Background()

	res := svc.HandleMessage(ctx, commandMessage(t, events.TaskStatusCommand{FirmID: 1, TaskID: 5, Status: "Completed", ActorID: 7}))
	assert.Equal(t, events.TaskStatusResult{TaskID: 5, Status: "Completed", AppliedActions: 1}, res)

	res = svc.HandleMessage(ctx, commandMessage(t, events.TaskStatusCommand{FirmID: 1, TaskID: 6, Status: "Completed", ActorID: 7}))
	assert.Contains(t, res.Error, "blocked by: Draft")

	res = svc.HandleMessage(ctx, commandMessage(t, events.TaskStatusCommand{FirmID: 1, TaskID: 5}))
	assert.Equal(t, "firm_id, task_id and status are required", res.Error)

	res = svc.HandleMessage(ctx, kafka.Message{Value: []byte(`{"task_id":5,"status":"Completed","actor_id":9}`)})
	assert.Equal(t, events.TaskStatusResult{TaskID: 5, Status: "Completed", Error: "firm_id, task_id and status are required"}, res)

	res = svc.HandleMessage(ctx, kafka.Message{Value: []byte("{not json")})
	assert.Contains(t, res.Error, "invalid payload")

	updater.AssertExpectations(t)
}

func TestStatusCommandService_ConsumeUntilEOF(t *testing.T) {
	reader := new(MockKafkaReader)
	updater := new(MockStatusUpdater)
	reader.On("ReadMessage", mock.Anything).
		Return(commandMessage(t, events.TaskStatusCommand{FirmID: 1, TaskID: 5, Status: "In Progress"}), nil).Once()
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{}, context.DeadlineExceeded).Once()
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{}, io.EOF).Once()
	updater.On("UpdateTaskStatus", mock.Anything, uint(1), uint(5), "In Progress", uint(0)).Return(nil, nil).Once()

	svc := NewStatusCommandService(updater, reader)
	svc.StartConsuming(context.Background())

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop on EOF")
	}
	reader.AssertExpectations(t)
	updater.AssertExpectations(t)
}

func TestStatusCommandService_StopsOnCancel(t *testing.T) {
	reader := new(MockKafkaReader)
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{}, context.Canceled)
	reader.On("Close").Return(errors.New("already closed"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewStatusCommandService(new(MockStatusUpdater), reader)
	svc.StartConsuming(ctx)

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
	svc.Close()
	reader.AssertCalled(t, "Close")
}

func TestStatusCommandService_CloseEndsLoop(t *testing.T) {
	closed := make(chan time.Time)
	reader := new(MockKafkaReader)
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{}, io.EOF).
		WaitUntil(closed).Once()
	reader.On("Close").Return(nil).Run(func(mock.Arguments) { close(closed) }).Once()

	svc := NewStatusCommandService(new(MockStatusUpdater), reader)
	svc.StartConsuming(context.Background())

	select {
	case <-svc.Done():
		t.Fatal("consumer stopped before Close")
	default:
	}
	svc.Close()
	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after Close")
	}
	reader.AssertExpectations(t)
}
