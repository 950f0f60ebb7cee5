package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"

	"workflow-engine-service/internal/workflow-manager/events"
)

// KafkaReaderInterface is the subset of *kafka.Reader used by StatusCommandService.
type KafkaReaderInterface interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// TaskStatusUpdater is implemented by WorkflowService.
type TaskStatusUpdater interface {
	UpdateTaskStatus(ctx context.Context, firmID, taskID uint, status string, actorID uint) ([]AppliedAction, error)
}

// StatusCommandService applies task status commands read from Kafka.
type StatusCommandService struct {
	Workflow TaskStatusUpdater
	Reader   KafkaReaderInterface
	done     chan struct{}
}

func NewStatusCommandService(workflow TaskStatusUpdater, reader KafkaReaderInterface) *StatusCommandService {
	return &StatusCommandService{Workflow: workflow, Reader: reader, done: make(chan struct{})}
}

// StartConsuming reads commands until ctx is cancelled or the reader is closed.
func (s *StatusCommandService) StartConsuming(ctx context.Context) {
	hlog.Info("StatusCommandService starting to consume task status commands...")
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				hlog.Info("StatusCommandService: context cancelled, stopping consumer.")
				return
			default:
			}

			readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			msg, err := s.Reader.ReadMessage(readCtx)
			cancel()

			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				hlog.Info("StatusCommandService: read context cancelled.")
				return
			case errors.Is(err, io.EOF):
				hlog.Info("StatusCommandService: Kafka reader closed (EOF), stopping consumption.")
				return
			default:
				hlog.Errorf("StatusCommandService: error reading message: %v", err)
				time.Sleep(time.Second)
				continue
			}

			result := s.HandleMessage(ctx, msg)
			if result.Error != "" {
				hlog.Warnf("StatusCommandService: command for task %d to %q failed: %s", result.TaskID, result.Status, result.Error)
			} else {
				hlog.Infof("StatusCommandService: task %d moved to %q, %d automator actions", result.TaskID, result.Status, result.AppliedActions)
			}
		}
	}()
}

// HandleMessage decodes and applies one command.
func (s *StatusCommandService) HandleMessage(ctx context.Context, msg kafka.Message) events.TaskStatusResult {
	var cmd events.TaskStatusCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return events.TaskStatusResult{Error: fmt.Sprintf("invalid payload at offset %d: %v", msg.Offset, err)}
	}
	result := events.TaskStatusResult{TaskID: cmd.TaskID, Status: cmd.Status}
	if cmd.FirmID == 0 || cmd.TaskID == 0 || cmd.Status == "" {
		result.Error = "firm_id, task_id and status are required"
		return result
	}
	applied, err := s.Workflow.UpdateTaskStatus(ctx, cmd.FirmID, cmd.TaskID, cmd.Status, cmd.ActorID)
	result.AppliedActions = len(applied)
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Close closes the reader, which ends the consume loop with EOF. Wait on Done for the loop to exit.
func (s *StatusCommandService) Close() {
	if s.Reader == nil {
		return
	}
	hlog.Info("StatusCommandService: Closing Kafka reader.")
	if err := s.Reader.Close(); err != nil {
		hlog.Errorf("StatusCommandService: error closing reader: %v", err)
	}
}

// Done is closed when the consume loop exits.
func (s *StatusCommandService) Done() <-chan struct{} {
	return s.done
}
