package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
	"workflow-engine-service/internal/workflow-manager/metrics"
)

// Activity event types.
const (
	EventWorkCreatedFromTemplate = "work.created_from_template"
	EventTaskStatusUpdated       = "task.status.updated"
	EventTaskUnblocked           = "task.unblocked"
	EventTaskBlocked             = "task.blocked"
	EventTaskAssigneeChanged     = "task.assignee.updated"
	EventWorkStatusUpdated       = "work.status.updated"
	EventAutomatorApplied        = "automator.applied"
	EventDependencyAdded         = "task.dependency.added"
	EventDependencyRemoved       = "task.dependency.removed"
)

// ActivityEntry is one audit record handed to an ActivitySink.
type ActivityEntry struct {
	FirmID    uint
	WorkID    uint
	TaskID    *uint
	ActorID   uint
	EventType string
	Details   map[string]interface{}
	Timestamp time.Time
}

// ActivitySink receives audit entries after the owning transaction commits.
type ActivitySink interface {
	Append(ctx context.Context, entry ActivityEntry) error
}

// KafkaProducerInterface is the subset of *kafka.Writer used by the engine.
type KafkaProducerInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.WriterStats
}

// GormActivitySink stores entries in the activity_logs table.
type GormActivitySink struct {
	DB *gorm.DB
}

func (s *GormActivitySink) Append(ctx context.Context, e ActivityEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode activity details: %w", err)
	}
	row := wfDB.ActivityLog{
		FirmID:    e.FirmID,
		WorkID:    e.WorkID,
		TaskID:    e.TaskID,
		ActorID:   e.ActorID,
		EventType: e.EventType,
		Details:   datatypes.JSON(details),
		Timestamp: e.Timestamp,
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to store activity %s: %w", e.EventType, err)
	}
	return nil
}

// KafkaActivitySink publishes entries as protobuf Structs keyed by work item ID.
type KafkaActivitySink struct {
	Producer KafkaProducerInterface
	Timeout  time.Duration
}

func (s *KafkaActivitySink) Append(ctx context.Context, e ActivityEntry) error {
	payload, err := EncodeActivity(e)
	if err != nil {
		return err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg := kafka.Message{Key: []byte(strconv.FormatUint(uint64(e.WorkID), 10)), Value: payload}
	if err := s.Producer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to publish activity %s for work %d: %w", e.EventType, e.WorkID, err)
	}
	return nil
}

// EncodeActivity marshals an entry into its wire form.
func EncodeActivity(e ActivityEntry) ([]byte, error) {
	// Round trip through JSON so nested values only contain types structpb accepts.
	raw, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activity details: %w", err)
	}
	var details map[string]interface{}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("failed to normalize activity details: %w", err)
	}
	fields := map[string]interface{}{
		"firm_id":    float64(e.FirmID),
		"work_id":    float64(e.WorkID),
		"actor_id":   float64(e.ActorID),
		"event_type": e.EventType,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"details":    details,
	}
	if e.TaskID != nil {
		fields["task_id"] = float64(*e.TaskID)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build activity struct: %w", err)
	}
	out, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}
	return out, nil
}

// MultiActivitySink fans an entry out to every sink and joins their errors.
type MultiActivitySink []ActivitySink

func (m MultiActivitySink) Append(ctx context.Context, e ActivityEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// emitActivity delivers entries best effort. Failures are logged and counted only.
func emitActivity(ctx context.Context, sink ActivitySink, entries ...ActivityEntry) {
	if sink == nil {
		return
	}
	for _, e := range entries {
		if err := sink.Append(ctx, e); err != nil {
			metrics.ActivitySinkErrors.Inc()
			hlog.CtxErrorf(ctx, "activity sink: dropped %s for work %d: %v", e.EventType, e.WorkID, err)
		}
	}
}
