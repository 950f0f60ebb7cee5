package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"
	"gorm.io/gorm"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
	"workflow-engine-service/internal/workflow-manager/metrics"
)

// DefaultMaxCascadeEvents bounds automator-triggered status changes per original request.
const DefaultMaxCascadeEvents = 10

// RecurrenceRunner is implemented by SchedulerService.
type RecurrenceRunner interface {
	RunDue(ctx context.Context, now time.Time) ([]wfDB.WorkItem, error)
}

// CreateWorkItemRequest is the input of CreateWorkItem.
type CreateWorkItemRequest struct {
	FirmID     uint
	TemplateID uint
	ClientID   uint
	StartDate  time.Time
	DueDate    *time.Time
	ActorID    uint
}

// WorkflowService is the engine's entry point for callers.
type WorkflowService struct {
	DB               *gorm.DB
	Statuses         StatusCatalog
	Activity         ActivitySink
	Instantiator     *InstantiationService
	Recurrence       RecurrenceRunner
	Resolver         *DependencyResolver
	Automator        *AutomatorEngine
	MaxCascadeEvents int
	Now              func() time.Time

	locks workLocks
}

func NewWorkflowService(db *gorm.DB, statuses StatusCatalog, activity ActivitySink, inst *InstantiationService, recurrence RecurrenceRunner, resolver *DependencyResolver, automator *AutomatorEngine) *WorkflowService {
	return &WorkflowService{
		DB:               db,
		Statuses:         statuses,
		Activity:         activity,
		Instantiator:     inst,
		Recurrence:       recurrence,
		Resolver:         resolver,
		Automator:        automator,
		MaxCascadeEvents: DefaultMaxCascadeEvents,
		Now:              time.Now,
	}
}

func (s *WorkflowService) CreateWorkItem(ctx context.Context, req CreateWorkItemRequest) (*wfDB.WorkItem, error) {
	work, _, err := s.Instantiator.Instantiate(ctx, InstantiateOptions{
		FirmID:     req.FirmID,
		TemplateID: req.TemplateID,
		ClientID:   req.ClientID,
		StartDate:  req.StartDate,
		DueDate:    req.DueDate,
		ActorID:    req.ActorID,
		Trigger:    TriggerManual,
	})
	return work, err
}

func (s *WorkflowService) RunScheduledRecurrence(ctx context.Context, now time.Time) ([]wfDB.WorkItem, error) {
	if s.Recurrence == nil {
		return nil, errors.New("recurrence scheduler is not configured")
	}
	return s.Recurrence.RunDue(ctx, now)
}

// GetTask loads a task and checks it belongs to firmID.
func (s *WorkflowService) GetTask(ctx context.Context, firmID, taskID uint) (*wfDB.Task, *wfDB.WorkItem, error) {
	return loadTaskForFirm(s.DB.WithContext(ctx), firmID, taskID)
}

// IsBlocked reports whether the task waits on incomplete predecessors.
func (s *WorkflowService) IsBlocked(ctx context.Context, firmID, taskID uint) (bool, []wfDB.Task, error) {
	task, _, err := s.GetTask(ctx, firmID, taskID)
	if err != nil {
		return false, nil, err
	}
	return s.Resolver.IsBlocked(ctx, *task)
}

func (s *WorkflowService) OverdueTasks(ctx context.Context, firmID uint) ([]wfDB.Task, error) {
	return s.Resolver.OverdueTasks(ctx, firmID, s.Now())
}

// UpdateTaskStatus moves a task to the named status and runs the resolver and automator
// cascade. Without automator activity only the first error is possible; once an automator has
// queued further changes, a failure returns *CascadeError and keeps what was committed.
func (s *WorkflowService) UpdateTaskStatus(ctx context.Context, firmID, taskID uint, status string, actorID uint) ([]AppliedAction, error) {
	task, work, err := s.GetTask(ctx, firmID, taskID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(work.ID)
	defer unlock()

	statuses, err := LoadFirmStatuses(ctx, s.Statuses, work.FirmID)
	if err != nil {
		return nil, err
	}
	target, err := statuses.Task.Lookup(status)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	maxCascade := s.MaxCascadeEvents
	if maxCascade <= 0 {
		maxCascade = DefaultMaxCascadeEvents
	}

	queue := []statusChange{{TaskID: task.ID, StatusID: target.ID, ActorID: actorID}}
	var applied []AppliedAction
	cascaded := 0
	for first := true; len(queue) > 0; first = false {
		ch := queue[0]
		queue = queue[1:]
		if !first {
			cascaded++
			if cascaded > maxCascade {
				metrics.TaskTransitions.WithLabelValues("cascade_limit").Inc()
				hlog.CtxErrorf(ctx, "Cascade %s on work %d exceeded %d events", correlationID, work.ID, maxCascade)
				return applied, &CascadeError{Applied: applied, Err: fmt.Errorf("%w: more than %d cascading events", ErrAutomatorCycle, maxCascade)}
			}
		}

		step, err := s.applyStatusChange(ctx, work, statuses, ch, correlationID)
		if err != nil {
			metrics.TaskTransitions.WithLabelValues(transitionOutcome(err)).Inc()
			if first {
				return nil, err
			}
			hlog.CtxErrorf(ctx, "Cascade %s on work %d stopped at task %d: %v", correlationID, work.ID, ch.TaskID, err)
			return applied, &CascadeError{Applied: applied, Err: err}
		}
		if step == nil {
			continue
		}
		metrics.TaskTransitions.WithLabelValues("applied").Inc()
		for _, a := range step.Applied {
			metrics.AutomatorActions.WithLabelValues(a.ActionType).Inc()
		}
		emitActivity(ctx, s.Activity, step.Activities...)
		applied = append(applied, step.Applied...)
		queue = append(queue, step.FollowUps...)
	}
	return applied, nil
}

func transitionOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTaskBlocked):
		return "blocked"
	case errors.Is(err, ErrStatusConflict):
		return "conflict"
	default:
		return "error"
	}
}

// applyStatusChange commits one status change together with resolver and automator effects.
// It returns nil when the task already has the target status.
func (s *WorkflowService) applyStatusChange(ctx context.Context, work *wfDB.WorkItem, statuses *FirmStatuses, ch statusChange, correlationID string) (*AutomatorOutcome, error) {
	target, ok := statuses.Task.ByID(ch.StatusID)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownStatus, ch.StatusID)
	}
	now := s.Now().UTC()
	var out *AutomatorOutcome
	committedWork := *work

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task wfDB.Task
		if err := tx.Where("work_id = ?", work.ID).First(&task, ch.TaskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, ch.TaskID)
			}
			return fmt.Errorf("failed to load task %d: %w", ch.TaskID, err)
		}
		oldStatus := task.StatusID
		if oldStatus == target.ID {
			return nil
		}
		if err := s.Resolver.CheckTransition(tx, task, target, statuses.Task); err != nil {
			return err
		}

		res := tx.Model(&wfDB.Task{}).
			Where("id = ? AND status_id = ?", task.ID, oldStatus).
			Updates(map[string]interface{}{"status_id": target.ID, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to update task %d status: %w", task.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: task %d", ErrStatusConflict, task.ID)
		}
		task.StatusID = target.ID

		taskID := task.ID
		details := map[string]interface{}{
			"from":           statuses.Task.Name(oldStatus),
			"to":             target.Name,
			"correlation_id": correlationID,
		}
		if ch.RuleID != 0 {
			details["rule_id"] = ch.RuleID
		}
		activities := []ActivityEntry{{
			FirmID: work.FirmID, WorkID: work.ID, TaskID: &taskID, ActorID: ch.ActorID,
			EventType: EventTaskStatusUpdated, Details: details,
		}}

		changes, err := s.Resolver.OnStatusChanged(ctx, tx, task, oldStatus, target.ID, statuses.Task)
		if err != nil {
			return err
		}
		for _, c := range changes {
			succID := c.Task.ID
			eventType := EventTaskUnblocked
			if c.Blocked {
				eventType = EventTaskBlocked
			}
			activities = append(activities, ActivityEntry{
				FirmID: work.FirmID, WorkID: work.ID, TaskID: &succID, ActorID: ch.ActorID, EventType: eventType,
				Details: map[string]interface{}{
					"task_title":     c.Task.Title,
					"predecessor_id": task.ID,
					"correlation_id": correlationID,
				},
			})
		}

		outcome, err := s.Automator.OnEvent(ctx, tx, TaskEvent{
			Type:        EventTaskStatusUpdated,
			WorkItem:    &committedWork,
			Task:        task,
			OldStatusID: oldStatus,
			NewStatusID: target.ID,
			ActorID:     ch.ActorID,
		}, statuses)
		if err != nil {
			return err
		}
		outcome.Activities = append(activities, outcome.Activities...)
		out = outcome
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	*work = committedWork
	for i := range out.Activities {
		out.Activities[i].Timestamp = now
		if out.Activities[i].Details == nil {
			out.Activities[i].Details = map[string]interface{}{}
		}
		out.Activities[i].Details["correlation_id"] = correlationID
	}
	return out, nil
}

// AddDependency links two tasks of the same work item.
func (s *WorkflowService) AddDependency(ctx context.Context, firmID, predecessorID, successorID, actorID uint) error {
	return s.changeDependency(ctx, firmID, predecessorID, successorID, actorID, true)
}

func (s *WorkflowService) RemoveDependency(ctx context.Context, firmID, predecessorID, successorID, actorID uint) error {
	return s.changeDependency(ctx, firmID, predecessorID, successorID, actorID, false)
}

// changeDependency adds or removes an edge and reports a change of the successor's blocked state.
func (s *WorkflowService) changeDependency(ctx context.Context, firmID, predecessorID, successorID, actorID uint, add bool) error {
	succ, work, err := s.GetTask(ctx, firmID, successorID)
	if err != nil {
		return err
	}
	set, err := LoadStatusSet(ctx, s.Statuses, work.FirmID, wfDB.StatusScopeTask)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(work.ID)
	defer unlock()

	eventType := EventDependencyRemoved
	var wasBlocked, isBlocked bool
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.Resolver.incompletePredecessors(tx, successorID, 0, set)
		if err != nil {
			return err
		}
		if add {
			eventType = EventDependencyAdded
			err = s.Resolver.AddDependency(ctx, tx, predecessorID, successorID)
		} else {
			err = s.Resolver.RemoveDependency(ctx, tx, predecessorID, successorID)
		}
		if err != nil {
			return err
		}
		after, err := s.Resolver.incompletePredecessors(tx, successorID, 0, set)
		if err != nil {
			return err
		}
		wasBlocked, isBlocked = len(before) > 0, len(after) > 0
		return nil
	})
	if err != nil {
		return err
	}
	now := s.Now().UTC()
	emitActivity(ctx, s.Activity, ActivityEntry{
		FirmID: work.FirmID, WorkID: work.ID, TaskID: &succ.ID, ActorID: actorID, EventType: eventType,
		Details:   map[string]interface{}{"predecessor_id": predecessorID, "successor_id": successorID},
		Timestamp: now,
	})
	if wasBlocked != isBlocked {
		blockEvent := EventTaskUnblocked
		if isBlocked {
			blockEvent = EventTaskBlocked
		}
		emitActivity(ctx, s.Activity, ActivityEntry{
			FirmID: work.FirmID, WorkID: work.ID, TaskID: &succ.ID, ActorID: actorID, EventType: blockEvent,
			Details:   map[string]interface{}{"task_title": succ.Title, "predecessor_id": predecessorID},
			Timestamp: now,
		})
	}
	return nil
}

func loadTaskForFirm(tx *gorm.DB, firmID, taskID uint) (*wfDB.Task, *wfDB.WorkItem, error) {
	var task wfDB.Task
	if err := tx.First(&task, taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return nil, nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}
	var work wfDB.WorkItem
	if err := tx.First(&work, task.WorkID).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load work item %d: %w", task.WorkID, err)
	}
	if work.FirmID != firmID {
		return nil, nil, fmt.Errorf("%w: task %d", ErrWrongFirm, taskID)
	}
	return &task, &work, nil
}

// workLocks serializes mutations per work item. Entries are dropped when no holder remains.
type workLocks struct {
	mu      sync.Mutex
	entries map[uint]*workLock
}

type workLock struct {
	sync.Mutex
	refs int
}

func (l *workLocks) lock(workID uint) (unlock func()) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[uint]*workLock)
	}
	e, ok := l.entries[workID]
	if !ok {
		e = &workLock{}
		l.entries[workID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, workID)
		}
		l.mu.Unlock()
	}
}
