package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
)

func TestWorkflowService_CreateWorkItem(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.createTemplate(t, closingTemplate())
	due := day(2025, 3, 31)

	work, err := env.Workflow.CreateWorkItem(context.Background(), CreateWorkItemRequest{
		FirmID: testFirm, TemplateID: tmpl.ID, ClientID: testClient,
		StartDate: time.Date(2025, 3, 1, 15, 30, 0, 0, time.UTC), DueDate: &due, ActorID: 7,
	})
	require.NoError(t, err)
	assert.Len(t, work.Tasks, 5)
	assert.Equal(t, day(2025, 3, 1), work.StartDate)
	created := env.Sink.ofType(EventWorkCreatedFromTemplate)
	require.Len(t, created, 1)
	assert.Equal(t, TriggerManual, created[0].Details["trigger"])
}

func TestWorkflowService_RunScheduledRecurrence(t *testing.T) {
	env := newTestEnv(t)
	env.recurringTemplate(t, "Payroll", "weekly:fri", testClient, day(2025, 3, 7))

	created, err := env.Workflow.RunScheduledRecurrence(context.Background(), day(2025, 3, 24))
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "Payroll 2025-03-14", created[0].Title)
	assert.Equal(t, "Payroll 2025-03-21", created[1].Title)

	env.Workflow.Recurrence = nil
	_, err = env.Workflow.RunScheduledRecurrence(context.Background(), day(2025, 3, 24))
	assert.Error(t, err)
}

func TestWorkflowService_UpdateTaskStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	_, tasks := env.instantiate(t, env.createTemplate(t, closingTemplate()).ID)
	ctx := context.Background()
	recon := tasks["Bank reconciliation"]

	_, err := env.Workflow.UpdateTaskStatus(ctx, testFirm, 9999, "Completed", 7)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = env.Workflow.UpdateTaskStatus(ctx, 2, recon.ID, "Completed", 7)
	assert.ErrorIs(t, err, ErrWrongFirm)
	_, err = env.Workflow.UpdateTaskStatus(ctx, 0, recon.ID, "Completed", 7)
	assert.ErrorIs(t, err, ErrWrongFirm, "a missing firm never matches")
	_, _, err = env.Workflow.GetTask(ctx, 0, recon.ID)
	assert.ErrorIs(t, err, ErrWrongFirm)
	assert.Equal(t, env.taskStatus("To Do").ID, env.reloadTasks(t, recon.WorkID)["Bank reconciliation"].StatusID)
	_, err = env.Workflow.UpdateTaskStatus(ctx, testFirm, recon.ID, "Archived", 7)
	assert.ErrorIs(t, err, ErrUnknownStatus)

	applied, err := env.Workflow.UpdateTaskStatus(ctx, testFirm, recon.ID, "To Do", 7)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Empty(t, env.Sink.ofType(EventTaskStatusUpdated), "unchanged status writes nothing")
}

func TestWorkflowService_StatusActivity(t *testing.T) {
	env := newTestEnv(t)
	work, tasks := env.instantiate(t, env.createTemplate(t, closingTemplate()).ID)
	recon := tasks["Bank reconciliation"]

	env.setStatus(t, recon.ID, "In Progress")
	updates := env.Sink.ofType(EventTaskStatusUpdated)
	require.Len(t, updates, 1)
	u := updates[0]
	assert.Equal(t, work.ID, u.WorkID)
	assert.Equal(t, recon.ID, *u.TaskID)
	assert.Equal(t, uint(7), u.ActorID)
	assert.Equal(t, "To Do", u.Details["from"])
	assert.Equal(t, "In Progress", u.Details["to"])
	assert.Equal(t, env.Workflow.Now().UTC(), u.Timestamp)

	task, _, err := env.Workflow.GetTask(context.Background(), testFirm, recon.ID)
	require.NoError(t, err)
	assert.Equal(t, env.taskStatus("In Progress").ID, task.StatusID)
}

func TestWorkflowService_ConcurrentUpdatesOnOneWorkItem(t *testing.T) {
	env := newTestEnv(t)
	work, tasks := env.instantiate(t, env.createTemplate(t, closingTemplate()).ID)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, title := range []string{"Bank reconciliation", "Payroll journal"} {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			_, err := env.Workflow.UpdateTaskStatus(context.Background(), testFirm, id, "Completed", 7)
			errs <- err
		}(tasks[title].ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Whichever update came second saw both Prep tasks complete.
	var stored wfDB.WorkItem
	require.NoError(t, env.DB.First(&stored, work.ID).Error)
	assert.Equal(t, env.workStatus("In Review").ID, stored.StatusID)
	assert.Len(t, env.Sink.ofType(EventTaskUnblocked), 1)
	assert.Len(t, env.Sink.ofType(EventAutomatorApplied), 1)
}

func TestWorkLocks(t *testing.T) {
	var l workLocks
	unlockA := l.lock(1)
	unlockB := l.lock(2)

	acquired := make(chan struct{})
	go func() {
		unlock := l.lock(1)
		unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
	unlockB()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.entries)
}
