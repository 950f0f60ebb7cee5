package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
	gorm_db "workflow-engine-service/pkg/db"
)

const (
	testFirm   uint = 1
	testClient uint = 10
)

// recordingSink keeps every entry in memory.
type recordingSink struct {
	mu      sync.Mutex
	entries []ActivityEntry
}

func (r *recordingSink) Append(_ context.Context, e ActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) ofType(eventType string) []ActivityEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ActivityEntry
	for _, e := range r.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	DB        *gorm.DB
	Sink      *recordingSink
	Catalog   *GormStatusCatalog
	Store     *TemplateStore
	Inst      *InstantiationService
	Scheduler *SchedulerService
	Workflow  *WorkflowService
	Statuses  map[string]wfDB.Status
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	hlog.SetLevel(hlog.LevelFatal)
	path := filepath.Join(t.TempDir(), "workflow_test.db")
	gormDB, err := gorm_db.NewGormDB(gorm_db.Options{Type: "sqlite", DSN: path + "?_busy_timeout=5000", LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, gorm_db.AutoMigrate(gormDB, wfDB.AllModels()...))
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gormDB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gormDB := setupTestDB(t)

	statuses := []wfDB.Status{
		{FirmID: testFirm, Scope: wfDB.StatusScopeTask, Name: "To Do", Position: 1, IsDefault: true},
		{FirmID: testFirm, Scope: wfDB.StatusScopeTask, Name: "In Progress", Position: 2},
		{FirmID: testFirm, Scope: wfDB.StatusScopeTask, Name: "Completed", Position: 3, IsTerminal: true},
		{FirmID: testFirm, Scope: wfDB.StatusScopeTask, Name: "Cancelled", Position: 4, IsTerminal: true, AllowWhileBlocked: true},
		{FirmID: testFirm, Scope: wfDB.StatusScopeTask, Name: "On Hold", Position: 5, AllowWhileBlocked: true},
		{FirmID: testFirm, Scope: wfDB.StatusScopeWork, Name: "Open", Position: 1, IsDefault: true},
		{FirmID: testFirm, Scope: wfDB.StatusScopeWork, Name: "In Review", Position: 2},
		{FirmID: testFirm, Scope: wfDB.StatusScopeWork, Name: "Closed", Position: 3, IsTerminal: true},
	}
	require.NoError(t, gormDB.Create(&statuses).Error)
	require.NoError(t, gormDB.Create(&wfDB.Client{ID: testClient, FirmID: testFirm, Name: "Acme Ltd"}).Error)
	require.NoError(t, gormDB.Create(&[]wfDB.RoleAssignment{
		{FirmID: testFirm, ClientID: 0, RoleName: "manager", UserID: 100},
		{FirmID: testFirm, ClientID: testClient, RoleName: "preparer", UserID: 200},
		{FirmID: testFirm, ClientID: 0, RoleName: "preparer", UserID: 300},
	}).Error)

	env := &testEnv{
		DB:       gormDB,
		Sink:     &recordingSink{},
		Catalog:  &GormStatusCatalog{DB: gormDB},
		Store:    NewTemplateStore(gormDB),
		Statuses: map[string]wfDB.Status{},
	}
	for _, s := range statuses {
		env.Statuses[s.Scope+":"+s.Name] = s
	}
	roles := &GormRoleResolver{DB: gormDB}
	env.Inst = NewInstantiationService(gormDB, roles, &GormClientRegistry{DB: gormDB}, env.Catalog, env.Sink)
	env.Inst.Now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

	var err error
	env.Scheduler, err = NewSchedulerService(context.Background(), gormDB, env.Inst, "", 0)
	require.NoError(t, err)

	env.Workflow = NewWorkflowService(gormDB, env.Catalog, env.Sink, env.Inst, env.Scheduler,
		NewDependencyResolver(gormDB, env.Catalog), NewAutomatorEngine(roles))
	env.Workflow.Now = env.Inst.Now
	return env
}

func (e *testEnv) taskStatus(name string) wfDB.Status { return e.Statuses[wfDB.StatusScopeTask+":"+name] }
func (e *testEnv) workStatus(name string) wfDB.Status { return e.Statuses[wfDB.StatusScopeWork+":"+name] }

// reloadTasks returns a work item's tasks keyed by title.
func (e *testEnv) reloadTasks(t *testing.T, workID uint) map[string]wfDB.Task {
	t.Helper()
	var tasks []wfDB.Task
	require.NoError(t, e.DB.Where("work_id = ?", workID).Find(&tasks).Error)
	out := make(map[string]wfDB.Task, len(tasks))
	for _, task := range tasks {
		out[task.Title] = task
	}
	return out
}

func (e *testEnv) createTemplate(t *testing.T, def TemplateDefinition) *wfDB.Template {
	t.Helper()
	if def.FirmID == 0 {
		def.FirmID = testFirm
	}
	tmpl, err := e.Store.Create(context.Background(), def)
	require.NoError(t, err)
	return tmpl
}

func (e *testEnv) instantiate(t *testing.T, templateID uint) (*wfDB.WorkItem, map[string]wfDB.Task) {
	t.Helper()
	due := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	work, _, err := e.Inst.Instantiate(context.Background(), InstantiateOptions{
		FirmID: testFirm, TemplateID: templateID, ClientID: testClient,
		StartDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), DueDate: &due, ActorID: 7,
	})
	require.NoError(t, err)
	return work, e.reloadTasks(t, work.ID)
}

func uintPtr(v uint) *uint { return &v }

func gormModel(id uint) gorm.Model { return gorm.Model{ID: id} }
