package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "models_test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(AllModels()...))
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gormDB
}

func TestTemplateCRUD(t *testing.T) {
	gormDB := setupTestDB(t)

	clientID := uint(10)
	tmpl := Template{
		FirmID:         1,
		Name:           "Quarterly VAT",
		ClientID:       &clientID,
		RecurrenceRule: "quarterly:last_biz_day",
		Tasks: []TemplateTask{
			{Position: 1, Title: "Collect invoices", DueDateRule: "due_date-10"},
			{Position: 2, Title: "Submit return"},
		},
		Rules: []AutomatorRule{{
			Name:           "Filing started",
			TriggerEvent:   "task.status.updated",
			ConditionLogic: datatypes.JSON(`{"all":[]}`),
			ActionType:     "CHANGE_WORK_STATUS",
			ActionParams:   datatypes.JSON(`{"status":"In Review"}`),
		}},
	}
	require.NoError(t, gormDB.Create(&tmpl).Error)
	assert.NotZero(t, tmpl.ID)

	var fetched Template
	require.NoError(t, gormDB.Preload("Tasks").Preload("Rules").First(&fetched, tmpl.ID).Error)
	assert.Equal(t, "Quarterly VAT", fetched.Name)
	assert.Len(t, fetched.Tasks, 2)
	require.Len(t, fetched.Rules, 1)
	assert.True(t, fetched.Rules[0].Enabled)
	assert.Nil(t, fetched.LastRunDate)
	assert.Zero(t, fetched.Version)

	require.NoError(t, gormDB.Delete(&fetched).Error)
	err := gormDB.First(&Template{}, tmpl.ID).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestTaskDependencyCompositeKey(t *testing.T) {
	gormDB := setupTestDB(t)
	require.NoError(t, gormDB.Create(&TaskDependency{PredecessorTaskID: 1, SuccessorTaskID: 2}).Error)
	assert.Error(t, gormDB.Create(&TaskDependency{PredecessorTaskID: 1, SuccessorTaskID: 2}).Error)
}

func TestStatusUniquePerFirmScope(t *testing.T) {
	gormDB := setupTestDB(t)
	require.NoError(t, gormDB.Create(&Status{FirmID: 1, Scope: StatusScopeTask, Name: "Done"}).Error)
	require.NoError(t, gormDB.Create(&Status{FirmID: 1, Scope: StatusScopeWork, Name: "Done"}).Error)
	require.NoError(t, gormDB.Create(&Status{FirmID: 2, Scope: StatusScopeTask, Name: "Done"}).Error)
	assert.Error(t, gormDB.Create(&Status{FirmID: 1, Scope: StatusScopeTask, Name: "Done"}).Error)
}

func TestTaskIsOverdue(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	past := now.AddDate(0, 0, -1)
	future := now.AddDate(0, 0, 1)

	assert.True(t, Task{DueDate: &past}.IsOverdue(now, false))
	assert.False(t, Task{DueDate: &past}.IsOverdue(now, true))
	assert.False(t, Task{DueDate: &future}.IsOverdue(now, false))
	assert.False(t, Task{}.IsOverdue(now, false))
}
