package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status scopes. Task and work item statuses come from separate lists of the same catalog.
const (
	StatusScopeTask = "task"
	StatusScopeWork = "work"
)

// Template is a reusable process blueprint owned by a firm.
// Recurring templates need a ClientID. LastRunDate is the scheduler watermark and only moves
// forward; Version guards it with compare-and-set.
type Template struct {
	gorm.Model
	FirmID         uint                 `json:"firm_id" gorm:"index;not null"`
	Name           string               `json:"name" gorm:"not null"`
	ClientID       *uint                `json:"client_id,omitempty"`
	RecurrenceRule string               `json:"recurrence_rule,omitempty" gorm:"index"`
	LastRunDate    *time.Time           `json:"last_run_date,omitempty"`
	Version        int                  `json:"version" gorm:"not null;default:0"`
	CreatedBy      uint                 `json:"created_by"`
	Tasks          []TemplateTask       `json:"tasks,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	Dependencies   []TemplateDependency `json:"dependencies,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	Rules          []AutomatorRule      `json:"rules,omitempty" gorm:"constraint:OnDelete:CASCADE"`
}

// TemplateTask is a blueprint step that becomes a Task on instantiation.
type TemplateTask struct {
	gorm.Model
	TemplateID                uint   `json:"template_id" gorm:"index;not null"`
	Position                  int    `json:"position"`
	Title                     string `json:"title" gorm:"not null"`
	SectionName               string `json:"section_name"`
	DueDateRule               string `json:"due_date_rule"` // start_date+5, due_date-10
	DefaultAssigneeRole       string `json:"default_assignee_role"`
	PredecessorTemplateTaskID *uint  `json:"predecessor_template_task_id,omitempty"`
	ParentTemplateTaskID      *uint  `json:"parent_template_task_id,omitempty"`
}

// TemplateDependency is an extra finish-to-start edge between two template tasks.
type TemplateDependency struct {
	TemplateID                uint `json:"template_id" gorm:"index;not null"`
	PredecessorTemplateTaskID uint `json:"predecessor_template_task_id" gorm:"primaryKey"`
	SuccessorTemplateTaskID   uint `json:"successor_template_task_id" gorm:"primaryKey"`
}

// AutomatorRule is a declarative trigger/condition/action rule attached to a template.
type AutomatorRule struct {
	gorm.Model
	TemplateID     uint           `json:"template_id" gorm:"index;not null"`
	Name           string         `json:"name"`
	TriggerEvent   string         `json:"trigger_event" gorm:"not null"`
	ConditionLogic datatypes.JSON `json:"condition_logic"`
	ActionType     string         `json:"action_type" gorm:"not null"`
	ActionParams   datatypes.JSON `json:"action_params"`
	Enabled        bool           `json:"enabled" gorm:"not null;default:true"`
}

// WorkItem is a client engagement created from a template.
type WorkItem struct {
	gorm.Model
	FirmID           uint       `json:"firm_id" gorm:"index;not null"`
	ClientID         uint       `json:"client_id" gorm:"index;not null"`
	Title            string     `json:"title"`
	AssigneeID       *uint      `json:"assignee_id,omitempty"`
	StatusID         uint       `json:"status_id" gorm:"index"`
	StartDate        time.Time  `json:"start_date"`
	DueDate          *time.Time `json:"due_date,omitempty" gorm:"index"`
	TemplateOriginID *uint      `json:"template_origin_id,omitempty" gorm:"index"`
	OccurrenceDate   *time.Time `json:"occurrence_date,omitempty"` // set for scheduler-created work
	Tasks            []Task     `json:"tasks,omitempty" gorm:"foreignKey:WorkID;constraint:OnDelete:CASCADE"`
}

// Task is a concrete unit of work inside a WorkItem.
type Task struct {
	gorm.Model
	WorkID               uint       `json:"work_id" gorm:"index;not null"`
	Title                string     `json:"title"`
	SectionName          string     `json:"section_name"`
	AssigneeID           *uint      `json:"assignee_id,omitempty"`
	StatusID             uint       `json:"status_id" gorm:"index"`
	DueDate              *time.Time `json:"due_date,omitempty" gorm:"index"`
	ParentTaskID         *uint      `json:"parent_task_id,omitempty"`
	TemplateTaskOriginID *uint      `json:"template_task_origin_id,omitempty"`
}

// IsOverdue reports whether the task's due date has passed. Terminal tasks are never overdue.
func (t Task) IsOverdue(now time.Time, terminal bool) bool {
	return !terminal && t.DueDate != nil && t.DueDate.Before(now)
}

// TaskDependency is a finish-to-start edge between two live tasks.
type TaskDependency struct {
	PredecessorTaskID uint      `json:"predecessor_task_id" gorm:"primaryKey"`
	SuccessorTaskID   uint      `json:"successor_task_id" gorm:"primaryKey;index"`
	CreatedAt         time.Time `json:"created_at"`
}

// WorkAutomator is an AutomatorRule copied onto a single WorkItem.
type WorkAutomator struct {
	gorm.Model
	WorkItemID     uint           `json:"work_item_id" gorm:"index;not null"`
	SourceRuleID   uint           `json:"source_rule_id"`
	Name           string         `json:"name"`
	TriggerEvent   string         `json:"trigger_event" gorm:"index"`
	ConditionLogic datatypes.JSON `json:"condition_logic"`
	ActionType     string         `json:"action_type"`
	ActionParams   datatypes.JSON `json:"action_params"`
	Enabled        bool           `json:"enabled" gorm:"not null;default:true"`
}

// Status is one entry of a firm's status catalog.
type Status struct {
	ID                uint   `json:"id" gorm:"primaryKey"`
	FirmID            uint   `json:"firm_id" gorm:"uniqueIndex:idx_status_firm_scope_name;not null"`
	Scope             string `json:"scope" gorm:"uniqueIndex:idx_status_firm_scope_name;size:16;not null"`
	Name              string `json:"name" gorm:"uniqueIndex:idx_status_firm_scope_name;size:64;not null"`
	Position          int    `json:"position"`
	IsDefault         bool   `json:"is_default"`
	IsTerminal        bool   `json:"is_terminal"`
	AllowWhileBlocked bool   `json:"allow_while_blocked"` // Cancelled/OnHold style exits
}

// ActivityLog is the audit trail written for every state transition.
type ActivityLog struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	FirmID    uint           `json:"firm_id" gorm:"index"`
	WorkID    uint           `json:"work_id" gorm:"index"`
	TaskID    *uint          `json:"task_id,omitempty"`
	ActorID   uint           `json:"actor_id"`
	EventType string         `json:"event_type" gorm:"index"`
	Details   datatypes.JSON `json:"details"`
	Timestamp time.Time      `json:"timestamp" gorm:"index"`
}

// Client is the read-only projection of the external client registry.
type Client struct {
	ID     uint   `json:"id" gorm:"primaryKey"`
	FirmID uint   `json:"firm_id" gorm:"index;not null"`
	Name   string `json:"name"`
}

// RoleAssignment maps a role to a user for a client. ClientID 0 means firm wide.
type RoleAssignment struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	FirmID   uint   `json:"firm_id" gorm:"index:idx_role_lookup;not null"`
	ClientID uint   `json:"client_id" gorm:"index:idx_role_lookup"`
	RoleName string `json:"role_name" gorm:"index:idx_role_lookup;size:64"`
	UserID   uint   `json:"user_id"`
}

// AllModels lists every table owned by the engine, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Template{}, &TemplateTask{}, &TemplateDependency{}, &AutomatorRule{},
		&WorkItem{}, &Task{}, &TaskDependency{}, &WorkAutomator{},
		&Status{}, &ActivityLog{}, &Client{}, &RoleAssignment{},
	}
}
