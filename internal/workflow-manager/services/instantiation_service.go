package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
	"workflow-engine-service/internal/workflow-manager/metrics"
)

const (
	TriggerManual    = "manual"
	TriggerScheduler = "scheduler"
)

// InstantiateOptions describes one work item to create from a template.
type InstantiateOptions struct {
	FirmID     uint
	TemplateID uint
	ClientID   uint
	StartDate  time.Time
	DueDate    *time.Time
	ActorID    uint
	Title      string
	Trigger    string

	// OccurrenceDate is set for scheduler-created work.
	OccurrenceDate *time.Time
	// BeforeCommit runs inside the instantiation transaction after every row is written.
	BeforeCommit func(tx *gorm.DB, work *wfDB.WorkItem) error
}

// InstantiationService turns a template into a work item and its task graph.
type InstantiationService struct {
	DB       *gorm.DB
	Roles    RoleResolver
	Clients  ClientRegistry
	Statuses StatusCatalog
	Activity ActivitySink
	Now      func() time.Time
}

func NewInstantiationService(db *gorm.DB, roles RoleResolver, clients ClientRegistry, statuses StatusCatalog, activity ActivitySink) *InstantiationService {
	return &InstantiationService{DB: db, Roles: roles, Clients: clients, Statuses: statuses, Activity: activity, Now: time.Now}
}

// Instantiate creates the work item, its tasks, dependencies and automators in one transaction.
func (s *InstantiationService) Instantiate(ctx context.Context, opts InstantiateOptions) (*wfDB.WorkItem, []wfDB.Task, error) {
	if opts.StartDate.IsZero() {
		return nil, nil, ErrStartDateRequired
	}
	tmpl, err := loadTemplate(s.DB.WithContext(ctx), opts.FirmID, opts.TemplateID)
	if err != nil {
		return nil, nil, err
	}
	ok, err := s.Clients.ClientExists(ctx, opts.FirmID, opts.ClientID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrClientNotFound, opts.ClientID)
	}
	if err := validateTemplateGraph(tmpl); err != nil {
		return nil, nil, err
	}

	start := dateOnly(opts.StartDate)
	var due *time.Time
	if opts.DueDate != nil {
		d := dateOnly(*opts.DueDate)
		due = &d
	}
	taskDue := make([]*time.Time, len(tmpl.Tasks))
	for i, tt := range tmpl.Tasks {
		rule, err := ParseDueDateRule(tt.DueDateRule)
		if err != nil {
			return nil, nil, fmt.Errorf("template task %q: %w", tt.Title, err)
		}
		if rule == nil {
			continue
		}
		d, err := rule.Apply(start, due)
		if err != nil {
			return nil, nil, fmt.Errorf("template task %q: %w", tt.Title, err)
		}
		taskDue[i] = &d
	}

	assignees, err := s.resolveAssignees(ctx, tmpl, opts)
	if err != nil {
		return nil, nil, err
	}
	statuses, err := LoadFirmStatuses(ctx, s.Statuses, opts.FirmID)
	if err != nil {
		return nil, nil, err
	}

	title := opts.Title
	if title == "" {
		title = tmpl.Name
	}
	work := wfDB.WorkItem{
		FirmID:           opts.FirmID,
		ClientID:         opts.ClientID,
		Title:            title,
		StatusID:         statuses.Work.Default.ID,
		StartDate:        start,
		DueDate:          due,
		TemplateOriginID: &tmpl.ID,
		OccurrenceDate:   opts.OccurrenceDate,
	}
	var tasks []wfDB.Task

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&work).Error; err != nil {
			return fmt.Errorf("failed to create work item: %w", err)
		}

		taskIDs := make(map[uint]uint, len(tmpl.Tasks))
		tasks = make([]wfDB.Task, len(tmpl.Tasks))
		for i, tt := range tmpl.Tasks {
			origin := tt.ID
			tasks[i] = wfDB.Task{
				WorkID:               work.ID,
				Title:                tt.Title,
				SectionName:          tt.SectionName,
				AssigneeID:           assignees[tt.DefaultAssigneeRole],
				StatusID:             statuses.Task.Default.ID,
				DueDate:              taskDue[i],
				TemplateTaskOriginID: &origin,
			}
			if err := tx.Create(&tasks[i]).Error; err != nil {
				return fmt.Errorf("failed to create task %q: %w", tt.Title, err)
			}
			taskIDs[tt.ID] = tasks[i].ID
		}

		for i, tt := range tmpl.Tasks {
			if tt.ParentTemplateTaskID == nil {
				continue
			}
			parent := taskIDs[*tt.ParentTemplateTaskID]
			if err := tx.Model(&tasks[i]).Update("parent_task_id", parent).Error; err != nil {
				return fmt.Errorf("failed to link subtask %q: %w", tt.Title, err)
			}
			tasks[i].ParentTaskID = &parent
		}

		for _, e := range templateEdges(tmpl) {
			dep := wfDB.TaskDependency{
				PredecessorTaskID: taskIDs[e[0]],
				SuccessorTaskID:   taskIDs[e[1]],
				CreatedAt:         s.Now().UTC(),
			}
			if err := tx.Create(&dep).Error; err != nil {
				return fmt.Errorf("failed to create task dependency: %w", err)
			}
		}

		for _, rule := range tmpl.Rules {
			if !rule.Enabled {
				continue
			}
			wa := wfDB.WorkAutomator{
				WorkItemID:     work.ID,
				SourceRuleID:   rule.ID,
				Name:           rule.Name,
				TriggerEvent:   rule.TriggerEvent,
				ConditionLogic: rule.ConditionLogic,
				ActionType:     rule.ActionType,
				ActionParams:   rule.ActionParams,
				Enabled:        true,
			}
			if err := tx.Create(&wa).Error; err != nil {
				return fmt.Errorf("failed to copy automator rule %q: %w", rule.Name, err)
			}
		}

		if opts.BeforeCommit != nil {
			return opts.BeforeCommit(tx, &work)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	metrics.WorkItemsCreated.WithLabelValues(trigger).Inc()
	details := map[string]interface{}{
		"template_id":   tmpl.ID,
		"template_name": tmpl.Name,
		"task_count":    len(tasks),
		"trigger":       trigger,
		"start_date":    start.Format(time.DateOnly),
	}
	if due != nil {
		details["due_date"] = due.Format(time.DateOnly)
	}
	emitActivity(ctx, s.Activity, ActivityEntry{
		FirmID: work.FirmID, WorkID: work.ID, ActorID: opts.ActorID,
		EventType: EventWorkCreatedFromTemplate, Details: details, Timestamp: s.Now().UTC(),
	})
	hlog.CtxInfof(ctx, "Work item ID %d created from template ID %d (%s) with %d tasks", work.ID, tmpl.ID, trigger, len(tasks))

	work.Tasks = tasks
	return &work, tasks, nil
}

// resolveAssignees maps each role used by the template to a user. Unknown roles stay unassigned.
func (s *InstantiationService) resolveAssignees(ctx context.Context, tmpl *wfDB.Template, opts InstantiateOptions) (map[string]*uint, error) {
	out := make(map[string]*uint)
	if s.Roles == nil {
		return out, nil
	}
	for _, tt := range tmpl.Tasks {
		role := tt.DefaultAssigneeRole
		if role == "" {
			continue
		}
		if _, done := out[role]; done {
			continue
		}
		userID, found, err := s.Roles.ResolveRole(ctx, opts.FirmID, opts.ClientID, role)
		if err != nil {
			return nil, err
		}
		if !found {
			out[role] = nil
			continue
		}
		id := userID
		out[role] = &id
	}
	return out, nil
}

// templateEdges returns the predecessor edges (predecessor, successor) of a template, deduplicated.
func templateEdges(tmpl *wfDB.Template) [][2]uint {
	seen := make(map[[2]uint]bool)
	var edges [][2]uint
	add := func(from, to uint) {
		e := [2]uint{from, to}
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}
	for _, tt := range tmpl.Tasks {
		if tt.PredecessorTemplateTaskID != nil {
			add(*tt.PredecessorTemplateTaskID, tt.ID)
		}
	}
	for _, d := range tmpl.Dependencies {
		add(d.PredecessorTemplateTaskID, d.SuccessorTemplateTaskID)
	}
	return edges
}

// validateTemplateGraph rejects edges to tasks outside the template and cycles over predecessor
// and parent links.
func validateTemplateGraph(tmpl *wfDB.Template) error {
	nodes := make([]uint, 0, len(tmpl.Tasks))
	known := make(map[uint]bool, len(tmpl.Tasks))
	for _, tt := range tmpl.Tasks {
		nodes = append(nodes, tt.ID)
		known[tt.ID] = true
	}
	adj := make(map[uint][]uint)
	for _, e := range templateEdges(tmpl) {
		if !known[e[0]] || !known[e[1]] {
			return fmt.Errorf("%w: dependency %d -> %d leaves template %d", ErrInvalidTemplate, e[0], e[1], tmpl.ID)
		}
		adj[e[0]] = append(adj[e[0]], e[1])
	}
	for _, tt := range tmpl.Tasks {
		if tt.ParentTemplateTaskID == nil {
			continue
		}
		if !known[*tt.ParentTemplateTaskID] {
			return fmt.Errorf("%w: task %q has a parent outside template %d", ErrInvalidTemplate, tt.Title, tmpl.ID)
		}
		adj[*tt.ParentTemplateTaskID] = append(adj[*tt.ParentTemplateTaskID], tt.ID)
	}
	if hasCycle(nodes, adj) {
		return fmt.Errorf("%w: template %d has a dependency cycle", ErrInvalidTemplate, tmpl.ID)
	}
	return nil
}
