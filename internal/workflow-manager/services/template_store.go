package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
	"workflow-engine-service/pkg/validation"
)

// TemplateDefinition is the editable shape of a template. Tasks reference each other by Key,
// which defaults to the task title.
type TemplateDefinition struct {
	FirmID         uint                      `json:"firm_id" yaml:"firm_id"`
	Name           string                    `json:"name" yaml:"name" vd:"len($)>0"`
	ClientID       *uint                     `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	RecurrenceRule string                    `json:"recurrence_rule,omitempty" yaml:"recurrence_rule,omitempty"`
	CreatedBy      uint                      `json:"created_by" yaml:"created_by"`
	Tasks          []TemplateTaskDefinition  `json:"tasks" yaml:"tasks"`
	Rules          []AutomatorRuleDefinition `json:"rules,omitempty" yaml:"rules,omitempty"`
}

type TemplateTaskDefinition struct {
	Key                 string   `json:"key,omitempty" yaml:"key,omitempty"`
	Title               string   `json:"title" yaml:"title"`
	Section             string   `json:"section,omitempty" yaml:"section,omitempty"`
	DueDateRule         string   `json:"due_date_rule,omitempty" yaml:"due_date_rule,omitempty"`
	DefaultAssigneeRole string   `json:"default_assignee_role,omitempty" yaml:"default_assignee_role,omitempty"`
	Predecessors        []string `json:"predecessors,omitempty" yaml:"predecessors,omitempty"`
	Parent              string   `json:"parent,omitempty" yaml:"parent,omitempty"`
}

type AutomatorRuleDefinition struct {
	Name      string                 `json:"name" yaml:"name"`
	Trigger   string                 `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Condition map[string]interface{} `json:"condition,omitempty" yaml:"condition,omitempty"`
	Action    string                 `json:"action" yaml:"action"`
	Params    map[string]interface{} `json:"params" yaml:"params"`
	Disabled  bool                   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

func (t TemplateTaskDefinition) key() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Title
}

// TemplateStore persists templates and rejects malformed ones at save time.
type TemplateStore struct {
	DB *gorm.DB
}

func NewTemplateStore(db *gorm.DB) *TemplateStore {
	return &TemplateStore{DB: db}
}

// Validate checks names, rule grammars, references, acyclicity and rule schemas.
func (s *TemplateStore) Validate(def TemplateDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if def.FirmID == 0 {
		return fmt.Errorf("%w: firm_id is required", ErrInvalidTemplate)
	}
	if def.RecurrenceRule != "" {
		if _, err := ParseRecurrenceRule(def.RecurrenceRule); err != nil {
			return err
		}
		if def.ClientID == nil {
			return fmt.Errorf("%w: recurring template needs a client_id", ErrInvalidTemplate)
		}
	}

	keys := make(map[string]bool, len(def.Tasks))
	for i, t := range def.Tasks {
		if strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("%w: task %d has no title", ErrInvalidTemplate, i+1)
		}
		if keys[t.key()] {
			return fmt.Errorf("%w: duplicate task key %q", ErrInvalidTemplate, t.key())
		}
		keys[t.key()] = true
		if _, err := ParseDueDateRule(t.DueDateRule); err != nil {
			return fmt.Errorf("task %q: %w", t.Title, err)
		}
	}

	edges := make(map[string][]string)
	for _, t := range def.Tasks {
		refs := append([]string(nil), t.Predecessors...)
		if t.Parent != "" {
			refs = append(refs, t.Parent)
		}
		for _, ref := range refs {
			if !keys[ref] {
				return fmt.Errorf("%w: task %q references unknown task %q", ErrInvalidTemplate, t.key(), ref)
			}
			if ref == t.key() {
				return fmt.Errorf("%w: task %q references itself", ErrInvalidTemplate, ref)
			}
			edges[ref] = append(edges[ref], t.key())
		}
	}
	nodes := make([]string, 0, len(def.Tasks))
	for _, t := range def.Tasks {
		nodes = append(nodes, t.key())
	}
	if hasCycle(nodes, edges) {
		return fmt.Errorf("%w: task dependencies form a cycle", ErrInvalidTemplate)
	}

	for _, r := range def.Rules {
		if r.Trigger != "" && r.Trigger != EventTaskStatusUpdated {
			return fmt.Errorf("%w: rule %q has unsupported trigger %q", ErrInvalidTemplate, r.Name, r.Trigger)
		}
		cond, params, err := encodeRule(r)
		if err != nil {
			return err
		}
		if err := validation.ValidateAutomatorRule(r.Action, string(cond), string(params)); err != nil {
			return fmt.Errorf("%w: rule %q: %v", ErrInvalidTemplate, r.Name, err)
		}
		if _, err := parseCondition(cond); err != nil {
			return fmt.Errorf("%w: rule %q: %v", ErrInvalidTemplate, r.Name, err)
		}
	}
	return nil
}

// Create validates and stores a new template.
func (s *TemplateStore) Create(ctx context.Context, def TemplateDefinition) (*wfDB.Template, error) {
	if err := s.Validate(def); err != nil {
		return nil, err
	}
	tmpl := wfDB.Template{
		FirmID:         def.FirmID,
		Name:           def.Name,
		ClientID:       def.ClientID,
		RecurrenceRule: def.RecurrenceRule,
		CreatedBy:      def.CreatedBy,
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&tmpl).Error; err != nil {
			return fmt.Errorf("failed to create template: %w", err)
		}
		return writeTemplateChildren(tx, tmpl.ID, def)
	})
	if err != nil {
		return nil, err
	}
	hlog.CtxInfof(ctx, "Template ID %d (%s) created for firm %d with %d tasks", tmpl.ID, tmpl.Name, tmpl.FirmID, len(def.Tasks))
	return s.Get(ctx, def.FirmID, tmpl.ID)
}

// Update replaces a template's fields, tasks and rules. The scheduler watermark is kept.
func (s *TemplateStore) Update(ctx context.Context, id uint, def TemplateDefinition) (*wfDB.Template, error) {
	if err := s.Validate(def); err != nil {
		return nil, err
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tmpl wfDB.Template
		if err := tx.Where("firm_id = ?", def.FirmID).First(&tmpl, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrTemplateNotFound, id)
			}
			return fmt.Errorf("failed to load template %d: %w", id, err)
		}
		if err := tx.Model(&tmpl).Updates(map[string]interface{}{
			"name":            def.Name,
			"client_id":       def.ClientID,
			"recurrence_rule": def.RecurrenceRule,
		}).Error; err != nil {
			return fmt.Errorf("failed to update template %d: %w", id, err)
		}
		if err := deleteTemplateChildren(tx, id); err != nil {
			return err
		}
		return writeTemplateChildren(tx, id, def)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, def.FirmID, id)
}

// Get loads a template with its tasks in declared order, extra dependencies and rules.
func (s *TemplateStore) Get(ctx context.Context, firmID, id uint) (*wfDB.Template, error) {
	return loadTemplate(s.DB.WithContext(ctx), firmID, id)
}

func (s *TemplateStore) List(ctx context.Context, firmID uint) ([]wfDB.Template, error) {
	var templates []wfDB.Template
	if err := s.DB.WithContext(ctx).Where("firm_id = ?", firmID).Order("id").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

func (s *TemplateStore) Delete(ctx context.Context, firmID, id uint) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("firm_id = ?", firmID).Delete(&wfDB.Template{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete template %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", ErrTemplateNotFound, id)
		}
		return deleteTemplateChildren(tx, id)
	})
}

func loadTemplate(tx *gorm.DB, firmID, id uint) (*wfDB.Template, error) {
	var tmpl wfDB.Template
	err := tx.Where("firm_id = ?", firmID).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("position, id") }).
		Preload("Dependencies").
		Preload("Rules", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&tmpl, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template %d: %w", id, err)
	}
	return &tmpl, nil
}

func deleteTemplateChildren(tx *gorm.DB, id uint) error {
	if err := tx.Where("template_id = ?", id).Delete(&wfDB.TemplateDependency{}).Error; err != nil {
		return fmt.Errorf("failed to delete template dependencies: %w", err)
	}
	if err := tx.Unscoped().Where("template_id = ?", id).Delete(&wfDB.TemplateTask{}).Error; err != nil {
		return fmt.Errorf("failed to delete template tasks: %w", err)
	}
	if err := tx.Unscoped().Where("template_id = ?", id).Delete(&wfDB.AutomatorRule{}).Error; err != nil {
		return fmt.Errorf("failed to delete template rules: %w", err)
	}
	return nil
}

// writeTemplateChildren stores tasks first so that key references can be mapped to IDs. The first
// predecessor goes on the task row, the rest become TemplateDependency rows.
func writeTemplateChildren(tx *gorm.DB, templateID uint, def TemplateDefinition) error {
	ids := make(map[string]uint, len(def.Tasks))
	rows := make([]wfDB.TemplateTask, len(def.Tasks))
	for i, t := range def.Tasks {
		rows[i] = wfDB.TemplateTask{
			TemplateID:          templateID,
			Position:            i + 1,
			Title:               t.Title,
			SectionName:         t.Section,
			DueDateRule:         strings.TrimSpace(t.DueDateRule),
			DefaultAssigneeRole: t.DefaultAssigneeRole,
		}
		if err := tx.Create(&rows[i]).Error; err != nil {
			return fmt.Errorf("failed to create template task %q: %w", t.Title, err)
		}
		ids[t.key()] = rows[i].ID
	}

	for i, t := range def.Tasks {
		preds := uniqueStrings(t.Predecessors)
		updates := map[string]interface{}{}
		if len(preds) > 0 {
			updates["predecessor_template_task_id"] = ids[preds[0]]
		}
		if t.Parent != "" {
			updates["parent_template_task_id"] = ids[t.Parent]
		}
		if len(updates) > 0 {
			if err := tx.Model(&rows[i]).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to link template task %q: %w", t.Title, err)
			}
		}
		for j, p := range preds {
			if j == 0 {
				continue
			}
			dep := wfDB.TemplateDependency{
				TemplateID:                templateID,
				PredecessorTemplateTaskID: ids[p],
				SuccessorTemplateTaskID:   rows[i].ID,
			}
			if err := tx.Create(&dep).Error; err != nil {
				return fmt.Errorf("failed to create template dependency: %w", err)
			}
		}
	}

	for _, r := range def.Rules {
		cond, params, err := encodeRule(r)
		if err != nil {
			return err
		}
		trigger := r.Trigger
		if trigger == "" {
			trigger = EventTaskStatusUpdated
		}
		rule := wfDB.AutomatorRule{
			TemplateID:     templateID,
			Name:           r.Name,
			TriggerEvent:   trigger,
			ConditionLogic: datatypes.JSON(cond),
			ActionType:     r.Action,
			ActionParams:   datatypes.JSON(params),
			Enabled:        !r.Disabled,
		}
		if err := tx.Create(&rule).Error; err != nil {
			return fmt.Errorf("failed to create automator rule %q: %w", r.Name, err)
		}
		if r.Disabled {
			// gorm skips zero values that have a column default on create.
			if err := tx.Model(&rule).Update("enabled", false).Error; err != nil {
				return fmt.Errorf("failed to disable automator rule %q: %w", r.Name, err)
			}
		}
	}
	return nil
}

func encodeRule(r AutomatorRuleDefinition) (cond, params []byte, err error) {
	if r.Condition == nil {
		cond = []byte(`{"all":[]}`)
	} else if cond, err = json.Marshal(r.Condition); err != nil {
		return nil, nil, fmt.Errorf("%w: rule %q condition: %v", ErrInvalidTemplate, r.Name, err)
	}
	if params, err = json.Marshal(r.Params); err != nil {
		return nil, nil, fmt.Errorf("%w: rule %q params: %v", ErrInvalidTemplate, r.Name, err)
	}
	return cond, params, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// hasCycle runs Kahn's algorithm over edges (from -> to). Edges leaving the node set are ignored.
func hasCycle[K comparable](nodes []K, edges map[K][]K) bool {
	indegree := make(map[K]int, len(nodes))
	for _, n := range nodes {
		indegree[n] = 0
	}
	for _, from := range nodes {
		for _, to := range edges[from] {
			if _, ok := indegree[to]; ok {
				indegree[to]++
			}
		}
	}
	queue := make([]K, 0, len(nodes))
	for n, d := range indegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range edges[n] {
			if _, ok := indegree[to]; !ok {
				continue
			}
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	return visited != len(indegree)
}
