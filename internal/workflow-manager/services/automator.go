package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
)

const (
	ActionChangeWorkStatus   = "CHANGE_WORK_STATUS"
	ActionChangeTaskAssignee = "CHANGE_TASK_ASSIGNEE"
	ActionChangeTaskStatus   = "CHANGE_TASK_STATUS"
)

// TaskEvent is a committed-in-transaction task status change handed to the automator.
type TaskEvent struct {
	Type        string
	WorkItem    *wfDB.WorkItem
	Task        wfDB.Task
	OldStatusID uint
	NewStatusID uint
	ActorID     uint
}

// AppliedAction records one automator action that took effect.
type AppliedAction struct {
	RuleID     uint   `json:"rule_id"`
	RuleName   string `json:"rule_name"`
	ActionType string `json:"action_type"`
	WorkItemID uint   `json:"work_item_id"`
	TaskIDs    []uint `json:"task_ids,omitempty"`
	Value      string `json:"value,omitempty"`
}

// statusChange is a queued task status mutation.
type statusChange struct {
	TaskID   uint
	StatusID uint
	ActorID  uint
	RuleID   uint
}

// AutomatorOutcome is what one event produced: applied actions, follow-up status changes to
// feed back into the pipeline and activity entries to emit after commit.
type AutomatorOutcome struct {
	Applied    []AppliedAction
	FollowUps  []statusChange
	Activities []ActivityEntry
}

// AutomatorEngine evaluates a work item's rules for a task event.
type AutomatorEngine struct {
	Roles RoleResolver
}

func NewAutomatorEngine(roles RoleResolver) *AutomatorEngine {
	return &AutomatorEngine{Roles: roles}
}

// OnEvent fires every enabled rule whose condition holds after the event. A condition with a
// count leaf must also have been false before the event, so aggregate rules fire once per
// false to true edge. Work status and assignee actions are written through tx. Task status
// actions are returned as follow-ups.
func (a *AutomatorEngine) OnEvent(ctx context.Context, tx *gorm.DB, ev TaskEvent, statuses *FirmStatuses) (*AutomatorOutcome, error) {
	out := &AutomatorOutcome{}
	var rules []wfDB.WorkAutomator
	if err := tx.Where("work_item_id = ? AND trigger_event = ? AND enabled = ?", ev.WorkItem.ID, ev.Type, true).
		Order("id").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load automators for work %d: %w", ev.WorkItem.ID, err)
	}
	if len(rules) == 0 {
		return out, nil
	}

	var tasks []wfDB.Task
	if err := tx.Where("work_id = ?", ev.WorkItem.ID).Order("id").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to load tasks for work %d: %w", ev.WorkItem.ID, err)
	}
	post := newSnapshot(tasks, ev.Task.ID, 0, statuses.Task)
	pre := newSnapshot(tasks, ev.Task.ID, ev.OldStatusID, statuses.Task)

	for _, rule := range rules {
		cond, err := parseCondition(rule.ConditionLogic)
		if err != nil {
			return nil, fmt.Errorf("automator %d (%s): %w", rule.ID, rule.Name, err)
		}
		if !cond.eval(post) || (hasCountLeaf(cond) && cond.eval(pre)) {
			continue
		}
		hlog.CtxInfof(ctx, "Automator %d (%s) fired on task %d in work %d", rule.ID, rule.Name, ev.Task.ID, ev.WorkItem.ID)
		if err := a.apply(ctx, tx, ev, rule, post, statuses, out); err != nil {
			return nil, fmt.Errorf("automator %d (%s): %w", rule.ID, rule.Name, err)
		}
	}
	return out, nil
}

type actionParams struct {
	Selector *taskSelector `json:"selector"`
	Status   string        `json:"status"`
	UserID   *uint         `json:"user_id"`
	Role     string        `json:"role"`
}

type taskSelector struct {
	Target  string `json:"target"`
	Section string `json:"section"`
	Title   string `json:"title"`
	Status  string `json:"status"`
}

func (sel *taskSelector) selectTasks(s *snapshot) []snapshotTask {
	if sel == nil {
		return nil
	}
	var out []snapshotTask
	for _, t := range s.tasks {
		switch sel.Target {
		case "trigger":
			if t.ID != s.trigger.ID {
				continue
			}
		case "section":
			if !strings.EqualFold(t.Section, sel.Section) {
				continue
			}
		case "title":
			if !strings.EqualFold(t.Title, sel.Title) {
				continue
			}
		default:
			continue
		}
		if sel.Status != "" && !strings.EqualFold(t.Status, sel.Status) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (a *AutomatorEngine) apply(ctx context.Context, tx *gorm.DB, ev TaskEvent, rule wfDB.WorkAutomator, snap *snapshot, statuses *FirmStatuses, out *AutomatorOutcome) error {
	var p actionParams
	if err := json.Unmarshal(rule.ActionParams, &p); err != nil {
		return fmt.Errorf("invalid action params: %w", err)
	}
	applied := AppliedAction{RuleID: rule.ID, RuleName: rule.Name, ActionType: rule.ActionType, WorkItemID: ev.WorkItem.ID}
	work := ev.WorkItem

	switch rule.ActionType {
	case ActionChangeWorkStatus:
		st, err := statuses.Work.Lookup(p.Status)
		if err != nil {
			return err
		}
		if work.StatusID == st.ID {
			return nil
		}
		if err := tx.Model(&wfDB.WorkItem{}).Where("id = ?", work.ID).Update("status_id", st.ID).Error; err != nil {
			return fmt.Errorf("failed to update work %d status: %w", work.ID, err)
		}
		from := statuses.Work.Name(work.StatusID)
		work.StatusID = st.ID
		applied.Value = st.Name
		out.Activities = append(out.Activities, ActivityEntry{
			FirmID: work.FirmID, WorkID: work.ID, ActorID: ev.ActorID, EventType: EventWorkStatusUpdated,
			Details: map[string]interface{}{"from": from, "to": st.Name, "rule_id": rule.ID},
		})

	case ActionChangeTaskAssignee:
		userID, ok, err := a.assignee(ctx, work, p)
		if err != nil {
			return err
		}
		if !ok {
			hlog.CtxWarnf(ctx, "Automator %d: role %q has no user for client %d, assignee unchanged", rule.ID, p.Role, work.ClientID)
			return nil
		}
		for _, t := range p.Selector.selectTasks(snap) {
			if err := tx.Model(&wfDB.Task{}).Where("id = ?", t.ID).Update("assignee_id", userID).Error; err != nil {
				return fmt.Errorf("failed to assign task %d: %w", t.ID, err)
			}
			taskID := t.ID
			applied.TaskIDs = append(applied.TaskIDs, t.ID)
			out.Activities = append(out.Activities, ActivityEntry{
				FirmID: work.FirmID, WorkID: work.ID, TaskID: &taskID, ActorID: ev.ActorID, EventType: EventTaskAssigneeChanged,
				Details: map[string]interface{}{"assignee_id": userID, "rule_id": rule.ID},
			})
		}
		if len(applied.TaskIDs) == 0 {
			return nil
		}
		applied.Value = fmt.Sprintf("user:%d", userID)

	case ActionChangeTaskStatus:
		st, err := statuses.Task.Lookup(p.Status)
		if err != nil {
			return err
		}
		for _, t := range p.Selector.selectTasks(snap) {
			if t.StatusID == st.ID {
				continue
			}
			applied.TaskIDs = append(applied.TaskIDs, t.ID)
			out.FollowUps = append(out.FollowUps, statusChange{TaskID: t.ID, StatusID: st.ID, ActorID: ev.ActorID, RuleID: rule.ID})
		}
		if len(applied.TaskIDs) == 0 {
			return nil
		}
		applied.Value = st.Name

	default:
		return fmt.Errorf("unsupported action type %q", rule.ActionType)
	}

	out.Applied = append(out.Applied, applied)
	out.Activities = append(out.Activities, ActivityEntry{
		FirmID: work.FirmID, WorkID: work.ID, ActorID: ev.ActorID, EventType: EventAutomatorApplied,
		Details: map[string]interface{}{
			"rule_id": rule.ID, "rule_name": rule.Name, "action_type": rule.ActionType,
			"task_ids": applied.TaskIDs, "value": applied.Value, "trigger_task_id": ev.Task.ID,
		},
	})
	return nil
}

func (a *AutomatorEngine) assignee(ctx context.Context, work *wfDB.WorkItem, p actionParams) (uint, bool, error) {
	if p.UserID != nil {
		return *p.UserID, true, nil
	}
	if a.Roles == nil || p.Role == "" {
		return 0, false, nil
	}
	return a.Roles.ResolveRole(ctx, work.FirmID, work.ClientID, p.Role)
}

type snapshotTask struct {
	ID       uint
	Title    string
	Section  string
	Status   string
	StatusID uint
}

// snapshot is the view of a work item's tasks that conditions are evaluated against.
type snapshot struct {
	trigger snapshotTask
	tasks   []snapshotTask
}

// newSnapshot builds a view of tasks. A non-zero overrideStatus replaces the trigger task's
// status, which yields the pre-event view.
func newSnapshot(tasks []wfDB.Task, triggerID, overrideStatus uint, set *StatusSet) *snapshot {
	s := &snapshot{tasks: make([]snapshotTask, 0, len(tasks))}
	for _, t := range tasks {
		statusID := t.StatusID
		if t.ID == triggerID && overrideStatus != 0 {
			statusID = overrideStatus
		}
		v := snapshotTask{ID: t.ID, Title: t.Title, Section: t.SectionName, Status: set.Name(statusID), StatusID: statusID}
		if t.ID == triggerID {
			s.trigger = v
		}
		s.tasks = append(s.tasks, v)
	}
	return s
}

type condition interface {
	eval(s *snapshot) bool
}

type allCond []condition

func (c allCond) eval(s *snapshot) bool {
	for _, sub := range c {
		if !sub.eval(s) {
			return false
		}
	}
	return true
}

type anyCond []condition

func (c anyCond) eval(s *snapshot) bool {
	for _, sub := range c {
		if sub.eval(s) {
			return true
		}
	}
	return false
}

type notCond struct{ inner condition }

func (c notCond) eval(s *snapshot) bool { return !c.inner.eval(s) }

type fieldCond struct {
	field  string
	op     string
	values []string
}

func (c fieldCond) eval(s *snapshot) bool {
	var v string
	switch c.field {
	case "task.status":
		v = s.trigger.Status
	case "task.section":
		v = s.trigger.Section
	}
	match := false
	for _, want := range c.values {
		if strings.EqualFold(v, want) {
			match = true
			break
		}
	}
	if c.op == "ne" {
		return !match
	}
	return match
}

type countCond struct {
	section string
	status  string
	op      string
	value   int
	total   bool
}

func (c countCond) eval(s *snapshot) bool {
	n, total := 0, 0
	for _, t := range s.tasks {
		if c.section != "" && !strings.EqualFold(t.Section, c.section) {
			continue
		}
		total++
		if c.status == "" || strings.EqualFold(t.Status, c.status) {
			n++
		}
	}
	want := c.value
	if c.total {
		if total == 0 {
			return false
		}
		want = total
	}
	switch c.op {
	case "eq":
		return n == want
	case "ne":
		return n != want
	case "gt":
		return n > want
	case "gte":
		return n >= want
	case "lt":
		return n < want
	case "lte":
		return n <= want
	}
	return false
}

// hasCountLeaf reports whether c reads the work item's task counts rather than only the
// trigger task.
func hasCountLeaf(c condition) bool {
	switch c := c.(type) {
	case countCond:
		return true
	case notCond:
		return hasCountLeaf(c.inner)
	case allCond:
		for _, sub := range c {
			if hasCountLeaf(sub) {
				return true
			}
		}
	case anyCond:
		for _, sub := range c {
			if hasCountLeaf(sub) {
				return true
			}
		}
	}
	return false
}

var errBadCondition = errors.New("malformed condition")

// parseCondition compiles condition_logic JSON. Empty or null means always true.
func parseCondition(raw []byte) (condition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return allCond(nil), nil
	}
	return parseConditionNode(raw, 0)
}

const maxConditionDepth = 32

func parseConditionNode(raw json.RawMessage, depth int) (condition, error) {
	if depth > maxConditionDepth {
		return nil, fmt.Errorf("%w: nested too deeply", errBadCondition)
	}
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadCondition, err)
	}

	parseList := func(key string) ([]condition, error) {
		var items []json.RawMessage
		if err := json.Unmarshal(node[key], &items); err != nil {
			return nil, fmt.Errorf("%w: %q must be a list: %v", errBadCondition, key, err)
		}
		out := make([]condition, 0, len(items))
		for _, item := range items {
			c, err := parseConditionNode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}

	var op string
	if rawOp, ok := node["op"]; ok {
		if err := json.Unmarshal(rawOp, &op); err != nil {
			return nil, fmt.Errorf("%w: op: %v", errBadCondition, err)
		}
	}

	switch {
	case node["all"] != nil:
		list, err := parseList("all")
		return allCond(list), err
	case node["any"] != nil:
		list, err := parseList("any")
		return anyCond(list), err
	case node["not"] != nil:
		inner, err := parseConditionNode(node["not"], depth+1)
		if err != nil {
			return nil, err
		}
		return notCond{inner: inner}, nil
	case node["field"] != nil:
		c := fieldCond{op: op}
		if err := json.Unmarshal(node["field"], &c.field); err != nil {
			return nil, fmt.Errorf("%w: field: %v", errBadCondition, err)
		}
		if c.field != "task.status" && c.field != "task.section" {
			return nil, fmt.Errorf("%w: unknown field %q", errBadCondition, c.field)
		}
		var single string
		if err := json.Unmarshal(node["value"], &single); err == nil {
			c.values = []string{single}
		} else if err := json.Unmarshal(node["value"], &c.values); err != nil {
			return nil, fmt.Errorf("%w: value must be a string or list of strings", errBadCondition)
		}
		switch op {
		case "eq", "ne":
			if len(c.values) != 1 {
				return nil, fmt.Errorf("%w: %s takes a single value", errBadCondition, op)
			}
		case "in":
		default:
			return nil, fmt.Errorf("%w: unknown op %q", errBadCondition, op)
		}
		return c, nil
	case node["count"] != nil:
		var filter struct {
			Section string `json:"section"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(node["count"], &filter); err != nil {
			return nil, fmt.Errorf("%w: count: %v", errBadCondition, err)
		}
		c := countCond{section: filter.Section, status: filter.Status, op: op}
		switch op {
		case "eq", "ne", "gt", "gte", "lt", "lte":
		default:
			return nil, fmt.Errorf("%w: unknown op %q", errBadCondition, op)
		}
		var s string
		if err := json.Unmarshal(node["value"], &s); err == nil {
			if s != "total" {
				return nil, fmt.Errorf("%w: count value %q", errBadCondition, s)
			}
			c.total = true
		} else if err := json.Unmarshal(node["value"], &c.value); err != nil || c.value < 0 {
			return nil, fmt.Errorf("%w: count value must be a non-negative integer or \"total\"", errBadCondition)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: expected all, any, not, field or count", errBadCondition)
}
