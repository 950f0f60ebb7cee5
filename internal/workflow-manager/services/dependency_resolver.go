package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
)

// DefaultMaxTraversalDepth bounds graph walks over task dependencies.
const DefaultMaxTraversalDepth = 256

// BlockChange reports a successor whose blocked state flipped.
type BlockChange struct {
	Task    wfDB.Task
	Blocked bool
}

// DependencyResolver answers blocked-state questions over TaskDependency edges.
type DependencyResolver struct {
	DB       *gorm.DB
	Catalog  StatusCatalog
	MaxDepth int
}

func NewDependencyResolver(db *gorm.DB, catalog StatusCatalog) *DependencyResolver {
	return &DependencyResolver{DB: db, Catalog: catalog, MaxDepth: DefaultMaxTraversalDepth}
}

// IsBlocked reports whether any predecessor of the task is not terminal and returns those predecessors.
func (r *DependencyResolver) IsBlocked(ctx context.Context, task wfDB.Task) (bool, []wfDB.Task, error) {
	firmID, err := firmOfWork(r.DB.WithContext(ctx), task.WorkID)
	if err != nil {
		return false, nil, err
	}
	set, err := LoadStatusSet(ctx, r.Catalog, firmID, wfDB.StatusScopeTask)
	if err != nil {
		return false, nil, err
	}
	preds, err := r.incompletePredecessors(r.DB.WithContext(ctx), task.ID, 0, set)
	if err != nil {
		return false, nil, err
	}
	return len(preds) > 0, preds, nil
}

// CheckTransition rejects moving a blocked task anywhere except its default status or a status
// allowed while blocked.
func (r *DependencyResolver) CheckTransition(tx *gorm.DB, task wfDB.Task, target wfDB.Status, set *StatusSet) error {
	if target.ID == set.Default.ID || target.AllowWhileBlocked {
		return nil
	}
	preds, err := r.incompletePredecessors(tx, task.ID, 0, set)
	if err != nil {
		return err
	}
	if len(preds) == 0 {
		return nil
	}
	be := &BlockedError{TaskID: task.ID}
	for _, p := range preds {
		be.Predecessors = append(be.Predecessors, p.Title)
	}
	return be
}

// OnStatusChanged re-evaluates the task's successors after its status moved from oldStatus to
// newStatus inside tx. Only crossings of the terminal boundary can change a successor.
func (r *DependencyResolver) OnStatusChanged(ctx context.Context, tx *gorm.DB, task wfDB.Task, oldStatus, newStatus uint, set *StatusSet) ([]BlockChange, error) {
	wasTerminal, isTerminal := set.IsTerminal(oldStatus), set.IsTerminal(newStatus)
	if wasTerminal == isTerminal {
		return nil, nil
	}
	var successors []wfDB.Task
	if err := tx.WithContext(ctx).
		Joins("JOIN task_dependencies ON task_dependencies.successor_task_id = tasks.id").
		Where("task_dependencies.predecessor_task_id = ?", task.ID).
		Order("tasks.id").
		Find(&successors).Error; err != nil {
		return nil, fmt.Errorf("failed to load successors of task %d: %w", task.ID, err)
	}

	var changes []BlockChange
	for _, s := range successors {
		others, err := r.incompletePredecessors(tx, s.ID, task.ID, set)
		if err != nil {
			return nil, err
		}
		// With every other predecessor terminal, this task alone decides the successor's state.
		if len(others) == 0 {
			changes = append(changes, BlockChange{Task: s, Blocked: !isTerminal})
		}
	}
	return changes, nil
}

// incompletePredecessors lists non-terminal predecessors of taskID, ignoring skipID.
func (r *DependencyResolver) incompletePredecessors(tx *gorm.DB, taskID, skipID uint, set *StatusSet) ([]wfDB.Task, error) {
	var preds []wfDB.Task
	if err := tx.Joins("JOIN task_dependencies ON task_dependencies.predecessor_task_id = tasks.id").
		Where("task_dependencies.successor_task_id = ?", taskID).
		Order("tasks.id").
		Find(&preds).Error; err != nil {
		return nil, fmt.Errorf("failed to load predecessors of task %d: %w", taskID, err)
	}
	out := preds[:0]
	for _, p := range preds {
		if p.ID != skipID && !set.IsTerminal(p.StatusID) {
			out = append(out, p)
		}
	}
	return out, nil
}

// AddDependency inserts a finish-to-start edge between two tasks of the same work item. The edge
// is rejected when the predecessor is reachable from the successor.
func (r *DependencyResolver) AddDependency(ctx context.Context, tx *gorm.DB, predecessorID, successorID uint) error {
	if predecessorID == successorID {
		return fmt.Errorf("%w: task %d cannot depend on itself", ErrDependencyCycle, predecessorID)
	}
	var tasks []wfDB.Task
	if err := tx.WithContext(ctx).Where("id IN ?", []uint{predecessorID, successorID}).Find(&tasks).Error; err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	if len(tasks) != 2 {
		return fmt.Errorf("%w: %d or %d", ErrTaskNotFound, predecessorID, successorID)
	}
	if tasks[0].WorkID != tasks[1].WorkID {
		return fmt.Errorf("tasks %d and %d belong to different work items", predecessorID, successorID)
	}

	reachable, err := r.reaches(tx, successorID, predecessorID)
	if err != nil {
		return err
	}
	if reachable {
		return fmt.Errorf("%w: %d -> %d", ErrDependencyCycle, predecessorID, successorID)
	}
	dep := wfDB.TaskDependency{PredecessorTaskID: predecessorID, SuccessorTaskID: successorID, CreatedAt: time.Now().UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&dep).Error; err != nil {
		return fmt.Errorf("failed to add dependency %d -> %d: %w", predecessorID, successorID, err)
	}
	return nil
}

// RemoveDependency deletes an edge. Removing a missing edge is not an error.
func (r *DependencyResolver) RemoveDependency(ctx context.Context, tx *gorm.DB, predecessorID, successorID uint) error {
	if err := tx.WithContext(ctx).
		Where("predecessor_task_id = ? AND successor_task_id = ?", predecessorID, successorID).
		Delete(&wfDB.TaskDependency{}).Error; err != nil {
		return fmt.Errorf("failed to remove dependency %d -> %d: %w", predecessorID, successorID, err)
	}
	return nil
}

// reaches walks successor edges breadth first from "from". Exceeding MaxDepth counts as reachable.
func (r *DependencyResolver) reaches(tx *gorm.DB, from, to uint) (bool, error) {
	maxDepth := r.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxTraversalDepth
	}
	seen := map[uint]bool{from: true}
	frontier := []uint{from}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxDepth {
			return true, nil
		}
		var edges []wfDB.TaskDependency
		if err := tx.Where("predecessor_task_id IN ?", frontier).Find(&edges).Error; err != nil {
			return false, fmt.Errorf("failed to walk dependencies: %w", err)
		}
		frontier = frontier[:0]
		for _, e := range edges {
			if e.SuccessorTaskID == to {
				return true, nil
			}
			if !seen[e.SuccessorTaskID] {
				seen[e.SuccessorTaskID] = true
				frontier = append(frontier, e.SuccessorTaskID)
			}
		}
	}
	return false, nil
}

// OverdueTasks lists the firm's non-terminal tasks whose due date is before now.
func (r *DependencyResolver) OverdueTasks(ctx context.Context, firmID uint, now time.Time) ([]wfDB.Task, error) {
	set, err := LoadStatusSet(ctx, r.Catalog, firmID, wfDB.StatusScopeTask)
	if err != nil {
		return nil, err
	}
	var candidates []wfDB.Task
	if err := r.DB.WithContext(ctx).
		Joins("JOIN work_items ON work_items.id = tasks.work_id AND work_items.deleted_at IS NULL").
		Where("work_items.firm_id = ? AND tasks.due_date IS NOT NULL AND tasks.due_date < ?", firmID, now.UTC()).
		Order("tasks.due_date, tasks.id").Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to query overdue tasks: %w", err)
	}
	var tasks []wfDB.Task
	for _, t := range candidates {
		if t.IsOverdue(now, set.byID[t.StatusID].IsTerminal) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func firmOfWork(tx *gorm.DB, workID uint) (uint, error) {
	var w wfDB.WorkItem
	if err := tx.Select("id", "firm_id").First(&w, workID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("work item %d not found", workID)
		}
		return 0, fmt.Errorf("failed to load work item %d: %w", workID, err)
	}
	return w.FirmID, nil
}
