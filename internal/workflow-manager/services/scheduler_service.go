package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
	"workflow-engine-service/internal/workflow-manager/metrics"
)

const (
	DefaultSchedulerCron = "0 2 * * *"
	DefaultMaxCatchUp    = 366
	recurrenceJobTag     = "recurrence_scheduler"
)

// SchedulerService generates work items for recurring templates. Runs are serialized in process;
// the template version column guards against other processes.
type SchedulerService struct {
	DB           *gorm.DB
	Instantiator *InstantiationService
	Scheduler    gocron.Scheduler
	CronExpr     string
	MaxCatchUp   int
	Now          func() time.Time

	appContext context.Context
	mu         sync.Mutex
}

func NewSchedulerService(ctx context.Context, db *gorm.DB, inst *InstantiationService, cronExpr string, maxCatchUp int) (*SchedulerService, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if cronExpr == "" {
		cronExpr = DefaultSchedulerCron
	}
	if maxCatchUp <= 0 {
		maxCatchUp = DefaultMaxCatchUp
	}
	return &SchedulerService{
		DB:           db,
		Instantiator: inst,
		Scheduler:    s,
		CronExpr:     cronExpr,
		MaxCatchUp:   maxCatchUp,
		Now:          time.Now,
		appContext:   ctx,
	}, nil
}

// Start registers the periodic RunDue job and starts gocron.
func (s *SchedulerService) Start() error {
	hlog.Info("SchedulerService starting...")
	job, err := s.Scheduler.NewJob(
		gocron.CronJob(s.CronExpr, false),
		gocron.NewTask(func() {
			if _, err := s.RunDue(s.appContext, s.Now()); err != nil {
				hlog.Errorf("Scheduled recurrence run finished with errors: %v", err)
			}
		}),
		gocron.WithName(recurrenceJobTag),
		gocron.WithTags(recurrenceJobTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule recurrence job with cron '%s': %w", s.CronExpr, err)
	}
	s.Scheduler.Start()
	if next, err := job.NextRun(); err == nil {
		hlog.Infof("Recurrence job scheduled with cron '%s', next run %s", s.CronExpr, next.Format(time.RFC3339))
	}
	return nil
}

func (s *SchedulerService) Stop() {
	hlog.Info("SchedulerService stopping...")
	if err := s.Scheduler.Shutdown(); err != nil {
		hlog.Errorf("Error shutting down gocron scheduler: %v", err)
	} else {
		hlog.Info("Gocron scheduler shut down successfully.")
	}
}

// RunDue instantiates every due occurrence of every recurring template. A failing template is
// logged and skipped; the joined per-template errors are returned with the created work items.
func (s *SchedulerService) RunDue(ctx context.Context, now time.Time) ([]wfDB.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	metrics.SchedulerRuns.Inc()

	var templates []wfDB.Template
	if err := s.DB.WithContext(ctx).
		Where("recurrence_rule IS NOT NULL AND recurrence_rule != ''").
		Order("id").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch recurring templates: %w", err)
	}
	hlog.CtxInfof(ctx, "Recurrence run %s: evaluating %d templates as of %s", runID, len(templates), now.UTC().Format(time.RFC3339))

	var created []wfDB.WorkItem
	var errs []error
	for _, tmpl := range templates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		items, err := s.runTemplate(ctx, tmpl, now, runID)
		created = append(created, items...)
		if err != nil {
			metrics.SchedulerTemplateFailures.Inc()
			hlog.CtxErrorf(ctx, "Recurrence run %s: template ID %d (%s) failed: %v", runID, tmpl.ID, tmpl.Name, err)
			errs = append(errs, fmt.Errorf("template %d: %w", tmpl.ID, err))
		}
	}
	hlog.CtxInfof(ctx, "Recurrence run %s: created %d work items, %d template failures", runID, len(created), len(errs))
	return created, errors.Join(errs...)
}

func (s *SchedulerService) runTemplate(ctx context.Context, tmpl wfDB.Template, now time.Time, runID string) ([]wfDB.WorkItem, error) {
	rule, err := ParseRecurrenceRule(tmpl.RecurrenceRule)
	if err != nil {
		return nil, err
	}
	if tmpl.ClientID == nil {
		return nil, fmt.Errorf("%w: recurring template has no client", ErrInvalidTemplate)
	}

	var created []wfDB.WorkItem
	version := tmpl.Version
	for _, occ := range rule.Due(tmpl.LastRunDate, tmpl.CreatedAt, now, s.MaxCatchUp) {
		occurrence := occ.Date
		expected := version
		work, _, err := s.Instantiator.Instantiate(ctx, InstantiateOptions{
			FirmID:         tmpl.FirmID,
			TemplateID:     tmpl.ID,
			ClientID:       *tmpl.ClientID,
			StartDate:      occ.PeriodStart,
			DueDate:        &occurrence,
			Title:          fmt.Sprintf("%s %s", tmpl.Name, occurrence.Format(time.DateOnly)),
			Trigger:        TriggerScheduler,
			OccurrenceDate: &occurrence,
			BeforeCommit: func(tx *gorm.DB, _ *wfDB.WorkItem) error {
				return advanceWatermark(tx, tmpl.ID, expected, occurrence)
			},
		})
		if err != nil {
			return created, fmt.Errorf("occurrence %s: %w", occurrence.Format(time.DateOnly), err)
		}
		version++
		created = append(created, *work)
		hlog.CtxInfof(ctx, "Recurrence run %s: template ID %d occurrence %s -> work item ID %d", runID, tmpl.ID, occurrence.Format(time.DateOnly), work.ID)
	}
	return created, nil
}

// advanceWatermark moves last_run_date forward with a compare-and-set on version.
func advanceWatermark(tx *gorm.DB, templateID uint, expectedVersion int, occurrence time.Time) error {
	res := tx.Model(&wfDB.Template{}).
		Where("id = ? AND version = ?", templateID, expectedVersion).
		Updates(map[string]interface{}{"last_run_date": occurrence, "version": expectedVersion + 1})
	if res.Error != nil {
		return fmt.Errorf("failed to advance watermark of template %d: %w", templateID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: template %d", ErrConcurrentRun, templateID)
	}
	return nil
}
