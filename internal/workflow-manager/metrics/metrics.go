// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkItemsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "work_items_created_total",
		Help:      "Work items instantiated from templates, by trigger.",
	}, []string{"trigger"})

	SchedulerRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "scheduler_runs_total",
		Help:      "Recurrence scheduler runs.",
	})

	SchedulerTemplateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "scheduler_template_failures_total",
		Help:      "Templates that failed during a scheduler run.",
	})

	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "task_transitions_total",
		Help:      "Task status transitions, by outcome.",
	}, []string{"outcome"})

	AutomatorActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "automator_actions_total",
		Help:      "Automator actions applied, by action type.",
	}, []string{"action"})

	ActivitySinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "activity_sink_errors_total",
		Help:      "Activity entries that could not be delivered.",
	})
)
