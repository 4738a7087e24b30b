// Package app assembles repositories, services and background workers.
package app

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cmdb-studio/relgraph/internal/queue/tasks"
	"github.com/cmdb-studio/relgraph/internal/repository"
	"github.com/cmdb-studio/relgraph/internal/scan"
	"github.com/cmdb-studio/relgraph/internal/scheduler"
	"github.com/cmdb-studio/relgraph/internal/services"
	"github.com/cmdb-studio/relgraph/internal/trigger"
)

type Options struct {
	ScanBatchSize    int
	ScanConcurrency  int
	TopologyMaxNodes int
	// ScanJobTimeout bounds one scheduled rescan.
	ScanJobTimeout time.Duration
}

type Repositories struct {
	CIs           repository.CIRepository
	Models        repository.ModelRepository
	Relations     repository.RelationRepository
	RelationTypes repository.RelationTypeRepository
	Triggers      repository.TriggerRepository
	Logs          repository.ExecutionLogRepository
	ScanTasks     repository.ScanTaskRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		CIs:           repository.NewCIRepository(db),
		Models:        repository.NewModelRepository(db),
		Relations:     repository.NewRelationRepository(db),
		RelationTypes: repository.NewRelationTypeRepository(db),
		Triggers:      repository.NewTriggerRepository(db),
		Logs:          repository.NewExecutionLogRepository(db),
		ScanTasks:     repository.NewScanTaskRepository(db),
	}
}

// Core holds everything that does not depend on how work is dispatched.
type Core struct {
	Repos         Repositories
	RelationTypes services.RelationTypeService
	Relations     services.RelationService
	Triggers      services.TriggerService
	Propagation   services.PropagationService
	Topology      services.TopologyService
	Orchestrator  *scan.Orchestrator
	Scheduler     *scheduler.Scheduler
	Schedules     *scheduler.ScanSchedules
	log           *zap.Logger
}

func NewCore(db *gorm.DB, locks scan.LockRegistry, opts Options, log *zap.Logger) *Core {
	repos := NewRepositories(db)
	relations := services.NewRelationService(repos.Relations, repos.RelationTypes, repos.CIs)
	matcher := trigger.NewMatcher(repos.CIs, log.Named("matcher"))
	propagation := services.NewPropagationService(repos.Triggers, repos.Relations, repos.Logs, repos.CIs, relations, matcher)
	orch := scan.NewOrchestrator(locks, repos.ScanTasks, repos.CIs, repos.Triggers, propagation,
		scan.Options{BatchSize: opts.ScanBatchSize, Concurrency: opts.ScanConcurrency}, log)
	sched := scheduler.New(log, opts.ScanJobTimeout)

	return &Core{
		Repos:         repos,
		RelationTypes: services.NewRelationTypeService(repos.RelationTypes, repos.Relations, repos.Triggers),
		Relations:     relations,
		Triggers:      services.NewTriggerService(repos.Triggers, repos.RelationTypes, repos.Models, repos.Logs),
		Propagation:   propagation,
		Topology:      services.NewTopologyService(repos.Relations, repos.RelationTypes, repos.CIs, repos.Models, opts.TopologyMaxNodes),
		Orchestrator:  orch,
		Scheduler:     sched,
		Schedules:     scheduler.NewScanSchedules(sched, repos.Models, orch, log),
		log:           log,
	}
}

// TaskHandler returns the background work handler. schedules may be nil in a
// process that does not run the scheduler.
func (c *Core) TaskHandler(withSchedules bool) *tasks.RelationTaskHandler {
	var syncer tasks.ScheduleSyncer
	if withSchedules {
		syncer = c.Schedules
	}
	return tasks.NewRelationTaskHandler(c.Propagation, c.Orchestrator, syncer)
}

// Edge holds the services that hand work to a Dispatcher.
type Edge struct {
	Events services.CIEventService
	Scans  services.ScanService
}

func (c *Core) WithDispatcher(d services.Dispatcher) Edge {
	return Edge{
		Events: services.NewCIEventService(c.Relations, c.Triggers, d),
		Scans:  services.NewScanService(c.Repos.ScanTasks, c.Repos.Models, d),
	}
}

// StartScheduling loads every model schedule and starts the cron loop.
func (c *Core) StartScheduling(ctx context.Context) error {
	if _, err := c.Schedules.LoadAll(ctx); err != nil {
		return err
	}
	return c.Scheduler.Start(ctx)
}

// RecoverScans fails tasks left running by a previous process. Only safe when
// this process is the sole scanner, which the memory lock backend implies.
func (c *Core) RecoverScans(ctx context.Context, lockBackend string) {
	if lockBackend != "memory" {
		return
	}
	if _, err := c.Orchestrator.RecoverInterrupted(ctx); err != nil {
		c.log.Warn("scan task recovery failed", zap.Error(err))
	}
}
