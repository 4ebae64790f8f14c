// Package app wires the daemon together: stores, engine clients, workflows,
// scheduler, and the operator frontend.
package app

import (
	"context"
	"log/slog"

	"github.com/clashctl/clashctl/internal/cmn/config"
	"github.com/clashctl/clashctl/internal/cmn/jobguard"
	"github.com/clashctl/clashctl/internal/cmn/logger/tag"
	"github.com/clashctl/clashctl/internal/engine"
	"github.com/clashctl/clashctl/internal/metrics"
	"github.com/clashctl/clashctl/internal/persis/filekernelhist"
	"github.com/clashctl/clashctl/internal/persis/fileschedule"
	"github.com/clashctl/clashctl/internal/service/frontend"
	"github.com/clashctl/clashctl/internal/service/geoupdate"
	"github.com/clashctl/clashctl/internal/service/kernel"
	"github.com/clashctl/clashctl/internal/service/scheduler"
)

// App is the composed daemon.
type App struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	frontend  *frontend.Server
	kernel    *kernel.Updater
}

// New builds the full object graph from configuration.
func New(cfg *config.Config) *App {
	guard := jobguard.New()
	m := metrics.New()

	control := engine.NewClient(cfg.Engine)
	releases := engine.NewReleaseClient(cfg.Kernel.ReleaseAPIBaseURL)

	scheduleStore := fileschedule.New(
		cfg.Paths.ScheduleFile(),
		cfg.Paths.ScheduleHistoryFile(),
		fileschedule.WithMaxHistory(cfg.Schedule.MaxHistory))
	kernelHist := filekernelhist.New(cfg.Paths.KernelHistoryFile())

	updater := kernel.New(releases, guard, kernelHist, cfg.Kernel, cfg.Paths, control.Restart)
	geo := geoupdate.New(control, guard, cfg.Geo)

	mergeJob := scheduler.NewMergeJob(cfg.Merge, cfg.Paths.ConfigFile, control)
	sched := scheduler.New(scheduleStore, guard, mergeJob, cfg.Schedule.TickInterval,
		scheduler.WithMetrics(m))

	front := frontend.New(frontend.Params{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		APIToken: cfg.Server.APIToken,
		Geo:      geo,
		Kernel:   updater,
		Merge:    sched,
		Schedule: scheduleStore,
		Metrics:  m,
	})

	return &App{
		cfg:       cfg,
		scheduler: sched,
		frontend:  front,
		kernel:    updater,
	}
}

// Start recovers the engine binary if needed, launches the scheduler, and
// serves the frontend until ctx is done or Stop is called.
func (a *App) Start(ctx context.Context) error {
	if err := a.kernel.EnsureHealthy(ctx); err != nil {
		// A missing engine binary is not fatal: the daemon can still install
		// one through a kernel update.
		slog.Warn("engine binary health check failed", tag.Error(err))
	}

	a.scheduler.Start(ctx)
	return a.frontend.Start(ctx)
}

// Stop shuts down the scheduler and the frontend.
func (a *App) Stop(ctx context.Context) {
	a.scheduler.Stop()
	if err := a.frontend.Shutdown(ctx); err != nil {
		slog.Warn("frontend shutdown failed", tag.Error(err))
	}
}
