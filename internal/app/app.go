// Package app wires the daemon together: config manager, logging service,
// queue, profile stores, energy policy, LLM client, pipeline, ingest and
// worker services, optional pprof. It owns lifecycle and config hot reload.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"plannerd/internal/config"
	"plannerd/internal/energy"
	"plannerd/internal/eventbus"
	"plannerd/internal/ingest"
	"plannerd/internal/llm"
	"plannerd/internal/observability/pprof"
	"plannerd/internal/pipeline"
	"plannerd/internal/profile"
	"plannerd/internal/queue"
	"plannerd/internal/runtime/supervisor"
	"plannerd/internal/worker"
	logx "plannerd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	q       *queue.Queue
	workers *worker.Service
	inbox   *ingest.Service
	pprof   *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(qcfg, log.With(logx.String("comp", "queue")))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	fcfg, policy, err := mapEnergyConfig(cfg)
	if err != nil {
		return nil, err
	}
	fetcher := energy.NewFetcher(fcfg, log.With(logx.String("comp", "energy")))

	lcfg, err := mapLLMConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := llm.New(lcfg, log.With(logx.String("comp", "llm")))
	if err != nil {
		return nil, err
	}

	dataDir := filepath.Dir(qcfg.Path)
	prefsPath := cfg.Profile.PreferencesPath
	if prefsPath == "" {
		prefsPath = filepath.Join(dataDir, "preferences.json")
	}
	routinePath := cfg.Profile.RoutinePath
	if routinePath == "" {
		routinePath = filepath.Join(dataDir, "routine.json")
	}
	prefs := profile.NewPreferencesStore(prefsPath, log.With(logx.String("comp", "profile")))
	routine := profile.NewRoutineStore(routinePath, log.With(logx.String("comp", "profile")))

	pipe := pipeline.New(client, prefs, routine, log.With(logx.String("comp", "pipeline")))

	bus := eventbus.New()

	wcfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	workers := worker.New(wcfg, q, fetcher, policy, pipe, bus, log.With(logx.String("comp", "worker")))

	icfg, err := mapIngestConfig(cfg)
	if err != nil {
		return nil, err
	}
	inbox := ingest.New(icfg, q, fetcher, policy, log.With(logx.String("comp", "ingest")))

	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pcfg, log)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		q:       q,
		workers: workers,
		inbox:   inbox,
		pprof:   pprofSvc,
	}, nil
}

// validate extends Config.Validate with the app-level mapping checks, so a
// hot reload is rejected before anything is applied.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapEnergyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLLMConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapIngestConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.workers.Start(runCtx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	if err := a.inbox.Start(runCtx); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}
	if err := a.pprof.Start(runCtx); err != nil {
		return fmt.Errorf("start pprof: %w", err)
	}

	// Debug visibility into bus traffic (components subscribe themselves for
	// real work).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("plannerd started")
	return nil
}

// applyConfig pushes a validated config into the live components. The watch
// validator already ran every mapper, so mapping errors here are unexpected.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if wcfg, err := mapWorkerConfig(cfg); err == nil {
		if err := a.workers.Apply(ctx, wcfg); err != nil {
			a.log.Warn("applying worker config", logx.Err(err))
		}
	}
	if icfg, err := mapIngestConfig(cfg); err == nil {
		if err := a.inbox.Apply(ctx, icfg); err != nil {
			a.log.Warn("applying ingest config", logx.Err(err))
		}
	}
	if pcfg, err := mapPprofConfig(cfg); err == nil {
		if err := a.pprof.Reconfigure(ctx, pcfg); err != nil {
			a.log.Warn("applying pprof config", logx.Err(err))
		}
	}

	// Queue path, energy endpoint and LLM provider are constructor-bound.
	a.log.Info("config reloaded (queue/energy/llm changes need a restart)")
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("ingest", 5*time.Second, a.inbox.Stop)
	step("workers", 15*time.Second, a.workers.Stop)
	step("pprof", 5*time.Second, a.pprof.Stop)
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("queue", 5*time.Second, func(context.Context) error { return a.q.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
