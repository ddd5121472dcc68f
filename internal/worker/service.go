// Package worker drains the note queue. Polling workers claim items when the
// energy policy allows, run the pipeline, and record the outcome; cron sweeps
// reclaim stale claims and purge old completed items.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"plannerd/internal/energy"
	"plannerd/internal/eventbus"
	"plannerd/internal/pipeline"
	"plannerd/internal/queue"
	"plannerd/internal/runtime/supervisor"
	logx "plannerd/pkg/logx"
)

// Bus event types emitted by the worker service.
const (
	EventItemCompleted  = "queue.item.completed"
	EventItemDead       = "queue.item.dead"
	EventItemsRecovered = "queue.items.recovered"
)

type Config struct {
	Enabled bool

	// Workers is the number of concurrent polling loops. SQLite serializes
	// the claim itself; parallelism pays off in the LLM calls.
	Workers int

	PollInterval time.Duration

	// StaleTimeout is how long a claim may sit in processing before a sweep
	// returns it to the queue.
	StaleTimeout time.Duration
	RecoverEvery time.Duration

	PurgeEvery time.Duration
	PurgeAfter time.Duration

	// RetryResetAttempts controls whether the administrative dead-letter
	// requeue starts the attempt budget over.
	RetryResetAttempts bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 10 * time.Minute
	}
	if c.RecoverEvery <= 0 {
		c.RecoverEvery = time.Minute
	}
	if c.PurgeEvery <= 0 {
		c.PurgeEvery = time.Hour
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = 7 * 24 * time.Hour
	}
	return c
}

// Snapshot is the ops view of the service.
type Snapshot struct {
	Running bool `json:"running"`
	Workers int  `json:"workers"`
	Enabled bool `json:"enabled"`

	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Deferred  uint64 `json:"deferred"`
	Recovered uint64 `json:"recovered"`
	Purged    uint64 `json:"purged"`

	LastDeferReason string              `json:"last_defer_reason,omitempty"`
	Goroutines      supervisor.Counters `json:"goroutines"`
}

type Service struct {
	q       *queue.Queue
	fetcher *energy.Fetcher
	policy  energy.Policy
	pipe    *pipeline.Pipeline
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	running bool
	parent  context.Context
	sup     *supervisor.Supervisor
	cron    *cron.Cron

	processed atomic.Uint64
	failed    atomic.Uint64
	deferred  atomic.Uint64
	recovered atomic.Uint64
	purged    atomic.Uint64
	lastDefer atomic.Value // string
}

func New(cfg Config, q *queue.Queue, fetcher *energy.Fetcher, policy energy.Policy, pipe *pipeline.Pipeline, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		q:       q,
		fetcher: fetcher,
		policy:  policy,
		pipe:    pipe,
		bus:     bus,
		log:     log,
		cfg:     cfg.withDefaults(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.parent = ctx
	if !s.cfg.Enabled {
		s.log.Info("worker service disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	// Loops capture the config at start; Apply restarts them on change, so
	// they never need to re-read it (and never touch s.mu, which Stop holds
	// while waiting for them).
	cfg := s.cfg
	sup := supervisor.New(s.parent, supervisor.WithLogger(s.log))
	for i := 0; i < cfg.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		sup.GoRestart(id, s.workerLoop(id, cfg.PollInterval),
			supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	c := cron.New()
	ctx := sup.Context()
	if _, err := c.AddFunc("@every "+cfg.RecoverEvery.String(), func() { s.recoverSweep(ctx, cfg.StaleTimeout) }); err != nil {
		sup.Cancel()
		return fmt.Errorf("schedule recover sweep: %w", err)
	}
	if _, err := c.AddFunc("@every "+cfg.PurgeEvery.String(), func() { s.purgeSweep(ctx, cfg.PurgeAfter) }); err != nil {
		sup.Cancel()
		return fmt.Errorf("schedule purge sweep: %w", err)
	}
	c.Start()

	s.sup = sup
	s.cron = c
	s.running = true
	s.log.Info("worker service started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Duration("stale_timeout", s.cfg.StaleTimeout))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) error {
	if !s.running {
		return nil
	}
	s.running = false

	jobs := s.cron.Stop()
	select {
	case <-jobs.Done():
	case <-ctx.Done():
	}
	err := s.sup.Stop(ctx)
	s.sup = nil
	s.cron = nil
	s.log.Info("worker service stopped")
	return err
}

// Apply swaps the configuration, restarting the loops when the service is
// live and the change is material.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg == s.cfg {
		return nil
	}
	old := s.cfg
	s.cfg = cfg

	if s.parent == nil {
		return nil // not started yet; Start will pick the config up
	}
	if s.running {
		if err := s.stopLocked(ctx); err != nil {
			s.log.Warn("stopping workers for reconfigure", logx.Err(err))
		}
	}
	if !cfg.Enabled {
		if old.Enabled {
			s.log.Info("worker service disabled by config")
		}
		return nil
	}
	return s.startLocked()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running: s.running,
		Workers: s.cfg.Workers,
		Enabled: s.cfg.Enabled,
	}
	sup := s.sup
	s.mu.Unlock()

	snap.Processed = s.processed.Load()
	snap.Failed = s.failed.Load()
	snap.Deferred = s.deferred.Load()
	snap.Recovered = s.recovered.Load()
	snap.Purged = s.purged.Load()
	if v, ok := s.lastDefer.Load().(string); ok {
		snap.LastDeferReason = v
	}
	snap.Goroutines = sup.Counters()
	return snap
}

// RetryDead requeues a dead-lettered item using the configured attempt
// policy.
func (s *Service) RetryDead(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	reset := s.cfg.RetryResetAttempts
	s.mu.Unlock()
	return s.q.RetryDead(ctx, id, reset)
}

func (s *Service) workerLoop(id string, poll time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		log := s.log.With(logx.String("worker", id))
		sleep := func() bool {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(poll):
				return true
			}
		}
		for {
			if err := ctx.Err(); err != nil {
				return nil
			}

			pending, err := s.q.PendingCount(ctx)
			if err != nil {
				return fmt.Errorf("pending count: %w", err)
			}
			if pending == 0 {
				if !sleep() {
					return nil
				}
				continue
			}

			sig, err := s.fetcher.Fetch(ctx)
			if err != nil {
				log.Debug("energy signal unavailable", logx.Err(err))
				sig = nil
			}
			if !s.policy.ShouldProcessNow(sig) {
				s.deferred.Add(1)
				s.lastDefer.Store(deferReason(sig))
				log.Debug("deferring work", logx.String("reason", deferReason(sig)), logx.Int("pending", pending))
				if !sleep() {
					return nil
				}
				continue
			}
			tier := s.policy.LLMTier(sig)

			claimed, err := s.q.Dequeue(ctx, id)
			if err != nil {
				return fmt.Errorf("dequeue: %w", err)
			}
			if claimed == nil {
				if !sleep() {
					return nil
				}
				continue
			}

			s.processOne(ctx, log, claimed, sig, tier)
			// Drain without sleeping while the gate stays open.
		}
	}
}

func (s *Service) processOne(ctx context.Context, log logx.Logger, claimed *queue.Claimed, sig *energy.Signal, tier energy.Tier) {
	log = log.With(logx.String("item", claimed.ID), logx.Int("attempt", claimed.Attempts))

	outcome, err := s.pipe.Process(ctx, claimed.Notes, tier)
	if err != nil {
		s.failed.Add(1)
		status, ferr := s.q.Fail(ctx, claimed.ID, err.Error())
		if ferr != nil {
			log.Error("recording failure", logx.Err(ferr))
			return
		}
		log.Warn("item failed", logx.Err(err), logx.String("status", string(status)))
		if status == queue.StatusDead {
			s.publish(EventItemDead, map[string]any{"id": claimed.ID, "error": err.Error()})
		}
		return
	}

	raw, err := json.Marshal(outcome)
	if err != nil {
		// Outcome is plain data; a marshal failure is a bug, not a retry case.
		log.Error("encoding outcome", logx.Err(err))
		raw = []byte(`{}`)
	}
	done, err := s.q.Complete(ctx, claimed.ID, raw, energy.Snapshot(sig, tier))
	if err != nil {
		log.Error("recording completion", logx.Err(err))
		return
	}
	if !done {
		// Claim was reclaimed by a stale sweep mid-flight. The item will be
		// processed again; this run's work is discarded.
		log.Warn("completion skipped, claim lost")
		return
	}
	s.processed.Add(1)
	log.Info("item completed",
		logx.String("tier", string(tier)),
		logx.Int("slots", len(outcome.Slots)),
		logx.Int("unscheduled", len(outcome.Unscheduled)))
	s.publish(EventItemCompleted, map[string]any{"id": claimed.ID, "slots": len(outcome.Slots)})
}

func (s *Service) recoverSweep(ctx context.Context, timeout time.Duration) {
	n, err := s.q.RecoverStale(ctx, timeout)
	if err != nil {
		s.log.Error("stale recovery sweep", logx.Err(err))
		return
	}
	if n > 0 {
		s.recovered.Add(uint64(n))
		s.log.Warn("recovered stale claims", logx.Int("count", n))
		s.publish(EventItemsRecovered, map[string]any{"count": n})
	}
}

func (s *Service) purgeSweep(ctx context.Context, after time.Duration) {
	n, err := s.q.PurgeCompleted(ctx, after)
	if err != nil {
		s.log.Error("purge sweep", logx.Err(err))
		return
	}
	if n > 0 {
		s.purged.Add(uint64(n))
		s.log.Info("purged completed items", logx.Int("count", n))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func deferReason(sig *energy.Signal) string {
	if sig == nil || sig.PriceEUR == nil {
		return "energy signal unavailable"
	}
	return fmt.Sprintf("price %.2f EUR above threshold", *sig.PriceEUR)
}
