// Package ingest feeds the queue from a file inbox. Each note file dropped
// into the watched directory is enqueued once and moved to an archive
// subdirectory, so restarts never double-enqueue.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"plannerd/internal/energy"
	"plannerd/internal/queue"
	"plannerd/internal/runtime/supervisor"
	logx "plannerd/pkg/logx"
)

const archiveDir = "archive"

type Config struct {
	Enabled bool
	Dir     string

	// ScanInterval is the periodic rescan fallback; fsnotify events trigger
	// scans immediately but can be lost on some filesystems.
	ScanInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	return c
}

type Service struct {
	q       *queue.Queue
	fetcher *energy.Fetcher
	policy  energy.Policy
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	running bool
	parent  context.Context
	sup     *supervisor.Supervisor

	ingested atomic.Uint64
}

func New(cfg Config, q *queue.Queue, fetcher *energy.Fetcher, policy energy.Policy, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		q:       q,
		fetcher: fetcher,
		policy:  policy,
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
	if !s.cfg.Enabled || strings.TrimSpace(s.cfg.Dir) == "" {
		s.log.Info("ingest disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if err := os.MkdirAll(filepath.Join(s.cfg.Dir, archiveDir), 0o755); err != nil {
		return fmt.Errorf("prepare inbox: %w", err)
	}

	// The loop captures its config at start; Apply restarts it on change, so
	// it never reads s.cfg (or takes s.mu) while running.
	cfg := s.cfg
	sup := supervisor.New(s.parent, supervisor.WithLogger(s.log))
	sup.GoRestart("ingest.watch", func(ctx context.Context) error {
		return s.watchLoop(ctx, cfg.Dir, cfg.ScanInterval)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))

	s.sup = sup
	s.running = true
	s.log.Info("ingest started", logx.String("dir", s.cfg.Dir))
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
	err := s.sup.Stop(ctx)
	s.sup = nil
	s.log.Info("ingest stopped")
	return err
}

func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	if s.parent == nil {
		return nil
	}
	if s.running {
		if err := s.stopLocked(ctx); err != nil {
			s.log.Warn("stopping ingest for reconfigure", logx.Err(err))
		}
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.Dir) == "" {
		return nil
	}
	return s.startLocked()
}

// Ingested reports how many files this process has enqueued.
func (s *Service) Ingested() uint64 { return s.ingested.Load() }

func (s *Service) watchLoop(ctx context.Context, dir string, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Pick up anything that arrived while we were down.
	s.scanOnce(ctx, dir)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Writes arrive in bursts; a short debounce lets the file settle before
	// we read it.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			return fmt.Errorf("watcher: %w", err)
		case <-pending:
			pending = nil
			s.scanOnce(ctx, dir)
		case <-ticker.C:
			s.scanOnce(ctx, dir)
		}
	}
}

// scanOnce enqueues every eligible note file in dir and archives it.
func (s *Service) scanOnce(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("reading inbox", logx.Err(err))
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || !noteFile(e.Name()) {
			continue
		}
		if err := s.consume(ctx, dir, e.Name()); err != nil {
			s.log.Warn("ingesting note file", logx.String("file", e.Name()), logx.Err(err))
		}
	}
}

func (s *Service) consume(ctx context.Context, dir, name string) error {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	notes := strings.TrimSpace(string(data))
	if notes != "" {
		sig, err := s.fetcher.Fetch(ctx)
		if err != nil {
			sig = nil
		}
		snap := energy.Snapshot(sig, s.policy.LLMTier(sig))
		id, err := s.q.Enqueue(ctx, notes, snap, 0)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		s.ingested.Add(1)
		s.log.Info("note enqueued", logx.String("file", name), logx.String("item", id))
	}

	// Archive even empty files so they stop matching the scan.
	target := filepath.Join(dir, archiveDir, time.Now().UTC().Format("20060102T150405.000")+"_"+name)
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

func noteFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md":
		return true
	}
	return false
}
