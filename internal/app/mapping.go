package app

import (
	"time"

	"plannerd/internal/config"
	"plannerd/internal/energy"
	"plannerd/internal/ingest"
	"plannerd/internal/llm"
	"plannerd/internal/observability/pprof"
	"plannerd/internal/queue"
	"plannerd/internal/worker"
	logx "plannerd/pkg/logx"
)

// Mapping helpers translate the wire config (duration strings, omitted
// fields) into component configs. They all validate; Watch rejects configs
// any mapper refuses.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	busy, err := config.ParseDurationField("queue.busy_timeout", cfg.Queue.BusyTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	path := cfg.Queue.Path
	if path == "" {
		path = "./plannerd.db"
	}
	return queue.Config{
		Path:               path,
		BusyTimeout:        busy,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
	}, nil
}

func mapEnergyConfig(cfg *config.Config) (energy.FetcherConfig, energy.Policy, error) {
	timeout, err := config.ParseDurationOrDefault("energy.timeout", cfg.Energy.Timeout, time.Second)
	if err != nil {
		return energy.FetcherConfig{}, energy.Policy{}, err
	}
	policy := energy.DefaultPolicy()
	if cfg.Energy.PriceThresholdEUR > 0 {
		policy.PriceThresholdEUR = cfg.Energy.PriceThresholdEUR
	}
	if cfg.Energy.FailOpen != nil {
		policy.FailOpen = *cfg.Energy.FailOpen
	}
	return energy.FetcherConfig{URL: cfg.Energy.StatusURL, Timeout: timeout}, policy, nil
}

func mapLLMConfig(cfg *config.Config) (llm.Config, error) {
	timeout, err := config.ParseDurationField("llm.timeout", cfg.LLM.Timeout)
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{
		Provider:   cfg.LLM.Provider,
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		LargeModel: cfg.LLM.LargeModel,
		SmallModel: cfg.LLM.SmallModel,
		Timeout:    timeout,
		RatePerMin: cfg.LLM.RatePerMin,
	}, nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	wc := worker.Config{
		Enabled:            cfg.Worker.Enabled,
		Workers:            cfg.Worker.Workers,
		RetryResetAttempts: cfg.Worker.RetryResetAttempts,
	}
	var err error
	if wc.PollInterval, err = config.ParseDurationField("worker.poll_interval", cfg.Worker.PollInterval); err != nil {
		return worker.Config{}, err
	}
	if wc.StaleTimeout, err = config.ParseDurationField("worker.stale_timeout", cfg.Worker.StaleTimeout); err != nil {
		return worker.Config{}, err
	}
	if wc.RecoverEvery, err = config.ParseDurationField("worker.recover_every", cfg.Worker.RecoverEvery); err != nil {
		return worker.Config{}, err
	}
	if wc.PurgeEvery, err = config.ParseDurationField("worker.purge_every", cfg.Worker.PurgeEvery); err != nil {
		return worker.Config{}, err
	}
	if wc.PurgeAfter, err = config.ParseDurationField("worker.purge_after", cfg.Worker.PurgeAfter); err != nil {
		return worker.Config{}, err
	}
	return wc, nil
}

func mapIngestConfig(cfg *config.Config) (ingest.Config, error) {
	scan, err := config.ParseDurationField("ingest.scan_interval", cfg.Ingest.ScanInterval)
	if err != nil {
		return ingest.Config{}, err
	}
	return ingest.Config{
		Enabled:      cfg.Ingest.Enabled,
		Dir:          cfg.Ingest.Dir,
		ScanInterval: scan,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
	var err error
	if pc.ReadTimeout, err = config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout); err != nil {
		return pprof.Config{}, err
	}
	if pc.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout); err != nil {
		return pprof.Config{}, err
	}
	if pc.IdleTimeout, err = config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout); err != nil {
		return pprof.Config{}, err
	}
	return pc, nil
}
