package energy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"plannerd/internal/queue"
	logx "plannerd/pkg/logx"
)

// FetcherConfig configures the energy status endpoint (e.g. an in-cluster
// price simulator).
//
// Expected JSON shape:
//
//	{"electricity_price_eur": 0.32, "solar_available": 1}
type FetcherConfig struct {
	URL     string
	Timeout time.Duration
}

// Fetcher polls the energy status service.
//
// Any failure returns (nil, err); callers treat a nil signal as "unavailable"
// and let the Policy fail open. Signal unavailability is observable, not an
// item-level error.
type Fetcher struct {
	cfg    FetcherConfig
	client *http.Client
	log    logx.Logger
}

func NewFetcher(cfg FetcherConfig, log logx.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

type statusPayload struct {
	PriceEUR *float64 `json:"electricity_price_eur"`
	Solar    *int     `json:"solar_available"`
}

// Fetch requests the current energy signal.
func (f *Fetcher) Fetch(ctx context.Context) (*Signal, error) {
	if f == nil || strings.TrimSpace(f.cfg.URL) == "" {
		return nil, errors.New("energy status url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("energy status: unexpected status %d", resp.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("energy status: decode: %w", err)
	}

	sig := &Signal{PriceEUR: payload.PriceEUR, FetchedAt: time.Now()}
	if payload.Solar != nil {
		solar := *payload.Solar != 0
		sig.SolarAvailable = &solar
	}
	return sig, nil
}

// Snapshot converts a (possibly nil) signal plus chosen tier into the audit
// snapshot stored on queue items.
func Snapshot(sig *Signal, tier Tier) queue.EnergySnapshot {
	snap := queue.EnergySnapshot{Tier: string(tier)}
	if sig != nil {
		snap.PriceEUR = sig.PriceEUR
		snap.SolarAvailable = sig.SolarAvailable
	}
	return snap
}
