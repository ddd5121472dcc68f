package energy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "plannerd/pkg/logx"
)

func fp(v float64) *float64 { return &v }
func bp(v bool) *bool       { return &v }

func TestShouldProcessNow(t *testing.T) {
	p := Policy{PriceThresholdEUR: 0.70, FailOpen: true}

	cases := []struct {
		name string
		sig  *Signal
		want bool
	}{
		{"nil signal fails open", nil, true},
		{"solar overrides expensive price", &Signal{PriceEUR: fp(2.0), SolarAvailable: bp(true)}, true},
		{"cheap price", &Signal{PriceEUR: fp(0.10), SolarAvailable: bp(false)}, true},
		{"price at threshold still processes", &Signal{PriceEUR: fp(0.70), SolarAvailable: bp(false)}, true},
		{"price just above threshold defers", &Signal{PriceEUR: fp(0.71), SolarAvailable: bp(false)}, false},
		{"expensive price defers", &Signal{PriceEUR: fp(1.50), SolarAvailable: bp(false)}, false},
		{"no price fails open", &Signal{SolarAvailable: bp(false)}, true},
	}
	for _, tc := range cases {
		if got := p.ShouldProcessNow(tc.sig); got != tc.want {
			t.Errorf("%s: ShouldProcessNow = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestShouldProcessNowFailClosed(t *testing.T) {
	p := Policy{PriceThresholdEUR: 0.70, FailOpen: false}
	if p.ShouldProcessNow(nil) {
		t.Fatalf("fail-closed policy should defer on nil signal")
	}
	if p.ShouldProcessNow(&Signal{}) {
		t.Fatalf("fail-closed policy should defer on priceless signal")
	}
}

func TestLLMTier(t *testing.T) {
	p := DefaultPolicy()

	if got := p.LLMTier(&Signal{PriceEUR: fp(0.10), SolarAvailable: bp(false)}); got != TierLarge {
		t.Fatalf("cheap energy tier = %s, want large", got)
	}
	if got := p.LLMTier(&Signal{PriceEUR: fp(1.20), SolarAvailable: bp(false)}); got != TierSmall {
		t.Fatalf("expensive energy tier = %s, want small", got)
	}
	// Unavailable signal keeps the permissive tier.
	if got := p.LLMTier(nil); got != TierLarge {
		t.Fatalf("nil signal tier = %s, want large", got)
	}
}

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"electricity_price_eur": 0.32, "solar_available": 1}`))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{URL: srv.URL, Timeout: time.Second}, logx.Nop())
	sig, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if sig.PriceEUR == nil || *sig.PriceEUR != 0.32 {
		t.Fatalf("price = %v", sig.PriceEUR)
	}
	if sig.SolarAvailable == nil || !*sig.SolarAvailable {
		t.Fatalf("solar = %v", sig.SolarAvailable)
	}
	if sig.FetchedAt.IsZero() {
		t.Fatalf("FetchedAt not stamped")
	}
}

func TestFetcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{URL: srv.URL}, logx.Nop())
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error on HTTP 500")
	}

	f = NewFetcher(FetcherConfig{}, logx.Nop())
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error on missing url")
	}
}

func TestSnapshot(t *testing.T) {
	snap := Snapshot(nil, TierLarge)
	if snap.Tier != "large" || snap.PriceEUR != nil || snap.SolarAvailable != nil {
		t.Fatalf("nil-signal snapshot: %+v", snap)
	}

	snap = Snapshot(&Signal{PriceEUR: fp(0.5), SolarAvailable: bp(true)}, TierSmall)
	if snap.Tier != "small" || snap.PriceEUR == nil || *snap.PriceEUR != 0.5 || snap.SolarAvailable == nil || !*snap.SolarAvailable {
		t.Fatalf("snapshot lost fields: %+v", snap)
	}
}
