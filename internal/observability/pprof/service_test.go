package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "plannerd/pkg/logx"
)

func TestNormalizePrefix(t *testing.T) {
	cases := map[string]string{
		"":             "/debug/pprof/",
		"debug/pprof":  "/debug/pprof/",
		"/profiling":   "/profiling/",
		"/profiling/":  "/profiling/",
		" /debug/pp  ": "/debug/pp/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		"0.0.0.0:6060":   false,
		":6060":          false,
		"10.0.0.5:6060":  false,
		"not-an-addr":    false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestWithAuth(t *testing.T) {
	h := withAuth("s3cret", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	check := func(req *http.Request, want int) {
		t.Helper()
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != want {
			t.Fatalf("%s: status %d, want %d", req.URL, rec.Code, want)
		}
	}

	check(httptest.NewRequest(http.MethodGet, "/healthz", nil), http.StatusUnauthorized)
	check(httptest.NewRequest(http.MethodGet, "/healthz?token=wrong", nil), http.StatusUnauthorized)
	check(httptest.NewRequest(http.MethodGet, "/healthz?token=s3cret", nil), http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	check(req, http.StatusOK)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer nope")
	check(req, http.StatusUnauthorized)
}

func TestMuxServesHealthz(t *testing.T) {
	s := New(Config{}, logx.Nop())
	srv := httptest.NewServer(s.mux(Config{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	if err := s.serveOnce(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"}); err == nil {
		t.Fatalf("expected refusal for tokenless non-loopback bind")
	}
}

func TestStartStopLoopback(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
