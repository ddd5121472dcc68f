package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"plannerd/internal/energy"
	logx "plannerd/pkg/logx"
)

type scriptedProvider struct {
	out    string
	err    error
	models []string
}

func (p *scriptedProvider) Complete(_ context.Context, model, _ string) (string, error) {
	p.models = append(p.models, model)
	return p.out, p.err
}

func TestParseTaskArray(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{"plain array", `[{"title":"a"},{"title":"b"}]`, 2, false},
		{"code fence", "```json\n[{\"title\":\"a\"}]\n```", 1, false},
		{"prose around array", `Here you go: [{"title":"a"}] hope that helps`, 1, false},
		{"empty array", `[]`, 0, false},
		{"skips blank titles", `[{"title":""},{"title":"keep"},{"priority":2}]`, 1, false},
		{"no array", `I could not find any tasks.`, 0, true},
		{"malformed", `[{"title":`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseTaskArray(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTaskArray: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("parsed %d tasks, want %d: %+v", len(got), tc.want, got)
			}
		})
	}
}

func TestDeadlineTime(t *testing.T) {
	loc, _ := time.LoadLocation("UTC")

	if d := (RawTask{Deadline: "2026-03-02T17:00:00Z"}).DeadlineTime(loc); d == nil || d.Hour() != 17 {
		t.Fatalf("RFC3339 deadline: %v", d)
	}
	d := (RawTask{Deadline: "2026-03-02"}).DeadlineTime(loc)
	if d == nil || d.Day() != 2 || d.Hour() != 23 {
		t.Fatalf("bare date should land at end of day: %v", d)
	}
	if (RawTask{Deadline: "whenever"}).DeadlineTime(loc) != nil {
		t.Fatalf("unparseable deadline should be nil")
	}
	if (RawTask{}).DeadlineTime(nil) != nil {
		t.Fatalf("empty deadline should be nil")
	}
}

func TestClientTierSelectsModel(t *testing.T) {
	p := &scriptedProvider{out: `[{"title":"a"}]`}
	c := NewWithProvider(Config{LargeModel: "big", SmallModel: "lil"}, p, logx.Nop())

	if _, err := c.ExtractTasks(context.Background(), "note", energy.TierLarge); err != nil {
		t.Fatalf("ExtractTasks: %v", err)
	}
	if _, err := c.ExtractTasks(context.Background(), "note", energy.TierSmall); err != nil {
		t.Fatalf("ExtractTasks: %v", err)
	}
	if len(p.models) != 2 || p.models[0] != "big" || p.models[1] != "lil" {
		t.Fatalf("models used: %v", p.models)
	}
}

func TestExtractEmptyNoteSkipsProvider(t *testing.T) {
	p := &scriptedProvider{out: `[]`}
	c := NewWithProvider(Config{}, p, logx.Nop())

	got, err := c.ExtractTasks(context.Background(), "   \n\t", energy.TierLarge)
	if err != nil || got != nil {
		t.Fatalf("empty note: tasks=%v err=%v", got, err)
	}
	if len(p.models) != 0 {
		t.Fatalf("provider was called for an empty note")
	}
}

func TestClassifyEmptySkipsProvider(t *testing.T) {
	p := &scriptedProvider{out: `[]`}
	c := NewWithProvider(Config{}, p, logx.Nop())
	got, err := c.ClassifyTasks(context.Background(), nil, energy.TierSmall)
	if err != nil || got != nil || len(p.models) != 0 {
		t.Fatalf("classify nil: tasks=%v err=%v calls=%d", got, err, len(p.models))
	}
}

func TestMockProviderRoundTrip(t *testing.T) {
	c, err := New(Config{Provider: "mock"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tasks, err := c.ExtractTasks(context.Background(), "- buy milk\n- file taxes\n", energy.TierLarge)
	if err != nil {
		t.Fatalf("ExtractTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Title != "buy milk" {
		t.Fatalf("extracted: %+v", tasks)
	}

	classified, err := c.ClassifyTasks(context.Background(), tasks, energy.TierSmall)
	if err != nil {
		t.Fatalf("ClassifyTasks: %v", err)
	}
	if len(classified) != 2 || classified[0].Category != "admin" || classified[0].Priority != 3 {
		t.Fatalf("classified: %+v", classified)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: `[{"title":"x"}]`}}},
		})
	}))
	defer srv.Close()

	p := newOpenAIProvider(Config{BaseURL: srv.URL, APIKey: "sk-test", Timeout: 5 * time.Second})
	out, err := p.Complete(context.Background(), "big", "prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `[{"title":"x"}]` {
		t.Fatalf("out = %q", out)
	}
}

func TestOpenAIProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	p := newOpenAIProvider(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if _, err := p.Complete(context.Background(), "big", "prompt"); err == nil {
		t.Fatalf("expected error on 429")
	}
}

func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Errorf("stream should be false")
		}
		json.NewEncoder(w).Encode(ollamaResponse{Response: `[{"title":"y"}]`})
	}))
	defer srv.Close()

	p := newOllamaProvider(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	out, err := p.Complete(context.Background(), "lil", "prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `[{"title":"y"}]` {
		t.Fatalf("out = %q", out)
	}
}
