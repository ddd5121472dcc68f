package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"plannerd/internal/energy"
	"plannerd/internal/llm"
	"plannerd/internal/profile"
	logx "plannerd/pkg/logx"
)

type scriptedProvider struct {
	extract  string
	classify string
	err      error
}

func (p *scriptedProvider) Complete(_ context.Context, _, prompt string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if p.classify != "" && len(prompt) > 0 && prompt[0] == 'C' {
		return p.classify, nil
	}
	return p.extract, nil
}

func newTestPipeline(t *testing.T, provider llm.Provider) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	prefs := profile.NewPreferencesStore(filepath.Join(dir, "prefs.json"), logx.Nop())
	if err := prefs.Save(profile.Preferences{
		Timezone:           "UTC",
		FocusStart:         "09:00",
		FocusEnd:           "17:00",
		DefaultDurationMin: 30,
	}); err != nil {
		t.Fatalf("save prefs: %v", err)
	}
	routine := profile.NewRoutineStore(filepath.Join(dir, "routine.json"), logx.Nop())
	if err := routine.Save(profile.Routine{Blocks: []profile.Block{{Start: "12:00", End: "13:00", Reason: "lunch"}}}); err != nil {
		t.Fatalf("save routine: %v", err)
	}

	client := llm.NewWithProvider(llm.Config{LargeModel: "big", SmallModel: "lil"}, provider, logx.Nop())
	p := New(client, prefs, routine, logx.Nop())
	p.now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }
	return p
}

func TestProcessEndToEnd(t *testing.T) {
	provider := &scriptedProvider{
		extract:  `[{"title":"write report","estimated_duration_min":120},{"title":"email bob","estimated_duration_min":15}]`,
		classify: `[{"title":"write report","category":"deep_work","priority":1},{"title":"email bob","category":"communication","priority":4}]`,
	}
	p := newTestPipeline(t, provider)

	out, err := p.Process(context.Background(), "write report, email bob", energy.TierLarge)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.PlannedFor != "2026-03-02" {
		t.Fatalf("PlannedFor = %s", out.PlannedFor)
	}
	if len(out.Tasks) != 2 || len(out.Slots) != 2 {
		t.Fatalf("tasks=%d slots=%d: %+v", len(out.Tasks), len(out.Slots), out)
	}
	if out.Tasks[0].Category != "deep_work" || out.Tasks[0].Priority != 1 {
		t.Fatalf("classification lost: %+v", out.Tasks[0])
	}
	// Priority 1 report goes first at the window start.
	if out.Slots[0].Title != "write report" {
		t.Fatalf("first slot: %+v", out.Slots[0])
	}
	if got := out.Slots[0].Start; got.Hour() != 9 || got.Minute() != 0 {
		t.Fatalf("first slot start: %v", got)
	}
	// Nothing may land inside the lunch block.
	lunchStart := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	lunchEnd := lunchStart.Add(time.Hour)
	for _, s := range out.Slots {
		if s.Start.Before(lunchEnd) && lunchStart.Before(s.End) {
			t.Fatalf("slot %q overlaps lunch: %v-%v", s.Title, s.Start, s.End)
		}
	}
}

func TestProcessEmptyNote(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("must not be called")}
	p := newTestPipeline(t, provider)

	out, err := p.Process(context.Background(), "   ", energy.TierSmall)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Tasks) != 0 || len(out.Slots) != 0 {
		t.Fatalf("empty note produced output: %+v", out)
	}
}

func TestProcessNoTasksExtracted(t *testing.T) {
	p := newTestPipeline(t, &scriptedProvider{extract: `[]`})
	out, err := p.Process(context.Background(), "lorem ipsum", energy.TierSmall)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Tasks) != 0 {
		t.Fatalf("expected no tasks: %+v", out)
	}
}

func TestProcessExtractErrorPropagates(t *testing.T) {
	p := newTestPipeline(t, &scriptedProvider{err: errors.New("provider down")})
	if _, err := p.Process(context.Background(), "note", energy.TierLarge); err == nil {
		t.Fatalf("expected error when extraction fails")
	}
}

type classifyFailProvider struct{ calls int }

func (p *classifyFailProvider) Complete(_ context.Context, _, prompt string) (string, error) {
	p.calls++
	if p.calls == 1 {
		return `[{"title":"solo task","estimated_duration_min":45}]`, nil
	}
	return "", errors.New("classifier down")
}

func TestProcessClassifyFailureIsBestEffort(t *testing.T) {
	p := newTestPipeline(t, &classifyFailProvider{})
	out, err := p.Process(context.Background(), "note", energy.TierLarge)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Tasks) != 1 || out.Tasks[0].Title != "solo task" {
		t.Fatalf("tasks: %+v", out.Tasks)
	}
	// Unclassified priority normalizes to the default inside the planner
	// output, not here; the raw zero survives in the summary.
	if len(out.Slots) != 1 {
		t.Fatalf("slots: %+v", out.Slots)
	}
}

func TestProcessDefaultDurationApplied(t *testing.T) {
	p := newTestPipeline(t, &scriptedProvider{
		extract:  `[{"title":"quick thing"}]`,
		classify: `[{"title":"quick thing","category":"admin","priority":3}]`,
	})
	out, err := p.Process(context.Background(), "note", energy.TierSmall)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Tasks) != 1 || out.Tasks[0].DurationMin != 30 {
		t.Fatalf("default duration not applied: %+v", out.Tasks)
	}
}

func TestProcessFixedTimeSurvives(t *testing.T) {
	p := newTestPipeline(t, &scriptedProvider{
		extract:  `[{"title":"standup","estimated_duration_min":15,"fixed_time":"10:00"}]`,
		classify: `[{"title":"standup","category":"communication","priority":2}]`,
	})
	out, err := p.Process(context.Background(), "note", energy.TierSmall)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Slots) != 1 {
		t.Fatalf("slots: %+v", out)
	}
	if got := out.Slots[0].Start; got.Hour() != 10 || got.Minute() != 0 {
		t.Fatalf("fixed slot start: %v", got)
	}
}
