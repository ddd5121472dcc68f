// Package pipeline turns one queued note into a day plan: extract tasks,
// classify them, then place them inside the user's focus window.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"plannerd/internal/energy"
	"plannerd/internal/llm"
	"plannerd/internal/planner"
	"plannerd/internal/profile"
	logx "plannerd/pkg/logx"
)

// Pipeline owns the note-to-schedule flow. It is stateless between runs;
// preferences and routine are re-read on every Process call so edits take
// effect without a restart.
type Pipeline struct {
	llm     *llm.Client
	prefs   *profile.PreferencesStore
	routine *profile.RoutineStore
	log     logx.Logger

	now func() time.Time
}

func New(client *llm.Client, prefs *profile.PreferencesStore, routine *profile.RoutineStore, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		llm:     client,
		prefs:   prefs,
		routine: routine,
		log:     log,
		now:     time.Now,
	}
}

// TaskSummary is the serialized form of a classified task.
type TaskSummary struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Priority    int    `json:"priority"`
	DurationMin int    `json:"duration_min"`
	Deadline    string `json:"deadline,omitempty"`
	FixedTime   string `json:"fixed_time,omitempty"`
}

// SlotSummary is one placed task with concrete times.
type SlotSummary struct {
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ConflictSummary reports a task the planner could not honor as requested.
type ConflictSummary struct {
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Outcome is the persisted result of one run. It is stored verbatim on the
// completed queue item, so everything in it must be JSON-stable.
type Outcome struct {
	PlannedFor  string            `json:"planned_for"` // YYYY-MM-DD in the user's timezone
	Tasks       []TaskSummary     `json:"tasks"`
	Slots       []SlotSummary     `json:"slots"`
	Unscheduled []TaskSummary     `json:"unscheduled,omitempty"`
	Conflicts   []ConflictSummary `json:"conflicts,omitempty"`
}

// Process runs the full flow for one note at the given model tier.
// An empty note yields an empty outcome without touching the provider.
func (p *Pipeline) Process(ctx context.Context, notes string, tier energy.Tier) (*Outcome, error) {
	prefs := p.prefs.Load()
	loc := prefs.Location()
	day := planner.Day(p.now().In(loc))
	out := &Outcome{PlannedFor: day.Format("2006-01-02"), Tasks: []TaskSummary{}, Slots: []SlotSummary{}}

	if strings.TrimSpace(notes) == "" {
		return out, nil
	}

	raw, err := p.llm.ExtractTasks(ctx, notes, tier)
	if err != nil {
		return nil, fmt.Errorf("extract tasks: %w", err)
	}
	if len(raw) == 0 {
		return out, nil
	}

	raw = p.classify(ctx, raw, tier)

	window, err := planner.WindowFor(day, prefs.FocusStart, prefs.FocusEnd)
	if err != nil {
		return nil, fmt.Errorf("focus window: %w", err)
	}

	var blocked []planner.Interval
	for _, b := range p.routine.Load().Blocks {
		iv, err := planner.IntervalFor(day, b.Start, b.End)
		if err != nil {
			p.log.Warn("skipping unparseable routine block",
				logx.String("start", b.Start), logx.String("end", b.End), logx.Err(err))
			continue
		}
		blocked = append(blocked, iv)
	}

	tasks := make([]planner.Task, 0, len(raw))
	for _, r := range raw {
		dur := time.Duration(r.EstimatedDurationMin) * time.Minute
		if dur <= 0 {
			dur = prefs.DefaultDuration()
		}
		tasks = append(tasks, planner.Task{
			Title:       r.Title,
			Description: r.Description,
			Category:    r.Category,
			Priority:    r.Priority,
			Duration:    dur,
			Deadline:    r.DeadlineTime(loc),
			FixedTime:   r.FixedTime,
		})
	}

	res := planner.Plan(planner.Request{Window: window, Routine: blocked, Tasks: tasks})

	for _, tk := range tasks {
		out.Tasks = append(out.Tasks, summarize(tk))
	}
	for _, s := range res.Slots {
		out.Slots = append(out.Slots, SlotSummary{Title: s.Task.Title, Start: s.Start, End: s.End})
	}
	for _, tk := range res.Unscheduled {
		out.Unscheduled = append(out.Unscheduled, summarize(tk))
	}
	for _, c := range res.Conflicts {
		out.Conflicts = append(out.Conflicts, ConflictSummary{Title: c.Task.Title, Reason: string(c.Reason)})
	}

	p.log.Info("note processed",
		logx.Int("tasks", len(out.Tasks)),
		logx.Int("placed", len(out.Slots)),
		logx.Int("unscheduled", len(out.Unscheduled)),
		logx.Int("conflicts", len(out.Conflicts)))
	return out, nil
}

// classify is best-effort: a classification failure keeps the extracted
// tasks with defaults rather than failing the whole run.
func (p *Pipeline) classify(ctx context.Context, raw []llm.RawTask, tier energy.Tier) []llm.RawTask {
	classified, err := p.llm.ClassifyTasks(ctx, raw, tier)
	if err != nil {
		p.log.Warn("classification failed; keeping unclassified tasks", logx.Err(err))
		return raw
	}

	byTitle := make(map[string]llm.RawTask, len(classified))
	for _, c := range classified {
		byTitle[strings.ToLower(strings.TrimSpace(c.Title))] = c
	}
	for i, r := range raw {
		c, ok := byTitle[strings.ToLower(strings.TrimSpace(r.Title))]
		if !ok {
			continue
		}
		if c.Category != "" {
			raw[i].Category = c.Category
		}
		if c.Priority != 0 {
			raw[i].Priority = c.Priority
		}
		if raw[i].EstimatedDurationMin == 0 && c.EstimatedDurationMin != 0 {
			raw[i].EstimatedDurationMin = c.EstimatedDurationMin
		}
		if raw[i].Deadline == "" && c.Deadline != "" {
			raw[i].Deadline = c.Deadline
		}
	}
	return raw
}

func summarize(t planner.Task) TaskSummary {
	s := TaskSummary{
		Title:       t.Title,
		Description: t.Description,
		Category:    t.Category,
		Priority:    t.Priority,
		DurationMin: int(t.Duration / time.Minute),
		FixedTime:   t.FixedTime,
	}
	if t.Deadline != nil {
		s.Deadline = t.Deadline.Format(time.RFC3339)
	}
	return s
}
