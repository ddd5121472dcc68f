package planner

import (
	"testing"
	"time"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hhmm string) time.Time {
	t, err := atTime(day, hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func iv(start, end string) Interval {
	return Interval{Start: at(start), End: at(end)}
}

func mins(n int) time.Duration { return time.Duration(n) * time.Minute }

// checkInvariants verifies the output contract: no slot overlap, window
// containment, and routine exclusion.
func checkInvariants(t *testing.T, req Request, res Result) {
	t.Helper()
	for i, a := range res.Slots {
		if !a.End.After(a.Start) {
			t.Fatalf("slot %d is empty: %+v", i, a)
		}
		if a.Start.Before(req.Window.Start) || a.End.After(req.Window.End) {
			t.Fatalf("slot %d outside focus window: %v-%v", i, a.Start, a.End)
		}
		for _, b := range req.Routine {
			if (Interval{Start: a.Start, End: a.End}).Overlaps(b) {
				t.Fatalf("slot %d overlaps routine block %v-%v", i, b.Start, b.End)
			}
		}
		for j, b := range res.Slots {
			if i == j {
				continue
			}
			if (Interval{Start: a.Start, End: a.End}).Overlaps(Interval{Start: b.Start, End: b.End}) {
				t.Fatalf("slots %d and %d overlap", i, j)
			}
		}
	}
}

func TestPlanDeadlinePriorityOrder(t *testing.T) {
	deadline := at("23:59")
	req := Request{
		Window: iv("09:00", "12:00"),
		Tasks: []Task{
			{Title: "A", Priority: 1, Duration: mins(60)},
			{Title: "B", Priority: 3, Duration: mins(30)},
			{Title: "C", Priority: 2, Duration: mins(90), Deadline: &deadline},
		},
	}
	res := Plan(req)
	checkInvariants(t, req, res)

	if len(res.Unscheduled) != 0 || len(res.Conflicts) != 0 {
		t.Fatalf("unexpected unscheduled=%d conflicts=%d", len(res.Unscheduled), len(res.Conflicts))
	}
	if len(res.Slots) != 3 {
		t.Fatalf("placed %d slots, want 3", len(res.Slots))
	}

	want := []struct {
		title      string
		start, end string
	}{
		{"C", "09:00", "10:30"},
		{"A", "10:30", "11:30"},
		{"B", "11:30", "12:00"},
	}
	for i, w := range want {
		s := res.Slots[i]
		if s.Task.Title != w.title {
			t.Fatalf("slot %d: task %s, want %s", i, s.Task.Title, w.title)
		}
		if !s.Start.Equal(at(w.start)) || !s.End.Equal(at(w.end)) {
			t.Fatalf("slot %d (%s): %v-%v, want %s-%s", i, w.title, s.Start, s.End, w.start, w.end)
		}
	}
}

func TestPlanRespectsRoutineAndExisting(t *testing.T) {
	req := Request{
		Window:   iv("09:00", "17:00"),
		Routine:  []Interval{iv("12:00", "13:00")},
		Existing: []Interval{iv("09:00", "09:30"), iv("14:00", "15:00")},
		Tasks: []Task{
			{Title: "deep work", Priority: 1, Duration: mins(120)},
			{Title: "email", Priority: 4, Duration: mins(30)},
			{Title: "review", Priority: 2, Duration: mins(60)},
		},
	}
	res := Plan(req)
	checkInvariants(t, req, res)

	if len(res.Slots) != 3 {
		t.Fatalf("placed %d, want 3 (unscheduled: %d)", len(res.Slots), len(res.Unscheduled))
	}
	for _, s := range res.Slots {
		for _, e := range req.Existing {
			if (Interval{Start: s.Start, End: s.End}).Overlaps(e) {
				t.Fatalf("slot %q overlaps existing event", s.Task.Title)
			}
		}
	}
	// First-fit: the 2h deep-work task goes into 09:30-11:30, the earliest
	// gap with capacity.
	if res.Slots[0].Task.Title != "deep work" || !res.Slots[0].Start.Equal(at("09:30")) {
		t.Fatalf("first slot: %+v", res.Slots[0])
	}
}

func TestPlanIdempotentOnOwnOutput(t *testing.T) {
	req := Request{
		Window:  iv("09:00", "12:00"),
		Routine: []Interval{iv("10:00", "10:30")},
		Tasks: []Task{
			{Title: "a", Priority: 2, Duration: mins(45)},
			{Title: "b", Priority: 3, Duration: mins(60)},
		},
	}
	first := Plan(req)
	checkInvariants(t, req, first)

	existing := append([]Interval(nil), req.Routine...)
	for _, s := range first.Slots {
		existing = append(existing, Interval{Start: s.Start, End: s.End})
	}
	second := Plan(Request{Window: req.Window, Routine: req.Routine, Existing: existing})
	if len(second.Slots) != 0 || len(second.Unscheduled) != 0 || len(second.Conflicts) != 0 {
		t.Fatalf("re-run produced output: %+v", second)
	}
}

func TestPlanFixedTime(t *testing.T) {
	req := Request{
		Window: iv("09:00", "17:00"),
		Tasks: []Task{
			{Title: "standup", Priority: 2, Duration: mins(30), FixedTime: "10:00"},
			{Title: "filler", Priority: 3, Duration: mins(90)},
		},
	}
	res := Plan(req)
	checkInvariants(t, req, res)

	var standup *Slot
	for i := range res.Slots {
		if res.Slots[i].Task.Title == "standup" {
			standup = &res.Slots[i]
		}
	}
	if standup == nil {
		t.Fatalf("fixed task not placed: %+v", res)
	}
	if !standup.Start.Equal(at("10:00")) || !standup.End.Equal(at("10:30")) {
		t.Fatalf("fixed slot: %v-%v", standup.Start, standup.End)
	}
}

func TestPlanFixedTimeConflict(t *testing.T) {
	req := Request{
		Window:  iv("09:00", "17:00"),
		Routine: []Interval{iv("12:00", "13:00")},
		Tasks: []Task{
			{Title: "over lunch", Priority: 2, Duration: mins(30), FixedTime: "12:15"},
			{Title: "before dawn", Priority: 2, Duration: mins(30), FixedTime: "06:00"},
		},
	}
	res := Plan(req)
	checkInvariants(t, req, res)

	if len(res.Slots) != 0 {
		t.Fatalf("conflicting fixed tasks were placed: %+v", res.Slots)
	}
	if len(res.Conflicts) != 2 {
		t.Fatalf("conflicts = %d, want 2", len(res.Conflicts))
	}
	for _, c := range res.Conflicts {
		if c.Reason != ReasonFixedUnavailable {
			t.Fatalf("conflict reason = %s", c.Reason)
		}
	}
}

func TestPlanFixedTimeUnparseableFallsBack(t *testing.T) {
	req := Request{
		Window: iv("09:00", "12:00"),
		Tasks: []Task{
			{Title: "whenever", Priority: 2, Duration: mins(30), FixedTime: "not-a-time"},
		},
	}
	res := Plan(req)
	checkInvariants(t, req, res)
	if len(res.Slots) != 1 || !res.Slots[0].Start.Equal(at("09:00")) {
		t.Fatalf("fallback placement: %+v", res)
	}
}

func TestPlanInvalidAndOversizeTasks(t *testing.T) {
	req := Request{
		Window: iv("09:00", "12:00"),
		Tasks: []Task{
			{Title: "empty", Priority: 2, Duration: 0},
			{Title: "negative", Priority: 2, Duration: -mins(15)},
			{Title: "whole week", Priority: 1, Duration: 40 * time.Hour},
			{Title: "fits", Priority: 3, Duration: mins(30)},
		},
	}
	res := Plan(req)
	checkInvariants(t, req, res)

	if len(res.Conflicts) != 2 {
		t.Fatalf("conflicts = %d, want 2 (invalid durations)", len(res.Conflicts))
	}
	for _, c := range res.Conflicts {
		if c.Reason != ReasonInvalidDuration {
			t.Fatalf("conflict reason = %s", c.Reason)
		}
	}
	if len(res.Unscheduled) != 1 || res.Unscheduled[0].Title != "whole week" {
		t.Fatalf("unscheduled: %+v", res.Unscheduled)
	}
	if len(res.Slots) != 1 || res.Slots[0].Task.Title != "fits" {
		t.Fatalf("slots: %+v", res.Slots)
	}
}

func TestPlanOverflowReportsUnscheduled(t *testing.T) {
	req := Request{
		Window: iv("09:00", "11:00"),
		Tasks: []Task{
			{Title: "one", Priority: 1, Duration: mins(90)},
			{Title: "two", Priority: 2, Duration: mins(60)},
		},
	}
	res := Plan(req)
	checkInvariants(t, req, res)
	if len(res.Slots) != 1 || res.Slots[0].Task.Title != "one" {
		t.Fatalf("slots: %+v", res.Slots)
	}
	if len(res.Unscheduled) != 1 || res.Unscheduled[0].Title != "two" {
		t.Fatalf("unscheduled: %+v", res.Unscheduled)
	}
}

func TestMergeOverlappingRoutines(t *testing.T) {
	merged := merge([]Interval{
		iv("12:30", "13:30"),
		iv("12:00", "13:00"),
		iv("15:00", "15:30"),
		{Start: at("16:00"), End: at("16:00")}, // empty, dropped
	})
	if len(merged) != 2 {
		t.Fatalf("merged = %d intervals, want 2: %+v", len(merged), merged)
	}
	if !merged[0].Start.Equal(at("12:00")) || !merged[0].End.Equal(at("13:30")) {
		t.Fatalf("merged[0] = %v-%v", merged[0].Start, merged[0].End)
	}
}

func TestStableOrderOnFullTie(t *testing.T) {
	req := Request{
		Window: iv("09:00", "12:00"),
		Tasks: []Task{
			{Title: "first", Priority: 2, Duration: mins(30)},
			{Title: "second", Priority: 2, Duration: mins(30)},
		},
	}
	res := Plan(req)
	if len(res.Slots) != 2 || res.Slots[0].Task.Title != "first" {
		t.Fatalf("tie not broken by input order: %+v", res.Slots)
	}
}

func TestWindowFor(t *testing.T) {
	w, err := WindowFor(day, "09:00", "17:00")
	if err != nil {
		t.Fatalf("WindowFor: %v", err)
	}
	if !w.Start.Equal(at("09:00")) || !w.End.Equal(at("17:00")) {
		t.Fatalf("window: %v-%v", w.Start, w.End)
	}

	// Inverted bounds fall back to an eight hour window.
	w, err = WindowFor(day, "09:00", "08:00")
	if err != nil {
		t.Fatalf("WindowFor inverted: %v", err)
	}
	if !w.End.Equal(at("17:00")) {
		t.Fatalf("fallback window end: %v", w.End)
	}

	if _, err := WindowFor(day, "25:00", "17:00"); err == nil {
		t.Fatalf("expected error for out-of-range hour")
	}
	if _, err := WindowFor(day, "nine", "17:00"); err == nil {
		t.Fatalf("expected error for non-numeric time")
	}
}
