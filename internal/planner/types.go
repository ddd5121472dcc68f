package planner

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Task is one classified unit of work to place.
type Task struct {
	Title       string
	Description string
	Category    string

	// Priority is 1 (highest) to 5 (lowest). Values outside that range are
	// normalized to the default 3.
	Priority int

	// Duration is the estimated time needed. Non-positive durations are
	// rejected as invalid input (reported, not dropped).
	Duration time.Duration

	// Deadline, when set, raises urgency above any priority.
	Deadline *time.Time

	// FixedTime pins the task to a "HH:MM" start on the scheduling day.
	// An unparseable value degrades the task to flexible placement.
	FixedTime string
}

// Interval is a half-open [Start, End) time range.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

// Overlaps reports whether two half-open intervals intersect.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Window is the focus window: the only day range eligible for placement.
type Window = Interval

// Slot is one placed task.
type Slot struct {
	Task  Task
	Start time.Time
	End   time.Time
}

type ConflictReason string

const (
	// ReasonInvalidDuration marks zero/negative estimated durations.
	ReasonInvalidDuration ConflictReason = "invalid_duration"
	// ReasonFixedUnavailable marks a fixed-time task whose requested range
	// is occupied or outside the focus window.
	ReasonFixedUnavailable ConflictReason = "fixed_time_unavailable"
)

// Conflict reports a task that could not be honored as requested.
type Conflict struct {
	Task   Task
	Reason ConflictReason
}

// Request is an immutable snapshot of one scheduling run.
// The planner never mutates it, so independent runs are safe in parallel.
type Request struct {
	Window   Window
	Routine  []Interval // blocked recurring/one-off ranges, may overlap each other
	Existing []Interval // pre-existing calendar events
	Tasks    []Task
}

// Result is the planner output. Unplaceable tasks are data, not errors:
// partial success is the expected common case.
type Result struct {
	Slots       []Slot
	Unscheduled []Task
	Conflicts   []Conflict
}

// WindowFor builds the focus window for a day from "HH:MM" bounds.
// A window that ends at or before its start falls back to eight hours,
// matching the preferences contract.
func WindowFor(day time.Time, start, end string) (Window, error) {
	s, err := atTime(day, start)
	if err != nil {
		return Window{}, fmt.Errorf("focus start: %w", err)
	}
	e, err := atTime(day, end)
	if err != nil {
		return Window{}, fmt.Errorf("focus end: %w", err)
	}
	if !e.After(s) {
		e = s.Add(8 * time.Hour)
	}
	return Window{Start: s, End: e}, nil
}

// IntervalFor resolves a "HH:MM".."HH:MM" pair against a day.
func IntervalFor(day time.Time, start, end string) (Interval, error) {
	s, err := atTime(day, start)
	if err != nil {
		return Interval{}, err
	}
	e, err := atTime(day, end)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: s, End: e}, nil
}

// atTime combines a day with an "HH:MM" clock value in the day's location.
func atTime(day time.Time, hhmm string) (time.Time, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return hour, minute, nil
}
