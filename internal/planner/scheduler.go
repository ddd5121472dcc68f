package planner

import (
	"sort"
	"time"
)

const defaultPriority = 3

// Plan places tasks into the focus window using greedy first-fit interval
// placement.
//
// Free capacity starts as the focus window minus merged routine blocks and
// pre-existing events. Fixed-time tasks are carved out first (a busy fixed
// range is a conflict, never a silent drop). Flexible tasks are then sorted
// by urgency and placed into the first free interval with enough capacity,
// splitting the interval they consume. Tasks that fit nowhere come back in
// Unscheduled.
func Plan(req Request) Result {
	var res Result
	if len(req.Tasks) == 0 {
		return res
	}

	window := req.Window
	if !window.End.After(window.Start) {
		// Degenerate window: nothing can be placed.
		res.Unscheduled = append(res.Unscheduled, req.Tasks...)
		return res
	}

	blocked := make([]Interval, 0, len(req.Routine)+len(req.Existing))
	blocked = append(blocked, req.Routine...)
	blocked = append(blocked, req.Existing...)
	free := subtract(window, merge(blocked))

	fixed := make([]Task, 0)
	flexible := make([]Task, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		t.Priority = normalizePriority(t.Priority)
		if t.Duration <= 0 {
			res.Conflicts = append(res.Conflicts, Conflict{Task: t, Reason: ReasonInvalidDuration})
			continue
		}
		if t.FixedTime == "" {
			flexible = append(flexible, t)
			continue
		}
		if _, err := atTime(window.Start, t.FixedTime); err != nil {
			// Unparseable fixed time degrades to flexible placement.
			flexible = append(flexible, t)
			continue
		}
		fixed = append(fixed, t)
	}

	// Fixed tasks first so flexible placement works around them.
	for _, t := range fixed {
		start, _ := atTime(window.Start, t.FixedTime)
		want := Interval{Start: start, End: start.Add(t.Duration)}
		carved, ok := carve(free, want)
		if !ok {
			res.Conflicts = append(res.Conflicts, Conflict{Task: t, Reason: ReasonFixedUnavailable})
			continue
		}
		free = carved
		res.Slots = append(res.Slots, Slot{Task: t, Start: want.Start, End: want.End})
	}

	// Flexible tasks in urgency order: deadline, then priority, then
	// duration descending so hard-to-fit tasks go first.
	sortTasks(flexible)

	windowCap := window.Duration()
	for _, t := range flexible {
		if t.Duration > windowCap {
			// Cannot ever fit; skip the scan.
			res.Unscheduled = append(res.Unscheduled, t)
			continue
		}
		placed := false
		for i, iv := range free {
			if iv.Duration() < t.Duration {
				continue
			}
			slot := Interval{Start: iv.Start, End: iv.Start.Add(t.Duration)}
			free = consume(free, i, slot)
			res.Slots = append(res.Slots, Slot{Task: t, Start: slot.Start, End: slot.End})
			placed = true
			break
		}
		if !placed {
			res.Unscheduled = append(res.Unscheduled, t)
		}
	}

	sort.SliceStable(res.Slots, func(i, j int) bool {
		return res.Slots[i].Start.Before(res.Slots[j].Start)
	})
	return res
}

func normalizePriority(p int) int {
	if p < 1 || p > 5 {
		return defaultPriority
	}
	return p
}

// sortTasks orders by (deadline asc, nil last) then priority asc then
// duration desc; sort stability preserves input order for full ties.
func sortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		di, dj := tasks[i].Deadline, tasks[j].Deadline
		if (di == nil) != (dj == nil) {
			return di != nil
		}
		if di != nil && dj != nil && !di.Equal(*dj) {
			return di.Before(*dj)
		}
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].Duration > tasks[j].Duration
	})
}

// merge sorts intervals and coalesces overlapping/adjacent ones.
func merge(ivs []Interval) []Interval {
	clean := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.End.After(iv.Start) {
			clean = append(clean, iv)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	sort.Slice(clean, func(i, j int) bool { return clean[i].Start.Before(clean[j].Start) })

	out := clean[:1]
	for _, iv := range clean[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// subtract removes merged blocked intervals from the window, returning the
// chronologically sorted free list.
func subtract(window Window, blocked []Interval) []Interval {
	free := make([]Interval, 0, len(blocked)+1)
	cursor := window.Start
	for _, b := range blocked {
		if !b.End.After(window.Start) || !window.End.After(b.Start) {
			continue // entirely outside the window
		}
		if b.Start.After(cursor) {
			end := b.Start
			if end.After(window.End) {
				end = window.End
			}
			if end.After(cursor) {
				free = append(free, Interval{Start: cursor, End: end})
			}
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if window.End.After(cursor) {
		free = append(free, Interval{Start: cursor, End: window.End})
	}
	return free
}

// carve removes want from the free list if it lies entirely inside one free
// interval; ok is false when the range is (partly) occupied.
func carve(free []Interval, want Interval) ([]Interval, bool) {
	for i, iv := range free {
		if want.Start.Before(iv.Start) || want.End.After(iv.End) {
			continue
		}
		return consume(free, i, want), true
	}
	return free, false
}

// consume splits free[i] around the claimed range, which must lie at or
// inside free[i]'s bounds.
func consume(free []Interval, i int, claimed Interval) []Interval {
	iv := free[i]
	out := make([]Interval, 0, len(free)+1)
	out = append(out, free[:i]...)
	if claimed.Start.After(iv.Start) {
		out = append(out, Interval{Start: iv.Start, End: claimed.Start})
	}
	if iv.End.After(claimed.End) {
		out = append(out, Interval{Start: claimed.End, End: iv.End})
	}
	return append(out, free[i+1:]...)
}

// Day truncates t to midnight in its location; handy for building requests.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
