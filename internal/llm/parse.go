package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawTask is the provider-facing task schema. Field names match the JSON the
// prompts ask for; the pipeline converts these into planner tasks.
type RawTask struct {
	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	Category             string `json:"category,omitempty"`
	Priority             int    `json:"priority,omitempty"`
	EstimatedDurationMin int    `json:"estimated_duration_min,omitempty"`
	Deadline             string `json:"deadline,omitempty"`   // RFC 3339 or "YYYY-MM-DD"
	FixedTime            string `json:"fixed_time,omitempty"` // "HH:MM"
}

// DeadlineTime parses the deadline field, accepting a full timestamp or a
// bare date (end of that day). Returns nil when absent or unparseable.
func (t RawTask) DeadlineTime(loc *time.Location) *time.Time {
	s := strings.TrimSpace(t.Deadline)
	if s == "" {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return &ts
	}
	if d, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		eod := d.Add(24*time.Hour - time.Second)
		return &eod
	}
	return nil
}

// parseTaskArray extracts a JSON array of tasks from a model response.
// Models wrap output in code fences or prose often enough that strict
// decoding is a losing game: locate the outermost array, decode it, and
// drop elements without a title.
func parseTaskArray(out string) ([]RawTask, error) {
	s := stripFences(out)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode task array: %w", err)
	}

	tasks := make([]RawTask, 0, len(raw))
	for _, m := range raw {
		var t RawTask
		if err := json.Unmarshal(m, &t); err != nil {
			continue
		}
		if strings.TrimSpace(t.Title) == "" {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func extractPrompt(note string) string {
	var b strings.Builder
	b.WriteString("Extract actionable tasks from the note below.\n")
	b.WriteString("Respond with ONLY a JSON array; no prose, no code fences.\n")
	b.WriteString(`Each element: {"title": string, "description": string, "estimated_duration_min": int, "deadline": "YYYY-MM-DD" or RFC3339 if mentioned, "fixed_time": "HH:MM" if the note pins a start time}.` + "\n")
	b.WriteString("Omit fields you cannot infer. An empty array is a valid answer.\n\nNote:\n")
	b.WriteString(note)
	return b.String()
}

func classifyPrompt(tasks []RawTask) string {
	enc, _ := json.Marshal(tasks)
	var b strings.Builder
	b.WriteString("Classify each task below. Respond with ONLY a JSON array in the same order.\n")
	b.WriteString(`Each element keeps the input fields and adds {"category": one of "deep_work"|"admin"|"communication"|"errand", "priority": 1 (highest) to 5 (lowest)}.` + "\n\nTasks:\n")
	b.Write(enc)
	return b.String()
}
