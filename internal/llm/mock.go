package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// MockProvider is a deterministic offline provider. Extraction turns each
// non-empty note line into one task; classification tags everything as admin
// priority 3. It keeps the rest of the system runnable without credentials.
type MockProvider struct{}

func (m *MockProvider) Complete(_ context.Context, _ string, prompt string) (string, error) {
	if strings.Contains(prompt, "Classify each task") {
		return mockClassify(prompt)
	}
	return mockExtract(prompt)
}

func mockExtract(prompt string) (string, error) {
	_, note, ok := strings.Cut(prompt, "Note:\n")
	if !ok {
		return "[]", nil
	}
	var tasks []RawTask
	for _, line := range strings.Split(note, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* \t"))
		if line == "" {
			continue
		}
		tasks = append(tasks, RawTask{Title: line, EstimatedDurationMin: 30})
	}
	b, err := json.Marshal(tasks)
	return string(b), err
}

func mockClassify(prompt string) (string, error) {
	_, enc, ok := strings.Cut(prompt, "Tasks:\n")
	if !ok {
		return "[]", nil
	}
	var tasks []RawTask
	if err := json.Unmarshal([]byte(strings.TrimSpace(enc)), &tasks); err != nil {
		return "[]", nil
	}
	for i := range tasks {
		if tasks[i].Category == "" {
			tasks[i].Category = "admin"
		}
		if tasks[i].Priority == 0 {
			tasks[i].Priority = 3
		}
	}
	b, err := json.Marshal(tasks)
	return string(b), err
}

var _ Provider = (*MockProvider)(nil)
