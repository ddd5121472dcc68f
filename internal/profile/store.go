package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	logx "plannerd/pkg/logx"
)

// Preferences control where and how tasks are placed.
// Times are "HH:MM" in the user's timezone.
type Preferences struct {
	Timezone string `json:"timezone"`

	FocusStart string `json:"focus_start"`
	FocusEnd   string `json:"focus_end"`

	// DefaultDurationMin is applied to tasks whose estimate is missing.
	DefaultDurationMin int `json:"default_duration_min"`

	EnergyProfile string `json:"energy_profile,omitempty"`
}

// DefaultPreferences mirror the original deployment defaults.
func DefaultPreferences() Preferences {
	return Preferences{
		Timezone:           "Europe/Bratislava",
		FocusStart:         "09:00",
		FocusEnd:           "12:00",
		DefaultDurationMin: 30,
		EnergyProfile:      "balanced",
	}
}

// DefaultDuration returns the fallback estimate as a duration.
func (p Preferences) DefaultDuration() time.Duration {
	if p.DefaultDurationMin <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(p.DefaultDurationMin) * time.Minute
}

// Location resolves the preference timezone, falling back to UTC.
func (p Preferences) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// Block is one interval the scheduler must never assign a task into.
type Block struct {
	Start  string `json:"start"` // "HH:MM"
	End    string `json:"end"`   // "HH:MM"
	Reason string `json:"reason,omitempty"`
}

// Routine is the set of fixed blocked intervals for a day.
type Routine struct {
	Blocks []Block `json:"blocked_slots"`
}

// DefaultRoutine blocks lunch, matching the original defaults.
func DefaultRoutine() Routine {
	return Routine{Blocks: []Block{{Start: "12:00", End: "13:00", Reason: "lunch"}}}
}

// PreferencesStore persists Preferences as one JSON file.
type PreferencesStore struct {
	path string
	log  logx.Logger
}

func NewPreferencesStore(path string, log logx.Logger) *PreferencesStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PreferencesStore{path: path, log: log}
}

// Load reads preferences, returning defaults if the file is missing or
// unreadable. Corrupt state never blocks a scheduling run.
func (s *PreferencesStore) Load() Preferences {
	var p Preferences
	if err := readJSON(s.path, &p); err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("preferences unreadable; using defaults", logx.String("path", s.path), logx.Err(err))
		}
		return DefaultPreferences()
	}
	if p.FocusStart == "" || p.FocusEnd == "" {
		def := DefaultPreferences()
		if p.FocusStart == "" {
			p.FocusStart = def.FocusStart
		}
		if p.FocusEnd == "" {
			p.FocusEnd = def.FocusEnd
		}
	}
	return p
}

func (s *PreferencesStore) Save(p Preferences) error {
	return writeJSON(s.path, p)
}

// RoutineStore persists the daily routine as one JSON file.
type RoutineStore struct {
	path string
	log  logx.Logger
}

func NewRoutineStore(path string, log logx.Logger) *RoutineStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RoutineStore{path: path, log: log}
}

func (s *RoutineStore) Load() Routine {
	var r Routine
	if err := readJSON(s.path, &r); err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("routine unreadable; using defaults", logx.String("path", s.path), logx.Err(err))
		}
		return DefaultRoutine()
	}
	return r
}

func (s *RoutineStore) Save(r Routine) error {
	return writeJSON(s.path, r)
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// writeJSON writes atomically (tmp + rename) so a crash mid-write never
// leaves a truncated document behind.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
