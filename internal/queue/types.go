package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a queue item.
//
// Transitions:
//
//	pending -> processing            (Dequeue)
//	processing -> completed          (Complete, terminal)
//	processing -> pending            (Fail / RecoverStale, attempts < max)
//	processing -> dead               (Fail / RecoverStale, attempts >= max, terminal)
//	dead -> pending                  (RetryDead, administrative)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Terminal reports whether no automatic transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDead:
		return true
	}
	return false
}

var (
	ErrClosed   = errors.New("queue is closed")
	ErrNotFound = errors.New("queue item not found")
)

// EnergySnapshot captures the energy signal active at a queue transition.
// Nil fields mean the signal (or that part of it) was unavailable.
type EnergySnapshot struct {
	PriceEUR       *float64
	SolarAvailable *bool
	Tier           string
}

// Item is one persisted queue record.
type Item struct {
	ID          string
	Notes       string
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string

	Submitted EnergySnapshot
	Processed EnergySnapshot

	CreatedAt           time.Time
	UpdatedAt           time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time

	WorkerID string
	Result   json.RawMessage
}

// Claimed is the slim view handed to a worker by Dequeue.
type Claimed struct {
	ID            string
	Notes         string
	Attempts      int
	SubmittedTier string
}

// StatusStats aggregates one status bucket for monitoring.
type StatusStats struct {
	Count       int
	Oldest      time.Time
	Newest      time.Time
	AvgAttempts float64
}

// Stats is a derived read-only view; it is not part of the correctness contract.
type Stats struct {
	Total    int
	ByStatus map[Status]StatusStats
}

// Config configures the SQLite-backed queue.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default

	// DefaultMaxAttempts bounds retries for items enqueued without an
	// explicit override. Defaults to 3.
	DefaultMaxAttempts int
}

// staleError marks items reclaimed from crashed workers.
const staleError = "processing timeout"
