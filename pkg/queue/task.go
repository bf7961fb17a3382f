// Package queue implements the persistent priority task queue that feeds
// the worker pool. Tasks move PENDING -> RUNNING -> {COMPLETED, FAILED,
// CANCELLED}; every transition is appended to a JSON-lines journal so a
// restart reconstructs all non-terminal work. Claimed tasks found RUNNING
// in the journal are reset to PENDING, which is safe because the page
// cache makes re-execution idempotent.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/papertrawl/papertrawl/pkg/resilience"
	"github.com/papertrawl/papertrawl/pkg/sources"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one unit of acquisition work: a single (source, query, dates,
// limit, options) tuple. Priority orders the queue; lower runs first.
// Attempts counts how many times the task entered RUNNING, across
// restarts.
type Task struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Query     string          `json:"query"`
	StartDate time.Time       `json:"start_date"`
	EndDate   time.Time       `json:"end_date"`
	Limit     int             `json:"limit"`
	Options   sources.Options `json:"options"`
	Priority  int             `json:"priority"`

	Status   Status `json:"status"`
	QueryID  string `json:"query_id,omitempty"`
	Attempts int    `json:"attempts"`

	PagesFetched  int  `json:"pages_fetched"`
	PapersFetched int  `json:"papers_fetched"`
	FromCache     bool `json:"from_cache"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// seq breaks priority ties deterministically when CreatedAt collides.
	seq uint64
}

// NewTask builds a PENDING task with a fresh id.
func NewTask(source, query string, limit int) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Source:    source,
		Query:     query,
		Limit:     limit,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Dates returns the task's date range in the adapter request shape.
func (t *Task) Dates() sources.DateRange {
	return sources.DateRange{Start: t.StartDate, End: t.EndDate}
}

// validate checks the fields a task needs before it may be enqueued.
func (t *Task) validate() error {
	if t.Source == "" {
		return resilience.Errorf(resilience.KindValidation, "", "task needs a source")
	}
	if t.Query == "" {
		return resilience.Errorf(resilience.KindValidation, t.Source, "task needs a query")
	}
	if t.Limit < 0 {
		return resilience.Errorf(resilience.KindValidation, t.Source, "task limit must not be negative, got %d", t.Limit)
	}
	return t.Options.Validate()
}
