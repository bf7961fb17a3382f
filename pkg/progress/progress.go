// Package progress tracks run counters: papers and pages fetched per
// source, errors by kind, and task status counts. Counters feed three
// consumers: a JSON stats snapshot, Prometheus metrics, and the terminal
// printer.
package progress

import (
	"sync"
	"time"

	"github.com/papertrawl/papertrawl/pkg/resilience"
)

// SourceStats are per-source counters within a Stats snapshot.
type SourceStats struct {
	Papers int64 `json:"papers"`
	Pages  int64 `json:"pages"`
	Errors int64 `json:"errors"`
}

// Stats is a point-in-time snapshot of run progress.
type Stats struct {
	StartedAt       time.Time              `json:"started_at"`
	ElapsedSeconds  float64                `json:"elapsed_seconds"`
	PapersFetched   int64                  `json:"papers_fetched"`
	PagesFetched    int64                  `json:"pages_fetched"`
	PapersPerMinute float64                `json:"papers_per_minute"`
	TasksFromCache  int64                  `json:"tasks_from_cache"`
	TasksByStatus   map[string]int64       `json:"tasks_by_status"`
	ErrorsByKind    map[string]int64       `json:"errors_by_kind"`
	Sources         map[string]SourceStats `json:"sources"`
}

// Tracker accumulates counters from all workers. All methods are safe for
// concurrent use.
type Tracker struct {
	mu            sync.Mutex
	startedAt     time.Time
	papers        int64
	pages         int64
	fromCache     int64
	errorsByKind  map[string]int64
	tasksByStatus map[string]int64
	sources       map[string]*SourceStats

	// now is swappable so tests can pin elapsed time.
	now func() time.Time
}

// NewTracker returns a tracker with the clock started.
func NewTracker() *Tracker {
	return &Tracker{
		startedAt:     time.Now().UTC(),
		errorsByKind:  make(map[string]int64),
		tasksByStatus: make(map[string]int64),
		sources:       make(map[string]*SourceStats),
		now:           time.Now,
	}
}

// PageFetched records one stored page carrying papers records.
func (t *Tracker) PageFetched(source string, papers int) {
	t.mu.Lock()
	t.pages++
	t.papers += int64(papers)
	s := t.sourceLocked(source)
	s.Pages++
	s.Papers += int64(papers)
	t.mu.Unlock()

	pagesFetchedCounter.WithLabelValues(source).Inc()
	papersFetchedCounter.WithLabelValues(source).Add(float64(papers))
}

// RecordError counts one classified error.
func (t *Tracker) RecordError(source string, kind resilience.ErrorKind) {
	t.mu.Lock()
	t.errorsByKind[kind.String()]++
	t.sourceLocked(source).Errors++
	t.mu.Unlock()

	errorsCounter.WithLabelValues(source, kind.String()).Inc()
}

// RecordRateLimitReset counts one 429-triggered limiter reset.
func (t *Tracker) RecordRateLimitReset(source string) {
	rateLimitWaitsCounter.WithLabelValues(source).Inc()
}

// TaskFromCache counts one task completed entirely from cached pages.
func (t *Tracker) TaskFromCache(source string) {
	t.mu.Lock()
	t.fromCache++
	t.mu.Unlock()

	tasksFromCacheCounter.WithLabelValues(source).Inc()
}

// TaskTransition moves one task between status buckets. An empty from
// means the task is new.
func (t *Tracker) TaskTransition(from, to string) {
	t.mu.Lock()
	if from != "" {
		if t.tasksByStatus[from] > 0 {
			t.tasksByStatus[from]--
		}
	}
	if to != "" {
		t.tasksByStatus[to]++
	}
	t.mu.Unlock()

	if from != "" {
		tasksGauge.WithLabelValues(from).Dec()
	}
	if to != "" {
		tasksGauge.WithLabelValues(to).Inc()
	}
}

// PapersPerMinute returns the aggregate fetch rate over wall-clock time.
func (t *Tracker) PapersPerMinute() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rateLocked()
}

// Stats returns a snapshot of all counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		StartedAt:       t.startedAt,
		ElapsedSeconds:  t.elapsedLocked().Seconds(),
		PapersFetched:   t.papers,
		PagesFetched:    t.pages,
		PapersPerMinute: t.rateLocked(),
		TasksFromCache:  t.fromCache,
		TasksByStatus:   make(map[string]int64, len(t.tasksByStatus)),
		ErrorsByKind:    make(map[string]int64, len(t.errorsByKind)),
		Sources:         make(map[string]SourceStats, len(t.sources)),
	}
	for status, n := range t.tasksByStatus {
		stats.TasksByStatus[status] = n
	}
	for kind, n := range t.errorsByKind {
		stats.ErrorsByKind[kind] = n
	}
	for source, s := range t.sources {
		stats.Sources[source] = *s
	}
	return stats
}

func (t *Tracker) sourceLocked(source string) *SourceStats {
	s, ok := t.sources[source]
	if !ok {
		s = &SourceStats{}
		t.sources[source] = s
	}
	return s
}

func (t *Tracker) elapsedLocked() time.Duration {
	return t.now().UTC().Sub(t.startedAt)
}

func (t *Tracker) rateLocked() float64 {
	elapsed := t.elapsedLocked()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.papers) / elapsed.Minutes()
}
