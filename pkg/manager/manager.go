// Package manager assembles the acquisition engine behind one façade.
// It owns the page cache, the task queue, the adapter/limiter/breaker
// registries, and the progress tracker; callers enqueue searches, run
// the queue to completion, and pull results back out, deduplicated or
// raw. Everything underneath stays importable on its own.
package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/cache"
	"github.com/papertrawl/papertrawl/pkg/config"
	"github.com/papertrawl/papertrawl/pkg/core/paper"
	"github.com/papertrawl/papertrawl/pkg/dedup"
	"github.com/papertrawl/papertrawl/pkg/enrich"
	"github.com/papertrawl/papertrawl/pkg/progress"
	"github.com/papertrawl/papertrawl/pkg/queue"
	"github.com/papertrawl/papertrawl/pkg/ratelimit"
	"github.com/papertrawl/papertrawl/pkg/resilience"
	"github.com/papertrawl/papertrawl/pkg/sources"
	"github.com/papertrawl/papertrawl/pkg/workers"
)

// SearchSpec describes one search to enqueue: which source to ask, what
// to ask it, and how. Options uses the loosely typed map shape accepted
// from config files; unknown keys are rejected.
type SearchSpec struct {
	Source    string
	Query     string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
	Priority  int
	Options   map[string]interface{}
}

// RunOptions tunes one RunAll invocation.
type RunOptions struct {
	// ShowProgress prints a progress line at every interval.
	ShowProgress bool
	// Interval is the progress refresh period. Zero means 2s.
	Interval time.Duration
	// Out receives the progress output. Nil means stdout.
	Out io.Writer
}

// defaultRunInterval is the progress refresh period when RunOptions
// leaves it unset. The same tick doubles as a safety poll for task
// completion, so it stays short enough to notice a wedged queue.
const defaultRunInterval = 2 * time.Second

// Manager is the engine façade. Construct with New, enqueue with
// AddSearch, drive with RunAll, and release resources with Close.
// All methods are safe for concurrent use.
type Manager struct {
	cfg      *config.EngineConfig
	log      *logrus.Logger
	cache    *cache.Cache
	queue    *queue.Queue
	adapters *sources.Registry
	limiters *ratelimit.Registry
	breakers *resilience.BreakerRegistry
	tracker  *progress.Tracker
	dedup    *dedup.Deduplicator
	watcher  *config.Watcher

	// wake is pulsed whenever a task reaches a terminal status so RunAll
	// re-checks for completion promptly.
	wake chan struct{}

	mu      sync.Mutex
	closed  bool
	running bool
}

type managerOptions struct {
	logger    *logrus.Logger
	adapters  *sources.Registry
	watchPath string
}

// Option customizes New.
type Option func(*managerOptions)

// WithLogger injects a logger instead of building one from the logging
// config section.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *managerOptions) { o.logger = logger }
}

// WithAdapters injects an adapter registry. Tests use this to run the
// whole engine against scripted sources.
func WithAdapters(registry *sources.Registry) Option {
	return func(o *managerOptions) { o.adapters = registry }
}

// WithConfigWatch live-reloads source policies from the config file at
// path while the engine runs.
func WithConfigWatch(path string) Option {
	return func(o *managerOptions) { o.watchPath = path }
}

// New validates cfg and builds the engine. A nil cfg means defaults.
func New(cfg *config.EngineConfig, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		var err error
		log, err = cfg.Logging.NewLogger()
		if err != nil {
			return nil, err
		}
	}

	pageCache, err := cache.Open(cfg.Cache.Path, log)
	if err != nil {
		return nil, fmt.Errorf("opening page cache: %w", err)
	}
	taskQueue, err := queue.Open(cfg.Cache.JournalPath)
	if err != nil {
		pageCache.Close()
		return nil, fmt.Errorf("opening task queue: %w", err)
	}

	adapters := o.adapters
	if adapters == nil {
		adapters = sources.DefaultRegistry()
	}

	limiters := ratelimit.NewRegistry()
	for name, policy := range cfg.Sources {
		limiters.SetPolicy(name, policy.RatePolicy())
	}

	breakerCfg := resilience.DefaultBreakerConfig()
	if cfg.Retry.BreakerThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.Retry.BreakerThreshold
	}
	if cfg.Retry.BreakerCooldownSeconds > 0 {
		breakerCfg.Cooldown = time.Duration(cfg.Retry.BreakerCooldownSeconds) * time.Second
	}
	breakerCfg.OnStateChange = func(source string, from, to resilience.BreakerState) {
		log.WithFields(logrus.Fields{
			"source": source,
			"from":   from.String(),
			"to":     to.String(),
		}).Warn("circuit breaker transition")
	}

	m := &Manager{
		cfg:      cfg,
		log:      log,
		cache:    pageCache,
		queue:    taskQueue,
		adapters: adapters,
		limiters: limiters,
		breakers: resilience.NewBreakerRegistry(breakerCfg),
		tracker:  progress.NewTracker(),
		dedup:    dedup.New(cfg.Dedup.Threshold, log),
		wake:     make(chan struct{}, 1),
	}

	// Recovered tasks come out of the journal already PENDING; seed the
	// status gauges so snapshots reflect them.
	for _, t := range taskQueue.Tasks() {
		m.tracker.TaskTransition("", string(t.Status))
	}

	if o.watchPath != "" {
		watcher, err := config.NewWatcher(o.watchPath, limiters, log)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("starting config watcher: %w", err)
		}
		m.watcher = watcher
	}

	log.WithFields(logrus.Fields{
		"cache":   cfg.Cache.Path,
		"workers": cfg.Workers.Count,
		"sources": adapters.Available(),
	}).Debug("engine ready")
	return m, nil
}

// AddSearch validates the spec and enqueues it, returning the task id.
// The task does not run until RunAll.
func (m *Manager) AddSearch(spec SearchSpec) (string, error) {
	if err := m.live(); err != nil {
		return "", err
	}
	if !m.knownSource(spec.Source) {
		return "", resilience.Errorf(resilience.KindValidation, spec.Source,
			"unknown source %q (registered: %v)", spec.Source, m.adapters.Available())
	}

	opts, err := m.taskOptions(spec)
	if err != nil {
		return "", err
	}

	task := queue.NewTask(spec.Source, spec.Query, spec.Limit)
	task.StartDate = spec.StartDate
	task.EndDate = spec.EndDate
	task.Priority = spec.Priority
	task.Options = opts

	if err := m.queue.Enqueue(task); err != nil {
		return "", err
	}
	m.tracker.TaskTransition("", string(queue.StatusPending))
	m.log.WithFields(logrus.Fields{
		"task":   task.ID,
		"source": task.Source,
		"query":  task.Query,
	}).Info("search enqueued")
	return task.ID, nil
}

// AddMultiple enqueues the specs in order and returns the ids of those
// accepted. It stops at the first rejected spec; the earlier ones stay
// queued.
func (m *Manager) AddMultiple(specs []SearchSpec) ([]string, error) {
	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		id, err := m.AddSearch(spec)
		if err != nil {
			return ids, fmt.Errorf("spec %d (%s %q): %w", i, spec.Source, spec.Query, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RunAll runs the queue to completion: it starts a worker pool, blocks
// until every task reaches a terminal status or ctx is cancelled, then
// stops the pool. Tasks enqueued while it runs are picked up too. Only
// one RunAll may be active at a time.
func (m *Manager) RunAll(ctx context.Context, opts RunOptions) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return resilience.Errorf(resilience.KindInternal, "", "manager is closed")
	}
	if m.running {
		m.mu.Unlock()
		return resilience.Errorf(resilience.KindInternal, "", "RunAll already in progress")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if m.outstanding() == 0 {
		return nil
	}

	pool, err := workers.NewPool(workers.Config{
		Workers:           m.cfg.Workers.Count,
		MaxRetries:        m.cfg.Retry.MaxRetries,
		TaskAttempts:      m.cfg.Workers.TaskAttempts,
		RequeuePenalty:    m.cfg.Workers.RequeuePenalty,
		BreakerWaitBudget: time.Duration(m.cfg.Workers.BreakerWaitBudgetSeconds) * time.Second,
		OnTaskDone:        m.noteDone,
	}, workers.Deps{
		Queue:    m.queue,
		Cache:    m.cache,
		Adapters: m.adapters,
		Limiters: m.limiters,
		Breakers: m.breakers,
		Tracker:  m.tracker,
		Logger:   m.log,
	})
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = defaultRunInterval
	}
	var printer *progress.Printer
	if opts.ShowProgress {
		out := opts.Out
		if out == nil {
			out = os.Stdout
		}
		printer = progress.NewPrinter(out)
	}

	err = m.waitForDrain(ctx, interval, printer)
	pool.Stop()
	if printer != nil {
		printer.Print(m.tracker.Stats())
		printer.Finish()
	}
	return err
}

// waitForDrain blocks until no PENDING or RUNNING tasks remain. Terminal
// transitions pulse wake; the ticker doubles as a safety poll and drives
// the progress printer.
func (m *Manager) waitForDrain(ctx context.Context, interval time.Duration, printer *progress.Printer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if m.outstanding() == 0 {
			return nil
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return resilience.Errorf(resilience.KindInternal, "", "manager closed during RunAll")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		case <-ticker.C:
			if printer != nil {
				printer.Print(m.tracker.Stats())
			}
		}
	}
}

// Results returns the papers cached for one task, in page order. Partial
// results of cancelled or failed tasks are included; a task that never
// registered its query has none.
func (m *Manager) Results(ctx context.Context, taskID string) ([]paper.Paper, error) {
	task, err := m.queue.Status(taskID)
	if err != nil {
		return nil, err
	}
	if task.QueryID == "" {
		return nil, resilience.Errorf(resilience.KindValidation, task.Source,
			"task %s has no results (status %s)", taskID, task.Status)
	}
	return m.cache.PapersFor(ctx, task.QueryID)
}

// AllResults concatenates the results of every COMPLETED task, oldest
// first. Records appearing under several tasks appear several times;
// DeduplicatedResults collapses them.
func (m *Manager) AllResults(ctx context.Context) ([]paper.Paper, error) {
	var all []paper.Paper
	for _, task := range m.queue.TasksByStatus(queue.StatusCompleted) {
		if task.QueryID == "" {
			continue
		}
		papers, err := m.cache.PapersFor(ctx, task.QueryID)
		if err != nil {
			return nil, err
		}
		all = append(all, papers...)
	}
	return all, nil
}

// DeduplicatedResults runs the three-pass deduplicator over the combined
// results of every COMPLETED task.
func (m *Manager) DeduplicatedResults(ctx context.Context) (dedup.Result, error) {
	all, err := m.AllResults(ctx)
	if err != nil {
		return dedup.Result{}, err
	}
	return m.dedup.Deduplicate(all)
}

// ResolveReferences matches citation references against the deduplicated
// corpus: references whose cited DOI belongs to a corpus paper come back
// with CitedPaperID filled in, along with per-paper in-degree counts.
func (m *Manager) ResolveReferences(ctx context.Context, refs []paper.Reference) (enrich.Result, error) {
	corpus, err := m.DeduplicatedResults(ctx)
	if err != nil {
		return enrich.Result{}, err
	}
	return enrich.NewResolver(corpus.Papers, m.log).Resolve(refs), nil
}

// Cancel requests cancellation of a task. Pending tasks are cancelled at
// once; running tasks stop after the page in flight.
func (m *Manager) Cancel(taskID string) error {
	if err := m.live(); err != nil {
		return err
	}
	if err := m.queue.Cancel(taskID); err != nil {
		return err
	}
	// A task cancelled straight from PENDING never ran, so no worker will
	// report its transition; zero StartedAt tells that case apart.
	if task, err := m.queue.Status(taskID); err == nil &&
		task.Status == queue.StatusCancelled && task.StartedAt.IsZero() {
		m.tracker.TaskTransition(string(queue.StatusPending), string(queue.StatusCancelled))
		m.noteDone(task)
	}
	return nil
}

// QueueSize returns the number of tasks waiting to run.
func (m *Manager) QueueSize() int {
	return m.queue.PendingCount()
}

// TaskStatus returns a snapshot of one task.
func (m *Manager) TaskStatus(taskID string) (queue.Task, error) {
	return m.queue.Status(taskID)
}

// Tasks returns snapshots of every known task, oldest first.
func (m *Manager) Tasks() []queue.Task {
	return m.queue.Tasks()
}

// Stats returns a snapshot of the progress counters.
func (m *Manager) Stats() progress.Stats {
	return m.tracker.Stats()
}

// MetricsHandler serves the /metrics and /stats monitoring endpoints.
func (m *Manager) MetricsHandler() http.Handler {
	return m.tracker.Handler()
}

// Close stops the config watcher and releases the queue and cache. Safe
// to call more than once; a RunAll in flight returns with an error.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.watcher != nil {
		m.watcher.Stop()
	}

	var firstErr error
	if err := m.queue.Close(); err != nil {
		firstErr = err
	}
	if err := m.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.log.Debug("engine closed")
	return firstErr
}

// live returns an error when the manager has been closed.
func (m *Manager) live() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return resilience.Errorf(resilience.KindInternal, "", "manager is closed")
	}
	return nil
}

// outstanding counts tasks that have not reached a terminal status.
func (m *Manager) outstanding() int {
	n := 0
	for _, t := range m.queue.Tasks() {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// noteDone pulses the wake channel after a task reaches a terminal
// status.
func (m *Manager) noteDone(queue.Task) {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// knownSource reports whether the adapter registry can build the source.
func (m *Manager) knownSource(name string) bool {
	for _, s := range m.adapters.Available() {
		if s == name {
			return true
		}
	}
	return false
}

// taskOptions merges the source's configured defaults with the per-spec
// overrides. Spec values win field by field.
func (m *Manager) taskOptions(spec SearchSpec) (sources.Options, error) {
	base := m.cfg.Sources[spec.Source].AdapterOptions()
	if len(spec.Options) == 0 {
		return base, nil
	}
	override, err := sources.OptionsFromMap(spec.Options)
	if err != nil {
		return sources.Options{}, err
	}
	return mergeOptions(base, override), nil
}

func mergeOptions(base, override sources.Options) sources.Options {
	if override.PageSize > 0 {
		base.PageSize = override.PageSize
	}
	if override.TimeoutSeconds > 0 {
		base.TimeoutSeconds = override.TimeoutSeconds
	}
	if override.APIKey != "" {
		base.APIKey = override.APIKey
	}
	if override.PoliteEmail != "" {
		base.PoliteEmail = override.PoliteEmail
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	return base
}
