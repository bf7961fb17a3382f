// Package workers runs the acquisition loop. A pool of workers claims
// tasks from the queue and drives each one to a terminal status: register
// the query with the page cache, short-circuit if it already completed,
// otherwise fetch page after page through the source adapter under the
// shared rate limiter and circuit breaker, persisting every page before
// asking for the next. Because pages land in the cache atomically and in
// order, a worker killed mid-task loses at most the page in flight.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/cache"
	"github.com/papertrawl/papertrawl/pkg/progress"
	"github.com/papertrawl/papertrawl/pkg/queue"
	"github.com/papertrawl/papertrawl/pkg/ratelimit"
	"github.com/papertrawl/papertrawl/pkg/resilience"
	"github.com/papertrawl/papertrawl/pkg/sources"
)

// DefaultWorkers is the pool size when the config leaves it unset.
const DefaultWorkers = 3

// requestGrace pads the worker-side deadline past the adapter's own HTTP
// timeout so the transport error arrives first and classifies properly.
const requestGrace = 5 * time.Second

// Config tunes the pool. Zero values fall back to defaults.
type Config struct {
	// Workers is the number of concurrent task runners.
	Workers int
	// MaxRetries caps attempts for a single page before the task fails.
	// Task options may override it per task.
	MaxRetries int
	// TaskAttempts is how many times a task may be claimed before a
	// retryable failure becomes terminal. 1 disables task-level requeueing.
	TaskAttempts int
	// RequeuePenalty is added to a task's priority on each requeue so
	// retried work yields to fresh work.
	RequeuePenalty int
	// RequestTimeout is a hard bound on one adapter call. Zero derives the
	// bound from the task's own timeout option.
	RequestTimeout time.Duration
	// BreakerWaitBudget caps how long one page fetch may spend waiting for
	// an open breaker's half-open window before the task gives up.
	BreakerWaitBudget time.Duration
	// OnTaskDone, when set, is invoked with the final snapshot of every
	// task that reaches a terminal status.
	OnTaskDone func(queue.Task)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = resilience.DefaultMaxRetries
	}
	if c.TaskAttempts <= 0 {
		c.TaskAttempts = 1
	}
	if c.RequeuePenalty <= 0 {
		c.RequeuePenalty = 10
	}
	if c.BreakerWaitBudget <= 0 {
		c.BreakerWaitBudget = 2 * time.Minute
	}
	return c
}

// Deps are the shared components every worker uses. All fields except
// Tracker and Logger are required.
type Deps struct {
	Queue    *queue.Queue
	Cache    *cache.Cache
	Adapters *sources.Registry
	Limiters *ratelimit.Registry
	Breakers *resilience.BreakerRegistry
	Tracker  *progress.Tracker
	Logger   *logrus.Logger
}

// Pool owns the worker goroutines. Start it once; Stop cancels in-flight
// work and blocks until every worker has exited.
type Pool struct {
	config Config
	deps   Deps
	log    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	// cacheFailures counts consecutive page-cache write failures across
	// all workers. Two in a row stop the pool: a broken store turns every
	// further fetch into wasted quota.
	cacheFailures int32
}

// NewPool builds a pool from config and shared dependencies.
func NewPool(config Config, deps Deps) (*Pool, error) {
	if deps.Queue == nil || deps.Cache == nil || deps.Adapters == nil ||
		deps.Limiters == nil || deps.Breakers == nil {
		return nil, resilience.Errorf(resilience.KindValidation, "",
			"worker pool needs queue, cache, adapters, limiters, and breakers")
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.NewTracker()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Pool{
		config: config.withDefaults(),
		deps:   deps,
		log:    deps.Logger,
	}, nil
}

// Start launches the workers. The pool runs until Stop is called or ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return resilience.Errorf(resilience.KindInternal, "", "worker pool already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.WithField("workers", p.config.Workers).Info("worker pool started")
	return nil
}

// Stop cancels in-flight work and waits for every worker to exit. Tasks
// interrupted mid-page resume from the cache on the next run.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)

	for {
		task, err := p.deps.Queue.ClaimNext(p.ctx)
		if err != nil {
			log.WithError(err).Debug("worker exiting")
			return
		}
		p.deps.Tracker.TaskTransition(string(queue.StatusPending), string(queue.StatusRunning))
		p.runTask(log, task)
	}
}

// taskRun is the mutable state of one claimed task.
type taskRun struct {
	task    queue.Task
	adapter sources.Adapter
	limiter *ratelimit.Limiter
	breaker *resilience.Breaker
	queryID string

	pages  int // pages in the cache for this query
	papers int // records in the cache for this query
	calls  int // adapter invocations this run
	stored int // pages stored this run
}

// fresh reports that the task has made no upstream progress this run, so a
// blocked source fails it fast instead of parking a worker on the breaker.
func (r *taskRun) fresh() bool {
	return r.calls == 0 && r.stored == 0
}

func (p *Pool) runTask(log *logrus.Entry, task queue.Task) {
	log = log.WithFields(logrus.Fields{
		"task":   task.ID,
		"source": task.Source,
		"query":  task.Query,
	})

	adapter, err := p.deps.Adapters.New(task.Source, task.Options)
	if err != nil {
		p.finishFail(log, task, resilience.Classify(task.Source, err))
		return
	}

	queryID, err := p.deps.Cache.RegisterQuery(p.ctx, cache.Registration{
		Source:     task.Source,
		Query:      task.Query,
		StartDate:  task.StartDate,
		EndDate:    task.EndDate,
		Limit:      task.Limit,
		ConfigJSON: task.Options.CanonicalJSON(),
	})
	if err != nil {
		p.cacheFailed(log, err)
		p.finishFail(log, task, resilience.Classify(task.Source, err))
		return
	}
	p.deps.Queue.SetQueryID(task.ID, queryID)
	log = log.WithField("query_id", queryID)

	info, err := p.deps.Cache.Info(p.ctx, queryID)
	if err != nil {
		p.cacheFailed(log, err)
		p.finishFail(log, task, resilience.Classify(task.Source, err))
		return
	}

	run := &taskRun{
		task:    task,
		adapter: adapter,
		limiter: p.deps.Limiters.For(task.Source),
		breaker: p.deps.Breakers.For(task.Source),
		queryID: queryID,
		pages:   info.PageCount,
		papers:  info.PaperCount,
	}
	if run.pages > 0 {
		p.deps.Queue.UpdateProgress(task.ID, run.pages, run.papers)
		log.WithField("pages", run.pages).Info("resuming from cached pages")
	}

	for {
		// Cancellation is observed between pages; pages already cached
		// stay valid for a later resume.
		if p.ctx.Err() != nil || p.deps.Queue.CancelRequested(task.ID) {
			p.finishCancelled(log, task, run.pages, run.papers)
			return
		}

		next, cursor, done, err := p.deps.Cache.NextPageToFetch(p.ctx, queryID)
		if err != nil {
			p.cacheFailed(log, err)
			p.finishFail(log, task, resilience.Classify(task.Source, err))
			return
		}
		if done {
			p.finishComplete(log, task, run.pages, run.papers, run.fresh())
			return
		}
		if task.Limit > 0 && run.papers >= task.Limit {
			if err := p.deps.Cache.MarkCompleted(p.ctx, queryID); err != nil {
				p.cacheFailed(log, err)
				p.finishFail(log, task, resilience.Classify(task.Source, err))
				return
			}
			p.finishComplete(log, task, run.pages, run.papers, run.fresh())
			return
		}

		page, cerr := p.fetchPage(log, run, next, cursor)
		if cerr != nil {
			if p.ctx.Err() != nil {
				p.finishCancelled(log, task, run.pages, run.papers)
				return
			}
			p.finishFail(log, task, cerr)
			return
		}

		records := page.Papers
		if task.Limit > 0 && run.papers+len(records) > task.Limit {
			records = records[:task.Limit-run.papers]
		}
		if err := p.deps.Cache.StorePage(p.ctx, queryID, next, page.Raw, page.NextCursor, records); err != nil {
			p.cacheFailed(log, err)
			p.finishFail(log, task, resilience.Classify(task.Source, err))
			return
		}
		p.cacheHealthy()
		run.stored++
		run.pages++
		run.papers += len(records)
		p.deps.Tracker.PageFetched(task.Source, len(records))
		p.deps.Queue.UpdateProgress(task.ID, run.pages, run.papers)
		log.WithFields(logrus.Fields{
			"page":   next,
			"papers": run.papers,
		}).Debug("page stored")

		if page.End || (task.Limit > 0 && run.papers >= task.Limit) {
			if err := p.deps.Cache.MarkCompleted(p.ctx, queryID); err != nil {
				p.cacheFailed(log, err)
				p.finishFail(log, task, resilience.Classify(task.Source, err))
				return
			}
			p.finishComplete(log, task, run.pages, run.papers, false)
			return
		}
	}
}

// fetchPage fetches one page, retrying per the error taxonomy. Waits for an
// open breaker are bounded by the wait budget and never consume attempts;
// every other retryable failure does.
func (p *Pool) fetchPage(log *logrus.Entry, run *taskRun, pageIndex int, cursor string) (sources.SearchPage, *resilience.ClassifiedError) {
	task := run.task
	attempts := 0
	var breakerWaited time.Duration

	for {
		if err := run.breaker.Allow(); err != nil {
			ce := resilience.Classify(task.Source, err)
			p.deps.Tracker.RecordError(task.Source, ce.Kind)
			if run.fresh() {
				// No progress to protect; fail fast and free the worker.
				return sources.SearchPage{}, ce
			}
			breakerWaited += ce.RetryAfter
			if breakerWaited > p.config.BreakerWaitBudget {
				log.WithField("page", pageIndex).Warn("gave up waiting for circuit breaker")
				return sources.SearchPage{}, ce
			}
			if err := p.sleep(ce.RetryAfter); err != nil {
				return sources.SearchPage{}, ce
			}
			continue
		}

		if err := run.limiter.Acquire(p.ctx); err != nil {
			// Only cancellation unblocks Acquire with an error; the caller
			// turns it into a CANCELLED task.
			return sources.SearchPage{}, resilience.NewError(resilience.KindInternal, task.Source, err)
		}

		reqCtx, cancel := context.WithTimeout(p.ctx, p.requestTimeout(task.Options))
		page, err := run.adapter.Search(reqCtx, sources.SearchRequest{
			Query:   task.Query,
			Dates:   task.Dates(),
			Limit:   task.Limit,
			Page:    pageIndex,
			Cursor:  cursor,
			Options: task.Options,
		})
		cancel()
		run.calls++

		if err == nil {
			run.breaker.RecordSuccess()
			return page, nil
		}

		ce := resilience.Classify(task.Source, err)
		run.breaker.RecordFailure()
		p.deps.Tracker.RecordError(task.Source, ce.Kind)
		if ce.Kind == resilience.KindRateLimit {
			run.limiter.ResetAfter(ce.RetryAfter)
			p.deps.Tracker.RecordRateLimitReset(task.Source)
		}
		log.WithError(ce).WithFields(logrus.Fields{
			"page":    pageIndex,
			"attempt": attempts + 1,
			"kind":    ce.Kind.String(),
		}).Warn("page fetch failed")

		if !ce.Retryable() {
			return sources.SearchPage{}, ce
		}
		attempts++
		if attempts >= p.maxRetries(task.Options) {
			log.WithField("page", pageIndex).Warn("retries exhausted")
			return sources.SearchPage{}, ce
		}
		if err := p.sleep(resilience.DelayFor(ce, attempts)); err != nil {
			return sources.SearchPage{}, ce
		}
	}
}

func (p *Pool) finishComplete(log *logrus.Entry, task queue.Task, pages, papers int, fromCache bool) {
	if err := p.deps.Queue.Complete(task.ID, pages, papers, fromCache); err != nil {
		log.WithError(err).Warn("recording task completion")
		return
	}
	p.deps.Tracker.TaskTransition(string(queue.StatusRunning), string(queue.StatusCompleted))
	if fromCache {
		p.deps.Tracker.TaskFromCache(task.Source)
	}
	log.WithFields(logrus.Fields{
		"pages":      pages,
		"papers":     papers,
		"from_cache": fromCache,
	}).Info("task completed")
	p.taskDone(task.ID)
}

func (p *Pool) finishFail(log *logrus.Entry, task queue.Task, ce *resilience.ClassifiedError) {
	if ce.Retryable() && task.Attempts < p.config.TaskAttempts {
		if err := p.deps.Queue.Requeue(task.ID, p.config.RequeuePenalty); err == nil {
			p.deps.Tracker.TaskTransition(string(queue.StatusRunning), string(queue.StatusPending))
			log.WithFields(logrus.Fields{
				"attempt": task.Attempts,
				"kind":    ce.Kind.String(),
			}).Info("task requeued")
			return
		}
		// A rejected requeue falls through to a plain failure.
	}
	if err := p.deps.Queue.Fail(task.ID, ce.Kind, ce.Error()); err != nil {
		log.WithError(err).Warn("recording task failure")
		return
	}
	p.deps.Tracker.TaskTransition(string(queue.StatusRunning), string(queue.StatusFailed))
	log.WithError(ce).WithField("kind", ce.Kind.String()).Warn("task failed")
	p.taskDone(task.ID)
}

func (p *Pool) finishCancelled(log *logrus.Entry, task queue.Task, pages, papers int) {
	if err := p.deps.Queue.FinishCancelled(task.ID, pages, papers); err != nil {
		log.WithError(err).Warn("recording task cancellation")
		return
	}
	p.deps.Tracker.TaskTransition(string(queue.StatusRunning), string(queue.StatusCancelled))
	log.WithField("pages", pages).Info("task cancelled")
	p.taskDone(task.ID)
}

func (p *Pool) taskDone(id string) {
	if p.config.OnTaskDone == nil {
		return
	}
	if task, err := p.deps.Queue.Status(id); err == nil {
		p.config.OnTaskDone(task)
	}
}

func (p *Pool) cacheFailed(log *logrus.Entry, err error) {
	if !resilience.IsKind(err, resilience.KindCache) {
		return
	}
	n := atomic.AddInt32(&p.cacheFailures, 1)
	log.WithError(err).Error("page cache failure")
	if n >= 2 {
		log.Error("page cache failing repeatedly, stopping workers")
		p.cancel()
	}
}

func (p *Pool) cacheHealthy() {
	atomic.StoreInt32(&p.cacheFailures, 0)
}

func (p *Pool) maxRetries(opts sources.Options) int {
	if opts.MaxRetries > 0 {
		return opts.MaxRetries
	}
	return p.config.MaxRetries
}

func (p *Pool) requestTimeout(opts sources.Options) time.Duration {
	if p.config.RequestTimeout > 0 {
		return p.config.RequestTimeout
	}
	return opts.Timeout() + requestGrace
}

// sleep blocks for d or until the pool shuts down.
func (p *Pool) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-timer.C:
		return nil
	}
}
