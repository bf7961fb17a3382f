package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/resilience"
)

// Queue is the priority task queue. Claiming is atomic: exactly one
// caller receives any given PENDING task. All state transitions are
// journaled when the queue was opened with a journal path.
type Queue struct {
	mu      sync.Mutex
	pending taskHeap
	tasks   map[string]*Task
	cancels map[string]bool
	nextSeq uint64

	journal *journal
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

// Open creates a queue backed by the journal at path. Tasks found RUNNING
// in the journal were orphaned by a crash and are reset to PENDING. An
// empty path keeps the queue memory-only.
func Open(path string) (*Queue, error) {
	q := &Queue{
		tasks:   make(map[string]*Task),
		cancels: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if path == "" {
		return q, nil
	}

	replayed, order, err := replayJournal(path)
	if err != nil {
		return nil, err
	}
	q.journal, err = openJournal(path)
	if err != nil {
		return nil, err
	}

	recovered := 0
	for _, id := range order {
		t := replayed[id]
		if t.Status == StatusRunning {
			t.Status = StatusPending
			t.StartedAt = time.Time{}
			recovered++
			if err := q.journal.append(t); err != nil {
				return nil, err
			}
		}
		t.seq = q.nextSeq
		q.nextSeq++
		q.tasks[t.ID] = t
		if t.Status == StatusPending {
			heap.Push(&q.pending, t)
		}
	}
	if recovered > 0 {
		log.WithFields(log.Fields{"path": path, "recovered": recovered}).
			Info("reset orphaned running tasks to pending")
	}
	return q, nil
}

// Enqueue validates the task and places it in PENDING. A task without an
// id gets one assigned.
func (q *Queue) Enqueue(t *Task) error {
	if err := t.validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return resilience.Errorf(resilience.KindInternal, "", "queue is closed")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := q.tasks[t.ID]; exists {
		return resilience.Errorf(resilience.KindValidation, t.Source, "task %s already enqueued", t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Status = StatusPending
	t.seq = q.nextSeq
	q.nextSeq++

	q.tasks[t.ID] = t
	heap.Push(&q.pending, t)
	if err := q.appendLocked(t); err != nil {
		return err
	}
	q.signal()
	return nil
}

// ClaimNext blocks until a PENDING task is available, atomically marks it
// RUNNING, and returns a snapshot. Returns the context error if ctx ends
// first, or an INTERNAL error if the queue closes while waiting.
func (q *Queue) ClaimNext(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		for q.pending.Len() > 0 {
			t := heap.Pop(&q.pending).(*Task)
			if t.Status != StatusPending {
				// Cancelled while queued; entry is stale.
				continue
			}
			t.Status = StatusRunning
			t.Attempts++
			t.StartedAt = time.Now().UTC()
			err := q.appendLocked(t)
			snapshot := *t
			more := q.pending.Len() > 0
			q.mu.Unlock()
			if err != nil {
				return Task{}, err
			}
			if more {
				q.signal()
			}
			return snapshot, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Task{}, resilience.Errorf(resilience.KindInternal, "", "queue is closed")
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
	}
}

// Complete transitions a RUNNING task to COMPLETED with its final counts.
func (q *Queue) Complete(id string, pages, papers int, fromCache bool) error {
	return q.finish(id, StatusCompleted, func(t *Task) {
		t.PagesFetched = pages
		t.PapersFetched = papers
		t.FromCache = fromCache
	})
}

// Fail transitions a RUNNING task to FAILED, recording the error kind and
// message.
func (q *Queue) Fail(id string, kind resilience.ErrorKind, message string) error {
	return q.finish(id, StatusFailed, func(t *Task) {
		t.ErrorKind = kind.String()
		t.ErrorMessage = message
	})
}

// Cancel requests cancellation. A PENDING task becomes CANCELLED at once.
// For a RUNNING task the request is flagged; the worker observes the flag
// between pages and finishes the task via FinishCancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return resilience.Errorf(resilience.KindValidation, "", "unknown task %s", id)
	}
	switch t.Status {
	case StatusPending:
		t.Status = StatusCancelled
		t.FinishedAt = time.Now().UTC()
		return q.appendLocked(t)
	case StatusRunning:
		q.cancels[id] = true
		return nil
	default:
		return resilience.Errorf(resilience.KindValidation, t.Source, "task %s already %s", id, t.Status)
	}
}

// CancelRequested reports whether a running task has been asked to stop.
func (q *Queue) CancelRequested(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancels[id]
}

// FinishCancelled transitions a RUNNING task to CANCELLED, keeping the
// partial page counts.
func (q *Queue) FinishCancelled(id string, pages, papers int) error {
	return q.finish(id, StatusCancelled, func(t *Task) {
		t.PagesFetched = pages
		t.PapersFetched = papers
	})
}

// Requeue puts a RUNNING task back to PENDING after a task-level retryable
// failure, demoting it by penalty so fresh work runs first.
func (q *Queue) Requeue(id string, penalty int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return resilience.Errorf(resilience.KindValidation, "", "unknown task %s", id)
	}
	if t.Status != StatusRunning {
		return resilience.Errorf(resilience.KindInternal, t.Source, "requeue of task %s in %s", id, t.Status)
	}
	t.Status = StatusPending
	t.Priority += penalty
	t.StartedAt = time.Time{}
	delete(q.cancels, id)
	heap.Push(&q.pending, t)
	if err := q.appendLocked(t); err != nil {
		return err
	}
	q.signal()
	return nil
}

// SetQueryID records the cache identity computed for the task.
func (q *Queue) SetQueryID(id, queryID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		t.QueryID = queryID
	}
}

// UpdateProgress refreshes a running task's counters. Progress updates
// are not journaled; only transitions are.
func (q *Queue) UpdateProgress(id string, pages, papers int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok && t.Status == StatusRunning {
		t.PagesFetched = pages
		t.PapersFetched = papers
	}
}

// Status returns a snapshot of one task.
func (q *Queue) Status(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, resilience.Errorf(resilience.KindValidation, "", "unknown task %s", id)
	}
	return *t, nil
}

// Tasks returns snapshots of every known task, oldest first.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// TasksByStatus returns snapshots of tasks in the given state, oldest
// first.
func (q *Queue) TasksByStatus(status Status) []Task {
	var out []Task
	for _, t := range q.Tasks() {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// PendingCount returns the number of claimable tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status == StatusPending {
			n++
		}
	}
	return n
}

// Close stops the queue. Blocked ClaimNext calls return an error; further
// transitions are rejected.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	j := q.journal
	q.mu.Unlock()

	if j != nil {
		return j.close()
	}
	return nil
}

func (q *Queue) finish(id string, status Status, update func(*Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return resilience.Errorf(resilience.KindValidation, "", "unknown task %s", id)
	}
	if t.Status != StatusRunning {
		return resilience.Errorf(resilience.KindInternal, t.Source,
			"transition of task %s to %s from %s", id, status, t.Status)
	}
	update(t)
	t.Status = status
	t.FinishedAt = time.Now().UTC()
	delete(q.cancels, id)
	return q.appendLocked(t)
}

func (q *Queue) appendLocked(t *Task) error {
	if q.journal == nil {
		return nil
	}
	if err := q.journal.append(t); err != nil {
		return resilience.NewError(resilience.KindCache, t.Source, err)
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// taskHeap orders PENDING tasks by priority (lower first), then creation
// time, then insertion sequence.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
