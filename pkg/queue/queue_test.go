package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/papertrawl/papertrawl/pkg/resilience"
)

func enqueue(t *testing.T, q *Queue, source, query string, priority int) *Task {
	t.Helper()
	task := NewTask(source, query, 100)
	task.Priority = priority
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return task
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	if err := q.Enqueue(NewTask("", "query", 10)); err == nil {
		t.Error("Expected error for missing source")
	}
	if err := q.Enqueue(NewTask("openalex", "", 10)); err == nil {
		t.Error("Expected error for missing query")
	}
	if err := q.Enqueue(NewTask("openalex", "q", -1)); err == nil {
		t.Error("Expected error for negative limit")
	}

	task := NewTask("openalex", "q", 10)
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(task); err == nil {
		t.Error("Expected error for duplicate task id")
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	enqueue(t, q, "openalex", "low", 5)
	high := enqueue(t, q, "openalex", "high", 1)
	mid := enqueue(t, q, "openalex", "mid", 3)

	ctx := context.Background()
	first, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if first.ID != high.ID {
		t.Errorf("Expected priority 1 task first, got %q (priority %d)", first.Query, first.Priority)
	}
	second, _ := q.ClaimNext(ctx)
	if second.ID != mid.ID {
		t.Errorf("Expected priority 3 task second, got %q", second.Query)
	}
	third, _ := q.ClaimNext(ctx)
	if third.Query != "low" {
		t.Errorf("Expected priority 5 task last, got %q", third.Query)
	}
	if first.Status != StatusRunning || first.Attempts != 1 {
		t.Errorf("Expected claimed task RUNNING with 1 attempt, got %s/%d", first.Status, first.Attempts)
	}
}

func TestClaimFIFOTieBreak(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	a := enqueue(t, q, "openalex", "first", 2)
	b := enqueue(t, q, "openalex", "second", 2)

	got, err := q.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("Expected FIFO tie-break to prefer the earlier task, got %q", got.Query)
	}
	got, _ = q.ClaimNext(context.Background())
	if got.ID != b.ID {
		t.Errorf("Expected second task next, got %q", got.Query)
	}
}

func TestClaimBlocksUntilEnqueue(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	claimed := make(chan Task, 1)
	go func() {
		task, err := q.ClaimNext(context.Background())
		if err == nil {
			claimed <- task
		}
	}()

	select {
	case task := <-claimed:
		t.Fatalf("ClaimNext returned %v before any enqueue", task.ID)
	case <-time.After(50 * time.Millisecond):
	}

	want := enqueue(t, q, "openalex", "arrives late", 0)
	select {
	case task := <-claimed:
		if task.ID != want.ID {
			t.Errorf("Expected the enqueued task, got %s", task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ClaimNext did not wake after enqueue")
	}
}

func TestClaimRespectsContext(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.ClaimNext(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestTerminalTransitions(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	task := enqueue(t, q, "openalex", "q", 0)
	if err := q.Complete(task.ID, 1, 10, false); err == nil {
		t.Error("Expected error completing a PENDING task")
	}

	claimed, _ := q.ClaimNext(context.Background())
	if err := q.Complete(claimed.ID, 4, 100, false); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	got, _ := q.Status(claimed.ID)
	if got.Status != StatusCompleted || got.PagesFetched != 4 || got.PapersFetched != 100 {
		t.Errorf("Expected COMPLETED with counts, got %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Error("Expected FinishedAt set")
	}

	if err := q.Complete(claimed.ID, 4, 100, false); err == nil {
		t.Error("Expected error completing twice")
	}
	if !resilience.IsKind(q.Complete(claimed.ID, 0, 0, false), resilience.KindInternal) {
		t.Error("Expected INTERNAL for invalid transition")
	}
}

func TestFailRecordsError(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	enqueue(t, q, "openalex", "q", 0)
	claimed, _ := q.ClaimNext(context.Background())
	if err := q.Fail(claimed.ID, resilience.KindAPI, "status 500"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	got, _ := q.Status(claimed.ID)
	if got.Status != StatusFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
	if got.ErrorKind != "API" || got.ErrorMessage != "status 500" {
		t.Errorf("Expected error recorded, got %q %q", got.ErrorKind, got.ErrorMessage)
	}
}

func TestCancelPendingSkippedByClaim(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	doomed := enqueue(t, q, "openalex", "doomed", 1)
	survivor := enqueue(t, q, "openalex", "survivor", 2)

	if err := q.Cancel(doomed.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := q.Status(doomed.ID)
	if got.Status != StatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", got.Status)
	}

	claimed, err := q.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if claimed.ID != survivor.ID {
		t.Errorf("Expected cancelled task skipped, claimed %q", claimed.Query)
	}
}

func TestCancelRunningSetsFlag(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	enqueue(t, q, "openalex", "q", 0)
	claimed, _ := q.ClaimNext(context.Background())

	if q.CancelRequested(claimed.ID) {
		t.Error("Expected no cancel flag before Cancel")
	}
	if err := q.Cancel(claimed.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !q.CancelRequested(claimed.ID) {
		t.Error("Expected cancel flag after Cancel on RUNNING task")
	}

	if err := q.FinishCancelled(claimed.ID, 2, 50); err != nil {
		t.Fatalf("FinishCancelled failed: %v", err)
	}
	got, _ := q.Status(claimed.ID)
	if got.Status != StatusCancelled || got.PagesFetched != 2 {
		t.Errorf("Expected CANCELLED with partial counts, got %+v", got)
	}
	if err := q.Cancel(claimed.ID); err == nil {
		t.Error("Expected error cancelling a terminal task")
	}
}

func TestRequeueDemotesPriority(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	task := enqueue(t, q, "openalex", "flaky", 1)
	claimed, _ := q.ClaimNext(context.Background())
	if err := q.Requeue(claimed.ID, 10); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	got, _ := q.Status(task.ID)
	if got.Status != StatusPending {
		t.Errorf("Expected PENDING after requeue, got %s", got.Status)
	}
	if got.Priority != 11 {
		t.Errorf("Expected priority demoted to 11, got %d", got.Priority)
	}

	again, err := q.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if again.Attempts != 2 {
		t.Errorf("Expected second attempt, got %d", again.Attempts)
	}
}

func TestTasksByStatus(t *testing.T) {
	q, _ := Open("")
	defer q.Close()

	enqueue(t, q, "openalex", "a", 0)
	enqueue(t, q, "crossref", "b", 1)
	claimed, _ := q.ClaimNext(context.Background())
	q.Complete(claimed.ID, 1, 5, false)

	if n := len(q.TasksByStatus(StatusPending)); n != 1 {
		t.Errorf("Expected 1 pending, got %d", n)
	}
	if n := len(q.TasksByStatus(StatusCompleted)); n != 1 {
		t.Errorf("Expected 1 completed, got %d", n)
	}
	if n := q.PendingCount(); n != 1 {
		t.Errorf("Expected pending count 1, got %d", n)
	}
	if n := len(q.Tasks()); n != 2 {
		t.Errorf("Expected 2 tasks total, got %d", n)
	}
}

func TestJournalRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.journal")

	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	pending := enqueue(t, q, "openalex", "still pending", 5)
	running := enqueue(t, q, "crossref", "was running", 1)
	finished := enqueue(t, q, "arxiv", "finished", 2)

	claimed, _ := q.ClaimNext(context.Background()) // priority 1: "was running"
	if claimed.ID != running.ID {
		t.Fatalf("Expected to claim the priority 1 task, got %q", claimed.Query)
	}
	second, _ := q.ClaimNext(context.Background())
	if second.ID != finished.ID {
		t.Fatalf("Expected to claim the priority 2 task, got %q", second.Query)
	}
	if err := q.Complete(second.ID, 3, 75, false); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	q.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Status(running.ID)
	if err != nil {
		t.Fatalf("Status after replay failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected RUNNING task reset to PENDING, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Expected attempt count preserved, got %d", got.Attempts)
	}

	done, _ := reopened.Status(finished.ID)
	if done.Status != StatusCompleted || done.PapersFetched != 75 {
		t.Errorf("Expected terminal task preserved, got %+v", done)
	}

	still, _ := reopened.Status(pending.ID)
	if still.Status != StatusPending {
		t.Errorf("Expected pending task preserved, got %s", still.Status)
	}

	// Both non-terminal tasks must be claimable, highest priority first.
	first, err := reopened.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext after replay failed: %v", err)
	}
	if first.ID != running.ID {
		t.Errorf("Expected recovered task (priority 1) first, got %q", first.Query)
	}
}

func TestJournalToleratesTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.journal")

	q, _ := Open(path)
	whole := enqueue(t, q, "openalex", "whole", 0)
	q.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening journal for append: %v", err)
	}
	f.WriteString(`{"id":"torn","status":"PEND`)
	f.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open with torn journal failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Status(whole.ID); err != nil {
		t.Errorf("Expected intact task to survive torn line: %v", err)
	}
	if _, err := reopened.Status("torn"); err == nil {
		t.Error("Expected torn line skipped")
	}
}

func TestCloseWakesClaimers(t *testing.T) {
	q, _ := Open("")

	errs := make(chan error, 1)
	go func() {
		_, err := q.ClaimNext(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Error("Expected error from ClaimNext after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ClaimNext did not return after Close")
	}
}
