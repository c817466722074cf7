package lifecycle_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/throw-if-null/quill/internal/api"
	"github.com/throw-if-null/quill/internal/broker"
	"github.com/throw-if-null/quill/internal/lifecycle"
	"github.com/throw-if-null/quill/internal/logging"
	"github.com/throw-if-null/quill/internal/machine"
	"github.com/throw-if-null/quill/internal/store"
	_ "modernc.org/sqlite"
)

func setupCoordinator(t *testing.T) (*lifecycle.Coordinator, *broker.Memory, *store.Store) {
	t.Helper()
	td, err := os.MkdirTemp("", "quill-test-")
	if err != nil {
		t.Fatalf("tmpdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(td) })

	db, err := sql.Open("sqlite", filepath.Join(td, "quill.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000`)

	s := store.New(db)
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	b := broker.NewMemory(16)
	return lifecycle.New(s, b, logging.Discard()), b, s
}

func drain(t *testing.T, b *broker.Memory) []api.Signal {
	t.Helper()
	var out []api.Signal
	for b.Len() > 0 {
		ctx := context.Background()
		sig, err := b.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		out = append(out, sig)
	}
	return out
}

func TestEndToEndLifecycle(t *testing.T) {
	c, b, _ := setupCoordinator(t)
	ctx := context.Background()

	view, err := c.CreateTask(ctx, "Compare A and B")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.Status != "pending" {
		t.Fatalf("expected pending, got %s", view.Status)
	}
	if b.Len() != 0 {
		t.Fatalf("create must not dispatch")
	}
	id := view.TaskID

	view, err = c.Submit(ctx, id)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if view.Status != "running" || view.Phase != "research" {
		t.Fatalf("expected running/research, got %s/%s", view.Status, view.Phase)
	}
	sigs := drain(t, b)
	if len(sigs) != 1 || sigs[0] != (api.Signal{TaskID: id, Phase: "research"}) {
		t.Fatalf("expected one research signal, got %+v", sigs)
	}

	view, err = c.ReportResearchResult(ctx, id, "found 3 differences")
	if err != nil {
		t.Fatalf("report research: %v", err)
	}
	if view.Status != "awaiting_approval" {
		t.Fatalf("expected awaiting_approval, got %s", view.Status)
	}
	if len(view.AuditLog) != 2 {
		t.Fatalf("expected audit log length 2, got %d", len(view.AuditLog))
	}
	if b.Len() != 0 {
		t.Fatalf("awaiting_approval must not dispatch")
	}

	view, err = c.Approve(ctx, id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if view.Status != "running" || view.Phase != "writing" {
		t.Fatalf("expected running/writing, got %s/%s", view.Status, view.Phase)
	}
	sigs = drain(t, b)
	if len(sigs) != 1 || sigs[0] != (api.Signal{TaskID: id, Phase: "writing"}) {
		t.Fatalf("expected one writing signal, got %+v", sigs)
	}

	view, err = c.ReportWritingResult(ctx, id, "final report text")
	if err != nil {
		t.Fatalf("report writing: %v", err)
	}
	if view.Status != "completed" {
		t.Fatalf("expected completed, got %s", view.Status)
	}
	if view.Result == nil || *view.Result != "final report text" {
		t.Fatalf("result not recorded: %v", view.Result)
	}
	if len(view.AuditLog) != 4 {
		t.Fatalf("expected audit log length 4, got %d", len(view.AuditLog))
	}
	if b.Len() != 0 {
		t.Fatalf("terminal state must not dispatch")
	}

	// state always equals the to_state of the last audit entry
	last := view.AuditLog[len(view.AuditLog)-1]
	if view.Status != last.ToStatus || view.Phase != last.ToPhase {
		t.Fatalf("state diverges from audit log: %s/%s vs %s/%s", view.Status, view.Phase, last.ToStatus, last.ToPhase)
	}
}

func TestReportResearchResultIsIdempotent(t *testing.T) {
	c, b, _ := setupCoordinator(t)
	ctx := context.Background()

	view, err := c.CreateTask(ctx, "p")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := view.TaskID
	if _, err := c.Submit(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, b)

	if _, err := c.ReportResearchResult(ctx, id, "summary"); err != nil {
		t.Fatalf("first report: %v", err)
	}
	// simulated redelivery: must succeed without a second audit entry
	view, err = c.ReportResearchResult(ctx, id, "summary")
	if err != nil {
		t.Fatalf("redelivered report must succeed, got %v", err)
	}
	if len(view.AuditLog) != 2 {
		t.Fatalf("redelivery appended an entry: log length %d", len(view.AuditLog))
	}
	if view.Status != "awaiting_approval" {
		t.Fatalf("state changed on redelivery: %s", view.Status)
	}
}

func TestApproveOnPendingIsRejected(t *testing.T) {
	c, b, _ := setupCoordinator(t)
	ctx := context.Background()

	view, err := c.CreateTask(ctx, "p")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := view.TaskID

	_, err = c.Approve(ctx, id)
	if !errors.Is(err, machine.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}

	view, err = c.GetState(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != "pending" || len(view.AuditLog) != 0 {
		t.Fatalf("rejected event must not mutate: %s, log %d", view.Status, len(view.AuditLog))
	}
	if b.Len() != 0 {
		t.Fatalf("rejected event must not dispatch")
	}
}

func TestConcurrentSubmitDispatchesExactlyOnce(t *testing.T) {
	c, b, _ := setupCoordinator(t)
	ctx := context.Background()

	view, err := c.CreateTask(ctx, "p")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := view.TaskID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Submit(ctx, id)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, machine.ErrInvalidTransition) {
			t.Fatalf("submit %d: unexpected error %v", i, err)
		}
	}

	sigs := drain(t, b)
	if len(sigs) != 1 {
		t.Fatalf("expected exactly one research dispatch, got %d", len(sigs))
	}
	view, err = c.GetState(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != "running" || len(view.AuditLog) != 1 {
		t.Fatalf("expected single committed transition, got %s with log %d", view.Status, len(view.AuditLog))
	}
}

func TestPhaseFailureIsTerminal(t *testing.T) {
	c, b, _ := setupCoordinator(t)
	ctx := context.Background()

	view, err := c.CreateTask(ctx, "p")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := view.TaskID
	if _, err := c.Submit(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, b)

	view, err = c.ReportPhaseFailure(ctx, id, machine.PhaseResearch, "retries exhausted: boom")
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if view.Status != "failed" {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Result != nil {
		t.Fatalf("failed task must have no result")
	}
	last := view.AuditLog[len(view.AuditLog)-1]
	if last.Actor != lifecycle.ActorSystem || last.Note != "retries exhausted: boom" {
		t.Fatalf("failure audit entry wrong: %+v", last)
	}
	if b.Len() != 0 {
		t.Fatalf("failed state must not dispatch")
	}
}

func TestStalePhaseFailureIsIgnored(t *testing.T) {
	c, b, _ := setupCoordinator(t)
	ctx := context.Background()

	view, err := c.CreateTask(ctx, "p")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := view.TaskID
	if _, err := c.Submit(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.ReportResearchResult(ctx, id, "ok"); err != nil {
		t.Fatalf("report research: %v", err)
	}
	drain(t, b)

	// a retried failure report for the research phase arrives after the
	// phase already succeeded: no-op, not an error
	view, err = c.ReportPhaseFailure(ctx, id, machine.PhaseResearch, "stale")
	if err != nil {
		t.Fatalf("stale failure must be a no-op, got %v", err)
	}
	if view.Status != "awaiting_approval" || len(view.AuditLog) != 2 {
		t.Fatalf("stale failure mutated the task: %s, log %d", view.Status, len(view.AuditLog))
	}

	// a failure report for a task that was never dispatched is invalid
	view2, err := c.CreateTask(ctx, "p2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.ReportPhaseFailure(ctx, view2.TaskID, machine.PhaseResearch, "boom"); !errors.Is(err, machine.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

type failingBroker struct{}

func (failingBroker) Enqueue(api.Signal) error { return errors.New("broker down") }
func (failingBroker) Dequeue(ctx context.Context) (api.Signal, error) {
	<-ctx.Done()
	return api.Signal{}, ctx.Err()
}

func TestDispatchFailureDoesNotFailTheCommit(t *testing.T) {
	_, _, s := setupCoordinator(t)
	c := lifecycle.New(s, failingBroker{}, logging.Discard())
	ctx := context.Background()

	view, err := c.CreateTask(ctx, "p")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	view, err = c.Submit(ctx, view.TaskID)
	if err != nil {
		t.Fatalf("submit must succeed despite dispatch failure, got %v", err)
	}
	if view.Status != "running" || view.Phase != "research" {
		t.Fatalf("transition must be durable: %s/%s", view.Status, view.Phase)
	}
}

func TestNotFoundSurfacesWithoutDispatch(t *testing.T) {
	c, b, _ := setupCoordinator(t)
	ctx := context.Background()

	if _, err := c.Submit(ctx, "no-such-task"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if b.Len() != 0 {
		t.Fatalf("failed commit must never dispatch")
	}
}

func TestCreateTaskRequiresPrompt(t *testing.T) {
	c, _, _ := setupCoordinator(t)
	if _, err := c.CreateTask(context.Background(), "   "); !errors.Is(err, lifecycle.ErrEmptyPrompt) {
		t.Fatalf("got %v, want ErrEmptyPrompt", err)
	}
}
