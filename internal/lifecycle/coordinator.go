// Package lifecycle implements the task lifecycle coordinator: it
// validates events against the state machine, commits accepted
// transitions together with their audit entries, and dispatches phase
// signals strictly after the commit succeeds. It is the only writer of
// task state, result and audit log.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/throw-if-null/quill/internal/api"
	"github.com/throw-if-null/quill/internal/broker"
	"github.com/throw-if-null/quill/internal/machine"
	"github.com/throw-if-null/quill/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Actors recorded in audit entries.
const (
	ActorSystem        = "system"
	ActorResearchAgent = "research-agent"
	ActorWritingAgent  = "writing-agent"
	ActorHumanApprover = "human-approver"
)

var ErrEmptyPrompt = errors.New("prompt required")

// conflictRetries bounds the optimistic-concurrency retry loop around
// store conflicts before the error surfaces to the caller.
const conflictRetries = 3

type Coordinator struct {
	store  *store.Store
	broker broker.Broker
	log    *slog.Logger
	tracer trace.Tracer
}

// New wires a coordinator to its store and broker. There are no
// process-wide singletons: every handle is injected here.
func New(st *store.Store, b broker.Broker, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		broker: b,
		log:    log,
		tracer: otel.Tracer("quill/lifecycle"),
	}
}

// CreateTask allocates an id and persists the initial pending record.
// No signal is dispatched: pending requires an explicit Submit.
func (c *Coordinator) CreateTask(ctx context.Context, prompt string) (*api.TaskView, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	id := uuid.NewString()

	_, span := c.tracer.Start(ctx, "lifecycle.create_task",
		trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	view, err := c.store.CreateTask(id, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.AddEvent("task.created")
	c.log.Info("task created", "task_id", id, "status", view.Status)
	return view, nil
}

// Submit fires start_research. On commit a research signal is enqueued;
// if the commit fails no signal is ever sent.
func (c *Coordinator) Submit(ctx context.Context, taskID string) (*api.TaskView, error) {
	return c.applyEvent(ctx, taskID, machine.EventStartResearch, ActorSystem, "research phase dispatched", nil)
}

// ReportResearchResult is called by the phase executor once the
// research phase has produced a summary. AWAITING_APPROVAL is a dead
// end until a human acts, so nothing is dispatched.
func (c *Coordinator) ReportResearchResult(ctx context.Context, taskID, summary string) (*api.TaskView, error) {
	return c.applyEvent(ctx, taskID, machine.EventResearchDone, ActorResearchAgent, summary, nil)
}

// Approve is fired by the human-facing trigger. On commit a writing
// signal is enqueued the same way Submit dispatches research.
func (c *Coordinator) Approve(ctx context.Context, taskID string) (*api.TaskView, error) {
	return c.applyEvent(ctx, taskID, machine.EventApprove, ActorHumanApprover, "approved for writing", nil)
}

// ReportWritingResult fires writing_done and records the final text.
// Terminal: no dispatch.
func (c *Coordinator) ReportWritingResult(ctx context.Context, taskID, finalText string) (*api.TaskView, error) {
	return c.applyEvent(ctx, taskID, machine.EventWritingDone, ActorWritingAgent, "final draft recorded", &finalText)
}

// ReportPhaseFailure is called by the executor after its retry budget
// is exhausted. Failure reports only make sense against the running
// phase they were issued for; anything else means the task has already
// moved on and the report is a stale retry.
func (c *Coordinator) ReportPhaseFailure(ctx context.Context, taskID string, phase machine.Phase, errNote string) (*api.TaskView, error) {
	fn := func(cur machine.State) (*store.Mutation, error) {
		if cur.Status == machine.StatusPending {
			return nil, &machine.InvalidTransitionError{State: cur, Event: machine.EventPhaseFailed}
		}
		if cur.Status != machine.StatusRunning || cur.Phase != phase {
			return nil, nil
		}
		next, err := machine.Next(cur, machine.EventPhaseFailed)
		if err != nil {
			return nil, err
		}
		return &store.Mutation{Next: next, Actor: ActorSystem, Note: errNote}, nil
	}
	return c.apply(ctx, taskID, machine.EventPhaseFailed, fn)
}

// GetState returns a read-only snapshot for polling clients.
func (c *Coordinator) GetState(ctx context.Context, taskID string) (*api.TaskView, error) {
	return c.store.GetTask(taskID)
}

// ListTasks returns recent task snapshots, newest first.
func (c *Coordinator) ListTasks(ctx context.Context, limit int) ([]*api.TaskView, error) {
	return c.store.ListTasks(limit)
}

// applyEvent runs the standard validate/commit path for an event. A
// rejection that the machine classifies as redelivery commits nothing
// and returns success, which keeps every mutating operation safe under
// at-least-once delivery.
func (c *Coordinator) applyEvent(ctx context.Context, taskID string, event machine.Event, actor, note string, result *string) (*api.TaskView, error) {
	fn := func(cur machine.State) (*store.Mutation, error) {
		next, err := machine.Next(cur, event)
		if err != nil {
			if machine.Superseded(cur, event) {
				return nil, nil
			}
			return nil, err
		}
		m := &store.Mutation{Next: next, Actor: actor, Note: note}
		if next.Status == machine.StatusCompleted {
			m.Result = result
		}
		return m, nil
	}
	return c.apply(ctx, taskID, event, fn)
}

// apply commits one transition attempt, retrying bounded times when
// concurrent writers race on the same task, then dispatches any
// required phase signal strictly after the commit.
func (c *Coordinator) apply(ctx context.Context, taskID string, event machine.Event, fn func(machine.State) (*store.Mutation, error)) (*api.TaskView, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle."+string(event),
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	var view *api.TaskView
	var mutated bool
	var err error
	for i := 0; i < conflictRetries; i++ {
		view, mutated, err = c.store.ApplyTransition(taskID, fn)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if !mutated {
		// Redelivery no-op: success, no audit entry, no dispatch.
		span.AddEvent("task.redelivery_noop", trace.WithAttributes(attribute.String("task.event", string(event))))
		c.log.Debug("redelivered event ignored", "task_id", taskID, "event", string(event), "status", view.Status)
		return view, nil
	}

	entry := view.AuditLog[len(view.AuditLog)-1]
	span.AddEvent("task.transition", trace.WithAttributes(
		attribute.String("task.event", string(event)),
		attribute.String("task.actor", entry.Actor),
		attribute.String("task.from", entry.FromStatus),
		attribute.String("task.to", entry.ToStatus),
	))
	c.log.Info("transition committed",
		"task_id", taskID,
		"event", string(event),
		"actor", entry.Actor,
		"from_status", entry.FromStatus,
		"from_phase", entry.FromPhase,
		"to_status", entry.ToStatus,
		"to_phase", entry.ToPhase,
		"note", entry.Note,
	)

	c.dispatch(ctx, span, view)
	return view, nil
}

// dispatch enqueues a phase signal when the committed state requires
// automated work. The transition is already durable, so an enqueue
// failure does not fail the operation: it is logged and left for the
// reconciliation sweep to repair.
func (c *Coordinator) dispatch(ctx context.Context, span trace.Span, view *api.TaskView) {
	next := machine.State{Status: machine.Status(view.Status), Phase: machine.Phase(view.Phase)}
	if !machine.NeedsDispatch(next) {
		return
	}
	sig := api.Signal{TaskID: view.TaskID, Phase: view.Phase}
	if err := c.broker.Enqueue(sig); err != nil {
		span.AddEvent("task.dispatch_error")
		c.log.Error("dispatch_error: signal lost after commit, awaiting reconciliation",
			"task_id", view.TaskID, "phase", view.Phase, "error", err.Error())
		return
	}
	span.AddEvent("task.dispatched", trace.WithAttributes(attribute.String("task.phase", view.Phase)))
	c.log.Info("phase signal enqueued", "task_id", view.TaskID, "phase", view.Phase)
}
