// Package executor consumes dispatched phase signals, runs the matching
// opaque phase function with bounded retries, and feeds the outcome back
// into the lifecycle coordinator. It never writes task state directly.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/throw-if-null/quill/internal/agent"
	"github.com/throw-if-null/quill/internal/api"
	"github.com/throw-if-null/quill/internal/broker"
	"github.com/throw-if-null/quill/internal/lifecycle"
	"github.com/throw-if-null/quill/internal/machine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy bounds phase-function retries. The policy belongs to the
// executor, not the state machine: the machine only ever sees the final
// success or failure event.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 30 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

type Executor struct {
	coord    *lifecycle.Coordinator
	broker   broker.Broker
	research agent.PhaseFunc
	writing  agent.PhaseFunc
	policy   RetryPolicy
	log      *slog.Logger
	tracer   trace.Tracer
}

func New(coord *lifecycle.Coordinator, b broker.Broker, research, writing agent.PhaseFunc, policy RetryPolicy, log *slog.Logger) *Executor {
	return &Executor{
		coord:    coord,
		broker:   b,
		research: research,
		writing:  writing,
		policy:   policy,
		log:      log,
		tracer:   otel.Tracer("quill/executor"),
	}
}

// Start runs the consume loop in a background goroutine and returns a
// cancel func that stops it.
func (e *Executor) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			sig, err := e.broker.Dequeue(ctx)
			if err != nil {
				return
			}
			e.handle(ctx, sig)
		}
	}()
	return cancel
}

// handle processes one signal. The persisted task state, not the signal
// payload, decides what runs: signals whose phase does not match the
// current running state are stale redeliveries and are dropped.
func (e *Executor) handle(ctx context.Context, sig api.Signal) {
	ctx, span := e.tracer.Start(ctx, "executor.phase", trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("task.id", sig.TaskID),
			attribute.String("task.phase", sig.Phase),
		))
	defer span.End()

	view, err := e.coord.GetState(ctx, sig.TaskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Error("signal references unknown task", "task_id", sig.TaskID, "error", err.Error())
		return
	}
	if view.Status != string(machine.StatusRunning) || view.Phase != sig.Phase {
		span.AddEvent("phase.stale_signal")
		e.log.Debug("stale signal dropped", "task_id", sig.TaskID, "signal_phase", sig.Phase,
			"status", view.Status, "phase", view.Phase)
		return
	}

	in := agent.Input{TaskID: view.TaskID, Prompt: view.Prompt}
	var fn agent.PhaseFunc
	switch machine.Phase(sig.Phase) {
	case machine.PhaseResearch:
		fn = e.research
	case machine.PhaseWriting:
		fn = e.writing
		in.ResearchSummary = researchSummary(view)
	default:
		span.AddEvent("phase.unknown")
		e.log.Error("signal carries unknown phase", "task_id", sig.TaskID, "phase", sig.Phase)
		return
	}

	span.AddEvent("phase.started")
	var out string
	op := func() error {
		text, err := fn.Run(ctx, in)
		if err != nil {
			e.log.Warn("phase attempt failed", "task_id", sig.TaskID, "phase", sig.Phase, "error", err.Error())
			return err
		}
		out = text
		return nil
	}
	if err := backoff.Retry(op, e.policy.backOff(ctx)); err != nil {
		if ctx.Err() != nil {
			// shutdown mid-phase; the task stays running and the
			// reconciliation sweep re-dispatches it later
			span.AddEvent("phase.interrupted")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.AddEvent("phase.failed")
		note := fmt.Sprintf("%s phase failed after %d retries: %v", sig.Phase, e.policy.MaxRetries, err)
		if _, rerr := e.coord.ReportPhaseFailure(ctx, sig.TaskID, machine.Phase(sig.Phase), note); rerr != nil {
			e.log.Error("failed to record phase failure", "task_id", sig.TaskID, "error", rerr.Error())
		}
		return
	}

	span.AddEvent("phase.completed")
	switch machine.Phase(sig.Phase) {
	case machine.PhaseResearch:
		_, err = e.coord.ReportResearchResult(ctx, sig.TaskID, out)
	case machine.PhaseWriting:
		_, err = e.coord.ReportWritingResult(ctx, sig.TaskID, out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Error("failed to report phase result", "task_id", sig.TaskID, "phase", sig.Phase, "error", err.Error())
	}
}

// researchSummary pulls the recorded research output from the audit
// log. The log, not worker memory, is authoritative: the writing phase
// may run on a different instance than the research phase did.
func researchSummary(view *api.TaskView) string {
	for i := len(view.AuditLog) - 1; i >= 0; i-- {
		if view.AuditLog[i].Actor == lifecycle.ActorResearchAgent {
			return view.AuditLog[i].Note
		}
	}
	return ""
}
