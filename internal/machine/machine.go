// Package machine holds the pure task lifecycle state machine. It has
// no I/O: given a current state and an event it either returns the next
// state or rejects the transition. Persistence and dispatch belong to
// the lifecycle coordinator.
package machine

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Phase disambiguates the two running states. It records the furthest
// phase the task has entered, so awaiting_approval keeps phase
// "research" and completed keeps phase "writing".
type Phase string

const (
	PhaseNone     Phase = ""
	PhaseResearch Phase = "research"
	PhaseWriting  Phase = "writing"
)

type Event string

const (
	EventStartResearch Event = "start_research"
	EventResearchDone  Event = "research_done"
	EventApprove       Event = "approve"
	EventWritingDone   Event = "writing_done"
	EventPhaseFailed   Event = "phase_failed"
)

// State is the tagged lifecycle state. The (status, phase) pair is what
// gets persisted; a bare status string would make a stale research
// signal indistinguishable from a writing one.
type State struct {
	Status Status
	Phase  Phase
}

// Initial is the state of a freshly created task.
func Initial() State {
	return State{Status: StatusPending, Phase: PhaseNone}
}

var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError carries the state and event of a rejected
// transition. It wraps ErrInvalidTransition for errors.Is checks.
type InvalidTransitionError struct {
	State State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q from state %s", e.Event, e.State)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

func (s State) String() string {
	if s.Phase == PhaseNone {
		return string(s.Status)
	}
	return fmt.Sprintf("%s(%s)", s.Status, s.Phase)
}

type edge struct {
	from State
	to   State
}

// transitions is the full table. phase_failed is reachable from either
// running phase so the machine is total: every running state has a
// defined outcome for both success and exhausted-retry failure.
var transitions = map[Event][]edge{
	EventStartResearch: {
		{from: State{StatusPending, PhaseNone}, to: State{StatusRunning, PhaseResearch}},
	},
	EventResearchDone: {
		{from: State{StatusRunning, PhaseResearch}, to: State{StatusAwaitingApproval, PhaseResearch}},
	},
	EventApprove: {
		{from: State{StatusAwaitingApproval, PhaseResearch}, to: State{StatusRunning, PhaseWriting}},
	},
	EventWritingDone: {
		{from: State{StatusRunning, PhaseWriting}, to: State{StatusCompleted, PhaseWriting}},
	},
	EventPhaseFailed: {
		{from: State{StatusRunning, PhaseResearch}, to: State{StatusFailed, PhaseResearch}},
		{from: State{StatusRunning, PhaseWriting}, to: State{StatusFailed, PhaseWriting}},
	},
}

// Next returns the state reached by applying event to s, or an
// *InvalidTransitionError if the event is not valid from s. It is a
// total function over (state, event) and has no side effects.
func Next(s State, e Event) (State, error) {
	for _, edge := range transitions[e] {
		if edge.from == s {
			return edge.to, nil
		}
	}
	return State{}, &InvalidTransitionError{State: s, Event: e}
}

// rank orders states along the lifecycle so redelivered events can be
// recognized: an event whose outcome lies at or behind the current rank
// has already been applied (or overtaken) by an earlier delivery.
func rank(s State) int {
	switch {
	case s.Status == StatusPending:
		return 0
	case s.Status == StatusRunning && s.Phase == PhaseResearch:
		return 1
	case s.Status == StatusAwaitingApproval:
		return 2
	case s.Status == StatusRunning && s.Phase == PhaseWriting:
		return 3
	default: // completed, failed
		return 4
	}
}

// Superseded reports whether a rejected event is explainable as
// at-least-once redelivery: its target state lies at or behind the
// task's current position. The coordinator treats such events as
// successful no-ops; all other rejections surface as errors.
func Superseded(s State, e Event) bool {
	if e == EventPhaseFailed {
		// A failure report arriving after the task already reached a
		// terminal state is a stale retry racing with the outcome.
		return Terminal(s)
	}
	edges := transitions[e]
	if len(edges) == 0 {
		return false
	}
	return rank(s) >= rank(edges[0].to)
}

// Terminal reports whether no transition leads out of s.
func Terminal(s State) bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// NeedsDispatch reports whether s requires automated work, i.e. a phase
// signal must be enqueued once the transition into s has committed.
func NeedsDispatch(s State) bool {
	return s.Status == StatusRunning
}
