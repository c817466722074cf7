// Package agent defines the opaque phase functions run by the executor.
// The coordinator and executor depend only on the PhaseFunc interface;
// these built-in variants produce deterministic text so the lifecycle
// can be exercised end to end without an external model behind them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Input carries everything a phase needs. ResearchSummary is only set
// for the writing phase and comes from the task's audit log, not from
// the dispatched signal.
type Input struct {
	TaskID          string
	Prompt          string
	ResearchSummary string
}

// PhaseFunc is one bounded unit of automated work: text in, text out.
type PhaseFunc interface {
	Run(ctx context.Context, in Input) (string, error)
}

// Prompt markers that force a phase failure. Deterministic failure
// triggers keep retry and failure paths testable without flaky fakes.
const (
	FailResearchMarker = "research-fail"
	FailWritingMarker  = "writing-fail"
)

var ErrEmptyInput = errors.New("phase input empty")

// Research gathers notes for a prompt.
type Research struct{}

func (Research) Run(ctx context.Context, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if in.Prompt == "" {
		return "", fmt.Errorf("research: %w", ErrEmptyInput)
	}
	if strings.Contains(in.Prompt, FailResearchMarker) {
		return "", errors.New("research: source unavailable")
	}
	return fmt.Sprintf("Research notes for: %s\n- key features\n- architecture\n- use cases\n", in.Prompt), nil
}

// Writing turns research notes into a final draft.
type Writing struct{}

func (Writing) Run(ctx context.Context, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if in.ResearchSummary == "" {
		return "", fmt.Errorf("writing: research summary missing: %w", ErrEmptyInput)
	}
	if strings.Contains(in.Prompt, FailWritingMarker) {
		return "", errors.New("writing: draft generation failed")
	}
	return fmt.Sprintf("Final report\n\nTopic: %s\n\nFindings:\n%s\nConclusion: see findings above.\n", in.Prompt, in.ResearchSummary), nil
}
