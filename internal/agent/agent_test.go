package agent

import (
	"context"
	"strings"
	"testing"
)

func TestResearchProducesNotes(t *testing.T) {
	out, err := Research{}.Run(context.Background(), Input{TaskID: "t1", Prompt: "compare A and B"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "compare A and B") {
		t.Fatalf("notes should reference the prompt: %q", out)
	}
}

func TestResearchFailureMarker(t *testing.T) {
	if _, err := (Research{}).Run(context.Background(), Input{Prompt: "please research-fail"}); err == nil {
		t.Fatalf("expected failure for marker prompt")
	}
}

func TestWritingRequiresResearchSummary(t *testing.T) {
	if _, err := (Writing{}).Run(context.Background(), Input{Prompt: "p"}); err == nil {
		t.Fatalf("expected failure without a research summary")
	}
	out, err := Writing{}.Run(context.Background(), Input{Prompt: "p", ResearchSummary: "found 3 differences"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "found 3 differences") {
		t.Fatalf("draft should include the research summary: %q", out)
	}
}

func TestPhasesHonorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Research{}).Run(ctx, Input{Prompt: "p"}); err == nil {
		t.Fatalf("expected context error")
	}
	if _, err := (Writing{}).Run(ctx, Input{Prompt: "p", ResearchSummary: "s"}); err == nil {
		t.Fatalf("expected context error")
	}
}
