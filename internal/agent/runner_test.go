package agent

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/ldi/foreman/embed/prompts"
	"github.com/ldi/foreman/internal/scheduler"
	"github.com/ldi/foreman/pkg/models"
)

func testFeature() *models.Feature {
	return &models.Feature{
		ID:            "feat-1",
		Name:          "user-auth",
		Description:   "Add login flow",
		Specification: "Sessions expire after 24h",
		BranchName:    "main",
	}
}

func awaitEvent(t *testing.T, events <-chan scheduler.Event) scheduler.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return scheduler.Event{}
	}
}

func TestStartFeatureEmitsStartThenComplete(t *testing.T) {
	r := NewRunner("mock-model")
	r.cmdFactory = func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "true")
	}

	accepted, err := r.StartFeature(context.Background(), testFeature(), t.TempDir())
	if err != nil {
		t.Fatalf("StartFeature failed: %v", err)
	}
	if !accepted {
		t.Fatal("expected start request accepted")
	}

	ev := awaitEvent(t, r.Events())
	if ev.Type != scheduler.EventStart || ev.FeatureID != "feat-1" {
		t.Fatalf("expected start event for feat-1, got %+v", ev)
	}

	ev = awaitEvent(t, r.Events())
	if ev.Type != scheduler.EventComplete || ev.FeatureID != "feat-1" {
		t.Fatalf("expected complete event for feat-1, got %+v", ev)
	}
}

func TestStartFeatureEmitsErrorOnNonZeroExit(t *testing.T) {
	r := NewRunner("mock-model")
	r.cmdFactory = func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	}

	accepted, err := r.StartFeature(context.Background(), testFeature(), t.TempDir())
	if err != nil || !accepted {
		t.Fatalf("StartFeature failed: accepted=%v err=%v", accepted, err)
	}

	ev := awaitEvent(t, r.Events())
	if ev.Type != scheduler.EventStart {
		t.Fatalf("expected start event first, got %+v", ev)
	}

	ev = awaitEvent(t, r.Events())
	if ev.Type != scheduler.EventError {
		t.Fatalf("expected error event, got %+v", ev)
	}
	if ev.Detail == "" {
		t.Error("error event should carry the exit detail")
	}
}

func TestStartFeatureLaunchFailure(t *testing.T) {
	r := NewRunner("mock-model")
	r.cmdFactory = func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "/nonexistent-binary-foreman-test")
	}

	accepted, err := r.StartFeature(context.Background(), testFeature(), t.TempDir())
	if err == nil {
		t.Fatal("expected launch error")
	}
	if accepted {
		t.Error("failed launch must not be reported as accepted")
	}

	// No events for a session that never started.
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConstructPrompt(t *testing.T) {
	r := NewRunner("mock-model")
	prompt := r.constructPrompt(testFeature())

	if !strings.HasPrefix(prompt, prompts.Header) {
		t.Error("prompt does not start with Header")
	}
	if !strings.HasSuffix(prompt, prompts.Footer) {
		t.Error("prompt does not end with Footer")
	}
	if !strings.Contains(prompt, "# Feature: user-auth") {
		t.Error("prompt missing feature name")
	}
	if !strings.Contains(prompt, "Work on branch `main` only.") {
		t.Error("prompt missing branch instruction")
	}
	if !strings.Contains(prompt, "## Description\nAdd login flow") {
		t.Error("prompt missing description")
	}
	if !strings.Contains(prompt, "## Specification\nSessions expire after 24h") {
		t.Error("prompt missing specification")
	}
}

func TestConstructPromptWithoutBranch(t *testing.T) {
	r := NewRunner("mock-model")
	f := testFeature()
	f.BranchName = ""

	if strings.Contains(r.constructPrompt(f), "Work on branch") {
		t.Error("prompt must omit branch instruction for unassigned features")
	}
}

func TestStopWaitsForSessions(t *testing.T) {
	r := NewRunner("mock-model")
	r.cmdFactory = func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", "10")
	}

	if _, err := r.StartFeature(context.Background(), testFeature(), t.TempDir()); err != nil {
		t.Fatalf("StartFeature failed: %v", err)
	}
	awaitEvent(t, r.Events()) // start

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after killing sessions")
	}
}
