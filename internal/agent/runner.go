// Package agent launches coding-agent sessions for features and reports
// their lifecycle back to the scheduler.
package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/ldi/foreman/embed/prompts"
	"github.com/ldi/foreman/internal/scheduler"
	"github.com/ldi/foreman/pkg/models"
)

// Runner executes one agent process per feature. StartFeature only launches
// the process; completion and failure surface later on the event stream.
type Runner struct {
	model      string
	cmdFactory func(ctx context.Context, name string, arg ...string) *exec.Cmd
	events     chan scheduler.Event
	output     io.Writer

	// Sessions deliberately outlive the scheduler's loop context; disabling
	// auto mode must not kill a live agent. Stop is the explicit kill switch.
	sessionCtx context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

func NewRunner(model string) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		model:      model,
		cmdFactory: exec.CommandContext,
		events:     make(chan scheduler.Event, 64),
		sessionCtx: ctx,
		stop:       cancel,
	}
}

// SetOutput directs agent stdout/stderr to w. By default output is discarded.
func (r *Runner) SetOutput(w io.Writer) { r.output = w }

// Events returns the lifecycle event stream consumed by the scheduler.
func (r *Runner) Events() <-chan scheduler.Event { return r.events }

// StartFeature launches an agent session for f in workDir. It reports true
// once the process has started; the run's outcome arrives on Events.
func (r *Runner) StartFeature(ctx context.Context, f *models.Feature, workDir string) (bool, error) {
	prompt := r.constructPrompt(f)

	cmd := r.cmdFactory(r.sessionCtx, "opencode", "run", "--model", r.model)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(prompt)
	if r.output != nil {
		cmd.Stdout = r.output
		cmd.Stderr = r.output
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("failed to launch agent for %s: %w", f.Name, err)
	}

	featureID := f.ID
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.emit(scheduler.Event{Type: scheduler.EventStart, FeatureID: featureID})

		if err := cmd.Wait(); err != nil {
			r.emit(scheduler.Event{
				Type:      scheduler.EventError,
				FeatureID: featureID,
				Detail:    err.Error(),
			})
			return
		}
		r.emit(scheduler.Event{Type: scheduler.EventComplete, FeatureID: featureID})
	}()

	return true, nil
}

// Stop kills all live sessions and waits for their exit events to be emitted.
func (r *Runner) Stop() {
	r.stop()
	r.wg.Wait()
}

func (r *Runner) emit(ev scheduler.Event) {
	select {
	case r.events <- ev:
	case <-r.sessionCtx.Done():
	}
}

func (r *Runner) constructPrompt(f *models.Feature) string {
	var sb strings.Builder
	sb.WriteString(prompts.Header)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("# Feature: %s\n\n", f.Name))
	if f.BranchName != "" {
		sb.WriteString(fmt.Sprintf("Work on branch `%s` only.\n\n", f.BranchName))
	}
	sb.WriteString(fmt.Sprintf("## Description\n%s\n\n", f.Description))
	sb.WriteString(fmt.Sprintf("## Specification\n%s\n\n", f.Specification))
	sb.WriteString(prompts.Footer)
	return sb.String()
}
