// Package worktree discovers git worktrees and tracks which one agent
// sessions run against.
package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/ldi/foreman/pkg/models"
)

// Provider lists the repository's worktrees and remembers the selected one.
// Discovery shells out to git; selection is in-memory and survives only for
// the process lifetime.
type Provider struct {
	repoDir    string
	cmdFactory func(ctx context.Context, name string, arg ...string) *exec.Cmd

	mu       sync.Mutex
	selected *models.WorktreeContext
}

func NewProvider(repoDir string) *Provider {
	return &Provider{
		repoDir:    repoDir,
		cmdFactory: exec.CommandContext,
	}
}

// List returns every worktree of the repository, the primary first. The
// primary worktree is the one git reports first in porcelain output.
func (p *Provider) List(ctx context.Context) ([]*models.WorktreeContext, error) {
	out, err := p.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	contexts := parseWorktreeList(out)
	for _, wc := range contexts {
		dirty, err := p.hasUncommittedChanges(ctx, wc.Path)
		if err != nil {
			// A worktree whose status cannot be read is reported clean
			// rather than failing the whole listing.
			continue
		}
		wc.HasUncommittedChanges = dirty
	}
	return contexts, nil
}

// Selected returns the context agent sessions should run against. Before any
// explicit selection this is the primary worktree.
func (p *Provider) Selected(ctx context.Context) (*models.WorktreeContext, error) {
	p.mu.Lock()
	if p.selected != nil {
		sel := *p.selected
		p.mu.Unlock()
		return &sel, nil
	}
	p.mu.Unlock()

	contexts, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(contexts) == 0 {
		return nil, fmt.Errorf("no worktrees found in %s", p.repoDir)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = contexts[0]
	sel := *p.selected
	return &sel, nil
}

// Select switches the active context to the worktree at path.
func (p *Provider) Select(ctx context.Context, path string) error {
	contexts, err := p.List(ctx)
	if err != nil {
		return err
	}

	for _, wc := range contexts {
		if wc.Path == path {
			p.mu.Lock()
			p.selected = wc
			p.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("no worktree at %s", path)
}

// PrimaryBranch returns the branch checked out in the primary worktree.
func (p *Provider) PrimaryBranch(ctx context.Context) (string, error) {
	contexts, err := p.List(ctx)
	if err != nil {
		return "", err
	}
	for _, wc := range contexts {
		if wc.IsPrimary {
			return wc.Branch, nil
		}
	}
	return "", fmt.Errorf("no primary worktree found")
}

func (p *Provider) hasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	cmd := p.cmdFactory(ctx, "git", "-C", dir, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

func (p *Provider) git(ctx context.Context, arg ...string) (string, error) {
	args := append([]string{"-C", p.repoDir}, arg...)
	cmd := p.cmdFactory(ctx, "git", args...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseWorktreeList decodes `git worktree list --porcelain` output. Entries
// are blank-line separated; each starts with a worktree line followed by
// attribute lines (HEAD, branch, bare, detached).
func parseWorktreeList(out string) []*models.WorktreeContext {
	var contexts []*models.WorktreeContext
	var current *models.WorktreeContext

	flush := func() {
		if current != nil {
			contexts = append(contexts, current)
			current = nil
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &models.WorktreeContext{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			if current != nil {
				ref := strings.TrimPrefix(line, "branch ")
				current.Branch = strings.TrimPrefix(ref, "refs/heads/")
			}
		}
		// HEAD, bare, and detached lines carry nothing we track; a detached
		// worktree simply keeps an empty branch.
	}
	flush()

	if len(contexts) > 0 {
		contexts[0].IsPrimary = true
	}
	return contexts
}
