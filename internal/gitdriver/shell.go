package gitdriver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/wisbric/forgebay/internal/trace"
)

// ShellDriver implements Driver by shelling out to the system git binary
// with non-interactive flags only. It never prompts, never invokes a pager,
// and never force-removes a dirty worktree unless explicitly told to.
type ShellDriver struct {
	// RepoRoot is the main repository checkout every command runs against.
	RepoRoot string
	// RemoteName is the git remote pushes target, e.g. "origin".
	RemoteName string
}

// NewShellDriver builds a ShellDriver rooted at repoRoot pushing to remote.
func NewShellDriver(repoRoot, remote string) *ShellDriver {
	return &ShellDriver{RepoRoot: repoRoot, RemoteName: remote}
}

func (d *ShellDriver) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	if traceID := trace.FromContext(ctx); traceID != "" {
		cmd.Env = append(cmd.Env, trace.EnvVar+"="+traceID)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *ShellDriver) branchExists(ctx context.Context, branch string) bool {
	_, err := d.run(ctx, d.RepoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// EnsureBranch creates branch from baseBranch if it does not already exist.
func (d *ShellDriver) EnsureBranch(ctx context.Context, branch, baseBranch string) error {
	if _, err := d.run(ctx, d.RepoRoot, "fetch", d.RemoteName, baseBranch); err != nil {
		return fmt.Errorf("fetching base branch: %w", err)
	}

	if d.branchExists(ctx, branch) {
		return nil
	}

	if _, err := d.run(ctx, d.RepoRoot, "branch", branch, d.RemoteName+"/"+baseBranch); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

// CreateWorktree adds a linked worktree at path checked out to branch.
func (d *ShellDriver) CreateWorktree(ctx context.Context, path, branch string) error {
	existing, err := d.run(ctx, d.RepoRoot, "worktree", "list", "--porcelain")
	if err == nil && strings.Contains(existing, "worktree "+path) {
		return nil
	}

	if _, err := d.run(ctx, d.RepoRoot, "worktree", "add", path, branch); err != nil {
		return fmt.Errorf("adding worktree at %s for branch %s: %w", path, branch, err)
	}
	return nil
}

// RemoveWorktree removes the linked worktree at path. An absent path is
// treated as already removed.
func (d *ShellDriver) RemoveWorktree(ctx context.Context, path string, force bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if !force {
		dirty, err := d.IsWorktreeDirty(ctx, path)
		if err != nil {
			return fmt.Errorf("checking worktree cleanliness: %w", err)
		}
		if dirty {
			return fmt.Errorf("refusing to remove dirty worktree %s without force", path)
		}
	}

	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if _, err := d.run(ctx, d.RepoRoot, args...); err != nil {
		return fmt.Errorf("removing worktree at %s: %w", path, err)
	}
	return nil
}

// IsWorktreeDirty reports whether path has any uncommitted changes.
func (d *ShellDriver) IsWorktreeDirty(ctx context.Context, path string) (bool, error) {
	out, err := d.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(out) > 0, nil
}

// Merge merges branch into targetBranch inside repoPath, non-interactively,
// returning the resulting commit SHA.
func (d *ShellDriver) Merge(ctx context.Context, repoPath, targetBranch, branch string) (string, error) {
	if _, err := d.run(ctx, repoPath, "checkout", targetBranch); err != nil {
		return "", fmt.Errorf("checking out %s: %w", targetBranch, err)
	}

	if _, err := d.run(ctx, repoPath, "merge", "--no-edit", branch); err != nil {
		return "", fmt.Errorf("merging %s into %s: %w", branch, targetBranch, err)
	}

	sha, err := d.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving merge commit: %w", err)
	}
	return sha, nil
}

// Push pushes targetBranch to the configured remote. A failure here leaves
// the local merge commit in place; the caller is responsible for the
// no-auto-revert policy on push failure.
func (d *ShellDriver) Push(ctx context.Context, repoPath, targetBranch string) error {
	if _, err := d.run(ctx, repoPath, "push", d.RemoteName, targetBranch); err != nil {
		return fmt.Errorf("pushing %s to %s: %w", targetBranch, d.RemoteName, err)
	}
	return nil
}
