// Package gitdriver isolates every git operation the worktree binding
// manager and merge/deploy gate need behind a small interface, so the rest
// of the module never shells out directly. The default implementation
// shells to the real git CLI rather than a pure-Go library: as of this
// writing no pure-Go git library in reach of this module supports linked
// worktrees (git worktree add/remove) or guarantees the exact non-interactive
// CLI semantics the binding manager's safety rules depend on.
package gitdriver

import "context"

// Driver is the full set of git operations the module performs against the
// shared repository checkout.
type Driver interface {
	// EnsureBranch creates branch (from baseBranch) if it does not already
	// exist, fetching first. It is idempotent.
	EnsureBranch(ctx context.Context, branch, baseBranch string) error

	// CreateWorktree adds a linked worktree at path checked out to branch.
	// It is idempotent: an existing worktree already bound to branch at path
	// is left untouched.
	CreateWorktree(ctx context.Context, path, branch string) error

	// RemoveWorktree removes the linked worktree at path. It refuses to
	// force-remove a worktree with uncommitted changes unless force is true.
	RemoveWorktree(ctx context.Context, path string, force bool) error

	// IsWorktreeDirty reports whether the worktree at path has uncommitted
	// changes (tracked or untracked).
	IsWorktreeDirty(ctx context.Context, path string) (bool, error)

	// Merge fast-forwards or creates a merge commit bringing branch into
	// targetBranch in the given repo path, without any interactive prompts.
	Merge(ctx context.Context, repoPath, targetBranch, branch string) (commitSHA string, err error)

	// Push pushes targetBranch to the configured remote.
	Push(ctx context.Context, repoPath, targetBranch string) error
}
