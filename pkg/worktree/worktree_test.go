package worktree

import "testing"

func TestBranchName(t *testing.T) {
	got := BranchName("run-abc123")
	want := "codex/run-run-abc123"
	if got != want {
		t.Errorf("BranchName() = %q, want %q", got, want)
	}
}

func TestIsCanonicalBranch(t *testing.T) {
	tests := []struct {
		name   string
		branch string
		runID  string
		want   bool
	}{
		{"canonical", "codex/run-abc123", "abc123", true},
		{"wrong run", "codex/run-abc123", "def456", false},
		{"non-canonical prefix", "feature/run-abc123", "abc123", false},
		{"bare run id", "abc123", "abc123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCanonicalBranch(tt.branch, tt.runID); got != tt.want {
				t.Errorf("IsCanonicalBranch(%q, %q) = %v, want %v", tt.branch, tt.runID, got, tt.want)
			}
		})
	}
}

func TestWorktreePath(t *testing.T) {
	got := WorktreePath("/srv/worktrees", "slot-1")
	want := "/srv/worktrees/slot-1"
	if got != want {
		t.Errorf("WorktreePath() = %q, want %q", got, want)
	}
}
