package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/types"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "user.email", "test@example.com")
	writeFile(t, dir, "README.md", "initial\n")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, output)
	}
	return string(output)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func newManager(t *testing.T, repo string) (*Manager, *git.Git) {
	t.Helper()
	ctx := context.Background()
	g, err := git.NewGit(ctx)
	if err != nil {
		t.Fatalf("failed to create Git instance: %v", err)
	}
	m, err := NewManager(ctx, g, Config{RepoRoot: repo})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, g
}

func TestBranchName(t *testing.T) {
	if got := BranchName("US-003"); got != "strawboss/US-003" {
		t.Errorf("BranchName = %q", got)
	}
}

func TestNewManagerRejectsNonRepo(t *testing.T) {
	ctx := context.Background()
	g, err := git.NewGit(ctx)
	if err != nil {
		t.Fatalf("failed to create Git instance: %v", err)
	}
	if _, err := NewManager(ctx, g, Config{RepoRoot: t.TempDir()}); err == nil {
		t.Fatal("expected error for non-repo root")
	}
}

func TestManagerDefaultsToCurrentBranch(t *testing.T) {
	repo := initRepo(t)
	m, _ := newManager(t, repo)
	if m.BaseBranch() != "main" {
		t.Errorf("expected base branch main, got %q", m.BaseBranch())
	}
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m, g := newManager(t, repo)

	path, err := m.Create(ctx, 1, "US-001")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Error("expected base content in worktree")
	}

	branch, err := g.CurrentBranch(ctx, path)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch != "strawboss/US-001" {
		t.Errorf("expected story branch checked out, got %q", branch)
	}

	// Creating again for the same slot clears the stale worktree and branch
	writeFile(t, path, "stale.txt", "leftover\n")
	path2, err := m.Create(ctx, 1, "US-001")
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if path2 != path {
		t.Errorf("expected stable worktree path, got %q then %q", path, path2)
	}
	if _, err := os.Stat(filepath.Join(path2, "stale.txt")); !os.IsNotExist(err) {
		t.Error("expected stale content removed on recreate")
	}

	if err := m.Remove(ctx, 1, ""); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected worktree directory removed")
	}

	// Branch was kept; a second Remove with the branch deletes it
	branches, err := g.ListBranches(ctx, repo, "strawboss/*")
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("expected story branch kept after Remove, got %v", branches)
	}
	if err := m.Remove(ctx, 1, "strawboss/US-001"); err != nil {
		t.Fatalf("Remove with branch failed: %v", err)
	}
	branches, err = g.ListBranches(ctx, repo, "strawboss/*")
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	if len(branches) != 0 {
		t.Errorf("expected branch deleted, got %v", branches)
	}
}

func TestCleanupOrphanedBranchesFromManager(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m, g := newManager(t, repo)

	runGit(t, repo, "branch", "strawboss/US-099", "main")
	deleted, err := m.CleanupOrphanedBranches(ctx, 0*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOrphanedBranches failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 orphan deleted, got %d", deleted)
	}
	branches, err := g.ListBranches(ctx, repo, "strawboss/*")
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	if len(branches) != 0 {
		t.Errorf("expected no story branches left, got %v", branches)
	}
}

func TestIntegrateCleanMerge(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m, g := newManager(t, repo)

	path, err := m.Create(ctx, 1, "US-001")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Story work in the worktree, unrelated progress on main
	writeFile(t, path, "feature.txt", "feature\n")
	runGit(t, path, "add", "-A")
	runGit(t, path, "commit", "-m", "story work")

	writeFile(t, repo, "other.txt", "other\n")
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "commit", "-m", "main progress")

	story := &types.Story{ID: "US-001", Title: "Add feature", AcceptanceCriteria: []string{"feature exists"}}
	result, err := m.Integrate(ctx, 1, story)
	if err != nil {
		t.Fatalf("Integrate failed: %v", err)
	}
	if !result.Merged || result.Conflict {
		t.Fatalf("expected clean merge, got %+v", result)
	}
	if len(result.CommitSHA) != 40 {
		t.Errorf("expected squash commit SHA, got %q", result.CommitSHA)
	}
	wantMessage := "US-001: Add feature (squash merge from strawboss/US-001)"
	if result.Message != wantMessage {
		t.Errorf("expected fallback message %q, got %q", wantMessage, result.Message)
	}

	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Error("expected story file on main after integration")
	}
	subject := strings.TrimSpace(runGit(t, repo, "log", "-1", "--format=%s"))
	if subject != wantMessage {
		t.Errorf("expected squash subject %q, got %q", wantMessage, subject)
	}

	head, err := g.Head(ctx, repo)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head != result.CommitSHA {
		t.Errorf("expected repo HEAD at squash commit")
	}
}

func TestIntegrateCommitsLeftoverWork(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m, _ := newManager(t, repo)

	path, err := m.Create(ctx, 1, "US-002")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	writeFile(t, path, "forgotten.txt", "uncommitted\n")

	story := &types.Story{ID: "US-002", Title: "Forgetful agent"}
	result, err := m.Integrate(ctx, 1, story)
	if err != nil {
		t.Fatalf("Integrate failed: %v", err)
	}
	if !result.Merged {
		t.Fatalf("expected merge, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(repo, "forgotten.txt")); err != nil {
		t.Error("expected leftover file committed and merged")
	}
}

func TestIntegrateNothingToMerge(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m, _ := newManager(t, repo)

	if _, err := m.Create(ctx, 1, "US-003"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	story := &types.Story{ID: "US-003", Title: "No-op story"}
	result, err := m.Integrate(ctx, 1, story)
	if err != nil {
		t.Fatalf("Integrate failed: %v", err)
	}
	if !result.Merged {
		t.Errorf("expected merged result, got %+v", result)
	}
	if result.CommitSHA != "" {
		t.Errorf("expected no commit for empty story, got %q", result.CommitSHA)
	}
}

func TestIntegrateConflict(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m, g := newManager(t, repo)

	path, err := m.Create(ctx, 2, "US-004")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	writeFile(t, path, "README.md", "story version\n")
	runGit(t, path, "add", "-A")
	runGit(t, path, "commit", "-m", "story edit")

	writeFile(t, repo, "README.md", "main version\n")
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "commit", "-m", "main edit")

	mainHead, err := g.Head(ctx, repo)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}

	story := &types.Story{ID: "US-004", Title: "Conflicting story"}
	result, err := m.Integrate(ctx, 2, story)
	if err != nil {
		t.Fatalf("conflicted integration should not error: %v", err)
	}
	if !result.Conflict || result.Merged {
		t.Fatalf("expected conflict result, got %+v", result)
	}
	if len(result.ConflictedFiles) != 1 || result.ConflictedFiles[0] != "README.md" {
		t.Errorf("expected conflicted [README.md], got %v", result.ConflictedFiles)
	}

	// Rebase was aborted: worktree back on the story branch, clean
	branch, err := g.CurrentBranch(ctx, path)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch != "strawboss/US-004" {
		t.Errorf("expected story branch after abort, got %q", branch)
	}
	dirty, err := g.HasUncommittedChanges(ctx, path)
	if err != nil {
		t.Fatalf("HasUncommittedChanges failed: %v", err)
	}
	if dirty {
		t.Error("expected clean worktree after abort")
	}

	// Base branch untouched
	head, err := g.Head(ctx, repo)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head != mainHead {
		t.Error("expected base branch unchanged after conflict")
	}
}
