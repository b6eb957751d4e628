package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// WorkerRequest identifies one story assignment handed to a worker.
type WorkerRequest struct {
	StoryID string
	AgentID int

	// WorkDir is the story's worktree; the worker runs with it as its
	// working directory.
	WorkDir string
}

// WorkerLauncher runs one worker per assigned story and blocks until it
// exits. The exit code carries the outcome: 0 means the story completed. A
// cancelled context terminates the worker and returns the context's error;
// the story is then left for the next run's reconciliation.
type WorkerLauncher interface {
	Run(ctx context.Context, req WorkerRequest) (int, error)
}

// LauncherFunc adapts a function to the WorkerLauncher interface. The
// in-process serial mode and scheduler tests use it.
type LauncherFunc func(ctx context.Context, req WorkerRequest) (int, error)

func (f LauncherFunc) Run(ctx context.Context, req WorkerRequest) (int, error) {
	return f(ctx, req)
}

// DefaultTermGrace is how long a terminated worker gets to shut down
// before it is killed.
const DefaultTermGrace = 30 * time.Second

// SubprocessLauncher re-invokes the orchestrator binary in its hidden
// worker mode, one process per assigned story. Worker output is interleaved
// on the scheduler's stdout and stderr.
type SubprocessLauncher struct {
	// Binary is the executable to invoke, normally os.Executable().
	Binary string

	// StatePath and SharedDir are passed through to the worker so every
	// process operates on the same state document and shared directory.
	StatePath string
	SharedDir string

	// MaxTurns caps agent turns per step when positive.
	MaxTurns int

	// TermGrace overrides DefaultTermGrace when positive.
	TermGrace time.Duration
}

func (l *SubprocessLauncher) Run(ctx context.Context, req WorkerRequest) (int, error) {
	args := []string{
		"worker",
		"--story-id", req.StoryID,
		"--agent-id", strconv.Itoa(req.AgentID),
		"--state-path", l.StatePath,
		"--shared-dir", l.SharedDir,
	}
	if l.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(l.MaxTurns))
	}

	cmd := exec.Command(l.Binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker for %s: %w", req.StoryID, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCode(req.StoryID, err)
	case <-ctx.Done():
	}

	// Graceful stop: TERM, then KILL after the grace period. The worker
	// leaves its story in_progress either way.
	_ = cmd.Process.Signal(syscall.SIGTERM)
	grace := l.TermGrace
	if grace <= 0 {
		grace = DefaultTermGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
	}
	return 0, ctx.Err()
}

func exitCode(storyID string, waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("worker for %s did not run: %w", storyID, waitErr)
}
