package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// maxStreamLineBytes is the scanner limit for one stream-json line. Tool
// results can embed whole files, so the default 64 KB is far too small.
const maxStreamLineBytes = 10 * 1024 * 1024

// terminateGrace is how long a signalled agent gets to exit before it is
// killed outright.
const terminateGrace = 5 * time.Second

// Result is what an invocation produced.
type Result struct {
	ExitCode         int
	NumTurns         int
	CostUSD          float64
	InputTokens      int
	OutputTokens     int
	CompletionStatus string
	FinalResponse    string
	TimedOut         bool
	Interrupted      bool
}

// Invoke runs the agent to completion. Stdout is consumed line by line: JSON
// events are appended raw to opts.LogPath and summarized to stderr, non-JSON
// lines pass through to stderr and are logged with a '#' prefix. The
// subprocess is terminated when opts.Timeout elapses (Result.TimedOut) or ctx
// is cancelled (Result.Interrupted); both are reported as a normal return,
// not an error.
func Invoke(ctx context.Context, backend Backend, prompt string, opts InvokeOptions) (*Result, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	cmd := backend.BuildCommand(prompt, opts)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.Create(opts.LogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", opts.LogPath, err)
	}
	defer logFile.Close()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	result := &Result{CompletionStatus: "unknown"}
	lastAssistantText := ""

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			stripped := strings.TrimSpace(line)
			if stripped == "" {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(stripped), &ev); err != nil {
				fmt.Fprintln(os.Stderr, stripped)
				fmt.Fprintf(logFile, "# %s\n", line)
				continue
			}

			displayEvent(os.Stderr, &ev)
			fmt.Fprintln(logFile, line)

			switch ev.Type {
			case "result":
				result.NumTurns = ev.NumTurns
				result.CostUSD = ev.TotalCostUSD
				if ev.Usage != nil {
					result.InputTokens = ev.Usage.InputTokens
					result.OutputTokens = ev.Usage.OutputTokens
				}
				if ev.Subtype != "" {
					result.CompletionStatus = ev.Subtype
				}
			case "assistant":
				if ev.Message != nil {
					for _, block := range ev.Message.Content {
						if block.Type == "text" && block.Text != "" {
							lastAssistantText = block.Text
						}
					}
				}
			}
		}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// The watchdog signals the process on timeout or cancellation, then
	// force-closes stdout so the reader cannot wedge on a grandchild that
	// inherited the pipe.
	procDone := make(chan struct{})
	cause := make(chan string, 1)
	go func() {
		select {
		case <-procDone:
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				cause <- "interrupt"
			} else {
				cause <- "timeout"
			}
			terminate(cmd, procDone)
			stdout.Close()
		}
	}()

	<-readDone
	waitErr := cmd.Wait()
	close(procDone)

	select {
	case c := <-cause:
		result.TimedOut = c == "timeout"
		result.Interrupted = c == "interrupt"
	default:
	}

	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("agent wait: %w", waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	result.FinalResponse = lastAssistantText
	return result, nil
}

// terminate asks the process to exit and kills it after a grace period.
func terminate(cmd *exec.Cmd, procDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		return
	}
	select {
	case <-procDone:
	case <-time.After(terminateGrace):
		_ = cmd.Process.Kill()
	}
}
