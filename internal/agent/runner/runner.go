// Package runner executes one phase command in a subprocess and supervises
// it until exit. The supervision loop multiplexes three things:
//   - Output: a reader task feeds the combined stdout+stderr stream into a
//     channel; each chunk is decoded as UTF-8 with replacement and fanned out
//     to the registered output handlers (phase log file, live log poster).
//   - Stop conditions: every poll tick the registered checkers run; the
//     first that fires has its reason posted as output, the process group is
//     killed, and the firing event is reported in the result.
//   - Cancellation: the caller's context doubles as the agent's SIGTERM
//     path — when it is cancelled the subprocess is killed and the loop
//     waits for the exit status.
//
// Handlers and checkers are only ever called from the supervising goroutine,
// so they need no locking of their own.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/types"
)

const (
	// defaultPollInterval is how often stop conditions are evaluated while
	// the subprocess runs.
	defaultPollInterval = 10 * time.Second

	// drainGrace bounds the final output drain after exit. A background
	// child that inherited the pipe must not wedge the phase.
	drainGrace = 500 * time.Millisecond
)

// Result is the outcome of one phase command.
type Result struct {
	// ExitCode is the subprocess exit status folded into 0-255; signal
	// deaths wrap around (SIGKILL reports as 247).
	ExitCode int
	// ExitEvent names the stop condition that ended the run, or is empty
	// when the command exited on its own.
	ExitEvent types.EventName
	// ExitReason is a human-readable account of how the run ended.
	ExitReason string
	Duration   time.Duration
}

// OutputHandler consumes each drained chunk of subprocess output.
type OutputHandler interface {
	HandleOutput(data string)
}

// Checker is a stop condition polled while the subprocess runs. A non-empty
// event name means the process must be stopped, with the returned reason.
type Checker interface {
	Check(ctx context.Context) (types.EventName, string)
}

// Runner supervises a single phase command. Build one per phase: checkers
// carry per-run clocks and handlers carry per-phase fragment counters.
type Runner struct {
	dir          string
	env          map[string]string
	pollInterval time.Duration
	handlers     []OutputHandler
	checkers     []Checker
	logger       *zap.Logger
}

// New creates a Runner that executes in dir with env exported on top of the
// agent's own environment.
func New(dir string, env map[string]string, logger *zap.Logger) *Runner {
	return &Runner{
		dir:          dir,
		env:          env,
		pollInterval: defaultPollInterval,
		logger:       logger.Named("runner"),
	}
}

// SetPollInterval overrides how often stop conditions are evaluated.
// Non-positive values are ignored.
func (r *Runner) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.pollInterval = d
	}
}

// AddOutputHandler registers a consumer for drained output.
func (r *Runner) AddOutputHandler(h OutputHandler) {
	r.handlers = append(r.handlers, h)
}

// AddChecker registers a stop condition.
func (r *Runner) AddChecker(c Checker) {
	r.checkers = append(r.checkers, c)
}

// Run executes command under /bin/sh and supervises it to completion.
// The returned error covers failures to run at all (bad dir, fork failure);
// a command that started and exited badly is reported through Result.
func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	start := time.Now()

	cmd := buildShellCmd(command)
	cmd.Dir = r.dir
	cmd.Env = r.buildEnv()

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("runner: open output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Result{}, fmt.Errorf("runner: start command: %w", err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	output := make(chan string, 64)
	go readOutput(pr, output)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var (
		stopEvent  types.EventName
		stopReason string
		waitErr    error
		ctxDone    = ctx.Done()
	)

supervise:
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			r.emit(chunk)

		case <-ticker.C:
			if stopEvent != "" {
				continue // already stopping, waiting for the exit status
			}
			if ev, reason := r.check(ctx); ev != "" {
				stopEvent, stopReason = ev, reason
				r.emit(reason + "\n")
				r.kill(cmd)
			}

		case <-ctxDone:
			ctxDone = nil
			r.kill(cmd)

		case waitErr = <-done:
			break supervise
		}
	}

	r.drain(output)
	pr.Close()
	// A grandchild that escaped the process group kill can inherit the write
	// end and keep the pipe open past the drain grace. Closing pr unblocks a
	// Read, but not a send to the full channel; discard until the reader sees
	// EOF so it never leaks.
	go func() {
		for range output {
		}
	}()

	result := Result{
		ExitCode:   exitCode(waitErr),
		ExitEvent:  stopEvent,
		ExitReason: stopReason,
		Duration:   time.Since(start),
	}
	if result.ExitEvent == "" {
		if result.ExitCode == 0 {
			result.ExitReason = "Normal exit"
		} else {
			result.ExitReason = fmt.Sprintf("Unknown error rc=%d", result.ExitCode)
		}
	}
	return result, nil
}

// buildShellCmd wraps the phase command in a shell so configured commands can
// use pipes, variables, and redirection. The process gets its own group so a
// kill reaches everything the shell spawned.
func buildShellCmd(command string) *exec.Cmd {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// buildEnv layers the runner's env over the process environment, in sorted
// key order so runs are reproducible.
func (r *Runner) buildEnv() []string {
	env := os.Environ()
	keys := make([]string, 0, len(r.env))
	for k := range r.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+r.env[k])
	}
	return env
}

// emit fans one chunk out to every handler.
func (r *Runner) emit(chunk string) {
	if chunk == "" {
		return
	}
	for _, h := range r.handlers {
		h.HandleOutput(chunk)
	}
}

// check runs the stop conditions in registration order and returns the first
// that fires.
func (r *Runner) check(ctx context.Context) (types.EventName, string) {
	for _, c := range r.checkers {
		if ev, reason := c.Check(ctx); ev != "" {
			return ev, reason
		}
	}
	return "", ""
}

// kill stops the subprocess and everything it spawned.
func (r *Runner) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// The group may already be gone; fall back to the direct process.
		if kerr := cmd.Process.Kill(); kerr != nil {
			r.logger.Debug("subprocess kill failed", zap.Error(kerr))
		}
	}
}

// drain forwards whatever the reader buffered after the process exited,
// giving up after a short grace period.
func (r *Runner) drain(output <-chan string) {
	if output == nil {
		return
	}
	grace := time.After(drainGrace)
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				return
			}
			r.emit(chunk)
		case <-grace:
			return
		}
	}
}

// readOutput feeds the combined stdout+stderr stream into out, decoded as
// UTF-8 with replacement so a binary-spewing command cannot poison the log
// pipeline. Closes out at EOF.
func readOutput(pr *os.File, out chan<- string) {
	defer close(out)
	buf := make([]byte, 32<<10)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			out <- strings.ToValidUTF8(string(buf[:n]), string(utf8.RuneError))
		}
		if err != nil {
			return
		}
	}
}

// exitCode folds a Wait error into the 0-255 range. Negative signal codes
// wrap modulo 256, so SIGKILL reports as 247 the way the rest of the
// pipeline expects.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	rc := 1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		rc = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			rc = -int(ws.Signal())
		}
	}
	return ((rc % 256) + 256) % 256
}
