// Package engine drives the agent's job lifecycle: a single cooperative loop
// that polls the server for work, walks each claimed job through the fixed
// phase sequence, and ships the outcome when the run ends. Each tick the loop:
//  1. Retries transmitting any rundirs preserved by earlier failed uploads.
//  2. Syncs operator offline/restart requests from the server's agent record
//     into the local status handler.
//  3. Goes offline or requests a process restart when flagged, offline
//     taking precedence.
//  4. Polls for a job and runs it to completion.
//
// While a job is running, offline/restart requests only accumulate; they are
// acted on once the job has finished. Cleanup always runs, whatever happened
// to the earlier phases, and an outcome that cannot be uploaded is parked
// under results_basedir instead of being lost.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/agent/client"
	"github.com/canonical/testflinger/internal/agent/config"
	"github.com/canonical/testflinger/internal/agent/status"
	"github.com/canonical/testflinger/internal/types"
)

const (
	// recoveryFailedExitCode is the sentinel a device connector exits with
	// when the device cannot be recovered. The agent takes itself offline so
	// it stops consuming jobs it can only fail.
	recoveryFailedExitCode = 46

	// phaseErrorExitCode reports a phase that could not run at all (bad
	// rundir, fork failure) rather than a command that ran and failed.
	phaseErrorExitCode = 100

	// Hard ceilings on the effective timeouts, whatever the job or the
	// config ask for.
	maxGlobalTimeout = 14400 * time.Second
	maxOutputTimeout = 900 * time.Second

	// allocatePollInterval paces the device-info upload retries and the
	// wait-for-completion polls of an allocated job.
	allocatePollInterval = 60 * time.Second
)

// ErrRestart is returned by Run when an operator requested a restart. The
// process should exit cleanly and let its supervisor start a fresh one.
var ErrRestart = errors.New("engine: restart requested")

// Engine is the agent's dispatch loop. Not safe for concurrent use: one
// engine per agent process, driven by a single Run call.
type Engine struct {
	cfg    *config.Config
	client *client.Client
	status *status.Handler
	logger *zap.Logger

	pollInterval       time.Duration // pause between job polls
	outputPollInterval time.Duration // runner stop-condition cadence, 0 = runner default
	allocateInterval   time.Duration

	// Last state posted to the server, to keep the idle loop from patching
	// the agent record on every tick.
	reportedState   types.AgentState
	reportedComment string
}

// New creates an Engine around a configured client and status handler.
func New(cfg *config.Config, c *client.Client, st *status.Handler, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:              cfg,
		client:           c,
		status:           st,
		logger:           logger.Named("engine"),
		pollInterval:     time.Duration(cfg.PollingInterval) * time.Second,
		allocateInterval: allocatePollInterval,
	}
}

// Run executes the dispatch loop until ctx is cancelled or a restart is
// requested. Returns ctx's error on cancellation and ErrRestart when the
// process should be restarted by its supervisor.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.retryPreserved(ctx)
		e.syncServerStatus(ctx)

		if e.status.NeedsOffline() {
			e.reportState(ctx, types.AgentStateOffline, e.status.Comment())
			if !e.sleep(ctx, e.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		if e.status.NeedsRestart() {
			e.reportState(ctx, types.AgentStateRestart, e.status.Comment())
			e.logger.Info("restart requested, leaving the dispatch loop")
			return ErrRestart
		}

		job, err := e.client.CheckJobs(ctx)
		if err != nil {
			e.logger.Warn("job poll failed", zap.Error(err))
			if werr := e.client.WaitForServer(ctx); werr != nil {
				return werr
			}
			continue
		}
		if job == nil {
			e.reportState(ctx, types.AgentStateWaiting, "")
			if !e.sleep(ctx, e.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		e.runJob(ctx, job)
	}
}

// syncServerStatus folds the server's view of this agent into the local
// status handler. Operators drive offline and restart through the agent
// record; lifting is the operator setting the record back to a working state.
func (e *Engine) syncServerStatus(ctx context.Context) {
	data, err := e.client.GetAgentData(ctx)
	if err != nil {
		e.logger.Debug("agent record unavailable", zap.Error(err))
		return
	}
	switch data.State {
	case types.AgentStateOffline, types.AgentStateMaintenance:
		comment := ""
		if data.Comment != nil {
			comment = *data.Comment
		}
		e.status.Update(comment, false, true)
	case types.AgentStateRestart:
		e.status.RequestRestart("restart requested by operator")
	default:
		e.status.Update("", false, false)
	}
}

// reportState patches the agent record, skipping the post when nothing
// changed since the last report.
func (e *Engine) reportState(ctx context.Context, state types.AgentState, comment string) {
	if state == e.reportedState && comment == e.reportedComment {
		return
	}
	patch := types.AgentData{State: state, Comment: &comment}
	if err := e.client.PostAgentData(ctx, patch); err != nil {
		e.logger.Warn("agent state report failed",
			zap.String("state", string(state)), zap.Error(err))
		return
	}
	e.reportedState = state
	e.reportedComment = comment
}

// retryPreserved attempts to ship every rundir parked under results_basedir
// by earlier failed outcome uploads. Rundirs that still fail stay parked.
func (e *Engine) retryPreserved(ctx context.Context) {
	entries, err := os.ReadDir(e.cfg.ResultsBasedir)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		e.logger.Warn("cannot list preserved rundirs", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rundir := filepath.Join(e.cfg.ResultsBasedir, entry.Name())
		if err := e.client.TransmitJobOutcome(ctx, rundir); err != nil {
			e.logger.Warn("preserved rundir still undeliverable",
				zap.String("rundir", rundir), zap.Error(err))
			continue
		}
		e.logger.Info("preserved outcome delivered", zap.String("job_id", entry.Name()))
	}
}

// preserve moves a rundir whose outcome could not be uploaded under
// results_basedir so retryPreserved picks it up on a later tick.
func (e *Engine) preserve(rundir, jobID string) {
	if err := os.MkdirAll(e.cfg.ResultsBasedir, 0750); err != nil {
		e.logger.Error("cannot create results basedir", zap.Error(err))
		return
	}
	dest := filepath.Join(e.cfg.ResultsBasedir, jobID)
	if err := os.Rename(rundir, dest); err != nil {
		e.logger.Error("cannot preserve rundir",
			zap.String("rundir", rundir), zap.Error(err))
		return
	}
	e.logger.Info("rundir preserved for later retry", zap.String("dest", dest))
}

// sleep pauses for d, returning false when ctx was cancelled first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// effectiveTimeout takes the smallest of the job's request, the configured
// value, and the hard ceiling. Non-positive requests are treated as unset.
func effectiveTimeout(jobSeconds, configSeconds int, ceiling time.Duration) time.Duration {
	limit := ceiling
	if d := time.Duration(configSeconds) * time.Second; configSeconds > 0 && d < limit {
		limit = d
	}
	if d := time.Duration(jobSeconds) * time.Second; jobSeconds > 0 && d < limit {
		limit = d
	}
	return limit
}

// offlineComment describes why the agent took itself offline after a
// recovery failure, for the operator who finds it that way.
func offlineComment(phase types.Phase, jobID string) string {
	return fmt.Sprintf("device recovery failed during %s of job %s", phase, jobID)
}
