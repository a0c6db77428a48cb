package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/testflinger/internal/types"
)

// GlobalTimeoutChecker fires when the phase has been running longer than its
// limit. The clock starts when the checker is built, immediately before the
// command.
type GlobalTimeoutChecker struct {
	start time.Time
	limit time.Duration
}

// NewGlobalTimeoutChecker creates a checker with the clock started now.
func NewGlobalTimeoutChecker(limit time.Duration) *GlobalTimeoutChecker {
	return &GlobalTimeoutChecker{start: time.Now(), limit: limit}
}

// Check implements Checker.
func (c *GlobalTimeoutChecker) Check(context.Context) (types.EventName, string) {
	if time.Since(c.start) > c.limit {
		return types.EventGlobalTimeout,
			fmt.Sprintf("ERROR: Global timeout reached! (%ds)", int(c.limit.Seconds()))
	}
	return "", ""
}

// OutputTimeoutChecker fires when the command has been silent for longer
// than its limit. It doubles as an output handler: register it in both roles
// so every drained chunk resets its clock.
type OutputTimeoutChecker struct {
	last  time.Time
	limit time.Duration
}

// NewOutputTimeoutChecker creates a checker whose silence clock starts now.
func NewOutputTimeoutChecker(limit time.Duration) *OutputTimeoutChecker {
	return &OutputTimeoutChecker{last: time.Now(), limit: limit}
}

// HandleOutput implements OutputHandler by resetting the silence clock.
func (c *OutputTimeoutChecker) HandleOutput(string) {
	c.last = time.Now()
}

// Check implements Checker.
func (c *OutputTimeoutChecker) Check(context.Context) (types.EventName, string) {
	if time.Since(c.last) > c.limit {
		return types.EventOutputTimeout,
			fmt.Sprintf("ERROR: Output timeout reached! (%ds)", int(c.limit.Seconds()))
	}
	return "", ""
}

// StateSource reports a job's current lifecycle state. *client.Client
// satisfies it.
type StateSource interface {
	CheckJobState(ctx context.Context, jobID string) (types.JobState, error)
}

// JobCancelledChecker polls the server for a cancel request.
type JobCancelledChecker struct {
	source StateSource
	jobID  string
}

// NewJobCancelledChecker creates a checker polling the given job.
func NewJobCancelledChecker(source StateSource, jobID string) *JobCancelledChecker {
	return &JobCancelledChecker{source: source, jobID: jobID}
}

// Check implements Checker. Server hiccups are treated as "not cancelled":
// a flaky network must not kill a healthy run.
func (c *JobCancelledChecker) Check(ctx context.Context) (types.EventName, string) {
	state, err := c.source.CheckJobState(ctx, c.jobID)
	if err != nil {
		return "", ""
	}
	if state == types.JobStateCancelled {
		return types.EventCancelled, "Job cancellation was requested, exiting."
	}
	return "", ""
}
