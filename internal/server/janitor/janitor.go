// Package janitor removes expired server state on a fixed schedule. It wraps
// gocron and runs four sweeps: jobs past their retention window (with their
// tags, fragments, and cursors), the attachment and artifact blobs of the
// same age, drain cursors idle since the legacy output endpoints stopped
// polling them, and refresh tokens past expiry.
//
// Each sweep runs in singleton mode: a slow pass over a large table delays
// its next tick instead of stacking a second pass on top of it.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/metrics"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/server/storage"
)

const (
	// jobRetention is how long jobs stay queryable after submission. The
	// blobs attached to a job age out on the same clock.
	jobRetention = 7 * 24 * time.Hour

	// cursorIdle is how long a live-output drain cursor may sit untouched
	// before it is dropped. Anything still reading refreshes the cursor on
	// every drain.
	cursorIdle = 4 * time.Hour

	// sweepEvery is the tick interval shared by all sweeps.
	sweepEvery = time.Hour

	// sweepTimeout bounds a single pass. Blob sweeps iterate the whole
	// bucket, which can be slow on remote storage.
	sweepTimeout = 5 * time.Minute
)

// Janitor wraps gocron and owns the recurring cleanup sweeps.
// The zero value is not usable — create instances with New.
type Janitor struct {
	cron    gocron.Scheduler
	jobs    repositories.JobRepository
	frags   repositories.FragmentRepository
	tokens  repositories.TokenRepository
	objects *storage.ObjectStore
	logger  *zap.Logger
}

// New creates and configures a new Janitor. Call Start to begin sweeping.
func New(
	jobs repositories.JobRepository,
	frags repositories.FragmentRepository,
	tokens repositories.TokenRepository,
	objects *storage.ObjectStore,
	logger *zap.Logger,
) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Janitor{
		cron:    s,
		jobs:    jobs,
		frags:   frags,
		tokens:  tokens,
		objects: objects,
		logger:  logger.Named("janitor"),
	}, nil
}

// sweep is one named cleanup pass. run reports how many records it removed.
type sweep struct {
	name string
	run  func(context.Context) (int64, error)
}

func (j *Janitor) sweeps() []sweep {
	return []sweep{
		{"expired_jobs", j.sweepJobs},
		{"expired_blobs", j.sweepBlobs},
		{"idle_cursors", j.sweepCursors},
		{"expired_tokens", j.sweepTokens},
	}
}

// Start registers the sweeps and starts the underlying gocron scheduler.
// Every sweep also fires once immediately, so a server that was down for a
// while catches up without waiting an hour for the first tick. Call once at
// server startup, after the database connection is established.
func (j *Janitor) Start() error {
	for _, sw := range j.sweeps() {
		_, err := j.cron.NewJob(
			gocron.DurationJob(sweepEvery),
			gocron.NewTask(j.runSweep, sw),
			gocron.WithName(sw.name),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("gocron.NewJob failed for sweep %s: %w", sw.name, err)
		}
	}

	j.logger.Info("janitor started",
		zap.Duration("interval", sweepEvery),
		zap.Int("sweeps", len(j.sweeps())),
	)
	j.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for any
// currently running sweep to complete before returning.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor shutdown error: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

// runSweep executes one pass of a sweep, logging the outcome and feeding the
// removal counter.
func (j *Janitor) runSweep(sw sweep) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	removed, err := sw.run(ctx)
	if err != nil {
		j.logger.Error("sweep failed", zap.String("sweep", sw.name), zap.Error(err))
		return
	}
	if removed > 0 {
		j.logger.Info("sweep removed expired records",
			zap.String("sweep", sw.name),
			zap.Int64("removed", removed),
		)
	}
	metrics.JanitorRemoved(sw.name, removed)
}

func (j *Janitor) sweepJobs(ctx context.Context) (int64, error) {
	return j.jobs.DeleteOlderThan(ctx, time.Now().UTC().Add(-jobRetention))
}

func (j *Janitor) sweepBlobs(ctx context.Context) (int64, error) {
	n, err := j.objects.SweepOlderThan(ctx, time.Now().UTC().Add(-jobRetention))
	return int64(n), err
}

func (j *Janitor) sweepCursors(ctx context.Context) (int64, error) {
	return j.frags.DeleteIdleCursors(ctx, time.Now().UTC().Add(-cursorIdle))
}

func (j *Janitor) sweepTokens(ctx context.Context) (int64, error) {
	return j.tokens.DeleteExpired(ctx, time.Now().UTC())
}
