// Package repositories holds the data-access layer between the HTTP handlers
// and the database. Every repository is an interface with a single GORM
// implementation so handlers can be tested against in-memory SQLite.
package repositories

import (
	"context"
	"time"

	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/types"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// SearchOptions filters job search queries. With MatchAll set a job must carry
// every listed tag; otherwise one match suffices.
type SearchOptions struct {
	Tags     []string
	MatchAll bool
	States   []string
	Limit    int
}

// FragmentFilter narrows log retrieval. Nil pointer fields are ignored.
type FragmentFilter struct {
	StartFragment  *int
	StartTimestamp *time.Time
	Phase          string
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	// Add inserts a new job document together with its tags.
	// Returns ErrConflict when the job id already exists.
	Add(ctx context.Context, job *db.Job, tags []string) error

	// Pop atomically claims the highest-priority waiting job on one of the
	// given queues, skipping jobs still waiting for attachments. The claimed
	// job transitions to running with started_at set. Returns ErrNotFound
	// when no eligible job exists. Concurrent calls never claim the same job.
	Pop(ctx context.Context, queues []string) (*db.Job, error)

	Get(ctx context.Context, id string) (*db.Job, error)
	Search(ctx context.Context, opts SearchOptions) ([]db.Job, error)

	SetState(ctx context.Context, id string, state types.JobState) error

	// Cancel transitions the job to cancelled unless it is already terminal.
	// Returns false when the job was already cancelled or complete.
	Cancel(ctx context.Context, id string) (bool, error)

	// MergeResult merges the partial document into result_data by top-level
	// key, leaving keys absent from partial untouched.
	MergeResult(ctx context.Context, id string, partial map[string]any) error
	GetResult(ctx context.Context, id string) (map[string]any, error)

	// Position returns the zero-based position of the job among waiting jobs
	// of its queue, ordered by priority descending then created_at ascending.
	// Returns ErrGone when the job exists but is no longer waiting.
	Position(ctx context.Context, id string) (int, error)

	// AttachmentsReceived flips attachments_status from waiting to complete,
	// making the job eligible for dispatch. Returns false when the job was
	// not awaiting attachments.
	AttachmentsReceived(ctx context.Context, id string) (bool, error)

	// ActiveByQueue returns the non-terminal jobs currently in a queue,
	// ordered the same way Pop would consider them.
	ActiveByQueue(ctx context.Context, queue string) ([]db.Job, error)

	// WaitTimeSamples returns observed started_at−created_at samples in
	// seconds per queue, for percentile computation in the caller.
	WaitTimeSamples(ctx context.Context, queues []string) (map[string][]float64, error)

	// DeleteOlderThan removes jobs created before the cutoff together with
	// their tags, log fragments, and cursors. Returns the number of jobs
	// removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// FragmentRepository
// -----------------------------------------------------------------------------

type FragmentRepository interface {
	// Append stores one log fragment. Re-appending an already stored
	// (job, type, phase, number) combination is a silent no-op so agent
	// retries stay idempotent.
	Append(ctx context.Context, frag *db.LogFragment) error

	// AppendNext stores a raw chunk with the next free fragment number for
	// (jobID, logType, phase). Serves the legacy text endpoints, which carry
	// no explicit numbering.
	AppendNext(ctx context.Context, jobID string, logType types.LogType, phase types.Phase, data string) error

	// List returns fragments for a job and log type, filtered, ordered by
	// phase then fragment_number ascending.
	List(ctx context.Context, jobID string, logType types.LogType, filter FragmentFilter) ([]db.LogFragment, error)

	// Drain returns the concatenated log data that arrived beyond the
	// caller's cursor for (jobID, logType), in phase execution order, and
	// advances the cursor. An empty string means nothing new.
	Drain(ctx context.Context, jobID string, logType types.LogType) (string, error)

	// DeleteIdleCursors removes drain cursors not accessed since the cutoff.
	DeleteIdleCursors(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	// Patch applies an agent-data update, creating the record when the agent
	// is new. Zero-valued fields leave the stored value unchanged; JobID is
	// applied whenever the pointer is non-nil, so an explicit empty string
	// clears the running job. A non-empty Queues list replaces the agent's
	// queue subscriptions. Log lines append into a ring of the most recent
	// 100 entries.
	Patch(ctx context.Context, name string, patch types.AgentData) error

	// Get returns the stored agent record plus its queue subscriptions.
	Get(ctx context.Context, name string) (*db.Agent, []string, error)

	List(ctx context.Context) ([]db.Agent, error)
	ForQueue(ctx context.Context, queue string) ([]db.Agent, error)

	// AppendProvisionLog records one provision outcome for an agent, trims
	// the agent's history to the most recent 100 entries, and updates the
	// pass/fail streak counters. Returns ErrNotFound for unknown agents.
	AppendProvisionLog(ctx context.Context, name string, entry types.ProvisionLogEntry) error

	// ProvisionLogs returns the agent's provision history, newest first.
	ProvisionLogs(ctx context.Context, name string) ([]db.ProvisionLog, error)
}

// -----------------------------------------------------------------------------
// QueueRepository
// -----------------------------------------------------------------------------

type QueueRepository interface {
	// Advertise upserts queue name → description pairs posted by agents.
	Advertise(ctx context.Context, queues map[string]string) error
	List(ctx context.Context) (map[string]string, error)

	// AdvertiseImages upserts the known image catalog per queue.
	AdvertiseImages(ctx context.Context, images map[string]map[string]string) error
	ImagesForQueue(ctx context.Context, queue string) (map[string]string, error)

	// Restricted queue administration.
	SetRestricted(ctx context.Context, queue string, owners []string) error
	GetRestricted(ctx context.Context, queue string) ([]string, error)
	ListRestricted(ctx context.Context) (map[string][]string, error)
	DeleteRestricted(ctx context.Context, queue string) error

	// RestrictedAmong returns the subset of the given queues that are
	// restricted, with their owner lists.
	RestrictedAmong(ctx context.Context, queues []string) (map[string][]string, error)
}

// -----------------------------------------------------------------------------
// PermissionRepository
// -----------------------------------------------------------------------------

type PermissionRepository interface {
	Get(ctx context.Context, clientID string) (*db.ClientPermission, error)
	Put(ctx context.Context, rec *db.ClientPermission) error
	Delete(ctx context.Context, clientID string) error
}

// -----------------------------------------------------------------------------
// TokenRepository
// -----------------------------------------------------------------------------

type TokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	Get(ctx context.Context, token string) (*db.RefreshToken, error)

	// Touch updates last_accessed after a successful refresh.
	Touch(ctx context.Context, token string, when time.Time) error

	// Revoke marks the token revoked. Returns false when it was already
	// revoked; ErrNotFound when the token does not exist.
	Revoke(ctx context.Context, token string) (bool, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
