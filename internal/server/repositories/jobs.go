package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/types"
)

// popCandidateLimit bounds how many waiting jobs a single pop inspects before
// giving up. Races on every one of these in a single call would need that many
// simultaneously polling agents on the same queue.
const popCandidateLimit = 32

// searchDefaultLimit caps search results when the caller does not set one.
const searchDefaultLimit = 1000

// ErrGone is returned by Position when the job exists but has left the
// waiting state, so it no longer has a queue position.
var ErrGone = errors.New("job no longer waiting")

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Add inserts a new job together with its tags in one transaction.
// Returns ErrConflict when a job with the same id already exists.
func (r *gormJobRepository) Add(ctx context.Context, job *db.Job, tags []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Rely on the primary key constraint rather than a lookup first:
		// two concurrent submits with the same id would both pass a
		// pre-check, and only the constraint catches the loser.
		if err := tx.Create(job).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return fmt.Errorf("jobs: add: %w", err)
		}
		for _, tag := range tags {
			if tag == "" {
				continue
			}
			if err := tx.Create(&db.JobTag{JobID: job.ID, Tag: tag}).Error; err != nil {
				return fmt.Errorf("jobs: add tag: %w", err)
			}
		}
		return nil
	})
}

// Pop claims the highest-priority dispatchable job on one of the queues.
//
// The claim is a two-step compare-and-swap: first a candidate scan in dispatch
// order, then a conditional UPDATE per candidate that only succeeds while the
// job is still waiting. Losing the race on a candidate (another agent claimed
// it between scan and update) moves on to the next; RowsAffected tells the
// two cases apart without any server-side locking.
func (r *gormJobRepository) Pop(ctx context.Context, queues []string) (*db.Job, error) {
	if len(queues) == 0 {
		return nil, ErrNotFound
	}

	var candidates []db.Job
	err := r.db.WithContext(ctx).
		Where("queue IN ?", queues).
		Where("state = ?", string(types.JobStateWaiting)).
		Where("attachments_status <> ?", string(types.AttachmentsWaiting)).
		Order("priority DESC").
		Order("created_at ASC").
		Limit(popCandidateLimit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: pop scan: %w", err)
	}

	now := time.Now().UTC()
	for i := range candidates {
		result := r.db.WithContext(ctx).
			Model(&db.Job{}).
			Where("id = ? AND state = ?", candidates[i].ID, string(types.JobStateWaiting)).
			Updates(map[string]interface{}{
				"state":      string(types.JobStateRunning),
				"started_at": now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("jobs: pop claim: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			job := candidates[i]
			job.State = string(types.JobStateRunning)
			job.StartedAt = &now
			return &job, nil
		}
	}
	return nil, ErrNotFound
}

// Get retrieves a job by id. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) Get(ctx context.Context, id string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	return &job, nil
}

// Search returns jobs matching the tag and state filters, most recent first.
func (r *gormJobRepository) Search(ctx context.Context, opts SearchOptions) ([]db.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = searchDefaultLimit
	}

	q := r.db.WithContext(ctx).Model(&db.Job{})
	if len(opts.States) > 0 {
		q = q.Where("state IN ?", opts.States)
	}
	if len(opts.Tags) > 0 {
		if opts.MatchAll {
			q = q.Where(
				"id IN (SELECT job_id FROM job_tags WHERE tag IN ? GROUP BY job_id HAVING COUNT(DISTINCT tag) = ?)",
				opts.Tags, len(opts.Tags),
			)
		} else {
			q = q.Where("id IN (SELECT job_id FROM job_tags WHERE tag IN ?)", opts.Tags)
		}
	}

	var jobs []db.Job
	if err := q.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: search: %w", err)
	}
	return jobs, nil
}

// SetState updates only the job's state. Transitions out of a terminal state
// are silently dropped, so an agent posting a stale state update cannot
// resurrect a job that was cancelled underneath it. Returns ErrNotFound for
// unknown ids.
func (r *gormJobRepository) SetState(ctx context.Context, id string, state types.JobState) error {
	terminal := []string{
		string(types.JobStateCancelled),
		string(types.JobStateComplete),
		string(types.JobStateCompleted),
	}
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND state NOT IN ?", id, terminal).
		Update("state", string(state))
	if result.Error != nil {
		return fmt.Errorf("jobs: set state: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("jobs: set state lookup: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel transitions the job to cancelled if it is not already terminal.
// The state check and the write are a single conditional UPDATE, so two
// concurrent cancels cannot both report success.
func (r *gormJobRepository) Cancel(ctx context.Context, id string) (bool, error) {
	terminal := []string{
		string(types.JobStateCancelled),
		string(types.JobStateComplete),
		string(types.JobStateCompleted),
	}
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND state NOT IN ?", id, terminal).
		Update("state", string(types.JobStateCancelled))
	if result.Error != nil {
		return false, fmt.Errorf("jobs: cancel: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// Distinguish "already terminal" from "no such job".
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("jobs: cancel lookup: %w", err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// MergeResult merges the partial document into the stored result by top-level
// key. The read-modify-write runs inside a transaction; only the assigned
// agent writes a given job's result, so key-level last-write-wins is enough.
func (r *gormJobRepository) MergeResult(ctx context.Context, id string, partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		err := tx.Select("id", "result").First(&job, "id = ?", id).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: merge result read: %w", err)
		}

		merged := map[string]any{}
		if job.Result != "" {
			if err := json.Unmarshal([]byte(job.Result), &merged); err != nil {
				return fmt.Errorf("jobs: merge result decode: %w", err)
			}
		}
		for k, v := range partial {
			merged[k] = v
		}

		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("jobs: merge result encode: %w", err)
		}
		if err := tx.Model(&db.Job{}).Where("id = ?", id).
			Update("result", string(raw)).Error; err != nil {
			return fmt.Errorf("jobs: merge result write: %w", err)
		}
		return nil
	})
}

// GetResult returns the stored result document. Returns ErrNotFound for
// unknown ids; a job without results yields an empty map.
func (r *gormJobRepository) GetResult(ctx context.Context, id string) (map[string]any, error) {
	var job db.Job
	err := r.db.WithContext(ctx).Select("id", "result").First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get result: %w", err)
	}

	result := map[string]any{}
	if job.Result != "" {
		if err := json.Unmarshal([]byte(job.Result), &result); err != nil {
			return nil, fmt.Errorf("jobs: get result decode: %w", err)
		}
	}
	return result, nil
}

// Position counts the waiting jobs ahead of this one in its queue, in the
// same order Pop dispatches them.
func (r *gormJobRepository) Position(ctx context.Context, id string) (int, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.State != string(types.JobStateWaiting) {
		return 0, ErrGone
	}

	var ahead int64
	err = r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("queue = ? AND state = ?", job.Queue, string(types.JobStateWaiting)).
		Where("priority > ? OR (priority = ? AND created_at < ?)",
			job.Priority, job.Priority, job.CreatedAt).
		Count(&ahead).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: position: %w", err)
	}
	return int(ahead), nil
}

// AttachmentsReceived flips attachments_status from waiting to complete.
// The conditional UPDATE returns false when the job was not awaiting an
// archive (no attachments declared, or already received).
func (r *gormJobRepository) AttachmentsReceived(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND attachments_status = ?", id, string(types.AttachmentsWaiting)).
		Update("attachments_status", string(types.AttachmentsComplete))
	if result.Error != nil {
		return false, fmt.Errorf("jobs: attachments received: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ActiveByQueue returns the non-terminal jobs in a queue in dispatch order.
func (r *gormJobRepository) ActiveByQueue(ctx context.Context, queue string) ([]db.Job, error) {
	terminal := []string{
		string(types.JobStateCancelled),
		string(types.JobStateComplete),
		string(types.JobStateCompleted),
	}
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("queue = ? AND state NOT IN ?", queue, terminal).
		Order("priority DESC").
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: active by queue: %w", err)
	}
	return jobs, nil
}

// WaitTimeSamples collects started_at−created_at durations in seconds for
// every dispatched job, grouped by queue. An empty queue list means all
// queues.
func (r *gormJobRepository) WaitTimeSamples(ctx context.Context, queues []string) (map[string][]float64, error) {
	q := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Select("queue", "created_at", "started_at").
		Where("started_at IS NOT NULL")
	if len(queues) > 0 {
		q = q.Where("queue IN ?", queues)
	}

	var rows []db.Job
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("jobs: wait time samples: %w", err)
	}

	samples := make(map[string][]float64)
	for _, row := range rows {
		if row.StartedAt == nil {
			continue
		}
		wait := row.StartedAt.Sub(row.CreatedAt).Seconds()
		if wait < 0 {
			wait = 0
		}
		samples[row.Queue] = append(samples[row.Queue], wait)
	}
	return samples, nil
}

// DeleteOlderThan removes expired jobs and everything hanging off them.
func (r *gormJobRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&db.Job{}).
			Where("created_at < ?", cutoff).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("jobs: expiry scan: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		for _, model := range []interface{}{&db.JobTag{}, &db.LogFragment{}, &db.OutputCursor{}} {
			if err := tx.Where("job_id IN ?", ids).Delete(model).Error; err != nil {
				return fmt.Errorf("jobs: expiry cascade: %w", err)
			}
		}
		result := tx.Where("id IN ?", ids).Delete(&db.Job{})
		if result.Error != nil {
			return fmt.Errorf("jobs: expiry delete: %w", result.Error)
		}
		deleted = result.RowsAffected
		return nil
	})
	return deleted, err
}
