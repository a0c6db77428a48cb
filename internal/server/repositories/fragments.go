package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/types"
)

// gormFragmentRepository is the GORM implementation of FragmentRepository.
type gormFragmentRepository struct {
	db *gorm.DB
}

// NewFragmentRepository returns a FragmentRepository backed by the provided
// *gorm.DB.
func NewFragmentRepository(db *gorm.DB) FragmentRepository {
	return &gormFragmentRepository{db: db}
}

// Append stores one fragment. The composite primary key makes duplicate
// posts from agent retries a no-op via ON CONFLICT DO NOTHING.
func (r *gormFragmentRepository) Append(ctx context.Context, frag *db.LogFragment) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(frag).Error
	if err != nil {
		return fmt.Errorf("fragments: append: %w", err)
	}
	return nil
}

// AppendNext assigns the next free fragment number inside a transaction.
// Only one writer exists per job in practice (the agent that claimed it), so
// contention on the max() read is not a concern.
func (r *gormFragmentRepository) AppendNext(ctx context.Context, jobID string, logType types.LogType, phase types.Phase, data string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int
		err := tx.Model(&db.LogFragment{}).
			Where("job_id = ? AND log_type = ? AND phase = ?", jobID, string(logType), string(phase)).
			Select("COALESCE(MAX(fragment_number), -1) + 1").
			Scan(&next).Error
		if err != nil {
			return err
		}
		frag := db.LogFragment{
			JobID:          jobID,
			LogType:        string(logType),
			Phase:          string(phase),
			FragmentNumber: next,
			Timestamp:      time.Now().UTC(),
			LogData:        data,
		}
		return tx.Create(&frag).Error
	})
	if err != nil {
		return fmt.Errorf("fragments: append next: %w", err)
	}
	return nil
}

// List returns fragments for (jobID, logType) ordered by phase then
// fragment_number. StartFragment keeps fragments numbered >= the given value;
// StartTimestamp keeps fragments strictly newer than the given time.
func (r *gormFragmentRepository) List(ctx context.Context, jobID string, logType types.LogType, filter FragmentFilter) ([]db.LogFragment, error) {
	q := r.db.WithContext(ctx).
		Where("job_id = ? AND log_type = ?", jobID, string(logType))
	if filter.Phase != "" {
		q = q.Where("phase = ?", filter.Phase)
	}
	if filter.StartFragment != nil {
		q = q.Where("fragment_number >= ?", *filter.StartFragment)
	}
	if filter.StartTimestamp != nil {
		q = q.Where("timestamp > ?", *filter.StartTimestamp)
	}

	var frags []db.LogFragment
	if err := q.Order("phase ASC").Order("fragment_number ASC").Find(&frags).Error; err != nil {
		return nil, fmt.Errorf("fragments: list: %w", err)
	}
	return frags, nil
}

// drainRank orders fragments across phases for the legacy live view.
// Unknown phase names sort after cleanup rather than disappearing.
func drainRank(phase string) int {
	if rank := types.Phase(phase).Rank(); rank >= 0 {
		return rank
	}
	return len(types.AllPhases)
}

// Drain returns everything past the caller's high-water mark in phase
// execution order and advances the mark. Fragments that arrive out of order
// below an already served position are dropped from the live view; the full
// log is still available through List.
func (r *gormFragmentRepository) Drain(ctx context.Context, jobID string, logType types.LogType) (string, error) {
	var out string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur := db.OutputCursor{
			JobID:         jobID,
			LogType:       string(logType),
			LastPhaseRank: -1,
			LastFragment:  -1,
		}
		err := tx.First(&cur, "job_id = ? AND log_type = ?", jobID, string(logType)).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("fragments: drain cursor read: %w", err)
		}

		var frags []db.LogFragment
		if err := tx.Where("job_id = ? AND log_type = ?", jobID, string(logType)).
			Find(&frags).Error; err != nil {
			return fmt.Errorf("fragments: drain scan: %w", err)
		}

		sort.Slice(frags, func(i, j int) bool {
			ri, rj := drainRank(frags[i].Phase), drainRank(frags[j].Phase)
			if ri != rj {
				return ri < rj
			}
			return frags[i].FragmentNumber < frags[j].FragmentNumber
		})

		var b strings.Builder
		for _, f := range frags {
			rank := drainRank(f.Phase)
			if rank < cur.LastPhaseRank ||
				(rank == cur.LastPhaseRank && f.FragmentNumber <= cur.LastFragment) {
				continue
			}
			b.WriteString(f.LogData)
			cur.LastPhaseRank = rank
			cur.LastFragment = f.FragmentNumber
		}
		cur.LastAccessed = time.Now().UTC()

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cur).Error; err != nil {
			return fmt.Errorf("fragments: drain cursor write: %w", err)
		}
		out = b.String()
		return nil
	})
	return out, err
}

// DeleteIdleCursors removes drain cursors whose last access predates the
// cutoff. Called by the janitor.
func (r *gormFragmentRepository) DeleteIdleCursors(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("last_accessed < ?", cutoff).
		Delete(&db.OutputCursor{})
	if result.Error != nil {
		return 0, fmt.Errorf("fragments: delete idle cursors: %w", result.Error)
	}
	return result.RowsAffected, nil
}
