package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/canonical/testflinger/internal/server/db"
)

// gormQueueRepository is the GORM implementation of QueueRepository.
type gormQueueRepository struct {
	db *gorm.DB
}

// NewQueueRepository returns a QueueRepository backed by the provided *gorm.DB.
func NewQueueRepository(db *gorm.DB) QueueRepository {
	return &gormQueueRepository{db: db}
}

// Advertise upserts queue descriptions posted by agents.
func (r *gormQueueRepository) Advertise(ctx context.Context, queues map[string]string) error {
	for name, description := range queues {
		if name == "" {
			continue
		}
		doc := db.QueueDoc{
			Name:        name,
			Description: description,
			Images:      "{}",
			UpdatedAt:   time.Now().UTC(),
		}
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"description", "updated_at"}),
			}).
			Create(&doc).Error
		if err != nil {
			return fmt.Errorf("queues: advertise: %w", err)
		}
	}
	return nil
}

// List returns all advertised queues as name → description.
func (r *gormQueueRepository) List(ctx context.Context) (map[string]string, error) {
	var docs []db.QueueDoc
	if err := r.db.WithContext(ctx).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("queues: list: %w", err)
	}
	out := make(map[string]string, len(docs))
	for _, doc := range docs {
		out[doc.Name] = doc.Description
	}
	return out, nil
}

// AdvertiseImages upserts the image catalog per queue, creating missing queue
// records on the fly so image-only agents still show up.
func (r *gormQueueRepository) AdvertiseImages(ctx context.Context, images map[string]map[string]string) error {
	for queue, catalog := range images {
		if queue == "" {
			continue
		}
		raw, err := json.Marshal(catalog)
		if err != nil {
			return fmt.Errorf("queues: advertise images encode: %w", err)
		}
		doc := db.QueueDoc{
			Name:      queue,
			Images:    string(raw),
			UpdatedAt: time.Now().UTC(),
		}
		err = r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"images", "updated_at"}),
			}).
			Create(&doc).Error
		if err != nil {
			return fmt.Errorf("queues: advertise images: %w", err)
		}
	}
	return nil
}

// ImagesForQueue returns the advertised image catalog for a queue. Unknown
// queues yield an empty map rather than an error.
func (r *gormQueueRepository) ImagesForQueue(ctx context.Context, queue string) (map[string]string, error) {
	var doc db.QueueDoc
	err := r.db.WithContext(ctx).First(&doc, "name = ?", queue).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("queues: images: %w", err)
	}

	catalog := map[string]string{}
	if doc.Images != "" {
		if err := json.Unmarshal([]byte(doc.Images), &catalog); err != nil {
			return nil, fmt.Errorf("queues: images decode: %w", err)
		}
	}
	return catalog, nil
}

// SetRestricted marks a queue restricted with the given owner set.
func (r *gormQueueRepository) SetRestricted(ctx context.Context, queue string, owners []string) error {
	raw, err := json.Marshal(owners)
	if err != nil {
		return fmt.Errorf("queues: restrict encode: %w", err)
	}
	rec := db.RestrictedQueue{
		Queue:     queue,
		Owners:    string(raw),
		UpdatedAt: time.Now().UTC(),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "queue"}},
			DoUpdates: clause.AssignmentColumns([]string{"owners", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("queues: restrict: %w", err)
	}
	return nil
}

// GetRestricted returns the owner set for a restricted queue.
// Returns ErrNotFound when the queue is not restricted.
func (r *gormQueueRepository) GetRestricted(ctx context.Context, queue string) ([]string, error) {
	var rec db.RestrictedQueue
	err := r.db.WithContext(ctx).First(&rec, "queue = ?", queue).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queues: get restricted: %w", err)
	}
	return decodeOwners(rec.Owners)
}

// ListRestricted returns every restricted queue with its owner set.
func (r *gormQueueRepository) ListRestricted(ctx context.Context) (map[string][]string, error) {
	var recs []db.RestrictedQueue
	if err := r.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("queues: list restricted: %w", err)
	}
	out := make(map[string][]string, len(recs))
	for _, rec := range recs {
		owners, err := decodeOwners(rec.Owners)
		if err != nil {
			return nil, err
		}
		out[rec.Queue] = owners
	}
	return out, nil
}

// DeleteRestricted lifts the restriction on a queue.
func (r *gormQueueRepository) DeleteRestricted(ctx context.Context, queue string) error {
	result := r.db.WithContext(ctx).Where("queue = ?", queue).Delete(&db.RestrictedQueue{})
	if result.Error != nil {
		return fmt.Errorf("queues: delete restricted: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RestrictedAmong filters the given queues down to the restricted ones.
func (r *gormQueueRepository) RestrictedAmong(ctx context.Context, queues []string) (map[string][]string, error) {
	if len(queues) == 0 {
		return map[string][]string{}, nil
	}
	var recs []db.RestrictedQueue
	err := r.db.WithContext(ctx).Where("queue IN ?", queues).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("queues: restricted among: %w", err)
	}
	out := make(map[string][]string, len(recs))
	for _, rec := range recs {
		owners, err := decodeOwners(rec.Owners)
		if err != nil {
			return nil, err
		}
		out[rec.Queue] = owners
	}
	return out, nil
}

func decodeOwners(raw string) ([]string, error) {
	owners := []string{}
	if raw == "" {
		return owners, nil
	}
	if err := json.Unmarshal([]byte(raw), &owners); err != nil {
		return nil, fmt.Errorf("queues: owners decode: %w", err)
	}
	return owners, nil
}
