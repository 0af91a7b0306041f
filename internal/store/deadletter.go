package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/store/model"
)

// DeadLetterFilter narrows List results; zero values match everything.
type DeadLetterFilter struct {
	DeviceID      string
	ModuleName    string
	FailureReason string
	Limit         int
}

// DeadLetterStats summarizes the queue for the operator stats command.
type DeadLetterStats struct {
	Total    int64            `json:"total_messages"`
	ByReason map[string]int64 `json:"by_failure_reason"`
	ByDevice map[string]int64 `json:"by_device"`
	Oldest   *time.Time       `json:"oldest_message,omitempty"`
	Newest   *time.Time       `json:"newest_message,omitempty"`
}

type DeadLetter interface {
	Create(ctx context.Context, record *model.DeadLetter) error
	Get(ctx context.Context, id uuid.UUID) (*model.DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetter, error)
	// IncrementRetry bumps the retry count and last-failed time, returning
	// the updated record.
	IncrementRetry(ctx context.Context, id uuid.UUID) (*model.DeadLetter, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*DeadLetterStats, error)
	Count(ctx context.Context) (int64, error)
	InitialMigration() error
}

type DeadLetterStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to DeadLetter interface
var _ DeadLetter = (*DeadLetterStore)(nil)

func NewDeadLetter(db *gorm.DB, log logrus.FieldLogger) DeadLetter {
	return &DeadLetterStore{db: db, log: log}
}

func (s *DeadLetterStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.DeadLetter{})
}

func (s *DeadLetterStore) Create(ctx context.Context, record *model.DeadLetter) error {
	now := time.Now().UTC()
	if record.FirstFailedAt.IsZero() {
		record.FirstFailedAt = now
	}
	if record.LastFailedAt.IsZero() {
		record.LastFailedAt = now
	}
	return withRetry(ctx, s.log, "dead letter insert", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(s.db.WithContext(ctx).Create(record).Error)
	})
}

func (s *DeadLetterStore) Get(ctx context.Context, id uuid.UUID) (*model.DeadLetter, error) {
	var record model.DeadLetter
	err := withRetry(ctx, s.log, "dead letter get", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(
			s.db.WithContext(ctx).First(&record, "id = ?", id).Error)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var records []model.DeadLetter
	err := withRetry(ctx, s.log, "dead letter list", func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Order("last_failed_at DESC").Limit(limit)
		if filter.DeviceID != "" {
			query = query.Where("device_id = ?", filter.DeviceID)
		}
		if filter.ModuleName != "" {
			query = query.Where("module_name = ?", filter.ModuleName)
		}
		if filter.FailureReason != "" {
			query = query.Where("failure_reason = ?", filter.FailureReason)
		}
		return lherrors.ErrorFromGormError(query.Find(&records).Error)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *DeadLetterStore) IncrementRetry(ctx context.Context, id uuid.UUID) (*model.DeadLetter, error) {
	var record model.DeadLetter
	err := withRetry(ctx, s.log, "dead letter retry update", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&record, "id = ?", id).Error; err != nil {
				return lherrors.ErrorFromGormError(err)
			}
			record.RetryCount++
			record.LastFailedAt = time.Now().UTC()
			return lherrors.ErrorFromGormError(tx.Save(&record).Error)
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *DeadLetterStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := withRetry(ctx, s.log, "dead letter purge", func(ctx context.Context) error {
		result := s.db.WithContext(ctx).Where("last_failed_at < ?", cutoff).Delete(&model.DeadLetter{})
		purged = result.RowsAffected
		return lherrors.ErrorFromGormError(result.Error)
	})
	return purged, err
}

func (s *DeadLetterStore) Stats(ctx context.Context) (*DeadLetterStats, error) {
	stats := &DeadLetterStats{
		ByReason: map[string]int64{},
		ByDevice: map[string]int64{},
	}
	err := withRetry(ctx, s.log, "dead letter stats", func(ctx context.Context) error {
		if err := s.db.WithContext(ctx).Model(&model.DeadLetter{}).Count(&stats.Total).Error; err != nil {
			return lherrors.ErrorFromGormError(err)
		}

		type grouped struct {
			Key   string
			Count int64
		}
		var byReason []grouped
		if err := s.db.WithContext(ctx).Model(&model.DeadLetter{}).
			Select("failure_reason AS key, COUNT(*) AS count").
			Group("failure_reason").Scan(&byReason).Error; err != nil {
			return lherrors.ErrorFromGormError(err)
		}
		for _, g := range byReason {
			stats.ByReason[g.Key] = g.Count
		}

		var byDevice []grouped
		if err := s.db.WithContext(ctx).Model(&model.DeadLetter{}).
			Where("device_id <> ''").
			Select("device_id AS key, COUNT(*) AS count").
			Group("device_id").Scan(&byDevice).Error; err != nil {
			return lherrors.ErrorFromGormError(err)
		}
		for _, g := range byDevice {
			stats.ByDevice[g.Key] = g.Count
		}

		if stats.Total > 0 {
			var oldest, newest model.DeadLetter
			if err := s.db.WithContext(ctx).Order("first_failed_at ASC").First(&oldest).Error; err == nil {
				stats.Oldest = &oldest.FirstFailedAt
			}
			if err := s.db.WithContext(ctx).Order("last_failed_at DESC").First(&newest).Error; err == nil {
				stats.Newest = &newest.LastFailedAt
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := withRetry(ctx, s.log, "dead letter count", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(
			s.db.WithContext(ctx).Model(&model.DeadLetter{}).Count(&count).Error)
	})
	return count, err
}
