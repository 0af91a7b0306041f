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

type Schedule interface {
	Create(ctx context.Context, schedule *model.Schedule) error
	Update(ctx context.Context, schedule *model.Schedule) error
	Get(ctx context.Context, id uuid.UUID) (*model.Schedule, error)
	List(ctx context.Context, activeOnly bool) ([]model.Schedule, error)
	Delete(ctx context.Context, id uuid.UUID) error
	MarkRun(ctx context.Context, id uuid.UUID, lastRun time.Time, nextRun *time.Time) error
	InitialMigration() error
}

type ScheduleStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Schedule interface
var _ Schedule = (*ScheduleStore)(nil)

func NewSchedule(db *gorm.DB, log logrus.FieldLogger) Schedule {
	return &ScheduleStore{db: db, log: log}
}

func (s *ScheduleStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Schedule{})
}

func (s *ScheduleStore) Create(ctx context.Context, schedule *model.Schedule) error {
	return withRetry(ctx, s.log, "schedule insert", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(s.db.WithContext(ctx).Create(schedule).Error)
	})
}

func (s *ScheduleStore) Update(ctx context.Context, schedule *model.Schedule) error {
	return withRetry(ctx, s.log, "schedule update", func(ctx context.Context) error {
		result := s.db.WithContext(ctx).Save(schedule)
		return lherrors.ErrorFromGormError(result.Error)
	})
}

func (s *ScheduleStore) Get(ctx context.Context, id uuid.UUID) (*model.Schedule, error) {
	var schedule model.Schedule
	err := withRetry(ctx, s.log, "schedule get", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(
			s.db.WithContext(ctx).First(&schedule, "id = ?", id).Error)
	})
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (s *ScheduleStore) List(ctx context.Context, activeOnly bool) ([]model.Schedule, error) {
	var schedules []model.Schedule
	err := withRetry(ctx, s.log, "schedule list", func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Order("name")
		if activeOnly {
			query = query.Where("active = ?", true)
		}
		return lherrors.ErrorFromGormError(query.Find(&schedules).Error)
	})
	if err != nil {
		return nil, err
	}
	return schedules, nil
}

func (s *ScheduleStore) Delete(ctx context.Context, id uuid.UUID) error {
	return withRetry(ctx, s.log, "schedule delete", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(
			s.db.WithContext(ctx).Delete(&model.Schedule{}, "id = ?", id).Error)
	})
}

func (s *ScheduleStore) MarkRun(ctx context.Context, id uuid.UUID, lastRun time.Time, nextRun *time.Time) error {
	return withRetry(ctx, s.log, "schedule mark run", func(ctx context.Context) error {
		result := s.db.WithContext(ctx).Model(&model.Schedule{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"last_run":  lastRun.UTC(),
				"next_run":  nextRun,
				"run_count": gorm.Expr("run_count + 1"),
			})
		if result.Error != nil {
			return lherrors.ErrorFromGormError(result.Error)
		}
		if result.RowsAffected == 0 {
			return lherrors.ErrNotFound
		}
		return nil
	})
}
