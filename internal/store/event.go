package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/store/model"
)

type Event interface {
	Record(ctx context.Context, event *model.Event) error
	List(ctx context.Context, eventType string, limit int) ([]model.Event, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) error
	InitialMigration() error
}

type EventStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Event interface
var _ Event = (*EventStore)(nil)

func NewEvent(db *gorm.DB, log logrus.FieldLogger) Event {
	return &EventStore{db: db, log: log}
}

func (s *EventStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Event{})
}

func (s *EventStore) Record(ctx context.Context, event *model.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return withRetry(ctx, s.log, "event insert", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(s.db.WithContext(ctx).Create(event).Error)
	})
}

func (s *EventStore) List(ctx context.Context, eventType string, limit int) ([]model.Event, error) {
	var events []model.Event
	err := withRetry(ctx, s.log, "event list", func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Order("timestamp DESC").Limit(limit)
		if eventType != "" {
			query = query.Where("event_type = ?", eventType)
		}
		return lherrors.ErrorFromGormError(query.Find(&events).Error)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *EventStore) DeleteBefore(ctx context.Context, cutoff time.Time) error {
	return withRetry(ctx, s.log, "event cleanup", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(
			s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&model.Event{}).Error)
	})
}
