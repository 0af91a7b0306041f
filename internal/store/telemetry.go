package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/store/model"
)

// Telemetry persists the append-only module status and heartbeat streams.
type Telemetry interface {
	RecordModuleStatus(ctx context.Context, status *model.ModuleStatus) error
	GetLatestModuleStatus(ctx context.Context, deviceID, moduleName string) (*model.ModuleStatus, error)
	RecordHeartbeat(ctx context.Context, heartbeat *model.Heartbeat) error
	DeleteBefore(ctx context.Context, cutoff time.Time) error
	InitialMigration() error
}

type TelemetryStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Telemetry interface
var _ Telemetry = (*TelemetryStore)(nil)

func NewTelemetry(db *gorm.DB, log logrus.FieldLogger) Telemetry {
	return &TelemetryStore{db: db, log: log}
}

func (s *TelemetryStore) InitialMigration() error {
	if err := s.db.AutoMigrate(&model.ModuleStatus{}); err != nil {
		return err
	}
	return s.db.AutoMigrate(&model.Heartbeat{})
}

func (s *TelemetryStore) RecordModuleStatus(ctx context.Context, status *model.ModuleStatus) error {
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	return withRetry(ctx, s.log, "module status insert", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(s.db.WithContext(ctx).Create(status).Error)
	})
}

func (s *TelemetryStore) GetLatestModuleStatus(ctx context.Context, deviceID, moduleName string) (*model.ModuleStatus, error) {
	var status model.ModuleStatus
	err := withRetry(ctx, s.log, "module status latest", func(ctx context.Context) error {
		result := s.db.WithContext(ctx).
			Where("device_id = ? AND module_name = ?", deviceID, moduleName).
			Order("timestamp DESC").
			First(&status)
		return lherrors.ErrorFromGormError(result.Error)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *TelemetryStore) RecordHeartbeat(ctx context.Context, heartbeat *model.Heartbeat) error {
	if heartbeat.Timestamp.IsZero() {
		heartbeat.Timestamp = time.Now().UTC()
	}
	return withRetry(ctx, s.log, "heartbeat insert", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(s.db.WithContext(ctx).Create(heartbeat).Error)
	})
}

func (s *TelemetryStore) DeleteBefore(ctx context.Context, cutoff time.Time) error {
	return withRetry(ctx, s.log, "telemetry cleanup", func(ctx context.Context) error {
		if err := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&model.Heartbeat{}).Error; err != nil {
			return lherrors.ErrorFromGormError(err)
		}
		return lherrors.ErrorFromGormError(
			s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&model.ModuleStatus{}).Error)
	})
}
