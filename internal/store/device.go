package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/store/model"
)

type Device interface {
	Upsert(ctx context.Context, device *model.Device) error
	Get(ctx context.Context, deviceID string) (*model.Device, error)
	List(ctx context.Context, onlineOnly bool) ([]model.Device, error)
	SetOnline(ctx context.Context, deviceID string, online bool, lastSeen time.Time) error
	InitialMigration() error
}

type DeviceStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Device interface
var _ Device = (*DeviceStore)(nil)

func NewDevice(db *gorm.DB, log logrus.FieldLogger) Device {
	return &DeviceStore{db: db, log: log}
}

func (s *DeviceStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Device{})
}

// Upsert inserts the device or updates its mutable columns, preserving
// CreatedAt on conflict.
func (s *DeviceStore) Upsert(ctx context.Context, device *model.Device) error {
	return withRetry(ctx, s.log, "device upsert", func(ctx context.Context) error {
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"modules", "capabilities", "labels", "version",
				"last_seen", "online", "metadata", "updated_at",
			}),
		}).Create(device)
		return lherrors.ErrorFromGormError(result.Error)
	})
}

func (s *DeviceStore) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	err := withRetry(ctx, s.log, "device get", func(ctx context.Context) error {
		result := s.db.WithContext(ctx).First(&device, "device_id = ?", deviceID)
		return lherrors.ErrorFromGormError(result.Error)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *DeviceStore) List(ctx context.Context, onlineOnly bool) ([]model.Device, error) {
	var devices []model.Device
	err := withRetry(ctx, s.log, "device list", func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Order("device_id")
		if onlineOnly {
			query = query.Where("online = ?", true)
		}
		return lherrors.ErrorFromGormError(query.Find(&devices).Error)
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *DeviceStore) SetOnline(ctx context.Context, deviceID string, online bool, lastSeen time.Time) error {
	return withRetry(ctx, s.log, "device set online", func(ctx context.Context) error {
		result := s.db.WithContext(ctx).Model(&model.Device{}).
			Where("device_id = ?", deviceID).
			Updates(map[string]any{"online": online, "last_seen": lastSeen.UTC()})
		if result.Error != nil {
			return lherrors.ErrorFromGormError(result.Error)
		}
		if result.RowsAffected == 0 {
			return lherrors.ErrNotFound
		}
		return nil
	})
}
