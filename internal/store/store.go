package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Store interface {
	Device() Device
	Telemetry() Telemetry
	Command() Command
	Event() Event
	Schedule() Schedule
	DeadLetter() DeadLetter
	InitialMigration() error
	CheckHealth(ctx context.Context) error
	CleanupOldRecords(ctx context.Context, retentionDays int) error
	Close() error
}

type DataStore struct {
	device     Device
	telemetry  Telemetry
	command    Command
	event      Event
	schedule   Schedule
	deadLetter DeadLetter

	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Store interface
var _ Store = (*DataStore)(nil)

func NewStore(db *gorm.DB, log logrus.FieldLogger) Store {
	return &DataStore{
		device:     NewDevice(db, log),
		telemetry:  NewTelemetry(db, log),
		command:    NewCommand(db, log),
		event:      NewEvent(db, log),
		schedule:   NewSchedule(db, log),
		deadLetter: NewDeadLetter(db, log),
		db:         db,
		log:        log,
	}
}

func (s *DataStore) Device() Device {
	return s.device
}

func (s *DataStore) Telemetry() Telemetry {
	return s.telemetry
}

func (s *DataStore) Command() Command {
	return s.command
}

func (s *DataStore) Event() Event {
	return s.event
}

func (s *DataStore) Schedule() Schedule {
	return s.schedule
}

func (s *DataStore) DeadLetter() DeadLetter {
	return s.deadLetter
}

func (s *DataStore) InitialMigration() error {
	if err := s.device.InitialMigration(); err != nil {
		return err
	}
	if err := s.telemetry.InitialMigration(); err != nil {
		return err
	}
	if err := s.command.InitialMigration(); err != nil {
		return err
	}
	if err := s.event.InitialMigration(); err != nil {
		return err
	}
	if err := s.schedule.InitialMigration(); err != nil {
		return err
	}
	return s.deadLetter.InitialMigration()
}

func (s *DataStore) CheckHealth(ctx context.Context) error {
	var result int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error
}

// CleanupOldRecords prunes append-only telemetry to a rolling window.
// Cutoff is the start of today in UTC minus the retention period; command
// rows are retained indefinitely.
func (s *DataStore) CleanupOldRecords(ctx context.Context, retentionDays int) error {
	cutoff := RetentionCutoff(time.Now().UTC(), retentionDays)

	if err := s.telemetry.DeleteBefore(ctx, cutoff); err != nil {
		return err
	}
	return s.event.DeleteBefore(ctx, cutoff)
}

// RetentionCutoff computes the pruning cutoff for a given reference time.
func RetentionCutoff(now time.Time, retentionDays int) time.Time {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return startOfDay.AddDate(0, 0, -retentionDays)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
