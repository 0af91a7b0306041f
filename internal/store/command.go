package store

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/store/model"
)

// AckUpdate carries the terminal outcome applied to a dispatched command.
type AckUpdate struct {
	Status       string
	Success      bool
	ErrorMessage string
	Details      map[string]any
	AckedAt      time.Time
}

type Command interface {
	RecordDispatch(ctx context.Context, command *model.Command) error
	// RecordAck applies the terminal outcome for req_id. The call is
	// idempotent: once a command is terminal, subsequent calls return the
	// stored row unchanged.
	RecordAck(ctx context.Context, reqID string, update AckUpdate) (*model.Command, error)
	GetByReqID(ctx context.Context, reqID string) (*model.Command, error)
	InitialMigration() error
}

type CommandStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Command interface
var _ Command = (*CommandStore)(nil)

func NewCommand(db *gorm.DB, log logrus.FieldLogger) Command {
	return &CommandStore{db: db, log: log}
}

func (s *CommandStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Command{})
}

func (s *CommandStore) RecordDispatch(ctx context.Context, command *model.Command) error {
	if command.Status == "" {
		command.Status = model.CommandStatusDispatched
	}
	if command.DispatchedAt.IsZero() {
		command.DispatchedAt = time.Now().UTC()
	}
	return withRetry(ctx, s.log, "command dispatch insert", func(ctx context.Context) error {
		return lherrors.ErrorFromGormError(s.db.WithContext(ctx).Create(command).Error)
	})
}

func (s *CommandStore) RecordAck(ctx context.Context, reqID string, update AckUpdate) (*model.Command, error) {
	var command model.Command
	err := withRetry(ctx, s.log, "command ack update", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&command, "req_id = ?", reqID).Error; err != nil {
				return lherrors.ErrorFromGormError(err)
			}
			if command.IsTerminal() {
				// first terminal transition wins; replays observe it
				return nil
			}

			ackedAt := update.AckedAt
			if ackedAt.IsZero() {
				ackedAt = time.Now().UTC()
			}
			command.Status = update.Status
			command.AckedAt = &ackedAt
			command.Success = &update.Success
			command.ErrorMessage = update.ErrorMessage
			command.ResponseDetails = update.Details
			if update.Status == model.CommandStatusAcked || update.Status == model.CommandStatusFailed {
				durationMS := ackedAt.Sub(command.DispatchedAt).Milliseconds()
				command.DurationMS = &durationMS
			}
			return lherrors.ErrorFromGormError(tx.Save(&command).Error)
		})
	})
	if err != nil {
		return nil, err
	}
	return &command, nil
}

func (s *CommandStore) GetByReqID(ctx context.Context, reqID string) (*model.Command, error) {
	var command model.Command
	err := withRetry(ctx, s.log, "command get", func(ctx context.Context) error {
		result := s.db.WithContext(ctx).First(&command, "req_id = ?", reqID)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return lherrors.ErrNotFound
		}
		return lherrors.ErrorFromGormError(result.Error)
	})
	if err != nil {
		return nil, err
	}
	return &command, nil
}
