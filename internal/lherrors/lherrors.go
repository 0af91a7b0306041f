package lherrors

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateReqID = errors.New("a command with this req_id already exists")

	// engine
	ErrUnknownDevice = errors.New("device is not registered")
	ErrUnknownModule = errors.New("module is not present on the device")
	ErrReqIDConflict = errors.New("req_id was already used for a different device or action")
	ErrShuttingDown  = errors.New("orchestrator is shutting down")

	// dead letter queue
	ErrRetryExhausted = errors.New("dead letter entry exceeded the maximum retry count")
)

func ErrorFromGormError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateReqID
	default:
		return err
	}
}
