package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FailureReason classifies why a message was dead-lettered.
const (
	FailureValidationError   = "validation_error"
	FailureDeviceUnreachable = "device_unreachable"
	FailureModuleError       = "module_error"
	FailureTimeout           = "timeout"
	FailureProcessingError   = "processing_error"
	FailureRetryExhausted    = "retry_exhausted"
	FailureSchemaViolation   = "schema_violation"
	FailureResourceLocked    = "resource_locked"
	FailureUnknownDevice     = "unknown_device"
	FailureUnknownModule     = "unknown_module"
)

// DeadLetter is a persisted record of an irrecoverable failure, retryable
// by an operator up to the configured maximum.
type DeadLetter struct {
	ID            uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	OriginalTopic string               `gorm:"size:512;not null" json:"original_topic"`
	Payload       JSONMap[string, any] `gorm:"type:jsonb" json:"payload,omitempty"`
	FailureReason string               `gorm:"index;size:50;not null" json:"failure_reason"`
	ErrorMessage  string               `gorm:"type:text" json:"error_message,omitempty"`
	DeviceID      string               `gorm:"index;size:255" json:"device_id,omitempty"`
	ModuleName    string               `gorm:"index;size:100" json:"module_name,omitempty"`
	ReqID         string               `gorm:"index;size:255" json:"req_id,omitempty"`
	RetryCount    int                  `json:"retry_count"`
	FirstFailedAt time.Time            `json:"first_failed_at"`
	LastFailedAt  time.Time            `gorm:"index" json:"last_failed_at"`
	Meta          JSONMap[string, any] `gorm:"type:jsonb;column:metadata" json:"metadata,omitempty"`
}

func (d *DeadLetter) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
