package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Command statuses. Terminal statuses are final and always carry a
// success value.
const (
	CommandStatusDispatched = "dispatched"
	CommandStatusAcked      = "acked"
	CommandStatusFailed     = "failed"
	CommandStatusTimeout    = "timeout"
)

// Command is the engine's primary record: one row per req_id.
type Command struct {
	ID         uuid.UUID            `gorm:"type:uuid;primaryKey"`
	ReqID      string               `gorm:"uniqueIndex;size:255;not null"`
	DeviceID   string               `gorm:"index;size:255;not null"`
	ModuleName string               `gorm:"index;size:100"`
	Actor      string               `gorm:"index;size:100"`
	Action     string               `gorm:"index;size:100;not null"`
	Params     JSONMap[string, any] `gorm:"type:jsonb"`

	Status          string `gorm:"index;size:50"`
	DispatchedAt    time.Time
	AckedAt         *time.Time
	Success         *bool
	ErrorMessage    string               `gorm:"type:text"`
	ResponseDetails JSONMap[string, any] `gorm:"type:jsonb"`

	// Time from dispatch to ack, unset for timeouts.
	DurationMS *int64
}

func (c *Command) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (c *Command) IsTerminal() bool {
	switch c.Status {
	case CommandStatusAcked, CommandStatusFailed, CommandStatusTimeout:
		return true
	}
	return false
}
