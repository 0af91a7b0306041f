package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit event types emitted by the orchestrator.
const (
	EventDeviceConnected   = "device_connected"
	EventDeviceOffline     = "device_offline"
	EventCommandExecuted   = "command_executed"
	EventCommandTimeout    = "command_timeout"
	EventScheduleExecuted  = "schedule_executed"
	EventMessageDeadLetter = "message_dead_lettered"
)

// Event is the append-only audit log.
type Event struct {
	ID          uuid.UUID            `gorm:"type:uuid;primaryKey"`
	EventType   string               `gorm:"index;size:100;not null"`
	DeviceID    string               `gorm:"index;size:255"`
	ModuleName  string               `gorm:"index;size:100"`
	Actor       string               `gorm:"index;size:100"`
	Description string               `gorm:"type:text"`
	Meta        JSONMap[string, any] `gorm:"type:jsonb;column:metadata"`
	Timestamp   time.Time            `gorm:"index"`
}

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
