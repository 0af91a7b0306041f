package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModuleStatus is an append-only snapshot of one module's state; the
// latest row per (device, module) is the queryable view.
type ModuleStatus struct {
	ID         uuid.UUID            `gorm:"type:uuid;primaryKey"`
	DeviceID   string               `gorm:"index;size:255;not null"`
	ModuleName string               `gorm:"index;size:100;not null"`
	State      string               `gorm:"index;size:50"`
	Fields     JSONMap[string, any] `gorm:"type:jsonb"`
	Online     bool
	Timestamp  time.Time `gorm:"index"`
}

func (s *ModuleStatus) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Heartbeat is an append-only liveness record.
type Heartbeat struct {
	ID        uuid.UUID            `gorm:"type:uuid;primaryKey"`
	DeviceID  string               `gorm:"index;size:255;not null"`
	Online    bool                 `gorm:"index"`
	Timestamp time.Time            `gorm:"index"`
	Meta      JSONMap[string, any] `gorm:"type:jsonb;column:metadata"`
}

func (h *Heartbeat) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
