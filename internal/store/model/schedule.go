package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lab-platform/labhub/internal/schema"
)

// Schedule is a persisted scheduled task definition.
type Schedule struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string    `gorm:"index;size:255" json:"name"`
	DeviceID   string    `gorm:"index;size:255" json:"device_id,omitempty"`
	ModuleName string    `gorm:"index;size:100" json:"module_name,omitempty"`
	Actor      string    `gorm:"index;size:100" json:"actor"`

	ScheduleType string                            `gorm:"index;size:50" json:"schedule_type"`
	ScheduleExpr string                            `gorm:"size:255" json:"schedule_expr"`
	Commands     JSONSlice[schema.ScheduleCommand] `gorm:"type:jsonb" json:"commands"`

	Active   bool       `gorm:"index" json:"active"`
	LastRun  *time.Time `gorm:"index" json:"last_run,omitempty"`
	NextRun  *time.Time `gorm:"index" json:"next_run,omitempty"`
	RunCount int        `json:"run_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Schedule) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
