package schema

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ScheduleType selects between a single firing and a recurring cron.
type ScheduleType string

const (
	ScheduleOnce ScheduleType = "once"
	ScheduleCron ScheduleType = "cron"
)

// ScheduleCommand is one command a schedule dispatches on firing.
type ScheduleCommand struct {
	DeviceID string         `json:"device_id" validate:"required,min=1,max=255"`
	Action   string         `json:"action" validate:"required,min=1,max=100"`
	Params   map[string]any `json:"params,omitempty"`
}

// ScheduleSpec defines a scheduled task.
type ScheduleSpec struct {
	Name         string            `json:"name" validate:"required,min=1,max=255"`
	DeviceID     string            `json:"device_id,omitempty" validate:"max=255"`
	ModuleName   string            `json:"module_name,omitempty" validate:"max=100"`
	Actor        string            `json:"actor,omitempty" validate:"max=100"`
	ScheduleType ScheduleType      `json:"schedule_type" validate:"required"`
	ScheduleExpr string            `json:"schedule_expr" validate:"required,min=1,max=255"`
	Commands     []ScheduleCommand `json:"commands" validate:"required,min=1,max=50,dive"`
	Active       bool              `json:"active"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (s *ScheduleSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if s.Actor == "" {
		s.Actor = "scheduler"
	}

	switch s.ScheduleType {
	case ScheduleOnce:
		if _, err := ParseTimestamp(s.ScheduleExpr); err != nil {
			return fmt.Errorf("invalid timestamp for once schedule: %w", err)
		}
	case ScheduleCron:
		if parts := strings.Fields(s.ScheduleExpr); len(parts) != 5 {
			return fmt.Errorf("cron expression must have 5 parts (minute hour day month weekday), got %d", len(parts))
		}
		if _, err := cronParser.Parse(s.ScheduleExpr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("invalid schedule type %q, must be once or cron", s.ScheduleType)
	}
	return nil
}
