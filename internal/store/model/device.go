package model

import (
	"encoding/json"
	"time"
)

// Device is the persisted registry row. Devices are created on first meta
// message and soft-offlined, never deleted.
type Device struct {
	DeviceID     string                           `gorm:"primaryKey;size:255"`
	Modules      JSONSlice[string]                `gorm:"type:jsonb"`
	Capabilities JSONMap[string, map[string]any]  `gorm:"type:jsonb"`
	Labels       JSONSlice[string]                `gorm:"type:jsonb"`
	Version      string                           `gorm:"size:100"`
	LastSeen     time.Time                        `gorm:"index"`
	Online       bool                             `gorm:"index"`
	Meta         JSONMap[string, any]             `gorm:"type:jsonb;column:metadata"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (d Device) String() string {
	val, _ := json.Marshal(d)
	return string(val)
}

func (d *Device) HasModule(name string) bool {
	for _, m := range d.Modules {
		if m == name {
			return true
		}
	}
	return false
}
