package model

import "time"

// MachineStatus is the canonical status of a washing machine.
type MachineStatus string

const (
	MachineAvailable   MachineStatus = "AVAILABLE"
	MachineRunning     MachineStatus = "RUNNING"
	MachineError       MachineStatus = "ERROR"
	MachineMaintenance MachineStatus = "MAINTENANCE"
	MachineOffline     MachineStatus = "OFFLINE"
)

// Realtime is the last snapshot reported by the machine controller.
type Realtime struct {
	State      string    `gorm:"size:32;not null" json:"state"`
	Progress   int       `gorm:"not null" json:"progress"`
	WaterLevel int       `gorm:"not null" json:"waterLevel"`
	Mode       string    `gorm:"size:32;not null" json:"mode"`
	DoorOpen   bool      `gorm:"not null" json:"doorOpen"`
	ErrorCode  *string   `gorm:"size:64" json:"errorCode"`
	LastUpdate time.Time `json:"lastUpdate"` // receipt time, device clocks are not trusted
}

// MachineStats holds the cycle counters of a machine.
type MachineStats struct {
	TotalCycles   int64     `gorm:"not null" json:"totalCycles"`
	TodayCycles   int64     `gorm:"not null" json:"todayCycles"`
	LastResetDate time.Time `json:"lastResetDate"`
}

// Machine represents a physical washing unit.
type Machine struct {
	ID               string        `gorm:"primaryKey;size:64" json:"id"`
	Name             string        `gorm:"size:128;not null" json:"name"`
	Status           MachineStatus `gorm:"size:16;not null;index" json:"status"`
	CurrentOrderCode *string       `gorm:"size:6" json:"currentOrderCode"`
	Realtime         Realtime      `gorm:"embedded;embeddedPrefix:realtime_" json:"realtime"`
	Stats            MachineStats  `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// NewMachine returns a machine as it looks before any telemetry arrived.
func NewMachine(id, name string, now time.Time) Machine {
	return Machine{
		ID:     id,
		Name:   name,
		Status: MachineOffline,
		Realtime: Realtime{
			State:      "POWER_OFF",
			Mode:       "NORMAL",
			LastUpdate: now,
		},
		Stats: MachineStats{LastResetDate: now},
	}
}

// HasOrder reports whether code is the machine's current order.
func (m Machine) HasOrder(code string) bool {
	return m.CurrentOrderCode != nil && *m.CurrentOrderCode == code
}
