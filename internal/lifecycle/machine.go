package lifecycle

import "laundry-sync-backend/internal/model"

// Device states reported by the machine controller.
const (
	StatePowerOff   = "POWER_OFF"
	StateReady      = "READY"
	StateFilling    = "FILLING"
	StateWashing    = "WASHING"
	StatePaused     = "PAUSED"
	StateErrorDoor  = "ERROR_DOOR"
	StateErrorWater = "ERROR_WATER"
	StateDone       = "DONE"
)

// MachineStatusFor maps a raw device state to a machine status.
// ok is false for the terminal DONE state: completion is decided by the DONE
// lifecycle event, so a status tick alone leaves the current status untouched.
func MachineStatusFor(state string) (status model.MachineStatus, ok bool) {
	switch state {
	case StatePowerOff:
		return model.MachineOffline, true
	case StateReady:
		return model.MachineAvailable, true
	case StateErrorDoor, StateErrorWater:
		return model.MachineError, true
	case StateDone:
		return "", false
	default:
		return model.MachineRunning, true
	}
}

// ApplyTelemetryStatus returns the status a machine ends up in after a status tick.
// Maintenance is operator-owned and survives telemetry.
func ApplyTelemetryStatus(current model.MachineStatus, state string) model.MachineStatus {
	if current == model.MachineMaintenance {
		return current
	}
	if status, ok := MachineStatusFor(state); ok {
		return status
	}
	return current
}

// OrderEventForState picks the order event implied by a status tick.
func OrderEventForState(state string) string {
	if state == StateDone {
		return EventFinish
	}
	return EventProgress
}
