package store

import (
	"errors"
	"time"

	"laundry-sync-backend/internal/lifecycle"
)

var (
	// ErrNotFound is returned when a machine, order or subscription does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCodeExhausted is returned when no unique order code could be generated.
	ErrCodeExhausted = errors.New("could not generate a unique order code")
	// ErrMachineUnavailable is returned when an order is assigned to a busy machine.
	ErrMachineUnavailable = errors.New("machine is not available")
	// ErrInvalidTransition is returned when an order refuses an event.
	ErrInvalidTransition = lifecycle.ErrInvalidTransition
)

// OrderProgress is the order-side effect of one status tick.
type OrderProgress struct {
	MachineID string
	State     string
	Progress  int
	Mode      string
}

// OrderCompletion describes a DONE lifecycle event for an order.
type OrderCompletion struct {
	OrderCode string
	MachineID string
	Mode      *string
	At        time.Time
}

// CycleCompletion releases a machine after a finished cycle.
type CycleCompletion struct {
	MachineID string
	OrderCode string
	// Count is false for redelivered completions so counters move once per cycle.
	Count bool
	// UnknownOrder counts the cycle only if it releases the machine from that
	// order, so a redelivered DONE for an order nobody created counts once.
	UnknownOrder bool
	At           time.Time
}

// NewOrder carries the customer-supplied fields of an order.
type NewOrder struct {
	CustomerEmail string
	CustomerName  string
	CustomerPhone string
	Package       string
	Price         int64
}
