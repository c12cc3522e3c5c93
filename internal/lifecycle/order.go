// Package lifecycle holds the transition rules for orders and machines.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"laundry-sync-backend/internal/model"
)

// Order events.
const (
	EventStart    = "start"
	EventProgress = "progress"
	EventFinish   = "finish"
	EventPickup   = "pickup"
	EventCancel   = "cancel"
)

// ErrInvalidTransition is returned when an event is not allowed from the current status.
var ErrInvalidTransition = errors.New("invalid order transition")

var orderEvents = fsm.Events{
	{Name: EventStart, Src: []string{string(model.OrderPending)}, Dst: string(model.OrderWashing)},
	{Name: EventProgress, Src: []string{string(model.OrderPending), string(model.OrderWashing)}, Dst: string(model.OrderWashing)},
	{Name: EventFinish, Src: []string{string(model.OrderPending), string(model.OrderWashing)}, Dst: string(model.OrderDone)},
	{Name: EventPickup, Src: []string{string(model.OrderDone)}, Dst: string(model.OrderPickedUp)},
	{Name: EventCancel, Src: []string{string(model.OrderPending)}, Dst: string(model.OrderCancelled)},
}

// NextOrderStatus applies event to an order in status current.
// changed is false when the event is allowed but leaves the status as it was
// (for example a progress tick on a washing order).
func NextOrderStatus(ctx context.Context, current model.OrderStatus, event string) (next model.OrderStatus, changed bool, err error) {
	machine := fsm.NewFSM(string(current), orderEvents, fsm.Callbacks{})

	if err := machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return current, false, nil
		}
		var invalid fsm.InvalidEventError
		var unknown fsm.UnknownEventError
		if errors.As(err, &invalid) || errors.As(err, &unknown) {
			return current, false, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, current)
		}
		return current, false, err
	}
	return model.OrderStatus(machine.Current()), true, nil
}
