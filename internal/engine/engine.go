// Package engine turns decoded telemetry into persisted machine and order state
// and the side effects that follow from it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"laundry-sync-backend/internal/lifecycle"
	"laundry-sync-backend/internal/model"
	"laundry-sync-backend/internal/notification"
	"laundry-sync-backend/internal/parse"
	"laundry-sync-backend/internal/realtime"
	"laundry-sync-backend/internal/store"
	"laundry-sync-backend/internal/telemetry"
)

// Engine applies telemetry. Calls for one machine must not overlap; the caller
// serializes them (see worker.Pool).
type Engine struct {
	store       store.Store
	notifier    notification.Notifier
	broadcaster realtime.Broadcaster
	log         *zap.Logger
	now         func() time.Time
	notifyAdmin bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source used when a message carries no receipt time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAdminErrorEmail mails the operator for every error report.
func WithAdminErrorEmail(enabled bool) Option {
	return func(e *Engine) { e.notifyAdmin = enabled }
}

// New creates an engine.
func New(st store.Store, notifier notification.Notifier, broadcaster realtime.Broadcaster, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		notifier:    notifier,
		broadcaster: broadcaster,
		log:         logger.Named("engine"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) receivedAt(t time.Time) time.Time {
	if t.IsZero() {
		return e.now()
	}
	return t
}

// HandleStatus records a status tick: machine status and realtime snapshot
// first, then the progress of the order it names.
func (e *Engine) HandleStatus(ctx context.Context, msg telemetry.StatusMessage) error {
	at := e.receivedAt(msg.ReceivedAt)

	m, err := e.store.EnsureMachine(ctx, msg.MachineID, parse.MachineName(msg.MachineID), at)
	if err != nil {
		return err
	}

	m.Status = lifecycle.ApplyTelemetryStatus(m.Status, msg.State)
	m.CurrentOrderCode = msg.OrderCode
	m.Realtime = model.Realtime{
		State:      msg.State,
		Progress:   msg.Progress,
		WaterLevel: msg.WaterLevel,
		Mode:       msg.Mode,
		DoorOpen:   msg.DoorOpen,
		ErrorCode:  msg.ErrorCode,
		LastUpdate: at,
	}
	if err := e.store.SaveMachineState(ctx, m); err != nil {
		return err
	}
	e.broadcaster.Emit(realtime.EventMachineUpdate, realtime.MachineUpdate{
		MachineID: m.ID,
		Status:    m.Status,
		Realtime:  m.Realtime,
		OrderCode: m.CurrentOrderCode,
	})

	if msg.OrderCode == nil {
		return nil
	}
	code := *msg.OrderCode
	order, err := e.store.ApplyOrderProgress(ctx, code, store.OrderProgress{
		MachineID: msg.MachineID,
		State:     msg.State,
		Progress:  msg.Progress,
		Mode:      msg.Mode,
	})
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		e.log.Debug("ignoring status tick for closed order",
			zap.String("machine_id", msg.MachineID),
			zap.String("order_code", code),
			zap.Error(err))
		return e.detachClosedOrder(ctx, m)
	case errors.Is(err, store.ErrNotFound):
		e.log.Warn("status references unknown order",
			zap.String("machine_id", msg.MachineID),
			zap.String("order_code", code))
		return nil
	case err != nil:
		return err
	}

	e.broadcaster.Emit(realtime.EventOrderUpdate, realtime.OrderUpdate{
		OrderCode: order.OrderCode,
		Progress:  order.Progress,
		State:     msg.State,
		Mode:      order.Mode,
	})
	return nil
}

// detachClosedOrder drops a finished order that a trailing tick put back on an
// idle machine. A running machine keeps it until its own DONE event.
func (e *Engine) detachClosedOrder(ctx context.Context, m model.Machine) error {
	if m.Status == model.MachineRunning || m.CurrentOrderCode == nil {
		return nil
	}
	m.CurrentOrderCode = nil
	if err := e.store.SaveMachineState(ctx, m); err != nil {
		return err
	}
	e.broadcaster.Emit(realtime.EventMachineUpdate, realtime.MachineUpdate{
		MachineID: m.ID,
		Status:    m.Status,
		Realtime:  m.Realtime,
	})
	return nil
}

// HandleEvent applies a lifecycle event.
func (e *Engine) HandleEvent(ctx context.Context, msg telemetry.LifecycleEvent) error {
	at := e.receivedAt(msg.ReceivedAt)

	switch msg.Event {
	case telemetry.EventDone:
		if msg.OrderCode == nil {
			e.log.Warn("DONE event without order code", zap.String("machine_id", msg.MachineID))
			return nil
		}
		return e.CompleteCycle(ctx, msg.MachineID, *msg.OrderCode, msg.Mode, at)
	case telemetry.EventOnline:
		return e.machineOnline(ctx, msg.MachineID, at)
	default:
		e.log.Info("ignoring lifecycle event",
			zap.String("machine_id", msg.MachineID),
			zap.String("event", msg.Event))
		return nil
	}
}

// CompleteCycle finishes the order and releases the machine. It is safe to
// call any number of times for the same order: the email is claimed once and
// counters only move on the first completion.
func (e *Engine) CompleteCycle(ctx context.Context, machineID, code string, mode *string, at time.Time) error {
	if _, err := e.store.EnsureMachine(ctx, machineID, parse.MachineName(machineID), at); err != nil {
		return err
	}

	order, first, err := e.store.CompleteOrder(ctx, store.OrderCompletion{
		OrderCode: code,
		MachineID: machineID,
		Mode:      mode,
		At:        at,
	})
	unknown := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.log.Warn("cycle completed for unknown order",
			zap.String("machine_id", machineID),
			zap.String("order_code", code))
		unknown = true
	case errors.Is(err, store.ErrInvalidTransition):
		e.log.Warn("cycle completed for closed order",
			zap.String("machine_id", machineID),
			zap.String("order_code", code),
			zap.Error(err))
	case err != nil:
		return err
	default:
		e.claimCompletionEmail(ctx, order)
	}

	machine, err := e.store.CompleteMachineCycle(ctx, store.CycleCompletion{
		MachineID: machineID,
		OrderCode:    code,
		Count:        first,
		UnknownOrder: unknown,
		At:           at,
	})
	if err != nil {
		return err
	}

	e.log.Info("cycle completed",
		zap.String("machine_id", machineID),
		zap.String("order_code", code),
		zap.Bool("first", first))
	e.broadcaster.Emit(realtime.EventOrderCompleted, realtime.OrderCompleted{OrderCode: code, MachineID: machineID})
	e.broadcaster.Emit(realtime.EventMachineUpdate, realtime.MachineUpdate{
		MachineID: machine.ID,
		Status:    machine.Status,
		Realtime:  machine.Realtime,
		OrderCode: machine.CurrentOrderCode,
	})
	return nil
}

// claimCompletionEmail hands the completion email to the notifier if no earlier
// delivery claimed it. The flag is set before sending, so a failed send is not retried.
func (e *Engine) claimCompletionEmail(ctx context.Context, order model.Order) {
	claimed, err := e.store.ClaimCompletionEmail(ctx, order.OrderCode)
	if err != nil {
		e.log.Error("failed to claim completion email", zap.String("order_code", order.OrderCode), zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	order.EmailSent.Completed = true
	e.notifier.NotifyOrderCompleted(order)
}

func (e *Engine) machineOnline(ctx context.Context, machineID string, at time.Time) error {
	if _, err := e.store.EnsureMachine(ctx, machineID, parse.MachineName(machineID), at); err != nil {
		return err
	}
	m, orphaned, err := e.store.MarkMachineOnline(ctx, machineID, at)
	if err != nil {
		return err
	}
	if orphaned != nil {
		e.log.Warn("machine rebooted during an order",
			zap.String("machine_id", machineID),
			zap.String("order_code", *orphaned))
	}

	e.log.Info("machine online", zap.String("machine_id", machineID), zap.String("status", string(m.Status)))
	e.broadcaster.Emit(realtime.EventMachineOnline, realtime.MachineOnline{MachineID: machineID})
	return nil
}

// HandleError records an error report as an operator notification. The
// machine's status is left to the status topic.
func (e *Engine) HandleError(ctx context.Context, msg telemetry.ErrorReport) error {
	at := e.receivedAt(msg.ReceivedAt)

	message := msg.ErrorMessage
	if message == "" {
		message = fmt.Sprintf("%s reported %s", msg.MachineID, msg.ErrorType)
	}
	n := &model.Notification{
		Type:      model.NotificationError,
		Title:     "Error on " + msg.MachineID,
		Message:   message,
		MachineID: msg.MachineID,
		Data: model.NotificationData{
			ErrorType:    msg.ErrorType,
			ErrorMessage: msg.ErrorMessage,
		},
		CreatedAt: at,
	}
	if msg.OrderCode != nil {
		n.OrderCode = *msg.OrderCode
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		return err
	}

	e.log.Warn("machine error",
		zap.String("machine_id", msg.MachineID),
		zap.String("error_type", msg.ErrorType))
	e.broadcaster.Emit(realtime.EventNewNotification, *n)
	e.broadcaster.Emit(realtime.EventMachineError, realtime.MachineError{
		MachineID:    msg.MachineID,
		ErrorType:    msg.ErrorType,
		ErrorMessage: msg.ErrorMessage,
		OrderCode:    msg.OrderCode,
		Timestamp:    at,
	})

	if e.notifyAdmin {
		e.notifier.NotifyMachineError(notification.MachineAlert{
			MachineID:    msg.MachineID,
			ErrorType:    msg.ErrorType,
			ErrorMessage: msg.ErrorMessage,
			OrderCode:    msg.OrderCode,
		})
	}
	return nil
}
