package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"laundry-sync-backend/internal/lifecycle"
	"laundry-sync-backend/internal/model"
	"laundry-sync-backend/internal/realtime"
	"laundry-sync-backend/internal/store"
)

var (
	// ErrMachineBusy is returned when an operation needs an idle machine.
	ErrMachineBusy = errors.New("machine is running")
	// ErrMachineState is returned when the machine's status does not allow the command.
	ErrMachineState = errors.New("command not allowed in current machine status")
)

// Runner executes fn serialized with other work on the same key.
type Runner interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Service implements the operator operations. Each runs on the machine's
// shard so it never interleaves with that machine's telemetry.
type Service struct {
	store       store.Store
	dispatcher  *Dispatcher
	pool        Runner
	broadcaster realtime.Broadcaster
	log         *zap.Logger
	now         func() time.Time
}

// NewService creates a Service.
func NewService(st store.Store, d *Dispatcher, pool Runner, broadcaster realtime.Broadcaster, logger *zap.Logger) *Service {
	return &Service{
		store:       st,
		dispatcher:  d,
		pool:        pool,
		broadcaster: broadcaster,
		log:         logger.Named("operator"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// StartOrder puts a PENDING order on an AVAILABLE machine and tells the
// machine to start. The assignment is kept even if the command cannot be
// published; the error is still returned.
func (s *Service) StartOrder(ctx context.Context, code, machineID string) (model.Order, error) {
	var order model.Order
	err := s.pool.Do(ctx, machineID, func(ctx context.Context) error {
		o, m, err := s.store.AssignOrder(ctx, code, machineID, s.now())
		if err != nil {
			return err
		}
		order = o
		s.machineUpdated(m)
		s.broadcaster.Emit(realtime.EventOrderUpdate, realtime.OrderUpdate{
			OrderCode: o.OrderCode,
			Progress:  o.Progress,
			State:     o.CurrentPhase,
			Mode:      o.Mode,
		})
		return s.dispatcher.Send(machineID, Start, map[string]any{"orderCode": code})
	})
	return order, err
}

// Pause asks a running machine to pause. The resulting state arrives via telemetry.
func (s *Service) Pause(ctx context.Context, machineID string) error {
	return s.pool.Do(ctx, machineID, func(ctx context.Context) error {
		m, err := s.store.GetMachine(ctx, machineID)
		if err != nil {
			return err
		}
		if m.Status != model.MachineRunning {
			return fmt.Errorf("%w: cannot pause %s while %s", ErrMachineState, machineID, m.Status)
		}
		return s.dispatcher.Send(machineID, Pause, nil)
	})
}

// Resume asks a paused machine to continue.
func (s *Service) Resume(ctx context.Context, machineID string) error {
	return s.pool.Do(ctx, machineID, func(ctx context.Context) error {
		m, err := s.store.GetMachine(ctx, machineID)
		if err != nil {
			return err
		}
		if m.Status == model.MachineMaintenance {
			return fmt.Errorf("%w: %s is under maintenance", ErrMachineState, machineID)
		}
		return s.dispatcher.Send(machineID, Resume, nil)
	})
}

// Reset aborts whatever the machine is doing and frees it.
func (s *Service) Reset(ctx context.Context, machineID string) (model.Machine, error) {
	var machine model.Machine
	err := s.pool.Do(ctx, machineID, func(ctx context.Context) error {
		before, err := s.store.GetMachine(ctx, machineID)
		if err != nil {
			return err
		}
		if err := s.dispatcher.Send(machineID, Reset, nil); err != nil {
			return err
		}
		m, err := s.store.SetMachineStatus(ctx, machineID, model.MachineAvailable, true)
		if err != nil {
			return err
		}
		if before.CurrentOrderCode != nil {
			s.log.Warn("reset abandoned an order",
				zap.String("machine_id", machineID),
				zap.String("order_code", *before.CurrentOrderCode))
		}
		machine = m
		s.machineUpdated(m)
		return nil
	})
	return machine, err
}

// SetMaintenance moves an idle machine into or out of maintenance.
func (s *Service) SetMaintenance(ctx context.Context, machineID string, enable bool) (model.Machine, error) {
	var machine model.Machine
	err := s.pool.Do(ctx, machineID, func(ctx context.Context) error {
		m, err := s.store.GetMachine(ctx, machineID)
		if err != nil {
			return err
		}
		target := model.MachineAvailable
		if enable {
			if m.Status == model.MachineRunning {
				return fmt.Errorf("%w: %s", ErrMachineBusy, machineID)
			}
			target = model.MachineMaintenance
		} else if m.Status != model.MachineMaintenance {
			machine = m
			return nil
		}

		m, err = s.store.SetMachineStatus(ctx, machineID, target, false)
		if err != nil {
			return err
		}
		machine = m
		s.log.Info("maintenance changed", zap.String("machine_id", machineID), zap.Bool("enabled", enable))
		s.machineUpdated(m)
		return nil
	})
	return machine, err
}

// Pickup and Cancel only touch the order, so they do not need a machine shard.

// Pickup marks a DONE order as collected.
func (s *Service) Pickup(ctx context.Context, code string) (model.Order, error) {
	return s.store.TransitionOrder(ctx, code, lifecycle.EventPickup, s.now())
}

// Cancel cancels a PENDING order.
func (s *Service) Cancel(ctx context.Context, code string) (model.Order, error) {
	return s.store.TransitionOrder(ctx, code, lifecycle.EventCancel, s.now())
}

func (s *Service) machineUpdated(m model.Machine) {
	s.broadcaster.Emit(realtime.EventMachineUpdated, realtime.MachineUpdate{
		MachineID: m.ID,
		Status:    m.Status,
		Realtime:  m.Realtime,
		OrderCode: m.CurrentOrderCode,
	})
}
