package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"laundry-sync-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	EnsureMachine(ctx context.Context, id, name string, now time.Time) (model.Machine, error)
	GetMachine(ctx context.Context, id string) (model.Machine, error)
	ListMachines(ctx context.Context) ([]model.Machine, error)
	SaveMachineState(ctx context.Context, m model.Machine) error
	MarkMachineOnline(ctx context.Context, id string, now time.Time) (machine model.Machine, orphaned *string, err error)
	CompleteMachineCycle(ctx context.Context, c CycleCompletion) (model.Machine, error)
	SetMachineStatus(ctx context.Context, id string, status model.MachineStatus, clearOrder bool) (model.Machine, error)
	ListStaleRunningMachines(ctx context.Context, updatedBefore time.Time) ([]model.Machine, error)

	CreateOrder(ctx context.Context, in NewOrder, now time.Time) (model.Order, error)
	GetOrder(ctx context.Context, code string) (model.Order, error)
	ApplyOrderProgress(ctx context.Context, code string, p OrderProgress) (model.Order, error)
	CompleteOrder(ctx context.Context, c OrderCompletion) (order model.Order, first bool, err error)
	ClaimCompletionEmail(ctx context.Context, code string) (bool, error)
	MarkCreatedEmailSent(ctx context.Context, code string) error
	AssignOrder(ctx context.Context, code, machineID string, now time.Time) (model.Order, model.Machine, error)
	TransitionOrder(ctx context.Context, code, event string, now time.Time) (model.Order, error)

	CreateNotification(ctx context.Context, n *model.Notification) error

	UpsertSubscription(ctx context.Context, sub model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	ListSubscriptionsForOrder(ctx context.Context, code string) ([]model.PushSubscription, error)

	Ping(ctx context.Context) error
	DB() *gorm.DB
}

// Option customizes a gormStore.
type Option func(*gormStore)

// WithCodeGenerator replaces the random order code generator.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *gormStore) { s.newCode = gen }
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db      *gorm.DB
	newCode func() (string, error)
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, opts ...Option) Store {
	s := &gormStore{db: db, newCode: GenerateOrderCode}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying connection.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Ping checks the database connection.
func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// EnsureMachine creates the machine if it is unknown. The first writer wins; an
// existing row is returned untouched.
func (s *gormStore) EnsureMachine(ctx context.Context, id, name string, now time.Time) (model.Machine, error) {
	m := model.NewMachine(id, name, now)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return model.Machine{}, fmt.Errorf("failed to provision machine %s: %w", id, err)
	}
	return s.GetMachine(ctx, id)
}

func (s *gormStore) GetMachine(ctx context.Context, id string) (model.Machine, error) {
	var m model.Machine
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return model.Machine{}, notFound(err, "machine", id)
	}
	return m, nil
}

func (s *gormStore) ListMachines(ctx context.Context) ([]model.Machine, error) {
	var machines []model.Machine
	if err := s.db.WithContext(ctx).Order("id").Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	return machines, nil
}

var machineStateColumns = []string{
	"status",
	"current_order_code",
	"realtime_state",
	"realtime_progress",
	"realtime_water_level",
	"realtime_mode",
	"realtime_door_open",
	"realtime_error_code",
	"realtime_last_update",
	"updated_at",
}

// SaveMachineState overwrites status, current order and realtime snapshot.
// Name and stats are never written here so counters cannot be lost to a stale copy.
func (s *gormStore) SaveMachineState(ctx context.Context, m model.Machine) error {
	res := s.db.WithContext(ctx).Model(&model.Machine{ID: m.ID}).
		Select(machineStateColumns).
		Updates(&m)
	if res.Error != nil {
		return fmt.Errorf("failed to save machine %s: %w", m.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("machine %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// MarkMachineOnline records a boot announcement. The previous current order, if
// any, is returned so the caller can report it.
func (s *gormStore) MarkMachineOnline(ctx context.Context, id string, now time.Time) (model.Machine, *string, error) {
	var (
		m        model.Machine
		orphaned *string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ?", id).Error; err != nil {
			return notFound(err, "machine", id)
		}
		orphaned = m.CurrentOrderCode

		updates := map[string]any{
			"current_order_code":   nil,
			"realtime_last_update": now,
			"updated_at":           now,
		}
		if m.Status != model.MachineMaintenance {
			updates["status"] = model.MachineAvailable
		}
		if err := tx.Model(&model.Machine{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to mark machine %s online: %w", id, err)
		}
		return tx.First(&m, "id = ?", id).Error
	})
	if err != nil {
		return model.Machine{}, nil, err
	}
	return m, orphaned, nil
}

// CompleteMachineCycle counts a finished cycle and releases the machine.
// The row is locked for the decision and the daily counter rolls over inside
// the same UPDATE, so concurrent completions on one machine each count once.
// The machine is only released when it is not already busy with a different order.
func (s *gormStore) CompleteMachineCycle(ctx context.Context, c CycleCompletion) (model.Machine, error) {
	var m model.Machine
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", c.MachineID).Error; err != nil {
			return notFound(err, "machine", c.MachineID)
		}

		if c.Count || (c.UnknownOrder && m.HasOrder(c.OrderCode)) {
			dayStart := startOfDay(c.At)
			if err := tx.Model(&model.Machine{}).Where("id = ?", c.MachineID).Updates(map[string]any{
				"stats_total_cycles":    gorm.Expr("stats_total_cycles + ?", 1),
				"stats_today_cycles":    gorm.Expr("CASE WHEN stats_last_reset_date < ? THEN 1 ELSE stats_today_cycles + 1 END", dayStart),
				"stats_last_reset_date": gorm.Expr("CASE WHEN stats_last_reset_date < ? THEN ? ELSE stats_last_reset_date END", dayStart, c.At),
			}).Error; err != nil {
				return fmt.Errorf("failed to count cycle of machine %s: %w", c.MachineID, err)
			}
		}

		if m.CurrentOrderCode == nil || m.HasOrder(c.OrderCode) {
			updates := map[string]any{
				"current_order_code": nil,
				"updated_at":         c.At,
			}
			if m.Status != model.MachineMaintenance {
				updates["status"] = model.MachineAvailable
			}
			if err := tx.Model(&model.Machine{}).Where("id = ?", c.MachineID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to release machine %s: %w", c.MachineID, err)
			}
		}

		return tx.First(&m, "id = ?", c.MachineID).Error
	})
	if err != nil {
		return model.Machine{}, err
	}
	return m, nil
}

// SetMachineStatus applies an operator decision.
func (s *gormStore) SetMachineStatus(ctx context.Context, id string, status model.MachineStatus, clearOrder bool) (model.Machine, error) {
	updates := map[string]any{"status": status}
	if clearOrder {
		updates["current_order_code"] = nil
	}
	res := s.db.WithContext(ctx).Model(&model.Machine{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return model.Machine{}, fmt.Errorf("failed to set machine %s to %s: %w", id, status, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Machine{}, fmt.Errorf("machine %s: %w", id, ErrNotFound)
	}
	return s.GetMachine(ctx, id)
}

// ListStaleRunningMachines returns RUNNING machines without telemetry since updatedBefore.
func (s *gormStore) ListStaleRunningMachines(ctx context.Context, updatedBefore time.Time) ([]model.Machine, error) {
	var machines []model.Machine
	err := s.db.WithContext(ctx).
		Where("status = ? AND realtime_last_update < ?", model.MachineRunning, updatedBefore).
		Order("id").
		Find(&machines).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale machines: %w", err)
	}
	return machines, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}
