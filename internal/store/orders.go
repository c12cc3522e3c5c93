package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"laundry-sync-backend/internal/lifecycle"
	"laundry-sync-backend/internal/model"
	"laundry-sync-backend/internal/parse"
)

// maxCodeAttempts bounds the collision retries of CreateOrder.
const maxCodeAttempts = 32

// GenerateOrderCode draws a random order code.
func GenerateOrderCode() (string, error) {
	alphabet := parse.OrderCodeAlphabet
	max := big.NewInt(int64(len(alphabet)))
	code := make([]byte, parse.OrderCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate order code: %w", err)
		}
		code[i] = alphabet[n.Int64()]
	}
	return string(code), nil
}

// CreateOrder inserts a PENDING order under a fresh code, retrying on collision.
func (s *gormStore) CreateOrder(ctx context.Context, in NewOrder, now time.Time) (model.Order, error) {
	pkg := in.Package
	if pkg == "" {
		pkg = model.PackageStandard
	}
	price := in.Price
	if price <= 0 {
		price = model.DefaultPrice
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return model.Order{}, err
		}
		order := model.Order{
			OrderCode:     code,
			CustomerEmail: in.CustomerEmail,
			CustomerName:  in.CustomerName,
			CustomerPhone: in.CustomerPhone,
			Package:       pkg,
			Price:         price,
			Status:        model.OrderPending,
			CurrentPhase:  string(model.OrderPending),
			Mode:          "NORMAL",
			CreatedAt:     now,
		}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&order)
		if res.Error != nil {
			return model.Order{}, fmt.Errorf("failed to create order: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return order, nil
		}
	}
	return model.Order{}, ErrCodeExhausted
}

func (s *gormStore) GetOrder(ctx context.Context, code string) (model.Order, error) {
	var o model.Order
	if err := s.db.WithContext(ctx).First(&o, "order_code = ?", code).Error; err != nil {
		return model.Order{}, notFound(err, "order", code)
	}
	return o, nil
}

// ApplyOrderProgress records one status tick against the order. Ticks that the
// order's lifecycle does not accept are refused with lifecycle.ErrInvalidTransition.
func (s *gormStore) ApplyOrderProgress(ctx context.Context, code string, p OrderProgress) (model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&o, "order_code = ?", code).Error; err != nil {
			return notFound(err, "order", code)
		}
		next, _, err := lifecycle.NextOrderStatus(ctx, o.Status, lifecycle.OrderEventForState(p.State))
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":        next,
			"progress":      p.Progress,
			"current_phase": p.State,
			"machine_id":    p.MachineID,
		}
		if p.Mode != "" {
			updates["mode"] = p.Mode
		}
		res := tx.Model(&model.Order{}).
			Where("order_code = ? AND status = ?", code, o.Status).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update order %s: %w", code, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: order %s changed concurrently", lifecycle.ErrInvalidTransition, code)
		}
		return tx.First(&o, "order_code = ?", code).Error
	})
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

// CompleteOrder marks the order DONE. first is true only for the call that
// stamped completedAt; redelivered completions leave the row unchanged.
func (s *gormStore) CompleteOrder(ctx context.Context, c OrderCompletion) (model.Order, bool, error) {
	var (
		o     model.Order
		first bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&o, "order_code = ?", c.OrderCode).Error; err != nil {
			return notFound(err, "order", c.OrderCode)
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: %s from %s", lifecycle.ErrInvalidTransition, lifecycle.EventFinish, o.Status)
		}

		updates := map[string]any{
			"status":        model.OrderDone,
			"progress":      100,
			"current_phase": lifecycle.StateDone,
			"completed_at":  c.At,
		}
		if c.MachineID != "" {
			updates["machine_id"] = c.MachineID
		}
		if c.Mode != nil && *c.Mode != "" {
			updates["mode"] = *c.Mode
		}
		res := tx.Model(&model.Order{}).
			Where("order_code = ? AND completed_at IS NULL AND status IN ?", c.OrderCode,
				[]string{string(model.OrderPending), string(model.OrderWashing), string(model.OrderDone)}).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to complete order %s: %w", c.OrderCode, res.Error)
		}
		first = res.RowsAffected == 1
		return tx.First(&o, "order_code = ?", c.OrderCode).Error
	})
	if err != nil {
		return model.Order{}, false, err
	}
	return o, first, nil
}

// ClaimCompletionEmail flips the completion email flag. Only the caller that
// flipped it may send the email.
func (s *gormStore) ClaimCompletionEmail(ctx context.Context, code string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_code = ? AND email_sent_completed = ?", code, false).
		Update("email_sent_completed", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim completion email of %s: %w", code, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) MarkCreatedEmailSent(ctx context.Context, code string) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_code = ?", code).
		Update("email_sent_created", true)
	if res.Error != nil {
		return fmt.Errorf("failed to flag created email of %s: %w", code, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %s: %w", code, ErrNotFound)
	}
	return nil
}

// AssignOrder starts a PENDING order on an AVAILABLE machine.
func (s *gormStore) AssignOrder(ctx context.Context, code, machineID string, now time.Time) (model.Order, model.Machine, error) {
	var (
		o model.Order
		m model.Machine
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ?", machineID).Error; err != nil {
			return notFound(err, "machine", machineID)
		}
		if m.Status != model.MachineAvailable {
			return fmt.Errorf("%w: %s is %s", ErrMachineUnavailable, machineID, m.Status)
		}
		if err := tx.First(&o, "order_code = ?", code).Error; err != nil {
			return notFound(err, "order", code)
		}
		next, _, err := lifecycle.NextOrderStatus(ctx, o.Status, lifecycle.EventStart)
		if err != nil {
			return err
		}

		res := tx.Model(&model.Order{}).
			Where("order_code = ? AND status = ?", code, o.Status).
			Updates(map[string]any{
				"status":        next,
				"machine_id":    machineID,
				"current_phase": lifecycle.StateFilling,
				"started_at":    now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to start order %s: %w", code, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: order %s changed concurrently", lifecycle.ErrInvalidTransition, code)
		}
		if err := tx.Model(&model.Machine{}).Where("id = ?", machineID).Updates(map[string]any{
			"status":             model.MachineRunning,
			"current_order_code": code,
		}).Error; err != nil {
			return fmt.Errorf("failed to assign order %s to %s: %w", code, machineID, err)
		}

		if err := tx.First(&o, "order_code = ?", code).Error; err != nil {
			return err
		}
		return tx.First(&m, "id = ?", machineID).Error
	})
	if err != nil {
		return model.Order{}, model.Machine{}, err
	}
	return o, m, nil
}

// TransitionOrder applies a customer-side event (pickup or cancel).
func (s *gormStore) TransitionOrder(ctx context.Context, code, event string, now time.Time) (model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&o, "order_code = ?", code).Error; err != nil {
			return notFound(err, "order", code)
		}
		next, _, err := lifecycle.NextOrderStatus(ctx, o.Status, event)
		if err != nil {
			return err
		}

		updates := map[string]any{"status": next}
		if event == lifecycle.EventPickup {
			updates["picked_up_at"] = now
		}
		res := tx.Model(&model.Order{}).
			Where("order_code = ? AND status = ?", code, o.Status).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to %s order %s: %w", event, code, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: order %s changed concurrently", lifecycle.ErrInvalidTransition, code)
		}
		return tx.First(&o, "order_code = ?", code).Error
	})
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}
