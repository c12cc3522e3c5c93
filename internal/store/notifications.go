package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"laundry-sync-backend/internal/model"
)

// CreateNotification persists n, assigning an id when it has none.
func (s *gormStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// UpsertSubscription creates or replaces the subscription for its endpoint.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub model.PushSubscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "order_code"}),
	}).Create(&sub).Error
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return model.PushSubscription{}, notFound(err, "subscription", endpoint)
	}
	return sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	res := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint})
	if res.Error != nil {
		return fmt.Errorf("failed to delete subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("subscription %s: %w", endpoint, ErrNotFound)
	}
	return nil
}

func (s *gormStore) ListSubscriptionsForOrder(ctx context.Context, code string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("order_code = ?", code).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of %s: %w", code, err)
	}
	return subs, nil
}
