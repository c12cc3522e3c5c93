package model

import "time"

// PushSubscription is a browser push subscription following one order's progress.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey" json:"endpoint"`
	P256DH    string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth      string    `gorm:"not null" json:"auth"`
	OrderCode string    `gorm:"size:6;not null;index" json:"orderCode"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}
