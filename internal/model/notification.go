package model

import "time"

// NotificationType classifies operator-facing notifications.
type NotificationType string

const (
	NotificationError   NotificationType = "ERROR"
	NotificationWarning NotificationType = "WARNING"
	NotificationInfo    NotificationType = "INFO"
	NotificationSuccess NotificationType = "SUCCESS"
)

// NotificationData carries the structured error detail of a notification.
type NotificationData struct {
	ErrorType    string `gorm:"size:64" json:"errorType"`
	ErrorMessage string `gorm:"size:512" json:"errorMessage"`
}

// Notification is a durable operator-facing record. Only Read and ReadAt change after creation.
type Notification struct {
	ID        string           `gorm:"primaryKey;size:36" json:"id"`
	Type      NotificationType `gorm:"size:16;not null;index" json:"type"`
	Title     string           `gorm:"size:256;not null" json:"title"`
	Message   string           `gorm:"size:1024;not null" json:"message"`
	MachineID string           `gorm:"size:64;index" json:"machineId,omitempty"`
	OrderCode string           `gorm:"size:6" json:"orderCode,omitempty"`
	Data      NotificationData `gorm:"embedded;embeddedPrefix:data_" json:"data"`
	Read      bool             `gorm:"not null;index:idx_notifications_read_created,priority:1" json:"read"`
	ReadAt    *time.Time       `json:"readAt"`
	CreatedAt time.Time        `gorm:"index:idx_notifications_read_created,priority:2" json:"createdAt"`
}
