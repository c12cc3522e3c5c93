package model

import "time"

// OrderStatus is the lifecycle status of a customer order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderWashing   OrderStatus = "WASHING"
	OrderDone      OrderStatus = "DONE"
	OrderPickedUp  OrderStatus = "PICKED_UP"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is accepted.
func (s OrderStatus) Terminal() bool {
	return s == OrderPickedUp || s == OrderCancelled
}

// Service packages offered to customers.
const (
	PackageBasic    = "BASIC"
	PackageStandard = "STANDARD"
	PackagePremium  = "PREMIUM"

	DefaultPrice = 30000
)

// EmailFlags guard customer emails so that each fires at most once.
type EmailFlags struct {
	Created   bool `gorm:"not null" json:"created"`
	Completed bool `gorm:"not null" json:"completed"`
}

// Order is a customer's single washing request.
type Order struct {
	OrderCode     string      `gorm:"primaryKey;size:6" json:"orderCode"`
	CustomerEmail string      `gorm:"size:256;not null" json:"customerEmail"`
	CustomerName  string      `gorm:"size:128" json:"customerName"`
	CustomerPhone string      `gorm:"size:32" json:"customerPhone"`
	Package       string      `gorm:"size:16;not null" json:"package"`
	Price         int64       `gorm:"not null" json:"price"`
	MachineID     *string     `gorm:"size:64;index" json:"machineId"`
	Status        OrderStatus `gorm:"size:16;not null;index" json:"status"`
	Progress      int         `gorm:"not null" json:"progress"`
	CurrentPhase  string      `gorm:"size:32;not null" json:"currentPhase"`
	Mode          string      `gorm:"size:32;not null" json:"mode"`
	CreatedAt     time.Time   `gorm:"index" json:"createdAt"`
	StartedAt     *time.Time  `json:"startedAt"`
	CompletedAt   *time.Time  `json:"completedAt"`
	PickedUpAt    *time.Time  `json:"pickedUpAt"`
	EmailSent     EmailFlags  `gorm:"embedded;embeddedPrefix:email_sent_" json:"emailSent"`
}
