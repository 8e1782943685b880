package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OrderType 决定支付成功后走哪个 builder。
type OrderType string

const (
	OrderTypeProduct        OrderType = "PRODUCT"
	OrderTypeSession        OrderType = "SESSION"
	OrderTypeEvent          OrderType = "EVENT"
	OrderTypeMembership     OrderType = "MEMBERSHIP"
	OrderTypePremiumContent OrderType = "PREMIUM_CONTENT"
	OrderTypeCourse         OrderType = "COURSE"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Terminal reports whether no further payment transition is allowed.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentFailed, PaymentCancelled, PaymentRefunded:
		return true
	}
	return false
}

// Order is the purchase record created at checkout.
// Exactly one of UserID / GuestEmail is set at creation; guest resolution backfills UserID.
type Order struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNumber string  `gorm:"size:64;uniqueIndex;not null" json:"order_number"`
	UserID      *string `gorm:"type:varchar(36);index" json:"user_id,omitempty"`
	User        *User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
	GuestEmail  *string `gorm:"size:255;index" json:"guest_email,omitempty"`
	GuestName   *string `gorm:"size:255" json:"guest_name,omitempty"`

	OrderType     OrderType       `gorm:"size:32;not null;index" json:"order_type"`
	ItemID        string          `gorm:"size:128;not null" json:"item_id"`
	ItemName      string          `gorm:"size:255;not null" json:"item_name"`
	Amount        decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Currency      string          `gorm:"size:3;not null;default:COP" json:"currency"`
	PaymentMethod string          `gorm:"size:32" json:"payment_method"`
	PaymentStatus PaymentStatus   `gorm:"size:16;not null;default:PENDING;index" json:"payment_status"`
	TransactionID *string         `gorm:"size:128" json:"transaction_id,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`

	DiscountCodeID *string          `gorm:"type:varchar(36)" json:"discount_code_id,omitempty"`
	DiscountCode   string           `gorm:"size:64" json:"discount_code,omitempty"`
	DiscountAmount *decimal.Decimal `gorm:"type:decimal(14,2)" json:"discount_amount,omitempty"`

	Metadata datatypes.JSONMap `json:"metadata"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

// MetaString returns metadata[key] when it is a non-empty string.
func (o *Order) MetaString(key string) string {
	if o.Metadata == nil {
		return ""
	}
	s, _ := o.Metadata[key].(string)
	return s
}
