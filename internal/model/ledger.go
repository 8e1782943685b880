package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DiscountCode struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Code      string    `gorm:"size:64;uniqueIndex;not null" json:"code"`
	UsedCount int       `gorm:"not null;default:0" json:"used_count"`
	MaxUses   *int      `json:"max_uses,omitempty"`
}

func (DiscountCode) TableName() string { return "discount_codes" }

func (d *DiscountCode) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// DiscountUsage is unique per order: one code application per purchase.
type DiscountUsage struct {
	ID             string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	DiscountCodeID string          `gorm:"type:varchar(36);not null;index" json:"discount_code_id"`
	OrderID        string          `gorm:"type:varchar(36);uniqueIndex;not null" json:"order_id"`
	UserID         string          `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Code           string          `gorm:"size:64;not null" json:"code"`
	Amount         decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
}

func (DiscountUsage) TableName() string { return "discount_usages" }

func (d *DiscountUsage) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// WebhookEvent stores provider deliveries; (provider, provider_event_id) dedups redeliveries.
type WebhookEvent struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Provider        string     `gorm:"size:20;not null;index:ux_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"size:191;not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"size:100;not null" json:"event_type"`
	OrderRef        string     `gorm:"size:64;index" json:"order_ref"`
	Payload         string     `gorm:"type:text;not null" json:"payload"`
	Processed       bool       `gorm:"not null;default:false;index" json:"processed"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	RetryCount      int        `gorm:"not null;default:0" json:"retry_count"`
	LastError       string     `gorm:"type:text" json:"last_error"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (w *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// FulfillmentRecord claims an order for one fulfillment kind.
// The primary key is the deterministic idempotency key, so a second claim conflicts.
type FulfillmentRecord struct {
	IdempotencyKey string         `gorm:"size:64;primaryKey" json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
	OrderID        string         `gorm:"type:varchar(36);not null;index" json:"order_id"`
	Kind           string         `gorm:"size:32;not null" json:"kind"`
	Resources      datatypes.JSON `json:"resources"`
}

func (FulfillmentRecord) TableName() string { return "fulfillment_records" }

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&User{}, &VerificationToken{}, &Order{},
		&Subscription{}, &Booking{}, &Entitlement{},
		&CourseProgress{}, &LessonProgress{},
		&DiscountCode{}, &DiscountUsage{},
		&WebhookEvent{}, &FulfillmentRecord{},
	}
}
