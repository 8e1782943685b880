package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionPastDue   SubscriptionStatus = "PAST_DUE"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

type BillingInterval string

const (
	BillingMonthly BillingInterval = "MONTHLY"
	BillingYearly  BillingInterval = "YEARLY"
)

// Subscription 会员订阅；CurrentPeriodEnd = start + 1 月 / 1 年。
type Subscription struct {
	ID                 string             `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt          time.Time          `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	UserID             string             `gorm:"type:varchar(36);not null;index:idx_subscriptions_user_tier,priority:1" json:"user_id"`
	TierID             string             `gorm:"size:128;not null;index:idx_subscriptions_user_tier,priority:2" json:"tier_id"`
	TierName           string             `gorm:"size:255" json:"tier_name"`
	OrderID            *string            `gorm:"type:varchar(36);index" json:"order_id,omitempty"`
	Status             SubscriptionStatus `gorm:"size:16;not null" json:"status"`
	BillingInterval    BillingInterval    `gorm:"size:16;not null" json:"billing_interval"`
	Amount             decimal.Decimal    `gorm:"type:decimal(14,2);not null" json:"amount"`
	Currency           string             `gorm:"size:3;not null" json:"currency"`
	Provider           string             `gorm:"size:32;not null" json:"provider"`
	CurrentPeriodStart time.Time          `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `gorm:"not null" json:"current_period_end"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

type BookingType string

const (
	BookingSession     BookingType = "SESSION"
	BookingSessionPack BookingType = "SESSION_PACK"
	BookingEvent       BookingType = "EVENT"
)

type BookingStatus string

const (
	BookingConfirmed      BookingStatus = "CONFIRMED"
	BookingPendingPayment BookingStatus = "PENDING_PAYMENT"
	BookingCancelled      BookingStatus = "CANCELLED"
	BookingCompleted      BookingStatus = "COMPLETED"
)

// Booking covers individual sessions, session packs and event seats.
type Booking struct {
	ID                string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt         time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	UserID            string            `gorm:"type:varchar(36);not null;index:idx_bookings_user_resource,priority:1" json:"user_id"`
	ResourceID        string            `gorm:"size:128;not null;index:idx_bookings_user_resource,priority:2" json:"resource_id"`
	ResourceName      string            `gorm:"size:255" json:"resource_name"`
	OrderID           *string           `gorm:"type:varchar(36);index" json:"order_id,omitempty"`
	BookingType       BookingType       `gorm:"size:16;not null" json:"booking_type"`
	Status            BookingStatus     `gorm:"size:16;not null" json:"status"`
	PaymentStatus     PaymentStatus     `gorm:"size:16;not null" json:"payment_status"`
	ScheduledAt       *time.Time        `json:"scheduled_at,omitempty"`
	SessionsTotal     int               `gorm:"not null;default:1" json:"sessions_total"`
	SessionsRemaining int               `gorm:"not null;default:1" json:"sessions_remaining"`
	Amount            decimal.Decimal   `gorm:"type:decimal(14,2);not null" json:"amount"`
	Currency          string            `gorm:"size:3;not null" json:"currency"`
	Metadata          datatypes.JSONMap `json:"metadata"`
}

func (Booking) TableName() string { return "bookings" }

func (b *Booking) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

type EntitlementType string

const (
	EntitlementMembership     EntitlementType = "MEMBERSHIP"
	EntitlementEvent          EntitlementType = "EVENT"
	EntitlementCourse         EntitlementType = "COURSE"
	EntitlementPremiumContent EntitlementType = "PREMIUM_CONTENT"
)

// Entitlement grants a user access to a resource.
// (user, type, resource, order) is unique so re-processing an order cannot duplicate grants.
type Entitlement struct {
	ID             string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	UserID         string          `gorm:"type:varchar(36);not null;index:ux_entitlements_grant,unique,priority:1" json:"user_id"`
	Type           EntitlementType `gorm:"size:24;not null;index:ux_entitlements_grant,unique,priority:2" json:"type"`
	ResourceID     string          `gorm:"size:128;not null;index:ux_entitlements_grant,unique,priority:3" json:"resource_id"`
	OrderID        *string         `gorm:"type:varchar(36);index:ux_entitlements_grant,unique,priority:4" json:"order_id,omitempty"`
	ResourceName   string          `gorm:"size:255" json:"resource_name"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	SubscriptionID *string         `gorm:"type:varchar(36)" json:"subscription_id,omitempty"`
	Revoked        bool            `gorm:"not null;default:false" json:"revoked"`
}

func (Entitlement) TableName() string { return "entitlements" }

func (e *Entitlement) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// Active reports whether the grant is usable at t.
func (e *Entitlement) Active(t time.Time) bool {
	if e.Revoked {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(t)
}

// CourseProgress is created on enrollment and never reset by later purchases.
type CourseProgress struct {
	ID               string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID           string     `gorm:"type:varchar(36);not null;index:ux_course_progress,unique,priority:1" json:"user_id"`
	CourseID         string     `gorm:"size:128;not null;index:ux_course_progress,unique,priority:2" json:"course_id"`
	CompletedLessons int        `gorm:"not null;default:0" json:"completed_lessons"`
	ProgressPercent  float64    `gorm:"not null;default:0" json:"progress_percent"`
	EnrolledAt       time.Time  `gorm:"not null" json:"enrolled_at"`
	LastAccessedAt   *time.Time `json:"last_accessed_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func (CourseProgress) TableName() string { return "course_progress" }

func (p *CourseProgress) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

type LessonProgress struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID      string    `gorm:"type:varchar(36);not null;index:ux_lesson_progress,unique,priority:1" json:"user_id"`
	LessonID    string    `gorm:"size:128;not null;index:ux_lesson_progress,unique,priority:2" json:"lesson_id"`
	CourseID    string    `gorm:"size:128;not null;index" json:"course_id"`
	CompletedAt time.Time `gorm:"not null" json:"completed_at"`
}

func (LessonProgress) TableName() string { return "lesson_progress" }

func (p *LessonProgress) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
