// Package notify sends the customer confirmation and the admin sale notification
// for a fulfilled order. Both sends are best-effort: failures are logged and
// reported in the Outcome, never returned as errors.
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SaleType is the admin-facing classification of a sale.
type SaleType string

const (
	SaleSession        SaleType = "SESSION"
	SaleSessionPack    SaleType = "SESSION_PACK"
	SaleMembership     SaleType = "MEMBERSHIP"
	SaleEvent          SaleType = "EVENT"
	SaleCourse         SaleType = "COURSE"
	SalePremiumContent SaleType = "PREMIUM_CONTENT"
	SaleProduct        SaleType = "PRODUCT"
)

// Details carries the type-specific display fields shared by both messages.
type Details struct {
	SessionDate     *time.Time `json:"session_date,omitempty"`
	PackCode        string     `json:"pack_code,omitempty"`
	SessionsTotal   int        `json:"sessions_total,omitempty"`
	BillingInterval string     `json:"billing_interval,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	EventDate       *time.Time `json:"event_date,omitempty"`
	Seats           int        `json:"seats,omitempty"`
	CourseNames     []string   `json:"course_names,omitempty"`
}

type PaymentConfirmation struct {
	To            string          `json:"to"`
	CustomerName  string          `json:"customer_name"`
	OrderNumber   string          `json:"order_number"`
	OrderType     string          `json:"order_type"`
	ItemName      string          `json:"item_name"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TransactionID string          `json:"transaction_id,omitempty"`
	SetupToken    string          `json:"setup_token,omitempty"`
	Details       Details         `json:"details"`
}

type AdminSale struct {
	SaleType      SaleType        `json:"sale_type"`
	CustomerEmail string          `json:"customer_email"`
	CustomerName  string          `json:"customer_name"`
	IsGuest       bool            `json:"is_guest"`
	OrderNumber   string          `json:"order_number"`
	ItemName      string          `json:"item_name"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Details       Details         `json:"details"`
}

// Sender delivers the two notification kinds.
type Sender interface {
	SendPaymentConfirmation(ctx context.Context, msg PaymentConfirmation) error
	SendAdminNotification(ctx context.Context, msg AdminSale) error
}

// Outcome reports what happened to each notification.
type Outcome struct {
	CustomerSent    bool   `json:"customer_sent"`
	CustomerSkipped bool   `json:"customer_skipped"`
	CustomerError   string `json:"customer_error,omitempty"`
	AdminSent       bool   `json:"admin_sent"`
	AdminError      string `json:"admin_error,omitempty"`
}

// Degraded is true when fulfillment succeeded but a notification did not go out.
func (o Outcome) Degraded() bool {
	return o.CustomerError != "" || o.AdminError != ""
}
