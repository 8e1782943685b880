package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPayload   = errors.New("invalid order payload")
	ErrScheduleRequired = errors.New("individual session requires scheduledAt")
)

// SessionsPerPack is the number of prepaid sessions in a pack purchase.
const SessionsPerPack = 8

var validate = validatorv10.New()

// Checkout holds the metadata fields every order type may carry.
type Checkout struct {
	IsGuestCheckout bool `json:"isGuestCheckout"`
	// CustomerEmail is only a notification fallback; it is checked where it is used.
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
}

// Payload is the typed view of Order.Metadata for one order type.
type Payload interface {
	OrderType() OrderType
}

type MembershipPayload struct {
	TierID          string          `json:"-" validate:"required"`
	TierName        string          `json:"-"`
	BillingInterval BillingInterval `json:"billingInterval" validate:"oneof=MONTHLY YEARLY"`
}

func (MembershipPayload) OrderType() OrderType { return OrderTypeMembership }

type SessionPayload struct {
	ProductType string     `json:"productType"`
	SessionType string     `json:"sessionType"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

func (SessionPayload) OrderType() OrderType { return OrderTypeSession }

func (p SessionPayload) IsPack() bool { return p.ProductType == "pack" }

// SessionsTotal is 8 for packs and 1 for a single session.
func (p SessionPayload) SessionsTotal() int {
	if p.IsPack() {
		return SessionsPerPack
	}
	return 1
}

type EventPayload struct {
	ScheduledAt *time.Time `json:"scheduledAt"`
	Seats       int        `json:"seats" validate:"gte=1"`
}

func (EventPayload) OrderType() OrderType { return OrderTypeEvent }

type CourseItem struct {
	ID    string          `json:"id" validate:"required"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type CoursePayload struct {
	Items     []CourseItem `json:"items" validate:"min=1,dive"`
	CourseIDs []string     `json:"courseIds" validate:"min=1,dive,required"`
}

func (CoursePayload) OrderType() OrderType { return OrderTypeCourse }

type PremiumContentPayload struct {
	AccessDays int `json:"accessDays" validate:"gte=0"`
}

func (PremiumContentPayload) OrderType() OrderType { return OrderTypePremiumContent }

type ProductPayload struct{}

func (ProductPayload) OrderType() OrderType { return OrderTypeProduct }

// UnsupportedPayload is returned for order types without a fulfillment path.
type UnsupportedPayload struct {
	Type OrderType
}

func (p UnsupportedPayload) OrderType() OrderType { return p.Type }

// DecodePayload decodes and validates the order metadata for its order type.
func DecodePayload(o *Order) (Payload, Checkout, error) {
	raw, err := json.Marshal(o.Metadata)
	if err != nil {
		return nil, Checkout{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if o.Metadata == nil {
		raw = []byte("{}")
	}

	var checkout Checkout
	if err := json.Unmarshal(raw, &checkout); err != nil {
		return nil, Checkout{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var p Payload
	switch o.OrderType {
	case OrderTypeMembership:
		var m MembershipPayload
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, checkout, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		m.TierID, m.TierName = o.ItemID, o.ItemName
		m.BillingInterval = BillingInterval(strings.ToUpper(strings.TrimSpace(string(m.BillingInterval))))
		if m.BillingInterval == "" {
			m.BillingInterval = BillingMonthly
		}
		p = m
	case OrderTypeSession:
		var s SessionPayload
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, checkout, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if !s.IsPack() && s.ScheduledAt == nil {
			return nil, checkout, fmt.Errorf("%w: order %s", ErrScheduleRequired, o.OrderNumber)
		}
		p = s
	case OrderTypeEvent:
		var e EventPayload
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, checkout, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if e.Seats == 0 {
			e.Seats = 1
		}
		p = e
	case OrderTypeCourse:
		var c CoursePayload
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, checkout, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = normalizeCourse(o, c)
	case OrderTypePremiumContent:
		var pc PremiumContentPayload
		if err := json.Unmarshal(raw, &pc); err != nil {
			return nil, checkout, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p = pc
	case OrderTypeProduct:
		p = ProductPayload{}
	default:
		return UnsupportedPayload{Type: o.OrderType}, checkout, nil
	}

	if err := validate.Struct(p); err != nil {
		return nil, checkout, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, checkout, nil
}

// normalizeCourse fills Items and CourseIDs from each other, falling back to the order item.
func normalizeCourse(o *Order, c CoursePayload) CoursePayload {
	if len(c.Items) == 0 {
		if len(c.CourseIDs) == 0 {
			c.Items = []CourseItem{{ID: o.ItemID, Name: o.ItemName, Price: o.Amount}}
		} else {
			for _, id := range c.CourseIDs {
				c.Items = append(c.Items, CourseItem{ID: id, Name: id})
			}
			if len(c.Items) == 1 {
				c.Items[0].Name = o.ItemName
			}
		}
	}
	if len(c.CourseIDs) == 0 {
		for _, it := range c.Items {
			c.CourseIDs = append(c.CourseIDs, it.ID)
		}
	}
	return c
}
