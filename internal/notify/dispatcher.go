package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fulfillment/internal/model"

	validatorv10 "github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var validate = validatorv10.New()

// Sale is everything the dispatcher needs about a fulfilled order.
type Sale struct {
	Order         *model.Order
	UserID        string
	Payload       model.Payload
	Checkout      model.Checkout
	TransactionID string
	SetupToken    string
	PackCode      string
	PeriodEnd     *time.Time
}

type Dispatcher struct {
	db     *gorm.DB
	sender Sender
	log    *slog.Logger
}

func NewDispatcher(db *gorm.DB, sender Sender, log *slog.Logger) *Dispatcher {
	return &Dispatcher{db: db, sender: sender, log: log}
}

// Dispatch sends the customer confirmation (unless skipCustomer) and always attempts
// the admin notification.
func (d *Dispatcher) Dispatch(ctx context.Context, s Sale, skipCustomer bool) Outcome {
	var out Outcome
	log := d.log.With(slog.String("order_id", s.Order.ID), slog.String("order_number", s.Order.OrderNumber))

	rec, found := d.ResolveRecipient(ctx, s)

	if skipCustomer {
		out.CustomerSkipped = true
	} else if !found {
		log.Warn("no recipient email for order, skipping customer confirmation")
		out.CustomerSkipped = true
	} else {
		msg := PaymentConfirmation{
			To:            rec.Email,
			CustomerName:  rec.Name,
			OrderNumber:   s.Order.OrderNumber,
			OrderType:     string(s.Order.OrderType),
			ItemName:      s.Order.ItemName,
			Amount:        s.Order.Amount,
			Currency:      s.Order.Currency,
			TransactionID: s.TransactionID,
			SetupToken:    s.SetupToken,
			Details:       detailsFor(s),
		}
		if err := safeSend(func() error { return d.sender.SendPaymentConfirmation(ctx, msg) }); err != nil {
			log.Error("payment confirmation email failed", slog.String("error", err.Error()))
			out.CustomerError = err.Error()
		} else {
			out.CustomerSent = true
		}
	}

	admin := AdminSale{
		SaleType:      SaleTypeFor(s.Order.OrderType, s.Payload),
		CustomerEmail: rec.Email,
		CustomerName:  rec.Name,
		IsGuest:       s.Order.GuestEmail != nil || s.Checkout.IsGuestCheckout,
		OrderNumber:   s.Order.OrderNumber,
		ItemName:      s.Order.ItemName,
		Amount:        s.Order.Amount,
		Currency:      s.Order.Currency,
		PaymentMethod: s.Order.PaymentMethod,
		TransactionID: s.TransactionID,
		Details:       detailsFor(s),
	}
	if err := safeSend(func() error { return d.sender.SendAdminNotification(ctx, admin) }); err != nil {
		log.Error("admin sale notification failed", slog.String("error", err.Error()))
		out.AdminError = err.Error()
	} else {
		out.AdminSent = true
	}
	return out
}

// Recipient is the resolved customer contact.
type Recipient struct {
	Email string
	Name  string
}

// ResolveRecipient walks linked user -> guest email -> user by id -> metadata.customerEmail.
func (d *Dispatcher) ResolveRecipient(ctx context.Context, s Sale) (Recipient, bool) {
	o := s.Order
	name := s.Checkout.CustomerName
	if o.GuestName != nil && *o.GuestName != "" {
		name = *o.GuestName
	}

	if o.User != nil && o.User.Email != "" {
		if o.User.Name != nil && *o.User.Name != "" {
			name = *o.User.Name
		}
		return Recipient{Email: o.User.Email, Name: name}, true
	}
	if o.GuestEmail != nil && *o.GuestEmail != "" {
		return Recipient{Email: *o.GuestEmail, Name: name}, true
	}
	if s.UserID != "" && d.db != nil {
		var u model.User
		err := d.db.WithContext(ctx).Where("id = ?", s.UserID).Take(&u).Error
		switch {
		case err == nil && u.Email != "":
			if u.Name != nil && *u.Name != "" {
				name = *u.Name
			}
			return Recipient{Email: u.Email, Name: name}, true
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			d.log.Warn("recipient lookup failed", slog.String("user_id", s.UserID), slog.String("error", err.Error()))
		}
	}
	if email := s.Checkout.CustomerEmail; email != "" {
		if err := validate.Var(email, "email"); err == nil {
			return Recipient{Email: email, Name: name}, true
		}
		d.log.Warn("ignoring malformed customerEmail", slog.String("order_id", o.ID))
	}
	return Recipient{Name: name}, false
}

// safeSend 把发送方的 panic 转成普通错误，通知失败不能影响已提交的履约。
func safeSend(send func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return send()
}

// SaleTypeFor maps the order type (and pack flag) to the admin sale type.
func SaleTypeFor(t model.OrderType, p model.Payload) SaleType {
	switch t {
	case model.OrderTypeSession:
		if sp, ok := p.(model.SessionPayload); ok && sp.IsPack() {
			return SaleSessionPack
		}
		return SaleSession
	case model.OrderTypeMembership:
		return SaleMembership
	case model.OrderTypeEvent:
		return SaleEvent
	case model.OrderTypeCourse:
		return SaleCourse
	case model.OrderTypePremiumContent:
		return SalePremiumContent
	default:
		return SaleProduct
	}
}

func detailsFor(s Sale) Details {
	var d Details
	switch p := s.Payload.(type) {
	case model.SessionPayload:
		d.SessionDate = p.ScheduledAt
		d.SessionsTotal = p.SessionsTotal()
		d.PackCode = s.PackCode
	case model.MembershipPayload:
		d.BillingInterval = string(p.BillingInterval)
		d.PeriodEnd = s.PeriodEnd
	case model.EventPayload:
		d.EventDate = p.ScheduledAt
		d.Seats = p.Seats
	case model.CoursePayload:
		for _, it := range p.Items {
			d.CourseNames = append(d.CourseNames, it.Name)
		}
	}
	return d
}
