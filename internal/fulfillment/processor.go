// Package fulfillment turns an approved payment into domain resources
// (subscriptions, bookings, entitlements) and dispatches the sale notifications.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fulfillment/internal/courseaccess"
	"fulfillment/internal/model"
	"fulfillment/internal/notify"

	"gorm.io/gorm"
)

var (
	// ErrUserUnresolved carries the message shown to staff verbatim.
	ErrUserUnresolved        = errors.New("No se pudo determinar el usuario")
	ErrFulfillmentInProgress = errors.New("order is being fulfilled by another worker")
)

// Notifier sends the post-fulfillment notifications.
type Notifier interface {
	Dispatch(ctx context.Context, s notify.Sale, skipCustomer bool) notify.Outcome
}

// Locker is an optional cross-process lock per order.
type Locker interface {
	Acquire(ctx context.Context, orderID string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, orderID, token string) error
}

type Processor struct {
	db       *gorm.DB
	courses  *courseaccess.Service
	notifier Notifier
	locker   Locker
	lockTTL  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Processor)

func WithLocker(l Locker, ttl time.Duration) Option {
	return func(p *Processor) {
		p.locker = l
		p.lockTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

func NewProcessor(db *gorm.DB, courses *courseaccess.Service, notifier Notifier, opts ...Option) *Processor {
	p := &Processor{
		db:       db,
		courses:  courses,
		notifier: notifier,
		lockTTL:  30 * time.Second,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Options tune one fulfillment call.
type Options struct {
	SkipEmail     bool
	TransactionID string
}

type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Result is the outcome of ProcessApprovedPayment. Success with an empty
// CreatedResources and Duplicate=true means the order was already fulfilled.
type Result struct {
	OrderID          string         `json:"order_id,omitempty"`
	Success          bool           `json:"success"`
	Error            string         `json:"error,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	CreatedResources []Resource     `json:"created_resources"`
	Duplicate        bool           `json:"duplicate"`
	Notification     notify.Outcome `json:"notification"`

	err error
}

// Err returns the underlying failure so callers can match sentinels with errors.Is.
func (r Result) Err() error { return r.err }

// ProcessApprovedPayment fulfils an order whose payment is confirmed.
// It never returns an error and never panics; failures are reported in the Result.
func (p *Processor) ProcessApprovedPayment(ctx context.Context, order *model.Order, opts Options) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("fulfillment panic: %v", r)
			p.log.Error("fulfillment panic recovered", slog.Any("panic", r))
			res = Result{Success: false, Error: err.Error(), CreatedResources: []Resource{}, err: err}
		}
		if order != nil {
			res.OrderID = order.ID
		}
	}()

	if order == nil {
		return failure(errors.New("nil order"), "")
	}
	log := p.log.With(slog.String("order_id", order.ID), slog.String("order_type", string(order.OrderType)))

	payload, checkout, err := model.DecodePayload(order)
	if err != nil {
		log.Error("invalid order payload", slog.String("error", err.Error()))
		return failure(err, "")
	}

	userID, setupToken, err := p.resolveUser(ctx, order, checkout)
	if err != nil {
		log.Error("guest resolution failed", slog.String("error", err.Error()))
		return failure(err, "")
	}
	if userID == "" {
		log.Error("order has no user and no guest email", slog.String("order_number", order.OrderNumber))
		return failure(ErrUserUnresolved, "")
	}
	log = log.With(slog.String("user_id", userID))

	if p.locker != nil {
		token, ok, err := p.locker.Acquire(ctx, order.ID, p.lockTTL)
		switch {
		case err != nil:
			// 锁只是快速路径，Redis 不可用时依赖幂等键兜底。
			log.Warn("order lock unavailable, continuing", slog.String("error", err.Error()))
		case !ok:
			log.Info("order lock held elsewhere")
			return failure(ErrFulfillmentInProgress, userID)
		default:
			defer func() {
				if err := p.locker.Release(context.WithoutCancel(ctx), order.ID, token); err != nil {
					log.Warn("order lock release failed", slog.String("error", err.Error()))
				}
			}()
		}
	}

	dup, err := p.CheckForDuplicateProcessing(ctx, order, userID, payload)
	if err != nil {
		log.Error("duplicate check failed", slog.String("error", err.Error()))
		return failure(err, userID)
	}
	if dup {
		log.Info("order already fulfilled within window, skipping")
		return duplicate(userID)
	}

	built, err := p.build(ctx, order, userID, payload)
	if err != nil {
		log.Error("fulfillment failed", slog.String("error", err.Error()))
		return failure(err, userID)
	}
	if built.duplicate {
		log.Info("fulfillment key already claimed, skipping")
		return duplicate(userID)
	}
	log.Info("order fulfilled", slog.Int("resources", len(built.resources)))

	txID := opts.TransactionID
	if txID == "" && order.TransactionID != nil {
		txID = *order.TransactionID
	}
	outcome := p.sendNotifications(ctx, notify.Sale{
		Order:         order,
		UserID:        userID,
		Payload:       payload,
		Checkout:      checkout,
		TransactionID: txID,
		SetupToken:    setupToken,
		PackCode:      built.packCode,
		PeriodEnd:     built.periodEnd,
	}, opts.SkipEmail)
	if outcome.Degraded() {
		log.Warn("order fulfilled with degraded notification",
			slog.String("customer_error", outcome.CustomerError),
			slog.String("admin_error", outcome.AdminError))
	}

	return Result{
		Success:          true,
		UserID:           userID,
		CreatedResources: built.resources,
		Notification:     outcome,
	}
}

// sendNotifications runs after the builder transaction committed, so a panic here must
// degrade the notification outcome instead of failing the fulfillment.
func (p *Processor) sendNotifications(ctx context.Context, s notify.Sale, skipCustomer bool) (out notify.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("notification panic recovered", slog.String("order_id", s.Order.ID), slog.Any("panic", r))
			msg := fmt.Sprintf("notification panic: %v", r)
			out = notify.Outcome{CustomerSkipped: skipCustomer, AdminError: msg}
			if !skipCustomer {
				out.CustomerError = msg
			}
		}
	}()
	return p.notifier.Dispatch(ctx, s, skipCustomer)
}

func failure(err error, userID string) Result {
	return Result{Success: false, Error: err.Error(), UserID: userID, CreatedResources: []Resource{}, err: err}
}

func duplicate(userID string) Result {
	return Result{Success: true, UserID: userID, CreatedResources: []Resource{}, Duplicate: true}
}
