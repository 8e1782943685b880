// Package webhook verifies payment gateway notifications, records them, and
// drives order approval or failure from them.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"fulfillment/internal/fulfillment"
	"fulfillment/internal/model"
	"fulfillment/internal/queue"

	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Payments is the order side of webhook handling.
type Payments interface {
	ApprovePayment(ctx context.Context, ref string, a fulfillment.Approval) (fulfillment.Result, error)
	FailPayment(ctx context.Context, ref, transactionID string) error
}

// ApprovalPublisher hands approvals to the async consumer instead of fulfilling inline.
type ApprovalPublisher interface {
	PublishApproval(ctx context.Context, msg queue.PaymentApprovedMessage) error
}

// Retrier schedules a failed event for another attempt.
type Retrier interface {
	Enqueue(ctx context.Context, eventID string, attempt int) error
}

type Secrets struct {
	WompiEvents      string
	EpaycoCustomerID string
	EpaycoPKey       string
}

type Service struct {
	db        *gorm.DB
	payments  Payments
	secrets   Secrets
	publisher ApprovalPublisher
	retrier   Retrier
	log       *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p ApprovalPublisher) Option { return func(s *Service) { s.publisher = p } }

func WithRetrier(r Retrier) Option { return func(s *Service) { s.retrier = r } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(db *gorm.DB, payments Payments, secrets Secrets, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		db:       db,
		payments: payments,
		secrets:  secrets,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outcome is what a webhook delivery resulted in.
type Outcome struct {
	EventID   string              `json:"event_id"`
	Duplicate bool                `json:"duplicate"`
	Status    Status              `json:"status"`
	Result    *fulfillment.Result `json:"result,omitempty"`
	Queued    bool                `json:"queued,omitempty"`
}

// HandleWompi verifies, records and processes a Wompi event body.
func (s *Service) HandleWompi(ctx context.Context, raw []byte) (Outcome, error) {
	n, err := ParseWompi(raw, s.secrets.WompiEvents)
	if err != nil {
		return Outcome{}, err
	}
	return s.handle(ctx, n, string(raw))
}

// HandleEpayco verifies, records and processes an ePayco confirmation.
func (s *Service) HandleEpayco(ctx context.Context, form url.Values) (Outcome, error) {
	n, err := ParseEpayco(form, s.secrets.EpaycoCustomerID, s.secrets.EpaycoPKey)
	if err != nil {
		return Outcome{}, err
	}
	return s.handle(ctx, n, form.Encode())
}

func (s *Service) handle(ctx context.Context, n Notification, raw string) (Outcome, error) {
	ev, fresh, err := s.record(ctx, n, raw)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{EventID: ev.ID, Status: n.Status}
	if !fresh && ev.Processed {
		// 网关重复投递：已处理过，直接返回成功。
		out.Duplicate = true
		return out, nil
	}

	res, queued, err := s.process(ctx, ev, n, true)
	out.Result, out.Queued = res, queued
	return out, err
}

// record stores the delivery; fresh=false means (provider, event id) was seen before.
func (s *Service) record(ctx context.Context, n Notification, raw string) (*model.WebhookEvent, bool, error) {
	db := s.db.WithContext(ctx)
	ev := &model.WebhookEvent{
		Provider:        n.Provider,
		ProviderEventID: n.EventID,
		EventType:       n.EventType,
		OrderRef:        n.OrderRef,
		Payload:         raw,
	}
	err := db.Create(ev).Error
	if err == nil {
		return ev, true, nil
	}
	if !errorsLikeUnique(err) {
		return nil, false, fmt.Errorf("record webhook event: %w", err)
	}
	var existing model.WebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", n.Provider, n.EventID).Take(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("load webhook event: %w", err)
	}
	return &existing, false, nil
}

// process applies n to its order. scheduleRetry=false when the retry relay is the caller.
func (s *Service) process(ctx context.Context, ev *model.WebhookEvent, n Notification, scheduleRetry bool) (*fulfillment.Result, bool, error) {
	log := s.log.With(slog.String("provider", n.Provider), slog.String("event_id", ev.ID), slog.String("order_ref", n.OrderRef))

	var (
		res    *fulfillment.Result
		queued bool
		err    error
	)
	switch n.Status {
	case StatusApproved:
		if s.publisher != nil {
			err = s.publisher.PublishApproval(ctx, queue.PaymentApprovedMessage{
				OrderRef:      n.OrderRef,
				Provider:      n.Provider,
				TransactionID: n.TransactionID,
				PaymentMethod: n.PaymentMethod,
			})
			queued = err == nil
		} else {
			var r fulfillment.Result
			r, err = s.payments.ApprovePayment(ctx, n.OrderRef, fulfillment.Approval{
				TransactionID: n.TransactionID,
				PaymentMethod: n.PaymentMethod,
			})
			if err == nil {
				res = &r
				if !r.Success {
					err = fmt.Errorf("fulfillment: %s", r.Error)
				}
			}
		}
	case StatusFailed:
		err = s.payments.FailPayment(ctx, n.OrderRef, n.TransactionID)
	default:
		log.Info("payment still pending", slog.String("raw_status", n.RawStatus))
	}

	// 订单不存在或已终态：重试无意义，记为已处理。
	if errors.Is(err, fulfillment.ErrOrderNotFound) || errors.Is(err, fulfillment.ErrOrderNotPayable) {
		log.Warn("webhook for unpayable order", slog.String("error", err.Error()))
		return res, queued, s.markProcessed(ctx, ev, err.Error())
	}
	if err != nil {
		log.Error("webhook processing failed", slog.String("error", err.Error()))
		s.markFailed(ctx, ev, err, scheduleRetry)
		return res, queued, err
	}
	return res, queued, s.markProcessed(ctx, ev, "")
}

func (s *Service) markProcessed(ctx context.Context, ev *model.WebhookEvent, note string) error {
	now := s.now()
	ev.Processed, ev.ProcessedAt, ev.LastError = true, &now, note
	return s.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", ev.ID).
		Updates(map[string]any{"processed": true, "processed_at": now, "last_error": note}).Error
}

func (s *Service) markFailed(ctx context.Context, ev *model.WebhookEvent, cause error, scheduleRetry bool) {
	ev.RetryCount++
	ev.LastError = cause.Error()
	if err := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", ev.ID).
		Updates(map[string]any{"retry_count": gorm.Expr("retry_count + 1"), "last_error": ev.LastError}).Error; err != nil {
		s.log.Error("webhook mark failed", slog.String("event_id", ev.ID), slog.String("error", err.Error()))
	}
	if s.retrier == nil || !scheduleRetry {
		return
	}
	if err := s.retrier.Enqueue(context.WithoutCancel(ctx), ev.ID, ev.RetryCount); err != nil {
		s.log.Error("webhook retry enqueue", slog.String("event_id", ev.ID), slog.String("error", err.Error()))
	}
}

// ReprocessWebhook re-runs a stored event. Processed events are a no-op.
// The retry relay reports failures itself, so no new retry is scheduled here.
func (s *Service) ReprocessWebhook(ctx context.Context, eventID string) error {
	var ev model.WebhookEvent
	if err := s.db.WithContext(ctx).Where("id = ?", eventID).Take(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if ev.Processed {
		return nil
	}

	var (
		n   Notification
		err error
	)
	switch ev.Provider {
	case ProviderWompi:
		n, err = ParseWompi([]byte(ev.Payload), s.secrets.WompiEvents)
	case ProviderEpayco:
		form, perr := url.ParseQuery(ev.Payload)
		if perr != nil {
			return nil
		}
		n, err = ParseEpayco(form, s.secrets.EpaycoCustomerID, s.secrets.EpaycoPKey)
	default:
		err = fmt.Errorf("unknown provider %q", ev.Provider)
	}
	if err != nil {
		// 已入库的事件无法再解析，重试没有意义。
		s.log.Error("stored webhook unparseable", slog.String("event_id", ev.ID), slog.String("error", err.Error()))
		return s.markProcessed(ctx, &ev, err.Error())
	}

	_, _, err = s.process(ctx, &ev, n, false)
	return err
}

func errorsLikeUnique(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}

// RedisRetrier enqueues onto the relay stream.
type RedisRetrier struct {
	rdb    *rd.Client
	stream string
}

func NewRedisRetrier(rdb *rd.Client, stream string) *RedisRetrier {
	return &RedisRetrier{rdb: rdb, stream: stream}
}

func (r *RedisRetrier) Enqueue(ctx context.Context, eventID string, attempt int) error {
	return queue.EnqueueRetry(ctx, r.rdb, r.stream, eventID, attempt)
}
