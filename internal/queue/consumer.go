package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"fulfillment/internal/fulfillment"

	"github.com/segmentio/kafka-go"
)

// Approver is the fulfillment entry point the consumer drives.
type Approver interface {
	ApprovePayment(ctx context.Context, ref string, a fulfillment.Approval) (fulfillment.Result, error)
}

// ApprovalConsumer 消费 payment.approved 事件并触发履约。
type ApprovalConsumer struct {
	r        *kafka.Reader
	approver Approver
	log      *slog.Logger
	attempts int
	backoff  time.Duration
}

func NewApprovalConsumer(brokers []string, topic, groupID string, approver Approver, log *slog.Logger) *ApprovalConsumer {
	return &ApprovalConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1e6,
		}),
		approver: approver,
		log:      log,
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

func (c *ApprovalConsumer) Close() error { return c.r.Close() }

// Run 处理完一条消息后才提交 offset（至少一次语义，重复由幂等键吸收）。
func (c *ApprovalConsumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		var msg PaymentApprovedMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			c.log.Error("approval message unmarshal", slog.String("error", err.Error()))
		} else if err := msg.Validate(); err != nil {
			c.log.Error("approval message invalid", slog.String("error", err.Error()))
		} else {
			c.handle(ctx, msg)
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("approval commit", slog.String("error", err.Error()))
		}
	}
}

func (c *ApprovalConsumer) handle(ctx context.Context, msg PaymentApprovedMessage) {
	log := c.log.With(slog.String("order_ref", msg.OrderRef), slog.String("provider", msg.Provider))
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, err := c.approver.ApprovePayment(ctx, msg.OrderRef, fulfillment.Approval{
			TransactionID: msg.TransactionID,
			PaymentMethod: msg.PaymentMethod,
			SkipEmail:     msg.SkipEmail,
		})
		if err != nil {
			// 订单不存在 / 已终态：重试没有意义。
			if errors.Is(err, fulfillment.ErrOrderNotFound) || errors.Is(err, fulfillment.ErrOrderNotPayable) {
				log.Warn("approval dropped", slog.String("error", err.Error()))
				return
			}
			log.Error("approval failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		} else if res.Success {
			log.Info("approval fulfilled",
				slog.Bool("duplicate", res.Duplicate),
				slog.Int("resources", len(res.CreatedResources)))
			return
		} else {
			log.Error("approval fulfillment failed", slog.Int("attempt", attempt), slog.String("error", res.Error))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}
