package queue

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment/internal/notify"

	"github.com/segmentio/kafka-go"
)

// Producer 封装 Kafka 写入器。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 创建生产者并配置可靠性参数：
// - Hash + Key: 同一订单的消息落到同一分区，保证有序。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error { return p.w.Close() }

// publishJSON 同步写入一条 JSON 消息。
func (p *Producer) publishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: b,
	})
}

// PublishApproval 以订单引用作为 key，重复投递由履约幂等键吸收。
func (p *Producer) PublishApproval(ctx context.Context, msg PaymentApprovedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return p.publishJSON(ctx, msg.OrderRef, msg)
}

// MailPublisher hands notifications to the mail service over Kafka.
type MailPublisher struct {
	p *Producer
}

func NewMailPublisher(p *Producer) *MailPublisher {
	return &MailPublisher{p: p}
}

func (m *MailPublisher) SendPaymentConfirmation(ctx context.Context, msg notify.PaymentConfirmation) error {
	return m.p.publishJSON(ctx, msg.OrderNumber, MailMessage{Kind: MailPaymentConfirmation, Confirmation: &msg})
}

func (m *MailPublisher) SendAdminNotification(ctx context.Context, msg notify.AdminSale) error {
	return m.p.publishJSON(ctx, msg.OrderNumber, MailMessage{Kind: MailAdminSale, AdminSale: &msg})
}
