package queue

import (
	"fmt"

	"fulfillment/internal/notify"
)

// PaymentApprovedMessage 是写入 Kafka 的支付确认事件，由 ApprovalConsumer 异步履约。
type PaymentApprovedMessage struct {
	OrderRef      string `json:"order_ref"` // 订单 id 或订单号
	Provider      string `json:"provider"`
	TransactionID string `json:"transaction_id"`
	PaymentMethod string `json:"payment_method,omitempty"`
	SkipEmail     bool   `json:"skip_email,omitempty"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m PaymentApprovedMessage) Validate() error {
	if m.OrderRef == "" {
		return fmt.Errorf("order_ref is required")
	}
	if m.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	return nil
}

const (
	MailPaymentConfirmation = "payment_confirmation"
	MailAdminSale           = "admin_sale"
)

// MailMessage 投递给邮件服务的消息，Kind 决定哪个字段有值。
type MailMessage struct {
	Kind         string                      `json:"kind"`
	Confirmation *notify.PaymentConfirmation `json:"confirmation,omitempty"`
	AdminSale    *notify.AdminSale           `json:"admin_sale,omitempty"`
}
