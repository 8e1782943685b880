package notify

import (
	"context"
	"log/slog"
)

// LogSender writes notifications to the log instead of delivering them. Local development only.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) SendPaymentConfirmation(ctx context.Context, msg PaymentConfirmation) error {
	s.log.InfoContext(ctx, "payment confirmation",
		slog.String("to", msg.To),
		slog.String("order_number", msg.OrderNumber),
		slog.String("item", msg.ItemName),
	)
	return nil
}

func (s *LogSender) SendAdminNotification(ctx context.Context, msg AdminSale) error {
	s.log.InfoContext(ctx, "admin sale notification",
		slog.String("sale_type", string(msg.SaleType)),
		slog.String("order_number", msg.OrderNumber),
		slog.String("customer", msg.CustomerEmail),
	)
	return nil
}
