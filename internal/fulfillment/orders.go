package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fulfillment/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPayable = errors.New("order is not in a payable state")
	ErrStatusMismatch  = errors.New("order status changed concurrently")
)

// Approval is the confirmation data from a gateway or an admin.
type Approval struct {
	TransactionID string
	PaymentMethod string
	SkipEmail     bool
}

// FindOrder loads an order with its user by id or, failing that, by order number.
func (p *Processor) FindOrder(ctx context.Context, ref string) (*model.Order, error) {
	var o model.Order
	err := p.db.WithContext(ctx).Preload("User").
		Where("id = ? OR order_number = ?", ref, ref).
		Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &o, nil
}

// ApprovePayment moves a PENDING order to COMPLETED and fulfils it.
// An already COMPLETED order is treated as a redelivery and re-runs the idempotent fulfillment.
func (p *Processor) ApprovePayment(ctx context.Context, ref string, a Approval) (Result, error) {
	o, err := p.FindOrder(ctx, ref)
	if err != nil {
		return Result{}, err
	}

	switch {
	case o.PaymentStatus == model.PaymentPending:
		if err := p.markCompleted(ctx, o, a); err != nil {
			if !errors.Is(err, ErrStatusMismatch) {
				return Result{}, err
			}
			// 并发请求先一步完成状态迁移，重新读取后按重复投递处理。
			if o, err = p.FindOrder(ctx, o.ID); err != nil {
				return Result{}, err
			}
			if o.PaymentStatus != model.PaymentCompleted {
				return Result{}, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, o.OrderNumber, o.PaymentStatus)
			}
		}
	case o.PaymentStatus == model.PaymentCompleted:
		p.log.Info("payment approval redelivered", slog.String("order_id", o.ID))
	default:
		return Result{}, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, o.OrderNumber, o.PaymentStatus)
	}

	res := p.ProcessApprovedPayment(ctx, o, Options{SkipEmail: a.SkipEmail, TransactionID: a.TransactionID})
	return res, nil
}

func (p *Processor) markCompleted(ctx context.Context, o *model.Order, a Approval) error {
	now := p.now()
	updates := map[string]any{
		"payment_status": model.PaymentCompleted,
		"paid_at":        now,
	}
	if a.TransactionID != "" {
		updates["transaction_id"] = a.TransactionID
	}
	if a.PaymentMethod != "" {
		updates["payment_method"] = a.PaymentMethod
	}
	res := p.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status = ?", o.ID, model.PaymentPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mark order completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusMismatch
	}

	o.PaymentStatus = model.PaymentCompleted
	o.PaidAt = &now
	if a.TransactionID != "" {
		txID := a.TransactionID
		o.TransactionID = &txID
	}
	if a.PaymentMethod != "" {
		o.PaymentMethod = a.PaymentMethod
	}
	return nil
}

// FailPayment marks a PENDING order as FAILED. Non-pending orders are left untouched.
func (p *Processor) FailPayment(ctx context.Context, ref, transactionID string) error {
	o, err := p.FindOrder(ctx, ref)
	if err != nil {
		return err
	}
	if o.PaymentStatus != model.PaymentPending {
		p.log.Info("ignoring payment failure for non-pending order",
			slog.String("order_id", o.ID), slog.String("status", string(o.PaymentStatus)))
		return nil
	}
	updates := map[string]any{"payment_status": model.PaymentFailed}
	if transactionID != "" {
		updates["transaction_id"] = transactionID
	}
	return p.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND payment_status = ?", o.ID, model.PaymentPending).
		Updates(updates).Error
}

// FulfillmentRecords lists the claimed fulfillment keys of an order.
func (p *Processor) FulfillmentRecords(ctx context.Context, orderID string) ([]model.FulfillmentRecord, error) {
	var recs []model.FulfillmentRecord
	err := p.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at").Find(&recs).Error
	return recs, err
}
