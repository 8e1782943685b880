package fulfillment

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"fulfillment/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// packCodeAlphabet omits I, O, 0 and 1.
const packCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GeneratePackCode returns a redeemable code of the form PACK-XXXXXX.
func GeneratePackCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pack code: %w", err)
	}
	for i := range b {
		// 256 % 32 == 0, no modulo bias
		b[i] = packCodeAlphabet[int(b[i])%len(packCodeAlphabet)]
	}
	return "PACK-" + string(b), nil
}

// PeriodEnd adds one calendar month or year to start.
func PeriodEnd(start time.Time, interval model.BillingInterval) time.Time {
	if interval == model.BillingYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// ProviderTag maps the checkout payment method to the subscription provider.
func ProviderTag(method string) string {
	m := strings.ToUpper(method)
	switch {
	case m == "WOMPI_NEQUI":
		return "wompi_nequi"
	case strings.HasPrefix(m, "WOMPI"):
		return "wompi_card"
	case m == "EPAYCO_PAYPAL":
		return "epayco_paypal"
	case strings.HasPrefix(m, "EPAYCO"):
		return "epayco_card"
	}
	return "unknown"
}

// recordDiscount stores one DiscountUsage per order and bumps the code counter.
func (p *Processor) recordDiscount(tx *gorm.DB, o *model.Order, userID string, now time.Time) error {
	if o.DiscountCodeID == nil || *o.DiscountCodeID == "" {
		return nil
	}
	usage := model.DiscountUsage{
		CreatedAt:      now,
		DiscountCodeID: *o.DiscountCodeID,
		OrderID:        o.ID,
		UserID:         userID,
		Code:           o.DiscountCode,
	}
	if o.DiscountAmount != nil {
		usage.Amount = *o.DiscountAmount
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoNothing: true,
	}).Create(&usage)
	if res.Error != nil {
		return fmt.Errorf("record discount usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := tx.Model(&model.DiscountCode{}).
		Where("id = ?", *o.DiscountCodeID).
		Update("used_count", gorm.Expr("used_count + ?", 1)).Error; err != nil {
		return fmt.Errorf("increment discount usage: %w", err)
	}
	return nil
}
