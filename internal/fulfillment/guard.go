package fulfillment

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/model"
)

// duplicateWindow bounds the recency heuristic; the fulfillment key is the hard guarantee.
const duplicateWindow = 24 * time.Hour

// CheckForDuplicateProcessing reports whether resources for this order already exist.
// PRODUCT, PREMIUM_CONTENT and unknown types are never flagged here.
func (p *Processor) CheckForDuplicateProcessing(ctx context.Context, o *model.Order, userID string, payload model.Payload) (bool, error) {
	db := p.db.WithContext(ctx)
	since := p.now().Add(-duplicateWindow)
	var n int64

	switch pl := payload.(type) {
	case model.MembershipPayload:
		err := db.Model(&model.Subscription{}).
			Where("user_id = ? AND tier_id = ? AND created_at >= ?", userID, pl.TierID, since).
			Count(&n).Error
		if err != nil {
			return false, fmt.Errorf("check subscription duplicate: %w", err)
		}
		return n > 0, nil

	case model.SessionPayload, model.EventPayload:
		err := db.Model(&model.Booking{}).
			Where("user_id = ? AND resource_id = ? AND payment_status = ? AND created_at >= ?",
				userID, o.ItemID, model.PaymentCompleted, since).
			Count(&n).Error
		if err != nil {
			return false, fmt.Errorf("check booking duplicate: %w", err)
		}
		return n > 0, nil

	case model.CoursePayload:
		ids := uniqueStrings(pl.CourseIDs)
		if len(ids) == 0 {
			return false, nil
		}
		// all-or-nothing: a partial overlap proceeds
		err := db.Model(&model.Entitlement{}).
			Where("user_id = ? AND type = ? AND order_id = ? AND resource_id IN ?",
				userID, model.EntitlementCourse, o.ID, ids).
			Distinct("resource_id").
			Count(&n).Error
		if err != nil {
			return false, fmt.Errorf("check course duplicate: %w", err)
		}
		return n == int64(len(ids)), nil
	}
	return false, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
