package fulfillment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fulfillment/internal/courseaccess"
	"fulfillment/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errAlreadyClaimed = errors.New("fulfillment key already claimed")

type buildResult struct {
	resources []Resource
	duplicate bool
	packCode  string
	periodEnd *time.Time
}

// IdempotencyKey is sha256(orderID:kind) in hex.
func IdempotencyKey(orderID, kind string) string {
	sum := sha256.Sum256([]byte(orderID + ":" + kind))
	return hex.EncodeToString(sum[:])
}

func fulfillmentKind(t model.OrderType) string {
	return strings.ToLower(string(t))
}

// build claims the fulfillment key and runs the builder for the payload in one transaction.
func (p *Processor) build(ctx context.Context, o *model.Order, userID string, payload model.Payload) (buildResult, error) {
	var out buildResult
	kind := fulfillmentKind(o.OrderType)
	now := p.now()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := model.FulfillmentRecord{
			IdempotencyKey: IdempotencyKey(o.ID, kind),
			CreatedAt:      now,
			OrderID:        o.ID,
			Kind:           kind,
		}
		if err := tx.Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return errAlreadyClaimed
			}
			return fmt.Errorf("claim fulfillment key: %w", err)
		}

		var err error
		switch pl := payload.(type) {
		case model.MembershipPayload:
			err = p.buildMembership(tx, o, userID, pl, now, &out)
		case model.SessionPayload:
			err = p.buildSession(tx, o, userID, pl, now, &out)
		case model.EventPayload:
			err = p.buildEvent(tx, o, userID, pl, now, &out)
		case model.CoursePayload:
			err = p.buildCourse(ctx, tx, o, userID, pl, &out)
		case model.PremiumContentPayload:
			err = p.buildPremiumContent(tx, o, userID, pl, now, &out)
		case model.ProductPayload:
			p.log.Info("product order needs no fulfillment resources", slog.String("order_id", o.ID))
		default:
			p.log.Warn("no fulfillment path for order type",
				slog.String("order_id", o.ID), slog.String("order_type", string(o.OrderType)))
		}
		if err != nil {
			return err
		}

		if err := p.recordDiscount(tx, o, userID, now); err != nil {
			return err
		}

		if out.resources == nil {
			out.resources = []Resource{}
		}
		raw, err := json.Marshal(out.resources)
		if err != nil {
			return err
		}
		return tx.Model(&rec).Update("resources", datatypes.JSON(raw)).Error
	})
	if errors.Is(err, errAlreadyClaimed) {
		return buildResult{duplicate: true}, nil
	}
	if err != nil {
		return buildResult{}, err
	}
	return out, nil
}

func (p *Processor) buildMembership(tx *gorm.DB, o *model.Order, userID string, pl model.MembershipPayload, now time.Time, out *buildResult) error {
	end := PeriodEnd(now, pl.BillingInterval)
	orderID := o.ID

	sub := model.Subscription{
		CreatedAt:          now,
		UserID:             userID,
		TierID:             pl.TierID,
		TierName:           pl.TierName,
		OrderID:            &orderID,
		Status:             model.SubscriptionActive,
		BillingInterval:    pl.BillingInterval,
		Amount:             o.Amount,
		Currency:           o.Currency,
		Provider:           ProviderTag(o.PaymentMethod),
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   end,
	}
	if err := tx.Create(&sub).Error; err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	ent := model.Entitlement{
		CreatedAt:      now,
		UserID:         userID,
		Type:           model.EntitlementMembership,
		ResourceID:     pl.TierID,
		ResourceName:   pl.TierName,
		OrderID:        &orderID,
		ExpiresAt:      &end,
		SubscriptionID: &sub.ID,
	}
	if err := tx.Create(&ent).Error; err != nil {
		return fmt.Errorf("create membership entitlement: %w", err)
	}

	out.periodEnd = &end
	out.resources = append(out.resources,
		Resource{Type: "subscription", ID: sub.ID},
		Resource{Type: "entitlement", ID: ent.ID},
	)
	return nil
}

func (p *Processor) buildSession(tx *gorm.DB, o *model.Order, userID string, pl model.SessionPayload, now time.Time, out *buildResult) error {
	if !pl.IsPack() && pl.ScheduledAt == nil {
		return fmt.Errorf("%w: order %s", model.ErrScheduleRequired, o.OrderNumber)
	}
	orderID := o.ID
	total := pl.SessionsTotal()

	b := model.Booking{
		CreatedAt:         now,
		UserID:            userID,
		ResourceID:        o.ItemID,
		ResourceName:      o.ItemName,
		OrderID:           &orderID,
		BookingType:       model.BookingSession,
		Status:            model.BookingConfirmed,
		PaymentStatus:     model.PaymentCompleted,
		ScheduledAt:       pl.ScheduledAt,
		SessionsTotal:     total,
		SessionsRemaining: total,
		Amount:            o.Amount,
		Currency:          o.Currency,
		Metadata:          datatypes.JSONMap{},
	}
	if pl.IsPack() {
		code, err := GeneratePackCode()
		if err != nil {
			return err
		}
		b.BookingType = model.BookingSessionPack
		b.ScheduledAt = nil
		b.Metadata["packCode"] = code
		b.Metadata["packCodeGeneratedAt"] = now.Format(time.RFC3339)
		out.packCode = code
	}
	if pl.SessionType != "" {
		b.Metadata["sessionType"] = pl.SessionType
	}
	if err := tx.Create(&b).Error; err != nil {
		return fmt.Errorf("create session booking: %w", err)
	}
	out.resources = append(out.resources, Resource{Type: "booking", ID: b.ID})
	return nil
}

func (p *Processor) buildEvent(tx *gorm.DB, o *model.Order, userID string, pl model.EventPayload, now time.Time, out *buildResult) error {
	orderID := o.ID
	b := model.Booking{
		CreatedAt:         now,
		UserID:            userID,
		ResourceID:        o.ItemID,
		ResourceName:      o.ItemName,
		OrderID:           &orderID,
		BookingType:       model.BookingEvent,
		Status:            model.BookingConfirmed,
		PaymentStatus:     model.PaymentCompleted,
		ScheduledAt:       pl.ScheduledAt,
		SessionsTotal:     1,
		SessionsRemaining: 1,
		Amount:            o.Amount,
		Currency:          o.Currency,
		Metadata:          datatypes.JSONMap{"seats": pl.Seats},
	}
	if err := tx.Create(&b).Error; err != nil {
		return fmt.Errorf("create event booking: %w", err)
	}

	ent := model.Entitlement{
		CreatedAt:    now,
		UserID:       userID,
		Type:         model.EntitlementEvent,
		ResourceID:   o.ItemID,
		ResourceName: o.ItemName,
		OrderID:      &orderID,
	}
	if err := tx.Create(&ent).Error; err != nil {
		return fmt.Errorf("create event entitlement: %w", err)
	}
	out.resources = append(out.resources,
		Resource{Type: "booking", ID: b.ID},
		Resource{Type: "entitlement", ID: ent.ID},
	)
	return nil
}

func (p *Processor) buildCourse(ctx context.Context, tx *gorm.DB, o *model.Order, userID string, pl model.CoursePayload, out *buildResult) error {
	for _, it := range pl.Items {
		name := it.Name
		if name == "" {
			name = it.ID
		}
		_, _, err := p.courses.CreateCourseEntitlement(ctx, tx, courseaccess.Grant{
			UserID:     userID,
			CourseID:   it.ID,
			CourseName: name,
			OrderID:    o.ID,
		})
		if err != nil {
			return fmt.Errorf("course %s: %w", it.ID, err)
		}
		out.resources = append(out.resources, Resource{Type: "course", ID: it.ID})
	}
	return nil
}

func (p *Processor) buildPremiumContent(tx *gorm.DB, o *model.Order, userID string, pl model.PremiumContentPayload, now time.Time, out *buildResult) error {
	orderID := o.ID
	ent := model.Entitlement{
		CreatedAt:    now,
		UserID:       userID,
		Type:         model.EntitlementPremiumContent,
		ResourceID:   o.ItemID,
		ResourceName: o.ItemName,
		OrderID:      &orderID,
	}
	if pl.AccessDays > 0 {
		exp := now.AddDate(0, 0, pl.AccessDays)
		ent.ExpiresAt = &exp
	}
	if err := tx.Create(&ent).Error; err != nil {
		return fmt.Errorf("create premium content entitlement: %w", err)
	}
	out.resources = append(out.resources, Resource{Type: "entitlement", ID: ent.ID})
	return nil
}
