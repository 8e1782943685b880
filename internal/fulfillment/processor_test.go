package fulfillment

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"fulfillment/internal/model"
	"fulfillment/internal/notify"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipMonthlyPeriod(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, map[string]any{"billingInterval": "MONTHLY"})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{TransactionID: "tx-1"})
	require.True(t, res.Success, res.Error)
	require.Len(t, res.CreatedResources, 2)

	var sub model.Subscription
	require.NoError(t, f.db.Where("user_id = ?", u.ID).Take(&sub).Error)
	assert.True(t, sub.CurrentPeriodEnd.Equal(time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "wompi_nequi", sub.Provider)
	assert.Equal(t, model.SubscriptionActive, sub.Status)

	var ent model.Entitlement
	require.NoError(t, f.db.Where("user_id = ? AND type = ?", u.ID, model.EntitlementMembership).Take(&ent).Error)
	require.NotNil(t, ent.ExpiresAt)
	assert.True(t, ent.ExpiresAt.Equal(sub.CurrentPeriodEnd))
	require.NotNil(t, ent.SubscriptionID)
	assert.Equal(t, sub.ID, *ent.SubscriptionID)

	require.Len(t, f.sender.confirmations, 1)
	assert.Equal(t, "tx-1", f.sender.confirmations[0].TransactionID)
	require.Len(t, f.sender.admin, 1)
	assert.Equal(t, notify.SaleMembership, f.sender.admin[0].SaleType)
}

func TestMembershipYearlyPeriod(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, map[string]any{"billingInterval": "YEARLY"})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)

	var sub model.Subscription
	require.NoError(t, f.db.Where("user_id = ?", u.ID).Take(&sub).Error)
	assert.True(t, sub.CurrentPeriodEnd.Equal(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)))
}

func TestReprocessingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)
	ctx := context.Background()

	first := f.proc.ProcessApprovedPayment(ctx, o, Options{})
	require.True(t, first.Success, first.Error)

	// caught by the recency window
	second := f.proc.ProcessApprovedPayment(ctx, o, Options{})
	require.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.CreatedResources)

	// outside the window the fulfillment key still blocks it
	f.advance(48 * time.Hour)
	third := f.proc.ProcessApprovedPayment(ctx, o, Options{})
	require.True(t, third.Success)
	assert.True(t, third.Duplicate)
	assert.Empty(t, third.CreatedResources)

	assert.EqualValues(t, 1, f.count(t, &model.Subscription{}, "user_id = ?", u.ID))
	assert.EqualValues(t, 1, f.count(t, &model.Entitlement{}, "user_id = ?", u.ID))
	assert.Len(t, f.sender.confirmations, 1, "duplicates do not re-notify")
}

func TestSingleSessionRequiresSchedule(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeSession, &u.ID, map[string]any{"productType": "single"})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err(), model.ErrScheduleRequired))
	assert.EqualValues(t, 0, f.count(t, &model.Booking{}, ""))
	assert.EqualValues(t, 0, f.count(t, &model.FulfillmentRecord{}, ""))
	assert.Empty(t, f.sender.admin)
}

func TestSingleSessionBooking(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	at := "2024-01-20T15:00:00Z"
	o := f.order(t, model.OrderTypeSession, &u.ID, map[string]any{"scheduledAt": at, "sessionType": "tarot"})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)

	var b model.Booking
	require.NoError(t, f.db.Where("user_id = ?", u.ID).Take(&b).Error)
	assert.Equal(t, model.BookingSession, b.BookingType)
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.Equal(t, model.PaymentCompleted, b.PaymentStatus)
	assert.Equal(t, 1, b.SessionsTotal)
	require.NotNil(t, b.ScheduledAt)
	assert.True(t, b.ScheduledAt.Equal(time.Date(2024, 1, 20, 15, 0, 0, 0, time.UTC)))
}

func TestSessionPackGetsCode(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeSession, &u.ID, map[string]any{"productType": "pack"})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)

	var b model.Booking
	require.NoError(t, f.db.Where("user_id = ?", u.ID).Take(&b).Error)
	assert.Equal(t, model.BookingSessionPack, b.BookingType)
	assert.Equal(t, 8, b.SessionsTotal)
	assert.Equal(t, 8, b.SessionsRemaining)
	code, _ := b.Metadata["packCode"].(string)
	assert.Regexp(t, regexp.MustCompile(`^PACK-[A-HJ-NP-Z2-9]{6}$`), code)
	assert.NotEmpty(t, b.Metadata["packCodeGeneratedAt"])

	require.Len(t, f.sender.admin, 1)
	assert.Equal(t, notify.SaleSessionPack, f.sender.admin[0].SaleType)
	assert.Equal(t, code, f.sender.admin[0].Details.PackCode)
}

func TestEventBookingWithSeats(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeEvent, &u.ID, map[string]any{"seats": 3})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.CreatedResources, 2)

	var b model.Booking
	require.NoError(t, f.db.Where("user_id = ?", u.ID).Take(&b).Error)
	assert.Equal(t, model.BookingEvent, b.BookingType)
	assert.Nil(t, b.ScheduledAt)
	assert.EqualValues(t, 3, b.Metadata["seats"])

	var ent model.Entitlement
	require.NoError(t, f.db.Where("user_id = ? AND type = ?", u.ID, model.EntitlementEvent).Take(&ent).Error)
	assert.Nil(t, ent.ExpiresAt)
}

func TestGuestCheckoutCreatesAccount(t *testing.T) {
	f := newFixture(t)
	email := "  Guest@Example.COM "
	o := f.order(t, model.OrderTypeEvent, nil, map[string]any{"isGuestCheckout": true})
	require.NoError(t, f.db.Model(o).Update("guest_email", email).Error)
	o.GuestEmail = &email

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.UserID)

	var u model.User
	require.NoError(t, f.db.Where("id = ?", res.UserID).Take(&u).Error)
	assert.Equal(t, "guest@example.com", u.Email)
	assert.Nil(t, u.Password)
	assert.Nil(t, u.EmailVerified)

	var tok model.VerificationToken
	require.NoError(t, f.db.Where("identifier = ?", "guest@example.com").Take(&tok).Error)
	assert.Len(t, tok.Token, 64)
	assert.True(t, tok.Expires.Equal(fixedNow.Add(7*24*time.Hour)))

	var stored model.Order
	require.NoError(t, f.db.Where("id = ?", o.ID).Take(&stored).Error)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, res.UserID, *stored.UserID)
	assert.Equal(t, true, stored.Metadata["convertedFromGuest"])
	assert.NotEmpty(t, stored.Metadata["convertedAt"])

	require.Len(t, f.sender.confirmations, 1)
	assert.Equal(t, tok.Token, f.sender.confirmations[0].SetupToken)
	assert.True(t, f.sender.admin[0].IsGuest)
}

func TestGuestCheckoutLinksExistingUser(t *testing.T) {
	f := newFixture(t)
	existing := f.user(t, "guest@example.com")
	email := "GUEST@example.com"
	o := f.order(t, model.OrderTypeEvent, nil, nil)
	require.NoError(t, f.db.Model(o).Update("guest_email", email).Error)
	o.GuestEmail = &email

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, existing.ID, res.UserID)
	assert.EqualValues(t, 1, f.count(t, &model.User{}, ""))
	assert.EqualValues(t, 0, f.count(t, &model.VerificationToken{}, ""))
}

func TestUnresolvedUserFails(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, model.OrderTypeEvent, nil, nil)

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err(), ErrUserUnresolved))
	assert.Equal(t, "No se pudo determinar el usuario", res.Error)
	assert.EqualValues(t, 0, f.count(t, &model.Booking{}, ""))
}

func TestEmailFailureDoesNotFailFulfillment(t *testing.T) {
	f := newFixture(t)
	f.sender.customerErr = errSMTP
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.CreatedResources, 2)
	assert.False(t, res.Notification.CustomerSent)
	assert.Contains(t, res.Notification.CustomerError, "connection refused")
	assert.True(t, res.Notification.AdminSent)
	assert.True(t, res.Notification.Degraded())
}

func TestSenderPanicKeepsFulfillment(t *testing.T) {
	f := newFixture(t)
	f.sender.panicMsg = "mail client nil deref"
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.CreatedResources, 2)
	assert.Contains(t, res.Notification.CustomerError, "mail client nil deref")
	assert.True(t, res.Notification.AdminSent)
	assert.EqualValues(t, 1, f.count(t, &model.Subscription{}, ""))
}

func TestMalformedCustomerEmailIsNotFatal(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, map[string]any{
		"customerEmail":   "ana at example",
		"billingInterval": "monthly",
	})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	assert.EqualValues(t, 1, f.count(t, &model.Subscription{}, "user_id = ?", u.ID))
	// the linked user's address wins over the metadata fallback
	require.Len(t, f.sender.confirmations, 1)
	assert.Equal(t, "ana@example.com", f.sender.confirmations[0].To)
}

func TestSkipEmailStillNotifiesAdmin(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{SkipEmail: true})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Notification.CustomerSkipped)
	assert.Empty(t, f.sender.confirmations)
	assert.Len(t, f.sender.admin, 1)
}

func TestCourseOrderGrantsEachCourse(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeCourse, &u.ID, map[string]any{
		"items": []any{
			map[string]any{"id": "c-1", "name": "Astrologia I", "price": "50000"},
			map[string]any{"id": "c-2", "name": "Astrologia II", "price": "70000"},
		},
	})
	ctx := context.Background()

	res := f.proc.ProcessApprovedPayment(ctx, o, Options{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []Resource{{Type: "course", ID: "c-1"}, {Type: "course", ID: "c-2"}}, res.CreatedResources)
	assert.EqualValues(t, 2, f.count(t, &model.Entitlement{}, "user_id = ? AND type = ?", u.ID, model.EntitlementCourse))
	assert.EqualValues(t, 2, f.count(t, &model.CourseProgress{}, "user_id = ?", u.ID))

	again := f.proc.ProcessApprovedPayment(ctx, o, Options{})
	require.True(t, again.Success)
	assert.True(t, again.Duplicate)
	assert.EqualValues(t, 2, f.count(t, &model.Entitlement{}, "user_id = ?", u.ID))
}

func TestCoursePartialOverlapProceeds(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeCourse, &u.ID, map[string]any{"courseIds": []any{"c-1", "c-2"}})
	orderID := o.ID
	require.NoError(t, f.db.Create(&model.Entitlement{
		UserID: u.ID, Type: model.EntitlementCourse, ResourceID: "c-1", OrderID: &orderID,
	}).Error)

	dup, err := f.proc.CheckForDuplicateProcessing(context.Background(), o, u.ID, model.CoursePayload{CourseIDs: []string{"c-1", "c-2"}})
	require.NoError(t, err)
	assert.False(t, dup)

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Duplicate)
	assert.EqualValues(t, 2, f.count(t, &model.Entitlement{}, "user_id = ?", u.ID))
}

func TestDiscountUsageRecordedOnce(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	code := &model.DiscountCode{Code: "LUNA10"}
	require.NoError(t, f.db.Create(code).Error)

	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)
	amt := decimal.NewFromInt(12000)
	require.NoError(t, f.db.Model(o).Updates(map[string]any{
		"discount_code_id": code.ID, "discount_code": "LUNA10", "discount_amount": amt,
	}).Error)
	o.DiscountCodeID, o.DiscountCode, o.DiscountAmount = &code.ID, "LUNA10", &amt

	ctx := context.Background()
	require.True(t, f.proc.ProcessApprovedPayment(ctx, o, Options{}).Success)
	f.advance(48 * time.Hour)
	require.True(t, f.proc.ProcessApprovedPayment(ctx, o, Options{}).Success)

	var usage model.DiscountUsage
	require.NoError(t, f.db.Where("order_id = ?", o.ID).Take(&usage).Error)
	assert.Equal(t, u.ID, usage.UserID)
	assert.True(t, usage.Amount.Equal(amt))
	assert.EqualValues(t, 1, f.count(t, &model.DiscountUsage{}, ""))

	require.NoError(t, f.db.Take(code, "id = ?", code.ID).Error)
	assert.Equal(t, 1, code.UsedCount)
}

func TestPremiumContentExpiry(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypePremiumContent, &u.ID, map[string]any{"accessDays": 30})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)

	var ent model.Entitlement
	require.NoError(t, f.db.Where("user_id = ? AND type = ?", u.ID, model.EntitlementPremiumContent).Take(&ent).Error)
	require.NotNil(t, ent.ExpiresAt)
	assert.True(t, ent.ExpiresAt.Equal(fixedNow.AddDate(0, 0, 30)))

	f.advance(72 * time.Hour)
	again := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	assert.True(t, again.Duplicate)
}

func TestProductAndUnknownTypesCreateNothing(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")

	for _, typ := range []model.OrderType{model.OrderTypeProduct, "GIFT_CARD"} {
		o := f.order(t, typ, &u.ID, nil)
		res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
		require.True(t, res.Success, res.Error)
		assert.Empty(t, res.CreatedResources)
	}
	assert.Len(t, f.sender.admin, 2)
	assert.Equal(t, notify.SaleProduct, f.sender.admin[0].SaleType)
}

func TestLockHeldElsewhere(t *testing.T) {
	locker := &stubLocker{ok: false}
	f := newFixture(t, WithLocker(locker, time.Second))
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err(), ErrFulfillmentInProgress))
	assert.EqualValues(t, 0, f.count(t, &model.Subscription{}, ""))
}

func TestLockErrorFallsBackToKey(t *testing.T) {
	locker := &stubLocker{err: errors.New("redis down")}
	f := newFixture(t, WithLocker(locker, time.Second))
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	assert.Empty(t, locker.released)
}

func TestLockReleasedAfterRun(t *testing.T) {
	locker := &stubLocker{ok: true}
	f := newFixture(t, WithLocker(locker, time.Second))
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"tok-" + o.ID}, locker.released)
}

type panicNotifier struct{}

func (panicNotifier) Dispatch(context.Context, notify.Sale, bool) notify.Outcome {
	panic("template missing")
}

func TestNotifierPanicAfterCommitKeepsSuccess(t *testing.T) {
	f := newFixture(t)
	f.proc.notifier = panicNotifier{}
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)

	var res Result
	require.NotPanics(t, func() {
		res = f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Notification.CustomerError, "template missing")
	assert.Contains(t, res.Notification.AdminError, "template missing")
	assert.True(t, res.Notification.Degraded())
}

type panicLocker struct{}

func (panicLocker) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	panic("lock client nil deref")
}

func (panicLocker) Release(context.Context, string, string) error { return nil }

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t, WithLocker(panicLocker{}, time.Second))
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, nil)

	var res Result
	require.NotPanics(t, func() {
		res = f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "lock client nil deref")
	assert.Equal(t, o.ID, res.OrderID)
	assert.EqualValues(t, 0, f.count(t, &model.Subscription{}, ""))
}

func TestInvalidPayloadWritesNothing(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ana@example.com")
	o := f.order(t, model.OrderTypeMembership, &u.ID, map[string]any{"billingInterval": "WEEKLY"})

	res := f.proc.ProcessApprovedPayment(context.Background(), o, Options{})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err(), model.ErrInvalidPayload))
	assert.EqualValues(t, 0, f.count(t, &model.FulfillmentRecord{}, ""))
}
