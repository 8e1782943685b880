package fulfillment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"fulfillment/internal/courseaccess"
	"fulfillment/internal/model"
	"fulfillment/internal/notify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var fixedNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	confirmations []notify.PaymentConfirmation
	admin         []notify.AdminSale
	customerErr   error
	adminErr      error
	panicMsg      string
}

func (s *recordingSender) SendPaymentConfirmation(_ context.Context, msg notify.PaymentConfirmation) error {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.customerErr != nil {
		return s.customerErr
	}
	s.confirmations = append(s.confirmations, msg)
	return nil
}

func (s *recordingSender) SendAdminNotification(_ context.Context, msg notify.AdminSale) error {
	if s.adminErr != nil {
		return s.adminErr
	}
	s.admin = append(s.admin, msg)
	return nil
}

type fixture struct {
	db     *gorm.DB
	proc   *Processor
	sender *recordingSender
	clock  *time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := newTestDB(t)
	now := fixedNow
	f := &fixture{db: db, sender: &recordingSender{}, clock: &now}
	clock := func() time.Time { return *f.clock }
	log := discardLogger()
	courses := courseaccess.NewService(db, nil, courseaccess.WithClock(clock))
	dispatcher := notify.NewDispatcher(db, f.sender, log)
	all := append([]Option{WithClock(clock), WithLogger(log)}, opts...)
	f.proc = NewProcessor(db, courses, dispatcher, all...)
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) user(t *testing.T, email string) *model.User {
	t.Helper()
	name := "Ana"
	u := &model.User{Email: email, Name: &name}
	require.NoError(t, f.db.Create(u).Error)
	return u
}

func (f *fixture) order(t *testing.T, typ model.OrderType, userID *string, meta map[string]any) *model.Order {
	t.Helper()
	o := &model.Order{
		OrderNumber:   "ORD-" + uuid.NewString()[:8],
		UserID:        userID,
		OrderType:     typ,
		ItemID:        "item-1",
		ItemName:      "Lectura de tarot",
		Amount:        decimal.NewFromInt(120000),
		Currency:      "COP",
		PaymentMethod: "WOMPI_NEQUI",
		PaymentStatus: model.PaymentCompleted,
		Metadata:      datatypes.JSONMap(meta),
	}
	require.NoError(t, f.db.Create(o).Error)
	require.NoError(t, f.db.Preload("User").Take(o, "id = ?", o.ID).Error)
	return o
}

func (f *fixture) count(t *testing.T, m any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(m)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

type stubLocker struct {
	ok       bool
	err      error
	released []string
}

func (l *stubLocker) Acquire(_ context.Context, orderID string, _ time.Duration) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	return "tok-" + orderID, l.ok, nil
}

func (l *stubLocker) Release(_ context.Context, orderID, token string) error {
	l.released = append(l.released, token)
	return nil
}

var errSMTP = errors.New("smtp: connection refused")
