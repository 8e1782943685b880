package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"fulfillment/internal/fulfillment"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type reprocessFunc func(ctx context.Context, eventID string) error

func (f reprocessFunc) ReprocessWebhook(ctx context.Context, eventID string) error { return f(ctx, eventID) }

func newRelay(t *testing.T, h Reprocessor) (*RetryRelay, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	r := NewRetryRelay(rdb, h, discard(), "webhook:retry", "relay", "c1", 3)
	require.NoError(t, r.ensureGroup(context.Background()))
	return r, rdb
}

func readOne(t *testing.T, r *RetryRelay) rd.XMessage {
	t.Helper()
	msgs, err := r.readGroup(context.Background(), ">", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestRetryRelaySuccessAcks(t *testing.T) {
	var got []string
	r, rdb := newRelay(t, reprocessFunc(func(_ context.Context, id string) error {
		got = append(got, id)
		return nil
	}))
	ctx := context.Background()
	require.NoError(t, EnqueueRetry(ctx, rdb, r.stream, "evt-1", 1))

	retried, err := r.processOne(ctx, readOne(t, r))
	require.NoError(t, err)
	assert.False(t, retried)
	assert.Equal(t, []string{"evt-1"}, got)
	assert.EqualValues(t, 0, rdb.XLen(ctx, r.stream).Val())
}

func TestRetryRelayRequeuesThenDeadLetters(t *testing.T) {
	r, rdb := newRelay(t, reprocessFunc(func(context.Context, string) error {
		return errors.New("db locked")
	}))
	ctx := context.Background()
	require.NoError(t, EnqueueRetry(ctx, rdb, r.stream, "evt-1", 1))

	retried, err := r.processOne(ctx, readOne(t, r))
	require.NoError(t, err)
	assert.True(t, retried)

	next := readOne(t, r)
	assert.Equal(t, "evt-1", next.Values["event_id"])
	assert.Equal(t, "2", next.Values["attempt"])

	retried, err = r.processOne(ctx, next)
	require.NoError(t, err)
	assert.False(t, retried)
	assert.EqualValues(t, 0, rdb.XLen(ctx, r.stream).Val())
	assert.EqualValues(t, 1, rdb.XLen(ctx, r.deadStream).Val())
}

func TestRetryRelayDropsMalformed(t *testing.T) {
	r, rdb := newRelay(t, reprocessFunc(func(context.Context, string) error {
		t.Fatal("handler must not run")
		return nil
	}))
	ctx := context.Background()
	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{Stream: r.stream, Values: map[string]any{"attempt": "x"}}).Err())

	_, err := r.processOne(ctx, readOne(t, r))
	require.NoError(t, err)
	assert.EqualValues(t, 0, rdb.XLen(ctx, r.stream).Val())
}

type fakeApprover struct {
	calls int
	res   []fulfillment.Result
	errs  []error
}

func (f *fakeApprover) ApprovePayment(context.Context, string, fulfillment.Approval) (fulfillment.Result, error) {
	i := f.calls
	f.calls++
	return f.res[i], f.errs[i]
}

func TestApprovalConsumerRetriesTransientFailures(t *testing.T) {
	a := &fakeApprover{
		res:  []fulfillment.Result{{Success: false, Error: "database is locked"}, {Success: true}},
		errs: []error{nil, nil},
	}
	c := &ApprovalConsumer{approver: a, log: discard(), attempts: 3, backoff: time.Millisecond}
	c.handle(context.Background(), PaymentApprovedMessage{OrderRef: "ORD-1", Provider: "wompi"})
	assert.Equal(t, 2, a.calls)
}

func TestApprovalConsumerDropsUnpayable(t *testing.T) {
	a := &fakeApprover{
		res:  []fulfillment.Result{{}},
		errs: []error{fulfillment.ErrOrderNotPayable},
	}
	c := &ApprovalConsumer{approver: a, log: discard(), attempts: 3, backoff: time.Millisecond}
	c.handle(context.Background(), PaymentApprovedMessage{OrderRef: "ORD-1", Provider: "wompi"})
	assert.Equal(t, 1, a.calls)
}

func TestPaymentApprovedMessageValidate(t *testing.T) {
	assert.Error(t, PaymentApprovedMessage{Provider: "wompi"}.Validate())
	assert.Error(t, PaymentApprovedMessage{OrderRef: "o"}.Validate())
	assert.NoError(t, PaymentApprovedMessage{OrderRef: "o", Provider: "epayco"}.Validate())
}
