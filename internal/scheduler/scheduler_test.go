package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confirmline/call-confirmation-pipeline/internal/callprovider"
	"github.com/confirmline/call-confirmation-pipeline/internal/callwindow"
	"github.com/confirmline/call-confirmation-pipeline/internal/confirmation"
	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
	"github.com/confirmline/call-confirmation-pipeline/internal/storage/memory"
)

type sweepDialer struct{ calls int }

func (d *sweepDialer) PlaceCall(context.Context, callprovider.PlaceCallRequest) (string, error) {
	d.calls++
	return fmt.Sprintf("call-%d", d.calls), nil
}

func (d *sweepDialer) EndCall(context.Context, string) error { return nil }

type sweepCapturer struct{}

func (sweepCapturer) Capture(context.Context, *domain.Order) error { return nil }
func (sweepCapturer) Release(context.Context, *domain.Order) error { return nil }

func TestSweepOnceRedialsDueSessions(t *testing.T) {
	store := memory.NewStore()
	dialer := &sweepDialer{}
	now := time.Date(2026, 8, 27, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	engine := confirmation.NewEngine(store, sweepCapturer{}, dialer,
		callwindow.Policy{StartHour: 9, EndHour: 21}, nil, nil,
		confirmation.Config{MaxRetries: 1, RetryDelay: 30 * time.Minute}).WithClock(clock)

	require.NoError(t, store.InsertOrder(context.Background(), &domain.Order{
		ID:            "ord-1",
		CustomerName:  "Dana Smith",
		CustomerPhone: "+15550100",
		Items:         []domain.LineItem{{Name: "Widget", Quantity: 1, UnitPrice: 10}},
		TotalAmount:   10,
		Currency:      "usd",
		PaymentType:   domain.PaymentTypeOneTime,
		PaymentStatus: domain.OrderPaymentPending,
		Status:        domain.OrderPending,
	}))

	// A call deferred overnight whose window has now opened.
	deferredUntil := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertCallSession(context.Background(), &domain.CallSession{
		ID:          "sess-1",
		OrderID:     "ord-1",
		Outcome:     domain.OutcomeScheduled,
		NextRetryAt: &deferredUntil,
	}))

	sweeper := New(store, engine, time.Minute, 1).WithClock(clock)
	require.NoError(t, sweeper.SweepOnce(context.Background()))

	assert.Equal(t, 1, dialer.calls)
	session, err := store.GetCallSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNone, session.Outcome)
	assert.Equal(t, "call-1", session.ProviderRef)

	// A second sweep finds nothing due.
	require.NoError(t, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, 1, dialer.calls)
}

func TestSweepSkipsNotYetDue(t *testing.T) {
	store := memory.NewStore()
	dialer := &sweepDialer{}
	now := time.Date(2026, 8, 27, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	engine := confirmation.NewEngine(store, sweepCapturer{}, dialer,
		callwindow.Policy{StartHour: 9, EndHour: 21}, nil, nil,
		confirmation.Config{MaxRetries: 1}).WithClock(clock)

	future := now.Add(time.Hour)
	require.NoError(t, store.InsertCallSession(context.Background(), &domain.CallSession{
		ID:          "sess-1",
		OrderID:     "ord-1",
		Outcome:     domain.OutcomeScheduled,
		NextRetryAt: &future,
	}))

	sweeper := New(store, engine, time.Minute, 1).WithClock(clock)
	require.NoError(t, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, 0, dialer.calls)
}
