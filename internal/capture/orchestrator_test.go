package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
	"github.com/confirmline/call-confirmation-pipeline/internal/gateway"
	"github.com/confirmline/call-confirmation-pipeline/internal/storage/memory"
)

type fakeGateway struct {
	chargeErr  error
	subErr     error
	subStatus  string
	charges    []gateway.ChargeRequest
	prices     []gateway.PriceRequest
	subs       []gateway.SubscriptionRequest
	cancelled  []string
	priceRef   string
	cancelsErr error
}

func (g *fakeGateway) ChargeOffSession(_ context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.charges = append(g.charges, req)
	if g.chargeErr != nil {
		return gateway.ChargeResult{}, g.chargeErr
	}
	return gateway.ChargeResult{ChargeRef: "ch_1", Status: "succeeded"}, nil
}

func (g *fakeGateway) FindOrCreatePrice(_ context.Context, req gateway.PriceRequest) (string, error) {
	g.prices = append(g.prices, req)
	if g.priceRef == "" {
		g.priceRef = "price_1"
	}
	return g.priceRef, nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, req gateway.SubscriptionRequest) (gateway.SubscriptionResult, error) {
	g.subs = append(g.subs, req)
	if g.subErr != nil {
		return gateway.SubscriptionResult{}, g.subErr
	}
	status := g.subStatus
	if status == "" {
		status = "active"
	}
	return gateway.SubscriptionResult{SubscriptionRef: "sub_1", Status: status, InvoiceRef: "in_1"}, nil
}

func (g *fakeGateway) CancelAuthorization(_ context.Context, ref string) error {
	g.cancelled = append(g.cancelled, ref)
	return g.cancelsErr
}

type captureNotifier struct{ reasons []string }

func (n *captureNotifier) Notify(_ context.Context, _, reason string) error {
	n.reasons = append(n.reasons, reason)
	return nil
}

func seedOrder(t *testing.T, store *memory.Store, paymentType domain.PaymentType) (*domain.Order, *domain.Payment) {
	t.Helper()
	order := &domain.Order{
		ID:            "ord-1",
		CustomerName:  "Dana Smith",
		CustomerPhone: "+15550100",
		Items: []domain.LineItem{
			{Name: "Widget", Quantity: 2, UnitPrice: 10},
		},
		TotalAmount:        20,
		Currency:           "usd",
		DeliveryAddress:    "1 Main St",
		PaymentType:        paymentType,
		PaymentStatus:      domain.OrderPaymentAuthorized,
		Status:             domain.OrderPending,
		GatewayCustomerRef: "cus_1",
	}
	if paymentType == domain.PaymentTypeSubscription {
		order.BillingCycle = domain.BillingCycleMonthly
	}
	// Insert with pending payment status so the authorized transition holds.
	insert := *order
	insert.PaymentStatus = domain.OrderPaymentPending
	require.NoError(t, store.InsertOrder(context.Background(), &insert))
	_, err := store.UpdateOrderPaymentStatus(context.Background(), order.ID, domain.OrderPaymentAuthorized)
	require.NoError(t, err)

	payment := &domain.Payment{
		ID:               "pay-1",
		OrderID:          order.ID,
		EventID:          "evt-1",
		AuthorizationRef: "seti_1",
		Amount:           20,
		Currency:         "usd",
		Status:           domain.PaymentPending,
		PaymentMethodRef: "pm_1",
	}
	inserted, err := store.InsertPayment(context.Background(), payment)
	require.NoError(t, err)
	require.True(t, inserted)
	return order, payment
}

func TestCaptureOneTimeChargesCurrentTotal(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{}
	orch := NewOrchestrator(store, gw, &captureNotifier{})
	order, payment := seedOrder(t, store, domain.PaymentTypeOneTime)

	// The call changed the quantity; the charge must follow the new total.
	order.TotalAmount = 30
	require.NoError(t, orch.Capture(context.Background(), order))

	require.Len(t, gw.charges, 1)
	assert.Equal(t, 30.0, gw.charges[0].Amount)
	assert.Equal(t, "cus_1", gw.charges[0].CustomerRef)

	got, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, got.Status)
	assert.Equal(t, "ch_1", got.InvoiceRef)

	fresh, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentPaid, fresh.PaymentStatus)
}

func TestCaptureTwiceChargesOnce(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{}
	orch := NewOrchestrator(store, gw, &captureNotifier{})
	order, _ := seedOrder(t, store, domain.PaymentTypeOneTime)

	require.NoError(t, orch.Capture(context.Background(), order))
	require.NoError(t, orch.Capture(context.Background(), order))

	assert.Len(t, gw.charges, 1, "second capture must be a no-op")
}

func TestCaptureMissingPaymentSetupIsFatal(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{}
	notifier := &captureNotifier{}
	orch := NewOrchestrator(store, gw, notifier)
	order, payment := seedOrder(t, store, domain.PaymentTypeOneTime)
	order.GatewayCustomerRef = ""

	err := orch.Capture(context.Background(), order)
	require.ErrorIs(t, err, ErrMissingPaymentSetup)
	assert.Empty(t, gw.charges)
	require.Len(t, notifier.reasons, 1)

	got, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, got.Status)

	fresh, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentFailed, fresh.PaymentStatus)
}

func TestCaptureDeclineMarksFailedWithoutError(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{chargeErr: &gateway.DeclineError{Code: "card_declined", Message: "insufficient funds"}}
	notifier := &captureNotifier{}
	orch := NewOrchestrator(store, gw, notifier)
	order, payment := seedOrder(t, store, domain.PaymentTypeOneTime)

	require.NoError(t, orch.Capture(context.Background(), order), "declines are terminal, not retryable")

	got, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, got.Status)
	assert.Len(t, notifier.reasons, 1)
}

func TestCaptureTransientErrorLeavesPending(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{chargeErr: errors.New("gateway timeout")}
	orch := NewOrchestrator(store, gw, &captureNotifier{})
	order, payment := seedOrder(t, store, domain.PaymentTypeOneTime)

	err := orch.Capture(context.Background(), order)
	require.Error(t, err)
	assert.False(t, gateway.IsDecline(err))

	got, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status, "transient failure must leave the row pending for a retry")

	// Retry after the outage succeeds and settles the same row.
	gw.chargeErr = nil
	require.NoError(t, orch.Capture(context.Background(), order))
	got, err = store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, got.Status)
}

func TestCaptureSubscriptionCreatesRecurring(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{}
	orch := NewOrchestrator(store, gw, &captureNotifier{})
	order, payment := seedOrder(t, store, domain.PaymentTypeSubscription)

	require.NoError(t, orch.Capture(context.Background(), order))

	require.Len(t, gw.prices, 1)
	assert.Equal(t, "Widget", gw.prices[0].ProductName)
	assert.Equal(t, "monthly", gw.prices[0].Interval)
	assert.Equal(t, 20.0, gw.prices[0].Amount)

	require.Len(t, gw.subs, 1)
	assert.Equal(t, "price_1", gw.subs[0].PriceRef)
	assert.Equal(t, "pm_1", gw.subs[0].PaymentMethodRef)

	got, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, got.Status)
	assert.Equal(t, "sub_1", got.SubscriptionRef)
	assert.Equal(t, "in_1", got.InvoiceRef)
	assert.Equal(t, "active", got.SubStatus)

	fresh, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentPaid, fresh.PaymentStatus)
}

func TestCaptureIncompleteSubscriptionAwaitsInvoice(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{subStatus: "incomplete"}
	orch := NewOrchestrator(store, gw, &captureNotifier{})
	order, payment := seedOrder(t, store, domain.PaymentTypeSubscription)

	require.NoError(t, orch.Capture(context.Background(), order))

	got, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, got.Status)
	assert.Equal(t, "incomplete", got.SubStatus, "gateway status must land on the row")

	// The first invoice has not settled; the order must not claim paid yet.
	fresh, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentAuthorized, fresh.PaymentStatus)
}

func TestCaptureNoPendingIsNoOp(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{}
	orch := NewOrchestrator(store, gw, &captureNotifier{})
	order, payment := seedOrder(t, store, domain.PaymentTypeOneTime)
	_, err := store.ResolvePendingPayment(context.Background(), payment.ID, domain.PaymentCancelled, "", "")
	require.NoError(t, err)

	require.NoError(t, orch.Capture(context.Background(), order))
	assert.Empty(t, gw.charges)
}

func TestReleaseCancelsAuthorizationOnce(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{}
	orch := NewOrchestrator(store, gw, &captureNotifier{})
	order, payment := seedOrder(t, store, domain.PaymentTypeOneTime)

	require.NoError(t, orch.Release(context.Background(), order))
	require.NoError(t, orch.Release(context.Background(), order))

	assert.Equal(t, []string{"seti_1"}, gw.cancelled)

	got, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCancelled, got.Status)

	fresh, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentCancelled, fresh.PaymentStatus)
}

func TestReleaseGatewayFailureKeepsPending(t *testing.T) {
	store := memory.NewStore()
	gw := &fakeGateway{cancelsErr: errors.New("gateway timeout")}
	orch := NewOrchestrator(store, gw, &captureNotifier{})
	order, payment := seedOrder(t, store, domain.PaymentTypeOneTime)

	require.Error(t, orch.Release(context.Background(), order))

	got, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, got.Status)
}
