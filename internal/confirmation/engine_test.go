package confirmation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confirmline/call-confirmation-pipeline/internal/callprovider"
	"github.com/confirmline/call-confirmation-pipeline/internal/callwindow"
	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
	"github.com/confirmline/call-confirmation-pipeline/internal/events"
	"github.com/confirmline/call-confirmation-pipeline/internal/storage/memory"
)

type fakeDialer struct {
	calls []callprovider.PlaceCallRequest
	fail  bool
}

func (d *fakeDialer) PlaceCall(_ context.Context, req callprovider.PlaceCallRequest) (string, error) {
	if d.fail {
		return "", fmt.Errorf("provider unreachable")
	}
	d.calls = append(d.calls, req)
	return fmt.Sprintf("call-%d", len(d.calls)), nil
}

func (d *fakeDialer) EndCall(context.Context, string) error { return nil }

type fakeCapturer struct {
	captures int
	releases int
	err      error
}

func (c *fakeCapturer) Capture(context.Context, *domain.Order) error {
	c.captures++
	return c.err
}

func (c *fakeCapturer) Release(context.Context, *domain.Order) error {
	c.releases++
	return nil
}

type fakeNotifier struct{ reasons []string }

func (n *fakeNotifier) Notify(_ context.Context, _, reason string) error {
	n.reasons = append(n.reasons, reason)
	return nil
}

type fakePublisher struct{ published []events.Envelope }

func (p *fakePublisher) Publish(_ context.Context, _, _ string, evt events.Envelope) error {
	p.published = append(p.published, evt)
	return nil
}

func (p *fakePublisher) types() []string {
	var out []string
	for _, evt := range p.published {
		out = append(out, evt.EventType)
	}
	return out
}

type engineFixture struct {
	engine   *Engine
	store    *memory.Store
	dialer   *fakeDialer
	capturer *fakeCapturer
	notifier *fakeNotifier
	pub      *fakePublisher
	now      time.Time
}

// newFixture builds an engine over the in-memory store with the clock
// pinned inside the calling window.
func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    memory.NewStore(),
		dialer:   &fakeDialer{},
		capturer: &fakeCapturer{},
		notifier: &fakeNotifier{},
		pub:      &fakePublisher{},
		now:      time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, f.capturer, f.dialer, callwindow.Policy{StartHour: 9, EndHour: 21},
		f.notifier, f.pub, Config{
			CallbackURL:   "http://localhost:3000/webhooks/call",
			MaxRetries:    1,
			RetryDelay:    30 * time.Minute,
			LookupBackoff: time.Millisecond,
		}).WithClock(func() time.Time { return f.now })
	return f
}

func (f *engineFixture) insertOrder(t *testing.T, order *domain.Order) {
	t.Helper()
	require.NoError(t, f.store.InsertOrder(context.Background(), order))
}

func testOrder(id string) *domain.Order {
	return &domain.Order{
		ID:            id,
		CustomerName:  "Dana Smith",
		CustomerPhone: "+15550100",
		Items: []domain.LineItem{
			{Name: "Widget", Quantity: 2, UnitPrice: 10},
			{Name: "Gadget", Quantity: 1, UnitPrice: 5},
		},
		TotalAmount:     25,
		Currency:        "usd",
		DeliveryAddress: "1 Main St",
		PaymentType:     domain.PaymentTypeOneTime,
		PaymentStatus:   domain.OrderPaymentPending,
		Status:          domain.OrderPending,
	}
}

func (f *engineFixture) authorize(t *testing.T, orderID, eventID string) {
	t.Helper()
	require.NoError(t, f.engine.ApplyAuthorization(context.Background(), AuthorizationEvent{
		EventID:          eventID,
		OrderID:          orderID,
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
		AuthorizationRef: "seti_1",
	}))
}

func TestApplyAuthorizationPlacesCallAndRecordsPayment(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))

	f.authorize(t, "ord-1", "evt-1")

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentAuthorized, order.PaymentStatus)
	assert.Equal(t, "cus_1", order.GatewayCustomerRef)

	payment, err := f.store.GetPendingPayment(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-1", payment.EventID)
	assert.Equal(t, 25.0, payment.Amount)
	assert.Equal(t, "pm_1", payment.PaymentMethodRef)

	require.Len(t, f.dialer.calls, 1)
	session, err := f.store.GetCallSessionByProviderRef(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", session.OrderID)
	assert.Equal(t, domain.OutcomeNone, session.Outcome)
}

func TestApplyAuthorizationDuplicateEventIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))

	f.authorize(t, "ord-1", "evt-1")
	f.authorize(t, "ord-1", "evt-1")

	assert.Len(t, f.dialer.calls, 1, "open session must suppress a second dial")
}

func TestApplyAuthorizationOutsideWindowDefersCall(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 8, 27, 22, 30, 0, 0, time.UTC)
	f.insertOrder(t, testOrder("ord-1"))

	f.authorize(t, "ord-1", "evt-1")

	assert.Empty(t, f.dialer.calls)
	session, err := f.store.GetOpenCallSession(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeScheduled, session.Outcome)
	require.NotNil(t, session.NextRetryAt)
	assert.Equal(t, time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC), *session.NextRetryAt)
}

func TestDialFailureLeavesSessionScheduled(t *testing.T) {
	f := newFixture(t)
	f.dialer.fail = true
	f.insertOrder(t, testOrder("ord-1"))

	f.authorize(t, "ord-1", "evt-1")

	session, err := f.store.GetOpenCallSession(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeScheduled, session.Outcome)
	require.NotNil(t, session.NextRetryAt)
}

func TestChangeQuantityUpdatesTotalAndMirrorsPayment(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	res, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "change_quantity",
		Args: json.RawMessage(`{"item_name":"widget","new_quantity":3}`),
	})
	require.NoError(t, err)
	assert.False(t, res.EndCall)
	assert.Contains(t, res.Result, "35.00")

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 35.0, order.TotalAmount)
	assert.Equal(t, domain.OrderChanged, order.Status)

	payment, err := f.store.GetPendingPayment(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 35.0, payment.Amount)
}

func TestChangeQuantityToZeroRemovesItem(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	res, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "change_quantity",
		Args: json.RawMessage(`{"item_name":"gadget","new_quantity":0}`),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Result, "Removed")

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Widget", order.Items[0].Name)
	assert.Equal(t, 20.0, order.TotalAmount)
}

func TestChangeQuantityCannotEmptyOrder(t *testing.T) {
	f := newFixture(t)
	order := testOrder("ord-1")
	order.Items = order.Items[:1]
	order.TotalAmount = 20
	f.insertOrder(t, order)
	f.authorize(t, "ord-1", "evt-1")

	res, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "change_quantity",
		Args: json.RawMessage(`{"item_name":"widget","new_quantity":0}`),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Result, "cancel the whole order")

	got, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Len(t, got.Items, 1, "order must keep its last item")
	assert.Equal(t, 20.0, got.TotalAmount)
}

func TestChangeQuantityUnknownItemIsRecoverable(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	res, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "change_quantity",
		Args: json.RawMessage(`{"item_name":"sprocket","new_quantity":2}`),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Result, "couldn't find")
	assert.False(t, res.EndCall)
}

func TestConfirmOrderCapturesAndConfirms(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	res, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "confirm_order",
		Args: json.RawMessage(`{"delivery_time":"tomorrow evening"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.EndCall)
	assert.Equal(t, 1, f.capturer.captures)

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, order.Status)
	assert.Equal(t, "tomorrow evening", order.DeliveryTime)

	session, err := f.store.GetCallSessionByProviderRef(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, session.Outcome)
	assert.Contains(t, f.pub.types(), events.TypePaymentCaptured)
	assert.Contains(t, f.pub.types(), events.TypeCallCompleted)
}

func TestConfirmAfterChangeCapturesNewTotal(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	_, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "change_quantity",
		Args: json.RawMessage(`{"item_name":"widget","new_quantity":3}`),
	})
	require.NoError(t, err)

	_, err = f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "confirm_order",
		Args: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	var captured events.Envelope
	for _, evt := range f.pub.published {
		if evt.EventType == events.TypePaymentCaptured {
			captured = evt
		}
	}
	require.NotNil(t, captured.Data)
	data := captured.Data.(map[string]any)
	assert.Equal(t, 35.0, data["totalAmount"])
}

func TestDuplicateConfirmStillRunsCapture(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	confirm := ToolRequest{Tool: "confirm_order", Args: json.RawMessage(`{}`)}
	_, err := f.engine.HandleTool(context.Background(), "call-1", confirm)
	require.NoError(t, err)
	_, err = f.engine.HandleTool(context.Background(), "call-1", confirm)
	require.NoError(t, err)

	// The capture orchestrator's pending-row guard makes the second run a
	// no-op at the gateway; the engine must still give it the chance so a
	// transient first failure gets retried.
	assert.Equal(t, 2, f.capturer.captures)

	session, err := f.store.GetCallSessionByProviderRef(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, session.Outcome)
}

func TestApplyAuthorizationSecondEventIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))

	// The gateway may emit more than one setup event for the same intent,
	// each under its own event id. The second must ack as a duplicate, not
	// error against the one-pending-per-order constraint.
	f.authorize(t, "ord-1", "evt-1")
	f.authorize(t, "ord-1", "evt-2")

	payment, err := f.store.GetPendingPayment(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-1", payment.EventID, "first authorization must keep the row")
	assert.Len(t, f.dialer.calls, 1)
}

func TestCancelOrderReleasesAuthorization(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	res, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "cancel_order",
		Args: json.RawMessage(`{"reason":"changed my mind"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.EndCall)
	assert.Equal(t, 1, f.capturer.releases)
	assert.Equal(t, 0, f.capturer.captures)

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, order.Status)
	assert.Contains(t, f.pub.types(), events.TypeOrderCancelled)
}

func TestCancelAfterConfirmDoesNotReleasePayment(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	// The confirm wins the outcome but its capture fails transiently; the
	// pending payment stays for the retried delivery.
	f.capturer.err = fmt.Errorf("gateway timeout")
	_, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "confirm_order",
		Args: json.RawMessage(`{}`),
	})
	require.Error(t, err)

	// A late cancel lost the write-once race and must not touch the payment.
	res, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "cancel_order",
		Args: json.RawMessage(`{"reason":"changed my mind"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.EndCall)
	assert.Equal(t, 0, f.capturer.releases, "confirmed order's payment must stay capturable")
	assert.NotContains(t, f.pub.types(), events.TypeOrderCancelled)

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, order.Status)

	// The redelivered confirm gets its capture retry.
	f.capturer.err = nil
	_, err = f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "confirm_order",
		Args: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.capturer.captures)
}

func TestDuplicateCancelRetriesRelease(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	cancel := ToolRequest{Tool: "cancel_order", Args: json.RawMessage(`{"reason":"changed my mind"}`)}
	_, err := f.engine.HandleTool(context.Background(), "call-1", cancel)
	require.NoError(t, err)
	_, err = f.engine.HandleTool(context.Background(), "call-1", cancel)
	require.NoError(t, err)

	// A redelivered cancel may retry the release after a transient failure;
	// the release's own pending-row guard keeps the gateway call single.
	assert.Equal(t, 2, f.capturer.releases)
}

func TestRequestCallbackEscalates(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	res, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "request_callback",
		Args: json.RawMessage(`{"reason":"busy right now"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.EndCall)
	require.Len(t, f.notifier.reasons, 1)
	assert.Equal(t, "busy right now", f.notifier.reasons[0])

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCallbackRequired, order.Status)
	assert.Equal(t, 0, f.capturer.captures)
}

func TestOutcomeIsWriteOnce(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	_, err := f.engine.HandleTool(context.Background(), "call-1", ToolRequest{
		Tool: "confirm_order",
		Args: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	// A late end-of-call report must not demote the outcome and must still
	// land the transcript.
	require.NoError(t, f.engine.CompleteCall(context.Background(), CallReport{
		CallRef:     "call-1",
		EndedReason: "no-answer",
		Transcript:  "agent: ... customer: yes",
		DurationSec: 42,
	}))

	session, err := f.store.GetCallSessionByProviderRef(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfirmed, session.Outcome)
	assert.Equal(t, "agent: ... customer: yes", session.Transcript)
	assert.Equal(t, int32(42), session.DurationSec)
}

func TestNoAnswerSchedulesOneRetryThenEscalates(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	require.NoError(t, f.engine.CompleteCall(context.Background(), CallReport{
		CallRef: "call-1", EndedReason: "no-answer",
	}))

	session, err := f.store.GetCallSessionByProviderRef(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoAnswer, session.Outcome)
	require.NotNil(t, session.NextRetryAt)
	assert.Equal(t, f.now.Add(30*time.Minute), *session.NextRetryAt)
	assert.Empty(t, f.notifier.reasons)

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderNoAnswer, order.Status)

	// Sweep picks it up once due.
	f.now = f.now.Add(31 * time.Minute)
	due, err := f.store.ListDueCalls(context.Background(), 1, f.now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, f.engine.RedialDueSession(context.Background(), due[0]))
	assert.Len(t, f.dialer.calls, 2)

	// Second miss exhausts the budget.
	require.NoError(t, f.engine.CompleteCall(context.Background(), CallReport{
		CallRef: "call-2", EndedReason: "no-answer",
	}))
	require.Len(t, f.notifier.reasons, 1)
	assert.Contains(t, f.notifier.reasons[0], "retries exhausted")
	assert.Contains(t, f.pub.types(), events.TypeFollowupRequired)

	due, err = f.store.ListDueCalls(context.Background(), 1, f.now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "exhausted session must not be re-dialed")
}

func TestRetryDelayClampsIntoWindow(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 8, 27, 20, 45, 0, 0, time.UTC)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	require.NoError(t, f.engine.CompleteCall(context.Background(), CallReport{
		CallRef: "call-1", EndedReason: "no-answer",
	}))

	session, err := f.store.GetCallSessionByProviderRef(context.Background(), "call-1")
	require.NoError(t, err)
	require.NotNil(t, session.NextRetryAt)
	assert.Equal(t, time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC), *session.NextRetryAt)
}

func TestRedialSkipsTerminalOrder(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 8, 27, 22, 0, 0, 0, time.UTC)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1") // deferred, outside window

	_, err := f.store.UpdateOrderStatus(context.Background(), "ord-1", domain.OrderCancelled)
	require.NoError(t, err)

	f.now = time.Date(2026, 8, 28, 9, 5, 0, 0, time.UTC)
	due, err := f.store.ListDueCalls(context.Background(), 1, f.now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, f.engine.RedialDueSession(context.Background(), due[0]))

	assert.Empty(t, f.dialer.calls)
	session, err := f.store.GetCallSession(context.Background(), due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCancelled, session.Outcome)
}

func TestHandleUtteranceScriptedConfirmFlow(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	for _, text := range []string{"yes", "yes that's right", "yep"} {
		step, res, err := f.engine.HandleUtterance(context.Background(), "call-1", Utterance{Text: text})
		require.NoError(t, err)
		assert.False(t, res.EndCall)
		assert.False(t, domain.IsTerminalStep(step))
	}

	step, res, err := f.engine.HandleUtterance(context.Background(), "call-1", Utterance{Text: "evenings after six"})
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleteConfirmed, step)
	assert.True(t, res.EndCall)
	assert.Equal(t, 1, f.capturer.captures)

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, order.Status)
	assert.Equal(t, "evenings after six", order.DeliveryTime)
}

func TestHandleUtteranceCancelShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	step, res, err := f.engine.HandleUtterance(context.Background(), "call-1", Utterance{
		Text: "actually just cancel the order",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleteCancelled, step)
	assert.True(t, res.EndCall)
	assert.Equal(t, 1, f.capturer.releases)
}

func TestHandleUtteranceUnclearRepromptsSameStep(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	step, res, err := f.engine.HandleUtterance(context.Background(), "call-1", Utterance{Text: "mumble mumble"})
	require.NoError(t, err)
	assert.Equal(t, domain.StepOrderConfirmation, step)
	assert.Contains(t, res.Result, "repeat")

	session, err := f.store.GetCallSessionByProviderRef(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepOrderConfirmation, session.CurrentStep)
}

func TestHandleUtteranceAppliesAddressChange(t *testing.T) {
	f := newFixture(t)
	f.insertOrder(t, testOrder("ord-1"))
	f.authorize(t, "ord-1", "evt-1")

	_, _, err := f.engine.HandleUtterance(context.Background(), "call-1", Utterance{Text: "yes"})
	require.NoError(t, err)

	step, _, err := f.engine.HandleUtterance(context.Background(), "call-1", Utterance{
		Text:       "no, send it somewhere different",
		NewAddress: "42 Oak Ave",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StepPaymentConfirmation, step)

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "42 Oak Ave", order.DeliveryAddress)
}

func TestApplyInvoiceEventRecordsRecurringPayment(t *testing.T) {
	f := newFixture(t)
	order := testOrder("ord-1")
	order.PaymentType = domain.PaymentTypeSubscription
	order.BillingCycle = domain.BillingCycleMonthly
	f.insertOrder(t, order)
	f.authorize(t, "ord-1", "evt-1")

	payment, err := f.store.GetPendingPayment(context.Background(), "ord-1")
	require.NoError(t, err)
	_, err = f.store.ResolvePendingPayment(context.Background(), payment.ID, domain.PaymentSucceeded, "sub_1", "")
	require.NoError(t, err)

	require.NoError(t, f.engine.ApplyInvoiceEvent(context.Background(), InvoiceEvent{
		EventID:         "evt-inv-1",
		SubscriptionRef: "sub_1",
		InvoiceRef:      "in_1",
		Amount:          25,
		Currency:        "usd",
		Paid:            true,
	}))
	// Duplicate delivery is absorbed by the event-id key.
	require.NoError(t, f.engine.ApplyInvoiceEvent(context.Background(), InvoiceEvent{
		EventID:         "evt-inv-1",
		SubscriptionRef: "sub_1",
		InvoiceRef:      "in_1",
		Amount:          25,
		Currency:        "usd",
		Paid:            true,
	}))

	orderID, err := f.store.GetOrderIDBySubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", orderID)

	// The settled invoice moves the order to paid.
	order, err = f.store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaymentPaid, order.PaymentStatus)
}
