// Package confirmation drives one outbound confirmation call per order
// from initiation to a terminal outcome, applying in-call changes to the
// order and handing terminal outcomes to the capture orchestrator. Both
// call-provider integration styles (scripted steps and assistant tool
// invocations) feed this engine.
package confirmation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/confirmline/call-confirmation-pipeline/internal/callprovider"
	"github.com/confirmline/call-confirmation-pipeline/internal/callwindow"
	"github.com/confirmline/call-confirmation-pipeline/internal/capture"
	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
	"github.com/confirmline/call-confirmation-pipeline/internal/events"
	"github.com/confirmline/call-confirmation-pipeline/internal/notify"
)

// Store is the datastore surface the engine depends on; *postgres.Repository
// implements it, tests substitute an in-memory fake.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, to domain.OrderStatus) (bool, error)
	UpdateOrderPaymentStatus(ctx context.Context, orderID string, to domain.OrderPaymentStatus) (bool, error)
	SetOrderGatewayCustomer(ctx context.Context, orderID, customerRef string) error
	UpdateOrderItems(ctx context.Context, orderID string, items []domain.LineItem, total float64) error
	UpdateOrderAddress(ctx context.Context, orderID, address string) error
	UpdateOrderDeliveryTime(ctx context.Context, orderID, deliveryTime string) error

	InsertPayment(ctx context.Context, p *domain.Payment) (bool, error)
	GetPendingPayment(ctx context.Context, orderID string) (*domain.Payment, error)
	ResolvePendingPayment(ctx context.Context, paymentID string, to domain.PaymentState, subscriptionRef, invoiceRef string) (bool, error)
	MirrorPendingPaymentAmount(ctx context.Context, orderID string, amount float64) error
	UpdateSubscriptionStatus(ctx context.Context, subscriptionRef, subStatus string) error
	GetOrderIDBySubscription(ctx context.Context, subscriptionRef string) (string, error)

	InsertCallSession(ctx context.Context, s *domain.CallSession) error
	GetCallSession(ctx context.Context, sessionID string) (*domain.CallSession, error)
	GetCallSessionByProviderRef(ctx context.Context, providerRef string) (*domain.CallSession, error)
	GetOpenCallSession(ctx context.Context, orderID string) (*domain.CallSession, error)
	SetCallStarted(ctx context.Context, sessionID, providerRef string, at time.Time) error
	UpdateCallStep(ctx context.Context, sessionID string, step domain.CallStep) error
	AppendCallResponse(ctx context.Context, sessionID, key string, resp domain.StepResponse) error
	SetCallOutcome(ctx context.Context, sessionID string, outcome domain.CallOutcome, transcript string, endedAt time.Time, durationSec int32) (bool, error)
	FinalizeCallReport(ctx context.Context, sessionID, transcript string, endedAt time.Time, durationSec int32) error
	SetCallRetryAt(ctx context.Context, sessionID string, at time.Time) error
	ClaimRetry(ctx context.Context, sessionID string, maxRetries int32) (bool, error)
	ClaimScheduled(ctx context.Context, sessionID string) (bool, error)
	ListDueCalls(ctx context.Context, maxRetries int32, now time.Time) ([]domain.CallSession, error)
}

// Capturer settles or releases the authorized payment for a terminal
// outcome.
type Capturer interface {
	Capture(ctx context.Context, order *domain.Order) error
	Release(ctx context.Context, order *domain.Order) error
}

// Publisher emits lifecycle events; nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, evt events.Envelope) error
}

// Config carries the engine's tunables.
type Config struct {
	CallbackURL string
	RecordCalls bool
	// MaxRetries bounds how often an unanswered call is re-placed.
	MaxRetries int32
	// RetryDelay is how long after a no-answer the retry is attempted,
	// clamped into the calling window.
	RetryDelay time.Duration
	// LookupBackoff paces the bounded wait for an order a webhook races
	// ahead of.
	LookupBackoff time.Duration
	EventsTopic   string
}

type Engine struct {
	store    Store
	capturer Capturer
	dialer   callprovider.Dialer
	window   callwindow.Policy
	notifier notify.Notifier
	producer Publisher
	cfg      Config
	now      func() time.Time
}

func NewEngine(store Store, capturer Capturer, dialer callprovider.Dialer, window callwindow.Policy, notifier notify.Notifier, producer Publisher, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Minute
	}
	if cfg.LookupBackoff <= 0 {
		cfg.LookupBackoff = 500 * time.Millisecond
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = "confirmations.v1"
	}
	return &Engine{
		store:    store,
		capturer: capturer,
		dialer:   dialer,
		window:   window,
		notifier: notifier,
		producer: producer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock substitutes the time source; used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ---- Gateway event application ----

// AuthorizationEvent is the normalized setup-succeeded webhook: the
// customer's payment method was validated and saved without a charge.
type AuthorizationEvent struct {
	EventID          string
	OrderID          string
	CustomerRef      string
	PaymentMethodRef string
	AuthorizationRef string
	Amount           float64
	Currency         string
}

// ApplyAuthorization records the authorization and ensures a confirmation
// call session exists for the order.
func (e *Engine) ApplyAuthorization(ctx context.Context, evt AuthorizationEvent) error {
	order, err := e.getOrderBounded(ctx, evt.OrderID)
	if err != nil {
		return err
	}

	if err := e.store.SetOrderGatewayCustomer(ctx, order.ID, evt.CustomerRef); err != nil {
		return err
	}
	if _, err := e.store.UpdateOrderPaymentStatus(ctx, order.ID, domain.OrderPaymentAuthorized); err != nil {
		return err
	}

	// A pending row means the order is already authorized. The gateway can
	// emit more than one setup event for the same intent, each with its own
	// event id, so this cannot rely on the event-id key alone; inserting a
	// second pending row would violate the one-pending-per-order index and
	// turn a duplicate into a redelivery loop.
	if _, err := e.store.GetPendingPayment(ctx, order.ID); err == nil {
		log.Printf("[Confirmation] Order %s already holds a pending authorization; event %s is a no-op", order.ID, evt.EventID)
		return e.EnsureCallSession(ctx, order)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	amount := evt.Amount
	if amount <= 0 {
		amount = order.TotalAmount
	}
	currency := evt.Currency
	if currency == "" {
		currency = order.Currency
	}
	inserted, err := e.store.InsertPayment(ctx, &domain.Payment{
		ID:               uuid.NewString(),
		OrderID:          order.ID,
		EventID:          evt.EventID,
		AuthorizationRef: evt.AuthorizationRef,
		Amount:           amount,
		Currency:         currency,
		Status:           domain.PaymentPending,
		PaymentMethodRef: evt.PaymentMethodRef,
	})
	if err != nil {
		return err
	}
	if !inserted {
		log.Printf("[Confirmation] Authorization event %s already applied to order %s", evt.EventID, order.ID)
	}

	return e.EnsureCallSession(ctx, order)
}

// ChargeEvent mirrors an asynchronous charge result from the gateway.
type ChargeEvent struct {
	EventID   string
	OrderID   string
	ChargeRef string
	Status    string // succeeded, failed, cancelled
}

// ApplyChargeEvent mirrors the charge outcome onto the ledger and order.
// When capture already resolved the row synchronously this is a no-op.
func (e *Engine) ApplyChargeEvent(ctx context.Context, evt ChargeEvent) error {
	payment, err := e.store.GetPendingPayment(ctx, evt.OrderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("[Confirmation] Charge event %s for order %s: no pending payment, already mirrored", evt.EventID, evt.OrderID)
			return nil
		}
		return err
	}

	var paymentState domain.PaymentState
	var orderState domain.OrderPaymentStatus
	switch evt.Status {
	case "succeeded":
		paymentState, orderState = domain.PaymentSucceeded, domain.OrderPaymentPaid
	case "failed":
		paymentState, orderState = domain.PaymentFailed, domain.OrderPaymentFailed
	case "cancelled":
		paymentState, orderState = domain.PaymentCancelled, domain.OrderPaymentCancelled
	default:
		log.Printf("[Confirmation] Ignoring charge event %s with status %q", evt.EventID, evt.Status)
		return nil
	}

	if _, err := e.store.ResolvePendingPayment(ctx, payment.ID, paymentState, "", evt.ChargeRef); err != nil {
		return err
	}
	if _, err := e.store.UpdateOrderPaymentStatus(ctx, evt.OrderID, orderState); err != nil {
		return err
	}
	return nil
}

// SubscriptionEvent mirrors subscription lifecycle changes.
type SubscriptionEvent struct {
	EventID         string
	SubscriptionRef string
	Status          string // created, deleted
}

func (e *Engine) ApplySubscriptionEvent(ctx context.Context, evt SubscriptionEvent) error {
	status := "active"
	if evt.Status == "deleted" {
		status = "cancelled"
	}
	return e.store.UpdateSubscriptionStatus(ctx, evt.SubscriptionRef, status)
}

// InvoiceEvent is a recurring invoice result; each one gets a fresh ledger
// row keyed by the event id.
type InvoiceEvent struct {
	EventID         string
	SubscriptionRef string
	InvoiceRef      string
	Amount          float64
	Currency        string
	Paid            bool
}

func (e *Engine) ApplyInvoiceEvent(ctx context.Context, evt InvoiceEvent) error {
	orderID, err := e.store.GetOrderIDBySubscription(ctx, evt.SubscriptionRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("[Confirmation] Invoice event %s for unknown subscription %s; skipping", evt.EventID, evt.SubscriptionRef)
			return nil
		}
		return err
	}

	status := domain.PaymentSucceeded
	if !evt.Paid {
		status = domain.PaymentFailed
	}
	inserted, err := e.store.InsertPayment(ctx, &domain.Payment{
		ID:              uuid.NewString(),
		OrderID:         orderID,
		EventID:         evt.EventID,
		SubscriptionRef: evt.SubscriptionRef,
		InvoiceRef:      evt.InvoiceRef,
		Amount:          evt.Amount,
		Currency:        evt.Currency,
		Status:          status,
	})
	if err != nil {
		return err
	}
	if !inserted {
		log.Printf("[Confirmation] Invoice event %s already recorded", evt.EventID)
		return nil
	}

	orderState := domain.OrderPaymentPaid
	if !evt.Paid {
		orderState = domain.OrderPaymentFailed
	}
	if _, err := e.store.UpdateOrderPaymentStatus(ctx, orderID, orderState); err != nil {
		return err
	}
	return nil
}

// ---- Call initiation ----

// EnsureCallSession creates the order's call session if none is open:
// placed immediately inside the calling window, deferred to the next
// window start otherwise.
func (e *Engine) EnsureCallSession(ctx context.Context, order *domain.Order) error {
	if order.Status == domain.OrderConfirmed || order.Status == domain.OrderCancelled {
		log.Printf("[Confirmation] Order %s already %s; not placing a call", order.ID, order.Status)
		return nil
	}
	if _, err := e.store.GetOpenCallSession(ctx, order.ID); err == nil {
		log.Printf("[Confirmation] Order %s already has an open call session", order.ID)
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	now := e.now()
	session := &domain.CallSession{
		ID:      uuid.NewString(),
		OrderID: order.ID,
	}
	if !e.window.Within(now) {
		next := e.window.NextStart(now)
		session.Outcome = domain.OutcomeScheduled
		session.NextRetryAt = &next
		if err := e.store.InsertCallSession(ctx, session); err != nil {
			return err
		}
		log.Printf("[Confirmation] Order %s outside calling window; call deferred to %s", order.ID, next)
		return nil
	}

	if err := e.store.InsertCallSession(ctx, session); err != nil {
		return err
	}
	return e.placeCall(ctx, order, session.ID)
}

func (e *Engine) placeCall(ctx context.Context, order *domain.Order, sessionID string) error {
	now := e.now()
	callRef, err := e.dialer.PlaceCall(ctx, callprovider.PlaceCallRequest{
		OrderID:      order.ID,
		SessionID:    sessionID,
		ToNumber:     order.CustomerPhone,
		CustomerName: order.CustomerName,
		Summary:      summarizeOrder(order),
		CallbackURL:  e.cfg.CallbackURL,
		Record:       e.cfg.RecordCalls,
	})
	if err != nil {
		// Dialing failed before the call existed; hand the session to the
		// sweep instead of burning the retry budget.
		retryAt := e.nextAttemptAt(now)
		_, _ = e.store.SetCallOutcome(ctx, sessionID, domain.OutcomeScheduled, "", now, 0)
		_ = e.store.SetCallRetryAt(ctx, sessionID, retryAt)
		log.Printf("[Confirmation] Failed to place call for order %s (retry at %s): %v", order.ID, retryAt, err)
		return nil
	}
	return e.store.SetCallStarted(ctx, sessionID, callRef, now)
}

// nextAttemptAt applies the retry delay and clamps the result into the
// calling window.
func (e *Engine) nextAttemptAt(now time.Time) time.Time {
	at := now.Add(e.cfg.RetryDelay)
	if !e.window.Within(at) {
		at = e.window.NextStart(at)
	}
	return at
}

// RedialDueSession re-enters call initiation for a session the sweep found
// due: a deferred call whose window opened, or a no-answer retry.
func (e *Engine) RedialDueSession(ctx context.Context, session domain.CallSession) error {
	var claimed bool
	var err error
	if session.Outcome == domain.OutcomeScheduled {
		claimed, err = e.store.ClaimScheduled(ctx, session.ID)
	} else {
		claimed, err = e.store.ClaimRetry(ctx, session.ID, e.cfg.MaxRetries)
	}
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	order, err := e.store.GetOrder(ctx, session.OrderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderConfirmed || order.Status == domain.OrderCancelled {
		_, err := e.store.SetCallOutcome(ctx, session.ID, domain.OutcomeCancelled, "", e.now(), 0)
		return err
	}
	if !e.window.Within(e.now()) {
		next := e.window.NextStart(e.now())
		_, _ = e.store.SetCallOutcome(ctx, session.ID, domain.OutcomeScheduled, "", e.now(), 0)
		return e.store.SetCallRetryAt(ctx, session.ID, next)
	}
	return e.placeCall(ctx, order, session.ID)
}

// ---- Tool-call flow ----

// ToolRequest is one assistant tool invocation.
type ToolRequest struct {
	Tool string
	Args json.RawMessage
}

// ToolResult is spoken back to the customer by the assistant. EndCall asks
// the provider to terminate the call.
type ToolResult struct {
	Result  string
	EndCall bool
}

// HandleTool dispatches one tool invocation against the session identified
// by the provider call reference. Effects are applied immediately; invalid
// requests come back as spoken corrections, not errors.
func (e *Engine) HandleTool(ctx context.Context, callRef string, req ToolRequest) (ToolResult, error) {
	session, err := e.store.GetCallSessionByProviderRef(ctx, callRef)
	if err != nil {
		return ToolResult{}, err
	}
	order, err := e.store.GetOrder(ctx, session.OrderID)
	if err != nil {
		return ToolResult{}, err
	}

	var res ToolResult
	switch req.Tool {
	case "confirm_order":
		res, err = e.toolConfirmOrder(ctx, session, order, req.Args)
	case "change_quantity":
		res, err = e.toolChangeQuantity(ctx, session, order, req.Args)
	case "change_address":
		res, err = e.toolChangeAddress(ctx, session, order, req.Args)
	case "cancel_order":
		res, err = e.toolCancelOrder(ctx, session, order, req.Args)
	case "request_callback":
		res, err = e.toolRequestCallback(ctx, session, order, req.Args)
	default:
		return ToolResult{Result: fmt.Sprintf("Unknown tool %q.", req.Tool)}, nil
	}
	if err != nil {
		return ToolResult{}, err
	}

	if appendErr := e.store.AppendCallResponse(ctx, session.ID, req.Tool, domain.StepResponse{
		Raw:    string(req.Args),
		Result: res.Result,
	}); appendErr != nil {
		log.Printf("[Confirmation] Failed to record %s response for session %s: %v", req.Tool, session.ID, appendErr)
	}
	return res, nil
}

func (e *Engine) toolConfirmOrder(ctx context.Context, session *domain.CallSession, order *domain.Order, args json.RawMessage) (ToolResult, error) {
	var in struct {
		DeliveryTime string `json:"delivery_time"`
	}
	_ = json.Unmarshal(args, &in)
	res, err := e.finalizeConfirmed(ctx, session, order, in.DeliveryTime)
	if err != nil {
		return ToolResult{}, err
	}
	return res, nil
}

func (e *Engine) toolChangeQuantity(ctx context.Context, session *domain.CallSession, order *domain.Order, args json.RawMessage) (ToolResult, error) {
	if domain.IsTerminalOutcome(session.Outcome) {
		return ToolResult{Result: "This order is already finalized."}, nil
	}
	var in struct {
		ItemName    string `json:"item_name"`
		NewQuantity int32  `json:"new_quantity"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return ToolResult{Result: "I didn't catch which item to change."}, nil
	}
	msg, _, err := e.applyQuantityChange(ctx, order, in.ItemName, in.NewQuantity)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Result: msg}, nil
}

func (e *Engine) toolChangeAddress(ctx context.Context, session *domain.CallSession, order *domain.Order, args json.RawMessage) (ToolResult, error) {
	if domain.IsTerminalOutcome(session.Outcome) {
		return ToolResult{Result: "This order is already finalized."}, nil
	}
	var in struct {
		NewAddress string `json:"new_address"`
	}
	if err := json.Unmarshal(args, &in); err != nil || strings.TrimSpace(in.NewAddress) == "" {
		return ToolResult{Result: "I didn't catch the new address."}, nil
	}
	if err := e.store.UpdateOrderAddress(ctx, order.ID, in.NewAddress); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Result: fmt.Sprintf("Delivery address updated to %s.", in.NewAddress)}, nil
}

func (e *Engine) toolCancelOrder(ctx context.Context, session *domain.CallSession, order *domain.Order, args json.RawMessage) (ToolResult, error) {
	var in struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(args, &in)
	return e.finalizeCancelled(ctx, session, order, in.Reason)
}

func (e *Engine) toolRequestCallback(ctx context.Context, session *domain.CallSession, order *domain.Order, args json.RawMessage) (ToolResult, error) {
	var in struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(args, &in)

	set, err := e.store.SetCallOutcome(ctx, session.ID, domain.OutcomeCallbackRequired, "", e.now(), 0)
	if err != nil {
		return ToolResult{}, err
	}
	if set {
		_, _ = e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderCallbackRequired)
		reason := in.Reason
		if reason == "" {
			reason = "customer requested a callback"
		}
		if e.notifier != nil {
			_ = e.notifier.Notify(ctx, order.ID, reason)
		}
		e.publish(ctx, events.TypeFollowupRequired, order.ID, map[string]any{
			"orderId": order.ID,
			"reason":  reason,
		})
	}
	return ToolResult{Result: "No problem, someone will call you back shortly. Goodbye!", EndCall: true}, nil
}

// ---- Scripted-step flow ----

// Utterance is one speech event in the scripted flow. Intent and the
// extracted fields are optional; the keyword classifier fills the gap.
type Utterance struct {
	Text         string
	Intent       string
	ItemName     string
	NewQuantity  int32
	NewAddress   string
	DeliveryTime string
}

// HandleUtterance advances the scripted step sequence by one customer
// response and returns the step the call is now on.
func (e *Engine) HandleUtterance(ctx context.Context, callRef string, utt Utterance) (domain.CallStep, ToolResult, error) {
	session, err := e.store.GetCallSessionByProviderRef(ctx, callRef)
	if err != nil {
		return "", ToolResult{}, err
	}
	if domain.IsTerminalOutcome(session.Outcome) {
		return session.CurrentStep, ToolResult{Result: "This order is already finalized.", EndCall: true}, nil
	}
	order, err := e.store.GetOrder(ctx, session.OrderID)
	if err != nil {
		return "", ToolResult{}, err
	}

	step := session.CurrentStep
	if step == "" {
		step = domain.StepOrderConfirmation
	}
	intent := ParseIntent(utt.Intent, utt.Text)

	if err := e.store.AppendCallResponse(ctx, session.ID, string(step), domain.StepResponse{
		Raw:    utt.Text,
		Intent: intent,
	}); err != nil {
		log.Printf("[Confirmation] Failed to record %s response for session %s: %v", step, session.ID, err)
	}

	switch intent {
	case domain.IntentCancel:
		res, err := e.finalizeCancelled(ctx, session, order, utt.Text)
		return domain.StepCompleteCancelled, res, err

	case domain.IntentUnclear:
		// The delivery-time answer is free-form, not a yes/no; anything
		// non-empty there counts as the preference. Everywhere else an
		// unclear answer re-prompts the same step; the provider bounds how
		// often.
		if step != domain.StepDeliveryTime || strings.TrimSpace(utt.Text) == "" {
			return step, ToolResult{Result: "Sorry, I didn't catch that. Could you repeat?"}, nil
		}
	}

	// CONFIRM or CHANGE: apply any extracted data, then advance.
	if intent == domain.IntentChange {
		switch step {
		case domain.StepOrderConfirmation:
			if utt.ItemName != "" {
				msg, applied, err := e.applyQuantityChange(ctx, order, utt.ItemName, utt.NewQuantity)
				if err != nil {
					return step, ToolResult{}, err
				}
				// Invalid change requests keep the call on this step so the
				// customer can correct themselves.
				if !applied {
					return step, ToolResult{Result: msg}, nil
				}
			}
		case domain.StepAddressConfirmation:
			if utt.NewAddress != "" {
				if err := e.store.UpdateOrderAddress(ctx, order.ID, utt.NewAddress); err != nil {
					return step, ToolResult{}, err
				}
			}
		}
	}
	if step == domain.StepDeliveryTime {
		preference := utt.DeliveryTime
		if preference == "" {
			preference = utt.Text
		}
		if err := e.store.UpdateOrderDeliveryTime(ctx, order.ID, preference); err != nil {
			return step, ToolResult{}, err
		}
	}

	next := domain.NextStep(step)
	if next == domain.StepCompleteConfirmed {
		res, err := e.finalizeConfirmed(ctx, session, order, "")
		return next, res, err
	}
	if err := e.store.UpdateCallStep(ctx, session.ID, next); err != nil {
		return step, ToolResult{}, err
	}
	return next, ToolResult{}, nil
}

// ---- Terminal outcomes ----

func (e *Engine) finalizeConfirmed(ctx context.Context, session *domain.CallSession, order *domain.Order, deliveryTime string) (ToolResult, error) {
	if deliveryTime != "" {
		if err := e.store.UpdateOrderDeliveryTime(ctx, order.ID, deliveryTime); err != nil {
			return ToolResult{}, err
		}
	}

	set, err := e.store.SetCallOutcome(ctx, session.ID, domain.OutcomeConfirmed, "", e.now(), 0)
	if err != nil {
		return ToolResult{}, err
	}
	if set {
		_ = e.store.UpdateCallStep(ctx, session.ID, domain.StepCompleteConfirmed)
		if _, err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderConfirmed); err != nil {
			return ToolResult{}, err
		}
	}

	// Re-read the order: mid-call quantity changes moved the total, and the
	// capture must charge what the customer just confirmed. Capture is run
	// even on a duplicate delivery: the pending-row guard makes a repeat a
	// no-op, and a retry after a transient gateway error still gets its
	// second chance here.
	fresh, err := e.store.GetOrder(ctx, order.ID)
	if err != nil {
		return ToolResult{}, err
	}
	captureErr := e.capturer.Capture(ctx, fresh)
	switch {
	case captureErr == nil:
		e.publish(ctx, events.TypePaymentCaptured, order.ID, map[string]any{
			"orderId":     order.ID,
			"totalAmount": fresh.TotalAmount,
			"currency":    fresh.Currency,
		})
	case errors.Is(captureErr, capture.ErrMissingPaymentSetup):
		// Already recorded and escalated by the orchestrator; the call
		// itself still ended confirmed.
		log.Printf("[Confirmation] Capture skipped for order %s: %v", order.ID, captureErr)
		e.publish(ctx, events.TypePaymentCaptureFailed, order.ID, map[string]any{
			"orderId": order.ID,
			"reason":  "missing payment setup",
		})
	default:
		// Transient gateway failure. The pending row survives, so a retried
		// delivery of the completion event runs capture again.
		return ToolResult{}, captureErr
	}

	e.publish(ctx, events.TypeCallCompleted, order.ID, map[string]any{
		"orderId": order.ID,
		"outcome": string(domain.OutcomeConfirmed),
	})
	return ToolResult{Result: "Thanks, your order is confirmed. Goodbye!", EndCall: true}, nil
}

func (e *Engine) finalizeCancelled(ctx context.Context, session *domain.CallSession, order *domain.Order, reason string) (ToolResult, error) {
	set, err := e.store.SetCallOutcome(ctx, session.ID, domain.OutcomeCancelled, "", e.now(), 0)
	if err != nil {
		return ToolResult{}, err
	}
	if set {
		_ = e.store.UpdateCallStep(ctx, session.ID, domain.StepCompleteCancelled)
		if _, err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderCancelled); err != nil {
			return ToolResult{}, err
		}
	} else {
		// Lost the write-once race. Only a redelivered cancel may retry the
		// release; a cancel arriving after a confirmed outcome must leave the
		// pending payment for the confirm's capture retry.
		current, err := e.store.GetCallSession(ctx, session.ID)
		if err != nil {
			return ToolResult{}, err
		}
		if current.Outcome != domain.OutcomeCancelled {
			log.Printf("[Confirmation] Session %s already ended %s; ignoring cancel", session.ID, current.Outcome)
			return ToolResult{Result: "This order has already been finalized. Goodbye!", EndCall: true}, nil
		}
	}

	if err := e.capturer.Release(ctx, order); err != nil {
		return ToolResult{}, err
	}

	e.publish(ctx, events.TypeOrderCancelled, order.ID, map[string]any{
		"orderId": order.ID,
		"reason":  reason,
	})
	return ToolResult{Result: "Your order has been cancelled. Goodbye!", EndCall: true}, nil
}

// applyQuantityChange mutates one line item, recomputes the total and
// mirrors it onto the pending ledger row. Invalid requests return a spoken
// correction with applied=false and leave the order untouched.
func (e *Engine) applyQuantityChange(ctx context.Context, order *domain.Order, itemName string, newQuantity int32) (string, bool, error) {
	idx := domain.FindItem(order.Items, itemName)
	if idx < 0 {
		return fmt.Sprintf("I couldn't find %s on the order.", itemName), false, nil
	}
	if newQuantity < 0 {
		return "The quantity can't be negative.", false, nil
	}

	items := make([]domain.LineItem, len(order.Items))
	copy(items, order.Items)

	var msg string
	if newQuantity == 0 {
		if len(items) == 1 {
			return "I can't remove the last item; you can cancel the whole order instead.", false, nil
		}
		msg = fmt.Sprintf("Removed %s from the order.", items[idx].Name)
		items = append(items[:idx], items[idx+1:]...)
	} else {
		msg = fmt.Sprintf("Updated %s to %d.", items[idx].Name, newQuantity)
		items[idx].Quantity = newQuantity
	}

	total := domain.ItemsTotal(items)
	if err := e.store.UpdateOrderItems(ctx, order.ID, items, total); err != nil {
		return "", false, err
	}
	if err := e.store.MirrorPendingPaymentAmount(ctx, order.ID, total); err != nil {
		return "", false, err
	}
	_, _ = e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderChanged)

	order.Items = items
	order.TotalAmount = total
	return fmt.Sprintf("%s The new total is %.2f %s.", msg, total, strings.ToUpper(order.Currency)), true, nil
}

// ---- End-of-call reports ----

// CallReport is the provider's end-of-call event.
type CallReport struct {
	CallRef     string
	EndedReason string
	Transcript  string
	DurationSec int32
}

// unansweredReasons are provider ended-reasons meaning the customer never
// participated; anything else that ends a call without a terminal outcome
// is treated the same way, so every session eventually terminates.
var unansweredReasons = map[string]bool{
	"no-answer": true,
	"busy":      true,
	"voicemail": true,
	"failed":    true,
}

// CompleteCall records the end-of-call report and, when the call ended
// without a terminal outcome, runs the no-answer path: schedule the one
// retry or escalate to a human.
func (e *Engine) CompleteCall(ctx context.Context, report CallReport) error {
	session, err := e.store.GetCallSessionByProviderRef(ctx, report.CallRef)
	if err != nil {
		return err
	}

	now := e.now()
	if err := e.store.FinalizeCallReport(ctx, session.ID, report.Transcript, now, report.DurationSec); err != nil {
		return err
	}

	if domain.IsTerminalOutcome(session.Outcome) {
		e.publish(ctx, events.TypeCallCompleted, session.OrderID, map[string]any{
			"orderId": session.OrderID,
			"outcome": string(session.Outcome),
		})
		return nil
	}

	set, err := e.store.SetCallOutcome(ctx, session.ID, domain.OutcomeNoAnswer, report.Transcript, now, report.DurationSec)
	if err != nil {
		return err
	}
	if !set {
		// A tool invocation or a racing report closed the session first.
		return nil
	}
	if !unansweredReasons[report.EndedReason] {
		log.Printf("[Confirmation] Call %s ended (%s) without an outcome; treating as no answer", report.CallRef, report.EndedReason)
	}

	_, _ = e.store.UpdateOrderStatus(ctx, session.OrderID, domain.OrderNoAnswer)

	if session.RetryCount < e.cfg.MaxRetries {
		retryAt := e.nextAttemptAt(now)
		if err := e.store.SetCallRetryAt(ctx, session.ID, retryAt); err != nil {
			return err
		}
		log.Printf("[Confirmation] Order %s unanswered; retry %d/%d at %s",
			session.OrderID, session.RetryCount+1, e.cfg.MaxRetries, retryAt)
		return nil
	}

	log.Printf("[Confirmation] Order %s unanswered after %d retries; escalating", session.OrderID, session.RetryCount)
	if e.notifier != nil {
		_ = e.notifier.Notify(ctx, session.OrderID, "confirmation call retries exhausted")
	}
	e.publish(ctx, events.TypeFollowupRequired, session.OrderID, map[string]any{
		"orderId": session.OrderID,
		"reason":  "confirmation call retries exhausted",
	})
	return nil
}

// ---- helpers ----

func (e *Engine) publish(ctx context.Context, eventType, orderID string, data map[string]any) {
	if e.producer == nil {
		return
	}
	err := e.producer.Publish(ctx, e.cfg.EventsTopic, orderID, events.Envelope{
		EventType:    eventType,
		EventVersion: "v1",
		AggregateID:  orderID,
		Data:         data,
	})
	if err != nil {
		log.Printf("[Confirmation] Failed to publish %s for order %s: %v", eventType, orderID, err)
	}
}

// getOrderBounded waits briefly for an order a webhook raced ahead of.
func (e *Engine) getOrderBounded(ctx context.Context, orderID string) (*domain.Order, error) {
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.LookupBackoff * time.Duration(attempt)):
			}
		}
		order, err := e.store.GetOrder(ctx, orderID)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("order %s not visible after bounded retry: %w", orderID, lastErr)
}

func summarizeOrder(order *domain.Order) string {
	parts := make([]string, 0, len(order.Items))
	for _, it := range order.Items {
		parts = append(parts, fmt.Sprintf("%d x %s", it.Quantity, it.Name))
	}
	return fmt.Sprintf("Your order is %s for a total of %.2f %s.",
		strings.Join(parts, ", "), order.TotalAmount, strings.ToUpper(order.Currency))
}
