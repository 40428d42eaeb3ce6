package bdd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
	"github.com/confirmline/call-confirmation-pipeline/internal/scheduler"
)

func (w *ConfirmWorld) registerConfirmationSteps(sc *godog.ScenarioContext) {
	sc.Step(`^an order "([^"]+)" for "([^"]+)" with (\d+) "([^"]+)" at ([\d\.]+) each$`, w.createOrder)
	sc.Step(`^the gateway authorizes payment with event "([^"]+)"$`, w.authorizePayment)
	sc.Step(`^the customer changes "([^"]+)" to quantity (\d+)$`, w.changeQuantity)
	sc.Step(`^the customer confirms delivery for "([^"]+)"$`, w.confirmOrder)
	sc.Step(`^the customer cancels the order$`, w.cancelOrder)
	sc.Step(`^the call goes unanswered$`, w.callUnanswered)
	sc.Step(`^the clock advances by (\d+) minutes$`, w.advanceClock)
	sc.Step(`^the scheduler sweeps due sessions$`, w.sweep)
	sc.Step(`^(\d+) confirmation calls? should have been placed$`, w.assertCallsPlaced)
	sc.Step(`^the order status should be "([^"]+)"$`, w.assertOrderStatus)
	sc.Step(`^the gateway should capture ([\d\.]+) "([^"]+)"$`, w.assertCaptured)
	sc.Step(`^the authorization should be released$`, w.assertReleased)
	sc.Step(`^no payment should remain pending$`, w.assertNoPendingPayment)
	sc.Step(`^a follow-up should be escalated$`, w.assertFollowup)
	sc.Step(`^the call outcome should be "([^"]+)"$`, w.assertCallOutcome)
}

func (w *ConfirmWorld) createOrder(orderID, customer string, quantity int, item, priceStr string) error {
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}
	order := &domain.Order{
		ID:            orderID,
		CustomerName:  customer,
		CustomerPhone: "+15550100",
		Items: []domain.LineItem{
			{Name: item, Quantity: int32(quantity), UnitPrice: price},
		},
		TotalAmount:     float64(quantity) * price,
		Currency:        "usd",
		DeliveryAddress: "1 Main St",
		PaymentType:     domain.PaymentTypeOneTime,
		PaymentStatus:   domain.OrderPaymentPending,
		Status:          domain.OrderPending,
	}
	if err := w.store.InsertOrder(context.Background(), order); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	w.orderID = orderID
	return nil
}

func (w *ConfirmWorld) authorizePayment(eventID string) error {
	body, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "setup_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id":             "seti_bdd",
				"customer":       "cus_bdd",
				"payment_method": "pm_bdd",
				"metadata":       map[string]any{"order_id": w.orderID},
			},
		},
	})
	if err != nil {
		return err
	}
	return w.deliver(w.postPaymentWebhook, body)
}

func (w *ConfirmWorld) changeQuantity(item string, quantity int) error {
	return w.sendTool("change_quantity", map[string]any{
		"item_name":    item,
		"new_quantity": quantity,
	})
}

func (w *ConfirmWorld) confirmOrder(deliveryTime string) error {
	return w.sendTool("confirm_order", map[string]any{
		"delivery_time": deliveryTime,
	})
}

func (w *ConfirmWorld) cancelOrder() error {
	return w.sendTool("cancel_order", map[string]any{})
}

func (w *ConfirmWorld) sendTool(name string, args map[string]any) error {
	callRef, err := w.currentCallRef()
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"type":    "tool-call",
		"call_id": callRef,
		"tool_call": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		return err
	}
	return w.deliver(w.postCallWebhook, body)
}

func (w *ConfirmWorld) callUnanswered() error {
	callRef, err := w.currentCallRef()
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"id":               fmt.Sprintf("evt-call-%s-%d", callRef, w.now.Unix()),
		"type":             "end-of-call-report",
		"call_id":          callRef,
		"ended_reason":     "no-answer",
		"duration_seconds": 25,
	})
	if err != nil {
		return err
	}
	return w.deliver(w.postCallWebhook, body)
}

func (w *ConfirmWorld) advanceClock(minutes int) error {
	w.now = w.now.Add(time.Duration(minutes) * time.Minute)
	return nil
}

func (w *ConfirmWorld) sweep() error {
	s := scheduler.New(w.store, w.engine, time.Minute, 1).
		WithClock(func() time.Time { return w.now })
	return s.SweepOnce(context.Background())
}

func (w *ConfirmWorld) deliver(post func([]byte) (*http.Response, error), body []byte) error {
	resp, err := post(body)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, payload)
	}
	return nil
}

func (w *ConfirmWorld) assertCallsPlaced(count int) error {
	if got := len(w.dialer.placed); got != count {
		return fmt.Errorf("expected %d calls placed, got %d", count, got)
	}
	return nil
}

func (w *ConfirmWorld) assertOrderStatus(want string) error {
	order, err := w.store.GetOrder(context.Background(), w.orderID)
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	if string(order.Status) != want {
		return fmt.Errorf("expected order status %q, got %q", want, order.Status)
	}
	return nil
}

func (w *ConfirmWorld) assertCaptured(amountStr, currency string) error {
	amount, err := strconv.ParseFloat(amountStr, 64)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	if len(w.gateway.charges) != 1 {
		return fmt.Errorf("expected exactly one charge, got %d", len(w.gateway.charges))
	}
	charge := w.gateway.charges[0]
	if charge.Amount != amount || charge.Currency != currency {
		return fmt.Errorf("expected charge of %.2f %s, got %.2f %s",
			amount, currency, charge.Amount, charge.Currency)
	}
	return nil
}

func (w *ConfirmWorld) assertReleased() error {
	if len(w.gateway.released) != 1 {
		return fmt.Errorf("expected one released authorization, got %d", len(w.gateway.released))
	}
	if len(w.gateway.charges) != 0 {
		return fmt.Errorf("released order must not be charged, saw %d charges", len(w.gateway.charges))
	}
	return nil
}

func (w *ConfirmWorld) assertNoPendingPayment() error {
	_, err := w.store.GetPendingPayment(context.Background(), w.orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get pending payment: %w", err)
	}
	return fmt.Errorf("order %s still has a pending payment", w.orderID)
}

func (w *ConfirmWorld) assertFollowup() error {
	for _, reason := range w.notifier.reasons {
		if strings.Contains(reason, "retries exhausted") {
			return nil
		}
	}
	return fmt.Errorf("no retries-exhausted follow-up recorded, got %v", w.notifier.reasons)
}

func (w *ConfirmWorld) assertCallOutcome(want string) error {
	callRef, err := w.currentCallRef()
	if err != nil {
		return err
	}
	session, err := w.store.GetCallSessionByProviderRef(context.Background(), callRef)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if string(session.Outcome) != want {
		return fmt.Errorf("expected outcome %q, got %q", want, session.Outcome)
	}
	return nil
}
