// Package capture settles an authorized payment after a confirmation call
// reaches a terminal outcome: charge (or subscribe) on confirmed, release
// on cancelled. Exactly once; the pending ledger row is the guard.
package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
	"github.com/confirmline/call-confirmation-pipeline/internal/gateway"
	"github.com/confirmline/call-confirmation-pipeline/internal/notify"
)

// ErrMissingPaymentSetup means the saved payment method or gateway customer
// reference that authorization should have produced is absent. This is a
// configuration fault, never retried.
var ErrMissingPaymentSetup = errors.New("missing saved payment method or gateway customer")

// Store is the slice of the datastore the orchestrator needs.
type Store interface {
	GetPendingPayment(ctx context.Context, orderID string) (*domain.Payment, error)
	ResolvePendingPayment(ctx context.Context, paymentID string, to domain.PaymentState, subscriptionRef, invoiceRef string) (bool, error)
	UpdateSubscriptionStatus(ctx context.Context, subscriptionRef, subStatus string) error
	UpdateOrderStatus(ctx context.Context, orderID string, to domain.OrderStatus) (bool, error)
	UpdateOrderPaymentStatus(ctx context.Context, orderID string, to domain.OrderPaymentStatus) (bool, error)
}

// Orchestrator receives its collaborators at construction so tests can
// substitute fakes.
type Orchestrator struct {
	store    Store
	gateway  gateway.Gateway
	notifier notify.Notifier
}

func NewOrchestrator(store Store, gw gateway.Gateway, notifier notify.Notifier) *Orchestrator {
	return &Orchestrator{store: store, gateway: gw, notifier: notifier}
}

// Capture charges the order's current total against the payment method
// saved at authorization time, or creates the subscription for recurring
// orders. Safe to invoke twice: a missing pending row means the action
// already happened and the call is a no-op.
func (o *Orchestrator) Capture(ctx context.Context, order *domain.Order) error {
	payment, err := o.store.GetPendingPayment(ctx, order.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("[Capture] Order %s has no pending payment; nothing to capture", order.ID)
			return nil
		}
		return err
	}

	if payment.PaymentMethodRef == "" || order.GatewayCustomerRef == "" {
		log.Printf("[Capture] Order %s missing payment setup (method=%q customer=%q)",
			order.ID, payment.PaymentMethodRef, order.GatewayCustomerRef)
		_, _ = o.store.ResolvePendingPayment(ctx, payment.ID, domain.PaymentFailed, "", "")
		_, _ = o.store.UpdateOrderPaymentStatus(ctx, order.ID, domain.OrderPaymentFailed)
		if o.notifier != nil {
			_ = o.notifier.Notify(ctx, order.ID, "payment capture failed: no saved payment method")
		}
		return fmt.Errorf("order %s: %w", order.ID, ErrMissingPaymentSetup)
	}

	if order.PaymentType == domain.PaymentTypeSubscription {
		return o.captureSubscription(ctx, order, payment)
	}
	return o.captureOneTime(ctx, order, payment)
}

func (o *Orchestrator) captureOneTime(ctx context.Context, order *domain.Order, payment *domain.Payment) error {
	// The call may have changed quantities; charge the current total,
	// not the amount authorized at checkout.
	result, err := o.gateway.ChargeOffSession(ctx, gateway.ChargeRequest{
		CustomerRef:      order.GatewayCustomerRef,
		PaymentMethodRef: payment.PaymentMethodRef,
		Amount:           order.TotalAmount,
		Currency:         order.Currency,
		Description:      fmt.Sprintf("Order %s", order.ID),
	})
	if err != nil {
		if gateway.IsDecline(err) {
			log.Printf("[Capture] Order %s charge declined: %v", order.ID, err)
			_, _ = o.store.ResolvePendingPayment(ctx, payment.ID, domain.PaymentFailed, "", "")
			_, _ = o.store.UpdateOrderPaymentStatus(ctx, order.ID, domain.OrderPaymentFailed)
			if o.notifier != nil {
				_ = o.notifier.Notify(ctx, order.ID, "payment capture declined")
			}
			return nil
		}
		// Transient: leave the row pending so reconciliation can inspect
		// actual gateway state instead of guessing.
		return fmt.Errorf("charge for order %s: %w", order.ID, err)
	}

	resolved, err := o.store.ResolvePendingPayment(ctx, payment.ID, domain.PaymentSucceeded, "", result.ChargeRef)
	if err != nil {
		return err
	}
	if !resolved {
		log.Printf("[Capture] Order %s payment %s already resolved; skipping", order.ID, payment.ID)
		return nil
	}
	if _, err := o.store.UpdateOrderPaymentStatus(ctx, order.ID, domain.OrderPaymentPaid); err != nil {
		return err
	}
	log.Printf("[Capture] Order %s captured %.2f %s (charge %s)", order.ID, order.TotalAmount, order.Currency, result.ChargeRef)
	return nil
}

func (o *Orchestrator) captureSubscription(ctx context.Context, order *domain.Order, payment *domain.Payment) error {
	priceRef, err := o.gateway.FindOrCreatePrice(ctx, gateway.PriceRequest{
		ProductName: subscriptionProductName(order),
		Interval:    string(order.BillingCycle),
		Amount:      order.TotalAmount,
		Currency:    order.Currency,
	})
	if err != nil {
		return fmt.Errorf("resolve price for order %s: %w", order.ID, err)
	}

	sub, err := o.gateway.CreateSubscription(ctx, gateway.SubscriptionRequest{
		CustomerRef:      order.GatewayCustomerRef,
		PaymentMethodRef: payment.PaymentMethodRef,
		PriceRef:         priceRef,
	})
	if err != nil {
		if gateway.IsDecline(err) {
			_, _ = o.store.ResolvePendingPayment(ctx, payment.ID, domain.PaymentFailed, "", "")
			_, _ = o.store.UpdateOrderPaymentStatus(ctx, order.ID, domain.OrderPaymentFailed)
			if o.notifier != nil {
				_ = o.notifier.Notify(ctx, order.ID, "subscription creation declined")
			}
			return nil
		}
		return fmt.Errorf("create subscription for order %s: %w", order.ID, err)
	}

	resolved, err := o.store.ResolvePendingPayment(ctx, payment.ID, domain.PaymentSucceeded, sub.SubscriptionRef, sub.InvoiceRef)
	if err != nil {
		return err
	}
	if !resolved {
		log.Printf("[Capture] Order %s subscription already recorded; skipping", order.ID)
		return nil
	}
	if err := o.store.UpdateSubscriptionStatus(ctx, sub.SubscriptionRef, sub.Status); err != nil {
		return err
	}
	if !subscriptionSettled(sub.Status) {
		// The first invoice has not settled yet ("incomplete"). The invoice
		// webhook moves the order to paid or failed once the gateway reports
		// the attempt.
		log.Printf("[Capture] Order %s subscription %s created %s; awaiting first invoice", order.ID, sub.SubscriptionRef, sub.Status)
		return nil
	}
	if _, err := o.store.UpdateOrderPaymentStatus(ctx, order.ID, domain.OrderPaymentPaid); err != nil {
		return err
	}
	log.Printf("[Capture] Order %s subscribed (%s, %s)", order.ID, sub.SubscriptionRef, sub.Status)
	return nil
}

func subscriptionSettled(status string) bool {
	return status == "active" || status == "trialing"
}

// Release cancels the authorization on a cancelled order. The common case
// is a zero-charge setup hold with nothing to release at the gateway; the
// ledger and order rows are still closed out.
func (o *Orchestrator) Release(ctx context.Context, order *domain.Order) error {
	payment, err := o.store.GetPendingPayment(ctx, order.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("[Capture] Order %s has no pending payment; nothing to release", order.ID)
			return nil
		}
		return err
	}

	if payment.AuthorizationRef != "" {
		if err := o.gateway.CancelAuthorization(ctx, payment.AuthorizationRef); err != nil {
			return fmt.Errorf("release authorization for order %s: %w", order.ID, err)
		}
	}

	resolved, err := o.store.ResolvePendingPayment(ctx, payment.ID, domain.PaymentCancelled, "", "")
	if err != nil {
		return err
	}
	if !resolved {
		return nil
	}
	if _, err := o.store.UpdateOrderPaymentStatus(ctx, order.ID, domain.OrderPaymentCancelled); err != nil {
		return err
	}
	log.Printf("[Capture] Order %s authorization released", order.ID)
	return nil
}

func subscriptionProductName(order *domain.Order) string {
	if len(order.Items) == 1 {
		return order.Items[0].Name
	}
	return fmt.Sprintf("Order %s bundle", order.ID)
}
