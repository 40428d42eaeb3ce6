// Package gateway abstracts the payment processor capability surface the
// pipeline consumes: off-session charges against saved payment methods,
// recurring prices and subscriptions, authorization release, and webhook
// signature verification.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ChargeRequest charges a saved payment method off-session.
type ChargeRequest struct {
	CustomerRef      string
	PaymentMethodRef string
	Amount           float64
	Currency         string
	Description      string
}

// ChargeResult is the gateway's view of a completed charge attempt.
type ChargeResult struct {
	ChargeRef string
	Status    string
}

// PriceRequest identifies a recurring price. Matching on all four fields
// lets the gateway reuse an existing price instead of creating a new one
// per order.
type PriceRequest struct {
	ProductName string
	Interval    string // monthly or yearly
	Amount      float64
	Currency    string
}

// SubscriptionRequest creates a subscription on a saved method.
type SubscriptionRequest struct {
	CustomerRef      string
	PaymentMethodRef string
	PriceRef         string
}

// SubscriptionResult mirrors the created subscription.
type SubscriptionResult struct {
	SubscriptionRef string
	Status          string
	InvoiceRef      string
}

// Gateway is the payment processor surface consumed by the capture
// orchestrator. Implementations must honor the request context deadline.
type Gateway interface {
	ChargeOffSession(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	FindOrCreatePrice(ctx context.Context, req PriceRequest) (string, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionResult, error)
	CancelAuthorization(ctx context.Context, authorizationRef string) error
}

// DeclineError is a terminal gateway refusal (card declined, invalid
// method). The charge must not be retried automatically.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("gateway declined: %s (%s)", e.Message, e.Code)
}

// IsDecline reports whether err is a terminal decline as opposed to a
// transient transport or server error.
func IsDecline(err error) bool {
	var de *DeclineError
	return errors.As(err, &de)
}
