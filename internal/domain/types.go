package domain

import (
	"fmt"
	"strings"
	"time"
)

// PaymentType selects how a confirmed order is charged.
type PaymentType string

const (
	PaymentTypeOneTime      PaymentType = "one_time"
	PaymentTypeSubscription PaymentType = "subscription"
)

// BillingCycle is required when PaymentType is subscription.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// OrderPaymentStatus tracks the money side of an order.
type OrderPaymentStatus string

const (
	OrderPaymentPending    OrderPaymentStatus = "pending"
	OrderPaymentAuthorized OrderPaymentStatus = "authorized"
	OrderPaymentPaid       OrderPaymentStatus = "paid"
	OrderPaymentFailed     OrderPaymentStatus = "failed"
	OrderPaymentCancelled  OrderPaymentStatus = "cancelled"
	OrderPaymentRefunded   OrderPaymentStatus = "refunded"
)

// OrderStatus tracks the confirmation side of an order.
type OrderStatus string

const (
	OrderPending          OrderStatus = "pending"
	OrderConfirmed        OrderStatus = "confirmed"
	OrderChanged          OrderStatus = "changed"
	OrderCancelled        OrderStatus = "cancelled"
	OrderNoAnswer         OrderStatus = "no_answer"
	OrderCallbackRequired OrderStatus = "callback_required"
)

// Statuses advance forward only, except cancellation which is reachable
// from any non-terminal state.
var orderStatusRank = map[OrderStatus]int{
	OrderPending:          0,
	OrderChanged:          1,
	OrderNoAnswer:         1,
	OrderCallbackRequired: 2,
	OrderConfirmed:        3,
	OrderCancelled:        4,
}

var orderPaymentRank = map[OrderPaymentStatus]int{
	OrderPaymentPending:    0,
	OrderPaymentAuthorized: 1,
	OrderPaymentPaid:       2,
	OrderPaymentFailed:     2,
	OrderPaymentCancelled:  3,
	OrderPaymentRefunded:   3,
}

// CanTransitionOrder reports whether an order status write advances the
// lattice. Cancellation is always allowed from a non-terminal state.
func CanTransitionOrder(from, to OrderStatus) bool {
	if from == OrderCancelled || from == OrderConfirmed {
		return false
	}
	if to == OrderCancelled {
		return true
	}
	return orderStatusRank[to] > orderStatusRank[from] || (to == from)
}

// CanTransitionPayment reports whether a payment status write advances
// the lattice.
func CanTransitionPayment(from, to OrderPaymentStatus) bool {
	switch from {
	case OrderPaymentFailed, OrderPaymentCancelled, OrderPaymentRefunded:
		return false
	}
	if to == OrderPaymentCancelled {
		return true
	}
	return orderPaymentRank[to] > orderPaymentRank[from]
}

// LineItem is one ordered product line.
type LineItem struct {
	Name      string  `json:"name"`
	Quantity  int32   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Order is the authoritative order record.
type Order struct {
	ID                   string
	CustomerName         string
	CustomerPhone        string
	CustomerEmail        string
	Items                []LineItem
	TotalAmount          float64
	Currency             string
	DeliveryAddress      string
	DeliveryInstructions string
	DeliveryTime         string
	PaymentType          PaymentType
	BillingCycle         BillingCycle
	PaymentStatus        OrderPaymentStatus
	Status               OrderStatus
	GatewayCustomerRef   string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ConfirmedAt          *time.Time
}

// Validate checks the creation-time invariants.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if o.CustomerPhone == "" {
		return fmt.Errorf("order %s: customer phone is required", o.ID)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("order %s: at least one line item is required", o.ID)
	}
	for _, it := range o.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("order %s: item %q quantity must be >= 1", o.ID, it.Name)
		}
		if it.UnitPrice <= 0 {
			return fmt.Errorf("order %s: item %q unit price must be > 0", o.ID, it.Name)
		}
	}
	switch o.PaymentType {
	case PaymentTypeOneTime, PaymentTypeSubscription:
	default:
		return fmt.Errorf("order %s: unknown payment type %q", o.ID, o.PaymentType)
	}
	if o.PaymentType == PaymentTypeSubscription && o.BillingCycle == "" {
		return fmt.Errorf("order %s: billing cycle is required for subscriptions", o.ID)
	}
	if got, want := o.TotalAmount, ItemsTotal(o.Items); got != want {
		return fmt.Errorf("order %s: total %.2f does not match items total %.2f", o.ID, got, want)
	}
	return nil
}

// ItemsTotal is the sum of quantity x unit price across items.
func ItemsTotal(items []LineItem) float64 {
	var total float64
	for _, it := range items {
		total += float64(it.Quantity) * it.UnitPrice
	}
	return total
}

// FindItem locates a line item by case-insensitive substring match on its
// name. Returns the index or -1.
func FindItem(items []LineItem, name string) int {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return -1
	}
	for i, it := range items {
		if strings.Contains(strings.ToLower(it.Name), needle) {
			return i
		}
	}
	return -1
}

// PaymentState is the status of one Payment ledger row.
type PaymentState string

const (
	PaymentPending   PaymentState = "pending"
	PaymentSucceeded PaymentState = "succeeded"
	PaymentFailed    PaymentState = "failed"
	PaymentCancelled PaymentState = "cancelled"
)

// Payment is one ledger row per attempted charge or subscription. The
// external event id is unique and doubles as the idempotency key for the
// gateway event that created the row. Rows are never deleted.
type Payment struct {
	ID               string
	OrderID          string
	EventID          string
	AuthorizationRef string
	SubscriptionRef  string
	InvoiceRef       string
	Amount           float64
	Currency         string
	Status           PaymentState
	PaymentMethodRef string
	SubStatus        string
	SubInterval      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CallStep is one confirmation step of the scripted flow.
type CallStep string

const (
	StepOrderConfirmation   CallStep = "ORDER_CONFIRMATION"
	StepAddressConfirmation CallStep = "ADDRESS_CONFIRMATION"
	StepPaymentConfirmation CallStep = "PAYMENT_CONFIRMATION"
	StepDeliveryTime        CallStep = "DELIVERY_TIME"
	StepCompleteConfirmed   CallStep = "CALL_COMPLETE_CONFIRMED"
	StepCompleteCancelled   CallStep = "CALL_COMPLETE_CANCELLED"
)

var stepOrder = []CallStep{
	StepOrderConfirmation,
	StepAddressConfirmation,
	StepPaymentConfirmation,
	StepDeliveryTime,
	StepCompleteConfirmed,
}

// NextStep returns the step after s in the scripted sequence. Terminal
// steps return themselves.
func NextStep(s CallStep) CallStep {
	for i, cur := range stepOrder {
		if cur == s && i+1 < len(stepOrder) {
			return stepOrder[i+1]
		}
	}
	return s
}

// IsTerminalStep reports whether no further transitions follow s.
func IsTerminalStep(s CallStep) bool {
	return s == StepCompleteConfirmed || s == StepCompleteCancelled
}

// CallOutcome is the terminal result of a call session. Empty means the
// call is still in progress; Scheduled is a transient placeholder for a
// call deferred by the calling window.
type CallOutcome string

const (
	OutcomeNone             CallOutcome = ""
	OutcomeScheduled        CallOutcome = "scheduled"
	OutcomeConfirmed        CallOutcome = "confirmed"
	OutcomeChanged          CallOutcome = "changed"
	OutcomeCancelled        CallOutcome = "cancelled"
	OutcomeNoAnswer         CallOutcome = "no_answer"
	OutcomeCallbackRequired CallOutcome = "callback_required"
	OutcomeFailed           CallOutcome = "failed"
)

// IsTerminalOutcome reports whether o is write-once-terminal.
func IsTerminalOutcome(o CallOutcome) bool {
	return o != OutcomeNone && o != OutcomeScheduled
}

// Intent is the classified meaning of a customer utterance.
type Intent string

const (
	IntentConfirm Intent = "CONFIRM"
	IntentChange  Intent = "CHANGE"
	IntentCancel  Intent = "CANCEL"
	IntentUnclear Intent = "UNCLEAR"
)

// StepResponse records one step or tool invocation on a call session.
type StepResponse struct {
	Raw    string `json:"raw"`
	Intent Intent `json:"intent,omitempty"`
	Result string `json:"result,omitempty"`
}

// CallSession drives a single outbound confirmation call.
type CallSession struct {
	ID          string
	OrderID     string
	ProviderRef string
	CurrentStep CallStep
	Outcome     CallOutcome
	Responses   map[string]StepResponse
	Transcript  string
	RetryCount  int32
	NextRetryAt *time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	DurationSec int32
}
