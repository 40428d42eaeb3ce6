package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
)

// Repository is a thin wrapper around *sql.DB intended for dependency
// injection. All order/payment/call mutations go through here; invariants
// that must hold across processes are enforced with conditional updates,
// never in-process locks.
type Repository struct {
	DB *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{DB: db}
}

// ---- Idempotency ledger ----

// MarkEventProcessed atomically records an external event id. It returns
// false when the event was already recorded, in which case the caller must
// treat the delivery as a no-op.
func (r *Repository) MarkEventProcessed(ctx context.Context, eventID, eventContext string) (bool, error) {
	if r.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	res, err := r.DB.ExecContext(ctx, `
        INSERT INTO processed_events (event_id, context)
        VALUES ($1, $2)
        ON CONFLICT (event_id) DO NOTHING
    `, eventID, eventContext)
	if err != nil {
		return false, fmt.Errorf("failed to record processed event %s: %w", eventID, err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ForgetEvent removes a ledger entry so a failed delivery can be retried
// by the sender.
func (r *Repository) ForgetEvent(ctx context.Context, eventID string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to forget event %s: %w", eventID, err)
	}
	return nil
}

// ---- Orders ----

// InsertOrder validates and inserts an order with its line items.
func (r *Repository) InsertOrder(ctx context.Context, o *domain.Order) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := o.Validate(); err != nil {
		return err
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `
        INSERT INTO orders (id, customer_name, customer_phone, customer_email,
            items, total_amount, currency, delivery_address, delivery_instructions,
            delivery_time, payment_type, billing_cycle, payment_status, status,
            gateway_customer_ref)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
    `, o.ID, o.CustomerName, o.CustomerPhone, o.CustomerEmail,
		items, o.TotalAmount, o.Currency, o.DeliveryAddress, o.DeliveryInstructions,
		o.DeliveryTime, string(o.PaymentType), string(o.BillingCycle),
		string(o.PaymentStatus), string(o.Status), o.GatewayCustomerRef)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	log.Printf("[DB] Inserted order: %s", o.ID)
	return nil
}

// GetOrder loads an order by id, decoding its line items at the boundary.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if r.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	row := r.DB.QueryRowContext(ctx, `
        SELECT id, customer_name, customer_phone, COALESCE(customer_email, ''),
               items, total_amount, currency, delivery_address,
               COALESCE(delivery_instructions, ''), COALESCE(delivery_time, ''),
               payment_type, COALESCE(billing_cycle, ''), payment_status, status,
               COALESCE(gateway_customer_ref, ''), created_at, updated_at, confirmed_at
        FROM orders WHERE id = $1
    `, orderID)

	var (
		o           domain.Order
		rawItems    []byte
		confirmedAt sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.CustomerName, &o.CustomerPhone, &o.CustomerEmail,
		&rawItems, &o.TotalAmount, &o.Currency, &o.DeliveryAddress,
		&o.DeliveryInstructions, &o.DeliveryTime,
		(*string)(&o.PaymentType), (*string)(&o.BillingCycle),
		(*string)(&o.PaymentStatus), (*string)(&o.Status),
		&o.GatewayCustomerRef, &o.CreatedAt, &o.UpdatedAt, &confirmedAt); err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if err := json.Unmarshal(rawItems, &o.Items); err != nil {
		return nil, fmt.Errorf("order %s has malformed items: %w", orderID, err)
	}
	if confirmedAt.Valid {
		o.ConfirmedAt = &confirmedAt.Time
	}
	return &o, nil
}

// UpdateOrderStatus advances the order status with an optimistic guard on
// the current value. Returns false when the transition was not applied,
// either because the status lattice forbids it or another writer won.
func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID string, to domain.OrderStatus) (bool, error) {
	cur, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !domain.CanTransitionOrder(cur.Status, to) {
		return false, nil
	}
	confirmedAt := ""
	if to == domain.OrderConfirmed {
		confirmedAt = ", confirmed_at = CURRENT_TIMESTAMP"
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE orders SET status = $1, updated_at = CURRENT_TIMESTAMP`+confirmedAt+`
        WHERE id = $2 AND status = $3
    `, string(to), orderID, string(cur.Status))
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		log.Printf("[DB] Updated order status: %s %s -> %s", orderID, cur.Status, to)
	}
	return rows > 0, nil
}

// UpdateOrderPaymentStatus advances the order payment status, same
// optimistic discipline as UpdateOrderStatus.
func (r *Repository) UpdateOrderPaymentStatus(ctx context.Context, orderID string, to domain.OrderPaymentStatus) (bool, error) {
	cur, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !domain.CanTransitionPayment(cur.PaymentStatus, to) {
		return false, nil
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE orders SET payment_status = $1, updated_at = CURRENT_TIMESTAMP
        WHERE id = $2 AND payment_status = $3
    `, string(to), orderID, string(cur.PaymentStatus))
	if err != nil {
		return false, fmt.Errorf("failed to update order payment status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		log.Printf("[DB] Updated order payment status: %s %s -> %s", orderID, cur.PaymentStatus, to)
	}
	return rows > 0, nil
}

// SetOrderGatewayCustomer records the gateway customer reference created at
// authorization time.
func (r *Repository) SetOrderGatewayCustomer(ctx context.Context, orderID, customerRef string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE orders SET gateway_customer_ref = $1, updated_at = CURRENT_TIMESTAMP
        WHERE id = $2
    `, customerRef, orderID); err != nil {
		return fmt.Errorf("failed to set order gateway customer: %w", err)
	}
	return nil
}

// UpdateOrderItems replaces the line items and total. Only the call session
// state machine calls this, and only while a call is active.
func (r *Repository) UpdateOrderItems(ctx context.Context, orderID string, items []domain.LineItem, total float64) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE orders SET items = $1, total_amount = $2, updated_at = CURRENT_TIMESTAMP
        WHERE id = $3
    `, raw, total, orderID); err != nil {
		return fmt.Errorf("failed to update order items: %w", err)
	}
	log.Printf("[DB] Updated order items: %s total=%.2f", orderID, total)
	return nil
}

// UpdateOrderAddress replaces the delivery address.
func (r *Repository) UpdateOrderAddress(ctx context.Context, orderID, address string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE orders SET delivery_address = $1, updated_at = CURRENT_TIMESTAMP
        WHERE id = $2
    `, address, orderID); err != nil {
		return fmt.Errorf("failed to update order address: %w", err)
	}
	return nil
}

// UpdateOrderDeliveryTime records the delivery time preference.
func (r *Repository) UpdateOrderDeliveryTime(ctx context.Context, orderID, deliveryTime string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE orders SET delivery_time = $1, updated_at = CURRENT_TIMESTAMP
        WHERE id = $2
    `, deliveryTime, orderID); err != nil {
		return fmt.Errorf("failed to update order delivery time: %w", err)
	}
	return nil
}

// ---- Payments ----

// InsertPayment inserts a payment ledger row keyed by the external event
// id. A duplicate insert is rejected and reported as (false, nil): the
// event was already applied.
func (r *Repository) InsertPayment(ctx context.Context, p *domain.Payment) (bool, error) {
	if r.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	res, err := r.DB.ExecContext(ctx, `
        INSERT INTO payments (id, order_id, event_id, authorization_ref,
            subscription_ref, invoice_ref, amount, currency, status,
            payment_method_ref, sub_status, sub_interval)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (event_id) DO NOTHING
    `, p.ID, p.OrderID, p.EventID, p.AuthorizationRef, p.SubscriptionRef,
		p.InvoiceRef, p.Amount, p.Currency, string(p.Status),
		p.PaymentMethodRef, p.SubStatus, p.SubInterval)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		log.Printf("[DB] Inserted payment: %s for order %s", p.ID, p.OrderID)
	}
	return rows > 0, nil
}

// GetPendingPayment returns the order's single pending ledger row.
func (r *Repository) GetPendingPayment(ctx context.Context, orderID string) (*domain.Payment, error) {
	if r.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	row := r.DB.QueryRowContext(ctx, `
        SELECT id, order_id, event_id, COALESCE(authorization_ref, ''),
               COALESCE(subscription_ref, ''), COALESCE(invoice_ref, ''),
               amount, currency, status, COALESCE(payment_method_ref, ''),
               COALESCE(sub_status, ''), COALESCE(sub_interval, ''),
               created_at, updated_at
        FROM payments WHERE order_id = $1 AND status = 'pending'
    `, orderID)
	var p domain.Payment
	if err := row.Scan(&p.ID, &p.OrderID, &p.EventID, &p.AuthorizationRef,
		&p.SubscriptionRef, &p.InvoiceRef, &p.Amount, &p.Currency,
		(*string)(&p.Status), &p.PaymentMethodRef, &p.SubStatus, &p.SubInterval,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to load pending payment for order %s: %w", orderID, err)
	}
	return &p, nil
}

// ResolvePendingPayment moves the pending row to a final state, recording
// any references picked up along the way. The WHERE status = 'pending'
// guard is the at-most-one-capture invariant: a second resolution attempt
// affects zero rows.
func (r *Repository) ResolvePendingPayment(ctx context.Context, paymentID string, to domain.PaymentState, subscriptionRef, invoiceRef string) (bool, error) {
	if r.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE payments
        SET status = $1,
            subscription_ref = COALESCE(NULLIF($2, ''), subscription_ref),
            invoice_ref = COALESCE(NULLIF($3, ''), invoice_ref),
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $4 AND status = 'pending'
    `, string(to), subscriptionRef, invoiceRef, paymentID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve payment %s: %w", paymentID, err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		log.Printf("[DB] Resolved payment %s -> %s", paymentID, to)
	}
	return rows > 0, nil
}

// MirrorPendingPaymentAmount keeps the pending ledger row in sync with an
// order total changed mid-call.
func (r *Repository) MirrorPendingPaymentAmount(ctx context.Context, orderID string, amount float64) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE payments SET amount = $1, updated_at = CURRENT_TIMESTAMP
        WHERE order_id = $2 AND status = 'pending'
    `, amount, orderID); err != nil {
		return fmt.Errorf("failed to mirror payment amount: %w", err)
	}
	return nil
}

// UpdateSubscriptionStatus mirrors a subscription lifecycle event onto the
// ledger rows carrying that subscription reference.
func (r *Repository) UpdateSubscriptionStatus(ctx context.Context, subscriptionRef, subStatus string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE payments SET sub_status = $1, updated_at = CURRENT_TIMESTAMP
        WHERE subscription_ref = $2
    `, subStatus, subscriptionRef); err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

// GetOrderIDBySubscription resolves the order a subscription belongs to.
func (r *Repository) GetOrderIDBySubscription(ctx context.Context, subscriptionRef string) (string, error) {
	if r.DB == nil {
		return "", fmt.Errorf("database not initialized")
	}
	var orderID string
	err := r.DB.QueryRowContext(ctx, `
        SELECT order_id FROM payments WHERE subscription_ref = $1
        ORDER BY created_at DESC LIMIT 1
    `, subscriptionRef).Scan(&orderID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve subscription %s: %w", subscriptionRef, err)
	}
	return orderID, nil
}

// ---- Call sessions ----

// InsertCallSession creates a session row for a call about to be placed or
// deferred.
func (r *Repository) InsertCallSession(ctx context.Context, s *domain.CallSession) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	responses := s.Responses
	if responses == nil {
		responses = map[string]domain.StepResponse{}
	}
	raw, err := json.Marshal(responses)
	if err != nil {
		return fmt.Errorf("failed to encode call responses: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `
        INSERT INTO call_sessions (id, order_id, provider_ref, current_step,
            outcome, responses, retry_count, next_retry_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, s.ID, s.OrderID, s.ProviderRef, string(s.CurrentStep),
		string(s.Outcome), raw, s.RetryCount, s.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to insert call session: %w", err)
	}
	log.Printf("[DB] Inserted call session: %s for order %s", s.ID, s.OrderID)
	return nil
}

func (r *Repository) scanCallSession(row *sql.Row) (*domain.CallSession, error) {
	var (
		s            domain.CallSession
		rawResponses []byte
		nextRetryAt  sql.NullTime
		startedAt    sql.NullTime
		endedAt      sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.OrderID, &s.ProviderRef,
		(*string)(&s.CurrentStep), (*string)(&s.Outcome), &rawResponses,
		&s.Transcript, &s.RetryCount, &nextRetryAt, &startedAt, &endedAt,
		&s.DurationSec); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawResponses, &s.Responses); err != nil {
		return nil, fmt.Errorf("call session %s has malformed responses: %w", s.ID, err)
	}
	if nextRetryAt.Valid {
		s.NextRetryAt = &nextRetryAt.Time
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}

const callSessionColumns = `id, order_id, COALESCE(provider_ref, ''), current_step,
    outcome, responses, COALESCE(transcript, ''), retry_count, next_retry_at,
    started_at, ended_at, COALESCE(duration_sec, 0)`

// GetCallSession loads a session by id.
func (r *Repository) GetCallSession(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	if r.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	s, err := r.scanCallSession(r.DB.QueryRowContext(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions WHERE id = $1`, sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load call session %s: %w", sessionID, err)
	}
	return s, nil
}

// GetCallSessionByProviderRef loads a session by the provider's call id.
func (r *Repository) GetCallSessionByProviderRef(ctx context.Context, providerRef string) (*domain.CallSession, error) {
	if r.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	s, err := r.scanCallSession(r.DB.QueryRowContext(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions WHERE provider_ref = $1`, providerRef))
	if err != nil {
		return nil, fmt.Errorf("failed to load call session for call %s: %w", providerRef, err)
	}
	return s, nil
}

// GetOpenCallSession returns the order's session with no terminal outcome,
// if any. At most one exists per order.
func (r *Repository) GetOpenCallSession(ctx context.Context, orderID string) (*domain.CallSession, error) {
	if r.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	s, err := r.scanCallSession(r.DB.QueryRowContext(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions
         WHERE order_id = $1 AND outcome IN ('', 'scheduled')`, orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to load open call session for order %s: %w", orderID, err)
	}
	return s, nil
}

// SetCallStarted records the provider call reference when dialing begins.
func (r *Repository) SetCallStarted(ctx context.Context, sessionID, providerRef string, at time.Time) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE call_sessions
        SET provider_ref = $1, started_at = $2, outcome = '',
            current_step = $3, next_retry_at = NULL
        WHERE id = $4
    `, providerRef, at, string(domain.StepOrderConfirmation), sessionID); err != nil {
		return fmt.Errorf("failed to mark call started: %w", err)
	}
	return nil
}

// UpdateCallStep moves the scripted flow to the given step.
func (r *Repository) UpdateCallStep(ctx context.Context, sessionID string, step domain.CallStep) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE call_sessions SET current_step = $1 WHERE id = $2
    `, string(step), sessionID); err != nil {
		return fmt.Errorf("failed to update call step: %w", err)
	}
	return nil
}

// AppendCallResponse merges one step/tool record into the responses map.
func (r *Repository) AppendCallResponse(ctx context.Context, sessionID, key string, resp domain.StepResponse) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	raw, err := json.Marshal(map[string]domain.StepResponse{key: resp})
	if err != nil {
		return fmt.Errorf("failed to encode call response: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE call_sessions SET responses = responses || $1::jsonb WHERE id = $2
    `, raw, sessionID); err != nil {
		return fmt.Errorf("failed to append call response: %w", err)
	}
	return nil
}

// SetCallOutcome writes a terminal outcome. The guard makes the outcome
// write-once: only an in-progress or scheduled session can be closed, so a
// racing second writer affects zero rows and must treat it as a no-op.
func (r *Repository) SetCallOutcome(ctx context.Context, sessionID string, outcome domain.CallOutcome, transcript string, endedAt time.Time, durationSec int32) (bool, error) {
	if r.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE call_sessions
        SET outcome = $1,
            transcript = COALESCE(NULLIF($2, ''), transcript),
            ended_at = $3, duration_sec = $4
        WHERE id = $5 AND outcome IN ('', 'scheduled')
    `, string(outcome), transcript, endedAt, durationSec, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to set call outcome: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		log.Printf("[DB] Call session %s outcome -> %s", sessionID, outcome)
	}
	return rows > 0, nil
}

// FinalizeCallReport records the provider's end-of-call report. Unlike the
// outcome, transcript and duration are authoritative from the provider and
// may arrive after a tool already closed the session.
func (r *Repository) FinalizeCallReport(ctx context.Context, sessionID, transcript string, endedAt time.Time, durationSec int32) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE call_sessions
        SET transcript = COALESCE(NULLIF($1, ''), transcript),
            ended_at = $2, duration_sec = $3
        WHERE id = $4
    `, transcript, endedAt, durationSec, sessionID); err != nil {
		return fmt.Errorf("failed to finalize call report: %w", err)
	}
	return nil
}

// SetCallRetryAt schedules the no-answer retry.
func (r *Repository) SetCallRetryAt(ctx context.Context, sessionID string, at time.Time) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `
        UPDATE call_sessions SET next_retry_at = $1 WHERE id = $2
    `, at, sessionID); err != nil {
		return fmt.Errorf("failed to schedule call retry: %w", err)
	}
	return nil
}

// ClaimRetry atomically claims a no-answer session for one more attempt.
// The conditional update makes the scheduler sweep safe against concurrent
// sweeps and late outcome webhooks: only one claimant sees rows > 0.
func (r *Repository) ClaimRetry(ctx context.Context, sessionID string, maxRetries int32) (bool, error) {
	if r.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE call_sessions
        SET retry_count = retry_count + 1, outcome = '', next_retry_at = NULL
        WHERE id = $1 AND outcome = 'no_answer' AND retry_count < $2
    `, sessionID, maxRetries)
	if err != nil {
		return false, fmt.Errorf("failed to claim call retry: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ClaimScheduled atomically claims a window-deferred session for dialing.
func (r *Repository) ClaimScheduled(ctx context.Context, sessionID string) (bool, error) {
	if r.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE call_sessions SET outcome = '', next_retry_at = NULL
        WHERE id = $1 AND outcome = 'scheduled'
    `, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduled call: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ListDueCalls returns sessions the periodic sweep should re-initiate:
// window-deferred calls whose window has opened and no-answer calls with
// retry budget left whose retry time has passed.
func (r *Repository) ListDueCalls(ctx context.Context, maxRetries int32, now time.Time) ([]domain.CallSession, error) {
	if r.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+callSessionColumns+` FROM call_sessions
        WHERE (outcome = 'scheduled' OR (outcome = 'no_answer' AND retry_count < $1))
          AND next_retry_at IS NOT NULL AND next_retry_at <= $2
        ORDER BY next_retry_at
    `, maxRetries, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due calls: %w", err)
	}
	defer rows.Close()

	var sessions []domain.CallSession
	for rows.Next() {
		var (
			s            domain.CallSession
			rawResponses []byte
			nextRetryAt  sql.NullTime
			startedAt    sql.NullTime
			endedAt      sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.OrderID, &s.ProviderRef,
			(*string)(&s.CurrentStep), (*string)(&s.Outcome), &rawResponses,
			&s.Transcript, &s.RetryCount, &nextRetryAt, &startedAt, &endedAt,
			&s.DurationSec); err != nil {
			return nil, fmt.Errorf("failed to scan due call: %w", err)
		}
		if err := json.Unmarshal(rawResponses, &s.Responses); err != nil {
			return nil, fmt.Errorf("call session %s has malformed responses: %w", s.ID, err)
		}
		if nextRetryAt.Valid {
			s.NextRetryAt = &nextRetryAt.Time
		}
		if startedAt.Valid {
			s.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due calls: %w", err)
	}
	return sessions, nil
}
