// Package memory is an in-memory datastore with the same conditional-write
// semantics as the postgres repository. It backs unit tests and the BDD
// suite; nothing in the server binaries uses it.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
)

type Store struct {
	mu        sync.Mutex
	orders    map[string]*domain.Order
	payments  map[string]*domain.Payment
	sessions  map[string]*domain.CallSession
	processed map[string]string
}

func NewStore() *Store {
	return &Store{
		orders:    make(map[string]*domain.Order),
		payments:  make(map[string]*domain.Payment),
		sessions:  make(map[string]*domain.CallSession),
		processed: make(map[string]string),
	}
}

// ---- idempotency ledger ----

func (s *Store) MarkEventProcessed(_ context.Context, eventID, eventContext string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; ok {
		return false, nil
	}
	s.processed[eventID] = eventContext
	return true, nil
}

func (s *Store) ForgetEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, eventID)
	return nil
}

// ---- orders ----

func (s *Store) InsertOrder(_ context.Context, order *domain.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	cp := *order
	cp.Items = append([]domain.LineItem(nil), order.Items...)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.orders[order.ID] = &cp
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *o
	cp.Items = append([]domain.LineItem(nil), o.Items...)
	return &cp, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, orderID string, to domain.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if !domain.CanTransitionOrder(o.Status, to) {
		return false, nil
	}
	if o.Status == to {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	if to == domain.OrderConfirmed {
		now := time.Now()
		o.ConfirmedAt = &now
	}
	return true, nil
}

func (s *Store) UpdateOrderPaymentStatus(_ context.Context, orderID string, to domain.OrderPaymentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if !domain.CanTransitionPayment(o.PaymentStatus, to) {
		return false, nil
	}
	if o.PaymentStatus == to {
		return false, nil
	}
	o.PaymentStatus = to
	o.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) SetOrderGatewayCustomer(_ context.Context, orderID, customerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return sql.ErrNoRows
	}
	o.GatewayCustomerRef = customerRef
	return nil
}

func (s *Store) UpdateOrderItems(_ context.Context, orderID string, items []domain.LineItem, total float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return sql.ErrNoRows
	}
	o.Items = append([]domain.LineItem(nil), items...)
	o.TotalAmount = total
	o.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateOrderAddress(_ context.Context, orderID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return sql.ErrNoRows
	}
	o.DeliveryAddress = address
	o.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateOrderDeliveryTime(_ context.Context, orderID, deliveryTime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return sql.ErrNoRows
	}
	o.DeliveryTime = deliveryTime
	o.UpdatedAt = time.Now()
	return nil
}

// ---- payments ----

func (s *Store) InsertPayment(_ context.Context, p *domain.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.EventID == p.EventID {
			return false, nil
		}
	}
	if p.Status == domain.PaymentPending {
		for _, existing := range s.payments {
			if existing.OrderID == p.OrderID && existing.Status == domain.PaymentPending {
				return false, fmt.Errorf("order %s already has a pending payment", p.OrderID)
			}
		}
	}
	cp := *p
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.payments[p.ID] = &cp
	return true, nil
}

func (s *Store) GetPendingPayment(_ context.Context, orderID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrderID == orderID && p.Status == domain.PaymentPending {
			cp := *p
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *Store) GetPayment(_ context.Context, paymentID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ResolvePendingPayment(_ context.Context, paymentID string, to domain.PaymentState, subscriptionRef, invoiceRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok || p.Status != domain.PaymentPending {
		return false, nil
	}
	p.Status = to
	if subscriptionRef != "" {
		p.SubscriptionRef = subscriptionRef
	}
	if invoiceRef != "" {
		p.InvoiceRef = invoiceRef
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) MirrorPendingPaymentAmount(_ context.Context, orderID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrderID == orderID && p.Status == domain.PaymentPending {
			p.Amount = amount
			p.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *Store) UpdateSubscriptionStatus(_ context.Context, subscriptionRef, subStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.SubscriptionRef == subscriptionRef {
			p.SubStatus = subStatus
			p.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *Store) GetOrderIDBySubscription(_ context.Context, subscriptionRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.SubscriptionRef == subscriptionRef {
			return p.OrderID, nil
		}
	}
	return "", sql.ErrNoRows
}

// ---- call sessions ----

func (s *Store) InsertCallSession(_ context.Context, sess *domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.OrderID == sess.OrderID && !domain.IsTerminalOutcome(existing.Outcome) {
			return fmt.Errorf("order %s already has an open call session", sess.OrderID)
		}
	}
	cp := *sess
	if cp.Responses == nil {
		cp.Responses = make(map[string]domain.StepResponse)
	}
	if cp.CurrentStep == "" {
		cp.CurrentStep = domain.StepOrderConfirmation
	}
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetCallSession(_ context.Context, sessionID string) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return copySession(sess), nil
}

func (s *Store) GetCallSessionByProviderRef(_ context.Context, providerRef string) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ProviderRef == providerRef {
			return copySession(sess), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *Store) GetOpenCallSession(_ context.Context, orderID string) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.OrderID == orderID && !domain.IsTerminalOutcome(sess.Outcome) {
			return copySession(sess), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *Store) SetCallStarted(_ context.Context, sessionID, providerRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	sess.ProviderRef = providerRef
	sess.StartedAt = &at
	sess.Outcome = domain.OutcomeNone
	sess.CurrentStep = domain.StepOrderConfirmation
	sess.NextRetryAt = nil
	return nil
}

func (s *Store) UpdateCallStep(_ context.Context, sessionID string, step domain.CallStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	sess.CurrentStep = step
	return nil
}

func (s *Store) AppendCallResponse(_ context.Context, sessionID, key string, resp domain.StepResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	if sess.Responses == nil {
		sess.Responses = make(map[string]domain.StepResponse)
	}
	sess.Responses[key] = resp
	return nil
}

func (s *Store) SetCallOutcome(_ context.Context, sessionID string, outcome domain.CallOutcome, transcript string, endedAt time.Time, durationSec int32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	if sess.Outcome != domain.OutcomeNone && sess.Outcome != domain.OutcomeScheduled {
		return false, nil
	}
	sess.Outcome = outcome
	if transcript != "" {
		sess.Transcript = transcript
	}
	sess.EndedAt = &endedAt
	sess.DurationSec = durationSec
	return true, nil
}

func (s *Store) FinalizeCallReport(_ context.Context, sessionID, transcript string, endedAt time.Time, durationSec int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	if transcript != "" {
		sess.Transcript = transcript
	}
	sess.EndedAt = &endedAt
	sess.DurationSec = durationSec
	return nil
}

func (s *Store) SetCallRetryAt(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	sess.NextRetryAt = &at
	return nil
}

func (s *Store) ClaimRetry(_ context.Context, sessionID string, maxRetries int32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Outcome != domain.OutcomeNoAnswer || sess.RetryCount >= maxRetries {
		return false, nil
	}
	sess.RetryCount++
	sess.Outcome = domain.OutcomeNone
	sess.NextRetryAt = nil
	return true, nil
}

func (s *Store) ClaimScheduled(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Outcome != domain.OutcomeScheduled {
		return false, nil
	}
	sess.Outcome = domain.OutcomeNone
	sess.NextRetryAt = nil
	return true, nil
}

func (s *Store) ListDueCalls(_ context.Context, maxRetries int32, now time.Time) ([]domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.CallSession
	for _, sess := range s.sessions {
		retryable := sess.Outcome == domain.OutcomeScheduled ||
			(sess.Outcome == domain.OutcomeNoAnswer && sess.RetryCount < maxRetries)
		if retryable && sess.NextRetryAt != nil && !sess.NextRetryAt.After(now) {
			due = append(due, *copySession(sess))
		}
	}
	return due, nil
}

func copySession(sess *domain.CallSession) *domain.CallSession {
	cp := *sess
	cp.Responses = make(map[string]domain.StepResponse, len(sess.Responses))
	for k, v := range sess.Responses {
		cp.Responses[k] = v
	}
	return &cp
}
