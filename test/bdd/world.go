package bdd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cucumber/godog"

	internalapi "github.com/confirmline/call-confirmation-pipeline/internal/api"
	"github.com/confirmline/call-confirmation-pipeline/internal/callprovider"
	"github.com/confirmline/call-confirmation-pipeline/internal/callwindow"
	"github.com/confirmline/call-confirmation-pipeline/internal/capture"
	"github.com/confirmline/call-confirmation-pipeline/internal/confirmation"
	"github.com/confirmline/call-confirmation-pipeline/internal/gateway"
	"github.com/confirmline/call-confirmation-pipeline/internal/storage/memory"
)

const (
	worldGatewaySecret = "whsec_bdd"
	worldCallSecret    = "callsec_bdd"
)

// recordingDialer hands out sequential call refs and never touches a
// network.
type recordingDialer struct {
	placed []callprovider.PlaceCallRequest
}

func (d *recordingDialer) PlaceCall(_ context.Context, req callprovider.PlaceCallRequest) (string, error) {
	d.placed = append(d.placed, req)
	return fmt.Sprintf("call-%d", len(d.placed)), nil
}

func (d *recordingDialer) EndCall(context.Context, string) error { return nil }

// recordingGateway settles charges locally so scenarios can assert on the
// captured amounts.
type recordingGateway struct {
	charges   []gateway.ChargeRequest
	released  []string
	subs      []gateway.SubscriptionRequest
	chargeErr error
}

func (g *recordingGateway) ChargeOffSession(_ context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	if g.chargeErr != nil {
		return gateway.ChargeResult{}, g.chargeErr
	}
	g.charges = append(g.charges, req)
	return gateway.ChargeResult{ChargeRef: fmt.Sprintf("ch_%d", len(g.charges)), Status: "succeeded"}, nil
}

func (g *recordingGateway) FindOrCreatePrice(context.Context, gateway.PriceRequest) (string, error) {
	return "price_bdd", nil
}

func (g *recordingGateway) CreateSubscription(_ context.Context, req gateway.SubscriptionRequest) (gateway.SubscriptionResult, error) {
	g.subs = append(g.subs, req)
	return gateway.SubscriptionResult{SubscriptionRef: "sub_bdd", Status: "active", InvoiceRef: "in_bdd"}, nil
}

func (g *recordingGateway) CancelAuthorization(_ context.Context, ref string) error {
	g.released = append(g.released, ref)
	return nil
}

type recordingNotifier struct{ reasons []string }

func (n *recordingNotifier) Notify(_ context.Context, _, reason string) error {
	n.reasons = append(n.reasons, reason)
	return nil
}

// ConfirmWorld wires the full pipeline over in-memory fakes and drives it
// through the real webhook ingress, signatures included.
type ConfirmWorld struct {
	t        *testing.T
	store    *memory.Store
	dialer   *recordingDialer
	gateway  *recordingGateway
	notifier *recordingNotifier
	engine   *confirmation.Engine
	server   *httptest.Server
	now      time.Time
	orderID  string
}

func NewConfirmWorld(t *testing.T) *ConfirmWorld {
	w := &ConfirmWorld{
		t:        t,
		store:    memory.NewStore(),
		dialer:   &recordingDialer{},
		gateway:  &recordingGateway{},
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC),
	}
	orch := capture.NewOrchestrator(w.store, w.gateway, w.notifier)
	w.engine = confirmation.NewEngine(w.store, orch, w.dialer,
		callwindow.Policy{StartHour: 9, EndHour: 21}, w.notifier, nil,
		confirmation.Config{
			MaxRetries:    1,
			RetryDelay:    30 * time.Minute,
			LookupBackoff: time.Millisecond,
		}).WithClock(func() time.Time { return w.now })

	mux := http.NewServeMux()
	internalapi.NewWebhookHandler(w.engine, w.store, worldGatewaySecret, worldCallSecret).Register(mux)
	w.server = httptest.NewServer(mux)
	t.Cleanup(w.server.Close)
	return w
}

func (w *ConfirmWorld) Register(sc *godog.ScenarioContext) {
	w.registerConfirmationSteps(sc)
}

// postPaymentWebhook signs and delivers a payment-gateway event.
func (w *ConfirmWorld) postPaymentWebhook(body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, w.server.URL+"/webhooks/payment", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Gateway-Signature", gateway.SignWebhookPayload(body, worldGatewaySecret, time.Now()))
	return http.DefaultClient.Do(req)
}

// postCallWebhook signs and delivers a call-provider event.
func (w *ConfirmWorld) postCallWebhook(body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, w.server.URL+"/webhooks/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Call-Signature", callprovider.SignCallPayload(body, worldCallSecret))
	return http.DefaultClient.Do(req)
}

func (w *ConfirmWorld) currentCallRef() (string, error) {
	if len(w.dialer.placed) == 0 {
		return "", fmt.Errorf("no call has been placed")
	}
	return fmt.Sprintf("call-%d", len(w.dialer.placed)), nil
}
