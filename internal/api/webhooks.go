// Package api is the webhook ingress: payment-gateway and call-provider
// events arrive here, get signature-checked and deduplicated, and are
// dispatched to the confirmation engine. Replies are bounded: 2xx when the
// event is applied or safely ignorable, non-2xx when the provider should
// re-deliver.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/confirmline/call-confirmation-pipeline/internal/callprovider"
	"github.com/confirmline/call-confirmation-pipeline/internal/confirmation"
	"github.com/confirmline/call-confirmation-pipeline/internal/gateway"
)

// EventLedger is the idempotency slice of the datastore. ForgetEvent undoes
// a mark when the dispatch fails, so the sender's re-delivery is not
// swallowed as a duplicate.
type EventLedger interface {
	MarkEventProcessed(ctx context.Context, eventID, eventContext string) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

// WebhookHandler holds the ingress dependencies.
type WebhookHandler struct {
	engine             *confirmation.Engine
	ledger             EventLedger
	gatewaySecret      string
	callSecret         string
	signatureTolerance time.Duration
}

func NewWebhookHandler(engine *confirmation.Engine, ledger EventLedger, gatewaySecret, callSecret string) *WebhookHandler {
	return &WebhookHandler{
		engine:             engine,
		ledger:             ledger,
		gatewaySecret:      gatewaySecret,
		callSecret:         callSecret,
		signatureTolerance: gateway.DefaultSignatureTolerance,
	}
}

// Register mounts the webhook routes on the mux.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.Handle("/webhooks/payment", otelhttp.NewHandler(http.HandlerFunc(h.handlePaymentWebhook), "payment-webhook"))
	mux.Handle("/webhooks/call", otelhttp.NewHandler(http.HandlerFunc(h.handleCallWebhook), "call-webhook"))
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
}

// ---- payment gateway ----

// gatewayEvent is the normalized gateway envelope. The object payload keeps
// provider naming (snake_case) so recorded fixtures replay unchanged.
type gatewayEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (h *WebhookHandler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.gatewaySecret == "" {
		log.Printf("[Webhook] No gateway webhook secret configured; accepting unsigned payload")
	} else if err := gateway.VerifyWebhookSignature(body, r.Header.Get("Gateway-Signature"), h.gatewaySecret, h.signatureTolerance, time.Now()); err != nil {
		log.Printf("[Webhook] Rejected payment webhook: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt gatewayEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if evt.ID == "" || evt.Type == "" {
		http.Error(w, "missing event id or type", http.StatusBadRequest)
		return
	}

	fresh, err := h.ledger.MarkEventProcessed(r.Context(), evt.ID, "payment:"+evt.Type)
	if err != nil {
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}
	if !fresh {
		log.Printf("[Webhook] Duplicate payment event %s (%s); acknowledged", evt.ID, evt.Type)
		respondReceived(w)
		return
	}

	if err := h.dispatchPaymentEvent(r.Context(), evt); err != nil {
		// Release the ledger row and answer non-2xx so the gateway
		// re-delivers. The dispatch targets tolerate the partial effects of
		// the failed attempt via their conditional writes.
		if forgetErr := h.ledger.ForgetEvent(r.Context(), evt.ID); forgetErr != nil {
			log.Printf("[Webhook] Failed to release ledger entry %s: %v", evt.ID, forgetErr)
		}
		log.Printf("[Webhook] Failed to apply payment event %s (%s): %v", evt.ID, evt.Type, err)
		http.Error(w, "failed to apply event", http.StatusInternalServerError)
		return
	}
	respondReceived(w)
}

func (h *WebhookHandler) dispatchPaymentEvent(ctx context.Context, evt gatewayEvent) error {
	switch evt.Type {
	case "setup_intent.succeeded", "payment_intent.amount_capturable_updated":
		var obj struct {
			Metadata struct {
				OrderID string `json:"order_id"`
			} `json:"metadata"`
			Customer      string  `json:"customer"`
			PaymentMethod string  `json:"payment_method"`
			ID            string  `json:"id"`
			Amount        float64 `json:"amount"`
			Currency      string  `json:"currency"`
		}
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return err
		}
		if obj.Metadata.OrderID == "" {
			log.Printf("[Webhook] Authorization event %s without an order id; ignoring", evt.ID)
			return nil
		}
		return h.engine.ApplyAuthorization(ctx, confirmation.AuthorizationEvent{
			EventID:          evt.ID,
			OrderID:          obj.Metadata.OrderID,
			CustomerRef:      obj.Customer,
			PaymentMethodRef: obj.PaymentMethod,
			AuthorizationRef: obj.ID,
			Amount:           obj.Amount / 100,
			Currency:         obj.Currency,
		})

	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var obj struct {
			Metadata struct {
				OrderID string `json:"order_id"`
			} `json:"metadata"`
			ID string `json:"id"`
		}
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return err
		}
		if obj.Metadata.OrderID == "" {
			return nil
		}
		status := map[string]string{
			"payment_intent.succeeded":      "succeeded",
			"payment_intent.payment_failed": "failed",
			"payment_intent.canceled":       "cancelled",
		}[evt.Type]
		return h.engine.ApplyChargeEvent(ctx, confirmation.ChargeEvent{
			EventID:   evt.ID,
			OrderID:   obj.Metadata.OrderID,
			ChargeRef: obj.ID,
			Status:    status,
		})

	case "customer.subscription.created", "customer.subscription.deleted":
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return err
		}
		status := "created"
		if evt.Type == "customer.subscription.deleted" {
			status = "deleted"
		}
		return h.engine.ApplySubscriptionEvent(ctx, confirmation.SubscriptionEvent{
			EventID:         evt.ID,
			SubscriptionRef: obj.ID,
			Status:          status,
		})

	case "invoice.paid", "invoice.payment_failed":
		var obj struct {
			ID           string  `json:"id"`
			Subscription string  `json:"subscription"`
			AmountDue    float64 `json:"amount_due"`
			Currency     string  `json:"currency"`
		}
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return err
		}
		return h.engine.ApplyInvoiceEvent(ctx, confirmation.InvoiceEvent{
			EventID:         evt.ID,
			SubscriptionRef: obj.Subscription,
			InvoiceRef:      obj.ID,
			Amount:          obj.AmountDue / 100,
			Currency:        obj.Currency,
			Paid:            evt.Type == "invoice.paid",
		})

	default:
		log.Printf("[Webhook] Ignoring payment event type %s", evt.Type)
		return nil
	}
}

// ---- call provider ----

// callEvent covers the three provider callbacks: status updates, tool
// invocations (scripted providers send speech results instead), and the
// end-of-call report.
type callEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // status-update, tool-call, speech-result, end-of-call-report
	CallRef string `json:"call_id"`
	Status  string `json:"status,omitempty"`

	ToolCall *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_call,omitempty"`

	Speech *struct {
		Text         string `json:"text"`
		Intent       string `json:"intent,omitempty"`
		ItemName     string `json:"item_name,omitempty"`
		NewQuantity  int32  `json:"new_quantity,omitempty"`
		NewAddress   string `json:"new_address,omitempty"`
		DeliveryTime string `json:"delivery_time,omitempty"`
	} `json:"speech,omitempty"`

	EndedReason string `json:"ended_reason,omitempty"`
	Transcript  string `json:"transcript,omitempty"`
	DurationSec int32  `json:"duration_seconds,omitempty"`
}

// toolReply is what the voice assistant speaks back to the customer.
type toolReply struct {
	Result  string `json:"result"`
	EndCall bool   `json:"end_call,omitempty"`
}

func (h *WebhookHandler) handleCallWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.callSecret == "" {
		log.Printf("[Webhook] No call webhook secret configured; accepting unsigned payload")
	} else if err := callprovider.VerifyCallSignature(body, r.Header.Get("X-Call-Signature"), h.callSecret); err != nil {
		log.Printf("[Webhook] Rejected call webhook: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt callEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if evt.CallRef == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return
	}

	// Tool calls and speech results are interactive: the provider holds the
	// live call open for the reply, so they are handled synchronously and
	// are not deduplicated through the ledger (the engine's conditional
	// writes absorb repeats, and the reply must be recomputed either way).
	switch evt.Type {
	case "tool-call":
		if evt.ToolCall == nil {
			http.Error(w, "missing tool_call", http.StatusBadRequest)
			return
		}
		res, err := h.engine.HandleTool(r.Context(), evt.CallRef, confirmation.ToolRequest{
			Tool: evt.ToolCall.Name,
			Args: evt.ToolCall.Arguments,
		})
		if err != nil {
			h.replyCallError(w, evt, err)
			return
		}
		respondJSON(w, toolReply{Result: res.Result, EndCall: res.EndCall})
		return

	case "speech-result":
		if evt.Speech == nil {
			http.Error(w, "missing speech", http.StatusBadRequest)
			return
		}
		_, res, err := h.engine.HandleUtterance(r.Context(), evt.CallRef, confirmation.Utterance{
			Text:         evt.Speech.Text,
			Intent:       evt.Speech.Intent,
			ItemName:     evt.Speech.ItemName,
			NewQuantity:  evt.Speech.NewQuantity,
			NewAddress:   evt.Speech.NewAddress,
			DeliveryTime: evt.Speech.DeliveryTime,
		})
		if err != nil {
			h.replyCallError(w, evt, err)
			return
		}
		respondJSON(w, toolReply{Result: res.Result, EndCall: res.EndCall})
		return

	case "end-of-call-report":
		if evt.ID != "" {
			fresh, err := h.ledger.MarkEventProcessed(r.Context(), evt.ID, "call:"+evt.Type)
			if err != nil {
				http.Error(w, "ledger unavailable", http.StatusInternalServerError)
				return
			}
			if !fresh {
				log.Printf("[Webhook] Duplicate end-of-call report %s; acknowledged", evt.ID)
				respondReceived(w)
				return
			}
		}
		if err := h.engine.CompleteCall(r.Context(), confirmation.CallReport{
			CallRef:     evt.CallRef,
			EndedReason: evt.EndedReason,
			Transcript:  evt.Transcript,
			DurationSec: evt.DurationSec,
		}); err != nil {
			if evt.ID != "" {
				if forgetErr := h.ledger.ForgetEvent(r.Context(), evt.ID); forgetErr != nil {
					log.Printf("[Webhook] Failed to release ledger entry %s: %v", evt.ID, forgetErr)
				}
			}
			h.replyCallError(w, evt, err)
			return
		}
		respondReceived(w)
		return

	case "status-update":
		log.Printf("[Webhook] Call %s status: %s", evt.CallRef, evt.Status)
		respondReceived(w)
		return

	default:
		log.Printf("[Webhook] Ignoring call event type %s", evt.Type)
		respondReceived(w)
		return
	}
}

// replyCallError maps engine failures to the bounded reply contract: an
// unknown call ref is permanent (2xx so the provider stops re-sending),
// everything else asks for re-delivery.
func (h *WebhookHandler) replyCallError(w http.ResponseWriter, evt callEvent, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("[Webhook] No session for call %s (%s); acknowledging", evt.CallRef, evt.Type)
		respondReceived(w)
		return
	}
	log.Printf("[Webhook] Failed to apply call event %s for call %s: %v", evt.Type, evt.CallRef, err)
	http.Error(w, "failed to apply event", http.StatusInternalServerError)
}

func respondReceived(w http.ResponseWriter) {
	respondJSON(w, map[string]string{"status": "received"})
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
