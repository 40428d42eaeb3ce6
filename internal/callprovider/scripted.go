package callprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ScriptedClient drives a generic telephony provider that walks a fixed
// prompt script and posts each speech result back to the callback URL. The
// engine advances the step sequence from those events.
type ScriptedClient struct {
	baseURL    string
	apiKey     string
	fromNumber string
	http       *http.Client
}

func NewScriptedClient(baseURL, apiKey, fromNumber string, timeout time.Duration) *ScriptedClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ScriptedClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		fromNumber: fromNumber,
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *ScriptedClient) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	payload := map[string]any{
		"to":           req.ToNumber,
		"from":         c.fromNumber,
		"callback_url": req.CallbackURL,
		"record":       req.Record,
		"metadata": map[string]string{
			"order_id":   req.OrderID,
			"session_id": req.SessionID,
		},
		"script": []map[string]string{
			{"step": "ORDER_CONFIRMATION", "prompt": fmt.Sprintf("Hello %s. %s Is that correct?", req.CustomerName, req.Summary)},
			{"step": "ADDRESS_CONFIRMATION", "prompt": "Can you confirm the delivery address?"},
			{"step": "PAYMENT_CONFIRMATION", "prompt": "Shall we charge the card on file?"},
			{"step": "DELIVERY_TIME", "prompt": "When would you like the delivery?"},
		},
	}
	var out struct {
		CallID string `json:"call_id"`
	}
	if err := c.post(ctx, "/v1/calls", payload, &out); err != nil {
		return "", err
	}
	log.Printf("[CallProvider] Placed scripted call %s to %s (order %s)", out.CallID, req.ToNumber, req.OrderID)
	return out.CallID, nil
}

func (c *ScriptedClient) EndCall(ctx context.Context, callRef string) error {
	return c.post(ctx, "/v1/calls/"+callRef+"/end", map[string]any{}, nil)
}

func (c *ScriptedClient) post(ctx context.Context, path string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode call request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to build call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call provider request %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("call provider %s returned status %d: %s", path, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode call provider response: %w", err)
		}
	}
	return nil
}
