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

// AssistantClient drives a voice-AI vendor that runs the conversation
// itself and reports tool invocations to the server URL. The five tools
// below are the whole in-call protocol; everything else stays with the
// assistant.
type AssistantClient struct {
	baseURL     string
	apiKey      string
	assistantID string
	fromNumber  string
	http        *http.Client
}

func NewAssistantClient(baseURL, apiKey, assistantID, fromNumber string, timeout time.Duration) *AssistantClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AssistantClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		assistantID: assistantID,
		fromNumber:  fromNumber,
		http:        &http.Client{Timeout: timeout},
	}
}

func toolDef(name, description string, params map[string]any) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": params,
			},
		},
	}
}

func (c *AssistantClient) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	payload := map[string]any{
		"assistant_id":        c.assistantID,
		"phone_number":        req.ToNumber,
		"from":                c.fromNumber,
		"server_url":          req.CallbackURL,
		"recording_enabled":   req.Record,
		"first_message":       fmt.Sprintf("Hello %s, calling to confirm your order. %s", req.CustomerName, req.Summary),
		"metadata":            map[string]string{"order_id": req.OrderID, "session_id": req.SessionID},
		"tools": []map[string]any{
			toolDef("confirm_order", "Customer confirms the order as-is.",
				map[string]any{"delivery_time": map[string]any{"type": "string"}}),
			toolDef("change_quantity", "Change the quantity of one line item; 0 removes it.",
				map[string]any{
					"item_name":    map[string]any{"type": "string"},
					"new_quantity": map[string]any{"type": "integer"},
				}),
			toolDef("change_address", "Replace the delivery address.",
				map[string]any{"new_address": map[string]any{"type": "string"}}),
			toolDef("cancel_order", "Customer cancels the order.",
				map[string]any{"reason": map[string]any{"type": "string"}}),
			toolDef("request_callback", "Customer asks for a human follow-up call.",
				map[string]any{"reason": map[string]any{"type": "string"}}),
		},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/calls", payload, &out); err != nil {
		return "", err
	}
	log.Printf("[CallProvider] Placed assistant call %s to %s (order %s)", out.ID, req.ToNumber, req.OrderID)
	return out.ID, nil
}

func (c *AssistantClient) EndCall(ctx context.Context, callRef string) error {
	return c.post(ctx, "/v1/calls/"+callRef+"/hangup", map[string]any{}, nil)
}

func (c *AssistantClient) post(ctx context.Context, path string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode assistant request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to build assistant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("assistant request %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("assistant %s returned status %d: %s", path, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode assistant response: %w", err)
		}
	}
	return nil
}
