package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a Stripe-style HTTP API: form-encoded requests, bearer
// auth, 402 on declined charges.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient builds a gateway client. The timeout bounds every outbound
// call; a timed-out capture leaves the ledger row pending so reconciliation
// can inspect actual gateway state.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity {
		var errBody struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &DeclineError{Code: errBody.Error.Code, Message: errBody.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway %s returned status %d: %s", path, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

// amountMinorUnits converts a decimal amount to the gateway's integer
// minor-unit representation.
func amountMinorUnits(amount float64) int64 {
	return int64(amount*100 + 0.5)
}

func (c *Client) ChargeOffSession(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	form := url.Values{}
	form.Set("customer", req.CustomerRef)
	form.Set("payment_method", req.PaymentMethodRef)
	form.Set("amount", strconv.FormatInt(amountMinorUnits(req.Amount), 10))
	form.Set("currency", req.Currency)
	form.Set("off_session", "true")
	form.Set("confirm", "true")
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, &out); err != nil {
		return ChargeResult{}, err
	}
	log.Printf("[Gateway] Charged %s %.2f %s -> %s (%s)", req.CustomerRef, req.Amount, req.Currency, out.ID, out.Status)
	return ChargeResult{ChargeRef: out.ID, Status: out.Status}, nil
}

// FindOrCreatePrice reuses an existing recurring price matching the
// product, interval, amount and currency before creating a new one, so
// repeated subscription orders do not proliferate prices.
func (c *Client) FindOrCreatePrice(ctx context.Context, req PriceRequest) (string, error) {
	interval := "month"
	if req.Interval == "yearly" {
		interval = "year"
	}
	amount := amountMinorUnits(req.Amount)

	var list struct {
		Data []struct {
			ID         string `json:"id"`
			UnitAmount int64  `json:"unit_amount"`
			Currency   string `json:"currency"`
			Recurring  struct {
				Interval string `json:"interval"`
			} `json:"recurring"`
			Product struct {
				Name string `json:"name"`
			} `json:"product"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("active", "true")
	q.Set("limit", "100")
	if err := c.do(ctx, http.MethodGet, "/v1/prices?"+q.Encode(), nil, &list); err != nil {
		return "", err
	}
	for _, p := range list.Data {
		if p.UnitAmount == amount && strings.EqualFold(p.Currency, req.Currency) &&
			p.Recurring.Interval == interval && p.Product.Name == req.ProductName {
			return p.ID, nil
		}
	}

	form := url.Values{}
	form.Set("unit_amount", strconv.FormatInt(amount, 10))
	form.Set("currency", req.Currency)
	form.Set("recurring[interval]", interval)
	form.Set("product_data[name]", req.ProductName)
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/prices", form, &created); err != nil {
		return "", err
	}
	log.Printf("[Gateway] Created recurring price %s (%s/%s %.2f)", created.ID, req.ProductName, req.Interval, req.Amount)
	return created.ID, nil
}

func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionResult, error) {
	form := url.Values{}
	form.Set("customer", req.CustomerRef)
	form.Set("default_payment_method", req.PaymentMethodRef)
	form.Set("items[0][price]", req.PriceRef)

	var out struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		LatestInvoice string `json:"latest_invoice"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions", form, &out); err != nil {
		return SubscriptionResult{}, err
	}
	log.Printf("[Gateway] Created subscription %s (%s)", out.ID, out.Status)
	return SubscriptionResult{SubscriptionRef: out.ID, Status: out.Status, InvoiceRef: out.LatestInvoice}, nil
}

// CancelAuthorization releases a hold. Zero-charge setup holds have no
// authorization to release; callers skip the gateway in that case.
func (c *Client) CancelAuthorization(ctx context.Context, authorizationRef string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+authorizationRef+"/cancel", url.Values{}, nil); err != nil {
		return err
	}
	log.Printf("[Gateway] Released authorization %s", authorizationRef)
	return nil
}
