// Package callprovider abstracts the telephony / voice-AI vendor surface:
// place an outbound call, terminate it programmatically, verify inbound
// webhook signatures. Two adapters exist for the two integration styles,
// a scripted-step telephony flow and a tool-invocation voice assistant,
// both feeding the same confirmation engine.
package callprovider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PlaceCallRequest carries everything either adapter needs to dial out.
type PlaceCallRequest struct {
	OrderID      string
	SessionID    string
	ToNumber     string
	CustomerName string
	// Summary is spoken at call start (order contents, total).
	Summary string
	// CallbackURL receives call-status, speech and end-of-call events.
	CallbackURL string
	Record      bool
}

// Dialer places and terminates outbound calls.
type Dialer interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (callRef string, err error)
	EndCall(ctx context.Context, callRef string) error
}

// VerifyCallSignature checks the hex HMAC-SHA256 of the raw body carried in
// the provider's signature header.
func VerifyCallSignature(payload []byte, header, secret string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(header), []byte(expected)) {
		return fmt.Errorf("call webhook signature mismatch")
	}
	return nil
}

// SignCallPayload produces a header VerifyCallSignature accepts.
func SignCallPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
