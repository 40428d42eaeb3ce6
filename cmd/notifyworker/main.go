package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"github.com/confirmline/call-confirmation-pipeline/internal/config"
	"github.com/confirmline/call-confirmation-pipeline/internal/email"
	"github.com/confirmline/call-confirmation-pipeline/internal/events"
)

func main() {
	_ = godotenv.Load()
	log.Println("Notify worker starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[notify-worker] config: %v", err)
	}
	startConsumer(cfg)
}

func startConsumer(cfg config.Config) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupTopics: []string{cfg.Kafka.ConfirmationsTopic, cfg.Kafka.NotificationsTopic},
		GroupID:     cfg.Kafka.NotifyGroup,
		MinBytes:    1e3, MaxBytes: 10e6,
	})
	defer reader.Close()

	sender := pickSender()
	log.Printf("[notify-worker] consuming (group=%s)", cfg.Kafka.NotifyGroup)
	for {
		msg, err := reader.ReadMessage(context.Background())
		if err != nil {
			log.Printf("[notify-worker] read error: %v", err)
			return
		}

		var evt events.Envelope
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("[notify-worker] bad json: %v; payload=%s", err, string(msg.Value))
			continue
		}

		switch evt.EventType {
		case events.TypeFollowupRequired:
			handleFollowupRequired(sender, evt)
		case events.TypePaymentCaptureFailed:
			handleCaptureFailed(sender, evt)
		case events.TypePaymentCaptured:
			handleCaptured(sender, evt)
		default:
			// CallCompleted and OrderCancelled carry no email action.
		}
	}
}

func handleFollowupRequired(sender email.Sender, evt events.Envelope) {
	data := toMap(evt.Data)
	orderID := toString(data["orderId"])
	reason := toString(data["reason"])
	to := getenv("FOLLOWUP_TO_EMAIL", "ops@example.local")

	body := email.RenderFollowupEmail(orderID, reason)
	if err := sender.Send(to, "Order needs a human follow-up", body); err != nil {
		log.Printf("[notify-worker] send failed: %v", err)
		return
	}
	log.Printf("[notify-worker] sent follow-up email to=%s order=%s reason=%q", to, orderID, reason)
}

func handleCaptureFailed(sender email.Sender, evt events.Envelope) {
	data := toMap(evt.Data)
	orderID := toString(data["orderId"])
	reason := toString(data["reason"])
	to := getenv("FOLLOWUP_TO_EMAIL", "ops@example.local")

	body := email.RenderFollowupEmail(orderID, "payment capture failed: "+reason)
	if err := sender.Send(to, "Payment capture failed", body); err != nil {
		log.Printf("[notify-worker] send failed: %v", err)
		return
	}
	log.Printf("[notify-worker] sent capture-failed email to=%s order=%s", to, orderID)
}

func handleCaptured(sender email.Sender, evt events.Envelope) {
	data := toMap(evt.Data)
	orderID := toString(data["orderId"])
	total := toFloat(data["totalAmount"])
	currency := toString(data["currency"])
	to := getenv("RECEIPT_TO_EMAIL", "test@example.local")

	body := email.RenderCapturedEmail(orderID, total, currency)
	if err := sender.Send(to, "Your order is confirmed", body); err != nil {
		log.Printf("[notify-worker] send failed: %v", err)
		return
	}
	log.Printf("[notify-worker] sent receipt email to=%s order=%s total=%.2f", to, orderID, total)
}

func pickSender() email.Sender {
	if os.Getenv("SMTP_HOST") != "" || os.Getenv("SMTP_PORT") != "" {
		return email.NewSMTPSender()
	}
	return email.LogSender{}
}

// helpers
func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
