// Package notify is the escalation sink: exhausted call retries and fatal
// capture errors end up here for a human to pick up.
package notify

import (
	"context"
	"log"

	"github.com/confirmline/call-confirmation-pipeline/internal/events"
)

type Notifier interface {
	Notify(ctx context.Context, orderID, reason string) error
}

// KafkaNotifier publishes FollowupRequired events to the notifications
// topic; the notify worker turns them into emails.
type KafkaNotifier struct {
	producer *events.Producer
	topic    string
}

func NewKafkaNotifier(producer *events.Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (n *KafkaNotifier) Notify(ctx context.Context, orderID, reason string) error {
	return n.producer.Publish(ctx, n.topic, orderID, events.Envelope{
		EventType:    events.TypeFollowupRequired,
		EventVersion: "v1",
		AggregateID:  orderID,
		Data: map[string]any{
			"orderId": orderID,
			"reason":  reason,
		},
	})
}

// LogNotifier is the dev fallback when no brokers are configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, orderID, reason string) error {
	log.Printf("[Notify] order=%s reason=%q", orderID, reason)
	return nil
}
