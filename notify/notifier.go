// Package notify publishes order status transitions for external
// collaborators (storefront status pages, admin dashboards). Delivery
// runs over Kafka; without configured brokers the hook is disabled.
package notify

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const DefaultTopic = "order-status-events"

// Event is emitted on terminal schedule transitions: delivered to the
// kitchen, or failed past the retry ceiling.
type Event struct {
	OrderID    string    `json:"order_id"`
	TenantID   string    `json:"tenant_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	RetryCount int       `json:"retry_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Notifier interface {
	OrderStatusChanged(ctx context.Context, event Event) error
	Close() error
}

type KafkaNotifier struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		},
		topic: topic,
	}
}

func (n *KafkaNotifier) OrderStatusChanged(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return n.writer.WriteMessages(ctx, kafka.Message{
		Topic: n.topic,
		Key:   []byte(event.OrderID),
		Value: value,
	})
}

func (n *KafkaNotifier) Close() error { return n.writer.Close() }

// Noop swallows events when no broker is configured.
type Noop struct{}

func (Noop) OrderStatusChanged(context.Context, Event) error { return nil }
func (Noop) Close() error                                    { return nil }

// FromEnv builds a notifier from KAFKA_BROKERS / KAFKA_TOPIC.
func FromEnv() Notifier {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		logrus.Warn("KAFKA_BROKERS not set, order status notifications disabled")
		return Noop{}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = DefaultTopic
	}

	return NewKafkaNotifier(strings.Split(brokers, ","), topic)
}
