// Package eventbus publishes committed order updates to Kafka so that
// downstream services (seller notifications, analytics) can follow the
// order lifecycle without polling.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/sokopay/internal/metrics"
	"github.com/mbd888/sokopay/internal/orders"
)

// DefaultTopic receives order updates unless configured otherwise.
const DefaultTopic = "sokopay.order.updated"

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON value of every published record.
type Message struct {
	OrderID        string           `json:"orderId"`
	Status         orders.Status    `json:"status"`
	PreviousStatus orders.Status    `json:"previousStatus"`
	Event          orders.EventType `json:"event"`
	OccurredAt     time.Time        `json:"occurredAt"`
	PublishedAt    time.Time        `json:"publishedAt"`
}

// KafkaPublisher implements orders.Notifier. Records are keyed by order id
// so all updates of one order land on the same partition in commit order.
type KafkaPublisher struct {
	writer  messageWriter
	logger  *slog.Logger
	timeout time.Duration
}

// NewKafkaPublisher creates an asynchronous publisher for the given brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.EventsPublishedTotal.WithLabelValues("error").Add(float64(len(msgs)))
				logger.Warn("failed to publish order updates", "count", len(msgs), "error", err)
				return
			}
			metrics.EventsPublishedTotal.WithLabelValues("ok").Add(float64(len(msgs)))
		},
	}
	return newPublisher(w, logger)
}

func newPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, logger: logger, timeout: 5 * time.Second}
}

// Notify hands the update to the writer. Failures are logged; a lost
// event never fails the transition that produced it.
func (p *KafkaPublisher) Notify(ctx context.Context, u orders.Update) {
	value, err := json.Marshal(Message{
		OrderID:        u.OrderID,
		Status:         u.Status,
		PreviousStatus: u.Previous,
		Event:          u.Event,
		OccurredAt:     u.At,
		PublishedAt:    time.Now().UTC(),
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Error("failed to encode order update", "orderId", u.OrderID, "error", err)
		return
	}

	// The request context may end as soon as the response is written.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(u.OrderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(u.Event)},
		},
		Time: u.At,
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Warn("failed to publish order update", "orderId", u.OrderID, "event", u.Event, "error", err)
	}
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ orders.Notifier = (*KafkaPublisher)(nil)
