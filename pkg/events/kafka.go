package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic carries admission lifecycle events to external consumers.
const DefaultTopic = "relay.admission"

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherConfig wires the Kafka sink.
type PublisherConfig struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// Publisher mirrors hub events onto a Kafka topic. Delivery is best
// effort with a bounded timeout; the admission path never blocks on it.
type Publisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Publisher{writer: w, timeout: timeout}, nil
}

// Publish ships one event keyed by type so consumers keep per-type order.
func (p *Publisher) Publish(evt Event) {
	if p == nil || p.writer == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.Type), Value: payload}); err != nil {
		log.Printf("events: kafka publish %s: %v", evt.Type, err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Broadcaster feeds both the in-process hub and the optional Kafka sink.
type Broadcaster struct {
	Hub       *Hub
	Publisher *Publisher
}

// Emit builds and distributes one event.
func (b *Broadcaster) Emit(eventType string, data interface{}) {
	evt := NewEvent(eventType, data)
	if b.Hub != nil {
		b.Hub.Publish(evt)
	}
	if b.Publisher != nil {
		go b.Publisher.Publish(evt)
	}
}
