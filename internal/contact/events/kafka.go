package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"contactlink/internal/contact/models"
	"contactlink/pkg/platform/circuit"
)

// Producer is the subset of *kgo.Client used for publishing.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher writes identity change events to a single topic, keyed by
// primary contact id so every change to one identity lands on one partition
// in commit order.
type KafkaPublisher struct {
	producer Producer
	topic    string
	breaker  *circuit.Breaker
}

type Option func(*KafkaPublisher)

// WithBreaker skips producing while the broker keeps failing, so an outage
// does not add produce latency to every request.
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *KafkaPublisher) {
		p.breaker = b
	}
}

func NewKafkaPublisher(producer Producer, topic string, opts ...Option) *KafkaPublisher {
	p := &KafkaPublisher{producer: producer, topic: topic}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.IdentityEvent) error {
	record, err := p.record(event)
	if err != nil {
		return err
	}
	produce := func() error {
		return p.producer.ProduceSync(ctx, record).FirstErr()
	}
	if p.breaker != nil {
		err = p.breaker.Do(produce)
	} else {
		err = produce()
	}
	if err != nil {
		return fmt.Errorf("publish identity event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) record(event models.IdentityEvent) (*kgo.Record, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode identity event: %w", err)
	}
	return &kgo.Record{
		Topic: p.topic,
		Key:   []byte(strconv.FormatInt(event.PrimaryContactID, 10)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Timestamp: event.OccurredAt,
	}, nil
}
