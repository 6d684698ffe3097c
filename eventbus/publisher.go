// Package eventbus publishes committed Treasury activity to Kafka.
//
// Every ledger entry is written to the entries topic keyed by its vault id,
// so consumers see each vault's history in sequence order within a
// partition. Settlement events (refunds, payouts, reserve alerts, integrity
// violations) go to the events topic. Publishing happens after commit; a
// broker outage is logged by the plugin registry and never affects balances.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/plugin"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/reserve"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Publisher)(nil)
	_ plugin.OnShutdown           = (*Publisher)(nil)
	_ plugin.OnEntriesCommitted   = (*Publisher)(nil)
	_ plugin.OnRefundApplied      = (*Publisher)(nil)
	_ plugin.OnReceivableOpened   = (*Publisher)(nil)
	_ plugin.OnPayoutReleased     = (*Publisher)(nil)
	_ plugin.OnPayoutRejected     = (*Publisher)(nil)
	_ plugin.OnReserveAlert       = (*Publisher)(nil)
	_ plugin.OnIntegrityViolation = (*Publisher)(nil)
)

// Default topics.
const (
	DefaultEntriesTopic = "treasury.entries"
	DefaultEventsTopic  = "treasury.events"
)

// Event types written to the events topic.
const (
	EventRefundApplied      = "refund.applied"
	EventReceivableOpened   = "receivable.opened"
	EventPayoutReleased     = "payout.released"
	EventPayoutRejected     = "payout.rejected"
	EventReserveAlert       = "reserve.alert"
	EventIntegrityViolation = "integrity.violation"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope wraps a settlement event.
type Envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Publisher is a Treasury plugin that forwards committed activity to Kafka.
type Publisher struct {
	writer       Writer
	entriesTopic string
	eventsTopic  string
	clock        func() time.Time
	logger       *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTopics overrides the entries and events topics.
func WithTopics(entries, events string) Option {
	return func(p *Publisher) {
		if entries != "" {
			p.entriesTopic = entries
		}
		if events != "" {
			p.eventsTopic = events
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithClock sets the time source for envelopes.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.clock = now }
}

// New creates a Publisher on top of an existing writer.
func New(w Writer, opts ...Option) *Publisher {
	p := &Publisher{
		writer:       w,
		entriesTopic: DefaultEntriesTopic,
		eventsTopic:  DefaultEventsTopic,
		clock:        time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewKafka creates a Publisher writing to the given brokers. Messages are
// hashed onto partitions by key and acknowledged by all in-sync replicas.
func NewKafka(brokers []string, opts ...Option) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("eventbus: at least one broker is required")
	}
	return New(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, opts...), nil
}

// Name implements plugin.Plugin.
func (p *Publisher) Name() string { return "eventbus-kafka" }

// OnShutdown implements plugin.OnShutdown.
func (p *Publisher) OnShutdown(_ context.Context) error {
	return p.writer.Close()
}

// OnEntriesCommitted implements plugin.OnEntriesCommitted.
func (p *Publisher) OnEntriesCommitted(ctx context.Context, entries []*entry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("eventbus: encode entry %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.entriesTopic,
			Key:   []byte(e.VaultID),
			Value: value,
			Time:  e.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.EventType)},
				{Key: "transaction_id", Value: []byte(e.TransactionID.String())},
			},
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

// OnRefundApplied implements plugin.OnRefundApplied.
func (p *Publisher) OnRefundApplied(ctx context.Context, r *refund.Request) error {
	return p.publish(ctx, EventRefundApplied, string(r.SpenderVaultID), r)
}

// OnReceivableOpened implements plugin.OnReceivableOpened.
func (p *Publisher) OnReceivableOpened(ctx context.Context, r *refund.Receivable) error {
	return p.publish(ctx, EventReceivableOpened, string(r.VaultID), r)
}

// OnPayoutReleased implements plugin.OnPayoutReleased.
func (p *Publisher) OnPayoutReleased(ctx context.Context, r *payout.Request) error {
	return p.publish(ctx, EventPayoutReleased, string(r.VaultID), r)
}

// OnPayoutRejected implements plugin.OnPayoutRejected.
func (p *Publisher) OnPayoutRejected(ctx context.Context, r *payout.Request) error {
	return p.publish(ctx, EventPayoutRejected, string(r.VaultID), r)
}

// OnReserveAlert implements plugin.OnReserveAlert.
func (p *Publisher) OnReserveAlert(ctx context.Context, a *reserve.Alert) error {
	return p.publish(ctx, EventReserveAlert, "reserve", a)
}

// OnIntegrityViolation implements plugin.OnIntegrityViolation.
func (p *Publisher) OnIntegrityViolation(ctx context.Context, d []audit.Discrepancy) error {
	if len(d) == 0 {
		return nil
	}
	return p.publish(ctx, EventIntegrityViolation, string(d[0].VaultID), d)
}

func (p *Publisher) publish(ctx context.Context, eventType, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", eventType, err)
	}
	value, err := json.Marshal(Envelope{
		Type:       eventType,
		OccurredAt: p.clock().UTC(),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("eventbus: encode envelope: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.eventsTopic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(eventType)},
		},
	}); err != nil {
		p.logger.Warn("eventbus: publish failed", "type", eventType, "key", key, "error", err)
		return err
	}
	return nil
}
