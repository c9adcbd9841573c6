package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"library_reservation/pkg/metrics"
)

const (
	ReservationCreated  = "reservation.created"
	ReservationReturned = "reservation.returned"
	ReservationOverdue  = "reservation.overdue"
	ReservationExtended = "reservation.extended"

	HeaderRoutingKey = "routing-key"
)

type Event struct {
	EventType string      `json:"eventType"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
}

// RoutingKey maps an event type onto the exchange routing key,
// e.g. reservation.created -> reservation_created.
func RoutingKey(eventType string) string {
	return strings.ReplaceAll(eventType, ".", "_")
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher delivers events in the background. Publish never blocks and never
// fails the caller: when the buffer is full or the broker rejects a write the
// event is dropped and logged.
type Publisher struct {
	writer       messageWriter
	exchange     string
	source       string
	writeTimeout time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

type Option func(*Publisher)

func WithMetrics(m *metrics.Metrics) Option { return func(p *Publisher) { p.metrics = m } }
func WithClock(now func() time.Time) Option { return func(p *Publisher) { p.now = now } }
func WithWriteTimeout(d time.Duration) Option { return func(p *Publisher) { p.writeTimeout = d } }
func WithLogger(logger zerolog.Logger) Option { return func(p *Publisher) { p.logger = logger } }

// NewKafkaPublisher publishes to the topic named after the exchange. With no
// brokers configured events are only logged.
func NewKafkaPublisher(brokers []string, exchange, source string, buffer int, opts ...Option) *Publisher {
	var w messageWriter
	if len(brokers) > 0 {
		w = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  exchange,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			WriteTimeout:           5 * time.Second,
			AllowAutoTopicCreation: true,
		}
	}
	return newPublisher(w, exchange, source, buffer, opts...)
}

func newPublisher(w messageWriter, exchange, source string, buffer int, opts ...Option) *Publisher {
	if buffer < 1 {
		buffer = 1
	}
	p := &Publisher{
		writer:       w,
		exchange:     exchange,
		source:       source,
		writeTimeout: 5 * time.Second,
		now:          time.Now,
		logger:       zerolog.Nop(),
		queue:        make(chan kafka.Message, buffer),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "event-publisher").Str("exchange", exchange).Logger()
	if p.writer == nil {
		p.writer = &logWriter{logger: p.logger}
	}
	go p.run()
	return p
}

func (p *Publisher) Publish(ctx context.Context, eventType string, data interface{}) {
	event := Event{
		EventType: eventType,
		Timestamp: p.now().UTC().Truncate(time.Second),
		Source:    p.source,
		Data:      data,
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to encode event, dropping")
		p.metrics.Event(RoutingKey(eventType), "dropped")
		return
	}

	key := RoutingKey(eventType)
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: HeaderRoutingKey, Value: []byte(key)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn().Str("event_type", eventType).Msg("publisher closed, dropping event")
		p.metrics.Event(RoutingKey(eventType), "dropped")
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.logger.Warn().Str("event_type", eventType).Msg("event buffer full, dropping event")
		p.metrics.Event(RoutingKey(eventType), "dropped")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		eventType := string(msg.Key)
		ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.logger.Error().Err(err).Str("routing_key", eventType).Msg("failed to publish event, dropping")
			p.metrics.Event(eventType, "failed")
			continue
		}
		p.metrics.Event(eventType, "sent")
	}
}

// Close stops accepting events, flushes the buffer and closes the writer.
// ctx bounds how long Close waits for the flush.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn().Msg("event flush interrupted by shutdown deadline")
	}
	return p.writer.Close()
}

type logWriter struct {
	logger zerolog.Logger
}

func (w *logWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		w.logger.Info().Str("routing_key", string(m.Key)).RawJSON("event", m.Value).Msg("event published")
	}
	return nil
}

func (w *logWriter) Close() error { return nil }
