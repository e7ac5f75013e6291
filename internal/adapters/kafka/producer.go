package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
)

const (
	headerKind    = "event-type"
	headerEventID = "event-id"
)

// Writer is the part of *kgo.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Prober checks that at least one broker accepts connections.
type Prober func(ctx context.Context, brokers []string) error

type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks kgo.RequiredAcks
	BatchTimeout time.Duration
	// ретраи внутри writer: MaxAttempts попыток, backoff от RetryBackoff
	MaxAttempts  int
	RetryBackoff time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

type ProducerOption func(*Publisher)

// WithWriterFactory replaces the kafka-go writer, mostly for tests.
func WithWriterFactory(f func(ProducerConfig) Writer) ProducerOption {
	return func(p *Publisher) { p.newWriter = f }
}

func WithProducerProber(probe Prober) ProducerOption {
	return func(p *Publisher) { p.probe = probe }
}

// Publisher writes envelopes to their topics. It connects lazily on the
// first Publish; Connect and Disconnect are idempotent.
type Publisher struct {
	cfg       ProducerConfig
	newWriter func(ProducerConfig) Writer
	probe     Prober

	mu sync.Mutex
	w  Writer
}

func NewPublisher(cfg ProducerConfig, opts ...ProducerOption) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 300 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kgo.RequireAll
	}
	p := &Publisher{cfg: cfg, newWriter: newKafkaWriter}
	p.probe = DialProbe(cfg.ClientID, cfg.DialTimeout)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newKafkaWriter(cfg ProducerConfig) Writer {
	return &kgo.Writer{
		Addr:            kgo.TCP(cfg.Brokers...),
		Balancer:        &kgo.Hash{},
		RequiredAcks:    cfg.RequiredAcks,
		BatchSize:       1,
		BatchTimeout:    cfg.BatchTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		WriteBackoffMin: cfg.RetryBackoff,
		WriteBackoffMax: cfg.RetryBackoff * 32,
		WriteTimeout:    cfg.WriteTimeout,
		Transport: &kgo.Transport{
			ClientID:    cfg.ClientID,
			DialTimeout: cfg.DialTimeout,
		},
		Logger:      infoLogger("kafka-writer"),
		ErrorLogger: errorLogger("kafka-writer"),
	}
}

// DialProbe tries the brokers in order and succeeds on the first one that answers.
func DialProbe(clientID string, timeout time.Duration) Prober {
	return func(ctx context.Context, brokers []string) error {
		if len(brokers) == 0 {
			return errors.New("no brokers configured")
		}
		d := &kgo.Dialer{ClientID: clientID, Timeout: timeout}
		var lastErr error
		for _, b := range brokers {
			conn, err := d.DialContext(ctx, "tcp", b)
			if err != nil {
				lastErr = err
				continue
			}
			_ = conn.Close()
			return nil
		}
		return lastErr
	}
}

func (p *Publisher) Connect(ctx context.Context) error {
	_, err := p.writer(ctx)
	return err
}

// writer returns the live writer, creating it on first use. The broker dial
// runs outside p.mu so a slow dial does not hold up other publishers.
func (p *Publisher) writer(ctx context.Context) (Writer, error) {
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w != nil {
		return w, nil
	}

	if err := p.probe(ctx, p.cfg.Brokers); err != nil {
		return nil, &ConnectionError{Brokers: p.cfg.Brokers, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		p.w = p.newWriter(p.cfg)
		logging.LogInfo("kafka publisher connected", logrus.Fields{
			"brokers": p.cfg.Brokers, "client_id": p.cfg.ClientID,
		})
	}
	return p.w, nil
}

func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w != nil
}

// Publish encodes env and writes it as one record keyed by the payload's
// entity id. Every failure comes back as *PublishError.
func (p *Publisher) Publish(ctx context.Context, topic string, env event.Envelope) error {
	fail := func(err error) error {
		publishedTotal.WithLabelValues(topic, resultError).Inc()
		return &PublishError{Topic: topic, Kind: env.Kind(), EventID: env.ID(), Err: err}
	}

	value, err := event.Encode(env)
	if err != nil {
		return fail(err)
	}

	w, err := p.writer(ctx)
	if err != nil {
		return fail(err)
	}

	msg := kgo.Message{
		Topic: topic,
		Key:   []byte(env.PartitionKey()),
		Value: value,
		Time:  env.OccurredAt(),
		Headers: []kgo.Header{
			{Key: headerKind, Value: []byte(env.Kind())},
			{Key: headerEventID, Value: []byte(env.ID())},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fail(err)
	}

	publishedTotal.WithLabelValues(topic, resultOK).Inc()
	logging.LogDebug("event published", logrus.Fields{
		"topic": topic, "kind": env.Kind(), "event_id": env.ID(), "key": env.PartitionKey(),
	})
	return nil
}

// Disconnect closes the writer. Safe to call when never connected.
func (p *Publisher) Disconnect() error {
	p.mu.Lock()
	w := p.w
	p.w = nil
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.Close(); err != nil {
		logging.LogError("kafka publisher close failed", err, logrus.Fields{})
		return err
	}
	logging.LogInfo("kafka publisher disconnected", logrus.Fields{})
	return nil
}
