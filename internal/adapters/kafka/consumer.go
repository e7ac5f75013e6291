package kafka

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/adapters/cache"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
)

// Reader is the part of *kgo.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Dispatcher routes one decoded envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, env event.Envelope) error
}

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateSubscribed
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	default:
		return "disconnected"
	}
}

type ConsumerConfig struct {
	Brokers  []string
	ClientID string
	GroupID  string
	// Topics are used by Start when Subscribe was not called.
	Topics            []string
	StartOffset       int64 // kgo.FirstOffset / kgo.LastOffset
	MinBytes          int
	MaxBytes          int
	MaxWait           time.Duration
	SessionTimeout    time.Duration
	RebalanceTimeout  time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	// DedupWindow is how many envelope ids are remembered for duplicate suppression.
	DedupWindow     int
	FetchBackoff    time.Duration
	ShutdownTimeout time.Duration
}

type ConsumerOption func(*Consumer)

// WithReaderFactory replaces the kafka-go reader, mostly for tests.
func WithReaderFactory(f func(cfg ConsumerConfig, topics []string) Reader) ConsumerOption {
	return func(c *Consumer) { c.newReader = f }
}

func WithConsumerProber(probe Prober) ConsumerOption {
	return func(c *Consumer) { c.probe = probe }
}

type partitionKey struct {
	topic     string
	partition int
}

// Consumer reads the configured topics as one consumer group member and
// hands every record to the dispatcher on a single goroutine, so records of
// a partition are dispatched in fetch order. Offsets are committed only
// after the record was dispatched or found undecodable.
type Consumer struct {
	cfg        ConsumerConfig
	dispatcher Dispatcher
	newReader  func(cfg ConsumerConfig, topics []string) Reader
	probe      Prober

	mu     sync.Mutex
	state  State
	topics []string
	reader Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// loopState is owned by one run of the loop. A Start after a timed-out
// Disconnect gets its own, so two loops never share it.
type loopState struct {
	highWater map[partitionKey]int64
	seen      *cache.LRU[string]
}

func NewConsumer(cfg ConsumerConfig, d Dispatcher, opts ...ConsumerOption) *Consumer {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.StartOffset == 0 {
		cfg.StartOffset = kgo.LastOffset
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10000
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = 200 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	c := &Consumer{
		cfg:        cfg,
		dispatcher: d,
		newReader:  newKafkaReader,
		state:      StateDisconnected,
	}
	c.probe = DialProbe(cfg.ClientID, cfg.DialTimeout)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newKafkaReader(cfg ConsumerConfig, topics []string) Reader {
	return kgo.NewReader(kgo.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		GroupTopics:       topics,
		MinBytes:          cfg.MinBytes,
		MaxBytes:          cfg.MaxBytes,
		MaxWait:           cfg.MaxWait,
		StartOffset:       cfg.StartOffset,
		SessionTimeout:    cfg.SessionTimeout,
		RebalanceTimeout:  cfg.RebalanceTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Dialer:            &kgo.Dialer{ClientID: cfg.ClientID, Timeout: cfg.DialTimeout},
		Logger:            infoLogger("kafka-reader"),
		ErrorLogger:       errorLogger("kafka-reader"),
	})
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect verifies the brokers are reachable. Calling it again is a no-op.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.probe(ctx, c.cfg.Brokers); err != nil {
		return &ConnectionError{Brokers: c.cfg.Brokers, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		c.state = StateConnected
		logging.LogInfo("kafka consumer connected", logrus.Fields{
			"brokers": c.cfg.Brokers, "group": c.cfg.GroupID,
		})
	}
	return nil
}

// Subscribe fixes the topic set. It must follow Connect and precede Start.
func (c *Consumer) Subscribe(topics ...string) error {
	set := dedupTopics(topics)
	if len(set) == 0 {
		return ErrNoTopics
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateDisconnected:
		return ErrNotConnected
	case StateRunning:
		return ErrAlreadyRunning
	}
	c.topics = set
	c.state = StateSubscribed
	logging.LogInfo("kafka consumer subscribed", logrus.Fields{"topics": set, "group": c.cfg.GroupID})
	return nil
}

// Start connects and subscribes when needed, then processes records until
// ctx is cancelled or Disconnect is called. A clean stop returns nil.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateRunning:
		c.mu.Unlock()
		return ErrAlreadyRunning
	case StateDisconnected:
		// Disconnect raced with Connect
		c.mu.Unlock()
		return ErrNotConnected
	case StateConnected:
		c.topics = dedupTopics(c.cfg.Topics)
		if len(c.topics) == 0 {
			c.mu.Unlock()
			return ErrNoTopics
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := c.newReader(c.cfg, c.topics)
	done := make(chan struct{})
	c.reader, c.cancel, c.done = r, cancel, done
	c.state = StateRunning
	topics := c.topics
	c.mu.Unlock()

	logging.LogInfo("kafka consumer running", logrus.Fields{"topics": topics, "group": c.cfg.GroupID})
	defer func() {
		cancel()
		c.mu.Lock()
		owned := c.reader == r
		if owned {
			c.reader, c.cancel, c.done = nil, nil, nil
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		if owned {
			if err := r.Close(); err != nil {
				logging.LogError("kafka reader close failed", err, logrus.Fields{})
			}
		}
		close(done)
		logging.LogInfo("kafka consumer stopped", logrus.Fields{"group": c.cfg.GroupID})
	}()

	c.loop(runCtx, r)
	return nil
}

func (c *Consumer) loop(ctx context.Context, r Reader) {
	st := &loopState{
		highWater: make(map[partitionKey]int64),
		seen:      cache.NewLRU[string](c.cfg.DedupWindow),
	}
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			consumedTotal.WithLabelValues("", resultFetchRetrying).Inc()
			logging.LogWarn("kafka fetch failed, retrying", logrus.Fields{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.FetchBackoff):
			}
			continue
		}
		c.handle(ctx, r, st, m)
	}
}

func (c *Consumer) handle(ctx context.Context, r Reader, st *loopState, m kgo.Message) {
	fields := logrus.Fields{"topic": m.Topic, "partition": m.Partition, "offset": m.Offset}

	pk := partitionKey{topic: m.Topic, partition: m.Partition}
	if hw, ok := st.highWater[pk]; ok && m.Offset <= hw {
		consumedTotal.WithLabelValues(m.Topic, resultDuplicate).Inc()
		logging.LogDebug("redelivered record skipped", fields)
		return
	}
	st.highWater[pk] = m.Offset

	env, err := event.Decode(m.Value)
	if err != nil {
		consumedTotal.WithLabelValues(m.Topic, resultDecodeFailed).Inc()
		logging.LogError("undecodable record skipped", err, fields)
		c.commit(ctx, r, m, fields)
		return
	}
	fields["kind"] = env.Kind()
	fields["event_id"] = env.ID()

	if id := env.ID(); id != "" && !st.seen.Add(id) {
		consumedTotal.WithLabelValues(m.Topic, resultDuplicate).Inc()
		logging.LogDebug("duplicate envelope skipped", fields)
		c.commit(ctx, r, m, fields)
		return
	}

	started := time.Now()
	err = c.dispatcher.Dispatch(ctx, env)
	dispatchSeconds.WithLabelValues(string(env.Kind())).Observe(time.Since(started).Seconds())
	if err != nil {
		// the offset stays uncommitted; the next successful commit on this partition covers it
		consumedTotal.WithLabelValues(m.Topic, resultDispatchFail).Inc()
		logging.LogError("dispatch failed", err, fields)
		return
	}

	consumedTotal.WithLabelValues(m.Topic, resultDispatched).Inc()
	c.commit(ctx, r, m, fields)
}

func (c *Consumer) commit(ctx context.Context, r Reader, m kgo.Message, fields logrus.Fields) {
	if err := r.CommitMessages(ctx, m); err != nil {
		if ctx.Err() != nil {
			return
		}
		consumedTotal.WithLabelValues(m.Topic, resultCommitFailed).Inc()
		logging.LogError("offset commit failed", err, fields)
	}
}

// Disconnect stops the loop, closes the reader and waits for an in-flight
// dispatch to finish. It is safe in any state.
func (c *Consumer) Disconnect() error {
	c.mu.Lock()
	prev := c.state
	cancel, r, done := c.cancel, c.reader, c.done
	c.cancel, c.reader, c.done = nil, nil, nil
	c.topics = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if r != nil {
		err = r.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(c.cfg.ShutdownTimeout):
			logging.LogWarn("kafka consumer did not stop in time", logrus.Fields{
				"timeout": c.cfg.ShutdownTimeout.String(),
			})
		}
	}
	if prev != StateDisconnected {
		logging.LogInfo("kafka consumer disconnected", logrus.Fields{"from": prev.String()})
	}
	return err
}

func dedupTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
