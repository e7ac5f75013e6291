// Package redis carries fan-out notifications between processes over Redis
// pub/sub: the consumer side publishes, every API replica relays into its
// own fan-out engine.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

func NewClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// DefaultPatterns match every channel namespace a notification can go to.
func DefaultPatterns() []string {
	return []string{
		event.ChannelKey(event.NamespaceAttendance, "*"),
		event.ChannelKey(event.NamespaceExamResults, "*"),
	}
}

// Publisher is a notification sink backed by PUBLISH.
type Publisher struct {
	rdb goredis.UniversalClient
}

func NewPublisher(rdb goredis.UniversalClient) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) Publish(ctx context.Context, channel string, body []byte) error {
	if err := p.rdb.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Sink receives relayed notifications; *fanout.Engine satisfies it.
type Sink interface {
	Publish(ctx context.Context, channel string, body []byte) error
}

// Relay pattern-subscribes and republishes every message into sink.
type Relay struct {
	rdb      goredis.UniversalClient
	sink     Sink
	patterns []string

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRelay(rdb goredis.UniversalClient, sink Sink, patterns ...string) *Relay {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Relay{rdb: rdb, sink: sink, patterns: patterns, ready: make(chan struct{})}
}

// Ready is closed once the pattern subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run blocks until ctx is cancelled or the subscription breaks.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.rdb.PSubscribe(ctx, r.patterns...)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis psubscribe %v: %w", r.patterns, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	logging.LogInfo("redis relay subscribed", logrus.Fields{"patterns": r.patterns})

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis relay: subscription channel closed")
			}
			if err := r.sink.Publish(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				logging.LogError("redis relay publish failed", err, logrus.Fields{"channel": msg.Channel})
			}
		}
	}
}
