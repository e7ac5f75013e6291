// Package fanout is the in-process channel registry: Publish enqueues a
// notification for every live subscriber of a channel and never blocks on
// any of them.
package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/logging"
)

// Message is one notification as seen by a subscriber.
type Message struct {
	Channel string
	Body    []byte
}

type OverflowPolicy int

const (
	OverflowDropOldest OverflowPolicy = iota
	OverflowDisconnect
)

func ParseOverflow(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest":
		return OverflowDropOldest, nil
	case "disconnect":
		return OverflowDisconnect, nil
	}
	return OverflowDropOldest, fmt.Errorf("fanout: unknown overflow policy %q", s)
}

func (p OverflowPolicy) String() string {
	if p == OverflowDisconnect {
		return "disconnect"
	}
	return "drop-oldest"
}

type Options struct {
	// MaxPending bounds every subscriber queue. Zero means unbounded.
	MaxPending int
	Overflow   OverflowPolicy
}

type Engine struct {
	opts Options

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	all    map[*Subscription]struct{}
	closed bool
}

func New(opts Options) *Engine {
	if opts.MaxPending < 0 {
		opts.MaxPending = 0
	}
	return &Engine{
		opts: opts,
		subs: make(map[string]map[*Subscription]struct{}),
		all:  make(map[*Subscription]struct{}),
	}
}

// Publish hands body to every subscriber currently registered on channel.
// Subscribers that register later never see it. With no subscribers the
// notification is dropped.
func (e *Engine) Publish(_ context.Context, channel string, body []byte) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrEngineClosed
	}
	set := e.subs[channel]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	e.mu.RUnlock()

	if len(targets) == 0 {
		publishesTotal.WithLabelValues("no_subscribers").Inc()
		return nil
	}
	publishesTotal.WithLabelValues("delivered").Inc()

	msg := Message{Channel: channel, Body: append([]byte(nil), body...)}
	for _, s := range targets {
		s.enqueue(msg)
	}
	return nil
}

// Subscribe registers one subscription covering all of channels.
func (e *Engine) Subscribe(channels ...string) (*Subscription, error) {
	set := uniqueChannels(channels)
	if len(set) == 0 {
		return nil, ErrNoChannels
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	s := newSubscription(e, set)
	for _, ch := range set {
		m, ok := e.subs[ch]
		if !ok {
			m = make(map[*Subscription]struct{})
			e.subs[ch] = m
		}
		m[s] = struct{}{}
	}
	e.all[s] = struct{}{}
	e.mu.Unlock()

	activeSubscriptions.Inc()
	go s.pump()
	logging.LogDebug("subscription opened", logrus.Fields{"subscription": s.id, "channels": set})
	return s, nil
}

// Unsubscribe is the same as s.Cancel().
func (e *Engine) Unsubscribe(s *Subscription) {
	if s != nil {
		s.Cancel()
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (e *Engine) Subscribers(channel string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[channel])
}

// Len returns the number of live subscriptions.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.all)
}

// Close cancels every subscription and rejects further use.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	live := make([]*Subscription, 0, len(e.all))
	for s := range e.all {
		live = append(live, s)
	}
	e.mu.Unlock()

	for _, s := range live {
		s.Cancel()
	}
	logging.LogInfo("fan-out engine closed", logrus.Fields{"subscriptions": len(live)})
}

func (e *Engine) remove(s *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.all[s]; !ok {
		return
	}
	delete(e.all, s)
	for _, ch := range s.channels {
		if m, ok := e.subs[ch]; ok {
			delete(m, s)
			if len(m) == 0 {
				delete(e.subs, ch)
			}
		}
	}
	activeSubscriptions.Dec()
}

func uniqueChannels(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
