package kafka

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reybrally/school-events/internal/domain/event"
)

var (
	ErrNotConnected   = errors.New("kafka: not connected")
	ErrAlreadyRunning = errors.New("kafka: consumer already running")
	ErrNoTopics       = errors.New("kafka: no topics to subscribe")
)

// ConnectionError means no broker could be reached.
type ConnectionError struct {
	Brokers []string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("kafka: connect to [%s]: %v", strings.Join(e.Brokers, ","), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError wraps any failure to get an envelope onto its topic.
type PublishError struct {
	Topic   string
	Kind    event.Kind
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("kafka: publish %s to %s: %v", e.Kind, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
