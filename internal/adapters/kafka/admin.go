package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/logging"
)

type TopicSpec struct {
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates every topic that does not exist yet. Existing topics
// are left untouched, whatever their partition count.
func EnsureTopics(ctx context.Context, brokers []string, clientID string, spec TopicSpec, topics ...string) error {
	if spec.Partitions <= 0 {
		spec.Partitions = 3
	}
	if spec.ReplicationFactor <= 0 {
		spec.ReplicationFactor = 1
	}
	d := &kgo.Dialer{ClientID: clientID, Timeout: 10 * time.Second}

	conn, err := dialAny(ctx, d, brokers)
	if err != nil {
		return &ConnectionError{Brokers: brokers, Err: err}
	}
	defer conn.Close()

	// топики создаются только через контроллер
	ctrl, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	cc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port)))
	if err != nil {
		return &ConnectionError{Brokers: []string{ctrl.Host}, Err: err}
	}
	defer cc.Close()

	for _, topic := range dedupTopics(topics) {
		err := cc.CreateTopics(kgo.TopicConfig{
			Topic:             topic,
			NumPartitions:     spec.Partitions,
			ReplicationFactor: spec.ReplicationFactor,
		})
		switch {
		case err == nil:
			logging.LogInfo("topic created", logrus.Fields{
				"topic": topic, "partitions": spec.Partitions, "replication_factor": spec.ReplicationFactor,
			})
		case errors.Is(err, kgo.TopicAlreadyExists):
			logging.LogInfo("topic already exists", logrus.Fields{"topic": topic})
		default:
			return fmt.Errorf("kafka: create topic %s: %w", topic, err)
		}
	}
	return nil
}

func dialAny(ctx context.Context, d *kgo.Dialer, brokers []string) (*kgo.Conn, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no brokers configured")
	}
	var lastErr error
	for _, b := range brokers {
		conn, err := d.DialContext(ctx, "tcp", b)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
