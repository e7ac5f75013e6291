package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	kaf "github.com/reybrally/school-events/internal/adapters/kafka"
	"github.com/reybrally/school-events/internal/config"
	"github.com/reybrally/school-events/internal/logging"
)

// Creates the event topics ahead of the first deploy.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.InitLogger(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	topics := cfg.Kafka.Topics().All()
	spec := kaf.TopicSpec{Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor}
	if err := kaf.EnsureTopics(ctx, cfg.Kafka.Brokers, cfg.Kafka.ClientID, spec, topics...); err != nil {
		logging.LogError("ensure topics failed", err, logrus.Fields{"brokers": cfg.Kafka.Brokers})
		log.Fatalf("topics: %v", err)
	}
	logging.LogInfo("topics ready", logrus.Fields{
		"topics":             topics,
		"partitions":         spec.Partitions,
		"replication_factor": spec.ReplicationFactor,
	})
}
