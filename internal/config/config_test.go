package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/school-events/internal/domain/event"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "school-management-group", cfg.Kafka.GroupID)
	assert.Equal(t, event.DefaultTopics(), cfg.Kafka.Topics())
	assert.Equal(t, int64(kgo.LastOffset), cfg.Kafka.StartOffsetValue())
	assert.Equal(t, 8, cfg.Kafka.MaxAttempts)
	assert.Equal(t, 300*time.Millisecond, cfg.Kafka.RetryBackoff)
	assert.Equal(t, FanoutMemory, cfg.App.FanoutBackend)
	assert.Equal(t, EmitDirect, cfg.App.EmitMode)
	assert.True(t, cfg.App.RunConsumer)
	assert.Equal(t, 0, cfg.Fanout.MaxPending)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("KAFKA_START_OFFSET", "earliest")
	t.Setenv("KAFKA_TOPIC_USER_CREATED", "school.users")
	t.Setenv("FANOUT_BACKEND", "redis")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Kafka.Brokers, 2)
	assert.Equal(t, int64(kgo.FirstOffset), cfg.Kafka.StartOffsetValue())
	assert.Equal(t, "school.users", cfg.Kafka.Topics().For(event.KindUserCreated))
	assert.Equal(t, FanoutRedis, cfg.App.FanoutBackend)
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.DB.DSN())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  emit_mode: outbox
kafka:
  brokers: ["broker:29092"]
  group_id: notifications
outbox:
  batch_size: 10
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EmitOutbox, cfg.App.EmitMode)
	assert.Equal(t, "notifications", cfg.Kafka.GroupID)
	assert.Equal(t, 10, cfg.Outbox.BatchSize)
	assert.Equal(t, "attendance.recorded", cfg.Kafka.AttendanceTopic)
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("FANOUT_BACKEND", "nats")

	_, err := Load()
	assert.Error(t, err)
}

func TestDSNFromParts(t *testing.T) {
	db := DB{Host: "h", Port: "1", Name: "n", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:1/n?sslmode=disable", db.DSN())
}
