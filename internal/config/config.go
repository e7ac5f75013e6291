package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	kgo "github.com/segmentio/kafka-go"

	"github.com/reybrally/school-events/internal/domain/event"
)

const (
	FanoutMemory = "memory"
	FanoutRedis  = "redis"

	EmitDirect = "direct"
	EmitOutbox = "outbox"
)

type App struct {
	Name          string `yaml:"name" env:"APP_NAME" env-default:"school-events"`
	Env           string `yaml:"env" env:"APP_ENV" env-default:"dev"`
	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	FanoutBackend string `yaml:"fanout_backend" env:"FANOUT_BACKEND" env-default:"memory"`
	EmitMode      string `yaml:"emit_mode" env:"APP_EMIT_MODE" env-default:"direct"`
	// RunConsumer lets an API-only replica skip the log consumer when fan-out goes through Redis.
	RunConsumer bool `yaml:"run_consumer" env:"RUN_CONSUMER" env-default:"true"`
}

type HTTP struct {
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type DB struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"school"`
	User     string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-default:"postgres"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE" env-default:"disable"`
}

// DSN prefers DATABASE_URL and otherwise builds one from the parts.
func (d DB) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.Name + "?sslmode=" + d.SSLMode
}

type Kafka struct {
	Brokers  []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092" env-separator:","`
	ClientID string   `yaml:"client_id" env:"KAFKA_CLIENT_ID" env-default:"school-management-system"`
	GroupID  string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"school-management-group"`

	AttendanceTopic  string `yaml:"attendance_topic" env:"KAFKA_TOPIC_ATTENDANCE_RECORDED" env-default:"attendance.recorded"`
	ExamResultsTopic string `yaml:"exam_results_topic" env:"KAFKA_TOPIC_EXAM_RESULTS_PUBLISHED" env-default:"exam.results.published"`
	PaymentTopic     string `yaml:"payment_topic" env:"KAFKA_TOPIC_PAYMENT_COMPLETED" env-default:"payment.completed"`
	UserTopic        string `yaml:"user_topic" env:"KAFKA_TOPIC_USER_CREATED" env-default:"user.created"`

	// "earliest" or "latest"; applies only when the group has no committed offset.
	StartOffset string `yaml:"start_offset" env:"KAFKA_START_OFFSET" env-default:"latest"`

	MaxAttempts       int           `yaml:"max_attempts" env:"KAFKA_MAX_ATTEMPTS" env-default:"8"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" env:"KAFKA_RETRY_BACKOFF" env-default:"300ms"`
	DialTimeout       time.Duration `yaml:"dial_timeout" env:"KAFKA_DIAL_TIMEOUT" env-default:"10s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"KAFKA_WRITE_TIMEOUT" env-default:"10s"`
	SessionTimeout    time.Duration `yaml:"session_timeout" env:"KAFKA_SESSION_TIMEOUT" env-default:"10s"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"KAFKA_HEARTBEAT_INTERVAL" env-default:"3s"`
	DedupWindow       int           `yaml:"dedup_window" env:"KAFKA_DEDUP_WINDOW" env-default:"10000"`

	Partitions        int `yaml:"partitions" env:"KAFKA_TOPIC_PARTITIONS" env-default:"3"`
	ReplicationFactor int `yaml:"replication_factor" env:"KAFKA_TOPIC_REPLICATION_FACTOR" env-default:"1"`
}

// Topics maps event kinds to the configured topic names.
func (k Kafka) Topics() event.Topics {
	return event.Topics{
		event.KindAttendanceRecorded:   k.AttendanceTopic,
		event.KindExamResultsPublished: k.ExamResultsTopic,
		event.KindPaymentCompleted:     k.PaymentTopic,
		event.KindUserCreated:          k.UserTopic,
	}
}

func (k Kafka) StartOffsetValue() int64 {
	if strings.EqualFold(strings.TrimSpace(k.StartOffset), "earliest") {
		return kgo.FirstOffset
	}
	return kgo.LastOffset
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Fanout struct {
	// MaxPending bounds each subscriber queue; 0 keeps it unbounded.
	MaxPending int `yaml:"max_pending" env:"FANOUT_MAX_PENDING" env-default:"0"`
	// Overflow is "drop-oldest" or "disconnect"; ignored while MaxPending is 0.
	Overflow string `yaml:"overflow" env:"FANOUT_OVERFLOW" env-default:"drop-oldest"`
}

type Outbox struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL" env-default:"2s"`
	BatchSize    int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"50"`
	SendTimeout  time.Duration `yaml:"send_timeout" env:"OUTBOX_SEND_TIMEOUT" env-default:"5s"`
	StaleAfter   time.Duration `yaml:"stale_after" env:"OUTBOX_STALE_AFTER" env-default:"1m"`
}

type Auth struct {
	// JWTSecret enables bearer-token checks on subscriptions; empty allows every client.
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" env:"AUTH_JWT_ISSUER"`
}

type Config struct {
	App    App    `yaml:"app"`
	HTTP   HTTP   `yaml:"http"`
	DB     DB     `yaml:"db"`
	Kafka  Kafka  `yaml:"kafka"`
	Redis  Redis  `yaml:"redis"`
	Fanout Fanout `yaml:"fanout"`
	Outbox Outbox `yaml:"outbox"`
	Auth   Auth   `yaml:"auth"`
}

// Load reads CONFIG_FILE when set and lets the environment override it.
func Load() (Config, error) {
	var cfg Config
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: KAFKA_BROKERS is empty")
	}
	switch c.App.FanoutBackend {
	case FanoutMemory, FanoutRedis:
	default:
		return fmt.Errorf("config: unknown FANOUT_BACKEND %q", c.App.FanoutBackend)
	}
	switch c.App.EmitMode {
	case EmitDirect, EmitOutbox:
	default:
		return fmt.Errorf("config: unknown APP_EMIT_MODE %q", c.App.EmitMode)
	}
	if c.Fanout.MaxPending < 0 {
		return fmt.Errorf("config: FANOUT_MAX_PENDING must not be negative")
	}
	return nil
}
