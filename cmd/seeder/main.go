// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	segmentio "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	kaf "github.com/reybrally/school-events/internal/adapters/kafka"
	repoPkg "github.com/reybrally/school-events/internal/adapters/repo"
	"github.com/reybrally/school-events/internal/app/events"
	"github.com/reybrally/school-events/internal/config"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Seeder emits a burst of demo events so subscribers have something to watch.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.InitLogger(cfg.App.LogLevel)
	ctx := context.Background()

	n, err := strconv.Atoi(getenv("SEED_EVENTS", "100"))
	if err != nil || n <= 0 {
		log.Fatalf("SEED_EVENTS must be a positive number")
	}
	sections := []string{"C-7A", "C-7B", "C-8A"}
	students := []string{"S-001", "S-002", "S-003", "S-004", "S-005"}

	pub := kaf.NewPublisher(kaf.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		ClientID:     cfg.Kafka.ClientID + "-seeder",
		RequiredAcks: segmentio.RequireAll,
		MaxAttempts:  cfg.Kafka.MaxAttempts,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	})
	defer pub.Disconnect()

	var sink events.EventSink = pub
	// в режиме outbox пишем в таблицу, relay сервера доставит сам
	if cfg.App.EmitMode == config.EmitOutbox {
		pool, err := pgxpool.New(ctx, cfg.DB.DSN())
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		outbox := repoPkg.NewOutboxRepo(pool)
		tm := repoPkg.NewTxManager(pool)
		sink = txSink{tm: tm, next: outbox}
	} else if err := pub.Connect(ctx); err != nil {
		log.Fatalf("kafka: %v", err)
	}

	emitter := events.NewEmitter(sink, cfg.Kafka.Topics())
	statuses := []event.AttendanceStatus{event.StatusPresent, event.StatusPresent, event.StatusLate, event.StatusAbsent}
	today := time.Now().Format(time.DateOnly)

	var published, failed int
	for i := 1; i <= n; i++ {
		student := students[rand.IntN(len(students))]
		var res events.Result
		var err error
		switch i % 4 {
		case 0:
			res, err = emitter.EmitExamResultsPublished(ctx, event.ExamResultsPublished{
				ExamID:        fmt.Sprintf("EX-%03d", i%10),
				StudentID:     student,
				ResultID:      fmt.Sprintf("RES-%06d", i),
				ObtainedMarks: float64(40 + rand.IntN(61)),
				MaxMarks:      100,
				Subject:       []string{"Math", "Physics", "History"}[rand.IntN(3)],
			})
		case 1:
			res, err = emitter.EmitPaymentCompleted(ctx, event.PaymentCompleted{
				PaymentID: fmt.Sprintf("PAY-%06d", i),
				InvoiceID: fmt.Sprintf("INV-%06d", i),
				StudentID: student,
				Amount:    float64(50 + rand.IntN(450)),
				Method:    "card",
			})
		default:
			res, err = emitter.EmitAttendanceRecorded(ctx, event.AttendanceRecorded{
				AttendanceID:   fmt.Sprintf("ATT-%06d", i),
				StudentID:      student,
				ClassSectionID: sections[rand.IntN(len(sections))],
				Date:           today,
				Status:         statuses[rand.IntN(len(statuses))],
				RecordedBy:     "T-seed",
			})
		}
		if err != nil || !res.Published {
			failed++
			continue
		}
		published++
	}

	logging.LogInfo("seed done", logrus.Fields{"published": published, "failed": failed, "mode": cfg.App.EmitMode})
	fmt.Printf("Seed done: %d events published, %d failed\n", published, failed)
}

// txSink stores each envelope in its own transaction, the way a domain
// write would wrap its row and its outbox record together.
type txSink struct {
	tm   *repoPkg.TxManager
	next events.EventSink
}

func (s txSink) Publish(ctx context.Context, topic string, env event.Envelope) error {
	return s.tm.WithinTransaction(ctx, func(ctx context.Context) error {
		return s.next.Publish(ctx, topic, env)
	})
}
