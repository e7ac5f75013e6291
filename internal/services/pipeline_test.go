package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/school-events/internal/adapters/kafka"
	"github.com/reybrally/school-events/internal/app/events"
	"github.com/reybrally/school-events/internal/dispatch"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/fanout"
	"github.com/reybrally/school-events/internal/subscription"
)

// memLog is a single-partition in-memory topic log shared by the fake
// writer and reader.
type memLog struct {
	mu     sync.Mutex
	offset int64
	ch     chan kgo.Message
	closed chan struct{}
	once   sync.Once
}

func newMemLog() *memLog {
	return &memLog{ch: make(chan kgo.Message, 64), closed: make(chan struct{})}
}

func (l *memLog) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		m.Offset = l.offset
		l.offset++
		l.ch <- m
	}
	return nil
}

func (l *memLog) FetchMessage(ctx context.Context) (kgo.Message, error) {
	select {
	case <-ctx.Done():
		return kgo.Message{}, ctx.Err()
	case <-l.closed:
		return kgo.Message{}, io.EOF
	case m := <-l.ch:
		return m, nil
	}
}

func (l *memLog) CommitMessages(context.Context, ...kgo.Message) error { return nil }

func (l *memLog) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// writerOnly keeps the publisher from closing the shared log.
type writerOnly struct{ *memLog }

func (writerOnly) Close() error { return nil }

type pipeline struct {
	emitter *events.Emitter
	subs    *SubscriptionService
	engine  *fanout.Engine
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()
	log := newMemLog()
	okProbe := func(context.Context, []string) error { return nil }

	pub := kafka.NewPublisher(kafka.ProducerConfig{Brokers: []string{"mem"}},
		kafka.WithProducerProber(okProbe),
		kafka.WithWriterFactory(func(kafka.ProducerConfig) kafka.Writer { return writerOnly{log} }),
	)
	engine := fanout.New(fanout.Options{})
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: []string{"mem"},
		GroupID: "school-management-group",
		Topics:  event.DefaultTopics().All(),
	}, dispatch.New(engine),
		kafka.WithConsumerProber(okProbe),
		kafka.WithReaderFactory(func(kafka.ConsumerConfig, []string) kafka.Reader { return log }),
	)

	errc := make(chan error, 1)
	go func() { errc <- consumer.Start(context.Background()) }()
	require.Eventually(t, func() bool { return consumer.State() == kafka.StateRunning }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		require.NoError(t, consumer.Disconnect())
		require.NoError(t, <-errc)
		require.NoError(t, pub.Disconnect())
		engine.Close()
	})

	return &pipeline{
		emitter: events.NewEmitter(pub, nil),
		subs:    NewSubscriptionService(subscription.NewMultiplexer(engine)),
		engine:  engine,
	}
}

func next(t *testing.T, s *subscription.Stream) subscription.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := s.Next(ctx)
	require.NoError(t, err)
	return n
}

func TestAttendanceReachesSectionSubscriber(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	c1, err := p.subs.SubscribeAttendance(ctx, "C1")
	require.NoError(t, err)
	defer c1.Close()
	c2, err := p.subs.SubscribeAttendance(ctx, "C2")
	require.NoError(t, err)
	defer c2.Close()

	res, err := p.emitter.EmitAttendanceRecorded(ctx, event.AttendanceRecorded{
		AttendanceID: "A1", StudentID: "S1", ClassSectionID: "C1",
		Date: "2024-05-01", Status: event.StatusPresent, RecordedBy: "T1",
	})
	require.NoError(t, err)
	require.True(t, res.Published)

	n := next(t, c1)
	assert.Equal(t, "attendance:C1", n.Channel)
	assert.Equal(t, dispatch.FieldAttendanceRecorded, n.Field)

	var got event.AttendanceRecorded
	require.NoError(t, n.Decode(&got))
	assert.Equal(t, res.Envelope.Payload(), got)

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = c2.Next(wctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExamResultsReachStudentSubscriber(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	s, err := p.subs.SubscribeExamResults(ctx, " S1 ")
	require.NoError(t, err)
	defer s.Close()

	res, err := p.emitter.EmitExamResultsPublished(ctx, event.ExamResultsPublished{
		ExamID: "E1", StudentID: "S1", ResultID: "R1", ObtainedMarks: 88.5, MaxMarks: 100, Subject: "Physics",
	})
	require.NoError(t, err)
	// no channel for payments; must not disturb the stream
	_, err = p.emitter.EmitPaymentCompleted(ctx, event.PaymentCompleted{
		PaymentID: "P1", InvoiceID: "I1", StudentID: "S1", Amount: 50, Method: "card",
	})
	require.NoError(t, err)

	n := next(t, s)
	assert.Equal(t, "examResults:S1", n.Channel)
	var got event.ExamResultsPublished
	require.NoError(t, n.Decode(&got))
	assert.Equal(t, res.Envelope.Payload(), got)
}

func TestMultiSectionSubscription(t *testing.T) {
	p := startPipeline(t)
	ctx := context.Background()

	s, err := p.subs.SubscribeAttendance(ctx, "C1", "C2", "C1")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, p.engine.Len())

	for _, section := range []string{"C1", "C2"} {
		_, err := p.emitter.EmitAttendanceRecorded(ctx, event.AttendanceRecorded{
			AttendanceID: "A-" + section, StudentID: "S1", ClassSectionID: section,
			Date: "2024-05-01", Status: event.StatusAbsent, RecordedBy: "T1",
		})
		require.NoError(t, err)
	}

	// one partition, so publish order holds end to end
	assert.Equal(t, "attendance:C1", next(t, s).Channel)
	assert.Equal(t, "attendance:C2", next(t, s).Channel)
}

func TestSubscribeValidatesInput(t *testing.T) {
	p := startPipeline(t)

	_, err := p.subs.SubscribeAttendance(context.Background(), " ", "")
	assert.ErrorIs(t, err, events.ErrInvalidData)
	_, err = p.subs.SubscribeExamResults(context.Background(), "")
	assert.ErrorIs(t, err, events.ErrInvalidData)
	assert.Zero(t, p.engine.Len())
}

func TestCancelledClientReleasesSubscription(t *testing.T) {
	p := startPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := p.subs.SubscribeAttendance(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, 1, p.engine.Subscribers("attendance:C1"))

	cancel()
	<-s.Done()
	assert.Zero(t, p.engine.Subscribers("attendance:C1"))
}
