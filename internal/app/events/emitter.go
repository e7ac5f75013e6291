package events

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
)

// Emitter is what the rest of the school system calls after a domain
// write. Publishing is best effort: a sink failure is logged and returned
// alongside the envelope, and never undoes the caller's write.
type Emitter struct {
	sink   EventSink
	topics event.Topics
	now    func() time.Time
}

func NewEmitter(sink EventSink, topics event.Topics) *Emitter {
	if topics == nil {
		topics = event.DefaultTopics()
	}
	return &Emitter{sink: sink, topics: topics, now: time.Now}
}

func (e *Emitter) EmitAttendanceRecorded(ctx context.Context, p event.AttendanceRecorded) (Result, error) {
	NormalizeAttendance(&p)
	return e.emit(ctx, p)
}

func (e *Emitter) EmitExamResultsPublished(ctx context.Context, p event.ExamResultsPublished) (Result, error) {
	NormalizeExamResults(&p)
	return e.emit(ctx, p)
}

func (e *Emitter) EmitPaymentCompleted(ctx context.Context, p event.PaymentCompleted) (Result, error) {
	NormalizePayment(&p)
	return e.emit(ctx, p)
}

func (e *Emitter) EmitUserCreated(ctx context.Context, p event.UserCreated) (Result, error) {
	NormalizeUser(&p)
	return e.emit(ctx, p)
}

// emit returns ErrInvalidData for payloads that fail validation. Any other
// error is a publish failure and comes with the constructed envelope.
func (e *Emitter) emit(ctx context.Context, p event.Payload) (Result, error) {
	env, err := event.New(p, event.WithClock(e.now))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}
	res := Result{Envelope: env, Topic: e.topics.For(env.Kind())}
	if e.sink == nil {
		return res, ErrNoSink
	}

	fields := logrus.Fields{"topic": res.Topic, "kind": env.Kind(), "event_id": env.ID(), "key": env.PartitionKey()}
	if err := e.sink.Publish(ctx, res.Topic, env); err != nil {
		logging.LogError("event emit failed", err, fields)
		return res, err
	}
	res.Published = true
	logging.LogInfo("event emitted", fields)
	return res, nil
}
