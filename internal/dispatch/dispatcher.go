// Package dispatch routes decoded envelopes to per-kind handlers. Attendance
// and exam result events become fan-out notifications; the rest are only
// logged and counted.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
)

// Notification body fields, one per channel namespace.
const (
	FieldAttendanceRecorded  = "attendanceRecorded"
	FieldExamResultPublished = "examResultPublished"
)

// Sink accepts a serialized notification for one channel.
type Sink interface {
	Publish(ctx context.Context, channel string, body []byte) error
}

type HandlerFunc func(ctx context.Context, env event.Envelope) error

var dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "school_events",
	Subsystem: "dispatch",
	Name:      "envelopes_total",
	Help:      "Envelopes routed by the dispatcher, by kind and result.",
}, []string{"kind", "result"})

type Dispatcher struct {
	handlers map[event.Kind]HandlerFunc
}

// New wires the default handlers to sink.
func New(sink Sink) *Dispatcher {
	d := &Dispatcher{handlers: make(map[event.Kind]HandlerFunc, 4)}
	d.Handle(event.KindAttendanceRecorded, notifyAttendance(sink))
	d.Handle(event.KindExamResultsPublished, notifyExamResults(sink))
	d.Handle(event.KindPaymentCompleted, logOnly)
	d.Handle(event.KindUserCreated, logOnly)
	return d
}

// Handle registers h for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind event.Kind, h HandlerFunc) {
	d.handlers[kind] = h
}

// Dispatch runs the handler for env's kind. Kinds without a handler are
// logged and ignored; handler failures come back as *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, env event.Envelope) error {
	kind := env.Kind()
	h, ok := d.handlers[kind]
	if !ok {
		dispatchedTotal.WithLabelValues(string(kind), "ignored").Inc()
		logging.LogWarn("no handler for event kind", logrus.Fields{"kind": kind, "event_id": env.ID()})
		return nil
	}
	if err := h(ctx, env); err != nil {
		dispatchedTotal.WithLabelValues(string(kind), "error").Inc()
		var de *DispatchError
		if errors.As(err, &de) {
			return err
		}
		return &DispatchError{Kind: kind, EventID: env.ID(), Err: err}
	}
	dispatchedTotal.WithLabelValues(string(kind), "ok").Inc()
	return nil
}

func notifyAttendance(sink Sink) HandlerFunc {
	return func(ctx context.Context, env event.Envelope) error {
		p, ok := env.Payload().(event.AttendanceRecorded)
		if !ok {
			return fmt.Errorf("unexpected payload %T", env.Payload())
		}
		return notify(ctx, sink, env, event.AttendanceChannel(p.ClassSectionID), FieldAttendanceRecorded, p)
	}
}

func notifyExamResults(sink Sink) HandlerFunc {
	return func(ctx context.Context, env event.Envelope) error {
		p, ok := env.Payload().(event.ExamResultsPublished)
		if !ok {
			return fmt.Errorf("unexpected payload %T", env.Payload())
		}
		return notify(ctx, sink, env, event.ExamResultsChannel(p.StudentID), FieldExamResultPublished, p)
	}
}

func notify(ctx context.Context, sink Sink, env event.Envelope, channel, field string, payload any) error {
	body, err := json.Marshal(map[string]any{field: payload})
	if err != nil {
		return &DispatchError{Kind: env.Kind(), EventID: env.ID(), Channel: channel, Err: err}
	}
	if err := sink.Publish(ctx, channel, body); err != nil {
		return &DispatchError{Kind: env.Kind(), EventID: env.ID(), Channel: channel, Err: err}
	}
	logging.LogDebug("notification published", logrus.Fields{
		"channel": channel, "kind": env.Kind(), "event_id": env.ID(),
	})
	return nil
}

// no channel exists for these kinds yet
func logOnly(_ context.Context, env event.Envelope) error {
	logging.LogInfo("event received", logrus.Fields{
		"kind": env.Kind(), "event_id": env.ID(), "key": env.PartitionKey(),
	})
	return nil
}
