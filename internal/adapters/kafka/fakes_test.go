package kafka

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/school-events/internal/domain/event"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kgo.Message
	err    error
	closed int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *fakeWriter) written() []kgo.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kgo.Message(nil), w.msgs...)
}

// fakeReader hands out queued messages and then blocks until closed.
type fakeReader struct {
	in        chan kgo.Message
	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	committed []kgo.Message
}

func newFakeReader(msgs ...kgo.Message) *fakeReader {
	r := &fakeReader{in: make(chan kgo.Message, len(msgs)+16), closed: make(chan struct{})}
	for _, m := range msgs {
		r.in <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kgo.Message, error) {
	select {
	case <-ctx.Done():
		return kgo.Message{}, ctx.Err()
	case <-r.closed:
		return kgo.Message{}, io.EOF
	case m := <-r.in:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kgo.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		out = append(out, m.Offset)
	}
	return out
}

type recordingDispatcher struct {
	mu   sync.Mutex
	got  []event.Envelope
	fail map[string]error // by event id
	hook func(event.Envelope)
}

func (d *recordingDispatcher) Dispatch(_ context.Context, env event.Envelope) error {
	if d.hook != nil {
		d.hook(env)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, env)
	if err := d.fail[env.ID()]; err != nil {
		return err
	}
	return nil
}

func (d *recordingDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.got))
	for _, e := range d.got {
		out = append(out, e.ID())
	}
	return out
}

func okProbe(context.Context, []string) error { return nil }

func attendanceEnvelope(t *testing.T, id, section string) event.Envelope {
	t.Helper()
	env, err := event.New(event.AttendanceRecorded{
		AttendanceID:   "att-" + id,
		StudentID:      "S1",
		ClassSectionID: section,
		Date:           "2024-05-01",
		Status:         event.StatusPresent,
		RecordedBy:     "T1",
	}, event.WithID(id), event.WithClock(func() time.Time {
		return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	return env
}

func record(t *testing.T, topic string, partition int, offset int64, env event.Envelope) kgo.Message {
	t.Helper()
	b, err := event.Encode(env)
	require.NoError(t, err)
	return kgo.Message{Topic: topic, Partition: partition, Offset: offset, Value: b}
}
