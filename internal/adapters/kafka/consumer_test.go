package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/school-events/internal/domain/event"
)

const topicAttendance = "attendance.recorded"

func newTestConsumer(r *fakeReader, d Dispatcher) *Consumer {
	return NewConsumer(ConsumerConfig{
		Brokers:         []string{"b1:9092"},
		GroupID:         "g",
		Topics:          []string{topicAttendance},
		ShutdownTimeout: 2 * time.Second,
	}, d,
		WithConsumerProber(okProbe),
		WithReaderFactory(func(ConsumerConfig, []string) Reader { return r }),
	)
}

// runConsumer starts c and returns a func that stops it and waits for Start to return.
func runConsumer(t *testing.T, c *Consumer) func() {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)
	return func() {
		require.NoError(t, c.Disconnect())
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Start did not return after Disconnect")
		}
	}
}

func TestConsumerDispatchesInPartitionOrder(t *testing.T) {
	var msgs []kgo.Message
	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("evt-%02d", i)
		want = append(want, id)
		msgs = append(msgs, record(t, topicAttendance, 0, int64(i), attendanceEnvelope(t, id, "C1")))
	}
	r := newFakeReader(msgs...)
	d := &recordingDispatcher{}
	c := newTestConsumer(r, d)

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(d.ids()) == len(want) }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, want, d.ids())
	assert.Len(t, r.committedOffsets(), len(want))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumerSurvivesPoisonRecord(t *testing.T) {
	r := newFakeReader(
		kgo.Message{Topic: topicAttendance, Partition: 0, Offset: 0, Value: []byte(`{"type":"ATTENDANCE_RECORDED"`)},
		kgo.Message{Topic: topicAttendance, Partition: 0, Offset: 1, Value: []byte(`{"type":"GRADE_CHANGED","payload":{},"timestamp":"2024-05-01T08:30:00.000Z"}`)},
		record(t, topicAttendance, 0, 2, attendanceEnvelope(t, "evt-ok", "C1")),
	)
	d := &recordingDispatcher{}
	c := newTestConsumer(r, d)

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(r.committedOffsets()) == 3 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"evt-ok"}, d.ids())
	assert.Equal(t, []int64{0, 1, 2}, r.committedOffsets())
}

func TestConsumerDoesNotCommitFailedDispatch(t *testing.T) {
	r := newFakeReader(
		record(t, topicAttendance, 0, 0, attendanceEnvelope(t, "evt-bad", "C1")),
		record(t, topicAttendance, 0, 1, attendanceEnvelope(t, "evt-good", "C1")),
	)
	d := &recordingDispatcher{fail: map[string]error{"evt-bad": errors.New("sink down")}}
	c := newTestConsumer(r, d)

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(r.committedOffsets()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"evt-bad", "evt-good"}, d.ids())
	assert.Equal(t, []int64{1}, r.committedOffsets())
}

func TestConsumerSuppressesDuplicates(t *testing.T) {
	env := attendanceEnvelope(t, "evt-1", "C1")
	r := newFakeReader(
		record(t, topicAttendance, 0, 5, env),
		// redelivery of the same offset after a rebalance
		record(t, topicAttendance, 0, 5, env),
		// producer retry wrote the same envelope twice
		record(t, topicAttendance, 1, 0, env),
		record(t, topicAttendance, 1, 1, attendanceEnvelope(t, "evt-2", "C2")),
	)
	d := &recordingDispatcher{}
	c := newTestConsumer(r, d)

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return len(d.ids()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(r.committedOffsets()) == 3 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"evt-1", "evt-2"}, d.ids())
}

func TestConsumerStateMachine(t *testing.T) {
	r := newFakeReader()
	c := newTestConsumer(r, &recordingDispatcher{})
	ctx := context.Background()

	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Subscribe(topicAttendance), ErrNotConnected)
	require.NoError(t, c.Disconnect())

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateConnected, c.State())

	assert.ErrorIs(t, c.Subscribe(""), ErrNoTopics)
	require.NoError(t, c.Subscribe(topicAttendance, topicAttendance))
	assert.Equal(t, StateSubscribed, c.State())

	stop := runConsumer(t, c)
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyRunning)
	assert.ErrorIs(t, c.Subscribe("user.created"), ErrAlreadyRunning)
	stop()

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumerConnectFailure(t *testing.T) {
	c := NewConsumer(ConsumerConfig{Brokers: []string{"b1:9092"}, Topics: []string{topicAttendance}},
		&recordingDispatcher{},
		WithConsumerProber(func(context.Context, []string) error { return errors.New("refused") }),
	)
	var ce *ConnectionError
	require.ErrorAs(t, c.Start(context.Background()), &ce)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumerStopsOnContextCancel(t *testing.T) {
	r := newFakeReader()
	c := newTestConsumer(r, &recordingDispatcher{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- c.Start(ctx) }()
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Disconnect())
}

func TestConsumerDisconnectDuringDispatch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	d := &recordingDispatcher{hook: func(event.Envelope) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}}
	r := newFakeReader(record(t, topicAttendance, 0, 0, attendanceEnvelope(t, "evt-1", "C1")))
	c := newTestConsumer(r, d)

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()
	<-entered

	disconnected := make(chan error, 1)
	go func() { disconnected <- c.Disconnect() }()

	// Disconnect waits for the in-flight dispatch
	select {
	case <-disconnected:
		t.Fatal("Disconnect returned while dispatch was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-disconnected)
	require.NoError(t, <-errc)
	assert.Equal(t, []string{"evt-1"}, d.ids())
}

func TestConsumerRestartAfterSlowStopKeepsOwnState(t *testing.T) {
	r1 := newFakeReader(record(t, topicAttendance, 0, 0, attendanceEnvelope(t, "evt-a", "C1")))
	r2 := newFakeReader(record(t, topicAttendance, 0, 0, attendanceEnvelope(t, "evt-b", "C1")))
	readers := []*fakeReader{r1, r2}

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	d := &recordingDispatcher{hook: func(env event.Envelope) {
		if env.ID() == "evt-a" {
			entered <- struct{}{}
			<-release
		}
	}}
	c := NewConsumer(ConsumerConfig{
		Brokers:         []string{"b1:9092"},
		GroupID:         "g",
		Topics:          []string{topicAttendance},
		ShutdownTimeout: 50 * time.Millisecond,
	}, d,
		WithConsumerProber(okProbe),
		WithReaderFactory(func(ConsumerConfig, []string) Reader {
			r := readers[0]
			readers = readers[1:]
			return r
		}),
	)

	first := make(chan error, 1)
	go func() { first <- c.Start(context.Background()) }()
	<-entered
	// the first loop is stuck in dispatch, so this gives up waiting
	require.NoError(t, c.Disconnect())

	second := make(chan error, 1)
	go func() { second <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return len(d.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"evt-b"}, d.ids())

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, []string{"evt-b", "evt-a"}, d.ids())
	assert.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Disconnect())
	require.NoError(t, <-second)
	assert.Equal(t, []int64{0}, r2.committedOffsets())
}
