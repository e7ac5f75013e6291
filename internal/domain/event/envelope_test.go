package event_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reybrally/school-events/internal/domain/event"
)

var fixedNow = func() time.Time {
	return time.Date(2024, 9, 2, 8, 30, 15, 123456789, time.FixedZone("IST", 5*3600+1800))
}

func samplePayloads() []event.Payload {
	return []event.Payload{
		event.AttendanceRecorded{
			AttendanceID:   "att-1",
			StudentID:      "S1",
			ClassSectionID: "C1",
			Date:           "2024-09-02T00:00:00.000Z",
			Status:         event.StatusPresent,
			RecordedBy:     "teacher-7",
		},
		event.ExamResultsPublished{
			ExamID:        "exam-1",
			StudentID:     "S1",
			ResultID:      "res-1",
			ObtainedMarks: 87.5,
			MaxMarks:      100,
			Subject:       "Mathematics",
		},
		event.PaymentCompleted{
			PaymentID: "pay-1",
			InvoiceID: "inv-1",
			StudentID: "S1",
			Amount:    1500.25,
			Method:    "UPI",
			TxRef:     "UPI-778812",
		},
		event.PaymentCompleted{
			PaymentID: "pay-2",
			InvoiceID: "inv-1",
			StudentID: "S1",
			Amount:    0,
			Method:    "CASH",
		},
		event.UserCreated{
			UserID: "u-1",
			Email:  "asha@school.test",
			Role:   "TEACHER",
			Name:   "Asha Rao",
		},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, p := range samplePayloads() {
		t.Run(string(p.Kind()), func(t *testing.T) {
			env, err := event.New(p, event.WithClock(fixedNow))
			require.NoError(t, err)

			b, err := event.Encode(env)
			require.NoError(t, err)

			got, err := event.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, env, got)
			assert.Equal(t, p, got.Payload())
			assert.Equal(t, p.Kind(), got.Kind())
		})
	}
}

func TestNewStampsUTCMillis(t *testing.T) {
	env, err := event.New(samplePayloads()[0], event.WithClock(fixedNow), event.WithID("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, "evt-1", env.ID())
	assert.Equal(t, time.UTC, env.OccurredAt().Location())
	assert.Equal(t, 123*int(time.Millisecond), env.OccurredAt().Nanosecond())
	assert.Equal(t, "C1", env.PartitionKey())
}

func TestNewRejectsInvalidPayload(t *testing.T) {
	cases := map[string]event.Payload{
		"nil":            nil,
		"missing class":  event.AttendanceRecorded{AttendanceID: "a", StudentID: "s", Date: "d", Status: event.StatusLate, RecordedBy: "r"},
		"bad status":     event.AttendanceRecorded{AttendanceID: "a", StudentID: "s", ClassSectionID: "c", Date: "d", Status: "SICK", RecordedBy: "r"},
		"negative marks": event.ExamResultsPublished{ExamID: "e", StudentID: "s", ResultID: "r", ObtainedMarks: -1, MaxMarks: 10, Subject: "x"},
		"blank email":    event.UserCreated{UserID: "u", Email: "  ", Role: "ADMIN", Name: "n"},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := event.New(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, event.ErrInvalidPayload))
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	raw := []byte(`{"type":"FEES_WAIVED","payload":{"studentId":"S1"},"timestamp":"2024-09-02T03:00:15.123Z"}`)

	env, err := event.Decode(raw)
	require.Error(t, err)
	assert.True(t, env.IsZero())

	var de *event.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, event.Kind("FEES_WAIVED"), de.Kind)
	assert.ErrorIs(t, err, event.ErrUnknownKind)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		raw   string
		field string
		want  error
	}{
		"not json":         {raw: `{"type":`, want: event.ErrMalformed},
		"no type":          {raw: `{"payload":{},"timestamp":"2024-09-02T03:00:15.123Z"}`, field: "type", want: event.ErrMissingField},
		"no timestamp":     {raw: `{"type":"USER_CREATED","payload":{"userId":"u","email":"e","role":"r","name":"n"}}`, field: "timestamp", want: event.ErrMissingField},
		"bad timestamp":    {raw: `{"type":"USER_CREATED","payload":{"userId":"u","email":"e","role":"r","name":"n"},"timestamp":"yesterday"}`, field: "timestamp", want: event.ErrMalformed},
		"null payload":     {raw: `{"type":"USER_CREATED","payload":null,"timestamp":"2024-09-02T03:00:15.123Z"}`, field: "payload", want: event.ErrMissingField},
		"missing field":    {raw: `{"type":"USER_CREATED","payload":{"userId":"u","email":"e","role":"r"},"timestamp":"2024-09-02T03:00:15.123Z"}`, field: "name", want: event.ErrMissingField},
		"null field":       {raw: `{"type":"EXAM_RESULTS_PUBLISHED","payload":{"examId":"e","studentId":"s","resultId":"r","obtainedMarks":null,"maxMarks":10,"subject":"x"},"timestamp":"2024-09-02T03:00:15.123Z"}`, field: "obtainedMarks", want: event.ErrMissingField},
		"kind mismatch":    {raw: `{"type":"ATTENDANCE_RECORDED","payload":{"userId":"u","email":"e","role":"r","name":"n"},"timestamp":"2024-09-02T03:00:15.123Z"}`, field: "attendanceId", want: event.ErrMissingField},
		"wrong field type": {raw: `{"type":"PAYMENT_COMPLETED","payload":{"paymentId":"p","invoiceId":"i","studentId":"s","amount":"ten","method":"CASH"},"timestamp":"2024-09-02T03:00:15.123Z"}`, field: "payload", want: event.ErrMalformed},
		"invalid status":   {raw: `{"type":"ATTENDANCE_RECORDED","payload":{"attendanceId":"a","studentId":"s","classSectionId":"c","date":"d","status":"SICK","recordedBy":"r"},"timestamp":"2024-09-02T03:00:15.123Z"}`, field: "payload", want: event.ErrInvalidPayload},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := event.Decode([]byte(tc.raw))
			var de *event.DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.field, de.Field)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeAcceptsEnvelopeWithoutID(t *testing.T) {
	raw := []byte(`{"type":"ATTENDANCE_RECORDED","payload":{"attendanceId":"a1","studentId":"S1","classSectionId":"C1","date":"2024-09-02","status":"ABSENT","recordedBy":"t1"},"timestamp":"2024-09-02T03:00:15.123Z"}`)

	env, err := event.Decode(raw)
	require.NoError(t, err)
	assert.Empty(t, env.ID())
	assert.Equal(t, event.KindAttendanceRecorded, env.Kind())
	assert.Equal(t, time.Date(2024, 9, 2, 3, 0, 15, 123_000_000, time.UTC), env.OccurredAt())
}

func TestEncodeRejectsZeroEnvelope(t *testing.T) {
	_, err := event.Encode(event.Envelope{})
	assert.ErrorIs(t, err, event.ErrInvalidPayload)
}

func TestChannelKeys(t *testing.T) {
	assert.Equal(t, "attendance:C1", event.AttendanceChannel("C1"))
	assert.Equal(t, "examResults:S1", event.ExamResultsChannel("S1"))

	ns, id, ok := event.SplitChannelKey("examResults:S1")
	require.True(t, ok)
	assert.Equal(t, event.NamespaceExamResults, ns)
	assert.Equal(t, "S1", id)

	_, _, ok = event.SplitChannelKey("attendance:")
	assert.False(t, ok)
}

func TestTopics(t *testing.T) {
	topics := event.DefaultTopics()
	assert.Equal(t, "attendance.recorded", topics.For(event.KindAttendanceRecorded))
	assert.Equal(t, []string{"attendance.recorded", "exam.results.published", "payment.completed", "user.created"}, topics.All())

	custom := event.Topics{event.KindUserCreated: "school.users"}
	assert.Equal(t, "school.users", custom.For(event.KindUserCreated))
	assert.Equal(t, "payment.completed", custom.For(event.KindPaymentCompleted))
	assert.Len(t, custom.All(), 4)
}
