package event

import "sort"

// Kind is the wire tag of an envelope.
type Kind string

const (
	KindAttendanceRecorded   Kind = "ATTENDANCE_RECORDED"
	KindExamResultsPublished Kind = "EXAM_RESULTS_PUBLISHED"
	KindPaymentCompleted     Kind = "PAYMENT_COMPLETED"
	KindUserCreated          Kind = "USER_CREATED"
)

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindAttendanceRecorded, KindExamResultsPublished, KindPaymentCompleted, KindUserCreated}
}

func (k Kind) Known() bool {
	switch k {
	case KindAttendanceRecorded, KindExamResultsPublished, KindPaymentCompleted, KindUserCreated:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Topics maps every kind to the durable log topic carrying it.
type Topics map[Kind]string

func DefaultTopics() Topics {
	return Topics{
		KindAttendanceRecorded:   "attendance.recorded",
		KindExamResultsPublished: "exam.results.published",
		KindPaymentCompleted:     "payment.completed",
		KindUserCreated:          "user.created",
	}
}

// For returns the topic for k, falling back to the default name.
func (t Topics) For(k Kind) string {
	if name, ok := t[k]; ok && name != "" {
		return name
	}
	return DefaultTopics()[k]
}

// All returns the distinct topic names, sorted.
func (t Topics) All() []string {
	seen := make(map[string]struct{}, len(t))
	out := make([]string, 0, len(t))
	for _, k := range Kinds() {
		name := t.For(k)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
