package event

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Payload is implemented only by the four variants below.
type Payload interface {
	Kind() Kind
	// PartitionKey is the entity id used as the durable log record key.
	PartitionKey() string
	validate() error
	requiredFields() []string
}

type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "PRESENT"
	StatusAbsent  AttendanceStatus = "ABSENT"
	StatusLate    AttendanceStatus = "LATE"
)

func (s AttendanceStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate:
		return true
	}
	return false
}

type AttendanceRecorded struct {
	AttendanceID   string           `json:"attendanceId"`
	StudentID      string           `json:"studentId"`
	ClassSectionID string           `json:"classSectionId"`
	Date           string           `json:"date"`
	Status         AttendanceStatus `json:"status"`
	RecordedBy     string           `json:"recordedBy"`
}

func (AttendanceRecorded) Kind() Kind             { return KindAttendanceRecorded }
func (p AttendanceRecorded) PartitionKey() string { return p.ClassSectionID }

func (AttendanceRecorded) requiredFields() []string {
	return []string{"attendanceId", "studentId", "classSectionId", "date", "status", "recordedBy"}
}

func (p AttendanceRecorded) validate() error {
	if err := requireStrings(map[string]string{
		"attendanceId":   p.AttendanceID,
		"studentId":      p.StudentID,
		"classSectionId": p.ClassSectionID,
		"date":           p.Date,
		"recordedBy":     p.RecordedBy,
	}); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return fmt.Errorf("status %q is not one of PRESENT, ABSENT, LATE", p.Status)
	}
	return nil
}

type ExamResultsPublished struct {
	ExamID        string  `json:"examId"`
	StudentID     string  `json:"studentId"`
	ResultID      string  `json:"resultId"`
	ObtainedMarks float64 `json:"obtainedMarks"`
	MaxMarks      float64 `json:"maxMarks"`
	Subject       string  `json:"subject"`
}

func (ExamResultsPublished) Kind() Kind             { return KindExamResultsPublished }
func (p ExamResultsPublished) PartitionKey() string { return p.StudentID }

func (ExamResultsPublished) requiredFields() []string {
	return []string{"examId", "studentId", "resultId", "obtainedMarks", "maxMarks", "subject"}
}

func (p ExamResultsPublished) validate() error {
	if err := requireStrings(map[string]string{
		"examId":    p.ExamID,
		"studentId": p.StudentID,
		"resultId":  p.ResultID,
		"subject":   p.Subject,
	}); err != nil {
		return err
	}
	if p.ObtainedMarks < 0 || p.MaxMarks < 0 {
		return errors.New("marks are negative")
	}
	return nil
}

type PaymentCompleted struct {
	PaymentID string  `json:"paymentId"`
	InvoiceID string  `json:"invoiceId"`
	StudentID string  `json:"studentId"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
	TxRef     string  `json:"txRef,omitempty"`
}

func (PaymentCompleted) Kind() Kind             { return KindPaymentCompleted }
func (p PaymentCompleted) PartitionKey() string { return p.StudentID }

func (PaymentCompleted) requiredFields() []string {
	return []string{"paymentId", "invoiceId", "studentId", "amount", "method"}
}

func (p PaymentCompleted) validate() error {
	if err := requireStrings(map[string]string{
		"paymentId": p.PaymentID,
		"invoiceId": p.InvoiceID,
		"studentId": p.StudentID,
		"method":    p.Method,
	}); err != nil {
		return err
	}
	if p.Amount < 0 {
		return errors.New("amount is negative")
	}
	return nil
}

type UserCreated struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

func (UserCreated) Kind() Kind             { return KindUserCreated }
func (p UserCreated) PartitionKey() string { return p.UserID }

func (UserCreated) requiredFields() []string {
	return []string{"userId", "email", "role", "name"}
}

func (p UserCreated) validate() error {
	return requireStrings(map[string]string{
		"userId": p.UserID,
		"email":  p.Email,
		"role":   p.Role,
		"name":   p.Name,
	})
}

// requireStrings reports the first empty field in a stable order.
func requireStrings(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%s is required", missing[0])
}
