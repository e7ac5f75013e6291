package events

import (
	"strings"

	"github.com/reybrally/school-events/internal/domain/event"
)

// Normalize* only trim surrounding whitespace. Values are forwarded as the
// caller committed them; attendance status is the one enum folded to upper case.

func NormalizeAttendance(p *event.AttendanceRecorded) {
	if p == nil {
		return
	}
	p.AttendanceID = strings.TrimSpace(p.AttendanceID)
	p.StudentID = strings.TrimSpace(p.StudentID)
	p.ClassSectionID = strings.TrimSpace(p.ClassSectionID)
	p.Date = strings.TrimSpace(p.Date)
	p.RecordedBy = strings.TrimSpace(p.RecordedBy)
	p.Status = event.AttendanceStatus(strings.ToUpper(strings.TrimSpace(string(p.Status))))
}

func NormalizeExamResults(p *event.ExamResultsPublished) {
	if p == nil {
		return
	}
	p.ExamID = strings.TrimSpace(p.ExamID)
	p.StudentID = strings.TrimSpace(p.StudentID)
	p.ResultID = strings.TrimSpace(p.ResultID)
	p.Subject = strings.TrimSpace(p.Subject)
}

func NormalizePayment(p *event.PaymentCompleted) {
	if p == nil {
		return
	}
	p.PaymentID = strings.TrimSpace(p.PaymentID)
	p.InvoiceID = strings.TrimSpace(p.InvoiceID)
	p.StudentID = strings.TrimSpace(p.StudentID)
	p.Method = strings.TrimSpace(p.Method)
	p.TxRef = strings.TrimSpace(p.TxRef)
}

func NormalizeUser(p *event.UserCreated) {
	if p == nil {
		return
	}
	p.UserID = strings.TrimSpace(p.UserID)
	p.Email = strings.TrimSpace(p.Email)
	p.Role = strings.TrimSpace(p.Role)
	p.Name = strings.TrimSpace(p.Name)
}

// NormalizeIDs trims ids and drops empty ones and repeats, keeping order.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
