package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/reybrally/school-events/internal/app/events"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/subscription"
)

type streamOpener interface {
	Open(ctx context.Context, channels ...string) (*subscription.Stream, error)
}

// SubscriptionService is the consumer-facing entry point. Callers must
// authorize the client before subscribing.
type SubscriptionService struct {
	mux streamOpener
}

func NewSubscriptionService(mux streamOpener) *SubscriptionService {
	return &SubscriptionService{mux: mux}
}

// SubscribeAttendance streams attendance notifications for every listed
// class section through one stream.
func (s *SubscriptionService) SubscribeAttendance(ctx context.Context, classSectionIDs ...string) (*subscription.Stream, error) {
	ids := events.NormalizeIDs(classSectionIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: classSectionId is required", events.ErrInvalidData)
	}
	channels := make([]string, 0, len(ids))
	for _, id := range ids {
		channels = append(channels, event.AttendanceChannel(id))
	}
	return s.mux.Open(ctx, channels...)
}

func (s *SubscriptionService) SubscribeExamResults(ctx context.Context, studentID string) (*subscription.Stream, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, fmt.Errorf("%w: studentId is required", events.ErrInvalidData)
	}
	return s.mux.Open(ctx, event.ExamResultsChannel(studentID))
}
