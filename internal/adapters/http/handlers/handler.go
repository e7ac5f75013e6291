package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/reybrally/school-events/internal/app/events"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/subscription"
)

type emitterInterface interface {
	EmitAttendanceRecorded(ctx context.Context, p event.AttendanceRecorded) (events.Result, error)
	EmitExamResultsPublished(ctx context.Context, p event.ExamResultsPublished) (events.Result, error)
	EmitPaymentCompleted(ctx context.Context, p event.PaymentCompleted) (events.Result, error)
	EmitUserCreated(ctx context.Context, p event.UserCreated) (events.Result, error)
}

type subscriberInterface interface {
	SubscribeAttendance(ctx context.Context, classSectionIDs ...string) (*subscription.Stream, error)
	SubscribeExamResults(ctx context.Context, studentID string) (*subscription.Stream, error)
}

type Handlers struct {
	emitter emitterInterface
	subs    subscriberInterface
	auth    Authorizer
	checks  []ReadinessCheck
}

type Option func(*Handlers)

func WithAuthorizer(a Authorizer) Option {
	return func(h *Handlers) { h.auth = a }
}

func WithReadinessChecks(checks ...ReadinessCheck) Option {
	return func(h *Handlers) { h.checks = append(h.checks, checks...) }
}

// NewHandlers accepts a nil emitter or subscriber for processes that serve
// only one side; the matching routes are then not mounted.
func NewHandlers(emitter emitterInterface, subs subscriberInterface, opts ...Option) *Handlers {
	h := &Handlers{emitter: emitter, subs: subs, auth: AllowAll{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
