package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/app/events"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
	"github.com/reybrally/school-events/internal/subscription"
)

// KeepAlive is how long an idle event stream waits before a comment line.
var KeepAlive = 15 * time.Second

// splitIDs accepts both ?classSectionId=a&classSectionId=b and ?classSectionId=a,b.
func splitIDs(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (h *Handlers) StreamAttendance(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query()["classSectionId"])
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "classSectionId is required")
		return
	}
	if err := h.auth.Authorize(r, Scope{Namespace: event.NamespaceAttendance, IDs: ids}); err != nil {
		code := authStatus(err)
		writeError(w, code, http.StatusText(code))
		return
	}
	h.stream(w, r, "StreamAttendance", func(ctx context.Context) (*subscription.Stream, error) {
		return h.subs.SubscribeAttendance(ctx, ids...)
	})
}

func (h *Handlers) StreamExamResults(w http.ResponseWriter, r *http.Request) {
	studentID := strings.TrimSpace(chi.URLParam(r, "studentId"))
	if studentID == "" {
		writeError(w, http.StatusBadRequest, "studentId is required")
		return
	}
	if err := h.auth.Authorize(r, Scope{Namespace: event.NamespaceExamResults, IDs: []string{studentID}}); err != nil {
		code := authStatus(err)
		writeError(w, code, http.StatusText(code))
		return
	}
	h.stream(w, r, "StreamExamResults", func(ctx context.Context) (*subscription.Stream, error) {
		return h.subs.SubscribeExamResults(ctx, studentID)
	})
}

func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, method string, open func(context.Context) (*subscription.Stream, error)) {
	fields := logrus.Fields{"method": method, "remote": r.RemoteAddr}

	s, err := open(r.Context())
	if err != nil {
		if errors.Is(err, events.ErrInvalidData) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.LogError("Error opening subscription", err, fields)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer s.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logging.LogError("streaming not supported", err, fields)
		return
	}
	logging.LogDebug("event stream opened", fields)

	for {
		waitCtx, cancel := context.WithTimeout(r.Context(), KeepAlive)
		n, err := s.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Field, n.Data); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		default:
			logging.LogDebug("event stream closed", fields)
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
