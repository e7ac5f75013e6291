package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/app/events"
	"github.com/reybrally/school-events/internal/logging"
)

type emitResponse struct {
	EventID    string `json:"eventId"`
	Type       string `json:"type"`
	Topic      string `json:"topic"`
	Published  bool   `json:"published"`
	OccurredAt string `json:"occurredAt"`
}

func (h *Handlers) EmitAttendance(w http.ResponseWriter, r *http.Request) {
	emitJSON(w, r, "EmitAttendance", h.emitter.EmitAttendanceRecorded)
}

func (h *Handlers) EmitExamResults(w http.ResponseWriter, r *http.Request) {
	emitJSON(w, r, "EmitExamResults", h.emitter.EmitExamResultsPublished)
}

func (h *Handlers) EmitPayment(w http.ResponseWriter, r *http.Request) {
	emitJSON(w, r, "EmitPayment", h.emitter.EmitPaymentCompleted)
}

func (h *Handlers) EmitUser(w http.ResponseWriter, r *http.Request) {
	emitJSON(w, r, "EmitUser", h.emitter.EmitUserCreated)
}

// emitJSON decodes a payload and hands it to emit. Publish failures do not
// fail the request: the event is reported with published=false.
func emitJSON[P any](w http.ResponseWriter, r *http.Request, method string, emit func(context.Context, P) (events.Result, error)) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	var p P
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		logging.LogError("Error decoding request body", err, logrus.Fields{"method": method})
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := emit(r.Context(), p)
	switch {
	case errors.Is(err, events.ErrInvalidData):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case res.Envelope.IsZero():
		logging.LogError("Error emitting event", err, logrus.Fields{"method": method})
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	case err != nil:
		logging.LogWarn("event accepted but not published", logrus.Fields{"method": method, "event_id": res.Envelope.ID(), "error": err.Error()})
	}

	writeJSON(w, http.StatusAccepted, emitResponse{
		EventID:    res.Envelope.ID(),
		Type:       string(res.Envelope.Kind()),
		Topic:      res.Topic,
		Published:  res.Published,
		OccurredAt: res.Envelope.OccurredAt().UTC().Format(time.RFC3339Nano),
	})
}
