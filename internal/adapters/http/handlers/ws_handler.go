package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/app/events"
	"github.com/reybrally/school-events/internal/dispatch"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
	"github.com/reybrally/school-events/internal/subscription"
)

const wsSubprotocol = "graphql-transport-ws"

// message types of the graphql-transport-ws protocol
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// close codes
const (
	closeBadRequest   = 4400
	closeUnauthorized = 4401
	closeInitTimeout  = 4408
	closeDuplicateOp  = 4409
	closeTooManyInits = 4429
)

var (
	wsInitTimeout  = 10 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{wsSubprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	OperationName string `json:"operationName,omitempty"`
	Query         string `json:"query"`
	Variables     struct {
		ClassSectionIDs []string `json:"classSectionIds"`
		ClassSectionID  string   `json:"classSectionId"`
		StudentID       string   `json:"studentId"`
	} `json:"variables"`
}

type wsError struct {
	Message string `json:"message"`
}

// Subscriptions serves both subscription fields over one websocket.
func (h *Handlers) Subscriptions(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogError("problem initiating websocket", err, logrus.Fields{"method": "Subscriptions"})
		return
	}
	s := &wsSession{
		h:    h,
		req:  r,
		conn: conn,
		ops:  make(map[string]*wsOp),
		log:  logging.With(logrus.Fields{"method": "Subscriptions", "remote": r.RemoteAddr}),
	}
	s.serve(r.Context())
}

type wsSession struct {
	h    *Handlers
	req  *http.Request
	conn *websocket.Conn
	log  *logrus.Entry

	writeMu sync.Mutex

	mu  sync.Mutex
	ops map[string]*wsOp
	wg  sync.WaitGroup
}

// wsOp is one running operation. An id may be reused after complete, so
// the forwarder only removes the entry it registered.
type wsOp struct {
	cancel context.CancelFunc
}

func (s *wsSession) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		s.wg.Wait()
		_ = s.conn.Close()
	}()

	if s.conn.Subprotocol() != wsSubprotocol {
		s.closeWith(closeBadRequest, "unsupported subprotocol")
		return
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(wsInitTimeout))
	acked := false
	for {
		var msg wsMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			var ne interface{ Timeout() bool }
			if !acked && errors.As(err, &ne) && ne.Timeout() {
				s.closeWith(closeInitTimeout, "connection initialisation timeout")
			}
			return
		}

		switch msg.Type {
		case msgConnectionInit:
			if acked {
				s.closeWith(closeTooManyInits, "too many initialisation requests")
				return
			}
			acked = true
			_ = s.conn.SetReadDeadline(time.Time{})
			if err := s.write(wsMessage{Type: msgConnectionAck}); err != nil {
				return
			}
		case msgPing:
			if err := s.write(wsMessage{Type: msgPong}); err != nil {
				return
			}
		case msgPong:
		case msgSubscribe:
			if !acked {
				s.closeWith(closeUnauthorized, "unauthorized")
				return
			}
			if msg.ID == "" {
				s.closeWith(closeBadRequest, "subscribe without id")
				return
			}
			if !s.start(ctx, msg) {
				return
			}
		case msgComplete:
			s.stop(msg.ID)
		default:
			s.closeWith(closeBadRequest, fmt.Sprintf("unexpected message type %q", msg.Type))
			return
		}
	}
}

// start opens a stream for a subscribe message. It returns false when the
// connection must be closed.
func (s *wsSession) start(ctx context.Context, msg wsMessage) bool {
	var p subscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		s.closeWith(closeBadRequest, "invalid subscribe payload")
		return false
	}

	s.mu.Lock()
	_, dup := s.ops[msg.ID]
	s.mu.Unlock()
	if dup {
		s.closeWith(closeDuplicateOp, fmt.Sprintf("subscriber for %s already exists", msg.ID))
		return false
	}

	opCtx, cancel := context.WithCancel(ctx)
	stream, err := s.open(opCtx, p)
	if err != nil {
		cancel()
		s.log.WithError(err).WithField("op", msg.ID).Debug("subscribe rejected")
		return s.write(wsMessage{ID: msg.ID, Type: msgError, Payload: mustJSON([]wsError{{Message: err.Error()}})}) == nil
	}

	op := &wsOp{cancel: cancel}
	s.mu.Lock()
	s.ops[msg.ID] = op
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stream.Close()
		s.forward(opCtx, msg.ID, op, stream)
	}()
	return true
}

func (s *wsSession) open(ctx context.Context, p subscribePayload) (*subscription.Stream, error) {
	field := p.OperationName
	if field == "" {
		field = p.Query
	}
	switch {
	case strings.Contains(field, dispatch.FieldAttendanceRecorded):
		ids := p.Variables.ClassSectionIDs
		if p.Variables.ClassSectionID != "" {
			ids = append(ids, p.Variables.ClassSectionID)
		}
		ids = events.NormalizeIDs(ids)
		if err := s.h.auth.Authorize(s.req, Scope{Namespace: event.NamespaceAttendance, IDs: ids}); err != nil {
			return nil, err
		}
		return s.h.subs.SubscribeAttendance(ctx, ids...)
	case strings.Contains(field, dispatch.FieldExamResultPublished):
		id := strings.TrimSpace(p.Variables.StudentID)
		if err := s.h.auth.Authorize(s.req, Scope{Namespace: event.NamespaceExamResults, IDs: []string{id}}); err != nil {
			return nil, err
		}
		return s.h.subs.SubscribeExamResults(ctx, id)
	}
	return nil, fmt.Errorf("%w: unknown subscription field", events.ErrInvalidData)
}

func (s *wsSession) forward(ctx context.Context, id string, op *wsOp, stream *subscription.Stream) {
	for {
		n, err := stream.Next(ctx)
		if err != nil {
			s.mu.Lock()
			live := s.ops[id] == op
			if live {
				delete(s.ops, id)
			}
			s.mu.Unlock()
			// client-sent complete removes the op first and needs no reply
			if live && ctx.Err() == nil {
				_ = s.write(wsMessage{ID: id, Type: msgComplete})
			}
			return
		}
		data := map[string]json.RawMessage{n.Field: n.Data}
		if err := s.write(wsMessage{ID: id, Type: msgNext, Payload: mustJSON(map[string]any{"data": data})}); err != nil {
			return
		}
	}
}

func (s *wsSession) stop(id string) {
	s.mu.Lock()
	op, ok := s.ops[id]
	delete(s.ops, id)
	s.mu.Unlock()
	if ok {
		op.cancel()
	}
}

func (s *wsSession) write(msg wsMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSession) closeWith(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
