package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kernelci/eventbus/pkg/envelope"
	"github.com/kernelci/eventbus/pkg/eventlog"
	"github.com/kernelci/eventbus/pkg/log"
	"github.com/kernelci/eventbus/pkg/metrics"
	"github.com/kernelci/eventbus/pkg/pubsub"
	"github.com/kernelci/eventbus/pkg/registry"
	"github.com/kernelci/eventbus/pkg/types"
)

// defaultEventsLimit is the /events page size when the request sets no
// limit; an explicit limit may go up to eventlog.DefaultRangeLimit.
const defaultEventsLimit = 100

// Server exposes the pub/sub engine over HTTP.
type Server struct {
	mgr      *pubsub.Manager
	pub      *pubsub.Publisher
	eventLog *eventlog.Log
	auth     Authenticator
	httpSrv  *http.Server
	logger   zerolog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(mgr *pubsub.Manager, pub *pubsub.Publisher, evlog *eventlog.Log, auth Authenticator) *Server {
	return &Server{
		mgr:      mgr,
		pub:      pub,
		eventLog: evlog,
		auth:     auth,
		logger:   log.WithComponent("api"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /subscribe/{channel}", s.authed("subscribe", s.handleSubscribe))
	mux.HandleFunc("POST /unsubscribe/{id}", s.authed("unsubscribe", s.handleUnsubscribe))
	mux.HandleFunc("GET /listen/{id}", s.authed("listen", s.handleListen))
	mux.HandleFunc("POST /publish/{channel}", s.authed("publish", s.handlePublish))
	mux.HandleFunc("GET /events", s.authed("events", s.handleEvents))
	mux.HandleFunc("GET /subscriptions", s.authed("subscriptions", s.handleSubscriptions))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start serves the API on addr, blocking until shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// authed wraps a handler with authentication and request accounting.
func (s *Server) authed(route string, h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}()

		user, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(rec, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		h(rec, r, user)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, user string) {
	channel := r.PathValue("channel")
	opts := pubsub.Options{
		SubscriberID: r.URL.Query().Get("subscriber_id"),
		Promiscuous:  parseBool(r.URL.Query().Get("promiscuous")),
	}

	sub, err := s.mgr.Subscribe(r.Context(), channel, user, opts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request, user string) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	if err := s.mgr.Unsubscribe(id, user); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request, user string) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}

	msg, err := s.mgr.Listen(r.Context(), id, user)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll; nothing to write.
			return
		}
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(msg.Payload)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, user string) {
	channel := r.PathValue("channel")

	var body struct {
		Type   string          `json:"type"`
		Source string          `json:"source"`
		Owner  string          `json:"owner"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid event body: %v", err))
		return
	}
	if len(body.Data) == 0 {
		writeError(w, http.StatusBadRequest, "event body has no data")
		return
	}

	seq, err := s.pub.Publish(r.Context(), channel, body.Data, envelope.Attributes{
		Type:   body.Type,
		Source: body.Source,
		Owner:  body.Owner,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequence_id": seq})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ string) {
	q := r.URL.Query()

	if idStr := q.Get("id"); idStr != "" {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid event id")
			return
		}
		ev, err := s.eventLog.Get(id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
		return
	}

	var fromSeq int64
	if v := q.Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from_seq")
			return
		}
		fromSeq = n
	}
	limit := defaultEventsLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > eventlog.DefaultRangeLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := s.eventLog.Range(q.Get("channel"), fromSeq, "", true, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}

	resp := map[string]any{
		"items": events,
		"count": len(events),
	}
	if len(events) == limit {
		resp["next_from_seq"] = events[len(events)-1].SequenceID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, s.mgr.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// writeEngineError maps engine failures to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pubsub.ErrNotFound), errors.Is(err, eventlog.ErrNotFound),
		errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pubsub.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pubsub.ErrSubscriberConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pubsub.ErrInvalidChannel):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
