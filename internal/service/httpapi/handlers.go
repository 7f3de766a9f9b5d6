package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/query"
	"github.com/vladislavdragonenkov/bakery/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bakery/internal/viewmodel"
)

const (
	maxBodyBytes      = 1 << 20
	defaultHeartbeat  = 15 * time.Second
	sseSnapshotEvent  = "snapshot"
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
)

// OrderRepository — операции репозитория, которые нужны HTTP API.
type OrderRepository interface {
	viewmodel.Repository
	Snapshot(ctx context.Context, filter domain.Filter) ([]domain.Order, error)
	History(ctx context.Context, id string) ([]domain.TimelineEvent, error)
}

// Server обслуживает HTTP/JSON API заказов.
type Server struct {
	repo       OrderRepository
	controller *viewmodel.Controller
	guard      *idempotency.Guard
	loc        *time.Location
	logger     *log.Entry
	heartbeat  time.Duration
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocation задаёт часовой пояс, в котором понимается параметр date.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithHeartbeat задаёт период комментариев-пингов в SSE-потоке.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewServer создаёт обработчики API.
func NewServer(repo OrderRepository, opts ...Option) *Server {
	s := &Server{
		repo:      repo,
		loc:       time.Local,
		logger:    log.WithField("component", "http-api"),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.controller = viewmodel.NewController(repo, nil, s.logger)
	return s
}

// Router собирает маршруты /api/....
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/fillings", s.listFillings).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.idempotent(s.createOrder)).Methods(http.MethodPost)
	api.HandleFunc("/orders/stream", s.streamOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.idempotent(s.patchOrder)).Methods(http.MethodPatch)
	api.HandleFunc("/orders/{id}", s.deleteOrder).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{id}/status", s.setStatus).Methods(http.MethodPut)
	api.HandleFunc("/orders/{id}/history", s.history).Methods(http.MethodGet)

	return s.logMiddleware(r)
}

func (s *Server) listFillings(w http.ResponseWriter, _ *http.Request) {
	fillings := domain.Fillings()
	out := make([]fillingJSON, 0, len(fillings))
	for _, f := range fillings {
		out = append(out, fillingJSON{Slug: string(f), Label: f.Label()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.filter(w, r)
	if !ok {
		return
	}

	orders, err := s.repo.Snapshot(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toViewJSON(viewmodel.BuildView(filter, orders)))
}

// streamOrders отдаёт полный снимок событием snapshot на каждое изменение.
func (s *Server) streamOrders(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.filter(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming is not supported"})
		return
	}

	board := viewmodel.NewBoard(s.repo, viewmodel.WithBoardLogger(s.logger.WithField("stream", "orders")))
	defer board.Close()

	if err := board.Watch(filter); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case view, ok := <-board.Updates():
			if !ok {
				return
			}
			data, err := json.Marshal(toViewJSON(view))
			if err != nil {
				s.logger.WithError(err).Error("encode snapshot")
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseSnapshotEvent, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}

	items, err := fromItemsJSON(req.Items)
	if err != nil {
		s.writeError(w, err)
		return
	}

	form := viewmodel.NewForm()
	form.Draft = domain.NewDraft(req.CustomerName, items)
	if err := s.controller.Submit(r.Context(), form); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createdResponse{ID: form.SavedID})
}

func (s *Server) patchOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req patchRequest
	if !s.decode(w, r, &req) {
		return
	}

	var patch domain.OrderPatch
	if req.CustomerName != nil {
		name := strings.TrimSpace(*req.CustomerName)
		patch.CustomerName = &name
	}
	if req.Items != nil {
		items, err := fromItemsJSON(*req.Items)
		if err != nil {
			s.writeError(w, err)
			return
		}
		patch.Items = items
	}
	if req.Status != nil {
		status, err := domain.ParseOrderStatus(*req.Status)
		if err != nil {
			s.writeError(w, err)
			return
		}
		patch.Status = &status
	}
	if patch.IsEmpty() {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "nothing to update"})
		return
	}

	if err := s.repo.Update(r.Context(), id, patch); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.controller.RequestStatusChange(r.Context(), id, status); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))

	confirmer := viewmodel.ConfirmFunc(func(context.Context, string) bool { return confirm })
	if err := s.controller.RequestDelete(r.Context(), id, confirmer); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	events, err := s.repo.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]timelineJSON, 0, len(events))
	for _, event := range events {
		out = append(out, timelineJSON{
			Type:       event.Type,
			Reason:     event.Reason,
			OccurredAt: event.Occurred.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) filter(w http.ResponseWriter, r *http.Request) (domain.Filter, bool) {
	filter, err := query.FilterForDate(r.URL.Query().Get("date"), s.loc)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date must be " + query.DateLayout})
		return domain.Filter{}, false
	}
	return filter, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:      vErr.Error(),
			NameError:  vErr.NameMissing,
			ItemsError: vErr.ItemsMissing,
		})
	case errors.Is(err, viewmodel.ErrDeleteDeclined):
		s.writeJSON(w, http.StatusPreconditionRequired, errorResponse{Error: "delete must be confirmed with confirm=true"})
	case domain.IsValidation(err),
		errors.Is(err, domain.ErrFillingUnknown),
		errors.Is(err, domain.ErrStatusInvalid):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case domain.IsNotFound(err):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case domain.IsPersistence(err):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "order store is unavailable"})
	default:
		s.logger.WithError(err).Error("unhandled api error")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("write response")
	}
}

func (s *Server) logMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.WithFields(log.Fields{
			"method":     r.Method,
			"url":        r.URL.String(),
			"remoteAddr": r.RemoteAddr,
			"userAgent":  r.UserAgent(),
		}).Debug("got a new request")
		h.ServeHTTP(w, r)
	})
}
