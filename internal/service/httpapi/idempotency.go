package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/service/idempotency"
)

// Заголовки идемпотентности.
const (
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotentReplayed = "Idempotent-Replayed"
)

var errServerFailure = errors.New("handler answered with a server error")

// WithIdempotency включает повтор ответов по заголовку Idempotency-Key
// для POST /api/orders и PATCH /api/orders/{id}.
func WithIdempotency(guard *idempotency.Guard) Option {
	return func(s *Server) { s.guard = guard }
}

// idempotent выполняет next не больше раза на ключ. Ответы 5xx не запоминаются.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if s.guard == nil || key == "" {
			next(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		fingerprint := idempotency.Fingerprint([]byte(r.Method), []byte(r.URL.Path), body)

		var captured *responseCapture
		outcome, replayed, err := s.guard.Execute(r.Context(), key, fingerprint, func(ctx context.Context) (domain.IdempotencyOutcome, error) {
			captured = newResponseCapture()
			req := r.Clone(ctx)
			req.Body = io.NopCloser(bytes.NewReader(body))
			next(captured, req)
			return captured.outcome()
		})

		switch {
		case captured != nil:
			captured.replayTo(w)
		case err != nil:
			s.writeIdempotencyError(w, err)
		case replayed:
			w.Header().Set(HeaderIdempotentReplayed, "true")
			if len(outcome.Body) > 0 {
				w.Header().Set("Content-Type", contentTypeJSON)
			}
			w.WriteHeader(outcome.Code)
			_, _ = w.Write(outcome.Body)
		}
	}
}

func (s *Server) writeIdempotencyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "idempotency key is already used with a different request"})
	case errors.Is(err, idempotency.ErrInFlight):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, idempotency.ErrKeyTooLong):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.WithError(err).Error("idempotency store failed")
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "idempotency store is unavailable"})
	}
}

// responseCapture запоминает ответ обработчика, чтобы сохранить его и затем отдать клиенту.
type responseCapture struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func newResponseCapture() *responseCapture {
	return &responseCapture{header: make(http.Header)}
}

func (c *responseCapture) Header() http.Header { return c.header }

func (c *responseCapture) WriteHeader(code int) {
	if c.code == 0 {
		c.code = code
	}
}

func (c *responseCapture) Write(p []byte) (int, error) {
	c.WriteHeader(http.StatusOK)
	return c.body.Write(p)
}

func (c *responseCapture) status() int {
	if c.code == 0 {
		return http.StatusOK
	}
	return c.code
}

func (c *responseCapture) outcome() (domain.IdempotencyOutcome, error) {
	code := c.status()
	if code >= http.StatusInternalServerError {
		return domain.IdempotencyOutcome{}, errServerFailure
	}
	status := domain.IdempotencyStatusDone
	if code >= http.StatusBadRequest {
		status = domain.IdempotencyStatusFailed
	}
	return domain.IdempotencyOutcome{Status: status, Code: code, Body: bytes.Clone(c.body.Bytes())}, nil
}

func (c *responseCapture) replayTo(w http.ResponseWriter) {
	for k, v := range c.header {
		w.Header()[k] = v
	}
	w.WriteHeader(c.status())
	_, _ = w.Write(c.body.Bytes())
}
