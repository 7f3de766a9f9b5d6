package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultPingTimeout  = 2 * time.Second
	defaultCheckTimeout = 5 * time.Second
)

// Status — состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// worse сообщает, хуже ли s, чем other.
func (s Status) worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело ответа /healthz и /readyz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент. Реализация должна уважать отмену ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler агрегирует зарегистрированные проверки.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startTime time.Time
	timeout   time.Duration
	now       func() time.Time
}

// NewHandler создаёт health handler.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startTime: time.Now(),
		timeout:   defaultCheckTimeout,
		now:       time.Now,
	}
}

// RegisterChecker регистрирует проверку; повторная регистрация имени заменяет прежнюю.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	if checker == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Evaluate параллельно выполняет все проверки и сводит общий статус.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for name, c := range h.checkers {
		checkers[name] = c
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Check, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			check := checkers[name].Check(ctx)
			if check.Name == "" {
				check.Name = name
			}
			results[i] = check
			return nil
		})
	}
	_ = g.Wait()

	resp := Response{
		Status:        StatusHealthy,
		Timestamp:     h.now().UTC(),
		Checks:        make(map[string]Check, len(names)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	for i, name := range names {
		resp.Checks[name] = results[i]
		if results[i].Status.worse(resp.Status) {
			resp.Status = results[i].Status
		}
	}
	return resp
}

// ServeHTTP отдаёт полный отчёт; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Evaluate(r.Context())
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// ReadinessHandler сообщает, готов ли сервис принимать трафик.
// Degraded-компоненты готовности не снимают.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.Evaluate(r.Context())
	ready := struct {
		Ready  bool     `json:"ready"`
		Status Status   `json:"status"`
		Failed []string `json:"failed,omitempty"`
	}{Ready: resp.Status != StatusUnhealthy, Status: resp.Status}

	for name, check := range resp.Checks {
		if check.Status == StatusUnhealthy {
			ready.Failed = append(ready.Failed, name)
		}
	}
	sort.Strings(ready.Failed)

	code := http.StatusOK
	if !ready.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ready)
}

// LivenessHandler всегда отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// FuncChecker превращает функцию в проверку. Ошибка даёт статус onError.
type FuncChecker struct {
	name    string
	onError Status
	checkFn func(ctx context.Context) error
}

// NewSimpleChecker создаёт критичную проверку, ошибка означает unhealthy.
func NewSimpleChecker(name string, checkFn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, onError: StatusUnhealthy, checkFn: checkFn}
}

// NewDegradedChecker создаёт некритичную проверку, ошибка означает degraded,
// сервис продолжает отвечать (например, растёт backlog outbox).
func NewDegradedChecker(name string, checkFn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, onError: StatusDegraded, checkFn: checkFn}
}

// Check выполняет проверку.
func (c *FuncChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.checkFn(ctx)
	check := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = c.onError
		check.Message = err.Error()
	}
	return check
}

// Pinger: зависимость, доступность которой проверяется запросом.
// Ему удовлетворяют хранилище заказов и postgres.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingChecker проверяет зависимость через Ping не дольше timeout.
func NewPingChecker(name string, pinger Pinger, timeout time.Duration) *FuncChecker {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return NewSimpleChecker(name, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return pinger.Ping(ctx)
	})
}
