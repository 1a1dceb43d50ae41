package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"
)

const (
	defaultCheckTimeout = 2 * time.Second
	// Пинг хранилища дольше этого порога помечает его как degraded.
	defaultSlowAfter = 500 * time.Millisecond
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse возвращает более тяжёлый из двух статусов.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Check: результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response: тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет здоровье компонента в пределах ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// Pinger: хранилище или брокер, умеющий проверить соединение.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler собирает проверки зависимостей сервиса заказов и отдаёт их по HTTP.
type Handler struct {
	mu           sync.RWMutex
	checkers     map[string]Checker
	version      string
	startedAt    time.Time
	checkTimeout time.Duration
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers:     make(map[string]Checker),
		version:      version,
		startedAt:    time.Now(),
		checkTimeout: defaultCheckTimeout,
	}
}

// RegisterChecker добавляет или заменяет проверку с этим именем.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Evaluate запускает все проверки параллельно под общим таймаутом.
func (h *Handler) Evaluate(ctx context.Context) (Status, map[string]Check) {
	h.mu.RLock()
	checkers := maps.Clone(h.checkers)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		overall = StatusHealthy
		checks  = make(map[string]Check, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check := checker.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			checks[name] = check
			overall = worse(overall, check.Status)
		}()
	}
	wg.Wait()
	return overall, checks
}

// ServeHTTP отдаёт подробный JSON-отчёт; 503 только для unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	overall, checks := h.Evaluate(r.Context())

	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{
		Status:        overall,
		Timestamp:     time.Now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// ReadinessHandler: degraded хранилище всё ещё принимает заказы.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	overall, _ := h.Evaluate(r.Context())
	if overall == StatusUnhealthy {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeText(w, http.StatusOK, "ready")
}

func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// ProbeChecker превращает функцию проверки в Checker. Если задан slowAfter,
// успешная, но медленная проверка получает статус degraded.
type ProbeChecker struct {
	name      string
	probe     func(ctx context.Context) error
	slowAfter time.Duration
}

func NewProbeChecker(name string, probe func(ctx context.Context) error) *ProbeChecker {
	return &ProbeChecker{name: name, probe: probe}
}

// NewPingChecker проверяет хранилище через Ping с порогом медленного ответа.
func NewPingChecker(name string, pinger Pinger) *ProbeChecker {
	return &ProbeChecker{name: name, probe: pinger.Ping, slowAfter: defaultSlowAfter}
}

func (c *ProbeChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.probe(ctx)
	elapsed := time.Since(start)

	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: elapsed.Milliseconds()}
	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case c.slowAfter > 0 && elapsed > c.slowAfter:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("slow response: %s", elapsed.Round(time.Millisecond))
	}
	return check
}
