package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

// ErrCircuitOpen возвращается, пока circuit breaker не пропускает вызовы.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("CircuitState(%d)", int(s))
	}
}

// CircuitBreaker размыкается после maxFailures ошибок подряд и
// пропускает пробный вызов через resetTimeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()

		if cb.state != CircuitOpen && (cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures) {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0
	return nil
}

// ResilientPublisher повторяет публикацию с экспоненциальной задержкой
// и перестаёт обращаться к брокеру, пока разомкнут circuit breaker.
type ResilientPublisher struct {
	next    domain.EventPublisher
	retry   RetryConfig
	breaker *CircuitBreaker
	logger  *log.Entry
}

// NewResilientPublisher оборачивает next; breaker может быть nil.
func NewResilientPublisher(next domain.EventPublisher, cfg RetryConfig, breaker *CircuitBreaker, logger *log.Entry) *ResilientPublisher {
	if logger == nil {
		logger = log.WithField("component", "resilient-publisher")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &ResilientPublisher{
		next:    next,
		retry:   cfg,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ResilientPublisher) Publish(ctx context.Context, event domain.Event) error {
	var lastErr error
	delay := p.retry.InitialDelay

	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		err := p.attempt(ctx, event)
		if err == nil {
			if attempt > 1 {
				p.logger.WithFields(log.Fields{
					"event_type": event.Type,
					"event_id":   event.ID,
					"attempt":    attempt,
				}).Info("event published after retry")
			}
			return nil
		}

		lastErr = err
		if !shouldRetry(err) || attempt == p.retry.MaxAttempts {
			break
		}

		p.logger.WithFields(log.Fields{
			"event_type": event.Type,
			"attempt":    attempt,
			"delay":      delay,
		}).WithError(err).Debug("publish failed, retrying")

		if err := sleepContext(ctx, delay); err != nil {
			return fmt.Errorf("publish %s: %w", event.Type, err)
		}
		delay = nextDelay(delay, p.retry)
	}

	return lastErr
}

func (p *ResilientPublisher) attempt(ctx context.Context, event domain.Event) error {
	if p.breaker == nil {
		return p.next.Publish(ctx, event)
	}
	return p.breaker.Execute(string(event.Type), func() error {
		return p.next.Publish(ctx, event)
	})
}

// shouldRetry не повторяет отмену контекста и разомкнутый breaker.
func shouldRetry(err error) bool {
	return !errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func nextDelay(delay time.Duration, cfg RetryConfig) time.Duration {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay = time.Duration(float64(delay) * factor)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ domain.EventPublisher = (*ResilientPublisher)(nil)
