package phpruntime

import (
	"context"
	"errors"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/fault"
)

// RetryConfig holds the backoff policy for runtime downloads
type RetryConfig struct {
	MaxAttempts       int           // total attempts including the first (default: 4)
	InitialBackoff    time.Duration // default: 1s
	MaxBackoff        time.Duration // default: 30s
	BackoffMultiplier float64       // default: 2.0

	// Circuit breaker settings, per source
	FailureThreshold int           // retryable failures before a source is skipped (default: 5)
	SuccessThreshold int           // successes in half-open before closing (default: 1)
	OpenTimeout      time.Duration // how long a source stays skipped (default: 1m)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		FailureThreshold:  5,
		SuccessThreshold:  1,
		OpenTimeout:       time.Minute,
	}
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // requests pass through
	CircuitOpen                         // source skipped
	CircuitHalfOpen                     // probing for recovery
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
		return "unknown"
	}
}

// errCircuitOpen is returned while a source is being skipped
var errCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops hammering a runtime source that keeps failing
type CircuitBreaker struct {
	mu deadlock.Mutex

	name             string
	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	log              *logrus.Entry
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, cfg RetryConfig, log *logrus.Entry) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		state:            CircuitClosed,
		failureThreshold: max(cfg.FailureThreshold, 1),
		successThreshold: max(cfg.SuccessThreshold, 1),
		openTimeout:      cfg.OpenTimeout,
		log:              log,
	}
}

// Allow returns an error while the circuit is open and has not timed out
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
	}
	return errCircuitOpen
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a retryable failure
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with the lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.successCount = 0
	if to == CircuitClosed {
		cb.failureCount = 0
	}
	if cb.log != nil {
		cb.log.WithFields(logrus.Fields{
			"source":   cb.name,
			"from":     from.String(),
			"to":       to.String(),
			"failures": cb.failureCount,
		}).Info("runtime source circuit changed state")
	}
}

// retryWithBackoff runs fn until it succeeds, fails with a non-retryable
// error, or attempts run out. Only network faults are retried.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, log *logrus.Entry, op string, fn func(context.Context) error) error {
	attempts := max(cfg.MaxAttempts, 1)
	backoff := cfg.InitialBackoff
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cb != nil {
			if err := cb.Allow(); err != nil {
				return fault.Wrapf(fault.KindNetwork, op, err, "source %s is failing", cb.name)
			}
		}

		err := fn(ctx)
		if err == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			if attempt > 1 {
				log.WithField("attempts", attempt).Infof("%s succeeded after retry", op)
			}
			return nil
		}
		lastErr = err

		if !fault.IsRetryable(err) {
			return err
		}
		if cb != nil {
			cb.RecordFailure()
		}
		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return fault.Wrap(fault.KindCancelled, op, ctx.Err())
		}

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"backoff": backoff,
		}).Warnf("%s failed, retrying", op)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = time.Duration(float64(backoff) * multiplier)
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		case <-ctx.Done():
			timer.Stop()
			return fault.Wrap(fault.KindCancelled, op, ctx.Err())
		}
	}

	return fault.Wrapf(fault.KindNetwork, op, lastErr, "failed after %d attempts", attempts)
}
