// Package circuitbreaker guards calls to CI backends and the SCM with Sony's gobreaker
package circuitbreaker

import (
	stderrors "errors"
	"fmt"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"

	"github.com/sony/gobreaker"
)

// Config holds the configuration for a circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures int
	// Timeout is how long the breaker stays open before going half-open
	Timeout time.Duration
	// MaxConcurrentRequests is the number of probes allowed while half-open
	MaxConcurrentRequests int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:           5,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return fmt.Errorf("MaxFailures must be positive, got %d", c.MaxFailures)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("MaxConcurrentRequests must be positive, got %d", c.MaxConcurrentRequests)
	}
	return nil
}

var (
	// BackendConfig is for CI backend API calls
	BackendConfig = Config{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 2,
	}

	// SCMConfig is for GitHub API calls, which see occasional rate limiting
	SCMConfig = Config{
		MaxFailures:           8,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 2,
	}
)

// ErrOpen is returned, wrapped, when a call is rejected without being attempted
var ErrOpen = stderrors.New("circuit breaker open")

// Breaker wraps Sony's gobreaker
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
}

// New creates a breaker; an invalid config falls back to DefaultConfig
func New(name string, config Config, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if err := config.Validate(); err != nil {
		logger.Warn("Invalid circuit breaker config, using defaults",
			logging.Err(err),
			logging.String("name", name),
		)
		config = DefaultConfig()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Interval:    time.Minute,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
		IsSuccessful: isSuccessful,
	}

	return &Breaker{name: name, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// isSuccessful keeps caller mistakes from tripping the breaker; only backend outages count
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	switch errors.GetType(err) {
	case errors.ErrTypeValidation, errors.ErrTypeNotFound, errors.ErrTypeDefinition, errors.ErrTypeConflict:
		return true
	}
	return false
}

// Execute runs fn within the breaker
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.BackendError(fmt.Sprintf("%s unavailable", b.name), fmt.Errorf("%w: %w", ErrOpen, err))
	}
	return err
}

// ExecuteExpecting runs fn within the breaker. Errors for which expected returns true are
// still returned to the caller but do not count as failures.
func (b *Breaker) ExecuteExpecting(fn func() error, expected func(error) bool) error {
	if expected == nil {
		return b.Execute(fn)
	}
	var expectedErr error
	err := b.Execute(func() error {
		err := fn()
		if err != nil && expected(err) {
			expectedErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return expectedErr
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the gobreaker state name
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// IsOpen returns true if the breaker is open
func (b *Breaker) IsOpen() bool {
	return b.breaker.State() == gobreaker.StateOpen
}
