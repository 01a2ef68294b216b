package messaging

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/courierhq/courier/contracts"
)

// RetryStrategy decides whether a failed envelope is redelivered and when
type RetryStrategy interface {
	// IsRetryable reports whether env should be redelivered after err
	IsRetryable(env *contracts.Envelope, err error) bool
	// WaitingTime returns the delay before the next attempt
	WaitingTime(env *contracts.Envelope, err error) time.Duration
}

// RetryStrategyLocator finds the retry strategy of a transport
type RetryStrategyLocator interface {
	RetryStrategy(transport string) (RetryStrategy, bool)
}

// RetryStrategies is a RetryStrategyLocator backed by a map
type RetryStrategies map[string]RetryStrategy

// RetryStrategy implements RetryStrategyLocator
func (m RetryStrategies) RetryStrategy(transport string) (RetryStrategy, bool) {
	s, ok := m[transport]
	return s, ok
}

// Default retry settings
const (
	DefaultMaxRetries = 3
	DefaultDelay      = time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.1
)

// MultiplierRetryStrategy waits Delay * Multiplier^attempt between attempts.
// The attempt number comes from the last RedeliveryStamp of the envelope.
type MultiplierRetryStrategy struct {
	MaxRetries int
	Delay      time.Duration
	Multiplier float64
	// MaxDelay caps the delay; zero means no cap
	MaxDelay time.Duration
	// Jitter randomizes the delay by up to this fraction in both directions
	Jitter float64

	random func() float64
}

// NewMultiplierRetryStrategy creates a strategy with the default jitter
func NewMultiplierRetryStrategy(maxRetries int, delay time.Duration, multiplier float64, maxDelay time.Duration) *MultiplierRetryStrategy {
	return &MultiplierRetryStrategy{
		MaxRetries: maxRetries,
		Delay:      delay,
		Multiplier: multiplier,
		MaxDelay:   maxDelay,
		Jitter:     DefaultJitter,
		random:     rand.Float64,
	}
}

// DefaultRetryStrategy retries 3 times waiting 1s, 2s and 4s
func DefaultRetryStrategy() *MultiplierRetryStrategy {
	return NewMultiplierRetryStrategy(DefaultMaxRetries, DefaultDelay, DefaultMultiplier, 0)
}

// Validate checks the strategy settings
func (s *MultiplierRetryStrategy) Validate() error {
	switch {
	case s.MaxRetries < 0:
		return fmt.Errorf("max retries must be greater than or equal to zero: %d given", s.MaxRetries)
	case s.Delay < 0:
		return fmt.Errorf("delay must be greater than or equal to zero: %s given", s.Delay)
	case s.Multiplier < 1:
		return fmt.Errorf("multiplier must be greater than or equal to one: %g given", s.Multiplier)
	case s.MaxDelay < 0:
		return fmt.Errorf("max delay must be greater than or equal to zero: %s given", s.MaxDelay)
	case s.Jitter < 0 || s.Jitter > 1:
		return fmt.Errorf("jitter must be between 0 and 1: %g given", s.Jitter)
	}
	return nil
}

// IsRetryable implements RetryStrategy.
// An error's RetryPolicy wins over the remaining budget.
func (s *MultiplierRetryStrategy) IsRetryable(env *contracts.Envelope, err error) bool {
	switch PolicyOf(err) {
	case PolicyForceFail:
		return false
	case PolicyForceRetry:
		return true
	}
	return contracts.RetryCount(env) < s.MaxRetries
}

// WaitingTime implements RetryStrategy
func (s *MultiplierRetryStrategy) WaitingTime(env *contracts.Envelope, err error) time.Duration {
	if d, ok := RetryDelay(err); ok {
		return d
	}

	delay := float64(s.Delay) * math.Pow(s.Multiplier, float64(contracts.RetryCount(env)))

	if s.Jitter > 0 {
		random := s.random
		if random == nil {
			random = rand.Float64
		}
		randomness := delay * s.Jitter
		delay += (random()*2 - 1) * randomness
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}
