package messaging

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/courierhq/courier/contracts"
)

func envelopeWithRetries(n int) *contracts.Envelope {
	env := contracts.NewEnvelope(orderPlaced{})
	if n > 0 {
		env = env.With(contracts.RedeliveryStamp{RetryCount: n})
	}
	return env
}

func TestMultiplierRetryStrategy(t *testing.T) {
	boom := errors.New("boom")

	t.Run("creates with default jitter", func(t *testing.T) {
		s := DefaultRetryStrategy()

		assert.Equal(t, 3, s.MaxRetries)
		assert.Equal(t, time.Second, s.Delay)
		assert.Equal(t, 2.0, s.Multiplier)
		assert.Equal(t, 0.1, s.Jitter)
		assert.NoError(t, s.Validate())
	})

	t.Run("is retryable while budget remains", func(t *testing.T) {
		s := NewMultiplierRetryStrategy(3, time.Second, 2, 0)

		for i := 0; i < 3; i++ {
			assert.True(t, s.IsRetryable(envelopeWithRetries(i), boom), "attempt %d", i)
		}
		assert.False(t, s.IsRetryable(envelopeWithRetries(3), boom))
	})

	t.Run("unrecoverable errors fail fast", func(t *testing.T) {
		s := NewMultiplierRetryStrategy(3, time.Second, 2, 0)

		assert.False(t, s.IsRetryable(envelopeWithRetries(0), Unrecoverable(boom)))
	})

	t.Run("recoverable errors ignore the budget", func(t *testing.T) {
		s := NewMultiplierRetryStrategy(1, time.Second, 2, 0)

		assert.True(t, s.IsRetryable(envelopeWithRetries(10), Recoverable(boom, 0)))
	})

	t.Run("waiting time grows with the multiplier", func(t *testing.T) {
		s := NewMultiplierRetryStrategy(10, 100*time.Millisecond, 2, 0)
		s.Jitter = 0

		tests := []struct {
			retries  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, 1600 * time.Millisecond},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("retry %d", tt.retries), func(t *testing.T) {
				assert.Equal(t, tt.expected, s.WaitingTime(envelopeWithRetries(tt.retries), boom))
			})
		}
	})

	t.Run("waiting time is capped", func(t *testing.T) {
		s := NewMultiplierRetryStrategy(10, time.Second, 3, 5*time.Second)
		s.Jitter = 0

		assert.Equal(t, 5*time.Second, s.WaitingTime(envelopeWithRetries(4), boom))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		s := NewMultiplierRetryStrategy(10, time.Second, 1, 0)
		s.Jitter = 0.1

		s.random = func() float64 { return 0 }
		assert.Equal(t, 900*time.Millisecond, s.WaitingTime(envelopeWithRetries(0), boom))

		s.random = func() float64 { return 1 }
		assert.Equal(t, 1100*time.Millisecond, s.WaitingTime(envelopeWithRetries(0), boom))
	})

	t.Run("recoverable delay wins", func(t *testing.T) {
		s := NewMultiplierRetryStrategy(10, time.Second, 2, 0)

		assert.Equal(t, 42*time.Second, s.WaitingTime(envelopeWithRetries(0), Recoverable(boom, 42*time.Second)))
	})

	t.Run("validate rejects bad settings", func(t *testing.T) {
		bad := []*MultiplierRetryStrategy{
			{MaxRetries: -1, Multiplier: 1},
			{Delay: -time.Second, Multiplier: 1},
			{Multiplier: 0.5},
			{Multiplier: 1, MaxDelay: -1},
			{Multiplier: 1, Jitter: 1.5},
		}
		for _, s := range bad {
			assert.Error(t, s.Validate())
		}
	})
}
