package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyMessage struct {
	Text string
}

func TestEnvelope(t *testing.T) {
	t.Run("wraps message without stamps", func(t *testing.T) {
		msg := &dummyMessage{Text: "hello"}
		env := NewEnvelope(msg)

		assert.Same(t, msg, env.Message())
		assert.Empty(t, env.Stamps())
	})

	t.Run("with returns a new envelope and keeps the original", func(t *testing.T) {
		original := NewEnvelope(&dummyMessage{}, ReceivedStamp{TransportName: "async"})
		updated := original.With(DelayStamp{Delay: 5})

		assert.NotSame(t, original, updated)
		assert.Len(t, original.Stamps(), 1)
		assert.Len(t, updated.Stamps(), 2)
		assert.Same(t, original.Message(), updated.Message())
	})

	t.Run("appending to siblings does not share storage", func(t *testing.T) {
		base := NewEnvelope(&dummyMessage{}, SentStamp{SenderClass: "a"}, SentStamp{SenderClass: "b"})
		left := base.With(ReceivedStamp{TransportName: "left"})
		right := base.With(ReceivedStamp{TransportName: "right"})

		l, _ := Last[ReceivedStamp](left)
		r, _ := Last[ReceivedStamp](right)
		assert.Equal(t, "left", l.TransportName)
		assert.Equal(t, "right", r.TransportName)
		assert.False(t, Has[ReceivedStamp](base))
	})

	t.Run("wrapping an envelope appends stamps", func(t *testing.T) {
		env := NewEnvelope(&dummyMessage{}, DelayStamp{Delay: 1})
		wrapped := NewEnvelope(env, SentStamp{SenderClass: "x"})

		assert.Len(t, wrapped.Stamps(), 2)
		assert.Len(t, env.Stamps(), 1)
	})

	t.Run("last returns the most recent stamp of a kind", func(t *testing.T) {
		env := NewEnvelope(&dummyMessage{}).
			With(RedeliveryStamp{RetryCount: 0}).
			With(ReceivedStamp{TransportName: "async"}).
			With(RedeliveryStamp{RetryCount: 1})

		last, ok := Last[RedeliveryStamp](env)
		require.True(t, ok)
		assert.Equal(t, 1, last.RetryCount)

		all := All[RedeliveryStamp](env)
		require.Len(t, all, 2)
		assert.Equal(t, 0, all[0].RetryCount)
		assert.Equal(t, 1, all[1].RetryCount)
	})

	t.Run("last reports missing stamps", func(t *testing.T) {
		env := NewEnvelope(&dummyMessage{})

		_, ok := Last[DelayStamp](env)
		assert.False(t, ok)
		assert.Empty(t, All[DelayStamp](env))
		assert.Equal(t, 0, RetryCount(env))
	})

	t.Run("without all leaves the original untouched", func(t *testing.T) {
		env := NewEnvelope(&dummyMessage{},
			ReceivedStamp{TransportName: "async"},
			TransportMessageIDStamp{ID: "42"},
			RedeliveryStamp{RetryCount: 2},
		)
		stripped := WithoutAll[TransportMessageIDStamp](WithoutAll[ReceivedStamp](env))

		assert.False(t, Has[ReceivedStamp](stripped))
		assert.False(t, Has[TransportMessageIDStamp](stripped))
		assert.Equal(t, 2, RetryCount(stripped))
		assert.True(t, Has[ReceivedStamp](env))
	})

	t.Run("sendable drops process local stamps", func(t *testing.T) {
		env := NewEnvelope(&dummyMessage{},
			ReceivedStamp{TransportName: "async"},
			TransportMessageIDStamp{ID: "42"},
			ConsumedByWorkerStamp{},
			HandledStamp{HandlerName: "h1"},
		)

		stamps := env.Sendable().Stamps()
		require.Len(t, stamps, 1)
		assert.Equal(t, HandledStampName, stamps[0].StampName())
	})

	t.Run("keep last trims the oldest stamps", func(t *testing.T) {
		env := NewEnvelope(&dummyMessage{})
		for i := 0; i < 5; i++ {
			env = env.With(RedeliveryStamp{RetryCount: i}, DelayStamp{})
		}
		trimmed := KeepLast[RedeliveryStamp](env, 2)

		counts := All[RedeliveryStamp](trimmed)
		require.Len(t, counts, 2)
		assert.Equal(t, 3, counts[0].RetryCount)
		assert.Equal(t, 4, counts[1].RetryCount)
		assert.Len(t, All[DelayStamp](trimmed), 5)
		assert.Same(t, env, KeepLast[DelayStamp](env, 10))
	})
}

func TestFlattenError(t *testing.T) {
	t.Run("follows wrapped errors", func(t *testing.T) {
		root := errors.New("connection refused")
		err := fmt.Errorf("send: %w", root)

		details := FlattenError(err)
		require.NotNil(t, details)
		assert.Equal(t, "*fmt.wrapError", details.Class)
		assert.Equal(t, []string{"send: connection refused", "connection refused"}, details.Chain())
	})

	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, FlattenError(nil))
	})

	t.Run("error details stamp equality ignores chain", func(t *testing.T) {
		a := NewErrorDetailsStamp(errors.New("boom"))
		b := NewErrorDetailsStamp(errors.New("boom"))
		c := NewErrorDetailsStamp(errors.New("other"))

		assert.True(t, a.Equal(b))
		assert.False(t, a.Equal(c))
	})
}
