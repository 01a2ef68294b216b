package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

type ping struct {
	N int `json:"n"`
}

func TestTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("send assigns a message id and drops local stamps", func(t *testing.T) {
		tr := New()

		sent, err := tr.Send(ctx, contracts.NewEnvelope(ping{N: 1}, contracts.ReceivedStamp{TransportName: "x"}))
		require.NoError(t, err)
		id := messaging.MessageID(sent)
		assert.NotEmpty(t, id)

		stored, err := tr.Find(ctx, id)
		require.NoError(t, err)
		assert.False(t, contracts.Has[contracts.ReceivedStamp](stored))
	})

	t.Run("get moves envelopes in flight until settled", func(t *testing.T) {
		tr := New()
		_, _ = tr.Send(ctx, contracts.NewEnvelope(ping{N: 1}))
		_, _ = tr.Send(ctx, contracts.NewEnvelope(ping{N: 2}))

		envs, err := tr.Get(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 2)

		again, err := tr.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, tr.Ack(ctx, envs[0]))
		require.NoError(t, tr.Reject(ctx, envs[1]))
		assert.Len(t, tr.Acknowledged(), 1)
		assert.Len(t, tr.Rejected(), 1)

		count, err := tr.MessageCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("reject removes a queued envelope", func(t *testing.T) {
		tr := New()
		sent, _ := tr.Send(ctx, contracts.NewEnvelope(ping{N: 1}))

		require.NoError(t, tr.Reject(ctx, sent))

		all, err := tr.All(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("unknown ids", func(t *testing.T) {
		tr := New()

		_, err := tr.Find(ctx, "nope")
		assert.ErrorIs(t, err, messaging.ErrMessageNotFound)
		err = tr.Ack(ctx, contracts.NewEnvelope(ping{}, contracts.TransportMessageIDStamp{ID: "nope"}))
		assert.ErrorIs(t, err, messaging.ErrMessageNotFound)
	})

	t.Run("all honors the limit", func(t *testing.T) {
		tr := New()
		for i := 0; i < 3; i++ {
			_, _ = tr.Send(ctx, contracts.NewEnvelope(ping{N: i}))
		}

		all, err := tr.All(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("serializer round trip", func(t *testing.T) {
		registry := serialization.NewTypeRegistry()
		require.NoError(t, registry.Register("ping", ping{}))
		tr := New(WithSerializer(serialization.NewJSONSerializer(serialization.WithTypeRegistry(registry))))

		_, err := tr.Send(ctx, contracts.NewEnvelope(ping{N: 7}, contracts.HandledStamp{HandlerName: "h", Result: "x"}))
		require.NoError(t, err)

		envs, err := tr.Get(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, ping{N: 7}, envs[0].Message())
		handled, ok := contracts.Last[contracts.HandledStamp](envs[0])
		require.True(t, ok)
		assert.Nil(t, handled.Result)
	})

	t.Run("reset", func(t *testing.T) {
		tr := New()
		_, _ = tr.Send(ctx, contracts.NewEnvelope(ping{}))

		tr.Reset()
		assert.Empty(t, tr.Sent())
		count, _ := tr.MessageCount(ctx)
		assert.Zero(t, count)
	})
}
