package serialization

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/contracts"
)

func newTestRegistry(t *testing.T) *DefaultTypeRegistry {
	t.Helper()
	registry := NewTypeRegistry()
	require.NoError(t, registry.Register("test.command", TestCommand{}))
	require.NoError(t, registry.Register("test.event", &TestEvent{}))
	require.NoError(t, registry.RegisterStamp(customStamp{}))
	return registry
}

func TestSerializers(t *testing.T) {
	registry := newTestRegistry(t)
	redeliveredAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	serializers := map[string]Serializer{
		"json":    NewJSONSerializer(WithTypeRegistry(registry)),
		"msgpack": NewMsgpackSerializer(registry),
	}

	for name, serializer := range serializers {
		t.Run(name, func(t *testing.T) {
			t.Run("keeps message and sendable stamps", func(t *testing.T) {
				env := contracts.NewEnvelope(TestCommand{OrderID: "o-1", Amount: 12.5},
					contracts.RedeliveryStamp{RetryCount: 1, SenderAlias: "async", RedeliveredAt: redeliveredAt},
					contracts.RedeliveryStamp{RetryCount: 2, SenderAlias: "async", RedeliveredAt: redeliveredAt},
					contracts.DelayStamp{Delay: 500 * time.Millisecond},
					contracts.HandledStamp{HandlerName: "billing"},
					contracts.ReceivedStamp{TransportName: "async"},
					contracts.TransportMessageIDStamp{ID: "1"},
					customStamp{Tenant: "acme"},
				)

				encoded, err := serializer.Encode(env)
				require.NoError(t, err)
				assert.Equal(t, "test.command", encoded.Headers[HeaderType])

				decoded, err := serializer.Decode(encoded)
				require.NoError(t, err)

				assert.Equal(t, TestCommand{OrderID: "o-1", Amount: 12.5}, decoded.Message())
				redeliveries := contracts.All[contracts.RedeliveryStamp](decoded)
				require.Len(t, redeliveries, 2)
				assert.Equal(t, 2, redeliveries[1].RetryCount)
				assert.True(t, redeliveredAt.Equal(redeliveries[1].RedeliveredAt))

				delay, ok := contracts.Last[contracts.DelayStamp](decoded)
				require.True(t, ok)
				assert.Equal(t, 500*time.Millisecond, delay.Delay)

				handled, ok := contracts.Last[contracts.HandledStamp](decoded)
				require.True(t, ok)
				assert.Equal(t, "billing", handled.HandlerName)

				tenant, ok := contracts.Last[customStamp](decoded)
				require.True(t, ok)
				assert.Equal(t, "acme", tenant.Tenant)

				assert.False(t, contracts.Has[contracts.ReceivedStamp](decoded))
				assert.False(t, contracts.Has[contracts.TransportMessageIDStamp](decoded))
			})

			t.Run("decodes pointer registrations as pointers", func(t *testing.T) {
				env := contracts.NewEnvelope(&TestEvent{EventType: "created"})

				encoded, err := serializer.Encode(env)
				require.NoError(t, err)
				decoded, err := serializer.Decode(encoded)
				require.NoError(t, err)

				event, ok := decoded.Message().(*TestEvent)
				require.True(t, ok)
				assert.Equal(t, "created", event.EventType)
			})

			t.Run("keeps error details", func(t *testing.T) {
				env := contracts.NewEnvelope(TestCommand{}, contracts.NewErrorDetailsStamp(errors.New("boom")))

				encoded, err := serializer.Encode(env)
				require.NoError(t, err)
				decoded, err := serializer.Decode(encoded)
				require.NoError(t, err)

				details, ok := contracts.Last[contracts.ErrorDetailsStamp](decoded)
				require.True(t, ok)
				assert.Equal(t, "boom", details.ErrorMessage)
				assert.Equal(t, "*errors.errorString", details.ErrorClass)
			})

			t.Run("refuses unregistered messages", func(t *testing.T) {
				_, err := serializer.Encode(contracts.NewEnvelope(struct{ A int }{A: 1}))
				assert.ErrorIs(t, err, ErrUnknownType)
			})

			t.Run("reports empty bodies", func(t *testing.T) {
				_, err := serializer.Decode(&Encoded{})
				assert.True(t, IsDecodeError(err))
			})
		})
	}

	t.Run("json decode reports unknown type names", func(t *testing.T) {
		serializer := NewJSONSerializer(WithTypeRegistry(registry))

		_, err := serializer.Decode(&Encoded{Body: []byte(`{}`), Headers: map[string]string{HeaderType: "missing"}})
		require.Error(t, err)
		assert.True(t, IsDecodeError(err))
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("json decode requires a type header", func(t *testing.T) {
		serializer := NewJSONSerializer(WithTypeRegistry(registry))

		_, err := serializer.Decode(&Encoded{Body: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrMissingType)
	})

	t.Run("for name", func(t *testing.T) {
		s, err := ForName("", registry)
		require.NoError(t, err)
		assert.IsType(t, &JSONSerializer{}, s)

		s, err = ForName("msgpack", registry)
		require.NoError(t, err)
		assert.IsType(t, &MsgpackSerializer{}, s)

		_, err = ForName("xml", registry)
		assert.Error(t, err)
	})
}
