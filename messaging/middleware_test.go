package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/contracts"
)

// MockSender is a mock implementation of Sender
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	args := m.Called(ctx, env)
	if sent := args.Get(0); sent != nil {
		return sent.(*contracts.Envelope), args.Error(1)
	}
	return env, args.Error(1)
}

func staticNamer(name string) TypeNamer {
	return func(any) string { return name }
}

func newTestBus(handlers *HandlersLocator, senders *SendersLocator) *MessageBus {
	return NewMessageBus(WithMiddleware(
		NewSendMessageMiddleware(senders, nil),
		NewHandleMessageMiddleware(handlers),
	))
}

func TestSendMessageMiddleware(t *testing.T) {
	ctx := context.Background()

	t.Run("sends routed messages and skips handlers", func(t *testing.T) {
		sender := &MockSender{}
		sender.On("Send", mock.Anything, mock.MatchedBy(func(env *contracts.Envelope) bool {
			s, ok := contracts.Last[contracts.SentStamp](env)
			return ok && s.SenderAlias == "async"
		})).Return(nil, nil).Once()

		handlers := NewHandlersLocator(WithTypeNamer(staticNamer("order")))
		called := false
		require.NoError(t, handlers.RegisterFunc("order", func(context.Context, any) error {
			called = true
			return nil
		}))
		senders := NewSendersLocator(map[string][]string{"order": {"async"}}, SenderMap{"async": sender}).
			WithNamer(staticNamer("order"))

		_, err := newTestBus(handlers, senders).Dispatch(ctx, orderPlaced{})
		require.NoError(t, err)

		assert.False(t, called)
		sender.AssertExpectations(t)
	})

	t.Run("handles received messages without sending them", func(t *testing.T) {
		sender := &MockSender{}
		handlers := NewHandlersLocator(WithTypeNamer(staticNamer("order")))
		called := false
		require.NoError(t, handlers.RegisterFunc("order", func(context.Context, any) error {
			called = true
			return nil
		}))
		senders := NewSendersLocator(map[string][]string{"order": {"async"}}, SenderMap{"async": sender}).
			WithNamer(staticNamer("order"))

		env, err := newTestBus(handlers, senders).Dispatch(ctx, orderPlaced{}, contracts.ReceivedStamp{TransportName: "async"})
		require.NoError(t, err)

		assert.True(t, called)
		assert.True(t, contracts.Has[contracts.HandledStamp](env))
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("transport names stamp overrides routing", func(t *testing.T) {
		async := &MockSender{}
		failed := &MockSender{}
		failed.On("Send", mock.Anything, mock.Anything).Return(nil, nil).Once()

		senders := NewSendersLocator(map[string][]string{"*": {"async"}}, SenderMap{"async": async, "failed": failed})
		bus := newTestBus(NewHandlersLocator(), senders)

		_, err := bus.Dispatch(ctx, orderPlaced{}, contracts.TransportNamesStamp{Names: []string{"failed"}})
		require.NoError(t, err)

		failed.AssertExpectations(t)
		async.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("unknown transports are reported", func(t *testing.T) {
		senders := NewSendersLocator(map[string][]string{"*": {"missing"}}, SenderMap{})
		bus := newTestBus(NewHandlersLocator(), senders)

		_, err := bus.Dispatch(ctx, orderPlaced{})
		assert.ErrorIs(t, err, ErrUnknownTransport)
	})

	t.Run("send errors are returned", func(t *testing.T) {
		sender := &MockSender{}
		sender.On("Send", mock.Anything, mock.Anything).Return(nil, errors.New("broker down"))
		senders := NewSendersLocator(map[string][]string{"*": {"async"}}, SenderMap{"async": sender})

		_, err := newTestBus(NewHandlersLocator(), senders).Dispatch(ctx, orderPlaced{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker down")
	})
}

func TestHandleMessageMiddleware(t *testing.T) {
	ctx := context.Background()
	noRoutes := NewSendersLocator(nil, SenderMap{})

	t.Run("collects every handler failure", func(t *testing.T) {
		handlers := NewHandlersLocator(WithTypeNamer(staticNamer("order")))
		var calls []string
		for _, name := range []string{"first", "second", "third"} {
			name := name
			require.NoError(t, handlers.RegisterFunc("order", func(context.Context, any) error {
				calls = append(calls, name)
				if name == "second" {
					return nil
				}
				return fmt.Errorf("%s failed", name)
			}, WithHandlerName(name)))
		}

		_, err := newTestBus(handlers, noRoutes).Dispatch(ctx, orderPlaced{})

		var hf *HandlerFailedError
		require.ErrorAs(t, err, &hf)
		assert.Equal(t, []string{"first", "second", "third"}, calls)
		assert.Contains(t, hf.Error(), "2 handlers failed. First failure is: first failed")

		handled := contracts.All[contracts.HandledStamp](hf.Envelope())
		require.Len(t, handled, 1)
		assert.Equal(t, "second", handled[0].HandlerName)
	})

	t.Run("skips handlers that already handled the envelope", func(t *testing.T) {
		handlers := NewHandlersLocator(WithTypeNamer(staticNamer("order")))
		var calls []string
		for _, name := range []string{"a", "b"} {
			name := name
			require.NoError(t, handlers.RegisterFunc("order", func(context.Context, any) error {
				calls = append(calls, name)
				return nil
			}, WithHandlerName(name)))
		}

		_, err := newTestBus(handlers, noRoutes).Dispatch(ctx, orderPlaced{}, contracts.HandledStamp{HandlerName: "a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, calls)
	})

	t.Run("from transport restricts handlers", func(t *testing.T) {
		handlers := NewHandlersLocator(WithTypeNamer(staticNamer("order")))
		var calls []string
		require.NoError(t, handlers.RegisterFunc("order", func(context.Context, any) error {
			calls = append(calls, "one")
			return nil
		}, WithHandlerName("one"), FromTransport("transport1")))
		require.NoError(t, handlers.RegisterFunc("order", func(context.Context, any) error {
			calls = append(calls, "two")
			return nil
		}, WithHandlerName("two"), FromTransport("transport2")))
		require.NoError(t, handlers.RegisterFunc("order", func(context.Context, any) error {
			calls = append(calls, "any")
			return nil
		}, WithHandlerName("any")))

		_, err := newTestBus(handlers, noRoutes).Dispatch(ctx, orderPlaced{}, contracts.ReceivedStamp{TransportName: "transport2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"two", "any"}, calls)
	})

	t.Run("missing handlers", func(t *testing.T) {
		_, err := newTestBus(NewHandlersLocator(), noRoutes).Dispatch(ctx, orderPlaced{})
		assert.ErrorIs(t, err, ErrNoHandler)

		bus := NewMessageBus(WithMiddleware(NewHandleMessageMiddleware(NewHandlersLocator(), AllowNoHandlers())))
		_, err = bus.Dispatch(ctx, orderPlaced{})
		assert.NoError(t, err)
	})

	t.Run("stop requests count as handled", func(t *testing.T) {
		handlers := NewHandlersLocator(WithTypeNamer(staticNamer("order")))
		require.NoError(t, handlers.RegisterFunc("order", func(context.Context, any) error {
			return fmt.Errorf("maintenance window: %w", ErrStopWorker)
		}, WithHandlerName("stopper")))

		env, err := newTestBus(handlers, noRoutes).Dispatch(ctx, orderPlaced{})
		require.NoError(t, err)
		assert.True(t, contracts.Has[StopRequestedStamp](env))
		assert.True(t, alreadyHandled(env, "stopper"))
	})

	t.Run("duplicate handler names are rejected", func(t *testing.T) {
		handlers := NewHandlersLocator()
		noop := func(context.Context, any) error { return nil }

		require.NoError(t, handlers.RegisterFunc("order", noop, WithHandlerName("h")))
		assert.Error(t, handlers.RegisterFunc("order", noop, WithHandlerName("h")))
	})

	t.Run("default names are stable per registration order", func(t *testing.T) {
		handlers := NewHandlersLocator(WithTypeNamer(staticNamer("order")))
		noop := func(context.Context, any) error { return nil }
		require.NoError(t, handlers.RegisterFunc("order", noop))
		require.NoError(t, handlers.RegisterFunc("order", noop))

		descriptors := handlers.HandlersFor(contracts.NewEnvelope(orderPlaced{}))
		require.Len(t, descriptors, 2)
		assert.Equal(t, "order#0", descriptors[0].Name)
		assert.Equal(t, "order#1", descriptors[1].Name)
	})
}

func TestMessageBus(t *testing.T) {
	t.Run("runs middleware in order", func(t *testing.T) {
		var order []string
		record := func(name string) Middleware {
			return MiddlewareFunc(func(ctx context.Context, env *contracts.Envelope, next Next) (*contracts.Envelope, error) {
				order = append(order, name)
				return next(ctx, env)
			})
		}
		bus := NewMessageBus(WithMiddleware(record("a"), record("b")))

		env, err := bus.Dispatch(context.Background(), orderPlaced{ID: "9"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, order)
		assert.Equal(t, orderPlaced{ID: "9"}, env.Message())
	})

	t.Run("rejects nil messages", func(t *testing.T) {
		_, err := NewMessageBus().Dispatch(context.Background(), nil)
		assert.Error(t, err)
	})
}
