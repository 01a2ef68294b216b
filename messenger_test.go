package courier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/notifier"
	"github.com/courierhq/courier/serialization"
	"github.com/courierhq/courier/transports/inmemory"
)

type orderPlaced struct {
	ID string `json:"id"`
}

const orderPlacedType = "test.order_placed"

const messengerYAML = `
messenger:
  failure_transport: failed
  transports:
    async:
      dsn: "in-memory://"
      retry_strategy: {max_retries: 1}
    failed:
      dsn: "sqlite://:memory:?queue_name=failed"
  routing:
    "test.order_placed": [async]
`

func newMessenger(t *testing.T, yaml string, options ...Option) *Messenger {
	t.Helper()
	require.NoError(t, serialization.GetGlobalRegistry().Register(orderPlacedType, orderPlaced{}))

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	m, err := New(context.Background(), cfg, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// stopWhenIdle stops a worker as soon as it finds no message
var stopWhenIdle = messaging.WorkerListenerFunc(func(_ context.Context, event messaging.WorkerEvent) {
	if e, ok := event.(*messaging.WorkerRunningEvent); ok && e.Idle {
		e.Worker.Stop()
	}
})

func runWorker(t *testing.T, m *Messenger, receivers ...string) {
	t.Helper()
	worker, err := m.Worker(receivers, messaging.WithListeners(stopWhenIdle), messaging.WithSleep(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, worker.Run(context.Background()))
}

func TestMessenger(t *testing.T) {
	ctx := context.Background()

	t.Run("routes messages and handles them in a worker", func(t *testing.T) {
		m := newMessenger(t, messengerYAML)

		var handled []string
		require.NoError(t, m.RegisterFunc(orderPlaced{}, func(_ context.Context, msg any) error {
			handled = append(handled, msg.(orderPlaced).ID)
			return nil
		}))

		env, err := m.Dispatch(ctx, orderPlaced{ID: "1"})
		require.NoError(t, err)
		sent, ok := contracts.Last[contracts.SentStamp](env)
		require.True(t, ok)
		assert.Equal(t, "async", sent.SenderAlias)
		assert.Empty(t, handled, "routed messages are not handled synchronously")

		runWorker(t, m, "async")
		assert.Equal(t, []string{"1"}, handled)
	})

	t.Run("unrouted messages are handled synchronously", func(t *testing.T) {
		m := newMessenger(t, messengerYAML)

		type pinged struct{}
		var calls int
		require.NoError(t, m.RegisterFunc(pinged{}, func(context.Context, any) error {
			calls++
			return nil
		}))

		_, err := m.Dispatch(ctx, pinged{})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries then parks the message on the failure transport", func(t *testing.T) {
		m := newMessenger(t, messengerYAML)

		fail := true
		var attempts int
		require.NoError(t, m.RegisterFunc(orderPlaced{}, func(context.Context, any) error {
			attempts++
			if fail {
				return errors.New("payment service down")
			}
			return nil
		}))

		_, err := m.Dispatch(ctx, orderPlaced{ID: "42"})
		require.NoError(t, err)
		runWorker(t, m, "async")
		assert.Equal(t, 2, attempts, "one attempt and one retry")

		failed, err := m.FailedMessages(ctx, "failed", 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		fm, ok := failed[0].Message().(*messaging.FailedMessage)
		require.True(t, ok, "got %T", failed[0].Message())
		assert.Equal(t, "async", fm.ReceivedFrom)
		assert.Equal(t, "payment service down", fm.ErrorMessage)
		assert.Equal(t, orderPlaced{ID: "42"}, fm.Envelope.Message())

		fail = false
		require.NoError(t, m.RetryFailed(ctx, "failed", messaging.MessageID(failed[0])))

		stats, err := m.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, []TransportStats{{Name: "async", Count: 1}, {Name: "failed", Count: 0}}, stats)

		runWorker(t, m, "async")
		assert.Equal(t, 3, attempts)
	})

	t.Run("replays in place", func(t *testing.T) {
		m := newMessenger(t, messengerYAML)

		fail := true
		var attempts int
		require.NoError(t, m.RegisterFunc(orderPlaced{}, func(context.Context, any) error {
			attempts++
			if fail {
				return messaging.Unrecoverable(errors.New("invalid order"))
			}
			return nil
		}))

		_, err := m.Dispatch(ctx, orderPlaced{ID: "9"})
		require.NoError(t, err)
		runWorker(t, m, "async")
		require.Equal(t, 1, attempts)

		failed, err := m.FailedMessages(ctx, "failed", 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)

		fail = false
		require.NoError(t, m.RetryFailed(ctx, "failed", messaging.MessageID(failed[0]), ReplayAs(messaging.ReplayRetry)))
		assert.Equal(t, 2, attempts, "handled by the worker replaying it")

		stats, err := m.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, []TransportStats{{Name: "async", Count: 0}, {Name: "failed", Count: 0}}, stats)
	})

	t.Run("removes failed messages", func(t *testing.T) {
		m := newMessenger(t, messengerYAML)
		require.NoError(t, m.RegisterFunc(orderPlaced{}, func(context.Context, any) error {
			return messaging.Unrecoverable(errors.New("invalid order"))
		}))

		_, err := m.Dispatch(ctx, orderPlaced{ID: "7"})
		require.NoError(t, err)
		runWorker(t, m, "async")

		failed, err := m.FailedMessages(ctx, "failed", 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)

		require.NoError(t, m.RemoveFailed(ctx, "failed", messaging.MessageID(failed[0])))
		failed, err = m.FailedMessages(ctx, "failed", 10)
		require.NoError(t, err)
		assert.Empty(t, failed)

		assert.Error(t, m.RemoveFailed(ctx, "failed", "404"))
	})

	t.Run("failure transports", func(t *testing.T) {
		m := newMessenger(t, messengerYAML)

		assert.Equal(t, []string{"failed"}, m.FailureTransportNames())
		name, ok := m.FailureTransportFor("async")
		assert.True(t, ok)
		assert.Equal(t, "failed", name)
		_, ok = m.FailureTransportFor("failed")
		assert.False(t, ok)
	})

	t.Run("setup and stats", func(t *testing.T) {
		m := newMessenger(t, messengerYAML)
		require.NoError(t, m.Setup(ctx))
		require.NoError(t, m.Setup(ctx))

		stats, err := m.Stats(ctx, "failed")
		require.NoError(t, err)
		assert.Equal(t, []TransportStats{{Name: "failed", Count: 0}}, stats)

		_, err = m.Stats(ctx, "nope")
		assert.ErrorIs(t, err, messaging.ErrUnknownTransport)
	})

	t.Run("unknown transports", func(t *testing.T) {
		m := newMessenger(t, messengerYAML)

		_, err := m.Worker([]string{"nope"})
		assert.ErrorIs(t, err, messaging.ErrUnknownTransport)
		_, err = m.Worker(nil)
		assert.Error(t, err)
		_, err = m.ListableReceiver("nope")
		assert.ErrorIs(t, err, messaging.ErrUnknownTransport)
	})

	t.Run("explicit transports replace DSNs", func(t *testing.T) {
		async := inmemory.New()
		m := newMessenger(t, messengerYAML, WithTransport("async", async))

		_, err := m.Dispatch(ctx, orderPlaced{ID: "1"})
		require.NoError(t, err)
		assert.Len(t, async.Sent(), 1)
	})

	t.Run("traces the bus", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		m := newMessenger(t, messengerYAML, WithTracing(provider))

		_, err := m.Dispatch(ctx, orderPlaced{ID: "1"})
		require.NoError(t, err)
		require.Len(t, recorder.Ended(), 1)
		assert.Equal(t, orderPlacedType+" dispatch", recorder.Ended()[0].Name())
	})

	t.Run("records worker metrics", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		m := newMessenger(t, messengerYAML, WithMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
		require.NoError(t, m.RegisterFunc(orderPlaced{}, func(context.Context, any) error { return nil }))

		_, err := m.Dispatch(ctx, orderPlaced{ID: "1"})
		require.NoError(t, err)
		runWorker(t, m, "async")

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(ctx, &rm))
		var names []string
		for _, sm := range rm.ScopeMetrics {
			for _, metric := range sm.Metrics {
				names = append(names, metric.Name)
			}
		}
		assert.Contains(t, names, "courier.messages.handled")
	})
}

func TestNewRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("nil config", func(t *testing.T) {
		_, err := New(ctx, nil)
		assert.Error(t, err)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		cfg, err := config.Parse([]byte("messenger:\n  transports:\n    async: {dsn: \"kafka://localhost\"}\n"))
		require.NoError(t, err)
		_, err = New(ctx, cfg)
		assert.ErrorContains(t, err, "kafka")
	})

	t.Run("bad in-memory option", func(t *testing.T) {
		cfg, err := config.Parse([]byte("messenger:\n  transports:\n    async: {dsn: \"in-memory://?serialize=maybe\"}\n"))
		require.NoError(t, err)
		_, err = New(ctx, cfg)
		assert.Error(t, err)
	})
}

type webhookRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.texts = append(r.texts, body.Text)
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *webhookRecorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestChatter(t *testing.T) {
	ctx := context.Background()
	hooks := &webhookRecorder{}
	server := httptest.NewServer(hooks)
	defer server.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	t.Run("sends directly through a failover transport", func(t *testing.T) {
		m := newMessenger(t, `
notifier:
  chatter_transports:
    ops:
      mode: failover
      endpoints: ["`+down.URL+`", "`+server.URL+`"]
`, WithHTTPClient(server.Client()))

		sent, err := m.Chatter().Send(ctx, notifier.NewChatMessage("disk full"))
		require.NoError(t, err)
		require.NotNil(t, sent)
		assert.Contains(t, hooks.received(), "disk full")
	})

	t.Run("async chat messages go through the bus", func(t *testing.T) {
		m := newMessenger(t, `
messenger:
  transports:
    async: {dsn: "in-memory://?serialize=true"}
  routing:
    "notifier.chat_message": [async]
notifier:
  async: true
  chatter_transports:
    ops:
      endpoints: ["`+server.URL+`"]
`)

		sent, err := m.Chatter().Send(ctx, notifier.NewChatMessage("deploy finished").WithTransport("ops"))
		require.NoError(t, err)
		assert.Nil(t, sent)
		assert.NotContains(t, hooks.received(), "deploy finished")

		runWorker(t, m, "async")
		assert.Contains(t, hooks.received(), "deploy finished")
	})
}
