// Package courier wires transports, routing, retries, failure transports and chat notifications
// described by a config.Config into a ready to use message bus.
package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/notifier"
	"github.com/courierhq/courier/notifier/webhook"
	"github.com/courierhq/courier/serialization"
	"github.com/courierhq/courier/telemetry"
)

// Messenger is the entry point of the library
type Messenger struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *serialization.DefaultTypeRegistry

	names      []string
	transports map[string]messaging.Transport
	handlers   *messaging.HandlersLocator
	bus        *messaging.MessageBus
	sink       *messaging.FailureTransportSink
	strategies messaging.RetryStrategies
	limiters   map[string]*rate.Limiter
	metrics    *telemetry.Metrics

	notifier *notifier.Transports
	chatter  *notifier.Chatter
}

type messengerConfig struct {
	logger         *slog.Logger
	registry       *serialization.DefaultTypeRegistry
	factories      map[string]TransportFactory
	transports     map[string]messaging.Transport
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	httpClient     *http.Client
	replayStrategy messaging.ReplayStrategy
}

// Option configures the Messenger
type Option func(*messengerConfig)

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *messengerConfig) {
		c.logger = logger
	}
}

// WithTypeRegistry resolves message type names with registry instead of the global one
func WithTypeRegistry(registry *serialization.DefaultTypeRegistry) Option {
	return func(c *messengerConfig) {
		c.registry = registry
	}
}

// WithTransportFactory registers a factory for DSNs using scheme
func WithTransportFactory(scheme string, factory TransportFactory) Option {
	return func(c *messengerConfig) {
		c.factories[scheme] = factory
	}
}

// WithTransport uses transport for name instead of creating one from its DSN
func WithTransport(name string, transport messaging.Transport) Option {
	return func(c *messengerConfig) {
		c.transports[name] = transport
	}
}

// WithTracing traces dispatched and handled envelopes
func WithTracing(provider trace.TracerProvider) Option {
	return func(c *messengerConfig) {
		c.tracerProvider = provider
	}
}

// WithMetrics records worker metrics
func WithMetrics(provider metric.MeterProvider) Option {
	return func(c *messengerConfig) {
		c.meterProvider = provider
	}
}

// WithHTTPClient sets the client used by webhook chat transports
func WithHTTPClient(client *http.Client) Option {
	return func(c *messengerConfig) {
		c.httpClient = client
	}
}

// WithFailedMessageReplay sets how messages parked on failure transports are replayed
func WithFailedMessageReplay(strategy messaging.ReplayStrategy) Option {
	return func(c *messengerConfig) {
		c.replayStrategy = strategy
	}
}

// New creates every configured transport and wires the bus
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Messenger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	mc := &messengerConfig{
		logger:     slog.Default(),
		registry:   serialization.GetGlobalRegistry(),
		factories:  defaultFactories(),
		transports: make(map[string]messaging.Transport),
	}
	for _, opt := range options {
		opt(mc)
	}

	m := &Messenger{
		cfg:        cfg,
		logger:     mc.logger,
		registry:   mc.registry,
		names:      cfg.Messenger.TransportNames(),
		transports: make(map[string]messaging.Transport),
		strategies: make(messaging.RetryStrategies),
		limiters:   make(map[string]*rate.Limiter),
	}

	if err := m.createTransports(ctx, mc); err != nil {
		m.Close()
		return nil, err
	}

	if mc.meterProvider != nil {
		metrics, err := telemetry.NewMetrics(telemetry.WithMeterProvider(mc.meterProvider))
		if err != nil {
			m.Close()
			return nil, err
		}
		m.metrics = metrics
	}

	m.buildBus(mc)

	if err := m.registerFailedMessageHandlers(); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.buildNotifier(mc); err != nil {
		m.Close()
		return nil, err
	}

	m.logger.Info("messenger ready", "transports", m.names)
	return m, nil
}

func (m *Messenger) createTransports(ctx context.Context, mc *messengerConfig) error {
	for _, name := range m.names {
		tc := m.cfg.Messenger.Transports[name]

		m.strategies[name] = tc.RetryStrategy.Strategy()
		if tc.RateLimit != nil {
			m.limiters[name] = tc.RateLimit.Limiter()
		}

		if t, ok := mc.transports[name]; ok {
			m.transports[name] = t
			continue
		}

		serializer, err := serialization.ForName(m.cfg.Messenger.SerializerFor(name), mc.registry)
		if err != nil {
			return fmt.Errorf("transport %s: %w", name, err)
		}
		scheme, err := schemeOf(tc.DSN)
		if err != nil {
			return fmt.Errorf("transport %s: %w", name, err)
		}
		factory, ok := mc.factories[scheme]
		if !ok {
			return fmt.Errorf("transport %s: no transport supports the %q scheme", name, scheme)
		}

		t, err := factory(ctx, tc.DSN, serializer, mc.logger.With("transport", name))
		if err != nil {
			return fmt.Errorf("failed to create transport %s: %w", name, err)
		}
		m.transports[name] = t
		m.logger.Debug("transport created", "transport", name, "dsn", redactDSN(tc.DSN))
	}
	return nil
}

func (m *Messenger) buildBus(mc *messengerConfig) {
	senders := make(messaging.SenderMap, len(m.transports))
	for name, t := range m.transports {
		senders[name] = t
	}

	m.handlers = messaging.NewHandlersLocator(
		messaging.WithHandlersLogger(mc.logger),
		messaging.WithTypeNamer(mc.registry.NameOf),
	)

	var middleware []messaging.Middleware
	if mc.tracerProvider != nil {
		middleware = append(middleware, telemetry.NewTracingMiddleware(telemetry.WithTracerProvider(mc.tracerProvider)))
	}
	middleware = append(middleware,
		messaging.NewSendMessageMiddleware(
			messaging.NewSendersLocator(m.cfg.Messenger.Routing, senders).WithNamer(mc.registry.NameOf),
			mc.logger,
		),
		messaging.NewHandleMessageMiddleware(m.handlers, messaging.WithHandleLogger(mc.logger)),
	)
	m.bus = messaging.NewMessageBus(messaging.WithBusLogger(mc.logger), messaging.WithMiddleware(middleware...))

	sinkOptions := []messaging.FailureSinkOption{
		messaging.WithDefaultFailureTransport(m.cfg.Messenger.FailureTransport),
		messaging.WithReplayStrategy(mc.replayStrategy),
		messaging.WithFailureSinkLogger(mc.logger),
	}
	for _, name := range m.names {
		sinkOptions = append(sinkOptions, messaging.WithFailureTransport(name, m.cfg.Messenger.FailureTransportFor(name)))
	}
	m.sink = messaging.NewFailureTransportSink(m.bus, sinkOptions...)
}

func (m *Messenger) registerFailedMessageHandlers() error {
	replay := messaging.NewFailedMessageHandler(m.bus, m.logger)
	for _, name := range m.FailureTransportNames() {
		if err := m.handlers.Register(messaging.FailedMessageType, replay,
			messaging.WithHandlerName("failed-message-replay@"+name),
			messaging.FromTransport(name),
		); err != nil {
			return err
		}
	}
	return nil
}

func (m *Messenger) buildNotifier(mc *messengerConfig) error {
	chatters := make(map[string]notifier.Transport, len(m.cfg.Notifier.ChatterTransports))
	for name, tc := range m.cfg.Notifier.ChatterTransports {
		logger := mc.logger.With("chatterTransport", name)

		endpoints := make([]notifier.Transport, 0, len(tc.Endpoints))
		for _, endpoint := range tc.Endpoints {
			opts := []webhook.Option{webhook.WithLogger(logger)}
			if mc.httpClient != nil {
				opts = append(opts, webhook.WithHTTPClient(mc.httpClient))
			}
			t, err := webhook.New(endpoint, opts...)
			if err != nil {
				return fmt.Errorf("chatter transport %s: %w", name, err)
			}
			endpoints = append(endpoints, t)
		}

		var (
			transport notifier.Transport
			err       error
		)
		switch tc.Mode {
		case config.ModeFailover:
			transport, err = notifier.NewFailoverTransport(endpoints, tc.RetryPeriod, notifier.WithSelectorLogger(logger))
		case config.ModeRoundRobin:
			transport, err = notifier.NewRoundRobinTransport(endpoints, tc.RetryPeriod, notifier.WithSelectorLogger(logger))
		default:
			transport = endpoints[0]
		}
		if err != nil {
			return fmt.Errorf("chatter transport %s: %w", name, err)
		}
		chatters[name] = transport
	}

	m.notifier = notifier.NewTransports(chatters)

	chatterOptions := []notifier.ChatterOption{notifier.WithChatterLogger(mc.logger)}
	if m.cfg.Notifier.Async {
		chatterOptions = append(chatterOptions, notifier.WithBus(m.bus))
		handler := notifier.NewMessageHandler(m.notifier, mc.logger)
		for _, messageType := range []string{notifier.ChatMessageType, notifier.SMSMessageType} {
			if err := m.handlers.Register(messageType, handler, messaging.WithHandlerName("notifier@"+messageType)); err != nil {
				return err
			}
		}
	}
	m.chatter = notifier.NewChatter(m.notifier, chatterOptions...)
	return nil
}

// Bus returns the message bus
func (m *Messenger) Bus() *messaging.MessageBus {
	return m.bus
}

// Chatter returns the chat notifier; it sends through the bus when the notifier is async
func (m *Messenger) Chatter() *notifier.Chatter {
	return m.chatter
}

// Dispatch dispatches msg on the bus
func (m *Messenger) Dispatch(ctx context.Context, msg any, stamps ...contracts.Stamp) (*contracts.Envelope, error) {
	return m.bus.Dispatch(ctx, msg, stamps...)
}

// Register registers a handler for a message type, given as a value or a type name
func (m *Messenger) Register(messageType any, handler messaging.Handler, options ...messaging.HandlerOption) error {
	return m.handlers.Register(messageType, handler, options...)
}

// RegisterFunc registers a function as a handler
func (m *Messenger) RegisterFunc(messageType any, fn messaging.HandlerFunc, options ...messaging.HandlerOption) error {
	return m.handlers.RegisterFunc(messageType, fn, options...)
}

// TransportNames returns the configured transport names, sorted
func (m *Messenger) TransportNames() []string {
	return append([]string(nil), m.names...)
}

// Transport returns a transport by name
func (m *Messenger) Transport(name string) (messaging.Transport, bool) {
	t, ok := m.transports[name]
	return t, ok
}

// FailureTransportNames returns the transports receiving failed messages, sorted
func (m *Messenger) FailureTransportNames() []string {
	var names []string
	for _, name := range m.names {
		if m.cfg.Messenger.IsFailureTransport(name) {
			names = append(names, name)
		}
	}
	return names
}

// FailureTransportFor returns the failure transport of a transport
func (m *Messenger) FailureTransportFor(name string) (string, bool) {
	return m.sink.FailureTransportFor(name)
}

// ListableReceiver returns a transport able to list its messages
func (m *Messenger) ListableReceiver(name string) (messaging.ListableReceiver, error) {
	t, ok := m.transports[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", messaging.ErrUnknownTransport, name)
	}
	listable, ok := t.(messaging.ListableReceiver)
	if !ok {
		return nil, fmt.Errorf("transport %q does not support listing messages", name)
	}
	return listable, nil
}

// Worker creates a worker consuming the named transports, in priority order.
// Retry strategies, failure transports, rate limits and metrics come from the configuration;
// options are applied after them.
func (m *Messenger) Worker(receivers []string, options ...messaging.WorkerOption) (*messaging.Worker, error) {
	if len(receivers) == 0 {
		return nil, fmt.Errorf("at least one transport must be consumed")
	}

	named := make([]messaging.NamedReceiver, 0, len(receivers))
	for _, name := range receivers {
		t, ok := m.transports[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", messaging.ErrUnknownTransport, name)
		}
		named = append(named, messaging.NamedReceiver{Name: name, Receiver: t})
	}
	return m.newWorker(named, options)
}

func (m *Messenger) newWorker(receivers []messaging.NamedReceiver, options []messaging.WorkerOption) (*messaging.Worker, error) {
	senders := make(messaging.SenderMap, len(m.transports))
	for name, t := range m.transports {
		senders[name] = t
	}

	opts := []messaging.WorkerOption{
		messaging.WithWorkerLogger(m.logger),
		messaging.WithRetryStrategies(m.strategies),
		messaging.WithRedeliverySenders(senders),
		messaging.WithFailureSink(m.sink),
	}
	for _, r := range receivers {
		if limiter, ok := m.limiters[r.Name]; ok {
			opts = append(opts, messaging.WithRateLimiter(r.Name, limiter))
		}
	}
	if m.metrics != nil {
		opts = append(opts, messaging.WithListeners(m.metrics))
	}
	return messaging.NewWorker(receivers, m.bus, append(opts, options...)...)
}

// FailedMessages lists up to limit messages waiting on a failure transport
func (m *Messenger) FailedMessages(ctx context.Context, failureTransport string, limit int) ([]*contracts.Envelope, error) {
	receiver, err := m.ListableReceiver(failureTransport)
	if err != nil {
		return nil, err
	}
	return receiver.All(ctx, limit)
}

// RetryOption configures RetryFailed
type RetryOption func(*retryOptions)

type retryOptions struct {
	strategy *messaging.ReplayStrategy
	worker   []messaging.WorkerOption
}

// ReplayAs replays with strategy instead of the one stored on the failed message
func ReplayAs(strategy messaging.ReplayStrategy) RetryOption {
	return func(o *retryOptions) {
		o.strategy = &strategy
	}
}

// WithRetryWorkerOptions configures the worker handling the failed message
func WithRetryWorkerOptions(options ...messaging.WorkerOption) RetryOption {
	return func(o *retryOptions) {
		o.worker = append(o.worker, options...)
	}
}

// RetryFailed replays one message of a failure transport by handling it with a single use worker.
// The FailedMessage is acknowledged once replayed; if the replay fails it goes through the usual retry path.
func (m *Messenger) RetryFailed(ctx context.Context, failureTransport, id string, options ...RetryOption) error {
	ro := &retryOptions{}
	for _, opt := range options {
		opt(ro)
	}

	receiver, err := m.ListableReceiver(failureTransport)
	if err != nil {
		return err
	}
	env, err := receiver.Find(ctx, id)
	if err != nil {
		return fmt.Errorf("message %s on %s: %w", id, failureTransport, err)
	}
	if fm, ok := env.Message().(*messaging.FailedMessage); ok && ro.strategy != nil {
		fm.Strategy = *ro.strategy
	}

	single := messaging.NewSingleMessageReceiver(receiver, env)
	worker, err := m.newWorker(
		[]messaging.NamedReceiver{{Name: failureTransport, Receiver: single}},
		append([]messaging.WorkerOption{messaging.WithListeners(stopAfterOne{})}, ro.worker...),
	)
	if err != nil {
		return err
	}
	return worker.Run(ctx)
}

// RemoveFailed deletes one message from a failure transport
func (m *Messenger) RemoveFailed(ctx context.Context, failureTransport, id string) error {
	receiver, err := m.ListableReceiver(failureTransport)
	if err != nil {
		return err
	}
	env, err := receiver.Find(ctx, id)
	if err != nil {
		return fmt.Errorf("message %s on %s: %w", id, failureTransport, err)
	}
	if err := receiver.Reject(ctx, env); err != nil {
		return fmt.Errorf("failed to remove message %s: %w", id, err)
	}
	m.logger.Info("failed message removed", "transport", failureTransport, "messageId", id)
	return nil
}

// stopAfterOne stops the worker on its first idle poll
type stopAfterOne struct{}

func (stopAfterOne) OnWorkerEvent(_ context.Context, event messaging.WorkerEvent) {
	if e, ok := event.(*messaging.WorkerRunningEvent); ok && e.Idle {
		e.Worker.Stop()
	}
}

// Setup creates the queues, tables and streams of every transport supporting it
func (m *Messenger) Setup(ctx context.Context) error {
	for _, name := range m.names {
		s, ok := m.transports[name].(messaging.SetupableTransport)
		if !ok {
			m.logger.Debug("transport does not need setup", "transport", name)
			continue
		}
		if err := s.Setup(ctx); err != nil {
			return fmt.Errorf("failed to set up transport %s: %w", name, err)
		}
		m.logger.Info("transport set up", "transport", name)
	}
	return nil
}

// TransportStats is the number of messages waiting on a transport
type TransportStats struct {
	Name string
	// Count is -1 when the transport cannot count its messages
	Count int
}

// Stats counts the messages waiting on the named transports, or on all of them
func (m *Messenger) Stats(ctx context.Context, names ...string) ([]TransportStats, error) {
	if len(names) == 0 {
		names = m.names
	}

	stats := make([]TransportStats, 0, len(names))
	for _, name := range names {
		t, ok := m.transports[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", messaging.ErrUnknownTransport, name)
		}
		counter, ok := t.(messaging.MessageCountAware)
		if !ok {
			stats = append(stats, TransportStats{Name: name, Count: -1})
			continue
		}
		count, err := counter.MessageCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count messages of %s: %w", name, err)
		}
		stats = append(stats, TransportStats{Name: name, Count: count})
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, nil
}

// Close closes every transport holding connections
func (m *Messenger) Close() error {
	var errs []error
	for _, name := range m.names {
		c, ok := m.transports[name].(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
