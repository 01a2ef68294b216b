package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DialFunc opens an AMQP connection
type DialFunc func(url string) (*amqp.Connection, error)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the broker connection and reconnects when it drops
type ConnectionManager struct {
	url            string
	dial           DialFunc
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	done        chan struct{}

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; negative means unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })

	return nil
}

// dialContext dials in the background so ctx and the dial timeout are honored
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			// close a connection that arrives after we gave up
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// attach installs conn and watches it for closure. Callers hold mu.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	select {
	case <-cm.done:
		return nil
	default:
		close(cm.done)
	}

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err == amqp.ErrClosed {
			return nil
		}
		return err
	}
	return nil
}

func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if !ok || err == nil {
			// graceful close
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })
		cm.reconnect()

	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()

	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cm.backoff(attempt - 1)):
			case <-cm.done:
				return
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1, "maxRetries", cm.maxRetries)
		cm.notify(func(l ConnectionStateListener) { l.OnReconnecting(attempt + 1) })

		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ", "attempts", attempt+1, "duration", time.Since(start))
		cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
		return
	}

	cm.logger.Error("max reconnection attempts reached", "attempts", cm.maxRetries, "duration", time.Since(start))
	cm.notify(func(l ConnectionStateListener) {
		l.OnDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  cm.maxRetries,
		})
	})
}

func (cm *ConnectionManager) notify(fn func(ConnectionStateListener)) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go fn(listener)
	}
}

// backoff doubles the base delay per attempt, capped at 5 minutes, with ±12.5% jitter
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	const maxDelay = 5 * time.Minute

	delay := maxDelay
	if attempt < 16 {
		delay = min(base*time.Duration(1<<uint(attempt)), maxDelay)
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter <= 0 {
		return delay
	}
	return delay - jitter/2 + time.Duration(rand.Int64N(int64(jitter)))
}
