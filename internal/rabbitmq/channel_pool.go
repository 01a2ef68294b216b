package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of AMQP channels in publisher confirm mode
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ID identifies the channel in errors and logs
func (c *PooledChannel) ID() string {
	return c.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout sets how long Get waits for a channel when the pool is exhausted
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates a channel pool; channels are opened lazily
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, opening one when under the limit
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if err := cp.checkOpen(); err != nil {
		return nil, err
	}

	select {
	case ch := <-cp.channels:
		return cp.reuse(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.activeCount++
		cp.mu.Unlock()
		return cp.create(ctx)
	}
	cp.mu.Unlock()

	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return cp.reuse(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-time.After(cp.waitTimeout):
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

func (cp *ChannelPool) checkOpen() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return ErrChannelPoolClosed
	}
	return nil
}

// reuse hands out a pooled channel, replacing it when the broker closed it
func (cp *ChannelPool) reuse(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch == nil {
		return nil, ErrChannelPoolClosed
	}
	if ch.IsClosed() {
		return cp.create(ctx)
	}
	ch.lastUsed = time.Now()
	return ch, nil
}

// create opens a confirm-mode channel for a slot already counted in activeCount
func (cp *ChannelPool) create(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		cp.release()
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := cp.manager.Channel()
	if err != nil {
		cp.release()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		cp.release()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	return &PooledChannel{Channel: ch, id: uuid.New().String(), lastUsed: time.Now()}, nil
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		_ = ch.Close()
		return
	}
	if ch.IsClosed() {
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.activeCount--
	}
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	return fn(ch)
}

// Size returns the number of open channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close closes all pooled channels
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}
	return nil
}
