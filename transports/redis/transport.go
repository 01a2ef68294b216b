// Package redis provides a messenger transport backed by a Redis stream and a consumer group.
//
// Entries stay pending in the group until they are acknowledged or rejected. Entries left pending
// by a consumer that went away are claimed after the redeliver timeout. Delayed messages wait in
// a sorted set scored by their due time and are moved to the stream once due.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

// Client is the subset of the go-redis API the transport uses.
// *redis.Client, *redis.ClusterClient and redis.UniversalClient satisfy it.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// field holding the encoded envelope in each stream entry
const messageField = "message"

// Transport implements messaging.Transport on a Redis stream
type Transport struct {
	client     Client
	options    Options
	serializer serialization.Serializer
	logger     *slog.Logger
	now        func() time.Time

	setupOnce sync.Once
	setupErr  error

	mu        sync.Mutex
	lastClaim time.Time
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithClock replaces time.Now for delay and claim bookkeeping
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// New creates a transport on an existing client
func New(client Client, options Options, serializer serialization.Serializer, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if options.Stream == "" || options.Group == "" || options.Consumer == "" {
		return nil, fmt.Errorf("redis transport needs a stream, a group and a consumer name")
	}

	t := &Transport{
		client:     client,
		options:    options,
		serializer: serializer,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.serializer == nil {
		t.serializer = serialization.NewJSONSerializer()
	}
	return t, nil
}

// NewFromDSN creates a transport and its client from a redis:// DSN
func NewFromDSN(dsn string, serializer serialization.Serializer, opts ...Option) (*Transport, error) {
	clientOpts, options, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(clientOpts), options, serializer, opts...)
}

// Setup implements messaging.SetupableTransport
func (t *Transport) Setup(ctx context.Context) error {
	err := t.client.XGroupCreateMkStream(ctx, t.options.Stream, t.options.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", t.options.Group, t.options.Stream, err)
	}
	return nil
}

func (t *Transport) autoSetup(ctx context.Context) error {
	if !t.options.AutoSetup {
		return nil
	}
	t.setupOnce.Do(func() {
		t.setupErr = t.Setup(ctx)
	})
	return t.setupErr
}

type delayedEntry struct {
	ID      string                `json:"id"`
	Message *serialization.Encoded `json:"message"`
}

// Send implements messaging.Sender
func (t *Transport) Send(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	if err := t.autoSetup(ctx); err != nil {
		return env, err
	}

	enc, err := t.serializer.Encode(env)
	if err != nil {
		return env, err
	}

	if delay, ok := contracts.Last[contracts.DelayStamp](env); ok && delay.Delay > 0 {
		id := uuid.New().String()
		member, err := json.Marshal(delayedEntry{ID: id, Message: enc})
		if err != nil {
			return env, err
		}
		due := t.now().Add(delay.Delay).UnixMilli()
		if err := t.client.ZAdd(ctx, t.options.DelayedSetKey(), redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
			return env, fmt.Errorf("failed to schedule message: %w", err)
		}
		return env.With(contracts.TransportMessageIDStamp{ID: id}), nil
	}

	id, err := t.add(ctx, enc)
	if err != nil {
		return env, err
	}
	return env.With(contracts.TransportMessageIDStamp{ID: id}), nil
}

func (t *Transport) add(ctx context.Context, enc *serialization.Encoded) (string, error) {
	payload, err := json.Marshal(enc)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: t.options.Stream,
		Values: map[string]any{messageField: string(payload)},
	}
	if t.options.MaxLen > 0 {
		args.MaxLen = t.options.MaxLen
		args.Approx = true
	}
	id, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add message to %s: %w", t.options.Stream, err)
	}
	return id, nil
}

// moveDue pushes delayed entries whose time has come onto the stream
func (t *Transport) moveDue(ctx context.Context) error {
	key := t.options.DelayedSetKey()
	members, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed messages: %w", err)
	}

	for _, member := range members {
		// whoever removes the member owns it
		removed, err := t.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil || entry.Message == nil {
			t.logger.Error("dropping undecodable delayed message", "key", key, "error", err)
			continue
		}
		if _, err := t.add(ctx, entry.Message); err != nil {
			return err
		}
	}
	return nil
}

// claim takes over entries left pending too long by other consumers
func (t *Transport) claim(ctx context.Context) error {
	t.mu.Lock()
	now := t.now()
	due := t.lastClaim.IsZero() || now.Sub(t.lastClaim) >= t.options.ClaimInterval
	if due {
		t.lastClaim = now
	}
	t.mu.Unlock()
	if !due {
		return nil
	}

	claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.options.Stream,
		Group:    t.options.Group,
		Consumer: t.options.Consumer,
		MinIdle:  t.options.RedeliverTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to claim pending messages: %w", err)
	}
	if len(claimed) > 0 {
		t.logger.Info("claimed pending message", "stream", t.options.Stream, "id", claimed[0].ID)
	}
	return nil
}

// Get implements messaging.Receiver. It returns at most one envelope,
// preferring entries already pending for this consumer.
func (t *Transport) Get(ctx context.Context) ([]*contracts.Envelope, error) {
	if err := t.autoSetup(ctx); err != nil {
		return nil, err
	}
	if err := t.moveDue(ctx); err != nil {
		return nil, err
	}
	if err := t.claim(ctx); err != nil {
		return nil, err
	}

	for _, start := range []string{"0", ">"} {
		msg, ok, err := t.read(ctx, start)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		env, err := t.decode(msg)
		if err != nil {
			t.logger.Error("rejecting undecodable message", "stream", t.options.Stream, "id", msg.ID, "error", err)
			_ = t.remove(ctx, msg.ID, true)
			return nil, err
		}
		return []*contracts.Envelope{env}, nil
	}
	return nil, nil
}

func (t *Transport) read(ctx context.Context, start string) (redis.XMessage, bool, error) {
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.options.Group,
		Consumer: t.options.Consumer,
		Streams:  []string{t.options.Stream, start},
		Count:    1,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, nil
	}
	if err != nil {
		return redis.XMessage{}, false, fmt.Errorf("failed to read from %s: %w", t.options.Stream, err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if len(msg.Values) == 0 {
				// pending entry whose message was deleted
				_ = t.client.XAck(ctx, t.options.Stream, t.options.Group, msg.ID).Err()
				continue
			}
			return msg, true, nil
		}
	}
	return redis.XMessage{}, false, nil
}

func (t *Transport) decode(msg redis.XMessage) (*contracts.Envelope, error) {
	raw, ok := msg.Values[messageField].(string)
	if !ok {
		return nil, &serialization.DecodeError{Err: fmt.Errorf("entry %s has no %q field", msg.ID, messageField)}
	}
	var enc serialization.Encoded
	if err := json.Unmarshal([]byte(raw), &enc); err != nil {
		return nil, &serialization.DecodeError{Err: err}
	}
	env, err := t.serializer.Decode(&enc)
	if err != nil {
		return nil, err
	}
	return env.With(contracts.TransportMessageIDStamp{ID: msg.ID}), nil
}

// Ack implements messaging.Receiver
func (t *Transport) Ack(ctx context.Context, env *contracts.Envelope) error {
	return t.remove(ctx, messaging.MessageID(env), t.options.DeleteAfterAck)
}

// Reject implements messaging.Receiver
func (t *Transport) Reject(ctx context.Context, env *contracts.Envelope) error {
	return t.remove(ctx, messaging.MessageID(env), true)
}

func (t *Transport) remove(ctx context.Context, id string, del bool) error {
	if id == "" {
		return fmt.Errorf("envelope was not received from Redis")
	}
	if err := t.client.XAck(ctx, t.options.Stream, t.options.Group, id).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", id, err)
	}
	if del {
		if err := t.client.XDel(ctx, t.options.Stream, id).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
	}
	return nil
}

// All implements messaging.ListableReceiver; limit <= 0 lists everything
func (t *Transport) All(ctx context.Context, limit int) ([]*contracts.Envelope, error) {
	var cmd *redis.XMessageSliceCmd
	if limit > 0 {
		cmd = t.client.XRangeN(ctx, t.options.Stream, "-", "+", int64(limit))
	} else {
		cmd = t.client.XRange(ctx, t.options.Stream, "-", "+")
	}
	msgs, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.options.Stream, err)
	}

	envelopes := make([]*contracts.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		env, err := t.decode(msg)
		if err != nil {
			t.logger.Warn("skipping undecodable message", "stream", t.options.Stream, "id", msg.ID, "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// Find implements messaging.ListableReceiver
func (t *Transport) Find(ctx context.Context, id string) (*contracts.Envelope, error) {
	msgs, err := t.client.XRange(ctx, t.options.Stream, id, id).Result()
	if err != nil {
		// malformed ids are unknown ids
		if strings.Contains(err.Error(), "Invalid stream ID") {
			return nil, messaging.ErrMessageNotFound
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, messaging.ErrMessageNotFound
	}
	return t.decode(msgs[0])
}

// MessageCount implements messaging.MessageCountAware. It counts stream entries and delayed messages;
// with DeleteAfterAck disabled, acknowledged entries are counted too.
func (t *Transport) MessageCount(ctx context.Context) (int, error) {
	n, err := t.client.XLen(ctx, t.options.Stream).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := t.client.ZCard(ctx, t.options.DelayedSetKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(n + delayed), nil
}

// Close closes the client
func (t *Transport) Close() error {
	return t.client.Close()
}

var (
	_ messaging.Transport          = (*Transport)(nil)
	_ messaging.ListableReceiver   = (*Transport)(nil)
	_ messaging.MessageCountAware  = (*Transport)(nil)
	_ messaging.SetupableTransport = (*Transport)(nil)
)
