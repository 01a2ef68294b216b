package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
}

// mockClient keeps one stream with consumer groups and sorted sets in memory
type mockClient struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     int
	entries []redis.XMessage
	groups  map[string]int // group -> last delivered seq
	pending map[string]map[string]pendingEntry
	zsets   map[string]map[string]float64
	closed  bool
}

func newMockClient(now func() time.Time) *mockClient {
	return &mockClient{
		now:     now,
		groups:  make(map[string]int),
		pending: make(map[string]map[string]pendingEntry),
		zsets:   make(map[string]map[string]float64),
	}
}

func seqOf(id string) int {
	n, _ := strconv.Atoi(id[:len(id)-2])
	return n
}

func (m *mockClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	m.entries = append(m.entries, redis.XMessage{ID: id, Values: a.Values.(map[string]any)})
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal(id)
	return cmd
}

func (m *mockClient) XGroupCreateMkStream(ctx context.Context, _, group, _ string) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStatusCmd(ctx)
	if _, ok := m.groups[group]; ok {
		cmd.SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
		return cmd
	}
	m.groups[group] = 0
	m.pending[group] = make(map[string]pendingEntry)
	cmd.SetVal("OK")
	return cmd
}

func (m *mockClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXStreamSliceCmd(ctx)
	stream, start := a.Streams[0], a.Streams[1]

	var found []redis.XMessage
	if start == ">" {
		for _, e := range m.entries {
			if seqOf(e.ID) > m.groups[a.Group] {
				m.groups[a.Group] = seqOf(e.ID)
				m.pending[a.Group][e.ID] = pendingEntry{consumer: a.Consumer, deliveredAt: m.now()}
				found = append(found, e)
				break
			}
		}
	} else {
		var ids []string
		for id, p := range m.pending[a.Group] {
			if p.consumer == a.Consumer {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return seqOf(ids[i]) < seqOf(ids[j]) })
		if len(ids) > 0 {
			msg := redis.XMessage{ID: ids[0]}
			for _, e := range m.entries {
				if e.ID == ids[0] {
					msg = e
				}
			}
			found = append(found, msg)
		}
	}

	if start == ">" && len(found) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal([]redis.XStream{{Stream: stream, Messages: found}})
	return cmd
}

func (m *mockClient) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXAutoClaimCmd(ctx)
	var claimed []redis.XMessage
	for id, p := range m.pending[a.Group] {
		if len(claimed) >= int(a.Count) || m.now().Sub(p.deliveredAt) < a.MinIdle {
			continue
		}
		m.pending[a.Group][id] = pendingEntry{consumer: a.Consumer, deliveredAt: m.now()}
		claimed = append(claimed, redis.XMessage{ID: id})
	}
	cmd.SetVal(claimed, "0-0")
	return cmd
}

func (m *mockClient) XAck(ctx context.Context, _, group string, ids ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, id := range ids {
		if _, ok := m.pending[group][id]; ok {
			delete(m.pending[group], id)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (m *mockClient) XDel(ctx context.Context, _ string, ids ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, id := range ids {
		for i, e := range m.entries {
			if e.ID == id {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				n++
				break
			}
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (m *mockClient) XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd {
	return m.XRangeN(ctx, stream, start, stop, 0)
}

func (m *mockClient) XRangeN(ctx context.Context, _, start, stop string, count int64) *redis.XMessageSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXMessageSliceCmd(ctx)
	var out []redis.XMessage
	for _, e := range m.entries {
		if start != "-" && e.ID != start {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) == count {
			break
		}
	}
	cmd.SetVal(out)
	return cmd
}

func (m *mockClient) XLen(ctx context.Context, _ string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(m.entries)))
	return cmd
}

func (m *mockClient) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	for _, z := range members {
		m.zsets[key][z.Member.(string)] = z.Score
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (m *mockClient) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, _ := strconv.ParseFloat(opt.Max, 64)
	var out []string
	for member, score := range m.zsets[key] {
		if score <= limit {
			out = append(out, member)
		}
	}
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (m *mockClient) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, member := range members {
		if _, ok := m.zsets[key][member.(string)]; ok {
			delete(m.zsets[key], member.(string))
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (m *mockClient) ZCard(ctx context.Context, key string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(m.zsets[key])))
	return cmd
}

func (m *mockClient) Close() error {
	m.closed = true
	return nil
}

type ping struct {
	N int `json:"n"`
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTransport(t *testing.T, client *mockClient, clock *testClock, mutate func(*Options)) *Transport {
	t.Helper()
	registry := serialization.NewTypeRegistry()
	require.NoError(t, registry.Register("test.ping", ping{}))

	options := DefaultOptions()
	if mutate != nil {
		mutate(&options)
	}
	tr, err := New(client, options, serialization.NewJSONSerializer(serialization.WithTypeRegistry(registry)), WithClock(clock.Now))
	require.NoError(t, err)
	return tr
}

func TestTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a client and names", func(t *testing.T) {
		_, err := New(nil, DefaultOptions(), nil)
		assert.ErrorIs(t, err, ErrClientRequired)

		_, err = New(newMockClient(time.Now), Options{Stream: "s"}, nil)
		assert.Error(t, err)
	})

	t.Run("send get ack", func(t *testing.T) {
		clock := &testClock{now: time.Now()}
		client := newMockClient(clock.Now)
		tr := newTestTransport(t, client, clock, nil)

		sent, err := tr.Send(ctx, contracts.NewEnvelope(ping{N: 1}, contracts.RedeliveryStamp{RetryCount: 1}))
		require.NoError(t, err)

		envs, err := tr.Get(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, ping{N: 1}, envs[0].Message())
		assert.Equal(t, messaging.MessageID(sent), messaging.MessageID(envs[0]))
		assert.Equal(t, 1, contracts.RetryCount(envs[0]))

		require.NoError(t, tr.Ack(ctx, envs[0]))
		count, err := tr.MessageCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)

		envs, err = tr.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, envs)
	})

	t.Run("unsettled message is read again first", func(t *testing.T) {
		clock := &testClock{now: time.Now()}
		client := newMockClient(clock.Now)
		tr := newTestTransport(t, client, clock, nil)
		_, _ = tr.Send(ctx, contracts.NewEnvelope(ping{N: 1}))
		_, _ = tr.Send(ctx, contracts.NewEnvelope(ping{N: 2}))

		first, err := tr.Get(ctx)
		require.NoError(t, err)
		again, err := tr.Get(ctx)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, messaging.MessageID(first[0]), messaging.MessageID(again[0]))

		require.NoError(t, tr.Reject(ctx, again[0]))
		next, err := tr.Get(ctx)
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, ping{N: 2}, next[0].Message())
	})

	t.Run("keeps acknowledged entries when asked", func(t *testing.T) {
		clock := &testClock{now: time.Now()}
		client := newMockClient(clock.Now)
		tr := newTestTransport(t, client, clock, func(o *Options) { o.DeleteAfterAck = false })
		_, _ = tr.Send(ctx, contracts.NewEnvelope(ping{N: 1}))

		envs, _ := tr.Get(ctx)
		require.NoError(t, tr.Ack(ctx, envs[0]))

		count, err := tr.MessageCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("delayed messages wait for their time", func(t *testing.T) {
		clock := &testClock{now: time.Now()}
		client := newMockClient(clock.Now)
		tr := newTestTransport(t, client, clock, nil)

		sent, err := tr.Send(ctx, contracts.NewEnvelope(ping{N: 3}, contracts.DelayFor(1000)))
		require.NoError(t, err)
		assert.NotEmpty(t, messaging.MessageID(sent))

		envs, err := tr.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, envs)
		count, _ := tr.MessageCount(ctx)
		assert.Equal(t, 1, count)

		clock.Advance(time.Second)
		envs, err = tr.Get(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, ping{N: 3}, envs[0].Message())
	})

	t.Run("claims messages abandoned by another consumer", func(t *testing.T) {
		clock := &testClock{now: time.Now()}
		client := newMockClient(clock.Now)
		gone := newTestTransport(t, client, clock, func(o *Options) { o.Consumer = "gone" })
		alive := newTestTransport(t, client, clock, func(o *Options) { o.Consumer = "alive" })

		_, _ = gone.Send(ctx, contracts.NewEnvelope(ping{N: 4}))
		envs, _ := gone.Get(ctx)
		require.Len(t, envs, 1)

		envs, err := alive.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, envs)

		clock.Advance(2 * time.Hour)
		envs, err = alive.Get(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, ping{N: 4}, envs[0].Message())
	})

	t.Run("list and find", func(t *testing.T) {
		clock := &testClock{now: time.Now()}
		client := newMockClient(clock.Now)
		tr := newTestTransport(t, client, clock, nil)
		a, _ := tr.Send(ctx, contracts.NewEnvelope(ping{N: 1}))
		_, _ = tr.Send(ctx, contracts.NewEnvelope(ping{N: 2}))

		all, err := tr.All(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		limited, err := tr.All(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		found, err := tr.Find(ctx, messaging.MessageID(a))
		require.NoError(t, err)
		assert.Equal(t, ping{N: 1}, found.Message())

		_, err = tr.Find(ctx, "999-0")
		assert.ErrorIs(t, err, messaging.ErrMessageNotFound)
	})

	t.Run("setup tolerates an existing group", func(t *testing.T) {
		client := newMockClient(time.Now)
		tr, err := New(client, DefaultOptions(), nil)
		require.NoError(t, err)

		require.NoError(t, tr.Setup(ctx))
		require.NoError(t, tr.Setup(ctx))
		require.NoError(t, tr.Close())
		assert.True(t, client.closed)
	})
}

func TestParseDSN(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clientOpts, opts, err := ParseDSN("redis://localhost:6379")
		require.NoError(t, err)

		assert.Equal(t, "localhost:6379", clientOpts.Addr)
		assert.Equal(t, DefaultOptions(), opts)
		assert.Equal(t, "messages__queue", opts.DelayedSetKey())
	})

	t.Run("path and query", func(t *testing.T) {
		clientOpts, opts, err := ParseDSN("redis://:secret@cache:6380/orders/workers/w1?delete_after_ack=false" +
			"&redeliver_timeout=30s&claim_interval=5s&stream_max_entries=1000&auto_setup=false&dbindex=2")
		require.NoError(t, err)

		assert.Equal(t, "cache:6380", clientOpts.Addr)
		assert.Equal(t, "secret", clientOpts.Password)
		assert.Equal(t, 2, clientOpts.DB)
		assert.Equal(t, Options{
			Stream:           "orders",
			Group:            "workers",
			Consumer:         "w1",
			DeleteAfterAck:   false,
			RedeliverTimeout: 30 * time.Second,
			ClaimInterval:    5 * time.Second,
			MaxLen:           1000,
			AutoSetup:        false,
		}, opts)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		for _, dsn := range []string{
			"amqp://localhost",
			"redis://localhost?redeliver_timeout=soon",
			"redis://localhost?stream_max_entries=-1",
			"redis://localhost?delete_after_ack=perhaps",
			"redis://localhost?dbindex=x",
		} {
			_, _, err := ParseDSN(dsn)
			assert.Error(t, err, dsn)
		}
	})
}
