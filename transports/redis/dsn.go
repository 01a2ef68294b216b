package redis

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options describes the stream and consumer group a Transport reads from
type Options struct {
	Stream   string
	Group    string
	Consumer string
	// DeleteAfterAck removes acknowledged entries from the stream
	DeleteAfterAck bool
	// RedeliverTimeout is how long an entry may stay pending before another consumer claims it
	RedeliverTimeout time.Duration
	// ClaimInterval is how often pending entries of dead consumers are looked for
	ClaimInterval time.Duration
	// MaxLen caps the stream length approximately; 0 keeps everything
	MaxLen    int64
	AutoSetup bool
}

// DefaultOptions returns the options used for a DSN without path or query parameters
func DefaultOptions() Options {
	return Options{
		Stream:           "messages",
		Group:            "courier",
		Consumer:         "consumer",
		DeleteAfterAck:   true,
		RedeliverTimeout: time.Hour,
		ClaimInterval:    time.Minute,
		AutoSetup:        true,
	}
}

// DelayedSetKey names the sorted set holding delayed entries of the stream
func (o Options) DelayedSetKey() string {
	return o.Stream + "__queue"
}

// ParseDSN reads a redis(s)://[user:password@]host[:port][/stream[/group[/consumer]]] DSN.
//
// Recognized query parameters: delete_after_ack, redeliver_timeout and claim_interval
// (durations such as "30s"), stream_max_entries, auto_setup and dbindex.
func ParseDSN(dsn string) (*redis.Options, Options, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, Options{}, fmt.Errorf("invalid redis dsn: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, Options{}, fmt.Errorf("invalid redis dsn: unsupported scheme %q", u.Scheme)
	}

	opts := DefaultOptions()
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, target := range []*string{&opts.Stream, &opts.Group, &opts.Consumer} {
		if i < len(segments) && segments[i] != "" {
			*target = segments[i]
		}
	}

	query := u.Query()
	take := func(key string) string {
		v := query.Get(key)
		query.Del(key)
		return v
	}

	for key, target := range map[string]*bool{"delete_after_ack": &opts.DeleteAfterAck, "auto_setup": &opts.AutoSetup} {
		if v := take(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, Options{}, fmt.Errorf("invalid redis dsn: %s: %w", key, err)
			}
			*target = b
		}
	}
	for key, target := range map[string]*time.Duration{"redeliver_timeout": &opts.RedeliverTimeout, "claim_interval": &opts.ClaimInterval} {
		if v := take(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return nil, Options{}, fmt.Errorf("invalid redis dsn: %s must be a positive duration", key)
			}
			*target = d
		}
	}
	if v := take("stream_max_entries"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, Options{}, fmt.Errorf("invalid redis dsn: stream_max_entries must be a non-negative integer")
		}
		opts.MaxLen = n
	}
	db := 0
	if v := take("dbindex"); v != "" {
		if db, err = strconv.Atoi(v); err != nil {
			return nil, Options{}, fmt.Errorf("invalid redis dsn: dbindex: %w", err)
		}
	}

	u.Path = ""
	u.RawQuery = query.Encode()
	clientOpts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, Options{}, fmt.Errorf("invalid redis dsn: %w", err)
	}
	clientOpts.DB = db

	return clientOpts, opts, nil
}
