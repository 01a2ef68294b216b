package courier

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
	"github.com/courierhq/courier/transports/inmemory"
	"github.com/courierhq/courier/transports/rabbitmq"
	"github.com/courierhq/courier/transports/redis"
	"github.com/courierhq/courier/transports/sqlqueue"
)

// TransportFactory creates the transport configured by a DSN
type TransportFactory func(ctx context.Context, dsn string, serializer serialization.Serializer, logger *slog.Logger) (messaging.Transport, error)

// defaultFactories maps DSN schemes to the built-in transports
func defaultFactories() map[string]TransportFactory {
	sql := func(_ context.Context, dsn string, serializer serialization.Serializer, logger *slog.Logger) (messaging.Transport, error) {
		return sqlqueue.Open(dsn, serializer, sqlqueue.WithLogger(logger))
	}
	amqp := func(ctx context.Context, dsn string, serializer serialization.Serializer, logger *slog.Logger) (messaging.Transport, error) {
		return rabbitmq.New(ctx, dsn, serializer, rabbitmq.WithLogger(logger))
	}
	rds := func(_ context.Context, dsn string, serializer serialization.Serializer, logger *slog.Logger) (messaging.Transport, error) {
		return redis.NewFromDSN(dsn, serializer, redis.WithLogger(logger))
	}

	return map[string]TransportFactory{
		"in-memory":  newInMemoryTransport,
		"amqp":       amqp,
		"amqps":      amqp,
		"redis":      rds,
		"rediss":     rds,
		"sqlite":     sql,
		"sqlite3":    sql,
		"postgres":   sql,
		"postgresql": sql,
		"pgsql":      sql,
	}
}

// newInMemoryTransport understands in-memory://?serialize=true, which round trips envelopes through the serializer
func newInMemoryTransport(_ context.Context, dsn string, serializer serialization.Serializer, _ *slog.Logger) (messaging.Transport, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid in-memory DSN: %w", err)
	}

	var opts []inmemory.Option
	if v := u.Query().Get("serialize"); v != "" {
		serialize, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid serialize option %q: %w", v, err)
		}
		if serialize {
			opts = append(opts, inmemory.WithSerializer(serializer))
		}
	}
	return inmemory.New(opts...), nil
}

func schemeOf(dsn string) (string, error) {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok || scheme == "" {
		return "", fmt.Errorf("DSN %q has no scheme", redactDSN(dsn))
	}
	return strings.ToLower(scheme), nil
}

// redactDSN hides the password of a DSN before it is logged
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
