package sqlqueue

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Options describes the table and queue a Transport works with
type Options struct {
	TableName string
	QueueName string
	// RedeliverTimeout is how long a delivered message may stay unsettled before it is delivered again
	RedeliverTimeout time.Duration
	AutoSetup        bool
}

// DefaultOptions returns the options used for a DSN without query parameters
func DefaultOptions() Options {
	return Options{
		TableName:        "courier_messages",
		QueueName:        "default",
		RedeliverTimeout: time.Hour,
		AutoSetup:        true,
	}
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseDSN splits a postgres:// or sqlite:// DSN into a dialect, a driver DSN and transport options.
//
// Recognized query parameters: table_name, queue_name, redeliver_timeout (a duration) and auto_setup.
// sqlite:///path/to.db and sqlite://:memory: are accepted; every other parameter is handed to the driver.
func ParseDSN(dsn string) (Dialect, string, Options, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return Dialect{}, "", Options{}, fmt.Errorf("invalid sql dsn: missing scheme")
	}
	dialect, err := DialectFor(scheme)
	if err != nil {
		return Dialect{}, "", Options{}, err
	}

	location, rawQuery, _ := strings.Cut(rest, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Dialect{}, "", Options{}, fmt.Errorf("invalid sql dsn: %w", err)
	}

	opts := DefaultOptions()
	take := func(key string) string {
		v := query.Get(key)
		query.Del(key)
		return v
	}
	if v := take("table_name"); v != "" {
		if !identifier.MatchString(v) {
			return Dialect{}, "", Options{}, fmt.Errorf("invalid sql dsn: bad table name %q", v)
		}
		opts.TableName = v
	}
	if v := take("queue_name"); v != "" {
		opts.QueueName = v
	}
	if v := take("redeliver_timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Dialect{}, "", Options{}, fmt.Errorf("invalid sql dsn: redeliver_timeout must be a positive duration")
		}
		opts.RedeliverTimeout = d
	}
	if v := take("auto_setup"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Dialect{}, "", Options{}, fmt.Errorf("invalid sql dsn: auto_setup: %w", err)
		}
		opts.AutoSetup = b
	}

	var driverDSN string
	switch dialect.Name {
	case SQLite.Name:
		if location == "" {
			return Dialect{}, "", Options{}, fmt.Errorf("invalid sql dsn: missing database path")
		}
		driverDSN = location
	default:
		driverDSN = "postgres://" + location
	}
	if encoded := query.Encode(); encoded != "" {
		driverDSN += "?" + encoded
	}

	return dialect, driverDSN, opts, nil
}
