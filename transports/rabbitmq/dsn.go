package rabbitmq

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Options describes the exchange and queues a Transport works with
type Options struct {
	Exchange             string
	ExchangeType         string
	RoutingKey           string
	Queues               []string
	DelayExchange        string
	AutoSetup            bool
	SingleActiveConsumer bool
}

// DefaultOptions returns the options used for a DSN without query parameters
func DefaultOptions() Options {
	return Options{
		Exchange:      "messages",
		ExchangeType:  amqp.ExchangeFanout,
		DelayExchange: "delays",
		AutoSetup:     true,
	}
}

// ParseDSN splits an amqp(s):// DSN into the broker URL and transport options.
//
// Recognized query parameters: exchange, exchange_type, routing_key, queues (comma separated),
// delay_exchange, auto_setup and single_active_consumer. They are removed from the returned URL;
// other parameters are kept for the AMQP client. Queues default to one queue named after the exchange.
func ParseDSN(dsn string) (string, Options, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", Options{}, fmt.Errorf("invalid amqp dsn: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", Options{}, fmt.Errorf("invalid amqp dsn: unsupported scheme %q", u.Scheme)
	}

	opts := DefaultOptions()
	query := u.Query()
	take := func(key string) string {
		v := query.Get(key)
		query.Del(key)
		return v
	}

	if v := take("exchange"); v != "" {
		opts.Exchange = v
	}
	if v := take("exchange_type"); v != "" {
		switch v {
		case amqp.ExchangeFanout, amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeHeaders:
			opts.ExchangeType = v
		default:
			return "", Options{}, fmt.Errorf("invalid amqp dsn: unknown exchange type %q", v)
		}
	}
	opts.RoutingKey = take("routing_key")
	if v := take("queues"); v != "" {
		for _, q := range strings.Split(v, ",") {
			if q = strings.TrimSpace(q); q != "" {
				opts.Queues = append(opts.Queues, q)
			}
		}
	}
	if v := take("delay_exchange"); v != "" {
		opts.DelayExchange = v
	}
	for key, target := range map[string]*bool{"auto_setup": &opts.AutoSetup, "single_active_consumer": &opts.SingleActiveConsumer} {
		v := take(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return "", Options{}, fmt.Errorf("invalid amqp dsn: %s: %w", key, err)
		}
		*target = b
	}

	if len(opts.Queues) == 0 {
		opts.Queues = []string{opts.Exchange}
	}

	u.RawQuery = query.Encode()
	return u.String(), opts, nil
}
