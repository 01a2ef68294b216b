// Package config loads the YAML configuration of the messenger and the notifier.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/courierhq/courier/messaging"
)

// Config holds the whole configuration file
type Config struct {
	Messenger MessengerConfig `yaml:"messenger"`
	Notifier  NotifierConfig  `yaml:"notifier"`
}

// MessengerConfig describes transports, routing and failure handling
type MessengerConfig struct {
	// FailureTransport receives messages failing on transports without their own failure transport
	FailureTransport  string                     `yaml:"failure_transport"`
	DefaultSerializer string                     `yaml:"default_serializer"`
	Transports        map[string]TransportConfig `yaml:"transports"`
	// Routing maps message type names, or "*", to transport names
	Routing map[string][]string `yaml:"routing"`
}

// TransportConfig describes one named transport
type TransportConfig struct {
	DSN              string               `yaml:"dsn"`
	Serializer       string               `yaml:"serializer"`
	FailureTransport string               `yaml:"failure_transport"`
	RetryStrategy    *RetryStrategyConfig `yaml:"retry_strategy"`
	RateLimit        *RateLimitConfig     `yaml:"rate_limit"`
}

// RetryStrategyConfig configures a messaging.MultiplierRetryStrategy; unset fields keep the defaults
type RetryStrategyConfig struct {
	MaxRetries *int          `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     *float64      `yaml:"jitter"`
}

// RateLimitConfig allows Burst messages at once and one more every Every
type RateLimitConfig struct {
	Every time.Duration `yaml:"every"`
	Burst int           `yaml:"burst"`
}

// NotifierConfig describes chat transports
type NotifierConfig struct {
	ChatterTransports map[string]ChatterTransportConfig `yaml:"chatter_transports"`
	// Async sends notifications through the message bus instead of directly
	Async bool `yaml:"async"`
}

// Chatter transport modes
const (
	ModeSingle     = "single"
	ModeFailover   = "failover"
	ModeRoundRobin = "roundrobin"
)

// ChatterTransportConfig groups webhook endpoints behind one transport name
type ChatterTransportConfig struct {
	Mode        string        `yaml:"mode"`
	RetryPeriod time.Duration `yaml:"retry_period"`
	Endpoints   []string      `yaml:"endpoints"`
}

// Load reads, expands and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references from the environment, decodes and validates data
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), lookupEnv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// lookupEnv resolves NAME or NAME:-default
func lookupEnv(ref string) string {
	name, fallback, hasFallback := strings.Cut(ref, ":-")
	if v, ok := os.LookupEnv(name); ok && (v != "" || !hasFallback) {
		return v
	}
	return fallback
}

func (c *Config) applyDefaults() {
	if c.Messenger.DefaultSerializer == "" {
		c.Messenger.DefaultSerializer = "json"
	}
	for name, t := range c.Notifier.ChatterTransports {
		if t.Mode == "" {
			t.Mode = ModeFailover
			if len(t.Endpoints) == 1 {
				t.Mode = ModeSingle
			}
		}
		if t.RetryPeriod == 0 {
			t.RetryPeriod = time.Minute
		}
		c.Notifier.ChatterTransports[name] = t
	}
}

// Validate checks the configuration, including references between transports
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Messenger),
		validation.Field(&c.Notifier),
	)
}

// Validate implements validation.Validatable
func (m MessengerConfig) Validate() error {
	known := validation.By(func(value interface{}) error {
		name, _ := value.(string)
		if name == "" {
			return nil
		}
		if _, ok := m.Transports[name]; !ok {
			return fmt.Errorf("unknown transport %q", name)
		}
		return nil
	})

	return validation.ValidateStruct(&m,
		validation.Field(&m.FailureTransport, known),
		validation.Field(&m.DefaultSerializer, validation.In("json", "msgpack")),
		validation.Field(&m.Transports, validation.By(func(interface{}) error {
			for _, name := range sortedKeys(m.Transports) {
				if err := validation.Validate(m.Transports[name].FailureTransport, known); err != nil {
					return fmt.Errorf("%s.failure_transport: %w", name, err)
				}
			}
			return nil
		})),
		validation.Field(&m.Routing, validation.By(func(interface{}) error {
			for _, messageType := range sortedKeys(m.Routing) {
				for _, name := range m.Routing[messageType] {
					if err := validation.Validate(name, known); err != nil {
						return fmt.Errorf("%s: %w", messageType, err)
					}
				}
			}
			return nil
		})),
	)
}

// Validate implements validation.Validatable
func (t TransportConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.DSN, validation.Required),
		validation.Field(&t.Serializer, validation.In("json", "msgpack")),
		validation.Field(&t.RetryStrategy),
		validation.Field(&t.RateLimit),
	)
}

// Validate implements validation.Validatable
func (r RetryStrategyConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetries, validation.Min(0)),
		validation.Field(&r.Delay, validation.Min(time.Duration(0))),
		validation.Field(&r.Multiplier, validation.When(r.Multiplier != 0, validation.Min(1.0))),
		validation.Field(&r.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&r.Jitter, validation.Min(0.0), validation.Max(1.0)),
	)
}

// Validate implements validation.Validatable
func (r RateLimitConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Every, validation.Required, validation.Min(time.Duration(0))),
		validation.Field(&r.Burst, validation.Required, validation.Min(1)),
	)
}

// Validate implements validation.Validatable
func (n NotifierConfig) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.ChatterTransports),
	)
}

// Validate implements validation.Validatable
func (t ChatterTransportConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Mode, validation.Required, validation.In(ModeSingle, ModeFailover, ModeRoundRobin)),
		validation.Field(&t.RetryPeriod, validation.Min(time.Duration(0))),
		validation.Field(&t.Endpoints,
			validation.Required,
			validation.When(t.Mode == ModeSingle, validation.Length(1, 1)),
			validation.Each(validation.Required, is.URL),
		),
	)
}

// Strategy builds the retry strategy; a nil config gives the default strategy
func (r *RetryStrategyConfig) Strategy() *messaging.MultiplierRetryStrategy {
	s := messaging.DefaultRetryStrategy()
	if r == nil {
		return s
	}
	if r.MaxRetries != nil {
		s.MaxRetries = *r.MaxRetries
	}
	if r.Delay > 0 {
		s.Delay = r.Delay
	}
	if r.Multiplier != 0 {
		s.Multiplier = r.Multiplier
	}
	s.MaxDelay = r.MaxDelay
	if r.Jitter != nil {
		s.Jitter = *r.Jitter
	}
	return s
}

// Limiter builds the rate limiter
func (r *RateLimitConfig) Limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(r.Every), r.Burst)
}

// SerializerFor returns the serializer name used by a transport
func (m MessengerConfig) SerializerFor(transport string) string {
	if t, ok := m.Transports[transport]; ok && t.Serializer != "" {
		return t.Serializer
	}
	return m.DefaultSerializer
}

// FailureTransportFor returns the failure transport of a transport, or "" when failures are discarded.
// Failure transports only get a failure transport of their own when configured explicitly.
func (m MessengerConfig) FailureTransportFor(transport string) string {
	if t, ok := m.Transports[transport]; ok && t.FailureTransport != "" {
		return t.FailureTransport
	}
	if m.IsFailureTransport(transport) {
		return ""
	}
	return m.FailureTransport
}

// IsFailureTransport reports whether failed messages of some transport end up in transport
func (m MessengerConfig) IsFailureTransport(transport string) bool {
	if transport == m.FailureTransport {
		return true
	}
	for _, t := range m.Transports {
		if t.FailureTransport == transport {
			return true
		}
	}
	return false
}

// TransportNames returns the configured transport names, sorted
func (m MessengerConfig) TransportNames() []string {
	return sortedKeys(m.Transports)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
