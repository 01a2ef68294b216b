package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// DefaultRetryPeriod is how long a failed transport stays dead
const DefaultRetryPeriod = 60 * time.Second

// SelectorOption configures RoundRobinTransport and FailoverTransport
type SelectorOption func(*selector)

// WithSelectorLogger sets the logger
func WithSelectorLogger(logger *slog.Logger) SelectorOption {
	return func(s *selector) {
		s.logger = logger
	}
}

// WithSelectorClock sets the time source used for dead transport cooldowns
func WithSelectorClock(now func() time.Time) SelectorOption {
	return func(s *selector) {
		s.now = now
	}
}

// selector holds the state shared by the round-robin and failover transports.
// Transports are addressed by their index; deadSince[i] is zero while transport i is alive.
type selector struct {
	kind        string
	transports  []Transport
	retryPeriod time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	cursor    int
	deadSince []time.Time
}

func newSelector(kind string, transports []Transport, retryPeriod time.Duration, options []SelectorOption) (*selector, error) {
	if len(transports) == 0 {
		return nil, fmt.Errorf("%s transport must have at least one transport", kind)
	}
	if retryPeriod < 0 {
		return nil, fmt.Errorf("retry period cannot be negative")
	}

	s := &selector{
		kind:        kind,
		transports:  append([]Transport(nil), transports...),
		retryPeriod: retryPeriod,
		logger:      slog.Default(),
		now:         time.Now,
		deadSince:   make([]time.Time, len(transports)),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Supports reports whether any transport supports msg
func (s *selector) Supports(msg Message) bool {
	for _, t := range s.transports {
		if t.Supports(msg) {
			return true
		}
	}
	return false
}

func (s *selector) String() string {
	names := make([]string, len(s.transports))
	for i, t := range s.transports {
		names[i] = t.String()
	}
	return s.kind + "(" + strings.Join(names, " ") + ")"
}

// send tries transports chosen by pick until one delivers msg.
// Every transport is tried at most once per call.
func (s *selector) send(ctx context.Context, msg Message, pick func(Message) (int, bool)) (*SentMessage, error) {
	if !s.Supports(msg) {
		return nil, fmt.Errorf("%w: %T by %s", ErrUnsupportedMessage, msg, s)
	}

	var failures []error
	for attempt := 0; attempt < len(s.transports); attempt++ {
		s.mu.Lock()
		idx, ok := pick(msg)
		s.mu.Unlock()
		if !ok {
			break
		}

		transport := s.transports[idx]
		sent, err := transport.Send(ctx, msg)
		if err == nil {
			return sent, nil
		}

		var te *TransportError
		if !errors.As(err, &te) {
			return nil, err
		}

		s.markDead(idx)
		failures = append(failures, err)
		s.logger.Warn("notifier transport failed, marked dead",
			"transport", transport.String(),
			"retryPeriod", s.retryPeriod,
			"error", err,
		)

		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
	}

	if len(failures) == 0 {
		return nil, ErrAllTransportsFailed
	}
	return nil, fmt.Errorf("%w: %w", ErrAllTransportsFailed, errors.Join(failures...))
}

func (s *selector) markDead(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadSince[idx] = s.now()
}

// isDead reports whether transport idx is cooling down; it revives transports whose cooldown elapsed.
// Callers hold mu.
func (s *selector) isDead(idx int) bool {
	since := s.deadSince[idx]
	if since.IsZero() {
		return false
	}
	if s.now().Sub(since) >= s.retryPeriod {
		s.deadSince[idx] = time.Time{}
		return false
	}
	return true
}

// nextFrom selects the first supporting, alive transport from the cursor on and moves the cursor past it.
// The cursor is left untouched when nothing is eligible. Callers hold mu.
func (s *selector) nextFrom(msg Message) (int, bool) {
	n := len(s.transports)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		if !s.transports[idx].Supports(msg) || s.isDead(idx) {
			continue
		}
		s.cursor = (idx + 1) % n
		return idx, true
	}
	return -1, false
}

// RoundRobinTransport spreads messages over its transports in turn.
// A transport returning a TransportError is skipped until the retry period has elapsed.
type RoundRobinTransport struct {
	*selector
}

// NewRoundRobinTransport creates a round-robin transport starting at a random position
func NewRoundRobinTransport(transports []Transport, retryPeriod time.Duration, options ...SelectorOption) (*RoundRobinTransport, error) {
	s, err := newSelector("roundrobin", transports, retryPeriod, options)
	if err != nil {
		return nil, err
	}
	s.cursor = rand.IntN(len(s.transports))
	return &RoundRobinTransport{selector: s}, nil
}

// Send implements Transport
func (t *RoundRobinTransport) Send(ctx context.Context, msg Message) (*SentMessage, error) {
	return t.send(ctx, msg, t.nextFrom)
}
