package messaging

import (
	"context"
	"log/slog"
	"time"
)

// StopOnMessageLimitListener stops the worker after it handled a number of envelopes
type StopOnMessageLimitListener struct {
	limit    int
	received int
	logger   *slog.Logger
}

// NewStopOnMessageLimitListener creates the listener; limit must be positive
func NewStopOnMessageLimitListener(limit int, logger *slog.Logger) *StopOnMessageLimitListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &StopOnMessageLimitListener{limit: limit, logger: logger}
}

// OnWorkerEvent implements WorkerListener
func (l *StopOnMessageLimitListener) OnWorkerEvent(_ context.Context, event WorkerEvent) {
	e, ok := event.(*WorkerRunningEvent)
	if !ok || e.Idle {
		return
	}
	l.received++
	if l.received >= l.limit {
		l.received = 0
		e.Worker.Stop()
		l.logger.Info("worker stopped due to maximum count of messages processed", "count", l.limit)
	}
}

// StopOnTimeLimitListener stops the worker once it has been running for a duration
type StopOnTimeLimitListener struct {
	limit  time.Duration
	now    func() time.Time
	endAt  time.Time
	logger *slog.Logger
}

// NewStopOnTimeLimitListener creates the listener; now defaults to time.Now
func NewStopOnTimeLimitListener(limit time.Duration, now func() time.Time, logger *slog.Logger) *StopOnTimeLimitListener {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StopOnTimeLimitListener{limit: limit, now: now, logger: logger}
}

// OnWorkerEvent implements WorkerListener
func (l *StopOnTimeLimitListener) OnWorkerEvent(_ context.Context, event WorkerEvent) {
	switch e := event.(type) {
	case *WorkerStartedEvent:
		l.endAt = l.now().Add(l.limit)
	case *WorkerRunningEvent:
		if !l.now().Before(l.endAt) {
			e.Worker.Stop()
			l.logger.Info("worker stopped due to time limit", "timeLimit", l.limit)
		}
	}
}

// StopOnFailureLimitListener stops the worker after a number of failed envelopes
type StopOnFailureLimitListener struct {
	limit    int
	failures int
	logger   *slog.Logger
}

// NewStopOnFailureLimitListener creates the listener; limit must be positive
func NewStopOnFailureLimitListener(limit int, logger *slog.Logger) *StopOnFailureLimitListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &StopOnFailureLimitListener{limit: limit, logger: logger}
}

// OnWorkerEvent implements WorkerListener
func (l *StopOnFailureLimitListener) OnWorkerEvent(_ context.Context, event WorkerEvent) {
	switch e := event.(type) {
	case *WorkerMessageFailedEvent:
		l.failures++
	case *WorkerRunningEvent:
		if l.failures >= l.limit {
			l.failures = 0
			e.Worker.Stop()
			l.logger.Info("worker stopped due to limit of failed messages reached", "count", l.limit)
		}
	}
}
