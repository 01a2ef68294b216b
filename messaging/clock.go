package messaging

import (
	"context"
	"time"
)

// Clock abstracts time for the worker
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration)
}

type systemClock struct{}

// SystemClock returns the wall clock
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
