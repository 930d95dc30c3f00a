package access

import (
	"context"
	"sync"
	"time"
)

const limiterWindow = time.Hour

// EmergencyLimiter caps emergency submissions per requester within a
// rolling one-hour window. Emergency submissions skip patient approval, so
// each requester gets a fixed budget of them.
type EmergencyLimiter struct {
	mu         sync.Mutex
	maxPerHour int
	entries    map[string][]time.Time
}

// NewEmergencyLimiter returns a limiter allowing maxPerHour emergency
// submissions per requester. maxPerHour <= 0 disables the limit.
func NewEmergencyLimiter(maxPerHour int) *EmergencyLimiter {
	return &EmergencyLimiter{
		maxPerHour: maxPerHour,
		entries:    make(map[string][]time.Time),
	}
}

// Allow records an emergency submission by requester at now, unless the
// requester already used the hourly budget.
func (l *EmergencyLimiter) Allow(requester string, now time.Time) bool {
	if l == nil || l.maxPerHour <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.entries[requester], now.Add(-limiterWindow))
	if len(recent) >= l.maxPerHour {
		l.entries[requester] = recent
		return false
	}
	l.entries[requester] = append(recent, now)
	return true
}

// Release gives back a submission Allow recorded at the same instant, for
// submissions that did not go through.
func (l *EmergencyLimiter) Release(requester string, at time.Time) {
	if l == nil || l.maxPerHour <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.entries[requester]
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Equal(at) {
			l.entries[requester] = append(ts[:i], ts[i+1:]...)
			return
		}
	}
}

// Cleanup drops timestamps older than the window and forgets idle
// requesters.
func (l *EmergencyLimiter) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-limiterWindow)
	for requester, ts := range l.entries {
		if recent := prune(ts, cutoff); len(recent) == 0 {
			delete(l.entries, requester)
		} else {
			l.entries[requester] = recent
		}
	}
}

// Run calls Cleanup every period until ctx is done.
func (l *EmergencyLimiter) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Cleanup(now)
		}
	}
}

func (l *EmergencyLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
