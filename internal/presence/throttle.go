package presence

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypingThrottle applies a token bucket per conversation so composing a long
// message does not flood the channel with typing signals. Idle entries are
// evicted periodically.
type TypingThrottle struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byConv  map[string]*throttleEntry
	hits    uint64
	idleTTL time.Duration
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTypingThrottle allows one signal per interval per conversation; returns
// nil if the interval is invalid, and a nil throttle allows everything.
func NewTypingThrottle(interval time.Duration) *TypingThrottle {
	if interval <= 0 {
		return nil
	}
	return &TypingThrottle{
		limit:   rate.Every(interval),
		burst:   1,
		byConv:  make(map[string]*throttleEntry),
		idleTTL: 10 * time.Minute,
	}
}

func (l *TypingThrottle) Allow(conversationID string, now time.Time) bool {
	if l == nil {
		return true
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byConv[conversationID]
	if !ok {
		e = &throttleEntry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byConv[conversationID] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byConv {
			if v.lastSeen.Before(cutoff) {
				delete(l.byConv, k)
			}
		}
	}

	return allowed
}
