package store

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys bounds the in-memory limiter map so an attacker cannot
// exhaust memory by cycling through distinct (channel_id, user_key) pairs.
// Past the bound, the earliest-created key is evicted to make room, in
// insertion order; how recently a key was used is not considered.
const maxTrackedKeys = 50_000

// RateLimiter is a sliding-window limiter keyed by (channel_id, user_key),
// backed by golang.org/x/time/rate token buckets. It is the in-process
// enforcement point the middleware chain's rate-limit stage consults;
// violations it flags are separately persisted via Store.WriteViolation.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*trackedLimiter
	lruOrder []string
}

type trackedLimiter struct {
	limiter   *rate.Limiter
	lastTouch time.Time
}

// NewRateLimiter creates an empty limiter set.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*trackedLimiter)}
}

func rateLimitKey(channelID, userKey string) string {
	return channelID + "\x00" + userKey
}

// Allow reports whether one more event for (channelID, userKey) is within
// the configured perMinute budget. A perMinute of 0 means unlimited.
func (r *RateLimiter) Allow(channelID, userKey string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	key := rateLimitKey(channelID, userKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	tl, ok := r.buckets[key]
	if !ok {
		if len(r.buckets) >= maxTrackedKeys {
			r.evictOldestLocked()
		}
		tl = &trackedLimiter{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)}
		r.buckets[key] = tl
		r.lruOrder = append(r.lruOrder, key)
	}
	tl.lastTouch = time.Now()
	return tl.limiter.Allow()
}

func (r *RateLimiter) evictOldestLocked() {
	if len(r.lruOrder) == 0 {
		return
	}
	oldest := r.lruOrder[0]
	r.lruOrder = r.lruOrder[1:]
	delete(r.buckets, oldest)
}
