// Package volume counts requests per client in fixed one-minute buckets.
//
// The buckets are fixed windows keyed by floor(now/60s), not a sliding
// window: a client can send up to twice the threshold across a bucket
// boundary without tripping it. That approximation is accepted.
package volume

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Window is the bucket width and the idle lifetime of a counter.
const Window = time.Minute

// Tracker counts requests per client IP per bucket. Counters expire one
// Window after their last write.
type Tracker struct {
	mu       sync.Mutex
	counters *expirable.LRU[string, int]
	now      func() time.Time
}

// NewTracker creates a tracker holding at most capacity live counters.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 100000
	}
	return &Tracker{
		counters: expirable.NewLRU[string, int](capacity, nil, Window),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for bucketing. Intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// BucketKey returns the counter key for clientIP at instant at.
func BucketKey(clientIP string, at time.Time) string {
	return clientIP + "|" + strconv.FormatInt(at.UnixMilli()/Window.Milliseconds(), 10)
}

// Increment records one request from clientIP and returns the count in the
// current bucket, this request included.
func (t *Tracker) Increment(clientIP string) int {
	key := BucketKey(clientIP, t.now())

	t.mu.Lock()
	defer t.mu.Unlock()
	// An expired or evicted counter reads as absent and starts over.
	count, _ := t.counters.Get(key)
	count++
	t.counters.Add(key, count)
	return count
}

// Count returns the current bucket's count for clientIP without recording.
func (t *Tracker) Count(clientIP string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count, _ := t.counters.Peek(BucketKey(clientIP, t.now()))
	return count
}

// Len returns the number of live counters.
func (t *Tracker) Len() int {
	return t.counters.Len()
}
