// Package history keeps a time-windowed rollup of threat scores per request
// fingerprint, for metrics and cross-request correlation.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long an entry lives after its last hit.
const DefaultTTL = time.Hour

// DefaultActiveThreatScore is the MaxScore above which an entry counts as an
// active threat.
const DefaultActiveThreatScore = 70

// Entry is the rollup for one fingerprint.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	HitCount    int64     `json:"hit_count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	MaxScore    int       `json:"max_score"`
}

// Snapshot is the pull-based metrics view of the store.
type Snapshot struct {
	Tracked       int       `json:"tracked_fingerprints"`
	ActiveThreats int       `json:"active_threats"`
	TotalHits     int64     `json:"total_hits"`
	TakenAt       time.Time `json:"taken_at"`
}

// Store is a concurrency-safe map of entries. Expired entries read as absent
// immediately and are physically removed by Sweep.
type Store struct {
	mu           sync.Mutex
	entries      map[string]*Entry
	ttl          time.Duration
	activeThresh int
	now          func() time.Time
}

// NewStore creates a store. Zero arguments take the defaults.
func NewStore(ttl time.Duration, activeThreatScore int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if activeThreatScore <= 0 {
		activeThreatScore = DefaultActiveThreatScore
	}
	return &Store{
		entries:      make(map[string]*Entry),
		ttl:          ttl,
		activeThresh: activeThreatScore,
		now:          time.Now,
	}
}

// SetActiveThreatScore changes the MaxScore above which Snapshot counts an
// entry as an active threat. Non-positive values restore the default.
func (s *Store) SetActiveThreatScore(score int) {
	if score <= 0 {
		score = DefaultActiveThreatScore
	}
	s.mu.Lock()
	s.activeThresh = score
	s.mu.Unlock()
}

// WithClock replaces the store clock. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Record adds one hit with score for fingerprint and returns a copy of the
// updated entry.
func (s *Store) Record(fingerprint string, score int) Entry {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fingerprint]
	if !ok || s.expired(e, now) {
		e = &Entry{Fingerprint: fingerprint, FirstSeen: now, MaxScore: score}
		s.entries[fingerprint] = e
	}
	e.HitCount++
	e.LastSeen = now
	if score > e.MaxScore {
		e.MaxScore = score
	}
	return *e
}

// Get returns a copy of the live entry for fingerprint.
func (s *Store) Get(fingerprint string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fingerprint]
	if !ok || s.expired(e, s.now()) {
		return Entry{}, false
	}
	return *e, true
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done. onSweep, when
// non-nil, receives the number of removed entries.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.Sweep()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

// Snapshot summarises the live entries.
func (s *Store) Snapshot() Snapshot {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{TakenAt: now}
	for _, e := range s.entries {
		if s.expired(e, now) {
			continue
		}
		snap.Tracked++
		snap.TotalHits += e.HitCount
		if e.MaxScore > s.activeThresh {
			snap.ActiveThreats++
		}
	}
	return snap
}

// Top returns up to n live entries, highest MaxScore first, then most hits.
func (s *Store) Top(n int) []Entry {
	now := s.now()
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !s.expired(e, now) {
			out = append(out, *e)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxScore != out[j].MaxScore {
			return out[i].MaxScore > out[j].MaxScore
		}
		if out[i].HitCount != out[j].HitCount {
			return out[i].HitCount > out[j].HitCount
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Len returns the number of stored entries, expired ones included until the
// next sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.LastSeen) >= s.ttl
}
