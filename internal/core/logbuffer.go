package core

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one captured log line. The correlation fields reqguard writes
// on request, assessment and anomaly lines are lifted out of the JSON so the
// admin API can follow a single request or fingerprint across components.
type LogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level,omitempty"`
	Component   string    `json:"component,omitempty"`
	Message     string    `json:"message"`
	RequestID   string    `json:"request_id,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ClientIP    string    `json:"client_ip,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Score       int       `json:"score,omitempty"`
	Raw         string    `json:"raw"`
}

// LogFilter selects log entries. Empty fields match anything. Level is a
// minimum: "warn" matches warn, error, fatal and panic lines.
type LogFilter struct {
	Level       string
	Component   string
	RequestID   string
	Fingerprint string
	ClientIP    string
	UserID      string
}

// ErrInvalidLogLevel is returned by Validate for an unknown level name.
var ErrInvalidLogLevel = errors.New("invalid log level")

// Validate reports whether the filter's level is a known zerolog level.
func (f LogFilter) Validate() error {
	if f.Level == "" {
		return nil
	}
	if _, err := zerolog.ParseLevel(f.Level); err != nil {
		return ErrInvalidLogLevel
	}
	return nil
}

// Match reports whether e passes every set field of the filter.
func (f LogFilter) Match(e *LogEntry) bool {
	if f.Level != "" {
		floor, err := zerolog.ParseLevel(f.Level)
		if err != nil {
			return false
		}
		lvl, err := zerolog.ParseLevel(e.Level)
		if err != nil || e.Level == "" || lvl < floor {
			return false
		}
	}
	return matchField(f.Component, e.Component) &&
		matchField(f.RequestID, e.RequestID) &&
		matchField(f.Fingerprint, e.Fingerprint) &&
		matchField(f.ClientIP, e.ClientIP) &&
		matchField(f.UserID, e.UserID)
}

func matchField(want, got string) bool {
	return want == "" || want == got
}

// LogRingBuffer keeps the most recent log lines for /api/v1/logs. It is
// registered as a zerolog tap, so it receives JSON regardless of the
// console format.
type LogRingBuffer struct {
	mu    sync.RWMutex
	slots []LogEntry
	next  int // slot the next line is written to
	count int
	now   func() time.Time
}

// NewLogRingBuffer creates a buffer holding up to capacity lines.
func NewLogRingBuffer(capacity int) *LogRingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogRingBuffer{
		slots: make([]LogEntry, capacity),
		now:   time.Now,
	}
}

// Write implements io.Writer. Each call is treated as one log line.
func (b *LogRingBuffer) Write(p []byte) (int, error) {
	entry := parseLogLine(strings.TrimRight(string(p), "\n"), b.now)

	b.mu.Lock()
	b.slots[b.next] = entry
	b.next = (b.next + 1) % len(b.slots)
	if b.count < len(b.slots) {
		b.count++
	}
	b.mu.Unlock()
	return len(p), nil
}

// Query returns up to n of the newest entries matching f, oldest first.
func (b *LogRingBuffer) Query(f LogFilter, n int) []LogEntry {
	out := []LogEntry{}
	if n <= 0 {
		return out
	}

	b.mu.RLock()
	size := len(b.slots)
	for i := 0; i < b.count && len(out) < n; i++ {
		e := &b.slots[(b.next-1-i+size)%size]
		if f.Match(e) {
			out = append(out, *e)
		}
	}
	b.mu.RUnlock()

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Recent returns the newest n entries, oldest first.
func (b *LogRingBuffer) Recent(n int) []LogEntry {
	return b.Query(LogFilter{}, n)
}

// Len returns the number of buffered lines.
func (b *LogRingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func parseLogLine(line string, now func() time.Time) LogEntry {
	entry := LogEntry{Timestamp: now().UTC(), Message: line, Raw: line}
	if !strings.HasPrefix(line, "{") {
		return entry
	}

	var fields struct {
		Time        string `json:"time"`
		Level       string `json:"level"`
		Component   string `json:"component"`
		Message     string `json:"message"`
		RequestID   string `json:"request_id"`
		Fingerprint string `json:"fingerprint"`
		ClientIP    string `json:"client_ip"`
		UserID      string `json:"user_id"`
		Outcome     string `json:"outcome"`
		Score       int    `json:"score"`
	}
	// A field of an unexpected type still leaves the others decoded.
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return entry
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, fields.Time); err == nil {
		entry.Timestamp = t.UTC()
	}
	entry.Level = fields.Level
	entry.Component = fields.Component
	entry.Message = fields.Message
	entry.RequestID = fields.RequestID
	entry.Fingerprint = fields.Fingerprint
	entry.ClientIP = fields.ClientIP
	entry.UserID = fields.UserID
	entry.Outcome = fields.Outcome
	entry.Score = fields.Score
	return entry
}
