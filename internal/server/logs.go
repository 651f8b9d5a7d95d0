package server

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// LogLevel is the severity assigned to a server output line
type LogLevel string

const (
	LogError   LogLevel = "error"
	LogWarning LogLevel = "warning"
	LogInfo    LogLevel = "info"
	LogDebug   LogLevel = "debug"
)

// IsValid checks if the level value is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogError, LogWarning, LogInfo, LogDebug:
		return true
	}
	return false
}

// LogSource tells which stream a line came from
type LogSource string

const (
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
	// SourceManager marks lines written by phpack itself
	SourceManager LogSource = "phpack"
)

// LogEntry is one line of server output
type LogEntry struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"timestamp"`
	Level   LogLevel  `json:"level"`
	Source  LogSource `json:"source"`
	Message string    `json:"message"`
	// Status is the HTTP status of an access log line, 0 otherwise
	Status int `json:"status,omitempty"`
}

// accessPattern matches the built-in server access line, e.g.
// "[Mon Oct 19 10:00:00 2026] 127.0.0.1:51234 [404]: GET /favicon.ico"
var accessPattern = regexp.MustCompile(`\[(\d{3})\]:\s+[A-Z]+\s`)

// Classify assigns a severity to a line. Access lines are classified by
// status code alone; other lines by keyword.
func Classify(line string) (LogLevel, int) {
	if m := accessPattern.FindStringSubmatch(line); m != nil {
		status, _ := strconv.Atoi(m[1])
		switch {
		case status >= 500:
			return LogError, status
		case status >= 400:
			return LogWarning, status
		default:
			return LogInfo, status
		}
	}

	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "exception") || strings.Contains(lower, "failed"):
		return LogError, 0
	case strings.Contains(lower, "warning") || strings.Contains(lower, "deprecated"):
		return LogWarning, 0
	case strings.Contains(lower, "notice") || strings.Contains(lower, "debug"):
		return LogDebug, 0
	}
	return LogInfo, 0
}

// LogQuery filters a log buffer. Zero values match everything.
type LogQuery struct {
	Level LogLevel `json:"level,omitempty"`
	// Search is a case-insensitive substring match on the message
	Search string `json:"search,omitempty"`
	// AfterSeq returns only entries with a larger sequence number
	AfterSeq uint64 `json:"after_seq,omitempty"`
	// Limit keeps the newest N matches; 0 means all
	Limit int `json:"limit,omitempty"`
}

// LogBuffer retains the newest entries in arrival order. Queries never
// mutate it.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	start    int // index of the oldest entry once the ring is full
	capacity int
	seq      uint64
	counts   map[LogLevel]int
}

// NewLogBuffer creates a buffer retaining at most capacity entries
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{
		entries:  make([]LogEntry, 0, min(capacity, 1024)),
		capacity: capacity,
		counts:   make(map[LogLevel]int),
	}
}

// Append classifies and stores a line, returning the stored entry
func (b *LogBuffer) Append(source LogSource, line string) LogEntry {
	level, status := Classify(line)
	return b.AppendLevel(source, level, status, line)
}

// AppendLevel stores a line with an explicit level
func (b *LogBuffer) AppendLevel(source LogSource, level LogLevel, status int, line string) LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e := LogEntry{
		ID:      uuid.New().String(),
		Seq:     b.seq,
		Time:    time.Now(),
		Level:   level,
		Source:  source,
		Message: line,
		Status:  status,
	}
	b.counts[level]++

	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, e)
	} else {
		b.entries[b.start] = e
		b.start = (b.start + 1) % b.capacity
	}
	return e
}

// Len returns the number of retained entries
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Counts returns how many lines of each level were ever appended
func (b *LogBuffer) Counts() map[LogLevel]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[LogLevel]int, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}

// Entries returns a copy of all retained entries, oldest first
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]LogEntry, 0, len(b.entries))
	out = append(out, b.entries[b.start:]...)
	out = append(out, b.entries[:b.start]...)
	return out
}

// Query returns matching entries, oldest first
func (b *LogBuffer) Query(q LogQuery) []LogEntry {
	search := strings.ToLower(q.Search)
	matches := lo.Filter(b.Entries(), func(e LogEntry, _ int) bool {
		if e.Seq <= q.AfterSeq {
			return false
		}
		if q.Level != "" && e.Level != q.Level {
			return false
		}
		return search == "" || strings.Contains(strings.ToLower(e.Message), search)
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[len(matches)-q.Limit:]
	}
	return matches
}

// Tail renders the last n messages, newline separated
func (b *LogBuffer) Tail(n int) string {
	entries := b.Query(LogQuery{Limit: n})
	return strings.Join(lo.Map(entries, func(e LogEntry, _ int) string { return e.Message }), "\n")
}
