package logger

import (
	"strings"
	"sync"
)

// TestLogger records entries in memory for assertions.
type TestLogger struct {
	mu      *sync.Mutex
	entries *[]LogEntry
	fields  []Field
	name    string
}

type LogEntry struct {
	Level   string
	Logger  string
	Message string
	Fields  []Field
}

// NewTestLogger creates a new test logger
func NewTestLogger() *TestLogger {
	entries := make([]LogEntry, 0)
	return &TestLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *TestLogger) Debug(msg string, fields ...Field) { l.log("DEBUG", msg, fields...) }
func (l *TestLogger) Info(msg string, fields ...Field)  { l.log("INFO", msg, fields...) }
func (l *TestLogger) Warn(msg string, fields ...Field)  { l.log("WARN", msg, fields...) }
func (l *TestLogger) Error(msg string, fields ...Field) { l.log("ERROR", msg, fields...) }
func (l *TestLogger) Fatal(msg string, fields ...Field) { l.log("FATAL", msg, fields...) }

// With shares the entry buffer with the parent.
func (l *TestLogger) With(fields ...Field) Logger {
	child := *l
	child.fields = append(append([]Field(nil), l.fields...), fields...)
	return &child
}

func (l *TestLogger) Named(name string) Logger {
	child := *l
	if child.name != "" {
		child.name += "." + name
	} else {
		child.name = name
	}
	return &child
}

func (l *TestLogger) Sync() error { return nil }

func (l *TestLogger) log(level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	*l.entries = append(*l.entries, LogEntry{
		Level:   level,
		Logger:  l.name,
		Message: msg,
		Fields:  append(append([]Field(nil), l.fields...), fields...),
	})
}

// GetEntries returns a copy of all entries.
func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]LogEntry, len(*l.entries))
	copy(entries, *l.entries)
	return entries
}

// Contains reports whether any entry at level has a message containing substr.
func (l *TestLogger) Contains(level, substr string) bool {
	for _, e := range l.GetEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Clear drops all entries.
func (l *TestLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = (*l.entries)[:0]
}
