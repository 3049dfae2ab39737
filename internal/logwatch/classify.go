package logwatch

import (
	"strings"
	"time"

	"github.com/ceymail/ceymail-mc/internal/model"
)

// Classify infers a log level from line content using case-insensitive
// keyword matching. Mail logs rarely carry explicit levels, so content
// keywords are the only signal available.
func Classify(line string) model.LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"),
		strings.Contains(lower, "fatal"),
		strings.Contains(lower, "panic"):
		return model.LevelError
	case strings.Contains(lower, "warn"),
		strings.Contains(lower, "reject"):
		return model.LevelWarning
	case strings.Contains(lower, "debug"):
		return model.LevelDebug
	default:
		return model.LevelInfo
	}
}

// ParseSource extracts the originating service from a syslog-style line:
// "Mon DD HH:MM:SS hostname service[pid]: message". Lines that do not fit
// the shape yield "unknown".
func ParseSource(line string) string {
	parts := strings.SplitN(line, " ", 6)
	if len(parts) < 5 {
		return "unknown"
	}
	source, _, _ := strings.Cut(parts[4], "[")
	if source == "" {
		return "unknown"
	}
	return source
}

// Entry builds a classified LogEntry from one raw line, stamped with
// ingestion time (mail logs do not carry reliable per-line timestamps).
func Entry(line string) model.LogEntry {
	return model.LogEntry{
		Timestamp: time.Now(),
		Level:     Classify(line),
		Source:    ParseSource(line),
		Message:   line,
	}
}
