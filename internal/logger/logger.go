// Package logger builds the hclog loggers shared by every component. hclog is
// what raft and memberlist log through, so the node emits one consistent
// stream.
package logger

import (
	"io"
	"log"
	"os"

	"github.com/hashicorp/go-hclog"
)

const RFC3339UsecTz0 = "2006-01-02T15:04:05.000000Z07:00"

// New returns a named logger writing to w at the given level. Unknown level
// names fall back to info.
func New(name, level string, w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      lvl,
		Output:     w,
		TimeFormat: RFC3339UsecTz0,
	})
}

// Nop returns a logger that discards everything.
func Nop() hclog.Logger {
	return hclog.NewNullLogger()
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}

// Standard adapts l for libraries that only accept a *log.Logger.
func Standard(l hclog.Logger) *log.Logger {
	return OrNop(l).StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
}
