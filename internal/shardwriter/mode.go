package shardwriter

import (
	"strings"

	"Distributed-index/internal/errors"
)

// Mode selects the promotion protocol.
type Mode int

const (
	// ModeArena writes each generation to its own directory and switches a
	// CURRENT marker once every file is verified.
	ModeArena Mode = iota
	// ModeQuarantine trashes the permanent directory up front and copies
	// files into it one by one, skipping files that fail.
	ModeQuarantine
)

func (m Mode) String() string {
	switch m {
	case ModeArena:
		return "arena"
	case ModeQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// ParseMode accepts "arena" (or empty) and "quarantine".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "arena":
		return ModeArena, nil
	case "quarantine":
		return ModeQuarantine, nil
	default:
		return 0, errors.Errorf("unknown promotion mode %q", s)
	}
}
