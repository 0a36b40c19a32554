// Package history keeps the last few raw chat messages each player sent in a
// round. The reply façade uses it to fill in recent messages for style
// imitation when a caller only names the player to imitate.
//
// This log is a convenience cache, not memory: it is never queried by
// similarity and losing it only degrades imitation to the default style.
package history

import (
	"context"
	"sync"
)

// DefaultMaxMessages bounds each (round, speaker) log when no limit is given.
const DefaultMaxMessages = 10

// Log stores recent messages per (round, speaker), oldest first.
type Log interface {
	// Append adds text to the end of the speaker's log for round, evicting
	// the oldest entry once the log is full.
	Append(ctx context.Context, round, speaker, text string) error

	// Recent returns up to n of the newest messages, oldest first. n <= 0
	// returns everything retained.
	Recent(ctx context.Context, round, speaker string, n int) ([]string, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Nop
// ─────────────────────────────────────────────────────────────────────────────

// Nop discards everything. It is used when history is disabled.
type Nop struct{}

// Append implements [Log].
func (Nop) Append(context.Context, string, string, string) error { return nil }

// Recent implements [Log].
func (Nop) Recent(context.Context, string, string, int) ([]string, error) { return nil, nil }

// ─────────────────────────────────────────────────────────────────────────────
// MemoryLog
// ─────────────────────────────────────────────────────────────────────────────

type logKey struct{ round, speaker string }

// MemoryLog is an in-process [Log]. It is safe for concurrent use.
type MemoryLog struct {
	mu   sync.Mutex
	max  int
	logs map[logKey][]string
}

// NewMemoryLog creates a MemoryLog retaining at most max messages per key.
// max <= 0 selects [DefaultMaxMessages].
func NewMemoryLog(max int) *MemoryLog {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	return &MemoryLog{max: max, logs: make(map[logKey][]string)}
}

// Append implements [Log].
func (l *MemoryLog) Append(_ context.Context, round, speaker, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := logKey{round, speaker}
	msgs := append(l.logs[k], text)
	if over := len(msgs) - l.max; over > 0 {
		msgs = append([]string(nil), msgs[over:]...)
	}
	l.logs[k] = msgs
	return nil
}

// Recent implements [Log].
func (l *MemoryLog) Recent(_ context.Context, round, speaker string, n int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.logs[logKey{round, speaker}]
	if n > 0 && n < len(msgs) {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]string, len(msgs))
	copy(out, msgs)
	return out, nil
}

var (
	_ Log = Nop{}
	_ Log = (*MemoryLog)(nil)
)
