// Package memory keeps the short per-correspondent conversation context that
// the reply pipeline feeds to the completion provider.
//
// The bounds are deliberately blunt: a sliding window of turns per
// correspondent, and when more than MaxCorrespondents distinct correspondents
// have accumulated, the entire mapping is wiped in one step. The wipe trades
// retained context for a hard memory ceiling and is logged so operators can
// see it happen.
package memory

import (
	"log/slog"
	"sync"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one remembered conversation entry.
type Turn struct {
	Role    string
	Content string
}

// Config bounds the memory. Zero values select the documented defaults.
type Config struct {
	// MaxTurns is the per-correspondent sliding window. Default: 10.
	MaxTurns int

	// MaxCorrespondents is the wipe threshold: an append that pushes the
	// number of distinct correspondents past it clears the whole mapping.
	// Default: 50.
	MaxCorrespondents int
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{MaxTurns: 10, MaxCorrespondents: 50}
}

// Memory is the bounded conversation store. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	config Config
	turns  map[string][]Turn // key: correspondent address
}

// New creates a Memory with the given bounds.
func New(cfg Config) *Memory {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultConfig().MaxTurns
	}
	if cfg.MaxCorrespondents <= 0 {
		cfg.MaxCorrespondents = DefaultConfig().MaxCorrespondents
	}
	return &Memory{config: cfg, turns: make(map[string][]Turn)}
}

// Append records one turn for a correspondent and enforces both bounds: the
// correspondent's window keeps only the newest MaxTurns entries, and if the
// append created a correspondent beyond MaxCorrespondents the entire mapping
// is dropped at once, including the turn just appended.
func (m *Memory) Append(correspondent, role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns := append(m.turns[correspondent], Turn{Role: role, Content: content})
	if excess := len(turns) - m.config.MaxTurns; excess > 0 {
		turns = turns[excess:]
	}
	m.turns[correspondent] = turns

	if len(m.turns) > m.config.MaxCorrespondents {
		count := len(m.turns)
		m.turns = make(map[string][]Turn)
		slog.Info("conversation memory wiped",
			"correspondents", count, "limit", m.config.MaxCorrespondents)
	}
}

// History returns a copy of the correspondent's turns, oldest first. The
// copy is safe to hold across later Appends.
func (m *Memory) History(correspondent string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns := m.turns[correspondent]
	if len(turns) == 0 {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Correspondents returns the number of distinct correspondents currently
// tracked.
func (m *Memory) Correspondents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}
