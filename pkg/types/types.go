// Package types defines the shared data records that flow through the koschei
// reply pipeline: observations ingested from the game, the NPC's own memory,
// reply requests, and the message shapes exchanged with LLM providers.
//
// All types are plain value types with no behaviour beyond small helpers, so
// they can be passed freely between packages without import cycles.
package types

import (
	"strings"
	"time"
)

// Utterance is a single chat line written by a player during a round.
// Utterances are immutable once stored and are only created by player input
// ingestion.
type Utterance struct {
	// GameID identifies the game instance. Optional.
	GameID string

	// Text is the raw chat message.
	Text string

	// SpeakerID is the stable player identifier (e.g., "p1").
	SpeakerID string

	// SpeakerName is the display name of the player (e.g., "Alice").
	SpeakerName string

	// RoundID scopes the utterance to one round of play.
	RoundID string

	// Location is the map location the player was at when speaking.
	// Empty when unknown.
	Location string

	// NearbySpeakers lists the IDs of players close to the speaker.
	NearbySpeakers []string

	// Timestamp is when the message was written.
	Timestamp time.Time
}

// GameEvent is an observation produced by the world simulation, such as a
// door opening or a generator failing.
type GameEvent struct {
	Text      string
	EventType string
	RoundID   string
	Location  string
}

// MemoryType classifies an NPC memory entry.
type MemoryType string

// MemorySaid marks an entry that records something the NPC said.
const MemorySaid MemoryType = "said"

// NPCMemoryEntry is something the NPC itself produced. Entries are created
// exclusively as a side effect of a successful reply generation.
type NPCMemoryEntry struct {
	Text       string
	MemoryType MemoryType
	RoundID    string
}

// StyleProfile is a short description of how a speaker writes. It is computed
// on demand and never persisted.
type StyleProfile struct {
	SpeakerID   string
	Description string
}

// ReplyRequest is the input to a single reply generation.
type ReplyRequest struct {
	// PlayerText is the chat line the NPC is answering. Must be non-empty.
	PlayerText string

	// RoundID scopes retrieval and persistence. Empty selects the configured
	// default round.
	RoundID string

	// ImitateSpeakerID names the player whose style the NPC should copy.
	// Optional.
	ImitateSpeakerID string

	// RecentMessages are that player's recent raw messages, oldest first.
	// Only meaningful together with ImitateSpeakerID.
	RecentMessages []string
}

// Reply is the outcome of a successful reply generation.
type Reply struct {
	// Text is the generated reply, trimmed of surrounding whitespace.
	Text string

	// RoundID is the round the reply was generated and persisted for.
	RoundID string

	// MemoryID is the identifier of the NPC memory entry recording Text.
	MemoryID string

	// ContextLines are the memory snippets that were placed in the prompt.
	ContextLines []string

	// Style is the descriptor used for imitation; empty when no profiling ran.
	Style string
}

// SplitCSV splits a comma-separated list, trimming blanks and dropping empty
// items. It returns nil for an empty input.
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// LLM message shapes
// ─────────────────────────────────────────────────────────────────────────────

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
