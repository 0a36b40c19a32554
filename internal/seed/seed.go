// Package seed loads fixture files of player chat, game events and NPC
// memory, and imports them into a memory store. It backs the "seed" CLI
// command used to prepare demo rounds and local test worlds.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/koschei/internal/recall"
	"github.com/MrWong99/koschei/pkg/memory"
	"github.com/MrWong99/koschei/pkg/types"
)

// File is the top-level structure of a fixture YAML file.
//
// Example:
//
//	round_id: r1
//	utterances:
//	  - player_id: p1
//	    player_name: Alice
//	    text: "I was fixing wires in Pavillion"
//	    location: Pavillion
//	    nearby_players: [p2]
//	npc_memory:
//	  - text: "Alien claimed it was at Mansion"
type File struct {
	// RoundID is applied to every entry that does not name its own round.
	RoundID string `yaml:"round_id"`

	Utterances []Utterance `yaml:"utterances"`
	Events     []Event     `yaml:"events"`
	NPCMemory  []NPCMemory `yaml:"npc_memory"`
}

// Utterance is a fixture chat line.
type Utterance struct {
	GameID        string    `yaml:"game_id"`
	RoundID       string    `yaml:"round_id"`
	PlayerID      string    `yaml:"player_id"`
	PlayerName    string    `yaml:"player_name"`
	Text          string    `yaml:"text"`
	Location      string    `yaml:"location"`
	NearbyPlayers []string  `yaml:"nearby_players"`
	Timestamp     time.Time `yaml:"timestamp"`
}

// Event is a fixture game event.
type Event struct {
	RoundID   string `yaml:"round_id"`
	EventType string `yaml:"event_type"`
	Location  string `yaml:"location"`
	Text      string `yaml:"text"`
}

// NPCMemory is something the NPC is supposed to have said already.
type NPCMemory struct {
	RoundID    string `yaml:"round_id"`
	MemoryType string `yaml:"memory_type"`
	Text       string `yaml:"text"`
}

// Ingester is the part of the reply pipeline that records observations.
type Ingester interface {
	IngestUtterance(ctx context.Context, u types.Utterance) (string, error)
	IngestEvent(ctx context.Context, e types.GameEvent) (string, error)
}

// Counts reports how many records [Import] wrote per partition.
type Counts struct {
	Utterances int
	Events     int
	NPCMemory  int
}

// Total returns the number of records written.
func (c Counts) Total() int { return c.Utterances + c.Events + c.NPCMemory }

// Load reads and parses a fixture file from disk.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seed: open %q: %w", path, err)
	}
	defer f.Close()

	sf, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("seed: parse %q: %w", path, err)
	}
	return sf, nil
}

// LoadFromReader parses fixture YAML from r and validates it. Unknown keys
// are rejected.
func LoadFromReader(r io.Reader) (*File, error) {
	var sf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("seed: decode yaml: %w", err)
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return &sf, nil
}

// Validate reports every malformed entry at once.
func (f *File) Validate() error {
	var errs []error
	for i, u := range f.Utterances {
		if u.Text == "" {
			errs = append(errs, fmt.Errorf("utterances[%d].text is required", i))
		}
		if u.PlayerID == "" {
			errs = append(errs, fmt.Errorf("utterances[%d].player_id is required", i))
		}
	}
	for i, e := range f.Events {
		if e.Text == "" {
			errs = append(errs, fmt.Errorf("events[%d].text is required", i))
		}
	}
	for i, m := range f.NPCMemory {
		if m.Text == "" {
			errs = append(errs, fmt.Errorf("npc_memory[%d].text is required", i))
		}
		if m.RoundID == "" && f.RoundID == "" {
			errs = append(errs, fmt.Errorf("npc_memory[%d] needs a round_id (or a file-level round_id)", i))
		}
	}
	return errors.Join(errs...)
}

// Import writes every fixture entry. Utterances and events go through ing so
// they get the same defaults and history side effects as live input; NPC
// memory is written to store directly. The first failure aborts the import
// and returns the counts so far.
func Import(ctx context.Context, ing Ingester, store memory.Store, f *File) (Counts, error) {
	var c Counts
	if f == nil {
		return c, fmt.Errorf("seed: fixture file must not be nil")
	}

	for i, u := range f.Utterances {
		_, err := ing.IngestUtterance(ctx, types.Utterance{
			GameID:         u.GameID,
			Text:           u.Text,
			SpeakerID:      u.PlayerID,
			SpeakerName:    u.PlayerName,
			RoundID:        or(u.RoundID, f.RoundID),
			Location:       u.Location,
			NearbySpeakers: u.NearbyPlayers,
			Timestamp:      u.Timestamp,
		})
		if err != nil {
			return c, fmt.Errorf("seed: utterances[%d]: %w", i, err)
		}
		c.Utterances++
	}

	for i, e := range f.Events {
		_, err := ing.IngestEvent(ctx, types.GameEvent{
			Text:      e.Text,
			EventType: e.EventType,
			RoundID:   or(e.RoundID, f.RoundID),
			Location:  e.Location,
		})
		if err != nil {
			return c, fmt.Errorf("seed: events[%d]: %w", i, err)
		}
		c.Events++
	}

	for i, m := range f.NPCMemory {
		entry := types.NPCMemoryEntry{
			Text:       m.Text,
			MemoryType: types.MemoryType(m.MemoryType),
			RoundID:    or(m.RoundID, f.RoundID),
		}
		if _, err := store.Store(ctx, memory.PartitionNPCMemory, entry.Text, recall.EncodeNPCMemory(entry), ""); err != nil {
			return c, fmt.Errorf("seed: npc_memory[%d]: %w", i, err)
		}
		c.NPCMemory++
	}
	return c, nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
