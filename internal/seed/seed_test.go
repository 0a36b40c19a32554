package seed_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/koschei/internal/orchestrator"
	"github.com/MrWong99/koschei/internal/recall"
	"github.com/MrWong99/koschei/internal/seed"
	"github.com/MrWong99/koschei/pkg/memory"
	memorymock "github.com/MrWong99/koschei/pkg/memory/mock"
	llmmock "github.com/MrWong99/koschei/pkg/provider/llm/mock"
)

const demoYAML = `
round_id: r1
utterances:
  - player_id: p1
    player_name: Alice
    text: "I was fixing wires in Pavillion"
    location: Pavillion
    nearby_players: [p2]
    timestamp: 2024-05-01T12:00:00Z
  - player_id: p2
    player_name: Bob
    text: "I stayed in Church the whole round"
    location: Church
    nearby_players: [p1]
    round_id: r2
events:
  - event_type: generator
    location: Sheds
    text: "The generator at Sheds failed"
npc_memory:
  - text: "Alien claimed it was at Mansion"
    memory_type: said
`

func TestLoadFromReader(t *testing.T) {
	t.Parallel()

	f, err := seed.LoadFromReader(strings.NewReader(demoYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(f.Utterances) != 2 || len(f.Events) != 1 || len(f.NPCMemory) != 1 {
		t.Fatalf("parsed %d/%d/%d entries", len(f.Utterances), len(f.Events), len(f.NPCMemory))
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !f.Utterances[0].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", f.Utterances[0].Timestamp, want)
	}
	if !slices.Equal(f.Utterances[0].NearbyPlayers, []string{"p2"}) {
		t.Errorf("nearby = %v", f.Utterances[0].NearbyPlayers)
	}
}

func TestLoadFromReader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "unknown key", input: "rounds: r1\n", wantErr: "field rounds not found"},
		{name: "utterance without text", input: "utterances: [{player_id: p1}]\n", wantErr: "utterances[0].text"},
		{name: "utterance without player", input: "utterances: [{text: hi}]\n", wantErr: "utterances[0].player_id"},
		{name: "event without text", input: "events: [{event_type: x}]\n", wantErr: "events[0].text"},
		{name: "npc memory without round", input: "npc_memory: [{text: hi}]\n", wantErr: "npc_memory[0] needs a round_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := seed.LoadFromReader(strings.NewReader(tc.input))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()

	f, err := seed.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader(empty): %v", err)
	}
	if f.RoundID != "" || len(f.Utterances) != 0 {
		t.Errorf("file = %+v, want zero value", f)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(demoYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := seed.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) = %v, want ErrNotExist", err)
	}
}

func TestImport(t *testing.T) {
	t.Parallel()

	f, err := seed.LoadFromReader(strings.NewReader(demoYAML))
	if err != nil {
		t.Fatal(err)
	}
	store := memorymock.New()
	orch, err := orchestrator.New(store, &llmmock.Provider{})
	if err != nil {
		t.Fatal(err)
	}

	c, err := seed.Import(context.Background(), orch, store, f)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if c != (seed.Counts{Utterances: 2, Events: 1, NPCMemory: 1}) || c.Total() != 4 {
		t.Errorf("counts = %+v", c)
	}

	msgs := store.Records(memory.PartitionPlayerMessages)
	if got := msgs[0].Metadata[recall.KeyRoundID]; got != "r1" {
		t.Errorf("first utterance round = %q, want file default r1", got)
	}
	if got := msgs[1].Metadata[recall.KeyRoundID]; got != "r2" {
		t.Errorf("second utterance round = %q, want its own r2", got)
	}

	npc := store.Records(memory.PartitionNPCMemory)
	if len(npc) != 1 || npc[0].Metadata[recall.KeyMemoryType] != "said" || npc[0].Metadata[recall.KeyRoundID] != "r1" {
		t.Errorf("npc memory = %+v", npc)
	}
	if !strings.HasPrefix(npc[0].ID, "npc-") {
		t.Errorf("npc id = %q, want npc- prefix", npc[0].ID)
	}
}

func TestImport_StopsOnFailure(t *testing.T) {
	t.Parallel()

	f, err := seed.LoadFromReader(strings.NewReader(demoYAML))
	if err != nil {
		t.Fatal(err)
	}
	store := memorymock.New()
	store.StoreErr[memory.PartitionGameEvents] = memory.ErrStorageUnavailable
	orch, err := orchestrator.New(store, &llmmock.Provider{})
	if err != nil {
		t.Fatal(err)
	}

	c, err := seed.Import(context.Background(), orch, store, f)
	if !errors.Is(err, memory.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if c.Utterances != 2 || c.Events != 0 || c.NPCMemory != 0 {
		t.Errorf("counts = %+v", c)
	}
	if n := len(store.Records(memory.PartitionNPCMemory)); n != 0 {
		t.Errorf("npc memory written after failure: %d", n)
	}
}

func TestImport_NilFile(t *testing.T) {
	t.Parallel()
	if _, err := seed.Import(context.Background(), nil, nil, nil); err == nil {
		t.Error("expected error for nil file")
	}
}
