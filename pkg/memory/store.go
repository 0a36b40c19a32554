// Package memory defines the partitioned, append-only vector memory used by the
// koschei NPC.
//
// Every observation the NPC can later recall is stored as a text record with
// string metadata in one of three partitions:
//
//   - [PartitionPlayerMessages]: chat lines written by players.
//   - [PartitionGameEvents]: observations emitted by the game world.
//   - [PartitionNPCMemory]: things the NPC itself said.
//
// Records are embedded on write by the partition's bound
// [embeddings.Provider] and retrieved by semantic similarity, optionally
// narrowed by an exact-match metadata filter. A partition is bound to a single
// embedding configuration for its whole lifetime; reopening it with a
// different model or dimensionality fails with [ErrSchemaConflict].
//
// The interfaces are public so alternative backends (chromem-go on disk,
// PostgreSQL/pgvector, in-memory fakes) can be swapped without touching the
// reply pipeline.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"fmt"

	"github.com/MrWong99/koschei/pkg/provider/embeddings"
)

// Partition names a logical collection of records.
type Partition string

// The partitions known to the reply pipeline.
const (
	PartitionPlayerMessages Partition = "player_messages"
	PartitionGameEvents     Partition = "game_events"
	PartitionNPCMemory      Partition = "npc_memory"
)

// Partitions returns all known partitions in a stable order.
func Partitions() []Partition {
	return []Partition{PartitionPlayerMessages, PartitionGameEvents, PartitionNPCMemory}
}

// Valid reports whether p is one of the known partitions.
func (p Partition) Valid() bool {
	switch p {
	case PartitionPlayerMessages, PartitionGameEvents, PartitionNPCMemory:
		return true
	}
	return false
}

// IDPrefix returns the prefix used for generated record IDs in p.
func (p Partition) IDPrefix() string {
	switch p {
	case PartitionPlayerMessages:
		return "msg"
	case PartitionGameEvents:
		return "evt"
	case PartitionNPCMemory:
		return "npc"
	}
	return "rec"
}

// KeyID is the metadata key under which every backend mirrors a record's ID,
// so that an exact-id predicate can be expressed as an ordinary filter.
const KeyID = "id"

// EmbeddingConfig identifies the vector space a partition lives in.
type EmbeddingConfig struct {
	// Model is the embedding model identifier (e.g., "nomic-embed-text").
	Model string

	// Dimensions is the length of every vector in the partition.
	Dimensions int
}

// String renders the configuration as "model/dims".
func (c EmbeddingConfig) String() string {
	return fmt.Sprintf("%s/%d", c.Model, c.Dimensions)
}

// Validate reports whether c can be persisted as a partition binding. A
// provider that could not determine its vector length reports zero
// dimensions, which is treated as the backend being unavailable rather than
// as a binding.
func (c EmbeddingConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("memory: embedding model is unknown: %w", ErrStorageUnavailable)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("memory: embedding dimensions for %q are unknown: %w", c.Model, ErrStorageUnavailable)
	}
	return nil
}

// ConfigOf returns the [EmbeddingConfig] described by an embeddings provider.
func ConfigOf(e embeddings.Provider) EmbeddingConfig {
	return EmbeddingConfig{Model: e.ModelID(), Dimensions: e.Dimensions()}
}

// Record is a single stored observation as returned by [Store.Query].
type Record struct {
	// ID is the record identifier, unique within its partition.
	ID string

	// Text is the embedded content.
	Text string

	// Metadata holds the string attributes attached at write time. It always
	// contains [KeyID].
	Metadata map[string]string

	// Similarity is the cosine similarity to the query text in [-1, 1].
	// Higher values are more similar.
	Similarity float32
}

// Store is the abstraction over a partitioned vector memory.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Bind opens or creates partition p and binds it to e's embedding
	// configuration. Binding an existing partition to a different
	// configuration returns [ErrSchemaConflict]. Binding again with the same
	// configuration is a no-op apart from swapping the provider instance.
	Bind(ctx context.Context, p Partition, e embeddings.Provider) error

	// Store embeds text and appends it to p with the given metadata. When id
	// is empty a fresh "<prefix>-<uuid>" identifier is generated. The
	// returned string is the ID actually used. Writing an ID that already
	// exists replaces that record.
	Store(ctx context.Context, p Partition, text string, metadata map[string]string, id string) (string, error)

	// Query returns up to k records from p most similar to text, restricted
	// to records whose metadata contains every key/value pair in filter.
	// Results are ordered by descending similarity. k must be positive; it
	// is clamped to the partition size. An empty partition or a filter with
	// no matches yields an empty, non-nil slice.
	Query(ctx context.Context, p Partition, text string, k int, filter map[string]string) ([]Record, error)

	// Count returns the number of records currently stored in p.
	Count(ctx context.Context, p Partition) (int, error)

	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
