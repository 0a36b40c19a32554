// Package chromem provides an embedded, file-persisted implementation of
// [memory.Store] backed by chromem-go.
//
// Each partition maps to one chromem collection. Because chromem silently
// reuses an existing collection's embedding function when it is reopened, the
// embedding configuration of every partition is recorded separately in a
// reserved manifest collection and checked on [Store.Bind].
//
// Usage:
//
//	st, err := chromem.New("./chroma", embedder)
//	if err != nil { … }
//	id, _ := st.Store(ctx, memory.PartitionPlayerMessages, "I'm in the Mansion", md, "")
//	recs, _ := st.Query(ctx, memory.PartitionPlayerMessages, "where are you", 3, map[string]string{"round_id": "r1"})
package chromem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/MrWong99/koschei/pkg/memory"
	"github.com/MrWong99/koschei/pkg/provider/embeddings"
)

// manifestCollection holds one document per bound partition recording its
// embedding configuration.
const manifestCollection = "_koschei_partitions"

const (
	metaModel      = "model"
	metaDimensions = "dimensions"
)

// manifestVector is the fixed embedding used for manifest documents so that
// writing them never calls an embedding model.
var manifestVector = []float32{1}

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// binding is an opened partition.
type binding struct {
	col      *chromemgo.Collection
	provider embeddings.Provider
	cfg      memory.EmbeddingConfig
}

// Store is a chromem-go backed [memory.Store].
// All methods are safe for concurrent use.
type Store struct {
	db       *chromemgo.DB
	manifest *chromemgo.Collection
	fallback embeddings.Provider
	path     string

	mu       sync.RWMutex
	bindings map[memory.Partition]*binding
	closed   bool
}

type config struct {
	compress bool
}

// Option is a functional option for [New].
type Option func(*config)

// WithCompress enables gzip compression of the persisted documents.
// Ignored for in-memory stores.
func WithCompress(compress bool) Option {
	return func(c *config) {
		c.compress = compress
	}
}

// New opens (or creates) a chromem database at path. An empty path creates a
// purely in-memory store whose contents are lost on exit.
//
// fallback is the embeddings provider used to bind partitions lazily on their
// first Store or Query call. It may be nil, in which case every partition
// must be bound explicitly via [Store.Bind].
func New(path string, fallback embeddings.Provider, opts ...Option) (*Store, error) {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	var (
		db  *chromemgo.DB
		err error
	)
	if path == "" {
		db = chromemgo.NewDB()
	} else {
		db, err = chromemgo.NewPersistentDB(path, cfg.compress)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %q: %w: %w", path, memory.ErrStorageUnavailable, err)
		}
	}

	manifest, err := db.GetOrCreateCollection(manifestCollection, nil, manifestEmbed)
	if err != nil {
		return nil, fmt.Errorf("chromem: open manifest: %w: %w", memory.ErrStorageUnavailable, err)
	}

	slog.Debug("chromem: store opened", "path", path, "compress", cfg.compress, "collections", len(db.ListCollections()))

	return &Store{
		db:       db,
		manifest: manifest,
		fallback: fallback,
		path:     path,
		bindings: make(map[memory.Partition]*binding),
	}, nil
}

// manifestEmbed is never invoked in practice because manifest documents carry
// a precomputed embedding. It exists so chromem does not fall back to its
// default remote embedding function.
func manifestEmbed(_ context.Context, _ string) ([]float32, error) {
	return manifestVector, nil
}

// Bind implements [memory.Store].
func (s *Store) Bind(ctx context.Context, p memory.Partition, e embeddings.Provider) error {
	_, err := s.bind(ctx, p, e)
	return err
}

func (s *Store) bind(ctx context.Context, p memory.Partition, e embeddings.Provider) (*binding, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("chromem: bind %q: %w", p, memory.ErrInvalidPartition)
	}
	if e == nil {
		return nil, fmt.Errorf("chromem: bind %q: no embeddings provider: %w", p, memory.ErrStorageUnavailable)
	}
	want := memory.ConfigOf(e)
	if err := want.Validate(); err != nil {
		return nil, fmt.Errorf("chromem: bind %q: %w", p, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("chromem: bind %q: store closed: %w", p, memory.ErrStorageUnavailable)
	}

	if b, ok := s.bindings[p]; ok {
		if b.cfg != want {
			return nil, fmt.Errorf("chromem: bind %q: bound to %s, got %s: %w", p, b.cfg, want, memory.ErrSchemaConflict)
		}
		b.provider = e
		return b, nil
	}

	doc, err := s.manifest.GetByID(ctx, string(p))
	if err == nil {
		have, perr := configFromMetadata(doc.Metadata)
		if perr != nil {
			return nil, fmt.Errorf("chromem: bind %q: corrupt manifest: %w: %w", p, memory.ErrStorageUnavailable, perr)
		}
		if have != want {
			return nil, fmt.Errorf("chromem: bind %q: persisted as %s, got %s: %w", p, have, want, memory.ErrSchemaConflict)
		}
	} else {
		err = s.manifest.AddDocument(ctx, chromemgo.Document{
			ID:        string(p),
			Content:   string(p),
			Embedding: manifestVector,
			Metadata:  metadataFromConfig(want),
		})
		if err != nil {
			return nil, fmt.Errorf("chromem: bind %q: write manifest: %w: %w", p, memory.ErrStorageUnavailable, err)
		}
	}

	b := &binding{provider: e, cfg: want}
	col, err := s.db.GetOrCreateCollection(string(p), metadataFromConfig(want), b.embed)
	if err != nil {
		return nil, fmt.Errorf("chromem: bind %q: open collection: %w: %w", p, memory.ErrStorageUnavailable, err)
	}
	b.col = col
	s.bindings[p] = b

	slog.Debug("chromem: partition bound", "partition", p, "embedding", want.String(), "records", col.Count())
	return b, nil
}

// embed adapts the bound provider to a chromem embedding function.
func (b *binding) embed(ctx context.Context, text string) ([]float32, error) {
	return b.provider.Embed(ctx, text)
}

// get returns the binding for p, lazily binding it to the fallback provider.
func (s *Store) get(ctx context.Context, p memory.Partition) (*binding, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("chromem: %q: %w", p, memory.ErrInvalidPartition)
	}
	s.mu.RLock()
	b, ok := s.bindings[p]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("chromem: %q: store closed: %w", p, memory.ErrStorageUnavailable)
	}
	if ok {
		return b, nil
	}
	return s.bind(ctx, p, s.fallback)
}

// vector embeds text with the partition's provider and checks its length.
func (b *binding) vector(ctx context.Context, text string) ([]float32, error) {
	vec, err := b.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w: %w", memory.ErrStorageUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embed: empty vector: %w", memory.ErrStorageUnavailable)
	}
	if b.cfg.Dimensions > 0 && len(vec) != b.cfg.Dimensions {
		return nil, fmt.Errorf("embed: got %d dimensions, partition expects %d: %w", len(vec), b.cfg.Dimensions, memory.ErrSchemaConflict)
	}
	return vec, nil
}

// Store implements [memory.Store].
func (s *Store) Store(ctx context.Context, p memory.Partition, text string, metadata map[string]string, id string) (string, error) {
	b, err := s.get(ctx, p)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = memory.NewID(p)
	}
	vec, err := b.vector(ctx, text)
	if err != nil {
		return "", fmt.Errorf("chromem: store %s: %w", p, err)
	}

	err = b.col.AddDocument(ctx, chromemgo.Document{
		ID:        id,
		Content:   text,
		Embedding: vec,
		Metadata:  memory.PrepareMetadata(metadata, id),
	})
	if err != nil {
		return "", fmt.Errorf("chromem: store %s: %w: %w", p, memory.ErrStorageUnavailable, err)
	}
	return id, nil
}

// Query implements [memory.Store].
func (s *Store) Query(ctx context.Context, p memory.Partition, text string, k int, filter map[string]string) ([]memory.Record, error) {
	if k <= 0 {
		return nil, fmt.Errorf("chromem: query %s: k=%d: %w", p, k, memory.ErrInvalidK)
	}
	b, err := s.get(ctx, p)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	n := b.col.Count()
	if n == 0 {
		return []memory.Record{}, nil
	}
	k = min(k, n)

	vec, err := b.vector(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("chromem: query %s: %w", p, err)
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}
	results, err := b.col.QueryEmbedding(ctx, vec, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query %s: %w: %w", p, memory.ErrStorageUnavailable, err)
	}

	out := make([]memory.Record, 0, len(results))
	for _, r := range results {
		out = append(out, memory.Record{
			ID:         r.ID,
			Text:       r.Content,
			Metadata:   maps.Clone(r.Metadata),
			Similarity: r.Similarity,
		})
	}
	return out, nil
}

// Count implements [memory.Store].
func (s *Store) Count(ctx context.Context, p memory.Partition) (int, error) {
	b, err := s.get(ctx, p)
	if err != nil {
		return 0, err
	}
	return b.col.Count(), nil
}

// Ping implements [memory.Store]. An embedded store is reachable as long as
// it has not been closed.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("chromem: store closed: %w", memory.ErrStorageUnavailable)
	}
	return nil
}

// Close implements [memory.Store]. chromem persists every write immediately,
// so closing only prevents further use.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clear(s.bindings)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Manifest helpers
// ─────────────────────────────────────────────────────────────────────────────

func metadataFromConfig(c memory.EmbeddingConfig) map[string]string {
	return map[string]string{
		metaModel:      c.Model,
		metaDimensions: strconv.Itoa(c.Dimensions),
	}
}

func configFromMetadata(md map[string]string) (memory.EmbeddingConfig, error) {
	model, ok := md[metaModel]
	if !ok {
		return memory.EmbeddingConfig{}, errors.New("missing model")
	}
	dims, err := strconv.Atoi(md[metaDimensions])
	if err != nil {
		return memory.EmbeddingConfig{}, fmt.Errorf("dimensions: %w", err)
	}
	return memory.EmbeddingConfig{Model: model, Dimensions: dims}, nil
}
