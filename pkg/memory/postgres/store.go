package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/koschei/pkg/memory"
	"github.com/MrWong99/koschei/pkg/provider/embeddings"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [memory.Store]. It holds a single
// [pgxpool.Pool] shared by all partitions.
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	fallback embeddings.Provider

	mu       sync.RWMutex
	bindings map[memory.Partition]binding
}

type binding struct {
	provider embeddings.Provider
	cfg      memory.EmbeddingConfig
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// fallback is the embeddings provider used to bind partitions lazily on
// their first Store or Query call. It may be nil, in which case every
// partition must be bound explicitly via [Store.Bind].
func NewStore(ctx context.Context, dsn string, fallback embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w: %w", memory.ErrStorageUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w: %w", memory.ErrStorageUnavailable, err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w: %w", memory.ErrStorageUnavailable, err)
	}

	return &Store{
		pool:     pool,
		fallback: fallback,
		bindings: make(map[memory.Partition]binding),
	}, nil
}

// Bind implements [memory.Store]. The first bind of a partition records its
// embedding configuration; later binds, from this or any other process,
// must match it.
func (s *Store) Bind(ctx context.Context, p memory.Partition, e embeddings.Provider) error {
	_, err := s.bind(ctx, p, e)
	return err
}

func (s *Store) bind(ctx context.Context, p memory.Partition, e embeddings.Provider) (binding, error) {
	if !p.Valid() {
		return binding{}, fmt.Errorf("postgres store: bind %q: %w", p, memory.ErrInvalidPartition)
	}
	if e == nil {
		return binding{}, fmt.Errorf("postgres store: bind %q: no embeddings provider: %w", p, memory.ErrStorageUnavailable)
	}
	want := memory.ConfigOf(e)
	if err := want.Validate(); err != nil {
		return binding{}, fmt.Errorf("postgres store: bind %q: %w", p, err)
	}

	var have memory.EmbeddingConfig
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO memory_partitions (name, model, dimensions)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING`,
			string(p), want.Model, want.Dimensions,
		); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`SELECT model, dimensions FROM memory_partitions WHERE name = $1`,
			string(p),
		).Scan(&have.Model, &have.Dimensions)
	})
	if err != nil {
		return binding{}, fmt.Errorf("postgres store: bind %q: %w: %w", p, memory.ErrStorageUnavailable, err)
	}
	if have != want {
		return binding{}, fmt.Errorf("postgres store: bind %q: persisted as %s, got %s: %w", p, have, want, memory.ErrSchemaConflict)
	}

	b := binding{provider: e, cfg: want}
	s.mu.Lock()
	s.bindings[p] = b
	s.mu.Unlock()
	return b, nil
}

// get returns the binding for p, lazily binding it to the fallback provider.
func (s *Store) get(ctx context.Context, p memory.Partition) (binding, error) {
	if !p.Valid() {
		return binding{}, fmt.Errorf("postgres store: %q: %w", p, memory.ErrInvalidPartition)
	}
	s.mu.RLock()
	b, ok := s.bindings[p]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}
	return s.bind(ctx, p, s.fallback)
}

func (b binding) vector(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := b.provider.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embed: %w: %w", memory.ErrStorageUnavailable, err)
	}
	if len(vec) == 0 {
		return pgvector.Vector{}, fmt.Errorf("embed: empty vector: %w", memory.ErrStorageUnavailable)
	}
	if b.cfg.Dimensions > 0 && len(vec) != b.cfg.Dimensions {
		return pgvector.Vector{}, fmt.Errorf("embed: got %d dimensions, partition expects %d: %w", len(vec), b.cfg.Dimensions, memory.ErrSchemaConflict)
	}
	return pgvector.NewVector(vec), nil
}

// Store implements [memory.Store]. Writing an existing (partition, id)
// replaces the record in place.
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
		return "", fmt.Errorf("postgres store: store %s: %w", p, err)
	}

	const q = `
		INSERT INTO memory_records (partition, id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition, id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    metadata  = EXCLUDED.metadata,
		    embedding = EXCLUDED.embedding`

	if _, err := s.pool.Exec(ctx, q, string(p), id, text, memory.PrepareMetadata(metadata, id), vec); err != nil {
		return "", fmt.Errorf("postgres store: store %s: %w: %w", p, memory.ErrStorageUnavailable, err)
	}
	return id, nil
}

// Query implements [memory.Store]. Results are ordered by ascending cosine
// distance, ties broken by insertion order.
func (s *Store) Query(ctx context.Context, p memory.Partition, text string, k int, filter map[string]string) ([]memory.Record, error) {
	if k <= 0 {
		return nil, fmt.Errorf("postgres store: query %s: k=%d: %w", p, k, memory.ErrInvalidK)
	}
	b, err := s.get(ctx, p)
	if err != nil {
		return nil, err
	}
	vec, err := b.vector(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query %s: %w", p, err)
	}

	args := []any{vec, string(p)} // $1 = query vector, $2 = partition
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := "partition = $2"
	if len(filter) > 0 {
		where += "\n\t\t  AND metadata @> " + next(filter) + "::jsonb"
	}
	limitArg := next(k)

	q := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM   memory_records
		WHERE  %s
		ORDER  BY embedding <=> $1, seq
		LIMIT  %s`, where, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query %s: %w: %w", p, memory.ErrStorageUnavailable, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Record, error) {
		var (
			rec memory.Record
			sim float64
		)
		if err := row.Scan(&rec.ID, &rec.Text, &rec.Metadata, &sim); err != nil {
			return memory.Record{}, err
		}
		rec.Similarity = float32(sim)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: query %s: scan rows: %w: %w", p, memory.ErrStorageUnavailable, err)
	}
	if results == nil {
		results = []memory.Record{}
	}
	return results, nil
}

// Count implements [memory.Store].
func (s *Store) Count(ctx context.Context, p memory.Partition) (int, error) {
	if !p.Valid() {
		return 0, fmt.Errorf("postgres store: %q: %w", p, memory.ErrInvalidPartition)
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM memory_records WHERE partition = $1`, string(p),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres store: count %s: %w: %w", p, memory.ErrStorageUnavailable, err)
	}
	return n, nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w: %w", memory.ErrStorageUnavailable, err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
