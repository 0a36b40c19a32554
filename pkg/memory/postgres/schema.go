// Package postgres provides a PostgreSQL/pgvector implementation of
// [memory.Store].
//
// All partitions share a single memory_records table keyed by
// (partition, id). The embedding configuration every partition was created
// with is recorded in memory_partitions and verified on [Store.Bind]. The
// pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//
//	id, _ := store.Store(ctx, memory.PartitionNPCMemory, "I'm at the Mansion", md, "")
//	recs, _ := store.Query(ctx, memory.PartitionNPCMemory, "where are you?", 2, map[string]string{"round_id": "r1"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlPartitions = `
CREATE TABLE IF NOT EXISTS memory_partitions (
    name        TEXT         PRIMARY KEY,
    model       TEXT         NOT NULL,
    dimensions  INTEGER      NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// The embedding column is left unsized so partitions bound to different
// models can share the table. Distances are only ever computed within one
// partition.
const ddlRecords = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_records (
    partition   TEXT         NOT NULL REFERENCES memory_partitions (name),
    id          TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}'::jsonb,
    embedding   vector       NOT NULL,
    seq         BIGSERIAL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (partition, id)
);

CREATE INDEX IF NOT EXISTS idx_memory_records_partition_seq
    ON memory_records (partition, seq);

CREATE INDEX IF NOT EXISTS idx_memory_records_metadata
    ON memory_records USING gin (metadata jsonb_path_ops);
`

// Migrate creates or ensures all required tables and extensions exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlPartitions, ddlRecords} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
