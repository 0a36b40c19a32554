// Package recall turns stored observations into the memory snippets placed in
// an NPC reply prompt.
//
// A [Retriever] runs one similarity query against the player-message
// partition and one against the NPC-memory partition, both scoped to a single
// round. Each hit is rendered by a [Formatter] and, when enabled, passed
// through a [Locations] filter that keeps only lines mentioning a canonical
// map location. Player lines always precede NPC lines in the result.
package recall

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/koschei/pkg/memory"
)

// Query describes a single retrieval.
type Query struct {
	// Text is the player's message used as the similarity query.
	Text string

	// RoundID restricts both queries to one round.
	RoundID string

	// PlayerK and NPCK are the number of nearest records fetched from the
	// player-message and NPC-memory partitions.
	PlayerK int
	NPCK    int

	// IncludeNearby keeps the "(near …)" segment in rendered lines.
	IncludeNearby bool

	// Locations filters rendered lines. Nil or empty disables filtering.
	Locations Locations
}

// Result is the outcome of [Retriever.Retrieve].
type Result struct {
	// Lines holds the kept player lines followed by the kept NPC lines.
	Lines []string

	// PlayerRaw and NPCRaw count lines before filtering; PlayerKept and
	// NPCKept after.
	PlayerRaw, PlayerKept int
	NPCRaw, NPCKept       int

	// Duration records how long the retrieval took.
	Duration time.Duration
}

// Dropped returns the number of lines removed by the location filter.
func (r Result) Dropped() int {
	return r.PlayerRaw - r.PlayerKept + r.NPCRaw - r.NPCKept
}

// Retriever fetches and renders memory snippets from a [memory.Store].
// It is safe for concurrent use.
type Retriever struct {
	store memory.Store
	tz    *time.Location
}

// Option is a functional option for [NewRetriever].
type Option func(*Retriever)

// WithTimeZone sets the zone used to render clock times. Defaults to UTC.
func WithTimeZone(loc *time.Location) Option {
	return func(r *Retriever) { r.tz = loc }
}

// NewRetriever creates a Retriever reading from store.
func NewRetriever(store memory.Store, opts ...Option) *Retriever {
	r := &Retriever{store: store, tz: time.UTC}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve runs the player and NPC queries concurrently and returns the
// rendered, filtered lines. The ordering of the result does not depend on
// which query finishes first. Any store error aborts the retrieval.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	f := Formatter{OmitNearby: !q.IncludeNearby, Location: r.tz}
	filter := RoundFilter(q.RoundID)

	var player, npc []string

	eg, egCtx := errgroup.WithContext(ctx)

	// ── player messages ──────────────────────────────────────────────────────
	eg.Go(func() error {
		recs, err := r.store.Query(egCtx, memory.PartitionPlayerMessages, q.Text, q.PlayerK, filter)
		if err != nil {
			return fmt.Errorf("recall: player messages for round %q: %w", q.RoundID, err)
		}
		player = render(f, recs)
		return nil
	})

	// ── NPC memory ───────────────────────────────────────────────────────────
	eg.Go(func() error {
		recs, err := r.store.Query(egCtx, memory.PartitionNPCMemory, q.Text, q.NPCK, filter)
		if err != nil {
			return fmt.Errorf("recall: npc memory for round %q: %w", q.RoundID, err)
		}
		npc = render(f, recs)
		return nil
	})

	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{PlayerRaw: len(player), NPCRaw: len(npc)}
	if len(q.Locations) > 0 {
		player = q.Locations.Filter(player)
		npc = q.Locations.Filter(npc)
	}
	res.PlayerKept, res.NPCKept = len(player), len(npc)

	res.Lines = make([]string, 0, len(player)+len(npc))
	res.Lines = append(res.Lines, player...)
	res.Lines = append(res.Lines, npc...)
	res.Duration = time.Since(start)
	return res, nil
}

func render(f Formatter, recs []memory.Record) []string {
	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, f.Format(rec))
	}
	return lines
}
