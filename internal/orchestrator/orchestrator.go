// Package orchestrator runs the NPC reply pipeline.
//
// [Orchestrator.GenerateReply] retrieves round-scoped memory, optionally
// profiles the style of the player to imitate, composes a prompt, calls the
// LLM under a deadline and records the reply as new NPC memory. Ingestion
// helpers write player chat and game events into the same store, so replies
// become retrievable context for later requests.
//
// All exported methods are safe for concurrent use. The memory store is the
// only shared state between concurrent replies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/koschei/internal/history"
	"github.com/MrWong99/koschei/internal/observe"
	"github.com/MrWong99/koschei/internal/prompt"
	"github.com/MrWong99/koschei/internal/recall"
	"github.com/MrWong99/koschei/internal/style"
	"github.com/MrWong99/koschei/pkg/memory"
	"github.com/MrWong99/koschei/pkg/provider/llm"
	"github.com/MrWong99/koschei/pkg/types"
)

// Orchestrator wires memory, style profiling, prompt composition and
// generation together.
type Orchestrator struct {
	store     memory.Store
	retriever *recall.Retriever
	llm       llm.Provider
	profiler  style.Profiler
	history   history.Log
	metrics   *observe.Metrics
	now       func() time.Time

	mu       sync.RWMutex
	opts     Options
	composer prompt.Composer
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithOptions replaces [DefaultOptions].
func WithOptions(opts Options) Option {
	return func(o *Orchestrator) { o.opts = opts }
}

// WithComposer sets the prompt composer. Its Locations are also the
// canonical set used by the context filter. Defaults to the built-in persona
// and [recall.DefaultLocations].
func WithComposer(c prompt.Composer) Option {
	return func(o *Orchestrator) { o.composer = c }
}

// WithProfiler sets the style profiler. Defaults to an [style.LLMProfiler]
// on the reply provider.
func WithProfiler(p style.Profiler) Option {
	return func(o *Orchestrator) { o.profiler = p }
}

// WithHistory sets the recent-message log updated on utterance ingestion.
// Defaults to [history.Nop].
func WithHistory(h history.Log) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRetriever replaces the default [recall.Retriever] on the store.
func WithRetriever(r *recall.Retriever) Option {
	return func(o *Orchestrator) { o.retriever = r }
}

// WithClock overrides time.Now for ingested records without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator reading and writing store and generating with
// provider.
func New(store memory.Store, provider llm.Provider, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if provider == nil {
		return nil, errors.New("orchestrator: llm provider is required")
	}
	o := &Orchestrator{
		store:    store,
		llm:      provider,
		history:  history.Nop{},
		now:      time.Now,
		opts:     DefaultOptions(),
		composer: prompt.Composer{Locations: recall.DefaultLocations},
	}
	for _, fn := range opts {
		fn(o)
	}
	if err := o.opts.Validate(); err != nil {
		return nil, err
	}
	if len(o.composer.Locations) == 0 {
		return nil, errors.New("orchestrator: at least one canonical location is required")
	}
	if o.retriever == nil {
		o.retriever = recall.NewRetriever(store)
	}
	if o.profiler == nil {
		o.profiler = style.NewLLMProfiler(provider, style.WithTemperature(o.opts.Temperature))
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Options returns the current pipeline options.
func (o *Orchestrator) Options() Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts
}

// SetOptions validates and installs opts. Requests already in flight keep the
// options they started with.
func (o *Orchestrator) SetOptions(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opts = opts
	return nil
}

// Composer returns a copy of the current prompt composer.
func (o *Orchestrator) Composer() prompt.Composer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.composer
}

// SetComposer installs c for subsequent requests. c must carry at least one
// location.
func (o *Orchestrator) SetComposer(c prompt.Composer) error {
	if len(c.Locations) == 0 {
		return errors.New("orchestrator: at least one canonical location is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.composer = c
	return nil
}

func (o *Orchestrator) snapshot() (Options, prompt.Composer) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts, o.composer
}

// ─────────────────────────────────────────────────────────────────────────────
// Reply generation
// ─────────────────────────────────────────────────────────────────────────────

// GenerateReply answers req.PlayerText in character.
//
// On success exactly one NPC memory entry of type "said" holding the returned
// text has been written for the request's round. No entry is written when
// any step fails. Errors can be classified with [Kind].
func (o *Orchestrator) GenerateReply(ctx context.Context, req types.ReplyRequest) (reply types.Reply, err error) {
	start := time.Now()
	opts, composer := o.snapshot()

	o.metrics.InFlightReplies.Add(ctx, 1)
	ctx, span := observe.StartSpan(ctx, "orchestrator.GenerateReply")
	defer func() {
		o.metrics.InFlightReplies.Add(ctx, -1)
		o.metrics.RecordReply(ctx, Kind(err))
		o.metrics.ReplyDuration.Record(ctx, time.Since(start).Seconds())
		observe.EndSpan(span, err)
	}()

	text := strings.TrimSpace(req.PlayerText)
	if text == "" {
		return types.Reply{}, ErrEmptyPlayerText
	}
	round := req.RoundID
	if round == "" {
		round = opts.DefaultRound
	}
	span.SetAttributes(attribute.String("round_id", round))
	log := observe.Logger(ctx).With("round_id", round)

	// 1. Retrieve and filter memory.
	lines, err := o.retrieve(ctx, log, text, round, opts, composer.Locations)
	if err != nil {
		return types.Reply{}, err
	}

	// 2. Profile the imitated player's style.
	desc, err := o.profile(ctx, log, req, round, opts)
	if err != nil {
		return types.Reply{}, err
	}

	// 3. Compose.
	p := composer.Compose(desc, lines, text)
	log.Debug("prompt composed", "context_lines", len(p.Lines), "dropped_for_budget", p.Dropped, "tokens", p.Tokens)

	// 4. Generate.
	out, err := o.generate(ctx, p.Text, opts)
	if err != nil {
		return types.Reply{}, err
	}

	// 5. Persist what the NPC said.
	id, err := o.persist(ctx, out, round)
	if err != nil {
		return types.Reply{}, err
	}

	log.Info("reply generated", "memory_id", id, "context_lines", len(p.Lines), "duration", time.Since(start))
	return types.Reply{
		Text:         out,
		RoundID:      round,
		MemoryID:     id,
		ContextLines: p.Lines,
		Style:        desc,
	}, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, log *slog.Logger, text, round string, opts Options, locs recall.Locations) ([]string, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.retrieve")
	q := recall.Query{
		Text:          text,
		RoundID:       round,
		PlayerK:       opts.PlayerK,
		NPCK:          opts.NPCK,
		IncludeNearby: opts.IncludeNearbyPlayers,
	}
	if opts.LocationFilterEnabled {
		q.Locations = locs
	}

	res, err := o.retriever.Retrieve(ctx, q)
	observe.EndSpan(span, err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("orchestrator: retrieve: %w", ctxErr)
		}
		if opts.RetrievalFailure == RetrievalDegrade && !errors.Is(err, memory.ErrSchemaConflict) {
			log.Warn("retrieval failed, continuing without context", "err", err)
			return nil, nil
		}
		return nil, fmt.Errorf("orchestrator: retrieve: %w", err)
	}

	o.metrics.RetrievalDuration.Record(ctx, res.Duration.Seconds())
	o.metrics.RecordContextLines(ctx, "player", res.PlayerKept, res.PlayerRaw-res.PlayerKept)
	o.metrics.RecordContextLines(ctx, "npc", res.NPCKept, res.NPCRaw-res.NPCKept)
	log.Debug("memory retrieved",
		"player_raw", res.PlayerRaw, "player_kept", res.PlayerKept,
		"npc_raw", res.NPCRaw, "npc_kept", res.NPCKept,
		"duration", res.Duration)
	return res.Lines, nil
}

// profile returns the style descriptor, or "" when imitation does not apply.
// A profiling failure falls back to [style.DefaultDescriptor]: imitation is
// best effort and must not cost the player an answer.
func (o *Orchestrator) profile(ctx context.Context, log *slog.Logger, req types.ReplyRequest, round string, opts Options) (string, error) {
	if !opts.ImitateEnabled || req.ImitateSpeakerID == "" {
		return "", nil
	}
	msgs := req.RecentMessages
	if len(msgs) == 0 && opts.FillRecent {
		recent, err := o.history.Recent(ctx, round, req.ImitateSpeakerID, opts.RecentLimit)
		if err != nil {
			log.Warn("history lookup failed", "speaker_id", req.ImitateSpeakerID, "err", err)
		}
		msgs = recent
	}
	if len(msgs) == 0 {
		return "", nil
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "orchestrator.profile",
		trace.WithAttributes(attribute.String("speaker_id", req.ImitateSpeakerID)))
	prof, err := o.profiler.Profile(ctx, req.ImitateSpeakerID, msgs)
	observe.EndSpan(span, err)
	o.metrics.StyleDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("orchestrator: profile style: %w", ctxErr)
		}
		log.Warn("style profiling failed, using default", "speaker_id", req.ImitateSpeakerID, "err", err)
		return style.DefaultDescriptor, nil
	}
	return prof.Description, nil
}

func (o *Orchestrator) generate(ctx context.Context, promptText string, opts Options) (string, error) {
	gctx := ctx
	if opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, opts.GenerationTimeout)
		defer cancel()
	}
	gctx, span := observe.StartSpan(gctx, "orchestrator.generate")

	start := time.Now()
	resp, err := o.llm.Complete(gctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: promptText}},
		Temperature: opts.Temperature,
	})
	o.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Bool("ok", err == nil)))

	switch {
	case err == nil:
	case ctx.Err() != nil:
		// The caller went away or its own deadline passed; the model is not at fault.
		err = fmt.Errorf("orchestrator: generate: request ended before the model replied: %w", ctx.Err())
	case errors.Is(gctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s: %w", ErrGenerationTimeout, opts.GenerationTimeout, err)
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: provider deadline: %w", ErrGenerationTimeout, err)
	default:
		err = fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = fmt.Errorf("%w: model returned an empty reply", ErrGenerationUnavailable)
	}
	observe.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (o *Orchestrator) persist(ctx context.Context, text, round string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.persist")
	md := recall.EncodeNPCMemory(types.NPCMemoryEntry{Text: text, MemoryType: types.MemorySaid, RoundID: round})
	id, err := o.store.Store(ctx, memory.PartitionNPCMemory, text, md, "")
	switch {
	case err == nil:
	case ctx.Err() != nil:
		err = ctx.Err()
	case !errors.Is(err, memory.ErrStorageUnavailable) && !errors.Is(err, memory.ErrSchemaConflict):
		err = fmt.Errorf("%w: %w", memory.ErrStorageUnavailable, err)
	}
	observe.EndSpan(span, err)
	if err != nil {
		return "", fmt.Errorf("orchestrator: persist reply: %w", err)
	}
	o.metrics.RecordIngest(ctx, string(memory.PartitionNPCMemory))
	return id, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion
// ─────────────────────────────────────────────────────────────────────────────

// IngestUtterance stores a player chat line in the player-message partition
// and appends it to the speaker's history. A missing round selects the
// default round; a zero timestamp is set to the current time. A history
// failure is logged and does not fail the call.
func (o *Orchestrator) IngestUtterance(ctx context.Context, u types.Utterance) (string, error) {
	if strings.TrimSpace(u.Text) == "" {
		return "", fmt.Errorf("%w: utterance text is empty", ErrInvalidInput)
	}
	if u.SpeakerID == "" {
		return "", fmt.Errorf("%w: utterance speaker id is empty", ErrInvalidInput)
	}
	opts := o.Options()
	if u.RoundID == "" {
		u.RoundID = opts.DefaultRound
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = o.now()
	}

	ctx, span := observe.StartSpan(ctx, "orchestrator.IngestUtterance")
	id, err := o.store.Store(ctx, memory.PartitionPlayerMessages, u.Text, recall.EncodeUtterance(u), "")
	observe.EndSpan(span, err)
	if err != nil {
		return "", fmt.Errorf("orchestrator: ingest utterance: %w", err)
	}
	o.metrics.RecordIngest(ctx, string(memory.PartitionPlayerMessages))

	if err := o.history.Append(ctx, u.RoundID, u.SpeakerID, u.Text); err != nil {
		observe.Logger(ctx).Warn("history append failed", "round_id", u.RoundID, "speaker_id", u.SpeakerID, "err", err)
	}
	return id, nil
}

// IngestEvent stores a game event in the game-event partition. A missing
// round selects the default round.
func (o *Orchestrator) IngestEvent(ctx context.Context, e types.GameEvent) (string, error) {
	if strings.TrimSpace(e.Text) == "" {
		return "", fmt.Errorf("%w: event text is empty", ErrInvalidInput)
	}
	if e.RoundID == "" {
		e.RoundID = o.Options().DefaultRound
	}

	ctx, span := observe.StartSpan(ctx, "orchestrator.IngestEvent")
	id, err := o.store.Store(ctx, memory.PartitionGameEvents, e.Text, recall.EncodeEvent(e), "")
	observe.EndSpan(span, err)
	if err != nil {
		return "", fmt.Errorf("orchestrator: ingest event: %w", err)
	}
	o.metrics.RecordIngest(ctx, string(memory.PartitionGameEvents))
	return id, nil
}
