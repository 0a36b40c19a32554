package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// RetrievalFailurePolicy decides what GenerateReply does when memory
// retrieval fails.
type RetrievalFailurePolicy string

const (
	// RetrievalAbort fails the whole request with the storage error.
	RetrievalAbort RetrievalFailurePolicy = "abort"

	// RetrievalDegrade logs the failure and continues with an empty context
	// block. Schema conflicts are never degraded.
	RetrievalDegrade RetrievalFailurePolicy = "degrade"
)

// Options tunes the reply pipeline. They can be swapped at runtime with
// [Orchestrator.SetOptions].
type Options struct {
	// ImitateEnabled allows style profiling when a request names a player.
	ImitateEnabled bool

	// IncludeNearbyPlayers keeps the "(near …)" segment in context lines.
	IncludeNearbyPlayers bool

	// LocationFilterEnabled drops context lines that mention no canonical
	// location.
	LocationFilterEnabled bool

	// DefaultRound is used when a request or ingested record has no round.
	DefaultRound string

	// GenerationTimeout bounds the reply LLM call. Zero disables the bound.
	GenerationTimeout time.Duration

	// RetrievalFailure selects abort or degrade behaviour.
	RetrievalFailure RetrievalFailurePolicy

	// Temperature is the sampling temperature of the reply call.
	Temperature float64

	// PlayerK and NPCK are the number of nearest records fetched per source.
	PlayerK int
	NPCK    int

	// FillRecent loads the imitated player's recent messages from the history
	// log when a request names a player but carries none.
	FillRecent bool

	// RecentLimit caps how many history messages FillRecent loads.
	RecentLimit int
}

// DefaultOptions returns the stock pipeline configuration.
func DefaultOptions() Options {
	return Options{
		ImitateEnabled:        true,
		IncludeNearbyPlayers:  true,
		LocationFilterEnabled: true,
		DefaultRound:          "r1",
		GenerationTimeout:     5 * time.Second,
		RetrievalFailure:      RetrievalAbort,
		Temperature:           0.7,
		PlayerK:               3,
		NPCK:                  2,
		RecentLimit:           10,
	}
}

// Validate reports every invalid field at once.
func (o Options) Validate() error {
	var errs []error
	if o.DefaultRound == "" {
		errs = append(errs, errors.New("default round must not be empty"))
	}
	if o.GenerationTimeout < 0 {
		errs = append(errs, fmt.Errorf("generation timeout must not be negative, got %s", o.GenerationTimeout))
	}
	switch o.RetrievalFailure {
	case RetrievalAbort, RetrievalDegrade:
	default:
		errs = append(errs, fmt.Errorf("retrieval failure policy %q is not one of abort, degrade", o.RetrievalFailure))
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 2], got %g", o.Temperature))
	}
	if o.PlayerK <= 0 {
		errs = append(errs, fmt.Errorf("player k must be positive, got %d", o.PlayerK))
	}
	if o.NPCK <= 0 {
		errs = append(errs, fmt.Errorf("npc k must be positive, got %d", o.NPCK))
	}
	if o.FillRecent && o.RecentLimit <= 0 {
		errs = append(errs, fmt.Errorf("recent limit must be positive when fill recent is on, got %d", o.RecentLimit))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("orchestrator: invalid options: %w", err)
	}
	return nil
}
