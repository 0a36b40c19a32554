// Package style derives a short, human-readable description of how a player
// writes, so the NPC can imitate them.
//
// [LLMProfiler] asks the configured LLM to summarise a handful of a player's
// recent messages. [CachedProfiler] memoises descriptors for identical inputs.
// Profiles are computed on demand and never persisted.
package style

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/koschei/pkg/provider/llm"
	"github.com/MrWong99/koschei/pkg/types"
)

// DefaultDescriptor is returned when there is nothing to analyse.
const DefaultDescriptor = "neutral, casual game chat style"

// analysisTemplate is filled with the player's messages, one per line.
const analysisTemplate = `You are analyzing chat messages from a player in a multiplayer game.
Summarize their style in 2-3 sentences for NPC imitation:
- How they write messages
- Sentence length
- Use of slang, abbreviations, or emojis
- Tone (formal, casual, sarcastic, etc.)

Messages:
%s

Player style summary:`

// Profiler produces a [types.StyleProfile] from a speaker's recent messages.
type Profiler interface {
	// Profile analyses messages written by speakerID. An empty message list
	// yields [DefaultDescriptor] without any model call.
	Profile(ctx context.Context, speakerID string, messages []string) (types.StyleProfile, error)
}

// LLMProfiler uses an LLM provider to describe a writing style.
type LLMProfiler struct {
	llm         llm.Provider
	temperature float64
}

// Option is a functional option for [NewLLMProfiler].
type Option func(*LLMProfiler)

// WithTemperature sets the sampling temperature for the analysis call.
// Defaults to 0.7.
func WithTemperature(t float64) Option {
	return func(p *LLMProfiler) { p.temperature = t }
}

// NewLLMProfiler creates a new [LLMProfiler] backed by the given provider.
func NewLLMProfiler(provider llm.Provider, opts ...Option) *LLMProfiler {
	p := &LLMProfiler{llm: provider, temperature: 0.7}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Prompt returns the analysis prompt for messages.
func Prompt(messages []string) string {
	return fmt.Sprintf(analysisTemplate, strings.Join(messages, "\n"))
}

// Profile implements [Profiler]. The model's answer is trimmed of surrounding
// whitespace; a blank answer falls back to [DefaultDescriptor].
func (p *LLMProfiler) Profile(ctx context.Context, speakerID string, messages []string) (types.StyleProfile, error) {
	if len(messages) == 0 {
		return types.StyleProfile{SpeakerID: speakerID, Description: DefaultDescriptor}, nil
	}

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{
			{Role: "user", Content: Prompt(messages)},
		},
		Temperature: p.temperature,
	})
	if err != nil {
		return types.StyleProfile{}, fmt.Errorf("style: profile %q: %w", speakerID, err)
	}

	desc := strings.TrimSpace(resp.Content)
	if desc == "" {
		desc = DefaultDescriptor
	}
	return types.StyleProfile{SpeakerID: speakerID, Description: desc}, nil
}

var _ Profiler = (*LLMProfiler)(nil)
