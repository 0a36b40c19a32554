package style

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/koschei/pkg/provider/llm"
	llmmock "github.com/MrWong99/koschei/pkg/provider/llm/mock"
)

func TestLLMProfiler_EmptyMessagesSkipsModel(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{}
	p := NewLLMProfiler(m)

	prof, err := p.Profile(context.Background(), "p1", nil)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if prof.Description != DefaultDescriptor {
		t.Errorf("Description = %q, want default", prof.Description)
	}
	if m.CallCount() != 0 {
		t.Errorf("model called %d times, want 0", m.CallCount())
	}
}

func TestLLMProfiler_PromptAndTrim(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "\n  Short lowercase msgs, lots of lol.  \n"},
	}
	p := NewLLMProfiler(m, WithTemperature(0.4))

	prof, err := p.Profile(context.Background(), "p1", []string{"lol where r u", "im at church"})
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if prof.Description != "Short lowercase msgs, lots of lol." {
		t.Errorf("Description = %q", prof.Description)
	}
	if prof.SpeakerID != "p1" {
		t.Errorf("SpeakerID = %q", prof.SpeakerID)
	}

	calls := m.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want one user message", req.Messages)
	}
	if req.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", req.Temperature)
	}
	content := req.Messages[0].Content
	if !strings.Contains(content, "Messages:\nlol where r u\nim at church\n\nPlayer style summary:") {
		t.Errorf("prompt does not embed messages as expected:\n%s", content)
	}
	if !strings.HasPrefix(content, "You are analyzing chat messages from a player in a multiplayer game.") {
		t.Errorf("prompt header changed:\n%s", content)
	}
}

func TestLLMProfiler_BlankAnswerFallsBack(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "   "}}
	prof, err := NewLLMProfiler(m).Profile(context.Background(), "p1", []string{"hi"})
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if prof.Description != DefaultDescriptor {
		t.Errorf("Description = %q, want default", prof.Description)
	}
}

func TestLLMProfiler_Error(t *testing.T) {
	t.Parallel()
	boom := errors.New("model offline")
	m := &llmmock.Provider{CompleteErr: boom}
	_, err := NewLLMProfiler(m).Profile(context.Background(), "p1", []string{"hi"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestCachedProfiler_HitsAndMisses(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "terse"}}
	c, err := NewCachedProfiler(NewLLMProfiler(m), time.Minute)
	if err != nil {
		t.Fatalf("NewCachedProfiler: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	for range 3 {
		if _, err := c.Profile(ctx, "p1", []string{"a", "b"}); err != nil {
			t.Fatalf("Profile: %v", err)
		}
	}
	if m.CallCount() != 1 {
		t.Errorf("model calls = %d, want 1", m.CallCount())
	}

	// A different message list or speaker is a miss.
	_, _ = c.Profile(ctx, "p1", []string{"a", "b", "c"})
	_, _ = c.Profile(ctx, "p2", []string{"a", "b"})
	if m.CallCount() != 3 {
		t.Errorf("model calls = %d, want 3", m.CallCount())
	}
}

func TestCachedProfiler_ErrorsNotCached(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{CompleteErr: errors.New("boom")}
	c, err := NewCachedProfiler(NewLLMProfiler(m), time.Minute)
	if err != nil {
		t.Fatalf("NewCachedProfiler: %v", err)
	}
	defer c.Close()

	for range 2 {
		if _, err := c.Profile(context.Background(), "p1", []string{"x"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if m.CallCount() != 2 {
		t.Errorf("model calls = %d, want 2", m.CallCount())
	}
}

func TestCacheKey_NoConcatenationCollision(t *testing.T) {
	t.Parallel()
	if cacheKey("p1", []string{"ab", "c"}) == cacheKey("p1", []string{"a", "bc"}) {
		t.Error("distinct message lists share a key")
	}
}

func TestNewCachedProfiler_RejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()
	if _, err := NewCachedProfiler(NewLLMProfiler(&llmmock.Provider{}), 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}
