package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/koschei/pkg/provider/llm"
	llmmock "github.com/MrWong99/koschei/pkg/provider/llm/mock"
	"github.com/MrWong99/koschei/pkg/types"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "at the church lol"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "in the sheds"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "at the church lol" {
		t.Fatalf("content = %q, want the primary's reply", resp.Content)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "in the sheds"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "in the sheds" {
		t.Fatalf("content = %q, want the secondary's reply", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_Complete_DeadlineNotMasked(t *testing.T) {
	slow := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "too late"},
	}

	fb := NewLLMFallback(slow, "slow", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := fb.Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called after deadline")
	}
}

func TestLLMFallback_CountTokens(t *testing.T) {
	primary := &llmmock.Provider{CountTokensErr: errors.New("count failed")}
	secondary := &llmmock.Provider{TokenCount: 42}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	count, err := fb.CountTokens([]types.Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	primary := &llmmock.Provider{
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 128000},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", &llmmock.Provider{})

	if caps := fb.Capabilities(); caps.ContextWindow != 128000 {
		t.Fatalf("ContextWindow = %d, want 128000", caps.ContextWindow)
	}
	if names := fb.Names(); len(names) != 2 || names[0] != "primary" {
		t.Errorf("Names = %v", names)
	}
}
