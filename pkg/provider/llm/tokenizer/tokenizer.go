// Package tokenizer counts tokens for prompt budgeting.
//
// [Tiktoken] uses the BPE encodings published for OpenAI models. They are a
// close enough proxy for llama-family tokenizers to keep prompts inside a
// context window. The encoding data is fetched lazily on first use; when it
// cannot be loaded the tokenizer degrades to the [Approx] heuristic.
package tokenizer

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/MrWong99/koschei/pkg/types"
)

// Counter counts the tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// MessageOverhead is the per-message token overhead (role + formatting) added
// by [CountMessages].
const MessageOverhead = 4

// CountMessages returns the token count of msgs using c, including
// [MessageOverhead] per message.
func CountMessages(c Counter, msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.Count(m.Content) + MessageOverhead
	}
	return total
}

// Approx estimates roughly four characters per token. It never returns zero
// for non-empty text.
type Approx struct{}

// Count implements [Counter].
func (Approx) Count(text string) int {
	return (len(text) + 3) / 4
}

// Tiktoken counts tokens with a tiktoken BPE encoding.
type Tiktoken struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktoken returns a Counter for the named encoding (e.g., "cl100k_base").
func NewTiktoken(encoding string) *Tiktoken {
	return &Tiktoken{encoding: encoding}
}

// ForModel picks the encoding that best matches model.
func ForModel(model string) *Tiktoken {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return NewTiktoken("o200k_base")
	default:
		return NewTiktoken("cl100k_base")
	}
}

// Encoding returns the configured encoding name.
func (t *Tiktoken) Encoding() string { return t.encoding }

// Count implements [Counter].
func (t *Tiktoken) Count(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			slog.Warn("tokenizer: encoding unavailable, using approximation", "encoding", t.encoding, "err", err)
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return Approx{}.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

var (
	_ Counter = Approx{}
	_ Counter = (*Tiktoken)(nil)
)
