// Package prompt builds the single text prompt sent to the LLM when the NPC
// answers a player.
//
// The layout is fixed: persona preamble and rules first, then the imitation
// descriptor, then the memory snippets, then the player's message. Instructions
// always come before data.
package prompt

import (
	"fmt"
	"strings"

	"github.com/MrWong99/koschei/internal/recall"
	"github.com/MrWong99/koschei/pkg/provider/llm/tokenizer"
)

// DefaultPersonaName is the NPC's in-world handle.
const DefaultPersonaName = "Alien-01"

// defaultPreamble is used when [Persona.Preamble] is empty. %s is the name.
const defaultPreamble = `You are %s, a shape-shifting NPC pretending to be a human player in a Chernobyl-inspired game world.
Talk exactly like a player in game chat: short messages, casual words, maybe some slang.`

// rules follows the preamble. %s is the comma-separated location list.
const rules = `Rules:
- Only talk about the game.
- Never break character.
- Use only these map locations: %s.
- Stay consistent with past claims.
- Reply in 1-2 sentences.
- Do NOT narrate actions or describe emotions.`

// Persona describes who the NPC pretends to be.
type Persona struct {
	// Name is substituted into the default preamble. Defaults to
	// [DefaultPersonaName].
	Name string

	// Preamble replaces the built-in identity paragraph when non-empty.
	Preamble string
}

func (p Persona) preamble() string {
	if s := strings.TrimSpace(p.Preamble); s != "" {
		return s
	}
	name := p.Name
	if name == "" {
		name = DefaultPersonaName
	}
	return fmt.Sprintf(defaultPreamble, name)
}

// Prompt is the outcome of [Composer.Compose].
type Prompt struct {
	// Text is the full prompt.
	Text string

	// Lines are the context lines that made it into Text.
	Lines []string

	// Dropped counts context lines removed to honour the token budget.
	Dropped int

	// Tokens is the counted size of Text, or zero without a Counter.
	Tokens int
}

// Composer renders prompts. The zero value uses the default persona and no
// location list; set Locations for production use.
type Composer struct {
	Persona   Persona
	Locations recall.Locations

	// Counter measures prompt size. Nil disables budgeting and Tokens.
	Counter tokenizer.Counter

	// MaxTokens bounds the prompt size. Zero or negative means unbounded.
	MaxTokens int
}

// Compose renders the prompt for playerText given a style descriptor (empty
// when no profiling ran) and the retrieved context lines in assembly order.
//
// When a budget is set and exceeded, trailing context lines are dropped one at
// a time until the prompt fits. The persona and the player's message are never
// removed, so a prompt with no context left may still exceed the budget.
// Compose is pure and deterministic.
func (c *Composer) Compose(style string, lines []string, playerText string) Prompt {
	kept := lines
	text := c.render(style, kept, playerText)

	if c.Counter == nil {
		return Prompt{Text: text, Lines: kept}
	}
	tokens := c.Counter.Count(text)
	for c.MaxTokens > 0 && tokens > c.MaxTokens && len(kept) > 0 {
		kept = kept[:len(kept)-1]
		text = c.render(style, kept, playerText)
		tokens = c.Counter.Count(text)
	}
	return Prompt{Text: text, Lines: kept, Dropped: len(lines) - len(kept), Tokens: tokens}
}

func (c *Composer) render(style string, lines []string, playerText string) string {
	var sb strings.Builder

	// ── Persona ──────────────────────────────────────────────────────────────
	sb.WriteString(c.Persona.preamble())
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Imitate this player: %s\n\n", style)
	fmt.Fprintf(&sb, rules, c.Locations.String())

	// ── Context ──────────────────────────────────────────────────────────────
	sb.WriteString("\n\nContext (memory snippets):\n")
	sb.WriteString(strings.Join(lines, "\n"))

	// ── Query ────────────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "\n\nPlayer asked: \"%s\"", playerText)
	return sb.String()
}
