package main

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/koschei/internal/app"
	"github.com/MrWong99/koschei/internal/config"
	"github.com/MrWong99/koschei/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/koschei/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/koschei/pkg/provider/embeddings/openai"
	"github.com/MrWong99/koschei/pkg/provider/llm"
	"github.com/MrWong99/koschei/pkg/provider/llm/anyllm"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every hosted backend shares the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	for _, kind := range []string{"llm", "embeddings"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. memory.embedding_dimensions is forwarded to the embeddings
// factory unless the entry sets its own "dimensions" option.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	entry := cfg.Providers.LLM
	if entry.Name == "" {
		return nil, errors.New("providers.llm.name is required")
	}
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	ps.LLM = p
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)

	for i, fb := range cfg.Providers.FallbackLLMs {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("create fallback llm %d (%q): %w", i, fb.Name, err)
		}
		ps.FallbackLLMs = append(ps.FallbackLLMs, app.NamedLLM{Name: fallbackName(fb, i), Provider: p})
		slog.Info("provider created", "kind", "llm-fallback", "name", fb.Name, "model", fb.Model)
	}

	entry = cfg.Providers.Embeddings
	if entry.Name == "" {
		return nil, errors.New("providers.embeddings.name is required")
	}
	if dims := cfg.Memory.EmbeddingDimensions; dims > 0 && optInt(entry.Options, "dimensions") == 0 {
		entry.Options = maps.Clone(entry.Options)
		if entry.Options == nil {
			entry.Options = make(map[string]any, 1)
		}
		entry.Options["dimensions"] = dims
	}
	e, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
	}
	ps.Embeddings = e
	slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", entry.Model)

	return ps, nil
}

// fallbackName labels a fallback entry for logs and metrics. The same backend
// can appear twice with different models, so the model is part of the name.
func fallbackName(e config.ProviderEntry, i int) string {
	if e.Model != "" {
		return e.Name + "/" + e.Model
	}
	return fmt.Sprintf("%s#%d", e.Name, i)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int, but
// float64 is accepted too for values set programmatically.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
