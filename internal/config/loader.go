package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Validate expects [ApplyDefaults] to have run.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.rps %.2f must not be negative", cfg.Server.RateLimit.RPS))
	}
	if cfg.Server.RateLimit.RPS > 0 && cfg.Server.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("server.rate_limit.burst %d must be at least 1", cfg.Server.RateLimit.Burst))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.FallbackLLMs {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallback_llms[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if fo := cfg.Providers.Failover; fo.MaxFailures < 0 || fo.ResetTimeout < 0 || fo.HalfOpenTrials < 0 {
		errs = append(errs, errors.New("providers.failover values must not be negative"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; replies cannot be generated")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; memory cannot be stored or queried")
	}

	// Memory
	if !cfg.Memory.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: chromem, postgres", cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == MemoryPostgres && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
	}
	if cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must not be negative", cfg.Memory.EmbeddingDimensions))
	}
	if cfg.Memory.Backend == MemoryChromem && cfg.Memory.Path == "" {
		slog.Warn("memory.path is empty; chromem memory will not survive a restart")
	}

	// World
	if len(cfg.World.Locations) == 0 {
		errs = append(errs, errors.New("world.locations must list at least one location"))
	}
	seen := make(map[string]int, len(cfg.World.Locations))
	for i, loc := range cfg.World.Locations {
		if strings.TrimSpace(loc) == "" {
			errs = append(errs, fmt.Errorf("world.locations[%d] is empty", i))
			continue
		}
		if prev, ok := seen[loc]; ok {
			errs = append(errs, fmt.Errorf("world.locations[%d] %q is a duplicate of world.locations[%d]", i, loc, prev))
		}
		seen[loc] = i
	}

	// Persona
	if n := strings.Count(cfg.Persona.Preamble, "%s"); n > 1 {
		errs = append(errs, fmt.Errorf("persona.preamble may contain at most one %%s verb, found %d", n))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.PlayerK < 1 {
		errs = append(errs, fmt.Errorf("pipeline.player_k %d must be at least 1", p.PlayerK))
	}
	if p.NPCK < 1 {
		errs = append(errs, fmt.Errorf("pipeline.npc_k %d must be at least 1", p.NPCK))
	}
	if p.GenerationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.generation_timeout %s must be positive", p.GenerationTimeout))
	}
	if !p.RetrievalFailure.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.retrieval_failure %q is invalid; valid values: abort, degrade", p.RetrievalFailure))
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", *p.Temperature))
	}
	if p.MaxPromptTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_prompt_tokens %d must not be negative", p.MaxPromptTokens))
	}

	// Style
	if cfg.Style.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("style.cache_ttl %s must not be negative", cfg.Style.CacheTTL))
	}

	// History
	if !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: none, memory, redis", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryRedis && cfg.History.RedisAddr == "" {
		errs = append(errs, errors.New("history.redis_addr is required when history.backend is redis"))
	}
	if cfg.History.MaxMessages < 1 {
		errs = append(errs, fmt.Errorf("history.max_messages %d must be at least 1", cfg.History.MaxMessages))
	}
	if cfg.History.FillRecent && cfg.History.Backend == HistoryNone {
		slog.Warn("history.fill_recent is set but history.backend is none; recent messages will stay empty")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
