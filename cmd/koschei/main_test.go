package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/koschei/internal/config"
	"github.com/MrWong99/koschei/internal/seed"
	"github.com/MrWong99/koschei/pkg/provider/embeddings"
	embmock "github.com/MrWong99/koschei/pkg/provider/embeddings/mock"
	"github.com/MrWong99/koschei/pkg/provider/llm"
	llmmock "github.com/MrWong99/koschei/pkg/provider/llm/mock"
)

func TestOptString(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"org": "acme", "n": 3}
	if got := optString(opts, "org"); got != "acme" {
		t.Errorf("optString(org) = %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("optString(non-string) = %q, want empty", got)
	}
	if got := optString(nil, "org"); got != "" {
		t.Errorf("optString(nil) = %q, want empty", got)
	}
}

func TestOptInt(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"a": 768, "b": 512.0, "c": "1024"}
	for key, want := range map[string]int{"a": 768, "b": 512, "c": 0, "missing": 0} {
		if got := optInt(opts, key); got != want {
			t.Errorf("optInt(%q) = %d, want %d", key, got, want)
		}
	}
	if got := optInt(nil, "a"); got != 0 {
		t.Errorf("optInt(nil) = %d", got)
	}
}

func TestFallbackName(t *testing.T) {
	t.Parallel()

	if got := fallbackName(config.ProviderEntry{Name: "ollama", Model: "llama3.1"}, 0); got != "ollama/llama3.1" {
		t.Errorf("fallbackName = %q", got)
	}
	if got := fallbackName(config.ProviderEntry{Name: "groq"}, 2); got != "groq#2" {
		t.Errorf("fallbackName = %q", got)
	}
}

// mockRegistry registers test doubles that record the entries they were
// built from.
func mockRegistry(seen *[]config.ProviderEntry) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		*seen = append(*seen, e)
		return &llmmock.Provider{}, nil
	})
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("no api key")
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		*seen = append(*seen, e)
		return embmock.NewBagOfWords(e.Model, 16), nil
	})
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "ollama", Model: "llama3.1:8b"}
	cfg.Providers.FallbackLLMs = []config.ProviderEntry{{Name: "ollama", Model: "qwen2"}}
	cfg.Providers.Embeddings = config.ProviderEntry{Name: "ollama", Model: "nomic-embed-text"}
	cfg.Memory.EmbeddingDimensions = 768

	var seen []config.ProviderEntry
	ps, err := buildProviders(cfg, mockRegistry(&seen))
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.LLM == nil || ps.Embeddings == nil {
		t.Fatal("missing providers")
	}
	if len(ps.FallbackLLMs) != 1 || ps.FallbackLLMs[0].Name != "ollama/qwen2" {
		t.Errorf("fallbacks = %+v", ps.FallbackLLMs)
	}
	emb := seen[len(seen)-1]
	if optInt(emb.Options, "dimensions") != 768 {
		t.Errorf("embeddings options = %v, want dimensions 768", emb.Options)
	}
	if cfg.Providers.Embeddings.Options != nil {
		t.Error("buildProviders modified the config entry")
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{name: "no llm", mutate: func(c *config.Config) { c.Providers.LLM.Name = "" }, want: "providers.llm.name"},
		{name: "unregistered llm", mutate: func(c *config.Config) { c.Providers.LLM.Name = "nope" }, want: "provider not registered"},
		{name: "broken fallback", mutate: func(c *config.Config) {
			c.Providers.FallbackLLMs = []config.ProviderEntry{{Name: "broken"}}
		}, want: "no api key"},
		{name: "no embeddings", mutate: func(c *config.Config) { c.Providers.Embeddings.Name = "" }, want: "providers.embeddings.name"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			cfg.Providers.LLM = config.ProviderEntry{Name: "ollama", Model: "m"}
			cfg.Providers.Embeddings = config.ProviderEntry{Name: "ollama", Model: "e"}
			tc.mutate(cfg)

			var seen []config.ProviderEntry
			_, err := buildProviders(cfg, mockRegistry(&seen))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	log := newLogger(&buf, config.LogFormatJSON, level)

	log.Info("hidden")
	log.Warn("shown", "k", "v")
	level.Set(slog.LevelDebug)
	log.Debug("now visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini-2024-07-18"}
	cfg.Memory.Backend = config.MemoryChromem
	cfg.World.Locations = []string{"Church", "Mansion"}

	var buf bytes.Buffer
	printStartupSummary(&buf, cfg)
	out := buf.String()

	for _, want := range []string{"openai / gpt-4o-mi…", "(not configured)", "chromem", "Locations"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary is missing %q:\n%s", want, out)
		}
	}
	// Every row has the same visible width.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	width := len([]rune(lines[0]))
	for _, l := range lines {
		if n := len([]rune(l)); n != width {
			t.Errorf("row %q has width %d, want %d", l, n, width)
		}
	}
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
providers:
  llm: { name: ollama, model: "llama3.1:8b" }
  embeddings: { name: ollama, model: nomic-embed-text }
world:
  locations: [Church, Mansion]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "is valid") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCheckCommand_MissingConfig(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"check", "--config", filepath.Join(t.TempDir(), "nope.yaml")})
	err := cmd.Execute()
	if !errors.Is(err, os.ErrNotExist) || !strings.Contains(err.Error(), "configs/example.yaml") {
		t.Errorf("err = %v, want not-found hint", err)
	}
}

func TestShippedFilesAreValid(t *testing.T) {
	t.Parallel()

	if _, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml")); err != nil {
		t.Errorf("configs/example.yaml: %v", err)
	}
	if _, err := seed.Load(filepath.Join("..", "..", "configs", "fixtures.yaml")); err != nil {
		t.Errorf("configs/fixtures.yaml: %v", err)
	}
}
