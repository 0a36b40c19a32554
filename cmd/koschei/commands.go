package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/koschei/internal/app"
	"github.com/MrWong99/koschei/internal/config"
	"github.com/MrWong99/koschei/internal/seed"
	"github.com/MrWong99/koschei/pkg/types"
)

// ── reply ─────────────────────────────────────────────────────────────────────

func replyCmd(configPath *string) *cobra.Command {
	var (
		req     types.ReplyRequest
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Generate one NPC reply against the configured memory store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				reply, err := a.Orchestrator().GenerateReply(ctx, req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if verbose {
					fmt.Fprintf(out, "round:   %s\nmemory:  %s\n", reply.RoundID, reply.MemoryID)
					if reply.Style != "" {
						fmt.Fprintf(out, "style:   %s\n", reply.Style)
					}
					for _, l := range reply.ContextLines {
						fmt.Fprintf(out, "context: %s\n", l)
					}
				}
				fmt.Fprintln(out, reply.Text)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.PlayerText, "text", "", "player message to answer (required)")
	f.StringVar(&req.RoundID, "round", "", "round id (default: pipeline.default_round)")
	f.StringVar(&req.ImitateSpeakerID, "imitate", "", "player id whose style to imitate")
	f.StringArrayVar(&req.RecentMessages, "recent", nil, "recent message of the imitated player, oldest first (repeatable)")
	f.BoolVarP(&verbose, "verbose", "v", false, "print round, memory id and context lines")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

// ── seed ──────────────────────────────────────────────────────────────────────

func seedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import chat lines, events and NPC memory from a fixture file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fixtures, err := seed.Load(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app.App) error {
				c, err := seed.Import(ctx, a.Orchestrator(), a.Store(), fixtures)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d records (%d utterances, %d events, %d npc memories)\n",
					c.Total(), c.Utterances, c.Events, c.NPCMemory)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "configs/fixtures.yaml", "fixture YAML file")
	return cmd
}

// ── check ─────────────────────────────────────────────────────────────────────

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print a provider summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			if _, err := buildProviders(cfg, reg); err != nil {
				return err
			}
			printStartupSummary(cmd.OutOrStdout(), cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "Config at %s is valid.\n", *configPath)
			return nil
		},
	}
}

// withApp loads the config, builds the application without serving it and
// runs fn. Logs go to stderr so command output stays clean.
func withApp(ctx context.Context, configPath string, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(max(cfg.Server.LogLevel.Slog(), slog.LevelWarn))
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogFormat, level))

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	a, err := app.New(ctx, cfg, providers, app.WithLevel(level))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	}()
	return fn(ctx, a)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         koschei startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	for i, fb := range cfg.Providers.FallbackLLMs {
		printProvider(w, fmt.Sprintf("Fallback %d", i+1), fb.Name, fb.Model)
	}
	printProvider(w, "Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printRow(w, "Memory", string(cfg.Memory.Backend))
	printRow(w, "History", string(cfg.History.Backend))
	printRow(w, "Persona", cfg.Persona.Name)
	fmt.Fprintf(w, "║  %-12s   : %-19d ║\n", "Locations", len(cfg.World.Locations))
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s   : %-19s ║\n", label, value)
}
