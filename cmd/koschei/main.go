// Command koschei is the entry point for the koschei NPC reply server.
//
// Without a subcommand it runs the server ("serve"). The other subcommands
// generate a single reply, seed a store with fixtures, or check a config
// file without starting anything.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/koschei/internal/config"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "koschei: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "koschei",
		Short:         "Memory-augmented NPC chat server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(replyCmd(&configPath))
	root.AddCommand(seedCmd(&configPath))
	root.AddCommand(checkCmd(&configPath))
	return root
}

// loadConfig loads path and adds a hint for the common first-run mistake.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started: %w", path, err)
	}
	return cfg, err
}
