package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dshills/durable-graph/internal/config"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	envFile string
	design  string
	store   string
	dsn     string
}

// config loads the process configuration and applies flag overrides.
func (g *globals) config() (config.Config, error) {
	var files []string
	if g.envFile != "" {
		files = append(files, g.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}
	if g.design != "" {
		cfg.Design = g.design
	}
	if g.store != "" {
		cfg.Store = g.store
		if cfg.Store == "memory" {
			cfg.DSN = ""
		}
	}
	if g.dsn != "" {
		cfg.DSN = g.dsn
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// open loads the configuration and builds the app for one command.
func (g *globals) open(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, cmd.ErrOrStderr())
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "graphctl",
		Short:         "Run and resume durable graph workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file to read before the environment")
	root.PersistentFlags().StringVar(&g.design, "design", "", "workflow design file (YAML or JSON); the built-in pipeline when empty")
	root.PersistentFlags().StringVar(&g.store, "store", "", "checkpoint store: memory, sqlite, mysql or postgres")
	root.PersistentFlags().StringVar(&g.dsn, "dsn", "", "checkpoint store DSN")

	root.AddCommand(
		newRunCmd(g),
		newResumeCmd(g),
		newContinueCmd(g),
		newStateCmd(g),
		newHistoryCmd(g),
		newValidateCmd(g),
		newCapabilitiesCmd(g),
	)
	return root
}
