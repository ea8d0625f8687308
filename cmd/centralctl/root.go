package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/panyam/centralauth/config"
)

// app carries what the persistent pre-run loads for every subcommand
type app struct {
	configFile string
	envFile    string
	noEnvFile  bool
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "centralctl",
		Short:         "centralctl manages Aruba Central API tokens",
		Long:          `Obtain, inspect and refresh Aruba Central API tokens, call the API with them, and serve the dashboard backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default is ./config.yaml or $HOME/.config/centralauth/config.yaml)")
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file loaded before the environment (default .env)")
	flags.BoolVar(&a.noEnvFile, "no-env-file", false, "do not load a dotenv file")
	flags.StringVar(&a.logLevel, "log-level", "", "overrides log.level")

	root.AddCommand(
		newTokenCmd(a),
		newRefreshCmd(a),
		newGetCmd(a),
		newServeCmd(a),
		newClearCacheCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(config.Options{
		ConfigFile:  a.configFile,
		EnvFile:     a.envFile,
		SkipEnvFile: a.noEnvFile,
	})
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// session opens the store and builds a manager and client for the configured credentials
func (a *app) session(ctx context.Context) (*stack, tokenStore, func() error, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	store, closeStore, err := openStore(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := newBuilder(a.cfg, store, a.logger)
	if err != nil {
		closeStore()
		return nil, nil, nil, err
	}
	s, err := b.build(ctx, a.cfg.Credentials())
	if err != nil {
		closeStore()
		return nil, nil, nil, err
	}
	return s, store, closeStore, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
