package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/remote-agent-terminal/gateway/internal/config"
	"github.com/remote-agent-terminal/gateway/internal/db"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Realtime connection gateway with shared terminal sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return config.Load(cfgFile, cmd.Flags())
	}

	root.AddCommand(
		newServeCmd(load),
		newTargetCmd(load),
		newUserCmd(load),
		newTokenCmd(load),
	)
	return root
}

type configLoader func(cmd *cobra.Command) (*config.Config, error)

// openDB creates the database directory and opens the store.
func openDB(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if _, err := db.InitDB(cfg.DBPath); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}
