// Command cloudsyncctl is a thin operator CLI over the cloudsync engine: it
// augments tables, drives the sync protocol, and replays scripted fixtures
// against a database file, the way the teacher's cmd/bd gives an operator
// CLI over a single SQLite-backed store. It is not meant to be the engine's
// primary integration surface (SPEC_FULL.md's host embeds the package
// directly), only a way to exercise and inspect it from a shell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudsync-go/cloudsync"
	"github.com/cloudsync-go/cloudsync/internal/config"
	"github.com/cloudsync-go/cloudsync/internal/logging"
)

var (
	dbPath     string
	jsonOutput bool
	debugFlag  bool

	rootCtx context.Context
	engine  *cloudsync.Engine
)

var rootCmd = &cobra.Command{
	Use:   "cloudsyncctl",
	Short: "Operate a cloudsync-augmented SQLite database",
	Long: `cloudsyncctl drives the local-first CRDT replication engine against a
single SQLite database file: augmenting tables for sync, running schema
alterations, and sending/checking changes against a collaborator server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		level := slog.LevelWarn
		if debugFlag || config.GetBool("debug") {
			level = slog.LevelDebug
		}
		logging.Configure(logging.Options{Level: level})

		if dbPath == "" {
			return fmt.Errorf("cloudsyncctl: --db is required")
		}
		rootCtx = cmd.Context()
		e, err := cloudsync.Open(rootCtx, dbPath)
		if err != nil {
			return err
		}
		engine = e
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if engine != nil {
			return engine.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the SQLite database file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug-level logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "schema", Title: "Schema commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "test", Title: "Test commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
