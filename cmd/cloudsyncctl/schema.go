package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudsync-go/cloudsync"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
)

var (
	augmentAlgo       string
	augmentForceIntPK bool
)

var initCmd = &cobra.Command{
	Use:     "init <table>",
	GroupID: "schema",
	Short:   "Augment an existing table for replication",
	Long: `Augment installs the shadow relation and capture triggers for an
existing table and starts tracking its changes.

Use --algo to pick the table's merge strategy (cls, dws, aws, gos); it
defaults to cls (causal-length set), the only algorithm most schemas need.
Use --force-int-pk to acknowledge a single-column INTEGER PRIMARY KEY table,
which SQLite aliases to rowid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		algo, err := metadata.ParseAlgo(augmentAlgo)
		if err != nil {
			return err
		}
		return engine.Augment(rootCtx, args[0], cloudsync.TableOptions{
			Algorithm:  algo,
			ForceIntPK: augmentForceIntPK,
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:     "cleanup <table|*>",
	GroupID: "schema",
	Short:   "Drop the shadow relation, triggers, and settings for a table",
	Long:    `Pass "*" to clean up every augmented table at once.`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.Cleanup(rootCtx, args[0])
	},
}

var (
	alterAlgo       string
	alterForceIntPK bool
	alterDDL        string
)

var alterCmd = &cobra.Command{
	Use:     "alter <table>",
	GroupID: "schema",
	Short:   "Run ALTER TABLE DDL against an augmented table under a savepoint",
	Long: `alter opens a savepoint and drops the table's capture triggers, runs
the --ddl statement, and reconciles the shadow relation against the table's
post-DDL shape. It is the CLI equivalent of pairing begin_alter/commit_alter
around one schema change, since a CLI invocation cannot hold the savepoint
open across separate commands.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if alterDDL == "" {
			return fmt.Errorf("cloudsyncctl: alter requires --ddl")
		}
		algo, err := metadata.ParseAlgo(alterAlgo)
		if err != nil {
			return err
		}
		table := args[0]
		session, err := engine.BeginAlter(rootCtx, table)
		if err != nil {
			return err
		}
		if _, err := session.Tx().ExecContext(rootCtx, alterDDL); err != nil {
			_ = session.Abort()
			return fmt.Errorf("cloudsyncctl: running alter DDL: %w", err)
		}
		return engine.CommitAlter(rootCtx, session, cloudsync.TableOptions{
			Algorithm:  algo,
			ForceIntPK: alterForceIntPK,
		})
	},
}

var enableCmd = &cobra.Command{
	Use:     "enable <table|*>",
	GroupID: "schema",
	Short:   "Clear the administrative disable flag for a table, or every table",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.Enable(rootCtx, args[0])
	},
}

var disableCmd = &cobra.Command{
	Use:     "disable <table|*>",
	GroupID: "schema",
	Short:   "Suppress capture triggers for a table, or every table, until re-enabled",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.Disable(rootCtx, args[0])
	},
}

var isEnabledCmd = &cobra.Command{
	Use:     "is-enabled <table>",
	GroupID: "schema",
	Short:   "Report whether capture is enabled for a table (true unless it, or every table, was disabled)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled := engine.IsEnabled(args[0])
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]bool{"enabled": enabled})
		}
		fmt.Println(enabled)
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:     "terminate",
	GroupID: "schema",
	Short:   "Clean up every augmented table and close the connection",
	Long:    `terminate cleans up every augmented table's shadow metadata and triggers, then closes the connection. The engine must not be used again after this command returns.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.Terminate(rootCtx)
	},
}

func init() {
	initCmd.Flags().StringVar(&augmentAlgo, "algo", "cls", "merge strategy: cls, dws, aws, gos")
	initCmd.Flags().BoolVar(&augmentForceIntPK, "force-int-pk", false, "acknowledge a single-column INTEGER PRIMARY KEY table")

	alterCmd.Flags().StringVar(&alterDDL, "ddl", "", "the ALTER TABLE statement to run under the savepoint")
	alterCmd.Flags().StringVar(&alterAlgo, "algo", "cls", "merge strategy to record for the table's post-DDL shape")
	alterCmd.Flags().BoolVar(&alterForceIntPK, "force-int-pk", false, "acknowledge a single-column INTEGER PRIMARY KEY table")

	rootCmd.AddCommand(initCmd, cleanupCmd, alterCmd, enableCmd, disableCmd, isEnabledCmd, terminateCmd)
}
