package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var networkInitCmd = &cobra.Command{
	Use:     "network-init <connection-string>",
	GroupID: "sync",
	Short:   "Bind the sync transport to a collaborator server",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.NetworkInit(rootCtx, args[0])
	},
}

var (
	syncToken  string
	syncAPIKey string
)

var setCredentialsCmd = &cobra.Command{
	Use:     "set-credentials",
	GroupID: "sync",
	Short:   "Attach a bearer token and/or API key to subsequent sync requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncToken != "" {
			engine.SetToken(syncToken)
		}
		if syncAPIKey != "" {
			engine.SetAPIKey(syncAPIKey)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Clear credentials and reset the sync cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.Logout(rootCtx)
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Send unsent changes, then check for and apply inbound ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.Sync(rootCtx)
	},
}

var sendChangesCmd = &cobra.Command{
	Use:     "send-changes",
	GroupID: "sync",
	Short:   "Upload every locally authored change past the send cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.SendChanges(rootCtx)
	},
}

var checkChangesCmd = &cobra.Command{
	Use:     "check-changes",
	GroupID: "sync",
	Short:   "Poll for and apply one inbound payload",
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, err := engine.CheckChanges(rootCtx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]int{"applied": applied})
		}
		fmt.Printf("applied %d row(s)\n", applied)
		return nil
	},
}

var resetSyncVersionCmd = &cobra.Command{
	Use:     "reset-sync-version",
	GroupID: "sync",
	Short:   "Clear every persisted sync cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return engine.ResetSyncVersion(rootCtx)
	},
}

func init() {
	setCredentialsCmd.Flags().StringVar(&syncToken, "token", "", "bearer token")
	setCredentialsCmd.Flags().StringVar(&syncAPIKey, "api-key", "", "API key")

	rootCmd.AddCommand(networkInitCmd, setCredentialsCmd, logoutCmd, syncCmd,
		sendChangesCmd, checkChangesCmd, resetSyncVersionCmd)
}
