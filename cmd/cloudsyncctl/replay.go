package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudsync-go/cloudsync"
	"github.com/cloudsync-go/cloudsync/internal/network"
)

var replayCmd = &cobra.Command{
	Use:     "replay <fixture.toml>",
	GroupID: "test",
	Short:   "Run network_sync against a scripted TOML fixture instead of a real server",
	Long: `replay reopens the database with a network.ReplayClient loaded from
fixture.toml in place of the default HTTP transport, then runs one sync
pass against it. Useful for reproducing a reported sync sequence without
standing up a collaborator server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replay, err := network.NewReplayClient(args[0])
		if err != nil {
			return err
		}
		if err := engine.Close(); err != nil {
			return err
		}
		e, err := cloudsync.Open(rootCtx, dbPath, cloudsync.WithNetworkClient(replay))
		if err != nil {
			return err
		}
		engine = e

		if err := engine.Sync(rootCtx); err != nil {
			return err
		}
		fmt.Printf("replay complete: %d upload(s) recorded\n", len(replay.Uploads()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
