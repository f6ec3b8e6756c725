package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// StatusOutput is the status command's JSON shape, mirroring the teacher's
// own StatusOutput for `bd status`.
type StatusOutput struct {
	SiteID          string `json:"site_id"`
	SchemaHash      string `json:"schema_hash"`
	HasUnsentChanges bool  `json:"has_unsent_changes"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "test",
	Short:   "Show the augmented database's site id, schema hash, and pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		siteID := engine.SiteID()
		hasUnsent, err := engine.HasUnsentChanges(rootCtx)
		if err != nil {
			return err
		}
		out := StatusOutput{
			SiteID:           hex.EncodeToString(siteID[:]),
			SchemaHash:       fmt.Sprintf("%016x", engine.SchemaHash()),
			HasUnsentChanges: hasUnsent,
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(out)
		}
		fmt.Printf("site id:            %s\n", out.SiteID)
		fmt.Printf("schema hash:        %s\n", out.SchemaHash)
		fmt.Printf("has unsent changes: %v\n", out.HasUnsentChanges)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
