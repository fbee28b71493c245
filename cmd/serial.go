package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/s-age/takt/internal/config"
	"github.com/s-age/takt/internal/pipeline"
)

// serialCmd is the hidden re-entry point the SerialPipelineExecutor's own
// subprocess uses; it is not part of the human-facing CLI surface (§6
// only documents the flags that affect the core, and this command never
// touches the agent loop directly).
func serialCmd() *cobra.Command {
	var parentID string

	cmd := &cobra.Command{
		Use:    "serial",
		Short:  "Run the serial task pipeline for a parent session (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			binary, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve own binary path: %w", err)
			}

			root := settings.ProjectRoot
			if root == "" {
				root = "."
			}
			spawner := pipeline.NewSpawner(binary)
			executor := pipeline.NewExecutor(root, spawner, parentID)

			os.Exit(executor.Run(cmd.Context()))
			return nil
		},
	}

	cmd.Flags().StringVar(&parentID, "parent", "", "parent session id whose task list to execute")
	cmd.MarkFlagRequired("parent")
	return cmd
}
