package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/s-age/takt/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/s-age/takt/cmd.Version=v1.0.0"
var Version = "dev"

var cfgFile string
var runArgs RunnerArgs
var outputFormat string

var rootCmd = &cobra.Command{
	Use:   "takt",
	Short: "takt — session-oriented orchestration runtime for LLM agents",
	Long:  "takt drives a model through bounded tool-calling rounds against a persistent, file-backed session, and can delegate work to child sessions via a serial task pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		runArgs.OutputJSON = outputFormat == "json"
		return executeRun(cmd.Context(), runArgs)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default: takt.json5 or $TAKT_CONFIG)")

	flags := rootCmd.Flags()
	flags.StringVar(&runArgs.Purpose, "purpose", "", "new-session purpose")
	flags.StringVar(&runArgs.Background, "background", "", "new-session background")
	flags.StringSliceVar(&runArgs.Roles, "roles", nil, "new-session role set")
	flags.StringVar(&runArgs.Procedure, "procedure", "", "new-session procedure")
	flags.StringVar(&runArgs.SessionID, "session", "", "resume an existing session by id")
	flags.StringVar(&runArgs.Instruction, "instruction", "", "instruction to append as a user_task turn")
	flags.StringSliceVar(&runArgs.References, "references", nil, "reference file paths to add")
	flags.StringSliceVar(&runArgs.Artifacts, "artifacts", nil, "artifact file paths to add")
	flags.BoolVar(&runArgs.MultiStepReasoningEnabled, "multi-step-reasoning", false, "enable multi-step reasoning on the session")
	flags.StringVar(&outputFormat, "output-format", "", "\"json\" for a machine-parseable identity line")
	flags.BoolVar(&runArgs.DryRun, "dry-run", false, "assemble the prompt and print it instead of calling the model")

	rootCmd.AddCommand(serialCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TAKT_CONFIG"); v != "" {
		return v
	}
	return "takt.json5"
}

func executeRun(ctx context.Context, args RunnerArgs) error {
	settings, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	runner, err := NewRunner(ctx, *settings)
	if err != nil {
		return err
	}

	if _, err := runner.Run(ctx, args); err != nil {
		return err
	}
	return nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
