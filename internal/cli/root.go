// Package cli is the thin cobra front-end over the resolution engine. It
// loads model and requirement YAML, drives one resolution, and prints the
// outcome; no resolution logic lives here.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose bool
	Models  string
}

// NewRootCommand creates the syskitgen root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syskitgen",
		Short: "Resolve component requirements into a deployed task network",
		Long: `syskitgen instantiates abstract component requirements, merges
redundant tasks, binds tasks to deployments and computes connection
buffering policies, committing the result as one atomic network.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			// Logs go to stderr so machine-readable stdout stays clean.
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.Models, "models", "m", "models.yml", "model registry YAML file")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))

	return cmd
}
