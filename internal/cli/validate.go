package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rock-core/tools-syskit-sub009/internal/registry"
)

// NewValidateCommand creates the validate command: load the model
// registry and report referential-integrity problems without resolving
// anything.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate",
		Short:         "Validate the model registry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.LoadFile(rootOpts.Models)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"ok: %d task models, %d compositions, %d deployments, %d devices\n",
				len(reg.TaskModels), len(reg.Compositions), len(reg.Deployments), len(reg.Devices))
			return nil
		},
	}
}
