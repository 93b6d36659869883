package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/registry"
	"github.com/rock-core/tools-syskit-sub009/internal/report"
	"github.com/rock-core/tools-syskit-sub009/internal/resolver"
	"github.com/rock-core/tools-syskit-sub009/internal/snapshot"
)

// ResolveOptions holds resolve-specific flags.
type ResolveOptions struct {
	Requirements string
	Margin       float64
	NoDeploy     bool
	NoPolicies   bool
	SnapshotDir  string
	ReportDB     string
}

// NewResolveCommand creates the resolve command: run one full resolution
// from a requirements file against an empty live graph and print the
// resulting bindings and policies.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{}

	cmd := &cobra.Command{
		Use:           "resolve",
		Short:         "Resolve requirements into a deployed network",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Requirements, "requirements", "r", "requirements.yml", "requirements YAML file")
	cmd.Flags().Float64Var(&opts.Margin, "margin", -1, "buffer safety margin (defaults to 0.1)")
	cmd.Flags().BoolVar(&opts.NoDeploy, "no-deploy", false, "skip deployment binding")
	cmd.Flags().BoolVar(&opts.NoPolicies, "no-policies", false, "skip connection policy computation")
	cmd.Flags().StringVar(&opts.SnapshotDir, "snapshot", "", "directory for DOT snapshots on failure")
	cmd.Flags().StringVar(&opts.ReportDB, "report", "", "SQLite file to archive resolution diagnostics")

	return cmd
}

func runResolve(rootOpts *RootOptions, opts *ResolveOptions, cmd *cobra.Command) error {
	reg, err := registry.LoadFile(rootOpts.Models)
	if err != nil {
		return err
	}
	reqs, err := registry.LoadRequirements(opts.Requirements)
	if err != nil {
		return err
	}

	cfg := resolver.DefaultConfig()
	if opts.Margin >= 0 {
		cfg.BufferMargin = opts.Margin
	}
	cfg.ComputeDeployments = !opts.NoDeploy
	cfg.ComputePolicies = !opts.NoPolicies
	cfg.SnapshotDir = opts.SnapshotDir

	resolverOpts := []resolver.Option{resolver.WithConfig(cfg)}
	if opts.ReportDB != "" {
		archive, err := report.Open(opts.ReportDB)
		if err != nil {
			return err
		}
		defer archive.Close()
		resolverOpts = append(resolverOpts, resolver.WithArchive(archive))
	}

	graph := plan.NewGraph()
	r := resolver.New(graph, reg, resolverOpts...)
	res, err := r.Resolve(cmd.Context(), reqs)
	if err != nil {
		return err
	}

	printResult(cmd, graph, res)
	return nil
}

func printResult(cmd *cobra.Command, graph *plan.Graph, res *resolver.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "resolution %s committed: %d task(s)\n", res.ID, res.Report.TaskCount)

	ids := make([]plan.TaskID, 0, len(res.Bindings))
	for id := range res.Bindings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t := graph.Task(id)
		b := res.Bindings[id]
		fmt.Fprintf(out, "  task %d (%s) -> %s\n", id, t.Model, b.String())
	}

	keys := make([]plan.ConnKey, 0, len(res.Policies))
	for k := range res.Policies {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		pol := res.Policies[k]
		fmt.Fprintf(out, "  connection %s: %s\n", k.String(), pol.String())
	}
}

// NewSnapshotCommand creates the snapshot command: resolve without
// committing and dump the working graph as DOT.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{}

	cmd := &cobra.Command{
		Use:           "snapshot",
		Short:         "Render the resolved network as Graphviz DOT without committing",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.LoadFile(rootOpts.Models)
			if err != nil {
				return err
			}
			reqs, err := registry.LoadRequirements(opts.Requirements)
			if err != nil {
				return err
			}
			graph := plan.NewGraph()
			r := resolver.New(graph, reg)
			pending, err := r.PrepareNetwork(cmd.Context(), reqs)
			if err != nil {
				return err
			}
			defer pending.Discard()
			dot, err := snapshot.Render(pending.Graph(), "network")
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), dot)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Requirements, "requirements", "r", "requirements.yml", "requirements YAML file")
	return cmd
}
