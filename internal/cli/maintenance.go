package cli

import (
	"github.com/Harshitk-cp/memtier/internal/buildconfig"
	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/spf13/cobra"
)

func toLayers(in []string) []domain.Layer {
	out := make([]domain.Layer, len(in))
	for i, l := range in {
		out[i] = domain.Layer(l)
	}
	return out
}

func newConsolidateCmd(opts *options) *cobra.Command {
	var (
		layers     []string
		strategies []string
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			req := service.ConsolidationRequest{Trigger: domain.TriggerManual, Layers: toLayers(layers)}
			for _, st := range strategies {
				req.Strategies = append(req.Strategies, domain.ConsolidationStrategy(st))
			}
			report, err := s.coord.ConsolidateWith(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringSliceVar(&layers, "layers", nil, "Restrict the pass to these layers")
	cmd.Flags().StringSliceVar(&strategies, "strategies", nil, "merge_similar, promote_by_importance, demote_stale")
	return cmd
}

func newPruneCmd(opts *options) *cobra.Command {
	var (
		strategy string
		layers   []string
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict memories by capacity, usage or retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.coord.PruneWith(cmd.Context(), service.PruneRequest{
				Strategy: domain.PruneStrategy(strategy),
				Layers:   toLayers(layers),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(domain.PruneCapacityBound), "capacity_bound, least_recently_used, low_frequency or retention_window")
	cmd.Flags().StringSliceVar(&layers, "layers", nil, "Restrict pruning to these layers")
	return cmd
}

func newReflectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reflect",
		Short: "Record recurring themes and contradictions as insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.coord.Reflect(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-layer counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			return printJSON(cmd, s.coord.GetStats(cmd.Context()))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd, buildconfig.Get())
		},
	}
}
