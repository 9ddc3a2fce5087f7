package cli

import (
	"strings"
	"time"

	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/spf13/cobra"
)

func newSearchCmd(opts *options) *cobra.Command {
	var (
		limit  int
		entity string
		topic  string
		layers []string
		since  time.Duration
		filter service.SearchFilter
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories",
		Long:  "Rank memories against a query, or list them by --entity or --topic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			switch {
			case entity != "":
				return printJSON(cmd, s.coord.SearchByEntity(cmd.Context(), entity, limit))
			case topic != "":
				return printJSON(cmd, s.coord.SearchByTopic(cmd.Context(), topic, limit))
			}

			filter.Layers = toLayers(layers)
			if since > 0 {
				filter.CreatedAfter = time.Now().Add(-since)
			}
			results, err := s.coord.SearchWith(cmd.Context(), strings.Join(args, " "), limit, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "Max results")
	cmd.Flags().StringVar(&entity, "entity", "", "List memories mentioning this entity")
	cmd.Flags().StringVar(&topic, "topic", "", "List memories tagged with this topic")
	cmd.Flags().StringSliceVar(&layers, "layers", nil, "Only search these layers")
	cmd.Flags().DurationVar(&since, "since", 0, "Only search memories created within this window, e.g. 24h")
	cmd.Flags().Float64Var(&filter.MinImportance, "min-importance", 0, "Skip memories scored below this importance")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Skip this many ranked results")
	return cmd
}
