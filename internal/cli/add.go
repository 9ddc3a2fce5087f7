package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/spf13/cobra"
)

func newAddCmd(opts *options) *cobra.Command {
	var (
		source string
		status string
		meta   []string
	)
	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			if content == "" {
				stat, _ := os.Stdin.Stat()
				if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
					b, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
					content = string(b)
				}
			}
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("content is required (positional arg or stdin)")
			}

			metadata := make(map[string]string, len(meta))
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("metadata must be key=value, got %q", kv)
				}
				metadata[k] = v
			}

			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.coord.Add(cmd.Context(), service.AddRequest{
				Content:      content,
				Source:       domain.Source(source),
				Verification: domain.VerificationStatus(status),
				Metadata:     metadata,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", string(domain.SourceUserInput), "Source: user_input, agent_generated, document_extraction, system_insight")
	cmd.Flags().StringVar(&status, "status", "", "Verification status: unverified, confirmed, contradicted")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "Metadata as key=value (repeatable)")
	return cmd
}
