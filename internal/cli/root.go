// Package cli implements the memctl commands. Every command runs the full
// coordinator in-process over a SQLite file.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Harshitk-cp/memtier/internal/config"
	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/embedding"
	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/Harshitk-cp/memtier/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	dbPath     string
	embeddings string
	verbose    bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "memctl",
		Short:         "Layered memory for agents",
		Long:          "Store, search and maintain layered agent memories in a local SQLite file.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.dbPath, "db", "d", "", "Database path (default: $MEMCTL_DB or ~/.memtier/memory.db)")
	root.PersistentFlags().StringVar(&opts.embeddings, "embeddings", embedding.ProviderNone, "Embedding provider: openai, ollama, mock, none")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")

	root.AddCommand(
		newAddCmd(opts),
		newSearchCmd(opts),
		newConsolidateCmd(opts),
		newPruneCmd(opts),
		newReflectCmd(opts),
		newStatsCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *options) resolveDBPath() string {
	if o.dbPath != "" {
		return o.dbPath
	}
	if env := os.Getenv("MEMCTL_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memtier", "memory.db")
}

// session is an open store plus a coordinator loaded from it.
type session struct {
	coord    *service.Coordinator
	store    *store.SQLiteStore
	provider *embedding.Provider
}

func (s *session) Close() {
	if s.provider != nil {
		s.provider.Close()
	}
	_ = s.store.Close()
}

func (o *options) open(cmd *cobra.Command) (*session, error) {
	logger := zap.NewNop()
	if o.verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}

	policy, err := config.LoadPolicy()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	st, err := store.NewSQLiteStore(o.resolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &session{store: st}

	var embeddings domain.EmbeddingProvider
	if o.embeddings != embedding.ProviderNone {
		client, err := embedding.NewClient(embedding.ClientConfig{
			Provider: o.embeddings,
			APIKey:   config.OpenAIAPIKey(),
			Model:    config.EmbeddingModel(),
			Host:     config.OllamaHost(),
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		index, err := embedding.NewChromemIndex()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.provider, err = embedding.NewProvider(client, index, embedding.Options{Logger: logger})
		if err != nil {
			s.Close()
			return nil, err
		}
		embeddings = s.provider
	}

	s.coord, err = service.NewCoordinator(service.Options{
		Persistence: st,
		Embeddings:  embeddings,
		Policy:      policy,
		Logger:      logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	if _, err := s.coord.Load(cmd.Context()); err != nil {
		s.Close()
		return nil, fmt.Errorf("load: %w", err)
	}
	return s, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
