// Package cli implements the grantline command tree. Both subcommands
// read their configuration from environment variables, build their own
// dependency graph against Postgres and OpenSearch, and log to stderr so
// stdout stays reserved for command output.
package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// envKey is the context key under which Env travels through the command
// tree.
type envKey struct{}

// Env carries the loaded configuration and logger from the persistent
// pre-run hook into the subcommands.
type Env struct {
	Config *config.Config
	Logger logging.Logger
}

// NewRootCommand creates the root cobra command with both subcommands
// attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grantline",
		Short: "Patent evidence search over USPTO grant full text",
		Long: "grantline ingests USPTO Patent Grant Full Text (PTGRXML) weekly batches\n" +
			"into Postgres and OpenSearch and answers hybrid BM25+vector evidence\n" +
			"searches over the extracted chunks.\n\n" +
			"All configuration comes from environment variables (POSTGRES_DSN,\n" +
			"OPENSEARCH_URL, DATA_ROOT, EMBEDDING_URL, ...); unset variables fall\n" +
			"back to local-development defaults.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initEnv(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newIngestCmd(), newSearchCmd())
	return cmd
}

// initEnv loads configuration from the environment, builds the logger,
// and stores both in the command context for the subcommand to pick up.
func initEnv(cmd *cobra.Command) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}

	ctx := context.WithValue(cmd.Context(), envKey{}, &Env{Config: cfg, Logger: logger})
	cmd.SetContext(ctx)
	return nil
}

// envFrom extracts the Env placed in the command context by initEnv.
func envFrom(cmd *cobra.Command) (*Env, error) {
	env, ok := cmd.Context().Value(envKey{}).(*Env)
	if !ok || env == nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "command environment not initialized")
	}
	return env, nil
}

// printJSON writes data to the command's stdout as two-space-indented
// JSON followed by a newline.
func printJSON(cmd *cobra.Command, data interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// Execute runs the grantline command tree.
func Execute() error {
	return NewRootCommand().Execute()
}
