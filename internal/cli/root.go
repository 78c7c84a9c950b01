// Package cli implements the docstore command line: schema inspection,
// query compilation and document CRUD against a configured backend.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core/persistence"
	"github.com/asaidimu/go-docstore/core/query"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	ConfigPath string
	// User runs commands as this user id instead of the master key.
	User  string
	Roles []string

	// logger is built by the root command before any subcommand runs.
	logger *zap.Logger
}

// NewRootCommand creates the root command of the docstore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "docstore",
		Short: "Query and modify a docstore database",
		Long: `docstore runs REST-style queries and writes through the database
controller against a SQLite or MongoDB backend.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initLogger()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "docstore.yaml", "configuration file")
	cmd.PersistentFlags().StringVar(&opts.User, "user", "", "act as this user id instead of the master key")
	cmd.PersistentFlags().StringSliceVar(&opts.Roles, "role", nil, "role names of --user")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewFindCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))

	return cmd
}

func (o *RootOptions) initLogger() error {
	if o.logger != nil {
		return nil
	}
	var (
		logger *zap.Logger
		err    error
	)
	if o.Verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	o.logger = logger
	return nil
}

// Logger returns the command logger, or a no-op logger outside a run.
func (o *RootOptions) Logger() *zap.Logger {
	if o.logger == nil {
		return zap.NewNop()
	}
	return o.logger
}

// Caller returns the identity commands run as.
func (o *RootOptions) Caller() persistence.Caller {
	if o.User == "" {
		return persistence.Master()
	}
	return persistence.User(o.User, o.Roles...)
}

// parseWhere reads a where clause given either as a JSON object or as a
// bare object id.
func parseWhere(arg string) (query.Query, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return query.Query{}, nil
	}
	if !strings.HasPrefix(arg, "{") {
		return query.Query{"objectId": arg}, nil
	}
	return parseObject(arg)
}

func parseObject(arg string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(arg), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return out, nil
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
