package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core/query"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Where  string
	Update string
	Sort   []string
	Keys   []string
	Count  bool
}

// CompileResult is the native form of a REST request.
type CompileResult struct {
	Class  string           `json:"class"`
	Query  bson.M           `json:"query"`
	Update bson.M           `json:"update,omitempty"`
	Sort   []map[string]any `json:"sort,omitempty"`
	Keys   []string         `json:"keys,omitempty"`
}

// NewCompileCommand creates the compile command. It needs no backend: the
// class schema comes from the configuration file when present.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <class>",
		Short: "Print the native query and update a REST request compiles to",
		Long: `Compile a REST where clause, and optionally an update, into the native
documents a storage adapter receives. With --user the read ACL is applied
and $or branches are flattened as the controller would.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Where, "where", "w", "{}", "where clause as JSON")
	cmd.Flags().StringVarP(&opts.Update, "update", "u", "", "update as JSON")
	cmd.Flags().StringSliceVar(&opts.Sort, "sort", nil, "sort keys, - prefixed for descending")
	cmd.Flags().StringSliceVar(&opts.Keys, "keys", nil, "projection keys")
	cmd.Flags().BoolVar(&opts.Count, "count", false, "compile for a count")

	return cmd
}

func runCompile(cmd *cobra.Command, opts *CompileOptions, className string) error {
	cfg, err := LoadConfig(opts.ConfigPath, true)
	if err != nil {
		return err
	}
	class := cfg.Class(className)
	if class == nil {
		class = &schema.Class{ClassName: className}
	}
	class = schema.WithDefaults(class)

	where, err := parseWhere(opts.Where)
	if err != nil {
		return err
	}
	if err := query.ValidateQuery(where); err != nil {
		return err
	}
	caller := opts.Caller()
	if !caller.Master {
		where = query.AddReadACL(where, caller.ACL)
		if err := query.FlattenOr(where); err != nil {
			return err
		}
	}

	native, err := transform.TransformWhere(where, class, opts.Count)
	if err != nil {
		return fmt.Errorf("compiling where: %w", err)
	}
	result := CompileResult{
		Class: className,
		Query: native,
		Keys:  transform.TransformKeys(opts.Keys, class),
	}
	for _, e := range transform.TransformSort(opts.Sort, class) {
		result.Sort = append(result.Sort, map[string]any{e.Key: e.Value})
	}

	if opts.Update != "" {
		update, err := parseObject(opts.Update)
		if err != nil {
			return err
		}
		result.Update, err = transform.TransformUpdate(update, class)
		if err != nil {
			return fmt.Errorf("compiling update: %w", err)
		}
	}

	opts.Logger().Debug("compiled request", zap.String("class", className), zap.Any("query", native))
	return writeJSON(cmd.OutOrStdout(), result)
}
