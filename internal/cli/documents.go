package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/asaidimu/go-docstore/core/persistence"
)

// withController loads the configuration, opens a controller and runs fn.
func withController(ctx context.Context, opts *RootOptions, fn func(*persistence.Controller) error) error {
	cfg, err := LoadConfig(opts.ConfigPath, true)
	if err != nil {
		return err
	}
	controller, cleanup, err := openController(ctx, cfg, opts.Logger())
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(controller)
}

// FindOptions holds flags for the find command.
type FindOptions struct {
	*RootOptions
	Sort  []string
	Keys  []string
	Skip  int64
	Limit int64
	Count bool
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FindOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "find <class> [where]",
		Short:        "Find objects of a class",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			where := ""
			if len(args) == 2 {
				where = args[1]
			}
			return runFind(cmd, opts, args[0], where)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Sort, "sort", nil, "sort keys, - prefixed for descending")
	cmd.Flags().StringSliceVar(&opts.Keys, "keys", nil, "projection keys")
	cmd.Flags().Int64Var(&opts.Skip, "skip", 0, "objects to skip")
	cmd.Flags().Int64Var(&opts.Limit, "limit", 0, "maximum objects to return")
	cmd.Flags().BoolVar(&opts.Count, "count", false, "print the number of matches only")

	return cmd
}

func runFind(cmd *cobra.Command, opts *FindOptions, className, rawWhere string) error {
	where, err := parseWhere(rawWhere)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	return withController(ctx, opts.RootOptions, func(c *persistence.Controller) error {
		if opts.Count {
			n, err := c.Count(ctx, className, where, opts.Caller())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int64{"count": n})
		}
		results, err := c.Find(ctx, className, where, persistence.FindOptions{
			Sort:  opts.Sort,
			Keys:  opts.Keys,
			Skip:  opts.Skip,
			Limit: opts.Limit,
		}, opts.Caller())
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{"results": results})
	})
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "create <class> <object>",
		Short:        "Create an object",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			object, err := parseObject(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withController(ctx, rootOpts, func(c *persistence.Controller) error {
				res, err := c.Create(ctx, args[0], object, rootOpts.Caller(), persistence.WriteOptions{})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res.Object)
			})
		},
	}
}

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions
	Many   bool
	Upsert bool
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "update <class> <objectId|where> <update>",
		Short:        "Update objects",
		Args:         cobra.ExactArgs(3),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			where, err := parseWhere(args[1])
			if err != nil {
				return err
			}
			update, err := parseObject(args[2])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withController(ctx, rootOpts, func(c *persistence.Controller) error {
				res, err := c.Update(ctx, args[0], where, update, opts.Caller(), persistence.WriteOptions{
					Many:   opts.Many,
					Upsert: opts.Upsert,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res.Object)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Many, "many", false, "update every match")
	cmd.Flags().BoolVar(&opts.Upsert, "upsert", false, "insert when nothing matches")

	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "delete <class> <objectId|where>",
		Short:        "Delete objects",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			where, err := parseWhere(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withController(ctx, rootOpts, func(c *persistence.Controller) error {
				if err := c.Destroy(ctx, args[0], where, rootOpts.Caller()); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{})
			})
		},
	}
}
