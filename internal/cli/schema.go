package cli

import (
	"github.com/spf13/cobra"

	"github.com/asaidimu/go-docstore/core/persistence"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Drop  bool
	Purge bool
}

// NewSchemaCommand creates the schema command, which lists classes or shows,
// purges or drops one.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "schema [class]",
		Short:        "Show class schemas",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withController(ctx, rootOpts, func(c *persistence.Controller) error {
				if len(args) == 0 {
					classes, err := c.Schemas().AllClasses(ctx)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), map[string]any{"results": classes})
				}
				className := args[0]
				switch {
				case opts.Drop:
					if err := c.DeleteClass(ctx, className); err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), map[string]any{})
				case opts.Purge:
					if err := c.PurgeClass(ctx, className); err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), map[string]any{})
				}
				class, err := c.Schemas().GetOneSchema(ctx, className)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), class)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Drop, "drop", false, "delete the class; it must be empty")
	cmd.Flags().BoolVar(&opts.Purge, "purge", false, "delete every object of the class")

	return cmd
}
