package main

import (
	"github.com/spf13/cobra"

	"github.com/rpattn/datacheck/internal/definition"
)

func newPlanCommand(root *rootOptions) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "plan <definition>",
		Short: "Print the execution plan derived from a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var opts []definition.Option
			if strict || cfg.Definition.StrictTypes {
				opts = append(opts, definition.WithStrictTypes())
			}
			plan, err := definition.NewProcessor(opts...).ParseFile(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict-types", false, "reject unknown column types")
	return cmd
}
