package main

import (
	"github.com/spf13/cobra"

	"github.com/rpattn/datacheck/internal/db"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply or inspect the result store schema",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(db.MigrateUp), string(db.MigrateDown), string(db.MigrateVersion)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			command := db.MigrateUp
			if len(args) == 1 {
				command = db.MigrationCommand(args[0])
			}
			return db.Migrate(cfg.Database, command)
		},
	}
}
