package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hookinbox/internal/db"
)

func migrateCmd() *cobra.Command {
	var bootstrap bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gdb, err := db.Connect(cfg)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			if err := db.Migrate(gdb); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if bootstrap {
				if err := db.EnsureBootstrapAdmin(gdb, cfg); err != nil {
					return fmt.Errorf("bootstrap admin: %w", err)
				}
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&bootstrap, "bootstrap-admin", true, "create the APP_ADMIN_USER account and its default inbox when missing")
	return cmd
}
