package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event store management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		database, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		cmd.Println("Store schema is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate all store tables (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		database, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Reset(); err != nil {
			return fmt.Errorf("reset store: %w", err)
		}
		cmd.Println("Store reset.")
		return nil
	},
}

var dbPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the resolved store location",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}

		if cfg.Storage.Driver == "postgres" {
			cmd.Printf("postgres (dsn configured)\n")
			return nil
		}
		path := cfg.Storage.Path
		if path == "" {
			path, err = db.DefaultDBPath()
			if err != nil {
				return err
			}
		}
		cmd.Println(path)
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the destructive reset")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbPathCmd)
}
