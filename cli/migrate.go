package cli

import (
	"github.com/spf13/cobra"
	"github.com/yourusername/school-billing/config"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("source", "file://migrations", "golang-migrate source URL")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("source")
		return config.RunMigrations(cfg, source)
	},
}
