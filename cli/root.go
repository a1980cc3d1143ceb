package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yourusername/school-billing/config"
)

var rootCmd = &cobra.Command{
	Use:   "school-billing",
	Short: "School billing API: charges, fiscal documents and bank reconciliation",
	Long: `school-billing keeps the ledger of student charges, issues and cancels
stamped fiscal documents through the tax authority's stamping service, and
reconciles bank statements against outstanding charges.

Configuration comes from the environment (or a .env file); business rules
come from the TOML file named by POLICY_FILE.`,
	SilenceUsage: true,
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	config.SetupLogging(cfg)
	return cfg, nil
}
