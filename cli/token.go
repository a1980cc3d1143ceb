package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/yourusername/school-billing/middleware"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("user", "", "User id placed in the token")
	tokenCmd.Flags().String("role", middleware.RoleFinance, "Role: admin, finance or staff")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development JWT for the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		switch role {
		case middleware.RoleAdmin, middleware.RoleFinance, middleware.RoleStaff:
		default:
			return fmt.Errorf("unknown role %q", role)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is required to sign tokens")
		}

		token, err := middleware.GenerateToken(user, role, cfg.JWTSecret, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
