package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/services"
)

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().String("payer", "", "Student id (alumnoId) the statement belongs to")
	reconcileCmd.Flags().StringP("file", "f", "", "Bank statement, CSV or XLSX")
	reconcileCmd.Flags().String("actor", "cli", "User id recorded on applied payments")
	_ = reconcileCmd.MarkFlagRequired("payer")
	_ = reconcileCmd.MarkFlagRequired("file")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Import a bank statement for one student and print the summary",
	Long: `Import a bank statement offline. Rows already imported in an earlier
statement are skipped. Interrupting the command stops before the next row;
payments already applied stay applied.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	payer, _ := cmd.Flags().GetString("payer")
	path, _ := cmd.Flags().GetString("file")
	actorID, _ := cmd.Flags().GetString("actor")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open statement: %w", err)
	}
	defer f.Close()

	db, err := config.InitDB(cfg)
	if err != nil {
		return err
	}
	svc, err := buildServices(cfg, db)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	actor := services.Actor{UserID: actorID, Role: "finance"}
	summary, err := svc.Reconciler.Reconcile(ctx, actor, payer, filepath.Base(path), f)
	if err != nil {
		return err
	}
	return printJSON(cmd, summary)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
