package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/handlers"
	"github.com/yourusername/school-billing/services"
	"github.com/yourusername/school-billing/store"
	"github.com/yourusername/school-billing/utils"
	"gorm.io/gorm"
)

// buildServices wires the domain services on top of an open database.
func buildServices(cfg *config.Config, db *gorm.DB) (handlers.Services, error) {
	s := store.NewGormStore(db)
	policy := cfg.Policy

	ledger := services.NewChargeLedger(s, policy.Ledger)
	fiscal := services.NewFiscalService(s, newGateway(cfg), services.Issuer{
		TaxID:  cfg.IssuerTaxID,
		Name:   cfg.IssuerName,
		Series: cfg.DocumentSeries,
	}, policy.Stamping, cfg.StampingTimeout)

	importer, err := services.NewImporter(policy.Reconciliation)
	if err != nil {
		return handlers.Services{}, err
	}
	reconciler := services.NewReconciler(s, ledger, importer, policy.Reconciliation)
	if policy.Reconciliation.AutoStampOnPayment {
		reconciler.SetPostMatchPolicy(services.AutoStampPolicy{Ledger: ledger, Fiscal: fiscal})
		logrus.Info("auto-stamp on reconciled payment enabled")
	}

	return handlers.Services{Ledger: ledger, Fiscal: fiscal, Reconciler: reconciler}, nil
}

func newGateway(cfg *config.Config) utils.StampingGatewayInterface {
	if cfg.StampingSandbox {
		logrus.Warn("using sandbox stamping gateway; documents are not legally stamped")
		return utils.NewSandboxGateway()
	}
	return utils.NewStampingClient(cfg.StampingURL, cfg.StampingAPIKey)
}
