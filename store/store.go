// Package store holds the typed persistence boundary for charges, payments,
// fiscal documents and reconciliation bookkeeping.
package store

import (
	"context"
	"errors"

	"github.com/yourusername/school-billing/models"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrStaleVersion = errors.New("record was modified concurrently")
	ErrDuplicate    = errors.New("duplicate record")
)

type ChargeStore interface {
	CreateCharge(ctx context.Context, charge *models.Charge) error
	GetCharge(ctx context.Context, id uint) (*models.Charge, error)
	// ListOutstanding returns active charges in an outstanding status, oldest due date first.
	ListOutstanding(ctx context.Context, studentID string) ([]models.Charge, error)
	ListChargesByStatus(ctx context.Context, statuses ...models.ChargeStatus) ([]models.Charge, error)
	// UpdateCharge persists balance and status fields if the stored version
	// still matches charge.Version, then bumps it.
	UpdateCharge(ctx context.Context, charge *models.Charge) error
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uint) (*models.Payment, error)
	ListPayments(ctx context.Context, chargeID uint) ([]models.Payment, error)
	// UpdatePaymentStatus moves a payment out of the from status. It returns
	// ErrStaleVersion when the payment is no longer in that status.
	UpdatePaymentStatus(ctx context.Context, payment *models.Payment, from models.VerificationStatus) error
}

type FiscalDocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.FiscalDocument) error
	NextFolio(ctx context.Context, series string) (int, error)
	GetDocument(ctx context.Context, id uint) (*models.FiscalDocument, error)
	// GetActiveByCharge returns the charge's non-cancelled document.
	GetActiveByCharge(ctx context.Context, chargeID uint) (*models.FiscalDocument, error)
	// GetByCharge prefers the active document and falls back to the latest cancelled one.
	GetByCharge(ctx context.Context, chargeID uint) (*models.FiscalDocument, error)
	ListByStatus(ctx context.Context, status models.DocumentStatus) ([]models.FiscalDocument, error)
	UpdateDocument(ctx context.Context, doc *models.FiscalDocument) error
}

type FingerprintStore interface {
	// RecordFingerprint inserts fp unless the student already has it. The
	// boolean is false when the fingerprint was already recorded.
	RecordFingerprint(ctx context.Context, fp *models.ProcessedFingerprint) (bool, error)
}

type ImportBatchStore interface {
	CreateBatch(ctx context.Context, batch *models.ImportBatch) error
	GetBatch(ctx context.Context, id string) (*models.ImportBatch, error)
}

// Store aggregates every entity store. Atomic runs fn inside a single
// transaction; fn must use only the Store it receives.
type Store interface {
	ChargeStore
	PaymentStore
	FiscalDocumentStore
	FingerprintStore
	ImportBatchStore
	Atomic(ctx context.Context, fn func(Store) error) error
}
