package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/yourusername/school-billing/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Atomic(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) CreateCharge(ctx context.Context, charge *models.Charge) error {
	return translate(s.db.WithContext(ctx).Create(charge).Error)
}

func (s *GormStore) GetCharge(ctx context.Context, id uint) (*models.Charge, error) {
	var charge models.Charge
	if err := s.db.WithContext(ctx).First(&charge, id).Error; err != nil {
		return nil, translate(err)
	}
	return &charge, nil
}

func (s *GormStore) ListOutstanding(ctx context.Context, studentID string) ([]models.Charge, error) {
	var charges []models.Charge
	err := s.db.WithContext(ctx).
		Where("student_id = ? AND active = ? AND status IN ?", studentID, true, models.OutstandingStatuses).
		Order("due_date ASC, id ASC").
		Find(&charges).Error
	return charges, translate(err)
}

func (s *GormStore) ListChargesByStatus(ctx context.Context, statuses ...models.ChargeStatus) ([]models.Charge, error) {
	var charges []models.Charge
	err := s.db.WithContext(ctx).
		Where("active = ? AND status IN ?", true, statuses).
		Order("id ASC").
		Find(&charges).Error
	return charges, translate(err)
}

func (s *GormStore) UpdateCharge(ctx context.Context, charge *models.Charge) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Charge{}).
		Where("id = ? AND version = ?", charge.ID, charge.Version).
		Updates(map[string]interface{}{
			"status":          charge.Status,
			"amount_received": charge.AmountReceived,
			"overpaid_amount": charge.OverpaidAmount,
			"active":          charge.Active,
			"version":         charge.Version + 1,
			"updated_at":      now,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	charge.Version++
	charge.UpdatedAt = now
	return nil
}

func (s *GormStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return translate(s.db.WithContext(ctx).Create(payment).Error)
}

func (s *GormStore) GetPayment(ctx context.Context, id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, id).Error; err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (s *GormStore) ListPayments(ctx context.Context, chargeID uint) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("charge_id = ?", chargeID).
		Order("applied_at ASC, id ASC").
		Find(&payments).Error
	return payments, translate(err)
}

func (s *GormStore) UpdatePaymentStatus(ctx context.Context, payment *models.Payment, from models.VerificationStatus) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, from).
		Updates(map[string]interface{}{
			"status":           payment.Status,
			"applied_at":       payment.AppliedAt,
			"verified_by":      payment.VerifiedBy,
			"rejection_reason": payment.RejectionReason,
			"updated_at":       now,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	payment.UpdatedAt = now
	return nil
}

func (s *GormStore) CreateDocument(ctx context.Context, doc *models.FiscalDocument) error {
	return translate(s.db.WithContext(ctx).Create(doc).Error)
}

func (s *GormStore) NextFolio(ctx context.Context, series string) (int, error) {
	var last int
	err := s.db.WithContext(ctx).Model(&models.FiscalDocument{}).
		Select("COALESCE(MAX(folio), 0)").
		Where("series = ?", series).
		Scan(&last).Error
	if err != nil {
		return 0, translate(err)
	}
	return last + 1, nil
}

func (s *GormStore) GetDocument(ctx context.Context, id uint) (*models.FiscalDocument, error) {
	var doc models.FiscalDocument
	if err := s.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

func (s *GormStore) GetActiveByCharge(ctx context.Context, chargeID uint) (*models.FiscalDocument, error) {
	var doc models.FiscalDocument
	err := s.db.WithContext(ctx).
		Where("charge_id = ? AND status <> ?", chargeID, models.DocumentCancelled).
		First(&doc).Error
	if err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

func (s *GormStore) GetByCharge(ctx context.Context, chargeID uint) (*models.FiscalDocument, error) {
	doc, err := s.GetActiveByCharge(ctx, chargeID)
	if !errors.Is(err, ErrNotFound) {
		return doc, err
	}

	var latest models.FiscalDocument
	err = s.db.WithContext(ctx).
		Where("charge_id = ?", chargeID).
		Order("id DESC").
		First(&latest).Error
	if err != nil {
		return nil, translate(err)
	}
	return &latest, nil
}

func (s *GormStore) ListByStatus(ctx context.Context, status models.DocumentStatus) ([]models.FiscalDocument, error) {
	var docs []models.FiscalDocument
	q := s.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&docs).Error
	return docs, translate(err)
}

func (s *GormStore) UpdateDocument(ctx context.Context, doc *models.FiscalDocument) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.FiscalDocument{}).
		Where("id = ? AND version = ?", doc.ID, doc.Version).
		Updates(map[string]interface{}{
			"status":              doc.Status,
			"stamp_uuid":          doc.StampUUID,
			"stamped_at":          doc.StampedAt,
			"stamped_by":          doc.StampedBy,
			"cancellation_reason": doc.CancellationReason,
			"cancelled_at":        doc.CancelledAt,
			"cancelled_by":        doc.CancelledBy,
			"last_error":          doc.LastError,
			"stamp_attempts":      doc.StampAttempts,
			"last_attempt_at":     doc.LastAttemptAt,
			"lease_until":         doc.LeaseUntil,
			"version":             doc.Version + 1,
			"updated_at":          now,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	doc.Version++
	doc.UpdatedAt = now
	return nil
}

func (s *GormStore) RecordFingerprint(ctx context.Context, fp *models.ProcessedFingerprint) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fp)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CreateBatch(ctx context.Context, batch *models.ImportBatch) error {
	return translate(s.db.WithContext(ctx).Create(batch).Error)
}

func (s *GormStore) GetBatch(ctx context.Context, id string) (*models.ImportBatch, error) {
	var batch models.ImportBatch
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error; err != nil {
		return nil, translate(err)
	}
	return &batch, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return ErrDuplicate
	}
	return err
}

// Drivers without TranslateError still surface the raw constraint message.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
