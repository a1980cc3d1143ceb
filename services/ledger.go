package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/store"
)

// ChargeLedger is the only writer of charge balances.
type ChargeLedger struct {
	store  store.Store
	policy config.LedgerPolicy
	clock  func() time.Time
}

func NewChargeLedger(s store.Store, policy config.LedgerPolicy) *ChargeLedger {
	return &ChargeLedger{store: s, policy: policy, clock: time.Now}
}

// SetClock replaces the time source used for due date checks.
func (l *ChargeLedger) SetClock(clock func() time.Time) {
	l.clock = clock
}

type NewCharge struct {
	StudentID string          `json:"alumnoId"`
	Folio     string          `json:"folio"`
	Concept   string          `json:"concept"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Discount  decimal.Decimal `json:"discount"`
	Tax       decimal.Decimal `json:"tax"`
	DueDate   time.Time       `json:"dueDate"`
}

type PaymentRequest struct {
	ChargeID    uint
	Amount      decimal.Decimal
	Method      models.PaymentMethod
	ExternalRef string
	// Status defaults to verified. Pending payments do not credit the charge
	// until VerifyPayment.
	Status    models.VerificationStatus
	BatchID   string
	AppliedAt time.Time
	// ExcessAllowance accepts an overshoot up to this amount even when
	// overpayment is disabled.
	ExcessAllowance decimal.Decimal
}

func (l *ChargeLedger) CreateCharge(ctx context.Context, actor Actor, in NewCharge) (*models.Charge, error) {
	fields := fieldErrors{}
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.Folio = strings.ToUpper(strings.TrimSpace(in.Folio))
	in.Concept = cleanText(in.Concept)

	if in.StudentID == "" {
		fields.add("alumnoId", "is required")
	}
	if in.Folio == "" {
		fields.add("folio", "is required")
	}
	if in.Concept == "" {
		fields.add("concept", "is required")
	}
	if in.DueDate.IsZero() {
		fields.add("dueDate", "is required")
	}
	for name, v := range map[string]decimal.Decimal{"subtotal": in.Subtotal, "discount": in.Discount, "tax": in.Tax} {
		if v.IsNegative() {
			fields.add(name, "cannot be negative")
		}
		if !v.Equal(v.Round(2)) {
			fields.add(name, "must have at most two decimals")
		}
	}
	if in.Discount.GreaterThan(in.Subtotal) {
		fields.add("discount", "cannot exceed the subtotal")
	}
	total := models.ComputeTotal(in.Subtotal, in.Discount, in.Tax)
	if !total.IsPositive() {
		fields.add("total", "must be greater than zero")
	}
	if err := fields.err("invalid charge"); err != nil {
		return nil, err
	}

	charge := &models.Charge{
		StudentID:      in.StudentID,
		Folio:          in.Folio,
		Concept:        in.Concept,
		Subtotal:       in.Subtotal,
		Discount:       in.Discount,
		Tax:            in.Tax,
		Total:          total,
		DueDate:        in.DueDate,
		AmountReceived: decimal.Zero,
		OverpaidAmount: decimal.Zero,
		Active:         true,
		CreatedBy:      actor.String(),
	}
	charge.Status = charge.DeriveStatus(l.clock())

	if err := l.store.CreateCharge(ctx, charge); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, Invalid("invalid charge", map[string][]string{"folio": {"already exists"}})
		}
		return nil, Internal(err)
	}

	logrus.WithFields(logrus.Fields{"charge_id": charge.ID, "folio": charge.Folio, "actor": actor.String()}).Info("charge created")
	return charge, nil
}

// GetCharge returns the charge with its status derived as of now.
func (l *ChargeLedger) GetCharge(ctx context.Context, id uint) (*models.Charge, error) {
	charge, err := l.store.GetCharge(ctx, id)
	if err != nil {
		return nil, storeErr(err, "charge", id)
	}
	charge.Status = charge.DeriveStatus(l.clock())
	return charge, nil
}

// GetOutstanding lists what a student still owes, oldest due date first.
func (l *ChargeLedger) GetOutstanding(ctx context.Context, studentID string) ([]models.Charge, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, Invalid("invalid student", map[string][]string{"alumnoId": {"is required"}})
	}
	charges, err := l.store.ListOutstanding(ctx, studentID)
	if err != nil {
		return nil, Internal(err)
	}
	now := l.clock()
	outstanding := charges[:0]
	for _, c := range charges {
		c.Status = c.DeriveStatus(now)
		if c.IsOutstanding(now) {
			outstanding = append(outstanding, c)
		}
	}
	return outstanding, nil
}

func (l *ChargeLedger) ListPayments(ctx context.Context, chargeID uint) ([]models.Payment, error) {
	if _, err := l.store.GetCharge(ctx, chargeID); err != nil {
		return nil, storeErr(err, "charge", chargeID)
	}
	payments, err := l.store.ListPayments(ctx, chargeID)
	if err != nil {
		return nil, Internal(err)
	}
	return payments, nil
}

// ApplyPayment records a payment against a charge in one atomic unit.
func (l *ChargeLedger) ApplyPayment(ctx context.Context, actor Actor, req PaymentRequest) (*models.Payment, error) {
	var payment *models.Payment
	err := retryStale(func() error {
		return l.store.Atomic(ctx, func(tx store.Store) error {
			p, err := l.ApplyPaymentTx(ctx, tx, actor, req)
			payment = p
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	PaymentsApplied.WithLabelValues(string(payment.Method), string(payment.Status)).Inc()
	logrus.WithFields(logrus.Fields{
		"charge_id":  payment.ChargeID,
		"payment_id": payment.ID,
		"amount":     payment.Amount.StringFixed(2),
		"status":     payment.Status,
		"actor":      actor.String(),
	}).Info("payment applied")
	return payment, nil
}

// ApplyPaymentTx is ApplyPayment for callers that already own a transaction.
// It may return store.ErrStaleVersion, in which case the caller should retry
// the whole unit.
func (l *ChargeLedger) ApplyPaymentTx(ctx context.Context, tx store.Store, actor Actor, req PaymentRequest) (*models.Payment, error) {
	if req.Status == "" {
		req.Status = models.PaymentVerified
	}
	if err := validatePayment(req); err != nil {
		return nil, err
	}

	charge, err := tx.GetCharge(ctx, req.ChargeID)
	if err != nil {
		return nil, storeErr(err, "charge", req.ChargeID)
	}
	if err := l.checkPayable(charge); err != nil {
		return nil, err
	}

	if req.Status == models.PaymentVerified {
		if err := l.credit(ctx, tx, charge, req.Amount, req.ExcessAllowance); err != nil {
			return nil, err
		}
	}

	appliedAt := req.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = l.clock()
	}
	payment := &models.Payment{
		ChargeID:    charge.ID,
		Amount:      req.Amount,
		Method:      req.Method,
		ExternalRef: strings.TrimSpace(req.ExternalRef),
		AppliedAt:   appliedAt,
		Status:      req.Status,
		BatchID:     req.BatchID,
		AppliedBy:   actor.String(),
	}
	if req.Status == models.PaymentVerified {
		payment.VerifiedBy = actor.String()
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, Internal(err)
	}
	return payment, nil
}

// VerifyPayment credits a pending payment to its charge.
func (l *ChargeLedger) VerifyPayment(ctx context.Context, actor Actor, paymentID uint) (*models.Payment, error) {
	var payment *models.Payment
	err := retryStale(func() error {
		return l.store.Atomic(ctx, func(tx store.Store) error {
			p, err := tx.GetPayment(ctx, paymentID)
			if err != nil {
				return storeErr(err, "payment", paymentID)
			}
			if p.Status != models.PaymentPending {
				return Violation("payment %d is %s and cannot be verified", p.ID, p.Status)
			}

			charge, err := tx.GetCharge(ctx, p.ChargeID)
			if err != nil {
				return storeErr(err, "charge", p.ChargeID)
			}
			if err := l.checkPayable(charge); err != nil {
				return err
			}
			if err := l.credit(ctx, tx, charge, p.Amount, decimal.Zero); err != nil {
				return err
			}

			p.Status = models.PaymentVerified
			p.VerifiedBy = actor.String()
			if err := tx.UpdatePaymentStatus(ctx, p, models.PaymentPending); err != nil {
				return err
			}
			payment = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	PaymentsApplied.WithLabelValues(string(payment.Method), string(payment.Status)).Inc()
	logrus.WithFields(logrus.Fields{"payment_id": payment.ID, "charge_id": payment.ChargeID, "actor": actor.String()}).Info("payment verified")
	return payment, nil
}

// RejectPayment marks a pending payment as rejected. Verified payments are final.
func (l *ChargeLedger) RejectPayment(ctx context.Context, actor Actor, paymentID uint, reason string) (*models.Payment, error) {
	reason = cleanText(reason)
	if reason == "" {
		return nil, Invalid("invalid rejection", map[string][]string{"reason": {"is required"}})
	}

	p, err := l.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, storeErr(err, "payment", paymentID)
	}
	if p.Status != models.PaymentPending {
		return nil, Violation("payment %d is %s and cannot be rejected", p.ID, p.Status)
	}

	p.Status = models.PaymentRejected
	p.RejectionReason = reason
	p.VerifiedBy = actor.String()
	if err := l.store.UpdatePaymentStatus(ctx, p, models.PaymentPending); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			return nil, Violation("payment %d was processed concurrently", p.ID)
		}
		return nil, Internal(err)
	}

	logrus.WithFields(logrus.Fields{"payment_id": p.ID, "actor": actor.String()}).Info("payment rejected")
	return p, nil
}

// DeactivateCharge hides a charge from collection. Charges are never deleted.
func (l *ChargeLedger) DeactivateCharge(ctx context.Context, actor Actor, id uint) (*models.Charge, error) {
	return l.mutateCharge(ctx, actor, id, "charge deactivated", func(c *models.Charge) (bool, error) {
		if !c.Active {
			return false, nil
		}
		c.Active = false
		return true, nil
	})
}

// CancelCharge cancels a charge that has not received any money.
func (l *ChargeLedger) CancelCharge(ctx context.Context, actor Actor, id uint) (*models.Charge, error) {
	return l.mutateCharge(ctx, actor, id, "charge cancelled", func(c *models.Charge) (bool, error) {
		if c.Status == models.ChargeCancelled {
			return false, nil
		}
		if c.AmountReceived.IsPositive() {
			return false, Violation("charge %d already received %s and cannot be cancelled", c.ID, c.AmountReceived.StringFixed(2))
		}
		c.Status = models.ChargeCancelled
		return true, nil
	})
}

// RefreshOverdue persists the overdue status of past-due charges and returns
// how many were updated.
func (l *ChargeLedger) RefreshOverdue(ctx context.Context) (int, error) {
	charges, err := l.store.ListChargesByStatus(ctx, models.ChargePending, models.ChargePartial)
	if err != nil {
		return 0, Internal(err)
	}

	now := l.clock()
	updated := 0
	for i := range charges {
		c := &charges[i]
		if c.DeriveStatus(now) != models.ChargeOverdue {
			continue
		}
		c.Status = models.ChargeOverdue
		if err := l.store.UpdateCharge(ctx, c); err != nil {
			if errors.Is(err, store.ErrStaleVersion) {
				continue
			}
			return updated, Internal(err)
		}
		updated++
	}
	if updated > 0 {
		OverdueCharges.Add(float64(updated))
		logrus.WithField("count", updated).Info("charges marked overdue")
	}
	return updated, nil
}

func (l *ChargeLedger) mutateCharge(ctx context.Context, actor Actor, id uint, event string, mutate func(*models.Charge) (bool, error)) (*models.Charge, error) {
	var charge *models.Charge
	err := retryStale(func() error {
		c, err := l.store.GetCharge(ctx, id)
		if err != nil {
			return storeErr(err, "charge", id)
		}
		changed, err := mutate(c)
		if err != nil {
			return err
		}
		if changed {
			if err := l.store.UpdateCharge(ctx, c); err != nil {
				return storeErr(err, "charge", id)
			}
			logrus.WithFields(logrus.Fields{"charge_id": c.ID, "actor": actor.String()}).Info(event)
		}
		charge = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	charge.Status = charge.DeriveStatus(l.clock())
	return charge, nil
}

func (l *ChargeLedger) checkPayable(charge *models.Charge) error {
	if !charge.Active {
		return Violation("charge %d is inactive", charge.ID)
	}
	switch charge.DeriveStatus(l.clock()) {
	case models.ChargePaid:
		return Violation("charge %d is already paid", charge.ID)
	case models.ChargeCancelled:
		return Violation("charge %d is cancelled", charge.ID)
	}
	return nil
}

// credit adds amount to the charge without ever letting the amount received
// exceed the total. Any excess is kept apart as the overpaid amount.
func (l *ChargeLedger) credit(ctx context.Context, tx store.Store, charge *models.Charge, amount, allowance decimal.Decimal) error {
	remaining := charge.Remaining()
	applied := amount
	excess := decimal.Zero
	if amount.GreaterThan(remaining) {
		excess = amount.Sub(remaining)
		if !l.policy.AllowOverpayment && excess.GreaterThan(allowance) {
			return Violation("payment of %s exceeds the remaining balance of %s on charge %d",
				amount.StringFixed(2), remaining.StringFixed(2), charge.ID)
		}
		applied = remaining
	}

	charge.AmountReceived = charge.AmountReceived.Add(applied)
	charge.OverpaidAmount = charge.OverpaidAmount.Add(excess)
	charge.Status = charge.DeriveStatus(l.clock())
	return tx.UpdateCharge(ctx, charge)
}

func validatePayment(req PaymentRequest) error {
	fields := fieldErrors{}
	if req.ChargeID == 0 {
		fields.add("chargeId", "is required")
	}
	if !req.Amount.IsPositive() {
		fields.add("amount", "must be greater than zero")
	} else if !req.Amount.Equal(req.Amount.Round(2)) {
		fields.add("amount", "must have at most two decimals")
	}
	if !req.Method.Valid() {
		fields.add("method", "must be one of cash, transfer, debit, credit")
	}
	switch req.Status {
	case models.PaymentVerified, models.PaymentPending:
	default:
		fields.add("status", "must be verified or pending")
	}
	return fields.err("invalid payment")
}
