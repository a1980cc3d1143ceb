package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
	MethodDebit    PaymentMethod = "debit"
	MethodCredit   PaymentMethod = "credit"
)

// Valid reports whether m is one of the accepted payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodDebit, MethodCredit:
		return true
	}
	return false
}

type VerificationStatus string

const (
	PaymentVerified VerificationStatus = "verified"
	PaymentPending  VerificationStatus = "pending"
	PaymentRejected VerificationStatus = "rejected"
)

// Payment is a credit applied to exactly one charge. Only verified payments
// count towards the charge's amount received.
type Payment struct {
	ID              uint               `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	ChargeID        uint               `gorm:"not null;index" json:"chargeId"`
	Amount          decimal.Decimal    `gorm:"type:decimal(12,2);not null" json:"amount"`
	Method          PaymentMethod      `gorm:"size:20;not null" json:"method"`
	ExternalRef     string             `gorm:"size:120;index" json:"externalRef,omitempty"`
	AppliedAt       time.Time          `gorm:"not null" json:"appliedAt"`
	Status          VerificationStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	BatchID         string             `gorm:"size:36;index" json:"batchId,omitempty"`
	AppliedBy       string             `gorm:"size:64" json:"appliedBy,omitempty"`
	VerifiedBy      string             `gorm:"size:64" json:"verifiedBy,omitempty"`
	RejectionReason string             `gorm:"type:text" json:"rejectionReason,omitempty"`
}

// TableName overrides the table name
func (Payment) TableName() string {
	return "payments"
}
