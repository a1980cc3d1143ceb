package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargePartial   ChargeStatus = "partial"
	ChargePaid      ChargeStatus = "paid"
	ChargeCancelled ChargeStatus = "cancelled"
	ChargeOverdue   ChargeStatus = "overdue"
)

// OutstandingStatuses are the statuses that still carry a balance to collect.
var OutstandingStatuses = []ChargeStatus{ChargePending, ChargePartial, ChargeOverdue}

// Charge is an amount owed by a student for a concept (tuition, enrollment, ...).
type Charge struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	StudentID      string          `gorm:"size:64;not null;index" json:"alumnoId"`
	Folio          string          `gorm:"size:40;not null;uniqueIndex" json:"folio"`
	Concept        string          `gorm:"size:255;not null" json:"concept"`
	Subtotal       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	Discount       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"discount"`
	Tax            decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"tax"`
	Total          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	DueDate        time.Time       `gorm:"not null;index" json:"dueDate"`
	Status         ChargeStatus    `gorm:"size:20;not null;default:'pending';index" json:"status"`
	AmountReceived decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amountReceived"`
	OverpaidAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"overpaidAmount"`
	Active         bool            `gorm:"not null;default:true" json:"active"`
	CreatedBy      string          `gorm:"size:64" json:"createdBy,omitempty"`
	Version        int             `gorm:"not null;default:0" json:"-"`
}

// TableName overrides the table name
func (Charge) TableName() string {
	return "charges"
}

// ComputeTotal applies total = subtotal - discount + tax.
func ComputeTotal(subtotal, discount, tax decimal.Decimal) decimal.Decimal {
	return subtotal.Sub(discount).Add(tax)
}

// Remaining is the balance still owed.
func (c *Charge) Remaining() decimal.Decimal {
	r := c.Total.Sub(c.AmountReceived)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// DeriveStatus computes the status from the amount received, the total and the
// due date. Cancelled is sticky.
func (c *Charge) DeriveStatus(now time.Time) ChargeStatus {
	if c.Status == ChargeCancelled {
		return ChargeCancelled
	}
	if c.AmountReceived.GreaterThanOrEqual(c.Total) {
		return ChargePaid
	}
	if PastDue(c.DueDate, now) {
		return ChargeOverdue
	}
	if c.AmountReceived.IsPositive() {
		return ChargePartial
	}
	return ChargePending
}

// IsOutstanding reports whether the charge can still receive payments.
func (c *Charge) IsOutstanding(now time.Time) bool {
	if !c.Active {
		return false
	}
	switch c.DeriveStatus(now) {
	case ChargePending, ChargePartial, ChargeOverdue:
		return true
	}
	return false
}

// PastDue compares calendar days: a charge due today is not overdue yet.
func PastDue(due, now time.Time) bool {
	dy, dm, dd := due.Date()
	ny, nm, nd := now.In(due.Location()).Date()
	dueDay := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return today.After(dueDay)
}
