package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "draft"
	DocumentStamped   DocumentStatus = "stamped"
	DocumentCancelled DocumentStatus = "cancelled"
	DocumentError     DocumentStatus = "error"
)

// Valid reports whether s names a known document status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentDraft, DocumentStamped, DocumentCancelled, DocumentError:
		return true
	}
	return false
}

// FiscalDocument is the tax receipt bound to one charge. Amounts are a snapshot
// of the charge taken at creation and never follow later charge edits.
type FiscalDocument struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ChargeID       uint            `gorm:"not null;index" json:"chargeId"`
	Series         string          `gorm:"size:10;not null;uniqueIndex:ux_fiscal_documents_series_folio,priority:1" json:"series"`
	Folio          int             `gorm:"not null;uniqueIndex:ux_fiscal_documents_series_folio,priority:2" json:"folio"`
	IssuerTaxID    string          `gorm:"size:13;not null" json:"issuerTaxId"`
	RecipientTaxID string          `gorm:"size:13;not null" json:"recipientTaxId"`
	RecipientName  string          `gorm:"size:255;not null" json:"recipientName"`
	Concept        string          `gorm:"size:255;not null" json:"concept"`
	Subtotal       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	Discount       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"discount"`
	Tax            decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"tax"`
	Total          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	Status         DocumentStatus  `gorm:"size:20;not null;default:'draft';index" json:"status"`

	// Set only once stamped.
	StampUUID *string    `gorm:"size:36;uniqueIndex" json:"stampUuid,omitempty"`
	StampedAt *time.Time `json:"stampedAt,omitempty"`
	StampedBy string     `gorm:"size:64" json:"stampedBy,omitempty"`

	// Set only once cancelled.
	CancellationReason *string    `gorm:"type:text" json:"cancellationReason,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy        string     `gorm:"size:64" json:"cancelledBy,omitempty"`

	// Set only while in error.
	LastError *string `gorm:"type:text" json:"lastError,omitempty"`

	StampAttempts int        `gorm:"not null;default:0" json:"stampAttempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LeaseUntil    *time.Time `json:"-"`
	CreatedBy     string     `gorm:"size:64" json:"createdBy,omitempty"`
	Version       int        `gorm:"not null;default:0" json:"-"`
}

// TableName overrides the table name
func (FiscalDocument) TableName() string {
	return "fiscal_documents"
}

// Number is the printable document number, series plus zero padded folio.
func (d *FiscalDocument) Number() string {
	return fmt.Sprintf("%s-%06d", d.Series, d.Folio)
}

// Leased reports whether another caller currently holds the stamping lease.
func (d *FiscalDocument) Leased(now time.Time) bool {
	return d.LeaseUntil != nil && now.Before(*d.LeaseUntil)
}
