package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type MatchOutcome string

const (
	OutcomeMatched          MatchOutcome = "matched"
	OutcomeUnmatched        MatchOutcome = "unmatched"
	OutcomeAmbiguous        MatchOutcome = "ambiguous_match"
	OutcomeAlreadyProcessed MatchOutcome = "already_processed"
)

// BankTransaction is one normalized row of an uploaded statement. It lives for
// the duration of an import only.
type BankTransaction struct {
	Row            int             `json:"row"`
	RawDate        string          `json:"rawDate"`
	RawAmount      string          `json:"rawAmount"`
	RawDescription string          `json:"rawDescription"`
	Raw            []string        `json:"-"`
	Date           time.Time       `json:"date"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference,omitempty"`
	Outcome        MatchOutcome    `json:"outcome,omitempty"`
	ChargeID       *uint           `json:"chargeId,omitempty"`
	PaymentID      *uint           `json:"paymentId,omitempty"`
}

// ProcessedFingerprint remembers a statement row already reconciled for a
// student so that re-uploads do not credit twice.
type ProcessedFingerprint struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time    `json:"createdAt"`
	StudentID   string       `gorm:"size:64;not null;uniqueIndex:ux_fingerprints_student_fp,priority:1" json:"alumnoId"`
	Fingerprint string       `gorm:"size:64;not null;uniqueIndex:ux_fingerprints_student_fp,priority:2" json:"fingerprint"`
	BatchID     string       `gorm:"size:36;index" json:"batchId"`
	Outcome     MatchOutcome `gorm:"size:30;not null" json:"outcome"`
	PaymentID   *uint        `json:"paymentId,omitempty"`
}

// TableName overrides the table name
func (ProcessedFingerprint) TableName() string {
	return "processed_fingerprints"
}

// ImportBatch is the persisted summary of one statement upload.
type ImportBatch struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	StudentID string         `gorm:"size:64;not null;index" json:"alumnoId"`
	FileName  string         `gorm:"size:255" json:"fileName"`
	Total     int            `gorm:"not null;default:0" json:"totalTransacciones"`
	Matched   int            `gorm:"not null;default:0" json:"pagosReconciliados"`
	Errors    int            `gorm:"not null;default:0" json:"errores"`
	Cancelled bool           `gorm:"not null;default:false" json:"cancelado"`
	Summary   datatypes.JSON `json:"summary"`
	CreatedBy string         `gorm:"size:64" json:"createdBy,omitempty"`
}

// TableName overrides the table name
func (ImportBatch) TableName() string {
	return "import_batches"
}
