package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Policy holds the business knobs that operators tune without a redeploy.
type Policy struct {
	Ledger         LedgerPolicy         `toml:"ledger"`
	Stamping       StampingPolicy       `toml:"stamping"`
	Reconciliation ReconciliationPolicy `toml:"reconciliation"`
}

type LedgerPolicy struct {
	AllowOverpayment bool   `toml:"allow_overpayment"`
	SweepInterval    string `toml:"overdue_sweep_interval"`
}

type StampingPolicy struct {
	MaxAttempts int `toml:"max_attempts"`
}

type ReconciliationPolicy struct {
	ToleranceMinorUnits int64    `toml:"tolerance_minor_units"`
	FolioPattern        string   `toml:"folio_pattern"`
	DateLayouts         []string `toml:"date_layouts"`
	DecimalSeparator    string   `toml:"decimal_separator"`
	AutoStampOnPayment  bool     `toml:"auto_stamp_on_payment"`
	// Columns overrides header keyword detection for banks with unusual headers.
	Columns ColumnMapping `toml:"columns"`
}

// ColumnMapping names statement header cells, compared case-insensitively.
// Amount or Credit must be set together with Date for the mapping to apply.
type ColumnMapping struct {
	Date        string   `toml:"date"`
	Amount      string   `toml:"amount"`
	Credit      string   `toml:"credit"`
	Debit       string   `toml:"debit"`
	Description []string `toml:"description"`
}

func (m ColumnMapping) IsZero() bool {
	return m.Date == "" && m.Amount == "" && m.Credit == "" && m.Debit == "" && len(m.Description) == 0
}

// Day-first layouts come before ISO ones; local banks print dd/mm/yyyy.
var defaultDateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006-01-02",
	"2006/01/02",
	"02/01/06",
}

func DefaultPolicy() Policy {
	return Policy{
		Ledger: LedgerPolicy{
			SweepInterval: "1h",
		},
		Stamping: StampingPolicy{
			MaxAttempts: 5,
		},
		Reconciliation: ReconciliationPolicy{
			FolioPattern: `^[A-Z]{0,4}[0-9]{4,}$`,
			DateLayouts:  append([]string(nil), defaultDateLayouts...),
		},
	}
}

// LoadPolicy reads a TOML policy file on top of the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return p, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return p, fmt.Errorf("unknown policy keys: %s", strings.Join(keys, ", "))
	}
	if len(p.Reconciliation.DateLayouts) == 0 {
		p.Reconciliation.DateLayouts = append([]string(nil), defaultDateLayouts...)
	}

	return p, p.Validate()
}

func (p Policy) Validate() error {
	if p.Stamping.MaxAttempts < 1 {
		return fmt.Errorf("stamping.max_attempts must be at least 1")
	}
	if p.Reconciliation.ToleranceMinorUnits < 0 {
		return fmt.Errorf("reconciliation.tolerance_minor_units cannot be negative")
	}
	if _, err := regexp.Compile(p.Reconciliation.FolioPattern); err != nil {
		return fmt.Errorf("reconciliation.folio_pattern: %w", err)
	}
	switch p.Reconciliation.DecimalSeparator {
	case "", ".", ",":
	default:
		return fmt.Errorf("reconciliation.decimal_separator must be \".\" or \",\"")
	}
	if cols := p.Reconciliation.Columns; !cols.IsZero() && (cols.Date == "" || (cols.Amount == "" && cols.Credit == "")) {
		return fmt.Errorf("reconciliation.columns needs date and either amount or credit")
	}
	if _, err := p.Ledger.Interval(); err != nil {
		return err
	}
	return nil
}

// Interval is the overdue sweep period; zero disables the sweeper.
func (l LedgerPolicy) Interval() (time.Duration, error) {
	if l.SweepInterval == "" || l.SweepInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(l.SweepInterval)
	if err != nil {
		return 0, fmt.Errorf("ledger.overdue_sweep_interval: %w", err)
	}
	return d, nil
}
