package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/store"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// PostMatchPolicy runs after a statement row has been committed as a payment.
// Failures are logged and never undo the payment.
type PostMatchPolicy interface {
	AfterMatch(ctx context.Context, actor Actor, chargeID uint) error
}

type NoopPostMatch struct{}

func (NoopPostMatch) AfterMatch(context.Context, Actor, uint) error { return nil }

// AutoStampPolicy stamps the draft document of a charge once it is fully paid.
type AutoStampPolicy struct {
	Ledger *ChargeLedger
	Fiscal *FiscalService
}

func (p AutoStampPolicy) AfterMatch(ctx context.Context, actor Actor, chargeID uint) error {
	charge, err := p.Ledger.GetCharge(ctx, chargeID)
	if err != nil {
		return err
	}
	if charge.Status != models.ChargePaid {
		return nil
	}
	doc, err := p.Fiscal.GetByCharge(ctx, chargeID)
	if KindOf(err) == KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Status != models.DocumentDraft {
		return nil
	}
	_, err = p.Fiscal.Stamp(ctx, actor, doc.ID, false)
	return err
}

// Summary is the outcome of one statement import.
type Summary struct {
	BatchID           string                   `json:"lote"`
	StudentID         string                   `json:"alumnoId"`
	FileName          string                   `json:"archivo,omitempty"`
	TotalTransactions int                      `json:"totalTransacciones"`
	Reconciled        int                      `json:"pagosReconciliados"`
	Errors            int                      `json:"errores"`
	ErrorDetails      []string                 `json:"detallesErrores"`
	Duplicates        int                      `json:"transaccionesDuplicadas"`
	Ambiguous         int                      `json:"coincidenciasAmbiguas"`
	Unmatched         int                      `json:"sinCoincidencia"`
	ParseErrors       int                      `json:"erroresLectura"`
	Cancelled         bool                     `json:"cancelado"`
	Rows              []models.BankTransaction `json:"movimientos"`
}

// Upload is one statement for ReconcileMany.
type Upload struct {
	StudentID string
	FileName  string
	Content   io.Reader
}

// Reconciler matches statement rows against a student's outstanding charges
// and records the matches through the ledger.
type Reconciler struct {
	store     store.Store
	ledger    *ChargeLedger
	importer  *Importer
	tolerance decimal.Decimal
	postMatch PostMatchPolicy
	payers    keyedMutex
	clock     func() time.Time
}

func NewReconciler(s store.Store, ledger *ChargeLedger, importer *Importer, policy config.ReconciliationPolicy) *Reconciler {
	return &Reconciler{
		store:     s,
		ledger:    ledger,
		importer:  importer,
		tolerance: decimal.New(policy.ToleranceMinorUnits, -2),
		postMatch: NoopPostMatch{},
		clock:     time.Now,
	}
}

func (r *Reconciler) SetPostMatchPolicy(p PostMatchPolicy) {
	if p == nil {
		p = NoopPostMatch{}
	}
	r.postMatch = p
}

func (r *Reconciler) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Reconcile imports one statement for a student. Rows are handled in file
// order; each matched row commits on its own, so a cancelled context stops
// the import without undoing what was already applied.
func (r *Reconciler) Reconcile(ctx context.Context, actor Actor, studentID, fileName string, content io.Reader) (*Summary, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, Invalid("invalid statement upload", map[string][]string{"alumnoId": {"is required"}})
	}

	parsed, err := r.importer.Parse(content, fileName)
	if err != nil {
		return nil, Invalid("invalid statement upload", map[string][]string{"file": {err.Error()}})
	}
	return r.ReconcileParsed(ctx, actor, studentID, fileName, parsed)
}

// ReconcileMany runs uploads concurrently. Uploads for the same student still
// run one after the other.
func (r *Reconciler) ReconcileMany(ctx context.Context, actor Actor, uploads []Upload) ([]*Summary, error) {
	summaries := make([]*Summary, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, u := range uploads {
		i, u := i, u
		g.Go(func() error {
			summary, err := r.Reconcile(gctx, actor, u.StudentID, u.FileName, u.Content)
			if err != nil {
				return fmt.Errorf("statement %s for %s: %w", u.FileName, u.StudentID, err)
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summaries, err
	}
	return summaries, nil
}

type diagnostic struct {
	row int
	msg string
}

func (r *Reconciler) ReconcileParsed(ctx context.Context, actor Actor, studentID, fileName string, parsed *ParsedStatement) (*Summary, error) {
	unlock := r.payers.Lock(studentID)
	defer unlock()

	summary := &Summary{
		BatchID:           uuid.NewString(),
		StudentID:         studentID,
		FileName:          fileName,
		TotalTransactions: parsed.Rows,
		ParseErrors:       len(parsed.Errors),
		Rows:              make([]models.BankTransaction, 0, len(parsed.Transactions)),
	}
	log := logrus.WithFields(logrus.Fields{"batch_id": summary.BatchID, "alumno_id": studentID, "actor": actor.String()})

	var diags []diagnostic
	for _, pe := range parsed.Errors {
		diags = append(diags, diagnostic{pe.Row, pe.String()})
		ReconciledRows.WithLabelValues("parse_error").Inc()
	}

	seen := make(map[string]bool)
	for _, tx := range parsed.Transactions {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		fp := Fingerprint(tx)
		var msg string
		if seen[fp] {
			tx.Outcome = models.OutcomeAlreadyProcessed
			msg = "repeats an earlier row of this statement"
		} else {
			seen[fp] = true
			var err error
			msg, err = r.processRow(ctx, actor, studentID, summary.BatchID, fp, &tx)
			if err != nil {
				if ctx.Err() != nil {
					summary.Cancelled = true
					break
				}
				log.WithError(err).WithField("row", tx.Row).Error("reconciliation aborted")
				return nil, Internal(err)
			}
		}

		switch tx.Outcome {
		case models.OutcomeMatched:
			summary.Reconciled++
		case models.OutcomeAmbiguous:
			summary.Ambiguous++
		case models.OutcomeUnmatched:
			summary.Unmatched++
		case models.OutcomeAlreadyProcessed:
			summary.Duplicates++
		}
		if msg != "" {
			diags = append(diags, diagnostic{tx.Row, fmt.Sprintf("row %d: %s", tx.Row, msg)})
		}
		ReconciledRows.WithLabelValues(string(tx.Outcome)).Inc()
		summary.Rows = append(summary.Rows, tx)

		if tx.Outcome == models.OutcomeMatched {
			if err := r.postMatch.AfterMatch(context.WithoutCancel(ctx), actor, *tx.ChargeID); err != nil {
				log.WithError(err).WithField("charge_id", *tx.ChargeID).Warn("post-match policy failed")
			}
		}
	}

	sort.SliceStable(diags, func(i, j int) bool { return diags[i].row < diags[j].row })
	summary.ErrorDetails = make([]string, 0, len(diags))
	for _, d := range diags {
		summary.ErrorDetails = append(summary.ErrorDetails, d.msg)
	}
	summary.Errors = summary.Unmatched + summary.Ambiguous + summary.ParseErrors

	if err := r.saveBatch(context.WithoutCancel(ctx), actor, summary); err != nil {
		log.WithError(err).Error("failed to persist import batch")
		return nil, Internal(err)
	}

	log.WithFields(logrus.Fields{
		"total":      summary.TotalTransactions,
		"reconciled": summary.Reconciled,
		"errors":     summary.Errors,
		"duplicates": summary.Duplicates,
		"cancelled":  summary.Cancelled,
	}).Info("statement reconciled")
	return summary, nil
}

var errAlreadyProcessed = errors.New("fingerprint already processed")

// processRow matches one transaction inside its own transaction. The
// fingerprint is recorded last so a previously seen row rolls back any
// payment made for it.
func (r *Reconciler) processRow(ctx context.Context, actor Actor, studentID, batchID, fp string, tx *models.BankTransaction) (string, error) {
	var msg string
	var payment *models.Payment
	var chargeID *uint
	var outcome models.MatchOutcome

	err := retryStale(func() error {
		payment, chargeID, msg = nil, nil, ""
		return r.store.Atomic(ctx, func(s store.Store) error {
			var err error
			outcome, chargeID, msg, err = r.match(ctx, s, studentID, tx)
			if err != nil {
				return err
			}

			if outcome == models.OutcomeMatched {
				payment, err = r.ledger.ApplyPaymentTx(ctx, s, actor, PaymentRequest{
					ChargeID:        *chargeID,
					Amount:          tx.Amount,
					Method:          models.MethodTransfer,
					ExternalRef:     fp,
					Status:          models.PaymentVerified,
					BatchID:         batchID,
					AppliedAt:       tx.Date,
					ExcessAllowance: r.tolerance,
				})
				var svcErr *Error
				if errors.As(err, &svcErr) && svcErr.Kind != KindInternal {
					outcome = models.OutcomeUnmatched
					msg = fmt.Sprintf("charge %d could not take the payment: %s", *chargeID, svcErr.Message)
					payment = nil
				} else if err != nil {
					return err
				}
			}

			inserted, err := s.RecordFingerprint(ctx, &models.ProcessedFingerprint{
				StudentID:   studentID,
				Fingerprint: fp,
				BatchID:     batchID,
				Outcome:     outcome,
			})
			if err != nil {
				return err
			}
			if !inserted {
				return errAlreadyProcessed
			}
			return nil
		})
	})

	switch {
	case errors.Is(err, errAlreadyProcessed):
		tx.Outcome = models.OutcomeAlreadyProcessed
		return "already processed in a previous statement", nil
	case err != nil:
		return "", err
	}

	tx.Outcome = outcome
	tx.ChargeID = chargeID
	if payment != nil {
		tx.PaymentID = &payment.ID
		PaymentsApplied.WithLabelValues(string(payment.Method), string(payment.Status)).Inc()
		logrus.WithFields(logrus.Fields{
			"batch_id":   batchID,
			"charge_id":  payment.ChargeID,
			"payment_id": payment.ID,
			"amount":     payment.Amount.StringFixed(2),
		}).Info("statement payment applied")
	}
	return msg, nil
}

// match picks the charge a transaction pays, if exactly one fits.
func (r *Reconciler) match(ctx context.Context, s store.Store, studentID string, tx *models.BankTransaction) (models.MatchOutcome, *uint, string, error) {
	if !tx.Amount.IsPositive() {
		return models.OutcomeUnmatched, nil, fmt.Sprintf("amount %s is not a credit", tx.Amount.StringFixed(2)), nil
	}

	charges, err := s.ListOutstanding(ctx, studentID)
	if err != nil {
		return "", nil, "", err
	}

	now := r.clock()
	var candidates []models.Charge
	for _, c := range charges {
		if !c.IsOutstanding(now) {
			continue
		}
		if c.Remaining().Sub(tx.Amount).Abs().LessThanOrEqual(r.tolerance) {
			candidates = append(candidates, c)
		}
	}

	if len(candidates) > 1 && tx.Reference != "" {
		var byFolio []models.Charge
		for _, c := range candidates {
			if FolioKey(c.Folio) == tx.Reference {
				byFolio = append(byFolio, c)
			}
		}
		if len(byFolio) == 1 {
			candidates = byFolio
		}
	}

	switch len(candidates) {
	case 0:
		msg := fmt.Sprintf("no outstanding charge with balance %s", tx.Amount.StringFixed(2))
		if tx.Reference != "" {
			msg += fmt.Sprintf(" (reference %s)", tx.Reference)
		}
		return models.OutcomeUnmatched, nil, msg, nil
	case 1:
		id := candidates[0].ID
		return models.OutcomeMatched, &id, "", nil
	default:
		folios := make([]string, len(candidates))
		for i, c := range candidates {
			folios[i] = c.Folio
		}
		return models.OutcomeAmbiguous, nil, fmt.Sprintf("%d outstanding charges with balance %s (%s); resolve manually",
			len(candidates), tx.Amount.StringFixed(2), strings.Join(folios, ", ")), nil
	}
}

func (r *Reconciler) saveBatch(ctx context.Context, actor Actor, summary *Summary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return r.store.CreateBatch(ctx, &models.ImportBatch{
		ID:        summary.BatchID,
		StudentID: summary.StudentID,
		FileName:  summary.FileName,
		Total:     summary.TotalTransactions,
		Matched:   summary.Reconciled,
		Errors:    summary.Errors,
		Cancelled: summary.Cancelled,
		Summary:   datatypes.JSON(raw),
		CreatedBy: actor.String(),
	})
}

// GetBatch returns the stored summary of a previous import.
func (r *Reconciler) GetBatch(ctx context.Context, id string) (*Summary, error) {
	batch, err := r.store.GetBatch(ctx, id)
	if err != nil {
		return nil, storeErr(err, "import batch", id)
	}
	var summary Summary
	if err := json.Unmarshal(batch.Summary, &summary); err != nil {
		return nil, Internal(err)
	}
	return &summary, nil
}

// Fingerprint identifies a statement row across uploads: date, amount and
// reference when there is a reference, otherwise the raw cells.
func Fingerprint(tx models.BankTransaction) string {
	var key string
	if tx.Reference != "" {
		key = strings.Join([]string{tx.Date.Format("2006-01-02"), tx.Amount.StringFixed(2), tx.Reference}, "|")
	} else {
		key = "raw|" + strings.Join(tx.Raw, "\x1f")
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
