package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/store"
	"github.com/yourusername/school-billing/utils"
	"golang.org/x/sync/singleflight"
)

// RFC shape: 3 letters for companies or 4 for persons, birth or incorporation
// date, 3 character homoclave.
var taxIDPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

const folioRetries = 3

// Issuer is the school data printed on every document.
type Issuer struct {
	TaxID  string
	Name   string
	Series string
}

type NewDocument struct {
	ChargeID       uint   `json:"chargeId"`
	RecipientTaxID string `json:"recipientTaxId"`
	RecipientName  string `json:"recipientName"`
}

// FiscalService drives fiscal documents through draft, stamped, cancelled and
// error. Calls to the stamping authority happen outside of any transaction.
type FiscalService struct {
	store   store.Store
	gateway utils.StampingGatewayInterface
	issuer  Issuer
	policy  config.StampingPolicy
	timeout time.Duration
	clock   func() time.Time
	flights singleflight.Group
}

func NewFiscalService(s store.Store, gateway utils.StampingGatewayInterface, issuer Issuer, policy config.StampingPolicy, timeout time.Duration) *FiscalService {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &FiscalService{
		store:   s,
		gateway: gateway,
		issuer:  issuer,
		policy:  policy,
		timeout: timeout,
		clock:   time.Now,
	}
}

func (f *FiscalService) SetClock(clock func() time.Time) {
	f.clock = clock
}

// leaseTTL covers one gateway round trip plus the bookkeeping around it.
func (f *FiscalService) leaseTTL() time.Duration {
	return f.timeout + 30*time.Second
}

// Create opens a draft document for a charge, freezing its amounts.
func (f *FiscalService) Create(ctx context.Context, actor Actor, in NewDocument) (*models.FiscalDocument, error) {
	in.RecipientTaxID = strings.ToUpper(strings.TrimSpace(in.RecipientTaxID))
	in.RecipientName = cleanText(in.RecipientName)

	fields := fieldErrors{}
	if in.ChargeID == 0 {
		fields.add("chargeId", "is required")
	}
	if !taxIDPattern.MatchString(in.RecipientTaxID) {
		fields.add("recipientTaxId", "must be a valid RFC")
	}
	if in.RecipientName == "" {
		fields.add("recipientName", "is required")
	} else if len(in.RecipientName) > 255 {
		fields.add("recipientName", "must be at most 255 characters")
	}
	if err := fields.err("invalid fiscal document"); err != nil {
		return nil, err
	}

	var doc *models.FiscalDocument
	var err error
	for attempt := 0; attempt < folioRetries; attempt++ {
		doc, err = f.createOnce(ctx, actor, in)
		if !errors.Is(err, store.ErrDuplicate) {
			break
		}
	}
	if errors.Is(err, store.ErrDuplicate) {
		return nil, Violation("could not allocate a folio for charge %d, try again", in.ChargeID)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"number":      doc.Number(),
		"charge_id":   doc.ChargeID,
		"actor":       actor.String(),
	}).Info("fiscal document created")
	return doc, nil
}

func (f *FiscalService) createOnce(ctx context.Context, actor Actor, in NewDocument) (*models.FiscalDocument, error) {
	var doc *models.FiscalDocument
	err := f.store.Atomic(ctx, func(tx store.Store) error {
		charge, err := tx.GetCharge(ctx, in.ChargeID)
		if err != nil {
			return storeErr(err, "charge", in.ChargeID)
		}
		if charge.Status == models.ChargeCancelled || !charge.Active {
			return Invalid("invalid fiscal document", map[string][]string{
				"chargeId": {fmt.Sprintf("charge %d is cancelled", charge.ID)},
			})
		}

		existing, err := tx.GetActiveByCharge(ctx, charge.ID)
		switch {
		case err == nil:
			return Invalid("invalid fiscal document", map[string][]string{
				"chargeId": {fmt.Sprintf("charge %d already has active document %s", charge.ID, existing.Number())},
			})
		case !errors.Is(err, store.ErrNotFound):
			return Internal(err)
		}

		folio, err := tx.NextFolio(ctx, f.issuer.Series)
		if err != nil {
			return Internal(err)
		}

		doc = &models.FiscalDocument{
			ChargeID:       charge.ID,
			Series:         f.issuer.Series,
			Folio:          folio,
			IssuerTaxID:    f.issuer.TaxID,
			RecipientTaxID: in.RecipientTaxID,
			RecipientName:  in.RecipientName,
			Concept:        charge.Concept,
			Subtotal:       charge.Subtotal,
			Discount:       charge.Discount,
			Tax:            charge.Tax,
			Total:          charge.Total,
			Status:         models.DocumentDraft,
			CreatedBy:      actor.String(),
		}
		if err := tx.CreateDocument(ctx, doc); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return err
			}
			return Internal(err)
		}
		return nil
	})
	return doc, err
}

func (f *FiscalService) Get(ctx context.Context, id uint) (*models.FiscalDocument, error) {
	doc, err := f.store.GetDocument(ctx, id)
	if err != nil {
		return nil, storeErr(err, "fiscal document", id)
	}
	return doc, nil
}

func (f *FiscalService) GetByCharge(ctx context.Context, chargeID uint) (*models.FiscalDocument, error) {
	doc, err := f.store.GetByCharge(ctx, chargeID)
	if err != nil {
		return nil, storeErr(err, "fiscal document for charge", chargeID)
	}
	return doc, nil
}

// ListByStatus lists documents in status, or all of them when status is empty.
func (f *FiscalService) ListByStatus(ctx context.Context, status models.DocumentStatus) ([]models.FiscalDocument, error) {
	if status != "" && !status.Valid() {
		return nil, Invalid("invalid status filter", map[string][]string{
			"status": {"must be one of draft, stamped, cancelled, error"},
		})
	}
	docs, err := f.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, Internal(err)
	}
	return docs, nil
}

// Stamp seals a draft (or retries an errored) document with the stamping
// authority. Stamping a stamped document without force returns it unchanged.
// When the authority fails the document is returned in error together with a
// gateway error.
func (f *FiscalService) Stamp(ctx context.Context, actor Actor, id uint, force bool) (*models.FiscalDocument, error) {
	// A stamp in flight outlives the request that started it.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := f.flights.Do(fmt.Sprintf("stamp:%d:%t", id, force), func() (interface{}, error) {
		return f.stamp(flightCtx, actor, id, force)
	})
	doc, _ := v.(*models.FiscalDocument)
	return copyDocument(doc), err
}

func (f *FiscalService) stamp(ctx context.Context, actor Actor, id uint, force bool) (*models.FiscalDocument, error) {
	doc, err := f.store.GetDocument(ctx, id)
	if err != nil {
		return nil, storeErr(err, "fiscal document", id)
	}

	switch doc.Status {
	case models.DocumentStamped:
		if force {
			StampOperations.WithLabelValues("rejected").Inc()
			return nil, Violation("document %s is already stamped; force only applies to drafts and errored documents", doc.Number())
		}
		StampOperations.WithLabelValues("already_stamped").Inc()
		return doc, nil
	case models.DocumentCancelled:
		StampOperations.WithLabelValues("rejected").Inc()
		return nil, Violation("document %s is cancelled and cannot be stamped", doc.Number())
	case models.DocumentError:
		if !force && doc.StampAttempts >= f.policy.MaxAttempts {
			StampOperations.WithLabelValues("rejected").Inc()
			return nil, Violation("document %s exhausted %d stamping attempts; retry with force", doc.Number(), doc.StampAttempts)
		}
	}

	now := f.clock()
	if doc.Leased(now) {
		return nil, Violation("stamping of document %s is already in progress", doc.Number())
	}

	// Claim: an errored document goes back to draft while the call is in flight.
	lease := now.Add(f.leaseTTL())
	doc.Status = models.DocumentDraft
	doc.LastError = nil
	doc.LeaseUntil = &lease
	doc.StampAttempts++
	doc.LastAttemptAt = &now
	if err := f.store.UpdateDocument(ctx, doc); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			return f.afterLostClaim(ctx, id)
		}
		return nil, Internal(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	started := time.Now()
	result, gwErr := f.gateway.Issue(callCtx, f.snapshot(doc))
	cancel()
	GatewayLatency.WithLabelValues("issue").Observe(time.Since(started).Seconds())

	log := logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"number":      doc.Number(),
		"attempt":     doc.StampAttempts,
		"actor":       actor.String(),
	})

	doc.LeaseUntil = nil
	if gwErr != nil {
		failure := GatewayFailure(gwErr)
		msg := failure.Message
		doc.Status = models.DocumentError
		doc.LastError = &msg
		if err := f.store.UpdateDocument(ctx, doc); err != nil {
			log.WithError(err).Error("failed to record stamping error")
			return nil, Internal(err)
		}
		StampOperations.WithLabelValues("gateway_error").Inc()
		log.WithError(gwErr).Warn("stamping failed")
		return doc, failure
	}

	stampUUID := result.UUID
	stampedAt := result.StampedAt
	doc.Status = models.DocumentStamped
	doc.StampUUID = &stampUUID
	doc.StampedAt = &stampedAt
	doc.StampedBy = actor.String()
	if err := f.store.UpdateDocument(ctx, doc); err != nil {
		// The authority keyed the stamp on the document id, so a retry gets the same uuid back.
		log.WithError(err).WithField("stamp_uuid", stampUUID).Error("document stamped but not persisted")
		return nil, Internal(err)
	}

	StampOperations.WithLabelValues("stamped").Inc()
	log.WithField("stamp_uuid", stampUUID).Info("fiscal document stamped")
	return doc, nil
}

// afterLostClaim reports what another process did to the document after it
// won the claim.
func (f *FiscalService) afterLostClaim(ctx context.Context, id uint) (*models.FiscalDocument, error) {
	doc, err := f.store.GetDocument(ctx, id)
	if err != nil {
		return nil, storeErr(err, "fiscal document", id)
	}
	if doc.Status == models.DocumentStamped {
		StampOperations.WithLabelValues("already_stamped").Inc()
		return doc, nil
	}
	return nil, Violation("stamping of document %s is already in progress", doc.Number())
}

// Cancel voids a stamped document. Repeating a cancellation with the same
// reason returns the cancelled document without calling the authority again.
func (f *FiscalService) Cancel(ctx context.Context, actor Actor, id uint, reason string) (*models.FiscalDocument, error) {
	reason = cleanText(reason)
	if reason == "" {
		return nil, Invalid("invalid cancellation", map[string][]string{"reason": {"is required"}})
	}

	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := f.flights.Do(fmt.Sprintf("cancel:%d:%s", id, reason), func() (interface{}, error) {
		return f.cancel(flightCtx, actor, id, reason)
	})
	doc, _ := v.(*models.FiscalDocument)
	return copyDocument(doc), err
}

func (f *FiscalService) cancel(ctx context.Context, actor Actor, id uint, reason string) (*models.FiscalDocument, error) {
	doc, err := f.store.GetDocument(ctx, id)
	if err != nil {
		return nil, storeErr(err, "fiscal document", id)
	}

	switch doc.Status {
	case models.DocumentCancelled:
		if doc.CancellationReason != nil && *doc.CancellationReason == reason {
			CancelOperations.WithLabelValues("already_cancelled").Inc()
			return doc, nil
		}
		CancelOperations.WithLabelValues("rejected").Inc()
		return nil, Violation("document %s is already cancelled with a different reason", doc.Number())
	case models.DocumentDraft, models.DocumentError:
		CancelOperations.WithLabelValues("rejected").Inc()
		return nil, Violation("document %s is %s; only stamped documents can be cancelled", doc.Number(), doc.Status)
	}

	now := f.clock()
	if doc.Leased(now) {
		return nil, Violation("cancellation of document %s is already in progress", doc.Number())
	}
	lease := now.Add(f.leaseTTL())
	doc.LeaseUntil = &lease
	if err := f.store.UpdateDocument(ctx, doc); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			return f.afterLostCancel(ctx, id, reason)
		}
		return nil, Internal(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	started := time.Now()
	result, gwErr := f.gateway.Cancel(callCtx, *doc.StampUUID, reason)
	cancel()
	GatewayLatency.WithLabelValues("cancel").Observe(time.Since(started).Seconds())

	log := logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"number":      doc.Number(),
		"actor":       actor.String(),
	})

	doc.LeaseUntil = nil
	if gwErr != nil {
		if err := f.store.UpdateDocument(ctx, doc); err != nil {
			log.WithError(err).Error("failed to release cancellation lease")
		}
		CancelOperations.WithLabelValues("gateway_error").Inc()
		log.WithError(gwErr).Warn("cancellation rejected")
		return doc, GatewayFailure(gwErr)
	}

	cancelledAt := result.CancelledAt
	doc.Status = models.DocumentCancelled
	doc.CancellationReason = &reason
	doc.CancelledAt = &cancelledAt
	doc.CancelledBy = actor.String()
	if err := f.store.UpdateDocument(ctx, doc); err != nil {
		log.WithError(err).Error("document cancelled but not persisted")
		return nil, Internal(err)
	}

	CancelOperations.WithLabelValues("cancelled").Inc()
	log.WithField("reason", reason).Info("fiscal document cancelled")
	return doc, nil
}

func (f *FiscalService) afterLostCancel(ctx context.Context, id uint, reason string) (*models.FiscalDocument, error) {
	doc, err := f.store.GetDocument(ctx, id)
	if err != nil {
		return nil, storeErr(err, "fiscal document", id)
	}
	if doc.Status == models.DocumentCancelled && doc.CancellationReason != nil && *doc.CancellationReason == reason {
		return doc, nil
	}
	return nil, Violation("cancellation of document %s is already in progress", doc.Number())
}

func (f *FiscalService) snapshot(doc *models.FiscalDocument) utils.DocumentSnapshot {
	return utils.DocumentSnapshot{
		IdempotencyKey: fmt.Sprintf("%d", doc.ID),
		Series:         doc.Series,
		Folio:          doc.Folio,
		IssuerTaxID:    doc.IssuerTaxID,
		IssuerName:     f.issuer.Name,
		RecipientTaxID: doc.RecipientTaxID,
		RecipientName:  doc.RecipientName,
		Concept:        doc.Concept,
		Subtotal:       doc.Subtotal,
		Discount:       doc.Discount,
		Tax:            doc.Tax,
		Total:          doc.Total,
		IssuedAt:       doc.CreatedAt,
	}
}

// Callers sharing a flight each get their own copy.
func copyDocument(doc *models.FiscalDocument) *models.FiscalDocument {
	if doc == nil {
		return nil
	}
	c := *doc
	return &c
}
