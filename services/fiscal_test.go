package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/utils"
)

func draftFor(t *testing.T, f *FiscalService, chargeID uint) *models.FiscalDocument {
	t.Helper()
	doc, err := f.Create(context.Background(), testActor, NewDocument{
		ChargeID:       chargeID,
		RecipientTaxID: "GOMJ800101AB1",
		RecipientName:  "Juana Gómez",
	})
	require.NoError(t, err)
	return doc
}

func TestCreateDocument(t *testing.T) {
	db, s := setupStore(t)
	ledger := newLedger(s, false)
	fiscal := newFiscal(s, &MockStampingGateway{}, 3, time.Second)
	ctx := context.Background()
	charge := createCharge(t, ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 1, 0))

	t.Run("Invalid input", func(t *testing.T) {
		_, err := fiscal.Create(ctx, testActor, NewDocument{RecipientTaxID: "123", RecipientName: "<script></script>"})
		var svcErr *Error
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
		assert.Contains(t, svcErr.Fields, "chargeId")
		assert.Contains(t, svcErr.Fields, "recipientTaxId")
		assert.Contains(t, svcErr.Fields, "recipientName")
	})

	t.Run("Charge not found", func(t *testing.T) {
		_, err := fiscal.Create(ctx, testActor, NewDocument{ChargeID: 999, RecipientTaxID: "GOMJ800101AB1", RecipientName: "Juana"})
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	doc := draftFor(t, fiscal, charge.ID)
	assert.Equal(t, models.DocumentDraft, doc.Status)
	assert.Equal(t, "A-000001", doc.Number())
	assert.Equal(t, "ESC970101AB1", doc.IssuerTaxID)
	assert.True(t, charge.Total.Equal(doc.Total))
	assert.Nil(t, doc.StampUUID)
	assert.Equal(t, "7", doc.CreatedBy)

	t.Run("One active document per charge", func(t *testing.T) {
		_, err := fiscal.Create(ctx, testActor, NewDocument{ChargeID: charge.ID, RecipientTaxID: "GOMJ800101AB1", RecipientName: "Juana"})
		var svcErr *Error
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
		assert.Contains(t, svcErr.Fields, "chargeId")
	})

	t.Run("Amounts are frozen", func(t *testing.T) {
		require.NoError(t, db.Model(&models.Charge{}).Where("id = ?", charge.ID).Update("total", "5000").Error)
		stored, err := fiscal.Get(ctx, doc.ID)
		require.NoError(t, err)
		assert.True(t, dec("1000").Equal(stored.Total))
	})

	t.Run("Cancelled charge", func(t *testing.T) {
		other := createCharge(t, ledger, "A-1", "COL0002", 300, testNow.AddDate(0, 1, 0))
		_, err := ledger.CancelCharge(ctx, testActor, other.ID)
		require.NoError(t, err)
		_, err = fiscal.Create(ctx, testActor, NewDocument{ChargeID: other.ID, RecipientTaxID: "GOMJ800101AB1", RecipientName: "Juana"})
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("Folios are sequential", func(t *testing.T) {
		other := createCharge(t, ledger, "A-1", "COL0003", 300, testNow.AddDate(0, 1, 0))
		next := draftFor(t, fiscal, other.ID)
		assert.Equal(t, 2, next.Folio)
	})
}

func TestStampIsIdempotent(t *testing.T) {
	_, s := setupStore(t)
	ledger := newLedger(s, false)
	gw := &MockStampingGateway{}
	fiscal := newFiscal(s, gw, 3, time.Second)
	ctx := context.Background()
	doc := draftFor(t, fiscal, createCharge(t, ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 1, 0)).ID)

	first, err := fiscal.Stamp(ctx, testActor, doc.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStamped, first.Status)
	require.NotNil(t, first.StampUUID)
	assert.Equal(t, "7", first.StampedBy)
	assert.Equal(t, 1, first.StampAttempts)

	second, err := fiscal.Stamp(ctx, testActor, doc.ID, false)
	require.NoError(t, err)
	assert.Equal(t, *first.StampUUID, *second.StampUUID)
	assert.Equal(t, 1, gw.IssueCalls())

	_, err = fiscal.Stamp(ctx, testActor, doc.ID, true)
	assert.Equal(t, KindBusinessRule, KindOf(err))
	assert.Equal(t, 1, gw.IssueCalls())

	stamped, err := fiscal.ListByStatus(ctx, models.DocumentStamped)
	require.NoError(t, err)
	assert.Len(t, stamped, 1)

	_, err = fiscal.ListByStatus(ctx, "archived")
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = fiscal.Stamp(ctx, testActor, 999, false)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestConcurrentStampCallsGatewayOnce(t *testing.T) {
	_, s := setupStore(t)
	ledger := newLedger(s, false)
	release := make(chan struct{})
	gw := &MockStampingGateway{
		IssueFunc: func(ctx context.Context, snapshot utils.DocumentSnapshot) (*utils.StampResult, error) {
			<-release
			return &utils.StampResult{UUID: "3f6c1c1e-0b8e-4c55-9a1e-5d9a2c1b0e11", StampedAt: testNow}, nil
		},
	}
	fiscal := newFiscal(s, gw, 3, 5*time.Second)
	doc := draftFor(t, fiscal, createCharge(t, ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 1, 0)).ID)

	var wg sync.WaitGroup
	results := make([]*models.FiscalDocument, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fiscal.Stamp(context.Background(), testActor, doc.ID, false)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "3f6c1c1e-0b8e-4c55-9a1e-5d9a2c1b0e11", *results[i].StampUUID)
	}
	assert.Equal(t, 1, gw.IssueCalls())
}

func TestStampGatewayFailure(t *testing.T) {
	_, s := setupStore(t)
	ledger := newLedger(s, false)
	reject := true
	gw := &MockStampingGateway{
		IssueFunc: func(ctx context.Context, snapshot utils.DocumentSnapshot) (*utils.StampResult, error) {
			if reject {
				return nil, &utils.GatewayError{Code: "CFDI40147", Message: "RFC del receptor no registrado"}
			}
			return &utils.StampResult{UUID: "9b2d0a47-2c1f-4a9f-8d3e-6f7b1a2c3d44", StampedAt: testNow}, nil
		},
	}
	fiscal := newFiscal(s, gw, 2, time.Second)
	ctx := context.Background()
	doc := draftFor(t, fiscal, createCharge(t, ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 1, 0)).ID)

	failed, err := fiscal.Stamp(ctx, testActor, doc.ID, false)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, KindGateway, svcErr.Kind)
	assert.False(t, svcErr.Temporary)
	require.NotNil(t, failed)
	assert.Equal(t, models.DocumentError, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "CFDI40147")
	assert.Nil(t, failed.StampUUID)
	assert.True(t, dec("1000").Equal(failed.Total))

	_, err = fiscal.Stamp(ctx, testActor, doc.ID, false)
	assert.Equal(t, KindGateway, KindOf(err))

	t.Run("Attempts exhausted", func(t *testing.T) {
		_, err := fiscal.Stamp(ctx, testActor, doc.ID, false)
		assert.Equal(t, KindBusinessRule, KindOf(err))
		assert.Equal(t, 2, gw.IssueCalls())
	})

	t.Run("Force retries past the limit", func(t *testing.T) {
		reject = false
		stamped, err := fiscal.Stamp(ctx, testActor, doc.ID, true)
		require.NoError(t, err)
		assert.Equal(t, models.DocumentStamped, stamped.Status)
		assert.Nil(t, stamped.LastError)
		assert.Equal(t, 3, stamped.StampAttempts)
	})
}

func TestStampTimeoutMovesToError(t *testing.T) {
	_, s := setupStore(t)
	ledger := newLedger(s, false)
	gw := &MockStampingGateway{
		IssueFunc: func(ctx context.Context, snapshot utils.DocumentSnapshot) (*utils.StampResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	fiscal := newFiscal(s, gw, 3, 50*time.Millisecond)
	doc := draftFor(t, fiscal, createCharge(t, ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 1, 0)).ID)

	failed, err := fiscal.Stamp(context.Background(), testActor, doc.ID, false)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, KindGateway, svcErr.Kind)
	assert.True(t, svcErr.Temporary)
	assert.Equal(t, models.DocumentError, failed.Status)
}

func TestStampRespectsForeignLease(t *testing.T) {
	_, s := setupStore(t)
	ledger := newLedger(s, false)
	gw := &MockStampingGateway{}
	fiscal := newFiscal(s, gw, 3, time.Second)
	ctx := context.Background()
	doc := draftFor(t, fiscal, createCharge(t, ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 1, 0)).ID)

	lease := testNow.Add(time.Minute)
	doc.LeaseUntil = &lease
	require.NoError(t, s.UpdateDocument(ctx, doc))

	_, err := fiscal.Stamp(ctx, testActor, doc.ID, false)
	assert.Equal(t, KindBusinessRule, KindOf(err))
	assert.Equal(t, 0, gw.IssueCalls())

	fiscal.SetClock(func() time.Time { return testNow.Add(2 * time.Minute) })
	stamped, err := fiscal.Stamp(ctx, testActor, doc.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStamped, stamped.Status)
}

func TestCancelDocument(t *testing.T) {
	_, s := setupStore(t)
	ledger := newLedger(s, false)
	gw := &MockStampingGateway{}
	fiscal := newFiscal(s, gw, 3, time.Second)
	ctx := context.Background()
	doc := draftFor(t, fiscal, createCharge(t, ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 1, 0)).ID)

	t.Run("Draft cannot be cancelled", func(t *testing.T) {
		_, err := fiscal.Cancel(ctx, testActor, doc.ID, "error en datos")
		assert.Equal(t, KindBusinessRule, KindOf(err))
	})

	t.Run("Reason is required", func(t *testing.T) {
		_, err := fiscal.Cancel(ctx, testActor, doc.ID, "")
		assert.Equal(t, KindValidation, KindOf(err))
	})

	_, err := fiscal.Stamp(ctx, testActor, doc.ID, false)
	require.NoError(t, err)

	t.Run("Gateway rejection keeps the document stamped", func(t *testing.T) {
		gw.CancelFunc = func(ctx context.Context, stampUUID, reason string) (*utils.CancelResult, error) {
			return nil, &utils.GatewayError{Code: "CANC-205", Message: "UUID no encontrado"}
		}
		kept, err := fiscal.Cancel(ctx, testActor, doc.ID, "error en datos")
		assert.Equal(t, KindGateway, KindOf(err))
		require.NotNil(t, kept)
		assert.Equal(t, models.DocumentStamped, kept.Status)
		assert.Nil(t, kept.CancellationReason)
		gw.CancelFunc = nil
	})

	cancelled, err := fiscal.Cancel(ctx, testActor, doc.ID, "error en datos")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentCancelled, cancelled.Status)
	assert.Equal(t, "error en datos", *cancelled.CancellationReason)
	assert.Equal(t, "7", cancelled.CancelledBy)
	assert.NotNil(t, cancelled.StampUUID)
	calls := gw.CancelCalls()

	again, err := fiscal.Cancel(ctx, testActor, doc.ID, "error en datos")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentCancelled, again.Status)
	assert.Equal(t, calls, gw.CancelCalls())

	_, err = fiscal.Cancel(ctx, testActor, doc.ID, "otro motivo")
	assert.Equal(t, KindBusinessRule, KindOf(err))

	_, err = fiscal.Stamp(ctx, testActor, doc.ID, false)
	assert.Equal(t, KindBusinessRule, KindOf(err))

	t.Run("Charge accepts a new document after cancellation", func(t *testing.T) {
		replacement := draftFor(t, fiscal, doc.ChargeID)
		assert.Equal(t, 2, replacement.Folio)

		current, err := fiscal.GetByCharge(ctx, doc.ChargeID)
		require.NoError(t, err)
		assert.Equal(t, replacement.ID, current.ID)
	})
}
