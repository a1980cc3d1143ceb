package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/store"
)

type reconcileFixture struct {
	store      store.Store
	ledger     *ChargeLedger
	reconciler *Reconciler
}

func newReconcileFixture(t *testing.T, mutate func(*config.Policy)) *reconcileFixture {
	_, s := setupStore(t)
	policy := config.DefaultPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	ledger := NewChargeLedger(s, policy.Ledger)
	ledger.SetClock(fixedClock)
	imp, err := NewImporter(policy.Reconciliation)
	require.NoError(t, err)
	r := NewReconciler(s, ledger, imp, policy.Reconciliation)
	r.SetClock(fixedClock)
	return &reconcileFixture{store: s, ledger: ledger, reconciler: r}
}

func (f *reconcileFixture) reconcile(t *testing.T, ctx context.Context, student, csv string) *Summary {
	t.Helper()
	summary, err := f.reconciler.Reconcile(ctx, testActor, student, "estado.csv", strings.NewReader(csv))
	require.NoError(t, err)
	return summary
}

func TestReconcileExactMatchByFolio(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx := context.Background()
	charge := createCharge(t, f.ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 0, 5))

	summary := f.reconcile(t, ctx, "A-1", "Fecha,Descripcion,Monto\n01/10/2026,PAGO COL0001,1000.00\n")
	assert.Equal(t, 1, summary.TotalTransactions)
	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 0, summary.Errors)
	assert.Empty(t, summary.ErrorDetails)
	require.Len(t, summary.Rows, 1)
	assert.Equal(t, models.OutcomeMatched, summary.Rows[0].Outcome)
	require.NotNil(t, summary.Rows[0].PaymentID)

	current, err := f.ledger.GetCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChargePaid, current.Status)

	payments, err := f.ledger.ListPayments(ctx, charge.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentVerified, payments[0].Status)
	assert.Equal(t, models.MethodTransfer, payments[0].Method)
	assert.Equal(t, summary.BatchID, payments[0].BatchID)
}

func TestReconcileAmbiguousMatch(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx := context.Background()
	first := createCharge(t, f.ledger, "A-1", "COL0001", 500, testNow.AddDate(0, 0, 5))
	second := createCharge(t, f.ledger, "A-1", "COL0002", 500, testNow.AddDate(0, 1, 0))

	summary := f.reconcile(t, ctx, "A-1", "Fecha,Descripcion,Monto\n01/10/2026,TRANSFERENCIA,500.00\n")
	assert.Equal(t, 0, summary.Reconciled)
	assert.Equal(t, 1, summary.Ambiguous)
	assert.Equal(t, 1, summary.Errors)
	require.Len(t, summary.ErrorDetails, 1)
	assert.Contains(t, summary.ErrorDetails[0], "row 2")
	assert.Equal(t, models.OutcomeAmbiguous, summary.Rows[0].Outcome)

	for _, id := range []uint{first.ID, second.ID} {
		payments, err := f.ledger.ListPayments(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, payments)
	}

	t.Run("Reference breaks the tie", func(t *testing.T) {
		summary := f.reconcile(t, ctx, "A-1", "Fecha,Descripcion,Monto\n02/10/2026,SPEI COL0002,500.00\n")
		assert.Equal(t, 1, summary.Reconciled)
		assert.Equal(t, second.ID, *summary.Rows[0].ChargeID)
	})
}

func TestReconcileHyphenatedFolioBreaksTie(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx := context.Background()
	createCharge(t, f.ledger, "A-1", "COL-0001", 500, testNow.AddDate(0, 0, 5))
	second := createCharge(t, f.ledger, "A-1", "COL-0002", 500, testNow.AddDate(0, 1, 0))

	summary := f.reconcile(t, ctx, "A-1", "Fecha,Descripcion,Monto\n01/10/2026,PAGO COL-0002,500.00\n")
	require.Len(t, summary.Rows, 1)
	assert.Equal(t, "COL0002", summary.Rows[0].Reference)
	assert.Equal(t, models.OutcomeMatched, summary.Rows[0].Outcome)
	require.NotNil(t, summary.Rows[0].ChargeID)
	assert.Equal(t, second.ID, *summary.Rows[0].ChargeID)
	assert.Equal(t, 0, summary.Errors)
}

func TestReconcileBadRowDoesNotStopBatch(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx := context.Background()
	createCharge(t, f.ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 0, 5))

	csv := "Fecha,Descripcion,Monto\n" +
		"99/99/2026,PAGO,1000.00\n" +
		"01/10/2026,PAGO COL0001,1000.00\n" +
		"02/10/2026,PAGO COL0404,75.00\n" +
		"03/10/2026,COMISION,-15.00\n"
	summary := f.reconcile(t, ctx, "A-1", csv)

	assert.Equal(t, 4, summary.TotalTransactions)
	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 1, summary.ParseErrors)
	assert.Equal(t, 2, summary.Unmatched)
	assert.Equal(t, 3, summary.Errors)
	require.Len(t, summary.ErrorDetails, 3)
	assert.Contains(t, summary.ErrorDetails[0], "row 2")
	assert.Contains(t, summary.ErrorDetails[0], "invalid date")
	assert.Contains(t, summary.ErrorDetails[1], "row 4")
	assert.Contains(t, summary.ErrorDetails[1], "COL0404")
	assert.Contains(t, summary.ErrorDetails[2], "not a credit")
}

func TestReuploadIsAlreadyProcessed(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx := context.Background()
	createCharge(t, f.ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 0, 5))
	createCharge(t, f.ledger, "A-1", "COL0002", 700, testNow.AddDate(0, 1, 0))

	csv := "Fecha,Descripcion,Monto\n" +
		"01/10/2026,PAGO COL0001,1000.00\n" +
		"02/10/2026,PAGO COL0002,200.00\n" +
		"03/10/2026,DEPOSITO EFECTIVO,5.00\n"
	first := f.reconcile(t, ctx, "A-1", csv)
	assert.Equal(t, 1, first.Reconciled)
	assert.Equal(t, 2, first.Unmatched)

	second := f.reconcile(t, ctx, "A-1", csv)
	assert.Equal(t, 0, second.Reconciled)
	assert.Equal(t, 3, second.Duplicates)
	assert.Equal(t, 0, second.Errors)
	for _, row := range second.Rows {
		assert.Equal(t, models.OutcomeAlreadyProcessed, row.Outcome)
	}

	outstanding, err := f.ledger.GetOutstanding(ctx, "A-1")
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, "COL0002", outstanding[0].Folio)

	t.Run("Other students keep their own history", func(t *testing.T) {
		createCharge(t, f.ledger, "B-2", "COL0003", 1000, testNow.AddDate(0, 0, 5))
		other := f.reconcile(t, ctx, "B-2", "Fecha,Descripcion,Monto\n01/10/2026,PAGO COL0003,1000.00\n")
		assert.Equal(t, 1, other.Reconciled)
	})
}

func TestDuplicateRowsWithinOneStatement(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx := context.Background()
	charge := createCharge(t, f.ledger, "A-1", "COL0001", 500, testNow.AddDate(0, 0, 5))
	createCharge(t, f.ledger, "A-1", "COL0002", 900, testNow.AddDate(0, 1, 0))

	csv := "Fecha,Descripcion,Monto\n" +
		"01/10/2026,PAGO COL0001,500.00\n" +
		"01/10/2026,PAGO COL0001,500.00\n"
	summary := f.reconcile(t, ctx, "A-1", csv)
	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 1, summary.Duplicates)

	payments, err := f.ledger.ListPayments(ctx, charge.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestReconcileTolerance(t *testing.T) {
	f := newReconcileFixture(t, func(p *config.Policy) {
		p.Reconciliation.ToleranceMinorUnits = 5
	})
	ctx := context.Background()
	charge := createCharge(t, f.ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 0, 5))

	summary := f.reconcile(t, ctx, "A-1", "Fecha,Descripcion,Monto\n01/10/2026,PAGO,1000.04\n")
	assert.Equal(t, 1, summary.Reconciled)

	current, err := f.ledger.GetCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChargePaid, current.Status)
	assert.True(t, dec("1000").Equal(current.AmountReceived))
	assert.True(t, dec("0.04").Equal(current.OverpaidAmount))
}

type cancelAfterMatch struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelAfterMatch) AfterMatch(context.Context, Actor, uint) error {
	c.calls++
	c.cancel()
	return nil
}

func TestReconcileCancellationKeepsCommittedPayments(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := createCharge(t, f.ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 0, 5))
	second := createCharge(t, f.ledger, "A-1", "COL0002", 800, testNow.AddDate(0, 1, 0))
	policy := &cancelAfterMatch{cancel: cancel}
	f.reconciler.SetPostMatchPolicy(policy)

	csv := "Fecha,Descripcion,Monto\n" +
		"01/10/2026,PAGO COL0001,1000.00\n" +
		"02/10/2026,PAGO COL0002,800.00\n"
	summary := f.reconcile(t, ctx, "A-1", csv)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 1, policy.calls)

	bg := context.Background()
	paid, err := f.ledger.GetCharge(bg, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChargePaid, paid.Status)
	untouched, err := f.ledger.GetCharge(bg, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChargePending, untouched.Status)

	stored, err := f.reconciler.GetBatch(bg, summary.BatchID)
	require.NoError(t, err)
	assert.True(t, stored.Cancelled)
	assert.Equal(t, 1, stored.Reconciled)
}

func TestAutoStampPolicy(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx := context.Background()
	gw := &MockStampingGateway{}
	fiscal := newFiscal(f.store, gw, 3, time.Second)
	f.reconciler.SetPostMatchPolicy(AutoStampPolicy{Ledger: f.ledger, Fiscal: fiscal})

	charge := createCharge(t, f.ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 0, 5))
	partial := createCharge(t, f.ledger, "A-1", "COL0002", 900, testNow.AddDate(0, 1, 0))
	doc := draftFor(t, fiscal, charge.ID)
	partialDoc := draftFor(t, fiscal, partial.ID)

	csv := "Fecha,Descripcion,Monto\n" +
		"01/10/2026,PAGO COL0001,1000.00\n"
	summary := f.reconcile(t, ctx, "A-1", csv)
	require.Equal(t, 1, summary.Reconciled)

	stamped, err := fiscal.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStamped, stamped.Status)
	assert.Equal(t, 1, gw.IssueCalls())

	draft, err := fiscal.Get(ctx, partialDoc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentDraft, draft.Status)
}

func TestReconcileMany(t *testing.T) {
	f := newReconcileFixture(t, nil)
	ctx := context.Background()
	createCharge(t, f.ledger, "A-1", "COL0001", 1000, testNow.AddDate(0, 0, 5))
	createCharge(t, f.ledger, "B-2", "COL0002", 600, testNow.AddDate(0, 0, 5))

	summaries, err := f.reconciler.ReconcileMany(ctx, testActor, []Upload{
		{StudentID: "A-1", FileName: "a.csv", Content: strings.NewReader("Fecha,Descripcion,Monto\n01/10/2026,PAGO COL0001,1000.00\n")},
		{StudentID: "B-2", FileName: "b.csv", Content: strings.NewReader("Fecha,Descripcion,Monto\n01/10/2026,PAGO COL0002,600.00\n")},
	})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "A-1", summaries[0].StudentID)
	assert.Equal(t, 1, summaries[0].Reconciled)
	assert.Equal(t, "B-2", summaries[1].StudentID)
	assert.Equal(t, 1, summaries[1].Reconciled)

	_, err = f.reconciler.ReconcileMany(ctx, testActor, []Upload{{StudentID: "", FileName: "c.csv", Content: strings.NewReader("")}})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestGetBatchNotFound(t *testing.T) {
	f := newReconcileFixture(t, nil)
	_, err := f.reconciler.GetBatch(context.Background(), "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestFingerprint(t *testing.T) {
	withRef := models.BankTransaction{Date: testNow, Amount: dec("100"), Reference: "COL0001", Raw: []string{"a"}}
	sameRefOtherRaw := withRef
	sameRefOtherRaw.Raw = []string{"b"}
	assert.Equal(t, Fingerprint(withRef), Fingerprint(sameRefOtherRaw))

	noRef := models.BankTransaction{Date: testNow, Amount: dec("100"), Raw: []string{"01/10/2026", "DEPOSITO", "100"}}
	otherRow := noRef
	otherRow.Raw = []string{"01/10/2026", "DEPOSITO", "100.00"}
	assert.NotEqual(t, Fingerprint(noRef), Fingerprint(otherRow))
	assert.Len(t, Fingerprint(noRef), 64)
}
