package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/store"
	"github.com/yourusername/school-billing/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

var testActor = Actor{UserID: "7", Role: "finance"}

func fixedClock() time.Time { return testNow }

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, config.AutoMigrate(db))
	return db
}

func setupStore(t *testing.T) (*gorm.DB, store.Store) {
	db := setupTestDB(t)
	return db, store.NewGormStore(db)
}

func newLedger(s store.Store, allowOverpayment bool) *ChargeLedger {
	l := NewChargeLedger(s, config.LedgerPolicy{AllowOverpayment: allowOverpayment})
	l.SetClock(fixedClock)
	return l
}

func createCharge(t *testing.T, l *ChargeLedger, student, folio string, total int64, due time.Time) *models.Charge {
	t.Helper()
	charge, err := l.CreateCharge(context.Background(), testActor, NewCharge{
		StudentID: student,
		Folio:     folio,
		Concept:   "Colegiatura octubre",
		Subtotal:  decimal.NewFromInt(total),
		DueDate:   due,
	})
	require.NoError(t, err)
	return charge
}

// MockStampingGateway counts calls and delegates to the Func fields.
type MockStampingGateway struct {
	IssueFunc  func(ctx context.Context, snapshot utils.DocumentSnapshot) (*utils.StampResult, error)
	CancelFunc func(ctx context.Context, stampUUID, reason string) (*utils.CancelResult, error)

	issueCalls  int32
	cancelCalls int32
}

func (m *MockStampingGateway) Issue(ctx context.Context, snapshot utils.DocumentSnapshot) (*utils.StampResult, error) {
	atomic.AddInt32(&m.issueCalls, 1)
	if m.IssueFunc == nil {
		return &utils.StampResult{UUID: uuid.NewString(), StampedAt: testNow}, nil
	}
	return m.IssueFunc(ctx, snapshot)
}

func (m *MockStampingGateway) Cancel(ctx context.Context, stampUUID, reason string) (*utils.CancelResult, error) {
	atomic.AddInt32(&m.cancelCalls, 1)
	if m.CancelFunc == nil {
		return &utils.CancelResult{CancelledAt: testNow}, nil
	}
	return m.CancelFunc(ctx, stampUUID, reason)
}

func (m *MockStampingGateway) IssueCalls() int  { return int(atomic.LoadInt32(&m.issueCalls)) }
func (m *MockStampingGateway) CancelCalls() int { return int(atomic.LoadInt32(&m.cancelCalls)) }

func newFiscal(s store.Store, gw utils.StampingGatewayInterface, maxAttempts int, timeout time.Duration) *FiscalService {
	f := NewFiscalService(s, gw, Issuer{TaxID: "ESC970101AB1", Name: "Colegio Ejemplo", Series: "A"},
		config.StampingPolicy{MaxAttempts: maxAttempts}, timeout)
	f.SetClock(fixedClock)
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
