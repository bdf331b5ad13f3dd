package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return st
}

func pendingRecord(signature string, createdAt time.Time) *types.TransactionRecord {
	return &types.TransactionRecord{
		Signature:        signature,
		PayerAddress:     "payer-1",
		Kind:             types.KindSessionOpen,
		Status:           types.TxPending,
		NativeAmount:     decimal.RequireFromString("0.25"),
		ReferenceAmount:  decimal.RequireFromString("50"),
		Rate:             decimal.RequireFromString("200"),
		RecipientAddress: "recipient",
		CreatedAt:        createdAt,
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	record := pendingRecord("sig-1", time.Now().UTC())
	record.ServiceID = "svc-1"
	record.Method = "POST"
	require.NoError(t, st.InsertTransaction(ctx, record))

	got, err := st.GetTransaction(ctx, "sig-1")
	require.NoError(t, err)
	require.Equal(t, record.Signature, got.Signature)
	require.Equal(t, record.Kind, got.Kind)
	require.Equal(t, "POST", got.Method)
	require.True(t, got.ReferenceAmount.Equal(record.ReferenceAmount))

	_, err = st.GetTransaction(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinalizeTransactionIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.InsertTransaction(ctx, pendingRecord("sig-1", time.Now().UTC())))

	at := time.Now().UTC()
	applied, err := st.FinalizeTransaction(ctx, "sig-1", types.TxConfirmed, at, "")
	require.NoError(t, err)
	require.True(t, applied)

	// A later contradictory write must not stick.
	applied, err = st.FinalizeTransaction(ctx, "sig-1", types.TxFailed, at, "late")
	require.NoError(t, err)
	require.False(t, applied)

	got, err := st.GetTransaction(ctx, "sig-1")
	require.NoError(t, err)
	require.Equal(t, types.TxConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	require.Empty(t, got.ErrorMessage)

	_, err = st.FinalizeTransaction(ctx, "missing", types.TxConfirmed, at, "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListPendingBefore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.InsertTransaction(ctx, pendingRecord("old", now.Add(-time.Hour))))
	require.NoError(t, st.InsertTransaction(ctx, pendingRecord("fresh", now.Add(time.Hour))))
	confirmed := pendingRecord("done", now.Add(-time.Hour))
	require.NoError(t, st.InsertTransaction(ctx, confirmed))
	_, err := st.FinalizeTransaction(ctx, "done", types.TxConfirmed, now, "")
	require.NoError(t, err)

	pending, err := st.ListPendingBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "old", pending[0].Signature)
}

func TestListTransactionsByDay(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertTransaction(ctx,
		pendingRecord("in-day", time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC))))
	require.NoError(t, st.InsertTransaction(ctx,
		pendingRecord("next-day", time.Date(2026, 3, 15, 0, 30, 0, 0, time.UTC))))

	records, err := st.ListTransactionsByDay(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "in-day", records[0].Signature)
}

func insertSession(t *testing.T, st *Store, token, authorized string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.InsertSession(context.Background(), &types.PaymentSession{
		Token:            token,
		PayerAddress:     "payer-1",
		ResourcePattern:  "/api/*",
		AuthorizedAmount: decimal.RequireFromString(authorized),
		SpentAmount:      decimal.Zero,
		Status:           types.SessionActive,
		ExpiresAt:        now.Add(time.Hour),
		CreatedAt:        now,
	}))
}

func TestApplySessionSpendGuards(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	insertSession(t, st, "ps_1", "1.00")

	session, applied, err := st.ApplySessionSpend(ctx, "ps_1", decimal.RequireFromString("0.40"), time.Now())
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, session.RemainingAmount().Equal(decimal.RequireFromString("0.60")))

	// Over-spend is rejected without mutation.
	session, applied, err = st.ApplySessionSpend(ctx, "ps_1", decimal.RequireFromString("0.70"), time.Now())
	require.NoError(t, err)
	require.False(t, applied)
	require.True(t, session.RemainingAmount().Equal(decimal.RequireFromString("0.60")))

	// Draining to zero flips the status.
	session, applied, err = st.ApplySessionSpend(ctx, "ps_1", decimal.RequireFromString("0.60"), time.Now())
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, types.SessionDepleted, session.Status)

	_, applied, err = st.ApplySessionSpend(ctx, "ps_1", decimal.RequireFromString("0.01"), time.Now())
	require.NoError(t, err)
	require.False(t, applied)

	_, _, err = st.ApplySessionSpend(ctx, "ps_missing", decimal.NewFromInt(1), time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSessionStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	insertSession(t, st, "ps_1", "1.00")

	ok, err := st.UpdateSessionStatus(ctx, "ps_1", types.SessionActive, types.SessionRevoked)
	require.NoError(t, err)
	require.True(t, ok)

	// Wrong from-state is a no-op, not an error.
	ok, err = st.UpdateSessionStatus(ctx, "ps_1", types.SessionActive, types.SessionExpired)
	require.NoError(t, err)
	require.False(t, ok)

	session, err := st.GetSession(ctx, "ps_1")
	require.NoError(t, err)
	require.Equal(t, types.SessionRevoked, session.Status)

	_, err = st.UpdateSessionStatus(ctx, "ps_missing", types.SessionActive, types.SessionRevoked)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreditTopupAndSpend(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := store.CreditKey{PayerAddress: "payer-1", ServiceID: "svc-1", ServiceType: "inference"}

	_, err := st.GetCreditAccount(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)

	account, err := st.ApplyCreditTopup(ctx, key, decimal.RequireFromString("5.00"), time.Now().UTC())
	require.NoError(t, err)
	require.True(t, account.Balance.Equal(decimal.RequireFromString("5.00")))

	// Second top-up updates, not duplicates.
	account, err = st.ApplyCreditTopup(ctx, key, decimal.RequireFromString("1.00"), time.Now().UTC())
	require.NoError(t, err)
	require.True(t, account.Balance.Equal(decimal.RequireFromString("6.00")))
	require.True(t, account.TotalPurchased.Equal(decimal.RequireFromString("6.00")))

	account, applied, err := st.ApplyCreditSpend(ctx, key, decimal.RequireFromString("2.50"), time.Now().UTC())
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, account.Balance.Equal(decimal.RequireFromString("3.50")))
	require.True(t, account.TotalPurchased.Sub(account.TotalSpent).Equal(account.Balance))

	// Overdraft is rejected without mutation.
	account, applied, err = st.ApplyCreditSpend(ctx, key, decimal.RequireFromString("10.00"), time.Now().UTC())
	require.NoError(t, err)
	require.False(t, applied)
	require.True(t, account.Balance.Equal(decimal.RequireFromString("3.50")))

	_, _, err = st.ApplyCreditSpend(ctx, store.CreditKey{PayerAddress: "nobody"}, decimal.NewFromInt(1), time.Now().UTC())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetAutoTopup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := store.CreditKey{PayerAddress: "payer-1", ServiceID: "svc-1", ServiceType: "inference"}

	err := st.SetAutoTopup(ctx, key, true, decimal.NewFromInt(1), decimal.NewFromInt(10))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.ApplyCreditTopup(ctx, key, decimal.NewFromInt(5), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.SetAutoTopup(ctx, key, true, decimal.NewFromInt(1), decimal.NewFromInt(10)))

	account, err := st.GetCreditAccount(ctx, key)
	require.NoError(t, err)
	require.True(t, account.AutoTopupEnabled)
	require.True(t, account.AutoTopupAmount.Equal(decimal.NewFromInt(10)))
}

func TestUpsertDailyUsageOverwrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	row := &types.DailyUsage{
		Day: "2026-03-14", ServiceID: "svc-1", ServiceType: "inference",
		Revenue: decimal.RequireFromString("1.50"), TxCount: 3, UniquePayers: 2,
		SuccessRate: 0.66, ComputedAt: time.Now().UTC(),
	}
	require.NoError(t, st.UpsertDailyUsage(ctx, row))

	row.Revenue = decimal.RequireFromString("2.00")
	row.TxCount = 4
	require.NoError(t, st.UpsertDailyUsage(ctx, row))

	got, err := st.GetDailyUsage(ctx, "2026-03-14", "svc-1", "inference")
	require.NoError(t, err)
	require.True(t, got.Revenue.Equal(decimal.RequireFromString("2.00")))
	require.Equal(t, int64(4), got.TxCount)
}
