// Package store defines the persistence surface the engine needs: inserts,
// point lookups, conditional (compare-and-set) updates on status and balance
// fields, and range scans for reconciliation and aggregation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/types"
)

// ErrNotFound is returned by point lookups when no row exists.
var ErrNotFound = errors.New("store: not found")

// CreditKey identifies one credit account.
type CreditKey struct {
	PayerAddress string
	ServiceID    string
	ServiceType  string
}

// TransactionStore is the audit log of submitted transactions.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, record *types.TransactionRecord) error
	GetTransaction(ctx context.Context, signature string) (*types.TransactionRecord, error)

	// FinalizeTransaction transitions a pending record to a terminal status.
	// Returns false without mutating when the record is already terminal,
	// making the terminal write idempotent.
	FinalizeTransaction(ctx context.Context, signature string, status types.TransactionStatus, confirmedAt time.Time, errMsg string) (bool, error)

	// ListPendingBefore returns records still pending that were created
	// before cutoff, for restart-time reconciliation.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*types.TransactionRecord, error)

	// ListTransactionsByDay returns all records created on the given UTC
	// day (YYYY-MM-DD).
	ListTransactionsByDay(ctx context.Context, day string) ([]*types.TransactionRecord, error)
}

// SessionStore persists payment sessions.
type SessionStore interface {
	InsertSession(ctx context.Context, session *types.PaymentSession) error
	GetSession(ctx context.Context, token string) (*types.PaymentSession, error)

	// ApplySessionSpend atomically adds amount to spentAmount when the
	// session is active and has at least amount remaining, transitioning to
	// depleted when the new remaining hits zero. Returns the updated session
	// and false when the guard failed (nothing applied).
	ApplySessionSpend(ctx context.Context, token string, amount decimal.Decimal, now time.Time) (*types.PaymentSession, bool, error)

	// UpdateSessionStatus transitions from -> to, returning false when the
	// session was not in the from status.
	UpdateSessionStatus(ctx context.Context, token string, from, to types.SessionStatus) (bool, error)
}

// CreditStore persists standing credit accounts.
type CreditStore interface {
	// GetCreditAccount returns ErrNotFound when the account does not exist;
	// reads never create accounts.
	GetCreditAccount(ctx context.Context, key CreditKey) (*types.CreditAccount, error)

	// ApplyCreditTopup lazily creates the account and atomically adds amount
	// to balance and totalPurchased.
	ApplyCreditTopup(ctx context.Context, key CreditKey, amount decimal.Decimal, now time.Time) (*types.CreditAccount, error)

	// ApplyCreditSpend atomically subtracts amount from balance and adds it
	// to totalSpent when balance >= amount. Returns the account (current
	// state either way) and false when the guard failed.
	ApplyCreditSpend(ctx context.Context, key CreditKey, amount decimal.Decimal, now time.Time) (*types.CreditAccount, bool, error)

	// SetAutoTopup updates the auto-top-up policy of an existing account.
	SetAutoTopup(ctx context.Context, key CreditKey, enabled bool, threshold, amount decimal.Decimal) error
}

// UsageStore persists daily aggregates.
type UsageStore interface {
	// UpsertDailyUsage overwrites the row for (day, service, serviceType).
	UpsertDailyUsage(ctx context.Context, usage *types.DailyUsage) error
	GetDailyUsage(ctx context.Context, day, serviceID, serviceType string) (*types.DailyUsage, error)
}

// Store is the full persistence surface.
type Store interface {
	TransactionStore
	SessionStore
	CreditStore
	UsageStore
}
