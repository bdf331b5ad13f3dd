// Package memstore is an in-memory store.Store for tests and embedders that
// do not need a database. Guarded updates hold the store mutex, giving the
// same compare-and-set semantics as the relational implementation.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/types"
)

type Store struct {
	mu           sync.RWMutex
	transactions map[string]*types.TransactionRecord
	sessions     map[string]*types.PaymentSession
	credits      map[store.CreditKey]*types.CreditAccount
	usage        map[string]*types.DailyUsage
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		transactions: make(map[string]*types.TransactionRecord),
		sessions:     make(map[string]*types.PaymentSession),
		credits:      make(map[store.CreditKey]*types.CreditAccount),
		usage:        make(map[string]*types.DailyUsage),
	}
}

func (s *Store) InsertTransaction(_ context.Context, record *types.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.transactions[record.Signature] = &clone
	return nil
}

func (s *Store) GetTransaction(_ context.Context, signature string) (*types.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.transactions[signature]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *Store) FinalizeTransaction(_ context.Context, signature string, status types.TransactionStatus, confirmedAt time.Time, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.transactions[signature]
	if !ok {
		return false, store.ErrNotFound
	}
	if record.Status != types.TxPending {
		return false, nil
	}
	record.Status = status
	record.ErrorMessage = errMsg
	if status == types.TxConfirmed {
		at := confirmedAt
		record.ConfirmedAt = &at
	}
	return true, nil
}

func (s *Store) ListPendingBefore(_ context.Context, cutoff time.Time) ([]*types.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.TransactionRecord
	for _, record := range s.transactions {
		if record.Status == types.TxPending && record.CreatedAt.Before(cutoff) {
			clone := *record
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListTransactionsByDay(_ context.Context, day string) ([]*types.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.TransactionRecord
	for _, record := range s.transactions {
		if record.CreatedAt.UTC().Format("2006-01-02") == day {
			clone := *record
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) InsertSession(_ context.Context, session *types.PaymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *session
	s.sessions[session.Token] = &clone
	return nil
}

func (s *Store) GetSession(_ context.Context, token string) (*types.PaymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (s *Store) ApplySessionSpend(_ context.Context, token string, amount decimal.Decimal, _ time.Time) (*types.PaymentSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if session.Status != types.SessionActive || session.RemainingAmount().LessThan(amount) {
		clone := *session
		return &clone, false, nil
	}
	session.SpentAmount = session.SpentAmount.Add(amount)
	if session.RemainingAmount().IsZero() {
		session.Status = types.SessionDepleted
	}
	clone := *session
	return &clone, true, nil
}

func (s *Store) UpdateSessionStatus(_ context.Context, token string, from, to types.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return false, store.ErrNotFound
	}
	if session.Status != from {
		return false, nil
	}
	session.Status = to
	return true, nil
}

func (s *Store) GetCreditAccount(_ context.Context, key store.CreditKey) (*types.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.credits[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *account
	return &clone, nil
}

func (s *Store) ApplyCreditTopup(_ context.Context, key store.CreditKey, amount decimal.Decimal, now time.Time) (*types.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.credits[key]
	if !ok {
		account = &types.CreditAccount{
			PayerAddress: key.PayerAddress,
			ServiceID:    key.ServiceID,
			ServiceType:  key.ServiceType,
			CreatedAt:    now,
		}
		s.credits[key] = account
	}
	account.Balance = account.Balance.Add(amount)
	account.TotalPurchased = account.TotalPurchased.Add(amount)
	account.UpdatedAt = now
	clone := *account
	return &clone, nil
}

func (s *Store) ApplyCreditSpend(_ context.Context, key store.CreditKey, amount decimal.Decimal, now time.Time) (*types.CreditAccount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.credits[key]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if account.Balance.LessThan(amount) {
		clone := *account
		return &clone, false, nil
	}
	account.Balance = account.Balance.Sub(amount)
	account.TotalSpent = account.TotalSpent.Add(amount)
	account.UpdatedAt = now
	clone := *account
	return &clone, true, nil
}

func (s *Store) SetAutoTopup(_ context.Context, key store.CreditKey, enabled bool, threshold, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.credits[key]
	if !ok {
		return store.ErrNotFound
	}
	account.AutoTopupEnabled = enabled
	account.AutoTopupThreshold = threshold
	account.AutoTopupAmount = amount
	return nil
}

func usageKey(day, serviceID, serviceType string) string {
	return day + "|" + serviceID + "|" + serviceType
}

func (s *Store) UpsertDailyUsage(_ context.Context, usage *types.DailyUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *usage
	s.usage[usageKey(usage.Day, usage.ServiceID, usage.ServiceType)] = &clone
	return nil
}

func (s *Store) GetDailyUsage(_ context.Context, day, serviceID, serviceType string) (*types.DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usage, ok := s.usage[usageKey(day, serviceID, serviceType)]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *usage
	return &clone, nil
}
