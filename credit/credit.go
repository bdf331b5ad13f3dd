// Package credit maintains standing balances per (payer, service) pair,
// fed by on-chain top-ups and drained by local spends. Top-up and spend on
// the same account serialize through a per-account lock plus the store's
// guarded update. The ledger never executes a payment on a payer's behalf:
// when auto-top-up applies it signals AutoTopupRequired and the caller must
// obtain a signed top-up before retrying.
package credit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/internal/keylock"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/submitter"
	"github.com/paymesh/x402pay/types"
)

// PaymentSubmitter is the slice of the submitter the ledger needs.
type PaymentSubmitter interface {
	Pay(ctx context.Context, req submitter.Request) (*types.TransactionRecord, error)
}

type Service struct {
	payments PaymentSubmitter
	credits  store.CreditStore
	txLog    store.TransactionStore
	locks    *keylock.KeyLock
	log      logger.Logger
	rec      metrics.Recorder
	now      func() time.Time
}

func NewService(payments PaymentSubmitter, credits store.CreditStore, txLog store.TransactionStore, log logger.Logger, rec metrics.Recorder, now func() time.Time) *Service {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		payments: payments,
		credits:  credits,
		txLog:    txLog,
		locks:    keylock.New(),
		log:      log,
		rec:      rec,
		now:      now,
	}
}

// Balance returns the standing balance, zero when no account exists.
// Reads never create accounts.
func (s *Service) Balance(ctx context.Context, key store.CreditKey) (decimal.Decimal, error) {
	account, err := s.credits.GetCreditAccount(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// TopUp pays referenceAmount on-chain and credits the account, creating it
// lazily on first top-up. If the payment fails, no ledger mutation occurs.
func (s *Service) TopUp(ctx context.Context, key store.CreditKey, referenceAmount decimal.Decimal) (decimal.Decimal, error) {
	if !referenceAmount.IsPositive() {
		return decimal.Zero, types.ErrInvalidAmount
	}

	record, err := s.payments.Pay(ctx, submitter.Request{
		PayerAddress:    key.PayerAddress,
		ReferenceAmount: referenceAmount,
		Kind:            types.KindCreditTopup,
		ServiceID:       key.ServiceID,
		ServiceType:     key.ServiceType,
	})
	if err != nil {
		return decimal.Zero, err
	}

	unlock := s.locks.Lock(lockKey(key))
	defer unlock()

	account, err := s.credits.ApplyCreditTopup(ctx, key, referenceAmount, s.now())
	if err != nil {
		s.log.Error("top-up payment succeeded but credit not applied", map[string]any{
			"signature": record.Signature,
			"error":     err.Error(),
		})
		return decimal.Zero, err
	}

	s.rec.IncCounter("credit_topup", nil)
	s.log.Info("credit account topped up", map[string]any{
		"payer":     key.PayerAddress,
		"service":   key.ServiceID,
		"amount":    referenceAmount.String(),
		"balance":   account.Balance.String(),
		"signature": record.Signature,
	})
	return account.Balance, nil
}

// Spend debits amount from the account. It fails with InsufficientCredits
// when the balance cannot cover the spend, or with AutoTopupRequired when
// the account's auto-top-up policy applies; either way the balance is
// unchanged. Returns the new balance on success.
func (s *Service) Spend(ctx context.Context, key store.CreditKey, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, types.ErrInvalidAmount
	}

	unlock := s.locks.Lock(lockKey(key))
	defer unlock()

	account, applied, err := s.credits.ApplyCreditSpend(ctx, key, amount, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, types.ErrInsufficientCredits
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !applied {
		if account.AutoTopupEnabled && account.Balance.LessThan(account.AutoTopupThreshold) {
			return decimal.Zero, types.AutoTopupRequired(account.AutoTopupAmount)
		}
		return decimal.Zero, types.NewPaymentError(types.ErrCodeInsufficientCredits,
			"spend %s exceeds balance %s", amount, account.Balance)
	}

	usage := &types.TransactionRecord{
		Signature:       "credit-" + randomSuffix(),
		PayerAddress:    key.PayerAddress,
		Kind:            types.KindCreditSpend,
		Status:          types.TxCompleted,
		ReferenceAmount: amount,
		Rate:            decimal.Zero,
		ServiceID:       key.ServiceID,
		ServiceType:     key.ServiceType,
		CreatedAt:       s.now(),
	}
	if err := s.txLog.InsertTransaction(ctx, usage); err != nil {
		s.log.Error("credit spend applied but usage record not persisted", map[string]any{
			"payer": key.PayerAddress,
			"error": err.Error(),
		})
	}

	s.rec.IncCounter("credit_spend", nil)
	return account.Balance, nil
}

// ConfigureAutoTopup updates the auto-top-up policy of an existing account.
func (s *Service) ConfigureAutoTopup(ctx context.Context, key store.CreditKey, enabled bool, threshold, amount decimal.Decimal) error {
	if enabled && (!threshold.IsPositive() || !amount.IsPositive()) {
		return types.NewPaymentError(types.ErrCodeInvalidAmount,
			"auto-top-up threshold and amount must be positive")
	}
	unlock := s.locks.Lock(lockKey(key))
	defer unlock()
	return s.credits.SetAutoTopup(ctx, key, enabled, threshold, amount)
}

func lockKey(key store.CreditKey) string {
	return key.PayerAddress + "|" + key.ServiceID + "|" + key.ServiceType
}

func randomSuffix() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
