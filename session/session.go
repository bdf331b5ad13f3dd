// Package session manages preauthorized spending envelopes: one upfront
// payment opens a session, and metered spends draw it down with exact
// accounting. Spends against the same session serialize through a per-token
// lock plus the store's guarded update, so two concurrent spends can never
// both pass the same remaining-balance check.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/internal/keylock"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/submitter"
	"github.com/paymesh/x402pay/types"
)

// PaymentSubmitter is the slice of the submitter the manager needs.
type PaymentSubmitter interface {
	Pay(ctx context.Context, req submitter.Request) (*types.TransactionRecord, error)
}

const (
	tokenPrefix     = "ps_"
	tokenEntropy    = 32
	defaultDuration = 24 * time.Hour
)

type Manager struct {
	payments PaymentSubmitter
	sessions store.SessionStore
	txLog    store.TransactionStore
	locks    *keylock.KeyLock
	log      logger.Logger
	rec      metrics.Recorder
	now      func() time.Time
}

func NewManager(payments PaymentSubmitter, sessions store.SessionStore, txLog store.TransactionStore, log logger.Logger, rec metrics.Recorder, now func() time.Time) *Manager {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		payments: payments,
		sessions: sessions,
		txLog:    txLog,
		locks:    keylock.New(),
		log:      log,
		rec:      rec,
		now:      now,
	}
}

// Open pays the full authorized amount upfront and creates the session.
// If the payment fails, no session is created.
func (m *Manager) Open(ctx context.Context, payer string, authorizedAmount decimal.Decimal, resourcePattern string, duration time.Duration, autoRenew bool) (*types.PaymentSession, error) {
	if !authorizedAmount.IsPositive() {
		return nil, types.ErrInvalidAmount
	}
	if duration <= 0 {
		duration = defaultDuration
	}

	record, err := m.payments.Pay(ctx, submitter.Request{
		PayerAddress:    payer,
		ReferenceAmount: authorizedAmount,
		Kind:            types.KindSessionOpen,
	})
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	session := &types.PaymentSession{
		Token:            token,
		PayerAddress:     payer,
		ResourcePattern:  resourcePattern,
		AuthorizedAmount: authorizedAmount,
		SpentAmount:      decimal.Zero,
		Status:           types.SessionActive,
		ExpiresAt:        now.Add(duration),
		AutoRenew:        autoRenew,
		OpeningSignature: record.Signature,
		CreatedAt:        now,
	}
	if err := m.sessions.InsertSession(ctx, session); err != nil {
		m.log.Error("session payment succeeded but session not persisted", map[string]any{
			"signature": record.Signature,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.rec.IncCounter("session_opened", nil)
	m.log.Info("payment session opened", map[string]any{
		"payer":      payer,
		"authorized": authorizedAmount.String(),
		"expires_at": session.ExpiresAt,
		"signature":  record.Signature,
	})
	return session, nil
}

// Validate checks that a spend of amount could currently succeed. A session
// past its expiry is lazily transitioned to expired here.
func (m *Manager) Validate(ctx context.Context, token string, amount decimal.Decimal) (*types.PaymentSession, error) {
	session, err := m.sessions.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if session.Status == types.SessionActive && m.now().After(session.ExpiresAt) {
		if _, err := m.sessions.UpdateSessionStatus(ctx, token, types.SessionActive, types.SessionExpired); err != nil {
			return nil, err
		}
		session.Status = types.SessionExpired
	}

	if err := statusError(session.Status); err != nil {
		return nil, err
	}
	if session.RemainingAmount().LessThan(amount) {
		return nil, types.NewPaymentError(types.ErrCodeSessionInsufficient,
			"spend %s exceeds remaining %s", amount, session.RemainingAmount())
	}
	return session, nil
}

// Spend atomically draws amount from the session and appends a usage record.
// The money already moved at open time, so the usage record has no on-chain
// leg; integrity rests on the guarded update. Returns the new remaining
// amount. Rejected spends leave the session unchanged.
func (m *Manager) Spend(ctx context.Context, token string, amount decimal.Decimal, resourceURL, resourceType, method string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, types.ErrInvalidAmount
	}

	unlock := m.locks.Lock(token)
	defer unlock()

	if _, err := m.Validate(ctx, token, amount); err != nil {
		return decimal.Zero, err
	}

	updated, applied, err := m.sessions.ApplySessionSpend(ctx, token, amount, m.now())
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, types.ErrSessionNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !applied {
		if err := statusError(updated.Status); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, types.NewPaymentError(types.ErrCodeSessionInsufficient,
			"spend %s exceeds remaining %s", amount, updated.RemainingAmount())
	}

	usage := &types.TransactionRecord{
		Signature:       "usage-" + updated.Token[:12] + "-" + randomSuffix(),
		PayerAddress:    updated.PayerAddress,
		Kind:            types.KindSessionUse,
		Status:          types.TxCompleted,
		ReferenceAmount: amount,
		Rate:            decimal.Zero,
		ResourceURL:     resourceURL,
		ServiceType:     resourceType,
		Method:          method,
		CreatedAt:       m.now(),
	}
	if err := m.txLog.InsertTransaction(ctx, usage); err != nil {
		// The spend is already applied; an audit-log hiccup must not undo it.
		m.log.Error("session spend applied but usage record not persisted", map[string]any{
			"token": token,
			"error": err.Error(),
		})
	}

	m.rec.IncCounter("session_spend", nil)
	if updated.Status == types.SessionDepleted {
		m.log.Info("payment session depleted", map[string]any{"token": token})
	}
	return updated.RemainingAmount(), nil
}

// Revoke terminates an active session. Only the active state can be revoked;
// other states surface their own typed error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	ok, err := m.sessions.UpdateSessionStatus(ctx, token, types.SessionActive, types.SessionRevoked)
	if errors.Is(err, store.ErrNotFound) {
		return types.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if !ok {
		session, err := m.sessions.GetSession(ctx, token)
		if err != nil {
			return err
		}
		return statusError(session.Status)
	}
	m.rec.IncCounter("session_revoked", nil)
	return nil
}

func statusError(status types.SessionStatus) error {
	switch status {
	case types.SessionExpired:
		return types.ErrSessionExpired
	case types.SessionRevoked:
		return types.ErrSessionRevoked
	case types.SessionDepleted:
		return types.ErrSessionDepleted
	default:
		return nil
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

func randomSuffix() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
