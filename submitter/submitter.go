// Package submitter turns a reference-unit price into a submitted native
// transfer: quote, build, broadcast through the failover pool, record the
// pending transaction, and hand it to the confirmation monitor. Submission
// failures return an error and create no record; the submitter never itself
// declares a payment confirmed.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/chain"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
	"github.com/paymesh/x402pay/oracle"
	"github.com/paymesh/x402pay/rpcpool"
	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/types"
)

// Registrar receives signatures of freshly submitted transactions.
// The confirmation monitor implements it.
type Registrar interface {
	Register(signature string)
}

// Config for the submitter.
type Config struct {
	// Recipient is the address every payment is sent to.
	Recipient string `validate:"required"`

	// Decimals is the atomic-unit scale of the settlement asset.
	Decimals int32

	Network types.Network
}

// Request describes one payment to submit.
type Request struct {
	PayerAddress    string
	ReferenceAmount decimal.Decimal
	Kind            types.TransactionKind
	ServiceID       string
	ServiceType     string
	ResourceURL     string
}

type Submitter struct {
	pool      *rpcpool.Pool
	oracle    *oracle.Oracle
	txStore   store.TransactionStore
	registrar Registrar
	cfg       Config
	log       logger.Logger
	rec       metrics.Recorder
	now       func() time.Time
}

func New(pool *rpcpool.Pool, priceOracle *oracle.Oracle, txStore store.TransactionStore, registrar Registrar, cfg Config, log logger.Logger, rec metrics.Recorder, now func() time.Time) (*Submitter, error) {
	if cfg.Recipient == "" {
		return nil, fmt.Errorf("submitter: recipient address required")
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	return &Submitter{
		pool:      pool,
		oracle:    priceOracle,
		txStore:   txStore,
		registrar: registrar,
		cfg:       cfg,
		log:       log,
		rec:       rec,
		now:       now,
	}, nil
}

// Pay converts req.ReferenceAmount at the current rate, submits the native
// transfer, and returns the pending TransactionRecord. On any submission
// failure no record is created.
func (s *Submitter) Pay(ctx context.Context, req Request) (*types.TransactionRecord, error) {
	if !req.ReferenceAmount.IsPositive() {
		return nil, types.ErrInvalidAmount
	}

	start := s.now()
	quote := s.oracle.Quote(ctx, req.ReferenceAmount)
	atomicAmount := chain.NativeToAtomic(quote.NativeAmount, s.cfg.Decimals)
	if atomicAmount.Sign() <= 0 {
		return nil, types.NewPaymentError(types.ErrCodeInvalidAmount,
			"amount %s converts to zero atomic units", req.ReferenceAmount)
	}

	var signature string
	err := s.pool.Execute(ctx, func(ctx context.Context, ledger chain.Ledger) error {
		sig, err := ledger.SubmitTransfer(ctx, chain.Transfer{
			Recipient: s.cfg.Recipient,
			Amount:    atomicAmount,
		})
		if err != nil {
			// Payer-side failures are not an endpoint's fault; retrying
			// them against another endpoint could double-submit.
			if errors.Is(err, types.ErrSigningRejected) || errors.Is(err, types.ErrInsufficientFunds) {
				return rpcpool.Permanent(err)
			}
			return err
		}
		signature = sig
		return nil
	})
	if err != nil {
		s.rec.IncCounter("payment_submit_failed", map[string]string{"network": s.cfg.Network.String()})
		return nil, err
	}

	record := &types.TransactionRecord{
		Signature:        signature,
		PayerAddress:     req.PayerAddress,
		Kind:             req.Kind,
		Status:           types.TxPending,
		NativeAmount:     quote.NativeAmount,
		ReferenceAmount:  quote.ReferenceAmount,
		Rate:             quote.Rate,
		RecipientAddress: s.cfg.Recipient,
		ServiceID:        req.ServiceID,
		ServiceType:      req.ServiceType,
		ResourceURL:      req.ResourceURL,
		CreatedAt:        s.now(),
	}
	if err := s.txStore.InsertTransaction(ctx, record); err != nil {
		// The transfer is already on the wire; losing the audit row is worse
		// than surfacing a storage error, so the caller sees the failure but
		// the signature is logged for manual reconciliation.
		s.log.Error("transfer submitted but record not persisted", map[string]any{
			"signature": signature,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("persist transaction %s: %w", signature, err)
	}

	if s.registrar != nil {
		s.registrar.Register(signature)
	}

	s.rec.IncCounter("payment_submitted", map[string]string{"network": s.cfg.Network.String()})
	s.rec.ObserveLatency("payment_submit", s.now().Sub(start), map[string]string{"network": s.cfg.Network.String()})
	s.log.Info("payment submitted", map[string]any{
		"signature": signature,
		"kind":      string(req.Kind),
		"reference": req.ReferenceAmount.String(),
		"native":    quote.NativeAmount.String(),
		"rate":      quote.Rate.String(),
		"source":    string(quote.Source),
	})
	return record, nil
}

// Recipient exposes the configured payment recipient.
func (s *Submitter) Recipient() string { return s.cfg.Recipient }
