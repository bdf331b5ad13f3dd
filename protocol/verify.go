package protocol

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/chain"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
	"github.com/paymesh/x402pay/oracle"
	"github.com/paymesh/x402pay/rpcpool"
	"github.com/paymesh/x402pay/session"
	"github.com/paymesh/x402pay/types"
)

// Result reports a successful payment check.
type Result struct {
	Payer string `json:"payer"`

	// Remaining is the session balance after the spend, when the session
	// path was used.
	Remaining *decimal.Decimal `json:"remaining,omitempty"`

	// Signature is the verified proof transaction, when the proof path
	// was used.
	Signature string `json:"signature,omitempty"`
}

// Config for the verifier.
type Config struct {
	// Recipient is the only address proof transactions may pay.
	Recipient string `validate:"required"`

	// Decimals is the atomic-unit scale of the settlement asset.
	Decimals int32

	// RateTolerance absorbs rate movement between the payer's quote and
	// verification time when valuing a proof transfer. 0.01 = 1%.
	RateTolerance decimal.Decimal
}

// Verifier resolves a payment header into an accepted payment: session
// tokens spend through the session manager, proofs are checked as standalone
// on-chain transfers. A proof whose recipient or amount does not match fails
// verification rather than being accepted.
type Verifier struct {
	pool     *rpcpool.Pool
	sessions *session.Manager
	oracle   *oracle.Oracle
	cfg      Config
	log      logger.Logger
	rec      metrics.Recorder
}

func NewVerifier(pool *rpcpool.Pool, sessions *session.Manager, priceOracle *oracle.Oracle, cfg Config, log logger.Logger, rec metrics.Recorder) *Verifier {
	if cfg.RateTolerance.IsZero() {
		cfg.RateTolerance = decimal.NewFromFloat(0.01)
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Verifier{
		pool:     pool,
		sessions: sessions,
		oracle:   priceOracle,
		cfg:      cfg,
		log:      log,
		rec:      rec,
	}
}

// Verify settles one metered request against the header's payment evidence.
// Policy violations (expired, depleted, insufficient, mismatched proof)
// surface as typed errors; a header with neither session nor proof returns
// ErrPaymentRequired so the caller can respond 402.
func (v *Verifier) Verify(ctx context.Context, header *PaymentHeader, requiredAmount decimal.Decimal, resourceURL, resourceType, method string) (*Result, error) {
	if header == nil {
		return nil, types.ErrPaymentRequired
	}

	start := time.Now()
	defer func() {
		v.rec.ObserveLatency("payment_verify", time.Since(start), nil)
	}()

	switch {
	case header.Session != "":
		remaining, err := v.sessions.Spend(ctx, header.Session, requiredAmount, resourceURL, resourceType, method)
		if err != nil {
			return nil, err
		}
		v.rec.IncCounter("verify_session", nil)
		return &Result{Payer: header.Wallet, Remaining: &remaining}, nil

	case header.Proof != "":
		return v.verifyProof(ctx, header, requiredAmount)

	default:
		return nil, types.ErrPaymentRequired
	}
}

func (v *Verifier) verifyProof(ctx context.Context, header *PaymentHeader, requiredAmount decimal.Decimal) (*Result, error) {
	var details chain.TransferDetails
	err := v.pool.Execute(ctx, func(ctx context.Context, ledger chain.Ledger) error {
		var fetchErr error
		details, fetchErr = ledger.TransferDetails(ctx, header.Proof)
		return fetchErr
	})
	if err != nil {
		return nil, types.NewPaymentError(types.ErrCodeVerificationFailed,
			"proof transaction not verifiable: %v", err)
	}

	if !details.Confirmed {
		return nil, types.NewPaymentError(types.ErrCodeVerificationFailed,
			"proof transaction %s not confirmed", header.Proof)
	}
	if details.Recipient != v.cfg.Recipient {
		return nil, types.NewPaymentError(types.ErrCodeVerificationFailed,
			"proof pays %s, expected %s", details.Recipient, v.cfg.Recipient)
	}
	if header.Wallet != "" && details.Payer != header.Wallet {
		return nil, types.NewPaymentError(types.ErrCodeVerificationFailed,
			"proof payer %s does not match wallet %s", details.Payer, header.Wallet)
	}

	paid, _ := v.oracle.ReferenceForTransfer(ctx, decimal.NewFromBigInt(details.Amount, 0), v.cfg.Decimals)
	floor := requiredAmount.Mul(decimal.NewFromInt(1).Sub(v.cfg.RateTolerance))
	if paid.LessThan(floor) {
		return nil, types.NewPaymentError(types.ErrCodeVerificationFailed,
			"proof worth %s below required %s", paid, requiredAmount)
	}

	v.rec.IncCounter("verify_proof", nil)
	v.log.Info("payment proof verified", map[string]any{
		"signature": header.Proof,
		"payer":     details.Payer,
		"paid":      paid.String(),
		"required":  requiredAmount.String(),
	})
	return &Result{Payer: details.Payer, Signature: header.Proof}, nil
}
