// Package x402pay is the composition root: it wires the failover pool, price
// oracle, transaction submitter, confirmation monitor, session manager,
// credit ledger, aggregator, and header verifier into one engine over a
// shared persistent store.
package x402pay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/aggregate"
	"github.com/paymesh/x402pay/chain"
	"github.com/paymesh/x402pay/config"
	"github.com/paymesh/x402pay/credit"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
	"github.com/paymesh/x402pay/monitor"
	"github.com/paymesh/x402pay/oracle"
	"github.com/paymesh/x402pay/protocol"
	"github.com/paymesh/x402pay/rpcpool"
	"github.com/paymesh/x402pay/session"
	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/store/gormstore"
	"github.com/paymesh/x402pay/submitter"
	"github.com/paymesh/x402pay/types"
)

// Engine is the assembled payment core. All methods are safe for concurrent
// use.
type Engine struct {
	cfg *config.Config

	pool       *rpcpool.Pool
	oracle     *oracle.Oracle
	submitter  *submitter.Submitter
	monitor    *monitor.Monitor
	sessions   *session.Manager
	credits    *credit.Service
	aggregator *aggregate.Aggregator
	verifier   *protocol.Verifier

	store store.Store
	log   logger.Logger
	rec   metrics.Recorder
}

// Open builds an engine with the store named in the configuration.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Database.Driver {
	case "postgres":
		st, err = gormstore.OpenPostgres(cfg.Database.DSN)
	default:
		st, err = gormstore.OpenSQLite(cfg.Database.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return New(cfg, st, opts...)
}

// New wires an engine over an explicit store. The confirmation monitor is
// started; call Recover afterwards to pick up transactions left pending by a
// previous run, and Close to shut everything down.
func New(cfg *config.Config, st store.Store, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewZapLogger(cfg.LogLevel)
	}
	if o.rec == nil {
		if cfg.EnableMetrics {
			o.rec = metrics.NewPrometheusRecorder()
		} else {
			o.rec = metrics.NoopRecorder{}
		}
	}
	if o.now == nil {
		o.now = time.Now
	}

	ledgers, err := buildLedgers(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := rpcpool.New(ledgers, o.log, o.rec)
	if err != nil {
		return nil, err
	}
	decimals := ledgers[0].Decimals()

	priceOracle := oracle.New(pool, oracleConfig(cfg), o.log, o.rec, o.now)

	txMonitor := monitor.New(pool, st, monitor.Config{
		PollInterval:   time.Duration(cfg.Monitor.PollIntervalSeconds) * time.Second,
		ConfirmTimeout: time.Duration(cfg.Monitor.ConfirmTimeoutSeconds) * time.Second,
		RestartGrace:   time.Duration(cfg.Monitor.RestartGraceSeconds) * time.Second,
		Workers:        cfg.Monitor.Workers,
	}, o.log, o.rec, o.now)

	paySubmitter, err := submitter.New(pool, priceOracle, st, txMonitor, submitter.Config{
		Recipient: cfg.Recipient,
		Decimals:  decimals,
		Network:   cfg.NetworkType(),
	}, o.log, o.rec, o.now)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(paySubmitter, st, st, o.log, o.rec, o.now)
	credits := credit.NewService(paySubmitter, st, st, o.log, o.rec, o.now)
	aggregator := aggregate.New(st, st, o.log, o.now)
	verifier := protocol.NewVerifier(pool, sessions, priceOracle, protocol.Config{
		Recipient: cfg.Recipient,
		Decimals:  decimals,
	}, o.log, o.rec)

	txMonitor.Start()

	return &Engine{
		cfg:        cfg,
		pool:       pool,
		oracle:     priceOracle,
		submitter:  paySubmitter,
		monitor:    txMonitor,
		sessions:   sessions,
		credits:    credits,
		aggregator: aggregator,
		verifier:   verifier,
		store:      st,
		log:        o.log,
		rec:        o.rec,
	}, nil
}

func buildLedgers(cfg *config.Config) ([]chain.Ledger, error) {
	network := cfg.NetworkType()
	ledgers := make([]chain.Ledger, 0, len(cfg.RPCEndpoints))

	if network.IsSolana() {
		var wallet solana.PrivateKey
		if cfg.WalletKey != "" {
			key, err := solana.PrivateKeyFromBase58(cfg.WalletKey)
			if err != nil {
				return nil, types.NewPaymentError(types.ErrCodeConfigError,
					"invalid wallet key: %v", err)
			}
			wallet = key
		}
		for _, endpoint := range cfg.RPCEndpoints {
			ledger, err := chain.NewSolanaLedger(network, endpoint, wallet, cfg.OracleAccount)
			if err != nil {
				return nil, err
			}
			ledgers = append(ledgers, ledger)
		}
		return ledgers, nil
	}

	chainID := big.NewInt(cfg.ChainID)
	var evmKey *ecdsa.PrivateKey
	if cfg.WalletKey != "" {
		parsed, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.WalletKey, "0x"))
		if err != nil {
			return nil, types.NewPaymentError(types.ErrCodeConfigError,
				"invalid wallet key: %v", err)
		}
		evmKey = parsed
	}
	for _, endpoint := range cfg.RPCEndpoints {
		ledger, err := chain.NewEVMLedger(network, endpoint, evmKey, chainID, cfg.OracleAccount)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, ledger)
	}
	return ledgers, nil
}

func oracleConfig(cfg *config.Config) oracle.Config {
	out := oracle.Config{
		CacheTTL:     time.Duration(cfg.Oracle.CacheTTLSeconds) * time.Second,
		FallbackRate: decimal.NewFromFloat(cfg.Oracle.FallbackRate),
	}
	if cfg.Oracle.MinPlausibleRate > 0 {
		out.MinPlausibleRate = decimal.NewFromFloat(cfg.Oracle.MinPlausibleRate)
	}
	if cfg.Oracle.MaxPlausibleRate > 0 {
		out.MaxPlausibleRate = decimal.NewFromFloat(cfg.Oracle.MaxPlausibleRate)
	}
	for _, source := range cfg.Oracle.Sources {
		out.Sources = append(out.Sources, oracle.HTTPSource{
			Name: source.Name,
			URL:  source.URL,
			Path: source.Path,
		})
	}
	return out
}

// Quote converts a reference amount into native units at the best available
// rate. Never fails; the quote's source records how degraded the answer is.
func (e *Engine) Quote(ctx context.Context, referenceAmount decimal.Decimal) types.PriceQuote {
	return e.oracle.Quote(ctx, referenceAmount)
}

// PriceFor resolves the reference price of one call against a service's
// pricing policy, clamped to its payment bounds.
func (e *Engine) PriceFor(svc types.ServiceConfig) (decimal.Decimal, error) {
	if err := svc.Validate(); err != nil {
		return decimal.Zero, types.NewPaymentError(types.ErrCodeConfigError, "%v", err)
	}
	price := svc.BasePrice
	if price.LessThan(svc.MinPayment) {
		price = svc.MinPayment
	}
	if svc.MaxPayment != nil && price.GreaterThan(*svc.MaxPayment) {
		price = *svc.MaxPayment
	}
	return price, nil
}

// Pay submits a one-off payment and returns the pending transaction record.
func (e *Engine) Pay(ctx context.Context, req submitter.Request) (*types.TransactionRecord, error) {
	return e.submitter.Pay(ctx, req)
}

// NativeBalance reads an address's native balance through the failover pool.
func (e *Engine) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := e.pool.Execute(ctx, func(ctx context.Context, ledger chain.Ledger) error {
		balance, err := ledger.Balance(ctx, address)
		if err != nil {
			return err
		}
		out = chain.AtomicToNative(balance, ledger.Decimals())
		return nil
	})
	return out, err
}

// OpenSession pays the authorized amount upfront and returns the new session.
func (e *Engine) OpenSession(ctx context.Context, payer string, authorizedAmount decimal.Decimal, resourcePattern string, duration time.Duration, autoRenew bool) (*types.PaymentSession, error) {
	return e.sessions.Open(ctx, payer, authorizedAmount, resourcePattern, duration, autoRenew)
}

// ValidateSession checks whether a spend of amount could currently succeed.
func (e *Engine) ValidateSession(ctx context.Context, token string, amount decimal.Decimal) (*types.PaymentSession, error) {
	return e.sessions.Validate(ctx, token, amount)
}

// SpendSession draws amount from a session and returns the new remaining
// balance.
func (e *Engine) SpendSession(ctx context.Context, token string, amount decimal.Decimal, resourceURL, resourceType, method string) (decimal.Decimal, error) {
	return e.sessions.Spend(ctx, token, amount, resourceURL, resourceType, method)
}

// RevokeSession terminates an active session.
func (e *Engine) RevokeSession(ctx context.Context, token string) error {
	return e.sessions.Revoke(ctx, token)
}

// CreditBalance returns the standing credit balance, zero if no account.
func (e *Engine) CreditBalance(ctx context.Context, key store.CreditKey) (decimal.Decimal, error) {
	return e.credits.Balance(ctx, key)
}

// TopUpCredits pays on-chain and credits the account.
func (e *Engine) TopUpCredits(ctx context.Context, key store.CreditKey, referenceAmount decimal.Decimal) (decimal.Decimal, error) {
	return e.credits.TopUp(ctx, key, referenceAmount)
}

// SpendCredits debits the account and returns the new balance.
func (e *Engine) SpendCredits(ctx context.Context, key store.CreditKey, amount decimal.Decimal) (decimal.Decimal, error) {
	return e.credits.Spend(ctx, key, amount)
}

// ConfigureAutoTopup updates the auto-top-up policy of an existing account.
func (e *Engine) ConfigureAutoTopup(ctx context.Context, key store.CreditKey, enabled bool, threshold, amount decimal.Decimal) error {
	return e.credits.ConfigureAutoTopup(ctx, key, enabled, threshold, amount)
}

// VerifyPayment parses a raw payment header line and settles it against the
// required reference amount, via session spend or on-chain proof.
func (e *Engine) VerifyPayment(ctx context.Context, rawHeader string, requiredAmount decimal.Decimal, resourceURL, resourceType, method string) (*protocol.Result, error) {
	if strings.TrimSpace(rawHeader) == "" {
		return nil, types.ErrPaymentRequired
	}
	header, err := protocol.ParseHeader(rawHeader)
	if err != nil {
		return nil, err
	}
	return e.verifier.Verify(ctx, header, requiredAmount, resourceURL, resourceType, method)
}

// PaymentRequired builds the 402 response body for a priced resource.
func (e *Engine) PaymentRequired(resource, description string, amount decimal.Decimal, currency string) *protocol.PaymentRequiredResponse {
	return protocol.PaymentRequired(resource, description, amount, currency, e.cfg.Recipient, e.cfg.NetworkType())
}

// AggregateDay rolls up transaction records for a day (YYYY-MM-DD, UTC).
func (e *Engine) AggregateDay(ctx context.Context, day string) ([]*types.DailyUsage, error) {
	return e.aggregator.RunDay(ctx, day)
}

// Recover re-registers transactions left pending by a previous run.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return e.monitor.Recover(ctx)
}

// Outstanding reports how many submitted transactions await confirmation.
func (e *Engine) Outstanding() int {
	return e.monitor.Outstanding()
}

// Close stops the monitor and closes every ledger endpoint.
func (e *Engine) Close() {
	e.monitor.Close()
	e.pool.Close()
}
