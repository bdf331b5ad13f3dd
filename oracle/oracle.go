// Package oracle converts between the stable reference unit and the
// settlement asset's native unit. The primary source is the on-chain price
// account read through the failover pool; ranked off-chain HTTP sources,
// the last cached value, and finally a fixed conservative constant back it
// up. Quote never fails; it degrades source quality instead.
package oracle

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/chain"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
	"github.com/paymesh/x402pay/rpcpool"
	"github.com/paymesh/x402pay/types"
)

const (
	defaultCacheTTL    = 30 * time.Second
	defaultHTTPTimeout = 10 * time.Second
	rateScale          = 12
)

// defaultFallbackRate backs an oracle constructed without one; the final
// degradation step must always divide by a positive rate.
var defaultFallbackRate = decimal.NewFromInt(100)

// Config tunes the oracle. Zero values get defaults from New.
type Config struct {
	CacheTTL time.Duration

	// FallbackRate is the fixed conservative rate used when every source
	// fails and no cache exists. Reference units per one native unit.
	FallbackRate decimal.Decimal

	// Plausibility bounds for untrusted sources; values outside are dropped.
	MinPlausibleRate decimal.Decimal
	MaxPlausibleRate decimal.Decimal

	// Sources are ranked off-chain fallbacks, tried in order.
	Sources []HTTPSource
}

type Oracle struct {
	pool       *rpcpool.Pool
	cfg        Config
	httpClient *http.Client
	log        logger.Logger
	rec        metrics.Recorder
	now        func() time.Time

	mu           sync.Mutex
	cachedRate   decimal.Decimal
	cachedAt     time.Time
	cachedSource types.QuoteSource
}

// New wires an oracle over the failover pool.
func New(pool *rpcpool.Pool, cfg Config, log logger.Logger, rec metrics.Recorder, now func() time.Time) *Oracle {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if !cfg.FallbackRate.IsPositive() {
		cfg.FallbackRate = defaultFallbackRate
	}
	if cfg.MinPlausibleRate.IsZero() {
		cfg.MinPlausibleRate = decimal.NewFromFloat(0.001)
	}
	if cfg.MaxPlausibleRate.IsZero() {
		cfg.MaxPlausibleRate = decimal.NewFromInt(1_000_000)
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
	return &Oracle{
		pool:       pool,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		log:        log,
		rec:        rec,
		now:        now,
	}
}

// Quote converts referenceAmount into native units at the best available
// rate. It never returns an error; the quote's Source records how degraded
// the answer is.
func (o *Oracle) Quote(ctx context.Context, referenceAmount decimal.Decimal) types.PriceQuote {
	rate, source := o.rate(ctx)
	o.rec.IncCounter("oracle_quote_"+string(source), nil)
	return types.PriceQuote{
		ReferenceAmount: referenceAmount,
		NativeAmount:    referenceAmount.DivRound(rate, rateScale),
		Rate:            rate,
		AsOf:            o.now(),
		Source:          source,
	}
}

// NativeToReference converts a native amount back into reference units at
// the best available rate.
func (o *Oracle) NativeToReference(ctx context.Context, nativeAmount decimal.Decimal) (decimal.Decimal, types.QuoteSource) {
	rate, source := o.rate(ctx)
	return nativeAmount.Mul(rate), source
}

// ReferenceForTransfer returns the reference value of an atomic-unit amount.
func (o *Oracle) ReferenceForTransfer(ctx context.Context, atomic decimal.Decimal, decimals int32) (decimal.Decimal, types.QuoteSource) {
	return o.NativeToReference(ctx, atomic.Shift(-decimals))
}

func (o *Oracle) rate(ctx context.Context) (decimal.Decimal, types.QuoteSource) {
	o.mu.Lock()
	if !o.cachedRate.IsZero() && o.now().Sub(o.cachedAt) < o.cfg.CacheTTL {
		rate, source := o.cachedRate, o.cachedSource
		o.mu.Unlock()
		return rate, source
	}
	o.mu.Unlock()

	if rate, ok := o.onChainRate(ctx); ok {
		o.remember(rate, types.SourceOnChain)
		return rate, types.SourceOnChain
	}

	for _, source := range o.cfg.Sources {
		price, err := fetchHTTPPrice(ctx, o.httpClient, source)
		if err != nil {
			o.log.Warn("off-chain price source failed", map[string]any{
				"source": source.Name,
				"error":  err.Error(),
			})
			continue
		}
		if !o.plausible(price) {
			o.log.Warn("off-chain price outside plausible range", map[string]any{
				"source": source.Name,
				"price":  price.String(),
			})
			continue
		}
		tagged := types.HTTPSource(source.Name)
		o.remember(price, tagged)
		return price, tagged
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.cachedRate.IsZero() {
		o.log.Warn("all price sources failed, serving stale cache", map[string]any{
			"age": o.now().Sub(o.cachedAt).String(),
		})
		return o.cachedRate, types.SourceStaleCache
	}

	o.log.Error("all price sources failed with no cache, serving fixed fallback", map[string]any{
		"rate": o.cfg.FallbackRate.String(),
	})
	return o.cfg.FallbackRate, types.SourceFixed
}

func (o *Oracle) onChainRate(ctx context.Context) (decimal.Decimal, bool) {
	var rate decimal.Decimal
	err := o.pool.Execute(ctx, func(ctx context.Context, ledger chain.Ledger) error {
		price, err := ledger.OraclePrice(ctx)
		if err != nil {
			return err
		}
		rate = price
		return nil
	})
	if err != nil {
		o.log.Warn("on-chain price source failed", map[string]any{"error": err.Error()})
		return decimal.Zero, false
	}
	if !o.plausible(rate) {
		o.log.Warn("on-chain price outside plausible range", map[string]any{"price": rate.String()})
		return decimal.Zero, false
	}
	return rate, true
}

func (o *Oracle) plausible(rate decimal.Decimal) bool {
	return rate.GreaterThan(o.cfg.MinPlausibleRate) && rate.LessThan(o.cfg.MaxPlausibleRate)
}

func (o *Oracle) remember(rate decimal.Decimal, source types.QuoteSource) {
	o.mu.Lock()
	o.cachedRate = rate
	o.cachedAt = o.now()
	o.cachedSource = source
	o.mu.Unlock()
}
