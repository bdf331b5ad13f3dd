package oracle

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/x402pay/chain"
	"github.com/paymesh/x402pay/rpcpool"
	"github.com/paymesh/x402pay/types"
)

type fakeLedger struct {
	price decimal.Decimal
	err   error
	calls int
}

func (f *fakeLedger) SubmitTransfer(context.Context, chain.Transfer) (string, error) {
	return "", nil
}
func (f *fakeLedger) TransactionStatus(context.Context, string) (chain.TxState, error) {
	return chain.TxState{}, nil
}
func (f *fakeLedger) TransferDetails(context.Context, string) (chain.TransferDetails, error) {
	return chain.TransferDetails{}, nil
}
func (f *fakeLedger) Balance(context.Context, string) (*big.Int, error) { return big.NewInt(0), nil }
func (f *fakeLedger) OraclePrice(context.Context) (decimal.Decimal, error) {
	f.calls++
	return f.price, f.err
}
func (f *fakeLedger) Network() types.Network { return types.NetworkSolanaDevnet }
func (f *fakeLedger) Decimals() int32        { return 9 }
func (f *fakeLedger) Close()                 {}

func newTestOracle(t *testing.T, ledger *fakeLedger, cfg Config, now func() time.Time) *Oracle {
	t.Helper()
	pool, err := rpcpool.New([]chain.Ledger{ledger}, nil, nil)
	require.NoError(t, err)
	if cfg.FallbackRate.IsZero() {
		cfg.FallbackRate = decimal.NewFromInt(100)
	}
	return New(pool, cfg, nil, nil, now)
}

func TestQuoteUsesOnChainRate(t *testing.T) {
	ledger := &fakeLedger{price: decimal.NewFromInt(200)}
	o := newTestOracle(t, ledger, Config{}, nil)

	quote := o.Quote(context.Background(), decimal.NewFromInt(50))
	require.Equal(t, types.SourceOnChain, quote.Source)
	require.True(t, quote.Rate.Equal(decimal.NewFromInt(200)))
	require.True(t, quote.NativeAmount.Equal(decimal.NewFromFloat(0.25)), quote.NativeAmount.String())
}

func TestQuoteCachesWithinTTL(t *testing.T) {
	ledger := &fakeLedger{price: decimal.NewFromInt(200)}
	current := time.Now()
	o := newTestOracle(t, ledger, Config{CacheTTL: 30 * time.Second}, func() time.Time { return current })

	o.Quote(context.Background(), decimal.NewFromInt(1))
	o.Quote(context.Background(), decimal.NewFromInt(1))
	require.Equal(t, 1, ledger.calls)

	current = current.Add(31 * time.Second)
	o.Quote(context.Background(), decimal.NewFromInt(1))
	require.Equal(t, 2, ledger.calls)
}

func TestQuoteFallsBackToHTTPSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"price":"150.5"}}`))
	}))
	defer server.Close()

	ledger := &fakeLedger{err: errors.New("rpc down")}
	o := newTestOracle(t, ledger, Config{
		Sources: []HTTPSource{{Name: "coingecko", URL: server.URL, Path: "data.price"}},
	}, nil)

	quote := o.Quote(context.Background(), decimal.NewFromInt(1))
	require.Equal(t, types.HTTPSource("coingecko"), quote.Source)
	require.True(t, quote.Rate.Equal(decimal.NewFromFloat(150.5)))
}

func TestQuoteSkipsImplausibleHTTPPrice(t *testing.T) {
	absurd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price":0}`))
	}))
	defer absurd.Close()
	sane := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price":120}`))
	}))
	defer sane.Close()

	ledger := &fakeLedger{err: errors.New("rpc down")}
	o := newTestOracle(t, ledger, Config{
		Sources: []HTTPSource{
			{Name: "broken", URL: absurd.URL, Path: "price"},
			{Name: "backup", URL: sane.URL, Path: "price"},
		},
	}, nil)

	quote := o.Quote(context.Background(), decimal.NewFromInt(1))
	require.Equal(t, types.HTTPSource("backup"), quote.Source)
	require.True(t, quote.Rate.Equal(decimal.NewFromInt(120)))
}

func TestQuoteServesStaleCacheWhenAllSourcesFail(t *testing.T) {
	ledger := &fakeLedger{price: decimal.NewFromInt(200)}
	current := time.Now()
	o := newTestOracle(t, ledger, Config{CacheTTL: time.Second}, func() time.Time { return current })

	o.Quote(context.Background(), decimal.NewFromInt(1))

	ledger.err = errors.New("rpc down")
	current = current.Add(time.Hour)
	quote := o.Quote(context.Background(), decimal.NewFromInt(1))
	require.Equal(t, types.SourceStaleCache, quote.Source)
	require.True(t, quote.Rate.Equal(decimal.NewFromInt(200)))
}

func TestQuoteNeverFails(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("rpc down")}
	fallback := decimal.NewFromInt(80)
	o := newTestOracle(t, ledger, Config{FallbackRate: fallback}, nil)

	quote := o.Quote(context.Background(), decimal.NewFromInt(40))
	require.Equal(t, types.SourceFixed, quote.Source)
	require.True(t, quote.Rate.Equal(fallback))
	require.True(t, quote.NativeAmount.Equal(decimal.NewFromFloat(0.5)))
}

func TestQuoteWithZeroConfigNeverPanics(t *testing.T) {
	// Everything failing, no sources, no cache, and a zero-value Config:
	// the quote still resolves at the built-in fallback rate.
	ledger := &fakeLedger{err: errors.New("rpc down")}
	pool, err := rpcpool.New([]chain.Ledger{ledger}, nil, nil)
	require.NoError(t, err)
	o := New(pool, Config{}, nil, nil, nil)

	require.NotPanics(t, func() {
		quote := o.Quote(context.Background(), decimal.NewFromInt(1))
		require.Equal(t, types.SourceFixed, quote.Source)
		require.True(t, quote.Rate.IsPositive())
		require.True(t, quote.NativeAmount.IsPositive())
	})
}

func TestQuoteRoundTrip(t *testing.T) {
	ledger := &fakeLedger{price: decimal.NewFromFloat(167.43)}
	o := newTestOracle(t, ledger, Config{}, nil)

	for _, amount := range []string{"0.25", "10.00", "123.456789", "0.000001"} {
		reference := decimal.RequireFromString(amount)
		quote := o.Quote(context.Background(), reference)
		back := quote.NativeAmount.Mul(quote.Rate)
		diff := back.Sub(reference).Abs()
		require.True(t, diff.LessThan(decimal.New(1, -9)),
			"round trip of %s drifted by %s", amount, diff)
	}
}

func TestNativeToReference(t *testing.T) {
	ledger := &fakeLedger{price: decimal.NewFromInt(200)}
	o := newTestOracle(t, ledger, Config{}, nil)

	value, source := o.NativeToReference(context.Background(), decimal.NewFromFloat(0.5))
	require.Equal(t, types.SourceOnChain, source)
	require.True(t, value.Equal(decimal.NewFromInt(100)))
}

func TestReferenceForTransfer(t *testing.T) {
	ledger := &fakeLedger{price: decimal.NewFromInt(200)}
	o := newTestOracle(t, ledger, Config{}, nil)

	// 0.5 native units at 9 decimals.
	value, _ := o.ReferenceForTransfer(context.Background(), decimal.NewFromInt(500_000_000), 9)
	require.True(t, value.Equal(decimal.NewFromInt(100)))
}
