package x402pay

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/x402pay/config"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/store/memstore"
	"github.com/paymesh/x402pay/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Network:      "solana-devnet",
		RPCEndpoints: []string{"https://api.devnet.solana.com"},
		Recipient:    "RecipientAddr11111111111111111111111111111",
		Oracle: config.OracleConfig{
			CacheTTLSeconds: 30,
			FallbackRate:    100,
		},
		Monitor: config.MonitorConfig{
			PollIntervalSeconds:   5,
			ConfirmTimeoutSeconds: 300,
			RestartGraceSeconds:   60,
			Workers:               2,
		},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: "unused.db"},
		LogLevel: "error",
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := New(testConfig(), memstore.New(), WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Recipient = ""
	_, err := New(cfg, memstore.New())
	require.Error(t, err)

	cfg = testConfig()
	cfg.Network = "base" // EVM network without a chain id
	_, err = New(cfg, memstore.New())
	require.Error(t, err)
}

func TestVerifyPaymentWithoutHeaderIsPaymentRequired(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.VerifyPayment(context.Background(), "",
		decimal.NewFromInt(1), "/api/chat", "inference", "GET")
	require.ErrorIs(t, err, types.ErrPaymentRequired)

	body := engine.PaymentRequired("/api/chat", "chat completion",
		decimal.RequireFromString("0.25"), "USD")
	require.Equal(t, "solana-devnet", body.Accepts[0].Network)
	require.Equal(t, testConfig().Recipient, body.Accepts[0].PayTo)
}

func TestPriceForClampsToPolicy(t *testing.T) {
	engine := newTestEngine(t)
	max := decimal.RequireFromString("1.00")

	cases := []struct {
		name string
		svc  types.ServiceConfig
		want string
	}{
		{
			name: "base price within bounds",
			svc: types.ServiceConfig{
				ServiceID: "svc", ServiceType: "inference", PricingModel: "per-call",
				BasePrice:  decimal.RequireFromString("0.25"),
				MinPayment: decimal.RequireFromString("0.10"),
				MaxPayment: &max,
			},
			want: "0.25",
		},
		{
			name: "raised to minimum",
			svc: types.ServiceConfig{
				ServiceID: "svc", ServiceType: "inference", PricingModel: "per-call",
				BasePrice:  decimal.RequireFromString("0.01"),
				MinPayment: decimal.RequireFromString("0.10"),
			},
			want: "0.10",
		},
		{
			name: "capped at maximum",
			svc: types.ServiceConfig{
				ServiceID: "svc", ServiceType: "inference", PricingModel: "per-call",
				BasePrice:  decimal.RequireFromString("5.00"),
				MaxPayment: &max,
			},
			want: "1.00",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price, err := engine.PriceFor(tc.svc)
			require.NoError(t, err)
			require.True(t, price.Equal(decimal.RequireFromString(tc.want)), price.String())
		})
	}
}

func TestPriceForRejectsBadPolicy(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.PriceFor(types.ServiceConfig{})
	require.Error(t, err)
}
