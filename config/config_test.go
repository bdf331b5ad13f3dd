package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paymesh/x402pay/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validYAML = `
network: solana-devnet
rpc_endpoints:
  - https://api.devnet.solana.com
  - https://devnet.helius-rpc.com
recipient: RecipientAddr11111111111111111111111111111
oracle:
  fallback_rate: 100
  sources:
    - name: coingecko
      url: https://api.coingecko.com/api/v3/simple/price
      path: solana.usd
database:
  driver: sqlite
  dsn: payments.db
log_level: debug
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, types.NetworkSolanaDevnet, cfg.NetworkType())
	require.Len(t, cfg.RPCEndpoints, 2)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Oracle.Sources, 1)
	require.Equal(t, "solana.usd", cfg.Oracle.Sources[0].Path)

	// Defaults fill in what the file omits.
	require.Equal(t, 30, cfg.Oracle.CacheTTLSeconds)
	require.Equal(t, 5, cfg.Monitor.PollIntervalSeconds)
	require.Equal(t, 300, cfg.Monitor.ConfirmTimeoutSeconds)
	require.Equal(t, 4, cfg.Monitor.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	var payErr *types.PaymentError
	require.ErrorAs(t, err, &payErr)
	require.Equal(t, types.ErrCodeConfigError, payErr.Code)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no endpoints", func(c *Config) { c.RPCEndpoints = nil }},
		{"bad endpoint url", func(c *Config) { c.RPCEndpoints = []string{"not a url"} }},
		{"no recipient", func(c *Config) { c.Recipient = "" }},
		{"unknown network", func(c *Config) { c.Network = "dogecoin" }},
		{"evm without chain id", func(c *Config) { c.Network = "base-sepolia"; c.ChainID = 0 }},
		{"zero fallback rate", func(c *Config) { c.Oracle.FallbackRate = 0 }},
		{"bad database driver", func(c *Config) { c.Database.Driver = "mongodb" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			var payErr *types.PaymentError
			require.ErrorAs(t, err, &payErr)
			require.Equal(t, types.ErrCodeConfigError, payErr.Code)
		})
	}
}

func TestEVMNetworkWithChainID(t *testing.T) {
	yaml := `
network: base-sepolia
chain_id: 84532
rpc_endpoints:
  - https://sepolia.base.org
recipient: "0x384Aa214be0B279cbf211e9b2C992d8633F77848"
oracle:
  fallback_rate: 2500
database:
  driver: postgres
  dsn: postgres://localhost/x402pay
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	require.True(t, cfg.NetworkType().IsEVM())
	require.Equal(t, int64(84532), cfg.ChainID)
	require.Equal(t, "postgres", cfg.Database.Driver)
}
