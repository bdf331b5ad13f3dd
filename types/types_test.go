package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNetworkFamilies(t *testing.T) {
	require.True(t, NetworkSolanaMainnet.IsSolana())
	require.True(t, NetworkSolanaDevnet.IsSolana())
	require.False(t, NetworkSolanaDevnet.IsEVM())
	require.True(t, NetworkBase.IsEVM())
	require.True(t, NetworkPolygon.IsEVM())
	require.False(t, Network("dogecoin").IsSolana())
	require.False(t, Network("dogecoin").IsEVM())
}

func TestTransactionStatusTerminal(t *testing.T) {
	require.False(t, TxPending.Terminal())
	require.True(t, TxConfirmed.Terminal())
	require.True(t, TxFailed.Terminal())
	require.True(t, TxCompleted.Terminal())
}

func TestSessionRemainingAmount(t *testing.T) {
	session := PaymentSession{
		AuthorizedAmount: decimal.RequireFromString("10.00"),
		SpentAmount:      decimal.RequireFromString("3.25"),
	}
	require.True(t, session.RemainingAmount().Equal(decimal.RequireFromString("6.75")))
}

func TestPaymentErrorMatchesByCode(t *testing.T) {
	err := NewPaymentError(ErrCodeSessionExpired, "session %s expired", "ps_abc")
	require.ErrorIs(t, err, ErrSessionExpired)
	require.NotErrorIs(t, err, ErrSessionRevoked)

	wrapped := fmt.Errorf("spend failed: %w", err)
	require.ErrorIs(t, wrapped, ErrSessionExpired)
	require.NotErrorIs(t, wrapped, errors.New("spend failed"))
}

func TestAutoTopupRequiredCarriesSuggestedAmount(t *testing.T) {
	suggested := decimal.RequireFromString("10.00")
	err := AutoTopupRequired(suggested)
	require.ErrorIs(t, err, ErrAutoTopupRequired)

	var payErr *PaymentError
	require.ErrorAs(t, error(err), &payErr)
	require.Equal(t, suggested, payErr.Data)
}

func TestHTTPSourceTag(t *testing.T) {
	require.Equal(t, QuoteSource("http:coingecko"), HTTPSource("coingecko"))
}
