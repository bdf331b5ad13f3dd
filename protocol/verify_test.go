package protocol

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/x402pay/chain"
	"github.com/paymesh/x402pay/oracle"
	"github.com/paymesh/x402pay/rpcpool"
	"github.com/paymesh/x402pay/session"
	"github.com/paymesh/x402pay/store/memstore"
	"github.com/paymesh/x402pay/submitter"
	"github.com/paymesh/x402pay/types"
)

const verifyRecipient = "RecipientAddr11111111111111111111111111111"

type fakeLedger struct {
	details    chain.TransferDetails
	detailsErr error
}

func (f *fakeLedger) SubmitTransfer(context.Context, chain.Transfer) (string, error) {
	return "open-sig", nil
}
func (f *fakeLedger) TransactionStatus(context.Context, string) (chain.TxState, error) {
	return chain.TxState{Status: chain.StatusConfirmed}, nil
}
func (f *fakeLedger) TransferDetails(context.Context, string) (chain.TransferDetails, error) {
	return f.details, f.detailsErr
}
func (f *fakeLedger) Balance(context.Context, string) (*big.Int, error) { return big.NewInt(0), nil }
func (f *fakeLedger) OraclePrice(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}
func (f *fakeLedger) Network() types.Network { return types.NetworkSolanaDevnet }
func (f *fakeLedger) Decimals() int32        { return 9 }
func (f *fakeLedger) Close()                 {}

type fakePayments struct{}

func (fakePayments) Pay(_ context.Context, req submitter.Request) (*types.TransactionRecord, error) {
	return &types.TransactionRecord{
		Signature:       "open-sig",
		PayerAddress:    req.PayerAddress,
		Kind:            req.Kind,
		Status:          types.TxPending,
		ReferenceAmount: req.ReferenceAmount,
		CreatedAt:       time.Now(),
	}, nil
}

func newTestVerifier(t *testing.T, ledger *fakeLedger) (*Verifier, *session.Manager) {
	t.Helper()
	pool, err := rpcpool.New([]chain.Ledger{ledger}, nil, nil)
	require.NoError(t, err)
	priceOracle := oracle.New(pool, oracle.Config{
		FallbackRate: decimal.NewFromInt(100),
	}, nil, nil, nil)
	st := memstore.New()
	sessions := session.NewManager(fakePayments{}, st, st, nil, nil, nil)
	verifier := NewVerifier(pool, sessions, priceOracle, Config{
		Recipient: verifyRecipient,
		Decimals:  9,
	}, nil, nil)
	return verifier, sessions
}

func TestVerifyNilHeaderIsPaymentRequired(t *testing.T) {
	v, _ := newTestVerifier(t, &fakeLedger{})
	_, err := v.Verify(context.Background(), nil, decimal.NewFromInt(1), "/api", "inference", "GET")
	require.ErrorIs(t, err, types.ErrPaymentRequired)
}

func TestVerifyHeaderWithoutEvidenceIsPaymentRequired(t *testing.T) {
	v, _ := newTestVerifier(t, &fakeLedger{})
	header := &PaymentHeader{Wallet: "W", Currency: "USD", TimestampMs: 1}
	_, err := v.Verify(context.Background(), header, decimal.NewFromInt(1), "/api", "inference", "GET")
	require.ErrorIs(t, err, types.ErrPaymentRequired)
}

func TestVerifySessionPathSpends(t *testing.T) {
	v, sessions := newTestVerifier(t, &fakeLedger{})
	opened, err := sessions.Open(context.Background(), "payer-1",
		decimal.RequireFromString("10.00"), "/api/*", time.Hour, false)
	require.NoError(t, err)

	header := &PaymentHeader{
		Session: opened.Token, Wallet: "payer-1", Currency: "USD", TimestampMs: 1,
	}
	result, err := v.Verify(context.Background(), header,
		decimal.RequireFromString("0.25"), "/api/chat", "inference", "POST")
	require.NoError(t, err)
	require.Equal(t, "payer-1", result.Payer)
	require.NotNil(t, result.Remaining)
	require.True(t, result.Remaining.Equal(decimal.RequireFromString("9.75")))
}

func TestVerifySessionPolicyErrorsPropagate(t *testing.T) {
	v, _ := newTestVerifier(t, &fakeLedger{})
	header := &PaymentHeader{
		Session: "ps_unknown", Wallet: "W", Currency: "USD", TimestampMs: 1,
	}
	_, err := v.Verify(context.Background(), header, decimal.NewFromInt(1), "/api", "inference", "GET")
	require.ErrorIs(t, err, types.ErrSessionNotFound)
}

func proofHeader() *PaymentHeader {
	return &PaymentHeader{
		Wallet: "payer-1", Currency: "USD", TimestampMs: 1, Proof: "proof-sig",
	}
}

func TestVerifyProofAccepted(t *testing.T) {
	// 0.01 native at rate 100 is worth 1.00 reference.
	ledger := &fakeLedger{details: chain.TransferDetails{
		Payer:     "payer-1",
		Recipient: verifyRecipient,
		Amount:    big.NewInt(10_000_000),
		Confirmed: true,
	}}
	v, _ := newTestVerifier(t, ledger)

	result, err := v.Verify(context.Background(), proofHeader(),
		decimal.RequireFromString("1.00"), "/api", "inference", "GET")
	require.NoError(t, err)
	require.Equal(t, "payer-1", result.Payer)
	require.Equal(t, "proof-sig", result.Signature)
}

func TestVerifyProofWithinRateTolerance(t *testing.T) {
	// Worth 0.995 reference against a 1.00 requirement; inside the 1% band.
	ledger := &fakeLedger{details: chain.TransferDetails{
		Payer:     "payer-1",
		Recipient: verifyRecipient,
		Amount:    big.NewInt(9_950_000),
		Confirmed: true,
	}}
	v, _ := newTestVerifier(t, ledger)

	_, err := v.Verify(context.Background(), proofHeader(),
		decimal.RequireFromString("1.00"), "/api", "inference", "GET")
	require.NoError(t, err)
}

func TestVerifyProofRejections(t *testing.T) {
	good := chain.TransferDetails{
		Payer:     "payer-1",
		Recipient: verifyRecipient,
		Amount:    big.NewInt(10_000_000),
		Confirmed: true,
	}

	cases := []struct {
		name   string
		mutate func(*fakeLedger)
	}{
		{"fetch error", func(f *fakeLedger) {
			f.detailsErr = errors.New("not found")
		}},
		{"unconfirmed", func(f *fakeLedger) {
			f.details.Confirmed = false
		}},
		{"wrong recipient", func(f *fakeLedger) {
			f.details.Recipient = "SomeoneElse"
		}},
		{"wrong payer", func(f *fakeLedger) {
			f.details.Payer = "impostor"
		}},
		{"underpaid", func(f *fakeLedger) {
			f.details.Amount = big.NewInt(5_000_000)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := &fakeLedger{details: good}
			tc.mutate(ledger)
			v, _ := newTestVerifier(t, ledger)

			_, err := v.Verify(context.Background(), proofHeader(),
				decimal.RequireFromString("1.00"), "/api", "inference", "GET")
			require.Error(t, err)
			var payErr *types.PaymentError
			require.ErrorAs(t, err, &payErr)
			require.Equal(t, types.ErrCodeVerificationFailed, payErr.Code)
		})
	}
}
