// Package chain abstracts the settlement ledger behind the small surface the
// engine needs: submit a native transfer, read a transaction's status, read a
// balance, and read the on-chain reference price. Backends exist for Solana
// and EVM networks; both may be slow, inconsistent, or unavailable, which is
// the failover pool's problem, not the caller's.
package chain

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/types"
)

// TxStatus is the ledger-side view of a submitted transaction.
type TxStatus string

const (
	StatusNotFound  TxStatus = "not-found"
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
)

// TxState pairs a status with the on-chain error, if any.
type TxState struct {
	Status TxStatus
	Err    string
}

// Transfer is a native-asset transfer in atomic units (lamports, wei).
type Transfer struct {
	Recipient string
	Amount    *big.Int
}

// TransferDetails describes the settled native transfer behind a signature,
// as the ledger reports it. Used to verify standalone payment proofs.
type TransferDetails struct {
	Payer     string
	Recipient string
	Amount    *big.Int
	Confirmed bool
}

// Ledger is one settlement-network endpoint. Implementations are cheap enough
// to construct per RPC URL so the failover pool can hold one per endpoint.
type Ledger interface {
	// SubmitTransfer signs and broadcasts a native transfer from the
	// configured wallet, returning the transaction signature/hash.
	SubmitTransfer(ctx context.Context, transfer Transfer) (string, error)

	// TransactionStatus reports the ledger's current view of a signature.
	TransactionStatus(ctx context.Context, signature string) (TxState, error)

	// Balance returns the native balance of an address in atomic units.
	Balance(ctx context.Context, address string) (*big.Int, error)

	// TransferDetails fetches and decodes the transfer a signature settled.
	TransferDetails(ctx context.Context, signature string) (TransferDetails, error)

	// OraclePrice reads the primary on-chain price source, returning
	// reference units per one whole native unit.
	OraclePrice(ctx context.Context) (decimal.Decimal, error)

	Network() types.Network

	// Decimals is the atomic-unit scale of the native asset.
	Decimals() int32

	Close()
}

// NativeToAtomic converts whole native units to atomic units, truncating any
// fraction below one atomic unit.
func NativeToAtomic(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// AtomicToNative converts atomic units back to whole native units.
func AtomicToNative(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, 0).Shift(-decimals)
}
