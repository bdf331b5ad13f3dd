package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/types"
)

const (
	evmDecimals        = 18
	transferGasLimit   = 21000
	aggregatorDecimals = 8
)

// latestAnswer() selector on a Chainlink-style aggregator.
var latestAnswerSelector = []byte{0x50, 0xd2, 0x5b, 0xcd}

// EVMLedger implements Ledger over a single EVM RPC endpoint.
type EVMLedger struct {
	network    types.Network
	client     *ethclient.Client
	key        *ecdsa.PrivateKey
	chainID    *big.Int
	aggregator common.Address
	hasOracle  bool
}

var _ Ledger = (*EVMLedger)(nil)

// NewEVMLedger dials an EVM endpoint. aggregator is a Chainlink-style price
// feed contract read by OraclePrice (may be empty).
func NewEVMLedger(network types.Network, rpcURL string, key *ecdsa.PrivateKey, chainID *big.Int, aggregator string) (*EVMLedger, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	ledger := &EVMLedger{
		network: network,
		client:  client,
		key:     key,
		chainID: chainID,
	}
	if aggregator != "" {
		ledger.aggregator = common.HexToAddress(aggregator)
		ledger.hasOracle = true
	}
	return ledger, nil
}

func (e *EVMLedger) SubmitTransfer(ctx context.Context, transfer Transfer) (string, error) {
	if e.key == nil {
		return "", types.ErrSigningRejected
	}
	from := crypto.PubkeyToAddress(e.key.PublicKey)
	to := common.HexToAddress(transfer.Recipient)

	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	tx := gethtypes.NewTransaction(nonce, to, transfer.Amount, transferGasLimit, gasPrice, nil)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrSigningRejected, err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return "", fmt.Errorf("%w: %v", types.ErrInsufficientFunds, err)
		}
		return "", fmt.Errorf("broadcast failed: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (e *EVMLedger) TransactionStatus(ctx context.Context, signature string) (TxState, error) {
	hash := common.HexToHash(signature)

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == gethtypes.ReceiptStatusSuccessful {
			return TxState{Status: StatusConfirmed}, nil
		}
		return TxState{Status: StatusFailed, Err: "transaction reverted"}, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return TxState{}, fmt.Errorf("transaction receipt: %w", err)
	}

	// No receipt yet: distinguish known-to-the-node from unknown. A mined
	// transaction whose receipt has not surfaced yet is still pending.
	_, _, err = e.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxState{Status: StatusNotFound}, nil
	}
	if err != nil {
		return TxState{}, fmt.Errorf("transaction by hash: %w", err)
	}
	return TxState{Status: StatusPending}, nil
}

func (e *EVMLedger) TransferDetails(ctx context.Context, signature string) (TransferDetails, error) {
	hash := common.HexToHash(signature)

	tx, pending, err := e.client.TransactionByHash(ctx, hash)
	if err != nil {
		return TransferDetails{}, fmt.Errorf("transaction by hash: %w", err)
	}
	if tx.To() == nil {
		return TransferDetails{}, fmt.Errorf("transaction %s is a contract creation", signature)
	}

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(e.chainID), tx)
	if err != nil {
		return TransferDetails{}, fmt.Errorf("recover sender: %w", err)
	}

	details := TransferDetails{
		Payer:     sender.Hex(),
		Recipient: tx.To().Hex(),
		Amount:    tx.Value(),
	}
	if pending {
		return details, nil
	}
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return TransferDetails{}, fmt.Errorf("transaction receipt: %w", err)
	}
	details.Confirmed = receipt.Status == gethtypes.ReceiptStatusSuccessful
	return details, nil
}

func (e *EVMLedger) Balance(ctx context.Context, address string) (*big.Int, error) {
	balance, err := e.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("balance at: %w", err)
	}
	return balance, nil
}

func (e *EVMLedger) OraclePrice(ctx context.Context) (decimal.Decimal, error) {
	if !e.hasOracle {
		return decimal.Zero, fmt.Errorf("no aggregator configured")
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{
		To:   &e.aggregator,
		Data: latestAnswerSelector,
	}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("call aggregator: %w", err)
	}
	if len(out) == 0 {
		return decimal.Zero, fmt.Errorf("aggregator returned no data")
	}
	raw := new(big.Int).SetBytes(out)
	price := decimal.NewFromBigInt(raw, -aggregatorDecimals)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("aggregator returned non-positive price %s", price)
	}
	return price, nil
}

func (e *EVMLedger) Network() types.Network { return e.network }

func (e *EVMLedger) Decimals() int32 { return evmDecimals }

func (e *EVMLedger) Close() { e.client.Close() }
