package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/types"
)

const solanaDecimals = 9

// SolanaLedger implements Ledger over a single Solana RPC endpoint.
type SolanaLedger struct {
	network       types.Network
	rpcURL        string
	client        *rpc.Client
	wallet        solana.PrivateKey
	oracleAccount solana.PublicKey
	hasOracle     bool
}

var _ Ledger = (*SolanaLedger)(nil)

// NewSolanaLedger builds a ledger endpoint. wallet signs outbound transfers;
// oracleAccount is the price account read by OraclePrice (may be empty when
// only off-chain price sources are configured).
func NewSolanaLedger(network types.Network, rpcURL string, wallet solana.PrivateKey, oracleAccount string) (*SolanaLedger, error) {
	ledger := &SolanaLedger{
		network: network,
		rpcURL:  rpcURL,
		client:  rpc.New(rpcURL),
		wallet:  wallet,
	}
	if oracleAccount != "" {
		account, err := solana.PublicKeyFromBase58(oracleAccount)
		if err != nil {
			return nil, fmt.Errorf("invalid oracle account %q: %w", oracleAccount, err)
		}
		ledger.oracleAccount = account
		ledger.hasOracle = true
	}
	return ledger, nil
}

func (s *SolanaLedger) SubmitTransfer(ctx context.Context, transfer Transfer) (string, error) {
	if s.wallet == nil {
		return "", types.ErrSigningRejected
	}
	recipient, err := solana.PublicKeyFromBase58(transfer.Recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", transfer.Recipient, err)
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}

	from := s.wallet.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(transfer.Amount.Uint64(), from, recipient).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &s.wallet
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrSigningRejected, err)
	}

	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		if strings.Contains(err.Error(), "insufficient lamports") {
			return "", fmt.Errorf("%w: %v", types.ErrInsufficientFunds, err)
		}
		return "", fmt.Errorf("broadcast failed: %w", err)
	}
	return sig.String(), nil
}

func (s *SolanaLedger) TransactionStatus(ctx context.Context, signature string) (TxState, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return TxState{}, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	out, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return TxState{}, fmt.Errorf("get signature statuses: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return TxState{Status: StatusNotFound}, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return TxState{Status: StatusFailed, Err: fmt.Sprintf("%v", status.Err)}, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return TxState{Status: StatusConfirmed}, nil
	default:
		return TxState{Status: StatusPending}, nil
	}
}

// TransferDetails fetches a finalized transaction and extracts its system
// transfer, the same decode walk the verification path uses for payloads.
func (s *SolanaLedger) TransferDetails(ctx context.Context, signature string) (TransferDetails, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return TransferDetails{}, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	maxVersion := uint64(0)
	out, err := s.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return TransferDetails{}, fmt.Errorf("get transaction: %w", err)
	}
	if out == nil || out.Transaction == nil {
		return TransferDetails{}, fmt.Errorf("transaction %s not found", signature)
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return TransferDetails{}, fmt.Errorf("decode transaction: %w", err)
	}
	confirmed := out.Meta != nil && out.Meta.Err == nil

	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.SystemProgramID) {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}
		sysInst, err := system.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}
		transfer, ok := sysInst.Impl.(*system.Transfer)
		if !ok || len(accounts) < 2 {
			continue
		}
		return TransferDetails{
			Payer:     accounts[0].PublicKey.String(),
			Recipient: accounts[1].PublicKey.String(),
			Amount:    new(big.Int).SetUint64(*transfer.Lamports),
			Confirmed: confirmed,
		}, nil
	}
	return TransferDetails{}, fmt.Errorf("no system transfer in transaction %s", signature)
}

func (s *SolanaLedger) Balance(ctx context.Context, address string) (*big.Int, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	out, err := s.client.GetBalance(ctx, pubkey, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return new(big.Int).SetUint64(out.Value), nil
}

// pythPriceHeader is the prefix of a Pyth price account, up to and including
// the exponent. The aggregate price lives at a fixed offset past the header.
type pythPriceHeader struct {
	Magic       uint32
	Version     uint32
	AccountType uint32
	Size        uint32
	PriceType   uint32
	Exponent    int32
}

const (
	pythMagic           = 0xa1b2c3d4
	pythAggPriceOffset  = 208
	pythAggStatusOffset = 224
	pythStatusTrading   = 1
)

func (s *SolanaLedger) OraclePrice(ctx context.Context) (decimal.Decimal, error) {
	if !s.hasOracle {
		return decimal.Zero, fmt.Errorf("no oracle account configured")
	}

	out, err := s.client.GetAccountInfo(ctx, s.oracleAccount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get oracle account: %w", err)
	}
	data := out.Value.Data.GetBinary()
	if len(data) < pythAggStatusOffset+4 {
		return decimal.Zero, fmt.Errorf("oracle account data too short: %d bytes", len(data))
	}

	var header pythPriceHeader
	if err := bin.NewBinDecoder(data).Decode(&header); err != nil {
		return decimal.Zero, fmt.Errorf("decode oracle header: %w", err)
	}
	if header.Magic != pythMagic {
		return decimal.Zero, fmt.Errorf("unexpected oracle account magic %#x", header.Magic)
	}

	aggDec := bin.NewBinDecoder(data[pythAggPriceOffset:])
	rawPrice, err := aggDec.ReadInt64(bin.LE)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode aggregate price: %w", err)
	}
	statusDec := bin.NewBinDecoder(data[pythAggStatusOffset:])
	aggStatus, err := statusDec.ReadUint32(bin.LE)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode aggregate status: %w", err)
	}
	if aggStatus != pythStatusTrading {
		return decimal.Zero, fmt.Errorf("oracle not trading (status %d)", aggStatus)
	}

	price := decimal.New(rawPrice, header.Exponent)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("oracle returned non-positive price %s", price)
	}
	return price, nil
}

func (s *SolanaLedger) Network() types.Network { return s.network }

func (s *SolanaLedger) Decimals() int32 { return solanaDecimals }

func (s *SolanaLedger) Close() {}
