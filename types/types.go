// Package types defines the shared data model of the x402pay engine:
// price quotes, transaction records, payment sessions, credit accounts,
// and the typed errors every component surfaces.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Network identifies the settlement network the engine is wired to.
type Network string

const (
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet"
	NetworkBase          Network = "base"
	NetworkBaseSepolia   Network = "base-sepolia"
	NetworkPolygon       Network = "polygon"
)

func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

func (n Network) IsEVM() bool {
	return n == NetworkBase || n == NetworkBaseSepolia || n == NetworkPolygon
}

func (n Network) String() string { return string(n) }

// TransactionKind classifies why a transaction was submitted.
type TransactionKind string

const (
	KindSessionOpen TransactionKind = "session-open"
	KindSessionUse  TransactionKind = "session-use"
	KindCreditTopup TransactionKind = "credit-topup"
	KindCreditSpend TransactionKind = "credit-spend"
	KindOther       TransactionKind = "other"
)

// TransactionStatus is the local view of a submitted transaction.
// Pending transitions to exactly one of confirmed or failed and never back.
// Completed marks local-only usage records that have no on-chain leg.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
	TxCompleted TransactionStatus = "completed"
)

// Terminal reports whether no further status transition is permitted.
func (s TransactionStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed || s == TxCompleted
}

// QuoteSource records where a price quote came from, for auditability.
type QuoteSource string

const (
	SourceOnChain    QuoteSource = "onchain"
	SourceStaleCache QuoteSource = "stale-cache"
	SourceFixed      QuoteSource = "fixed-fallback"
)

// HTTPSource tags a quote served by a named off-chain HTTP source.
func HTTPSource(name string) QuoteSource {
	return QuoteSource("http:" + name)
}

// PriceQuote converts between the stable reference unit and the settlement
// asset's native unit. Rate is reference units per one native unit, so
// NativeAmount = ReferenceAmount / Rate.
type PriceQuote struct {
	ReferenceAmount decimal.Decimal `json:"referenceAmount"`
	NativeAmount    decimal.Decimal `json:"nativeAmount"`
	Rate            decimal.Decimal `json:"rate"`
	AsOf            time.Time       `json:"asOf"`
	Source          QuoteSource     `json:"source"`
}

// TransactionRecord is the durable audit row for one submitted (or, for
// session usage, locally recorded) transaction. Never deleted.
type TransactionRecord struct {
	Signature        string            `json:"signature"`
	PayerAddress     string            `json:"payerAddress"`
	Kind             TransactionKind   `json:"kind"`
	Status           TransactionStatus `json:"status"`
	NativeAmount     decimal.Decimal   `json:"nativeAmount"`
	ReferenceAmount  decimal.Decimal   `json:"referenceAmount"`
	Rate             decimal.Decimal   `json:"rate"`
	RecipientAddress string            `json:"recipientAddress"`
	ServiceID        string            `json:"serviceId,omitempty"`
	ServiceType      string            `json:"serviceType,omitempty"`
	ResourceURL      string            `json:"resourceUrl,omitempty"`
	Method           string            `json:"method,omitempty"`
	ResponseTimeMs   int64             `json:"responseTimeMs,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ConfirmedAt      *time.Time        `json:"confirmedAt,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
}

// SessionStatus is the lifecycle state of a payment session.
// Expired, revoked and depleted are terminal.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionExpired  SessionStatus = "expired"
	SessionRevoked  SessionStatus = "revoked"
	SessionDepleted SessionStatus = "depleted"
)

func (s SessionStatus) Terminal() bool { return s != SessionActive }

// PaymentSession is a preauthorized spending envelope opened by one upfront
// payment and drawn down by metered spends.
type PaymentSession struct {
	Token            string          `json:"token"`
	PayerAddress     string          `json:"payerAddress"`
	ResourcePattern  string          `json:"resourcePattern"`
	AuthorizedAmount decimal.Decimal `json:"authorizedAmount"`
	SpentAmount      decimal.Decimal `json:"spentAmount"`
	Status           SessionStatus   `json:"status"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	AutoRenew        bool            `json:"autoRenew"`
	OpeningSignature string          `json:"openingSignature,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// RemainingAmount is always AuthorizedAmount - SpentAmount.
func (s *PaymentSession) RemainingAmount() decimal.Decimal {
	return s.AuthorizedAmount.Sub(s.SpentAmount)
}

// CreditAccount is a standing balance per (payer, service, serviceType),
// independent of session lifetime. Balance = TotalPurchased - TotalSpent.
type CreditAccount struct {
	PayerAddress       string          `json:"payerAddress"`
	ServiceID          string          `json:"serviceId"`
	ServiceType        string          `json:"serviceType"`
	Balance            decimal.Decimal `json:"balance"`
	TotalPurchased     decimal.Decimal `json:"totalPurchased"`
	TotalSpent         decimal.Decimal `json:"totalSpent"`
	AutoTopupEnabled   bool            `json:"autoTopupEnabled"`
	AutoTopupThreshold decimal.Decimal `json:"autoTopupThreshold"`
	AutoTopupAmount    decimal.Decimal `json:"autoTopupAmount"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// ServiceConfig describes the price and policy of a payable resource.
// Owned by the service catalog; read-only here.
type ServiceConfig struct {
	ServiceID        string           `json:"serviceId" validate:"required"`
	ServiceType      string           `json:"serviceType" validate:"required"`
	PricingModel     string           `json:"pricingModel" validate:"required,oneof=per-call subscription metered"`
	BasePrice        decimal.Decimal  `json:"basePrice"`
	MinPayment       decimal.Decimal  `json:"minPayment"`
	MaxPayment       *decimal.Decimal `json:"maxPayment,omitempty"`
	RequiresPreauth  bool             `json:"requiresPreauth"`
	MaxSessionAmount *decimal.Decimal `json:"maxSessionAmount,omitempty"`
}

// Validate checks the fields the engine relies on.
func (c *ServiceConfig) Validate() error {
	if c.ServiceID == "" {
		return fmt.Errorf("serviceConfig.serviceId is required")
	}
	if c.BasePrice.IsNegative() || c.MinPayment.IsNegative() {
		return fmt.Errorf("serviceConfig prices must not be negative")
	}
	if c.MaxPayment != nil && c.MaxPayment.LessThan(c.MinPayment) {
		return fmt.Errorf("serviceConfig.maxPayment below minPayment")
	}
	return nil
}

// DailyUsage is one aggregated row per (day, service, serviceType).
type DailyUsage struct {
	Day           string          `json:"day"` // YYYY-MM-DD, UTC
	ServiceID     string          `json:"serviceId"`
	ServiceType   string          `json:"serviceType"`
	Revenue       decimal.Decimal `json:"revenue"`
	TxCount       int64           `json:"txCount"`
	UniquePayers  int64           `json:"uniquePayers"`
	SuccessRate   float64         `json:"successRate"`
	AvgResponseMs float64         `json:"avgResponseMs"`
	ComputedAt    time.Time       `json:"computedAt"`
}
