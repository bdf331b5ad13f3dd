package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionRow mirrors the payment_transactions table.
type TransactionRow struct {
	ID               string          `gorm:"type:uuid;primaryKey"`
	Signature        string          `gorm:"not null;uniqueIndex"`
	PayerAddress     string          `gorm:"not null;index"`
	Kind             string          `gorm:"not null"`
	Status           string          `gorm:"not null;index:idx_tx_status_created,priority:1"`
	NativeAmount     decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	ReferenceAmount  decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	Rate             decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	RecipientAddress string          `gorm:"not null"`
	ServiceID        string          `gorm:"index"`
	ServiceType      string          `gorm:""`
	ResourceURL      string          `gorm:""`
	Method           string          `gorm:""`
	ResponseTimeMs   int64           `gorm:""`
	CreatedAt        time.Time       `gorm:"not null;index:idx_tx_status_created,priority:2"`
	ConfirmedAt      *time.Time      `gorm:""`
	ErrorMessage     string          `gorm:""`
}

func (TransactionRow) TableName() string { return "payment_transactions" }

func (row *TransactionRow) BeforeCreate(tx *gorm.DB) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return nil
}

// SessionRow mirrors the payment_sessions table.
type SessionRow struct {
	Token            string          `gorm:"primaryKey"`
	PayerAddress     string          `gorm:"not null;index"`
	ResourcePattern  string          `gorm:"not null"`
	AuthorizedAmount decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	SpentAmount      decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	Status           string          `gorm:"not null;index"`
	ExpiresAt        time.Time       `gorm:"not null"`
	AutoRenew        bool            `gorm:"not null"`
	OpeningSignature string          `gorm:""`
	CreatedAt        time.Time       `gorm:"not null"`
}

func (SessionRow) TableName() string { return "payment_sessions" }

// CreditRow mirrors the credit_accounts table.
type CreditRow struct {
	PayerAddress       string          `gorm:"primaryKey"`
	ServiceID          string          `gorm:"primaryKey"`
	ServiceType        string          `gorm:"primaryKey"`
	Balance            decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	TotalPurchased     decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	TotalSpent         decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	AutoTopupEnabled   bool            `gorm:"not null"`
	AutoTopupThreshold decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	AutoTopupAmount    decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	CreatedAt          time.Time       `gorm:"not null"`
	UpdatedAt          time.Time       `gorm:"not null"`
}

func (CreditRow) TableName() string { return "credit_accounts" }

// UsageRow mirrors the daily_usage table.
type UsageRow struct {
	Day           string          `gorm:"primaryKey"`
	ServiceID     string          `gorm:"primaryKey"`
	ServiceType   string          `gorm:"primaryKey"`
	Revenue       decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	TxCount       int64           `gorm:"not null"`
	UniquePayers  int64           `gorm:"not null"`
	SuccessRate   float64         `gorm:"not null"`
	AvgResponseMs float64         `gorm:"not null"`
	ComputedAt    time.Time       `gorm:"not null"`
}

func (UsageRow) TableName() string { return "daily_usage" }
