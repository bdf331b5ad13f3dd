// Package gormstore implements store.Store on a relational database through
// GORM. Balance and status mutations are guarded UPDATEs checked through
// RowsAffected, so two concurrent spends can never both pass the same check.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/types"
)

// Store implements store.Store using GORM.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// New returns a Store backed by an existing gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// OpenSQLite opens (or creates) a SQLite database and migrates the schema.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return migrate(db)
}

// OpenPostgres connects to Postgres and migrates the schema.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return migrate(db)
}

func migrate(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&TransactionRow{}, &SessionRow{}, &CreditRow{}, &UsageRow{}); err != nil {
		return nil, err
	}
	return New(db), nil
}

func (s *Store) InsertTransaction(ctx context.Context, record *types.TransactionRecord) error {
	row := transactionRowFrom(record)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) GetTransaction(ctx context.Context, signature string) (*types.TransactionRecord, error) {
	var row TransactionRow
	err := s.db.WithContext(ctx).Where("signature = ?", signature).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord(), nil
}

func (s *Store) FinalizeTransaction(ctx context.Context, signature string, status types.TransactionStatus, confirmedAt time.Time, errMsg string) (bool, error) {
	updates := map[string]interface{}{
		"status":        string(status),
		"error_message": errMsg,
	}
	if status == types.TxConfirmed {
		updates["confirmed_at"] = confirmedAt
	}
	res := s.db.WithContext(ctx).
		Model(&TransactionRow{}).
		Where("signature = ? AND status = ?", signature, string(types.TxPending)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// Distinguish "already terminal" from "no such row".
	var count int64
	if err := s.db.WithContext(ctx).Model(&TransactionRow{}).
		Where("signature = ?", signature).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*types.TransactionRecord, error) {
	var rows []TransactionRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(types.TxPending), cutoff).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

func (s *Store) ListTransactionsByDay(ctx context.Context, day string) ([]*types.TransactionRecord, error) {
	start, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, err
	}
	var rows []TransactionRow
	err = s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", start, start.AddDate(0, 0, 1)).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

func (s *Store) InsertSession(ctx context.Context, session *types.PaymentSession) error {
	row := SessionRow{
		Token:            session.Token,
		PayerAddress:     session.PayerAddress,
		ResourcePattern:  session.ResourcePattern,
		AuthorizedAmount: session.AuthorizedAmount,
		SpentAmount:      session.SpentAmount,
		Status:           string(session.Status),
		ExpiresAt:        session.ExpiresAt,
		AutoRenew:        session.AutoRenew,
		OpeningSignature: session.OpeningSignature,
		CreatedAt:        session.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) GetSession(ctx context.Context, token string) (*types.PaymentSession, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toSession(), nil
}

func (s *Store) ApplySessionSpend(ctx context.Context, token string, amount decimal.Decimal, _ time.Time) (*types.PaymentSession, bool, error) {
	var (
		out     *types.PaymentSession
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SessionRow{}).
			Where("token = ? AND status = ? AND authorized_amount - spent_amount >= ?",
				token, string(types.SessionActive), amount).
			Update("spent_amount", gorm.Expr("spent_amount + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		if applied {
			if err := tx.Model(&SessionRow{}).
				Where("token = ? AND status = ? AND authorized_amount - spent_amount = 0",
					token, string(types.SessionActive)).
				Update("status", string(types.SessionDepleted)).Error; err != nil {
				return err
			}
		}
		var row SessionRow
		if err := tx.Where("token = ?", token).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		out = row.toSession()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, token string, from, to types.SessionStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&SessionRow{}).
		Where("token = ? AND status = ?", token, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&SessionRow{}).
		Where("token = ?", token).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) GetCreditAccount(ctx context.Context, key store.CreditKey) (*types.CreditAccount, error) {
	var row CreditRow
	err := s.db.WithContext(ctx).
		Where("payer_address = ? AND service_id = ? AND service_type = ?",
			key.PayerAddress, key.ServiceID, key.ServiceType).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toAccount(), nil
}

func (s *Store) ApplyCreditTopup(ctx context.Context, key store.CreditKey, amount decimal.Decimal, now time.Time) (*types.CreditAccount, error) {
	var out *types.CreditAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := CreditRow{
			PayerAddress:       key.PayerAddress,
			ServiceID:          key.ServiceID,
			ServiceType:        key.ServiceType,
			Balance:            decimal.Zero,
			TotalPurchased:     decimal.Zero,
			TotalSpent:         decimal.Zero,
			AutoTopupThreshold: decimal.Zero,
			AutoTopupAmount:    decimal.Zero,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Model(&CreditRow{}).
			Where("payer_address = ? AND service_id = ? AND service_type = ?",
				key.PayerAddress, key.ServiceID, key.ServiceType).
			Updates(map[string]interface{}{
				"balance":         gorm.Expr("balance + ?", amount),
				"total_purchased": gorm.Expr("total_purchased + ?", amount),
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}
		var updated CreditRow
		if err := tx.Where("payer_address = ? AND service_id = ? AND service_type = ?",
			key.PayerAddress, key.ServiceID, key.ServiceType).First(&updated).Error; err != nil {
			return err
		}
		out = updated.toAccount()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ApplyCreditSpend(ctx context.Context, key store.CreditKey, amount decimal.Decimal, now time.Time) (*types.CreditAccount, bool, error) {
	var (
		out     *types.CreditAccount
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CreditRow{}).
			Where("payer_address = ? AND service_id = ? AND service_type = ? AND balance >= ?",
				key.PayerAddress, key.ServiceID, key.ServiceType, amount).
			Updates(map[string]interface{}{
				"balance":     gorm.Expr("balance - ?", amount),
				"total_spent": gorm.Expr("total_spent + ?", amount),
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		var row CreditRow
		if err := tx.Where("payer_address = ? AND service_id = ? AND service_type = ?",
			key.PayerAddress, key.ServiceID, key.ServiceType).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		out = row.toAccount()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *Store) SetAutoTopup(ctx context.Context, key store.CreditKey, enabled bool, threshold, amount decimal.Decimal) error {
	res := s.db.WithContext(ctx).
		Model(&CreditRow{}).
		Where("payer_address = ? AND service_id = ? AND service_type = ?",
			key.PayerAddress, key.ServiceID, key.ServiceType).
		Updates(map[string]interface{}{
			"auto_topup_enabled":   enabled,
			"auto_topup_threshold": threshold,
			"auto_topup_amount":    amount,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertDailyUsage(ctx context.Context, usage *types.DailyUsage) error {
	row := UsageRow{
		Day:           usage.Day,
		ServiceID:     usage.ServiceID,
		ServiceType:   usage.ServiceType,
		Revenue:       usage.Revenue,
		TxCount:       usage.TxCount,
		UniquePayers:  usage.UniquePayers,
		SuccessRate:   usage.SuccessRate,
		AvgResponseMs: usage.AvgResponseMs,
		ComputedAt:    usage.ComputedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "day"}, {Name: "service_id"}, {Name: "service_type"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *Store) GetDailyUsage(ctx context.Context, day, serviceID, serviceType string) (*types.DailyUsage, error) {
	var row UsageRow
	err := s.db.WithContext(ctx).
		Where("day = ? AND service_id = ? AND service_type = ?", day, serviceID, serviceType).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &types.DailyUsage{
		Day:           row.Day,
		ServiceID:     row.ServiceID,
		ServiceType:   row.ServiceType,
		Revenue:       row.Revenue,
		TxCount:       row.TxCount,
		UniquePayers:  row.UniquePayers,
		SuccessRate:   row.SuccessRate,
		AvgResponseMs: row.AvgResponseMs,
		ComputedAt:    row.ComputedAt,
	}, nil
}

func transactionRowFrom(record *types.TransactionRecord) TransactionRow {
	return TransactionRow{
		Signature:        record.Signature,
		PayerAddress:     record.PayerAddress,
		Kind:             string(record.Kind),
		Status:           string(record.Status),
		NativeAmount:     record.NativeAmount,
		ReferenceAmount:  record.ReferenceAmount,
		Rate:             record.Rate,
		RecipientAddress: record.RecipientAddress,
		ServiceID:        record.ServiceID,
		ServiceType:      record.ServiceType,
		ResourceURL:      record.ResourceURL,
		Method:           record.Method,
		ResponseTimeMs:   record.ResponseTimeMs,
		CreatedAt:        record.CreatedAt,
		ConfirmedAt:      record.ConfirmedAt,
		ErrorMessage:     record.ErrorMessage,
	}
}

func (row *TransactionRow) toRecord() *types.TransactionRecord {
	return &types.TransactionRecord{
		Signature:        row.Signature,
		PayerAddress:     row.PayerAddress,
		Kind:             types.TransactionKind(row.Kind),
		Status:           types.TransactionStatus(row.Status),
		NativeAmount:     row.NativeAmount,
		ReferenceAmount:  row.ReferenceAmount,
		Rate:             row.Rate,
		RecipientAddress: row.RecipientAddress,
		ServiceID:        row.ServiceID,
		ServiceType:      row.ServiceType,
		ResourceURL:      row.ResourceURL,
		Method:           row.Method,
		ResponseTimeMs:   row.ResponseTimeMs,
		CreatedAt:        row.CreatedAt,
		ConfirmedAt:      row.ConfirmedAt,
		ErrorMessage:     row.ErrorMessage,
	}
}

func toRecords(rows []TransactionRow) []*types.TransactionRecord {
	out := make([]*types.TransactionRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out
}

func (row *SessionRow) toSession() *types.PaymentSession {
	return &types.PaymentSession{
		Token:            row.Token,
		PayerAddress:     row.PayerAddress,
		ResourcePattern:  row.ResourcePattern,
		AuthorizedAmount: row.AuthorizedAmount,
		SpentAmount:      row.SpentAmount,
		Status:           types.SessionStatus(row.Status),
		ExpiresAt:        row.ExpiresAt,
		AutoRenew:        row.AutoRenew,
		OpeningSignature: row.OpeningSignature,
		CreatedAt:        row.CreatedAt,
	}
}

func (row *CreditRow) toAccount() *types.CreditAccount {
	return &types.CreditAccount{
		PayerAddress:       row.PayerAddress,
		ServiceID:          row.ServiceID,
		ServiceType:        row.ServiceType,
		Balance:            row.Balance,
		TotalPurchased:     row.TotalPurchased,
		TotalSpent:         row.TotalSpent,
		AutoTopupEnabled:   row.AutoTopupEnabled,
		AutoTopupThreshold: row.AutoTopupThreshold,
		AutoTopupAmount:    row.AutoTopupAmount,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}
