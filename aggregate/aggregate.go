// Package aggregate rolls per-transaction records into daily per-service
// statistics. It runs as a batch job off the request path and is idempotent:
// rerunning a day overwrites the previous rows instead of double-counting.
package aggregate

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/types"
)

type Aggregator struct {
	txLog store.TransactionStore
	usage store.UsageStore
	log   logger.Logger
	now   func() time.Time
}

func New(txLog store.TransactionStore, usage store.UsageStore, log logger.Logger, now func() time.Time) *Aggregator {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{txLog: txLog, usage: usage, log: log, now: now}
}

type groupKey struct {
	serviceID   string
	serviceType string
}

type groupAccum struct {
	revenue       decimal.Decimal
	txCount       int64
	succeeded     int64
	payers        map[string]struct{}
	responseTotal int64
	responseCount int64
}

// RunDay aggregates all transaction records created on day (YYYY-MM-DD, UTC)
// and upserts one row per (day, service, serviceType). Returns the rows
// written, ordered by service.
func (a *Aggregator) RunDay(ctx context.Context, day string) ([]*types.DailyUsage, error) {
	records, err := a.txLog.ListTransactionsByDay(ctx, day)
	if err != nil {
		return nil, err
	}

	groups := make(map[groupKey]*groupAccum)
	for _, record := range records {
		key := groupKey{serviceID: record.ServiceID, serviceType: record.ServiceType}
		accum, ok := groups[key]
		if !ok {
			accum = &groupAccum{payers: make(map[string]struct{})}
			groups[key] = accum
		}
		accum.txCount++
		accum.payers[record.PayerAddress] = struct{}{}
		if record.Status == types.TxConfirmed || record.Status == types.TxCompleted {
			accum.succeeded++
			accum.revenue = accum.revenue.Add(record.ReferenceAmount)
		}
		if record.ResponseTimeMs > 0 {
			accum.responseTotal += record.ResponseTimeMs
			accum.responseCount++
		}
	}

	out := make([]*types.DailyUsage, 0, len(groups))
	for key, accum := range groups {
		row := &types.DailyUsage{
			Day:          day,
			ServiceID:    key.serviceID,
			ServiceType:  key.serviceType,
			Revenue:      accum.revenue,
			TxCount:      accum.txCount,
			UniquePayers: int64(len(accum.payers)),
			ComputedAt:   a.now(),
		}
		if accum.txCount > 0 {
			row.SuccessRate = float64(accum.succeeded) / float64(accum.txCount)
		}
		if accum.responseCount > 0 {
			row.AvgResponseMs = float64(accum.responseTotal) / float64(accum.responseCount)
		}
		if err := a.usage.UpsertDailyUsage(ctx, row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceID != out[j].ServiceID {
			return out[i].ServiceID < out[j].ServiceID
		}
		return out[i].ServiceType < out[j].ServiceType
	})

	a.log.Info("daily usage aggregated", map[string]any{
		"day":    day,
		"groups": len(out),
	})
	return out, nil
}
