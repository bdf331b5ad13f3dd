// Package rpcpool runs ledger operations against an ordered list of
// equivalent RPC endpoints, advancing to the next endpoint on failure and
// remembering the one that worked. Any endpoint in the list is a valid
// substitute, so the current-endpoint pointer is last-writer-wins.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/paymesh/x402pay/chain"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
	"github.com/paymesh/x402pay/types"
)

// Operation is one unit of work against a ledger endpoint.
type Operation func(ctx context.Context, ledger chain.Ledger) error

// permanentError marks a failure that no other endpoint can fix, such as a
// payer declining to sign. Execute returns it immediately without failover.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Execute surfaces it without trying other endpoints.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Pool is safe for concurrent use.
type Pool struct {
	ledgers []chain.Ledger
	current atomic.Int64
	log     logger.Logger
	rec     metrics.Recorder
}

// New builds a pool over the given endpoints, preferred in order.
func New(ledgers []chain.Ledger, log logger.Logger, rec metrics.Recorder) (*Pool, error) {
	if len(ledgers) == 0 {
		return nil, fmt.Errorf("rpcpool: at least one endpoint required")
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Pool{ledgers: ledgers, log: log, rec: rec}, nil
}

// Execute runs op against the currently preferred endpoint, retrying against
// the next endpoint (wrapping) on failure, up to pool-size attempts. On
// success the endpoint that worked becomes the preferred one. Callers see
// only success or an exhausted-pool error; a context error stops early.
func (p *Pool) Execute(ctx context.Context, op Operation) error {
	start := int(p.current.Load())
	var failures []string

	for attempt := 0; attempt < len(p.ledgers); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := (start + attempt) % len(p.ledgers)
		err := op(ctx, p.ledgers[idx])
		if err == nil {
			p.current.Store(int64(idx))
			return nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}

		failures = append(failures, fmt.Sprintf("endpoint %d (%s): %v", idx, p.ledgers[idx].Network(), err))
		p.rec.IncCounter("pool_failover", map[string]string{"network": p.ledgers[idx].Network().String()})
		p.log.Warn("rpc endpoint failed, advancing", map[string]any{
			"endpoint": idx,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		})
	}

	return fmt.Errorf("%w after %d attempts: %s",
		types.ErrPoolExhausted, len(p.ledgers), strings.Join(failures, "; "))
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int { return len(p.ledgers) }

// Close closes every endpoint.
func (p *Pool) Close() {
	for _, ledger := range p.ledgers {
		ledger.Close()
	}
}
