// Package monitor reconciles locally recorded pending transactions against
// the settlement ledger's eventual outcome. One scheduler owns the queue of
// outstanding signatures; a fixed pool of workers drains it, so tracking
// load never grows timers or goroutines. Terminal writes go through the
// store's compare-and-set, so a confirmed transaction is never overwritten.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paymesh/x402pay/chain"
	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
	"github.com/paymesh/x402pay/rpcpool"
	"github.com/paymesh/x402pay/store"
	"github.com/paymesh/x402pay/types"
)

// Config tunes the monitor. Zero values get defaults from New.
type Config struct {
	// PollInterval is the delay between status polls for one transaction.
	PollInterval time.Duration

	// ConfirmTimeout bounds how long a transaction is polled before being
	// left pending for restart-time reconciliation.
	ConfirmTimeout time.Duration

	// RestartGrace excludes very fresh pendings from Recover, since their
	// original poll loop may still be running elsewhere.
	RestartGrace time.Duration

	// Workers is the size of the polling worker pool.
	Workers int

	// PollTimeout bounds a single status query.
	PollTimeout time.Duration
}

type job struct {
	signature string
	deadline  time.Time
	due       time.Time
}

type Monitor struct {
	pool    *rpcpool.Pool
	txStore store.TransactionStore
	cfg     Config
	log     logger.Logger
	rec     metrics.Recorder
	now     func() time.Time

	mu      sync.Mutex
	waiting []job
	tracked map[string]struct{}

	queue chan job
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func New(pool *rpcpool.Pool, txStore store.TransactionStore, cfg Config, log logger.Logger, rec metrics.Recorder, now func() time.Time) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Minute
	}
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 15 * time.Second
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		pool:    pool,
		txStore: txStore,
		cfg:     cfg,
		log:     log,
		rec:     rec,
		now:     now,
		tracked: make(map[string]struct{}),
		queue:   make(chan job, 256),
		stop:    make(chan struct{}),
	}
}

// Start launches the scheduler and worker pool. Safe to call once.
func (m *Monitor) Start() {
	m.once.Do(func() {
		m.wg.Add(1)
		go m.scheduler()
		for i := 0; i < m.cfg.Workers; i++ {
			m.wg.Add(1)
			go m.worker()
		}
	})
}

// Register begins polling a pending transaction. Re-registering a signature
// already being tracked is a no-op.
func (m *Monitor) Register(signature string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[signature]; ok {
		return
	}
	m.tracked[signature] = struct{}{}
	m.waiting = append(m.waiting, job{
		signature: signature,
		deadline:  now.Add(m.cfg.ConfirmTimeout),
		due:       now,
	})
}

// Recover re-registers transactions still pending from before a restart.
// This is the crash-safety mechanism between submission and confirmation.
func (m *Monitor) Recover(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.RestartGrace)
	records, err := m.txStore.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		m.Register(record.Signature)
	}
	if len(records) > 0 {
		m.log.Info("re-registered pending transactions for reconciliation", map[string]any{
			"count": len(records),
		})
	}
	return len(records), nil
}

// Outstanding reports how many signatures are currently tracked.
func (m *Monitor) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Close stops the scheduler and workers and waits for them to drain.
func (m *Monitor) Close() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) scheduler() {
	defer m.wg.Done()
	tick := time.NewTicker(m.cfg.PollInterval / 5)
	defer tick.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-tick.C:
			m.dispatchDue()
		}
	}
}

func (m *Monitor) dispatchDue() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := m.waiting[:0]
	for _, j := range m.waiting {
		if j.due.After(now) {
			remaining = append(remaining, j)
			continue
		}
		select {
		case m.queue <- j:
		default:
			// Queue full; keep the job waiting for the next tick.
			remaining = append(remaining, j)
		}
	}
	m.waiting = remaining
}

func (m *Monitor) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case j := <-m.queue:
			m.process(j)
		}
	}
}

func (m *Monitor) process(j job) {
	if m.now().After(j.deadline) {
		// Left pending on purpose: Recover picks it up after restart rather
		// than guessing an outcome.
		m.untrack(j.signature)
		m.rec.IncCounter("monitor_poll_timeout", nil)
		m.log.Warn("confirmation window elapsed, leaving transaction pending", map[string]any{
			"signature": j.signature,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollTimeout)
	defer cancel()

	var state chain.TxState
	err := m.pool.Execute(ctx, func(ctx context.Context, ledger chain.Ledger) error {
		var pollErr error
		state, pollErr = ledger.TransactionStatus(ctx, j.signature)
		return pollErr
	})
	if err != nil {
		// Transient by definition; never marks the transaction failed.
		m.rec.IncCounter("monitor_poll_error", nil)
		m.log.Debug("status poll failed, will retry", map[string]any{
			"signature": j.signature,
			"error":     err.Error(),
		})
		m.requeue(j)
		return
	}

	switch state.Status {
	case chain.StatusConfirmed:
		m.finalize(ctx, j, types.TxConfirmed, "")
	case chain.StatusFailed:
		m.finalize(ctx, j, types.TxFailed, state.Err)
	default:
		// Not seen yet or still pending on-chain.
		m.requeue(j)
	}
}

func (m *Monitor) finalize(ctx context.Context, j job, status types.TransactionStatus, errMsg string) {
	applied, err := m.txStore.FinalizeTransaction(ctx, j.signature, status, m.now(), errMsg)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.untrack(j.signature)
			m.log.Error("polled transaction has no record", map[string]any{"signature": j.signature})
			return
		}
		// Storage hiccup; the ledger answer is stable, poll again later.
		m.requeue(j)
		return
	}
	m.untrack(j.signature)
	m.rec.IncCounter("monitor_"+string(status), nil)
	if applied {
		m.log.Info("transaction finalized", map[string]any{
			"signature": j.signature,
			"status":    string(status),
			"error":     errMsg,
		})
	}
}

func (m *Monitor) requeue(j job) {
	j.due = m.now().Add(m.cfg.PollInterval)
	m.mu.Lock()
	m.waiting = append(m.waiting, j)
	m.mu.Unlock()
}

func (m *Monitor) untrack(signature string) {
	m.mu.Lock()
	delete(m.tracked, signature)
	m.mu.Unlock()
}
