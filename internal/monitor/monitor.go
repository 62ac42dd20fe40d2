package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/cardops/internal/domain"
	"github.com/punchamoorthee/cardops/internal/queue"
	"github.com/punchamoorthee/cardops/internal/store"
)

var (
	transfersObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardops_transfers_observed_total",
		Help: "Final transfers returned by the indexer across all polls",
	})

	transfersEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardops_transfers_enqueued_total",
		Help: "Transfers that passed the dedup gate and entered reconciliation",
	})

	accountPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardops_account_poll_failures_total",
		Help: "Account polls that failed within a batch",
	})
)

// BatchMonitor executes monitor-batch jobs: it polls the indexer for every
// account in the batch, runs each final transfer through the dedup gate, and
// enqueues reconciliation work for unseen transfers.
type BatchMonitor struct {
	store      TransactionStore
	ledger     LedgerClient
	queue      Enqueuer
	window     time.Duration
	chunkSize  int
	chunkDelay time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

func NewBatchMonitor(s TransactionStore, ledger LedgerClient, q Enqueuer,
	window time.Duration, chunkSize int, chunkDelay time.Duration, log zerolog.Logger) *BatchMonitor {
	if chunkSize <= 0 {
		chunkSize = 5
	}
	return &BatchMonitor{
		store:      s,
		ledger:     ledger,
		queue:      q,
		window:     window,
		chunkSize:  chunkSize,
		chunkDelay: chunkDelay,
		log:        log.With().Str("component", "monitor").Logger(),
		now:        time.Now,
	}
}

// Handle processes one batch. Accounts run in fixed-size chunks with an
// inter-chunk delay to respect indexer rate limits; within a chunk every
// account is polled concurrently and failures never abort siblings. A batch
// with any failed account is retried whole, which is safe because polling
// and dedup are idempotent.
func (m *BatchMonitor) Handle(ctx context.Context, job *queue.Job) (queue.Disposition, error) {
	var payload BatchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fail, fmt.Errorf("batch payload decode failed: %w", err)
	}

	var failed atomic.Int64
	accounts := payload.Accounts
	for start := 0; start < len(accounts); start += m.chunkSize {
		end := start + m.chunkSize
		if end > len(accounts) {
			end = len(accounts)
		}

		var wg sync.WaitGroup
		for _, acc := range accounts[start:end] {
			wg.Add(1)
			go func(acc domain.Account) {
				defer wg.Done()
				if err := m.pollAccount(ctx, acc); err != nil {
					failed.Add(1)
					accountPollFailures.Inc()
					m.log.Warn().Err(err).
						Int64("account_id", acc.ID).
						Str("address", acc.Address).
						Msg("account poll failed")
				}
			}(acc)
		}
		wg.Wait()

		if end < len(accounts) {
			select {
			case <-ctx.Done():
				return queue.Retry, ctx.Err()
			case <-time.After(m.chunkDelay):
			}
		}
	}

	if n := failed.Load(); n > 0 {
		return queue.Retry, fmt.Errorf("%d of %d accounts failed", n, len(accounts))
	}
	return queue.Done, nil
}

func (m *BatchMonitor) pollAccount(ctx context.Context, acc domain.Account) error {
	end := m.now()
	start := end.Add(-m.window)
	transfers, err := m.ledger.ConfirmedTransfers(ctx, acc.Address, start, end)
	if err != nil {
		return err
	}
	transfersObserved.Add(float64(len(transfers)))

	for _, t := range transfers {
		if t.To != acc.Address {
			continue
		}
		if err := m.gate(ctx, acc, t); err != nil {
			return err
		}
	}
	return nil
}

// gate is the dedup gate: an existing record for the transfer id is a no-op;
// absence enqueues reconciliation. Racing duplicate enqueues across
// overlapping cycles are tolerated — the insert's uniqueness constraint is
// the final authority.
func (m *BatchMonitor) gate(ctx context.Context, acc domain.Account, t domain.Transfer) error {
	_, err := m.store.GetTransactionByTransferID(ctx, t.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("dedup lookup for transfer %s: %w", t.ID, err)
	}

	payload := ReconcilePayload{
		AccountID:    acc.ID,
		IssuerUserID: acc.IssuerUserID,
		Amount:       t.Amount,
		TransferID:   t.ID,
		ObservedAt:   t.Timestamp,
	}
	if err := m.queue.Enqueue(ctx, TypeReconcile, payload, 0); err != nil {
		return fmt.Errorf("reconcile enqueue for transfer %s: %w", t.ID, err)
	}
	transfersEnqueued.Inc()
	m.log.Info().
		Int64("account_id", acc.ID).
		Str("transfer_id", t.ID).
		Str("amount", t.Amount.String()).
		Msg("new deposit observed")
	return nil
}
