package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/cardops/internal/domain"
)

// Batch is one planner output: a slice of accounts, the concurrency lane it
// was assigned, and the delay before it becomes eligible to run.
type Batch struct {
	Accounts []domain.Account
	Lane     int
	Delay    time.Duration
}

// PlanBatches partitions accounts into fixed-size batches and staggers them
// across lanes: batch i runs on lane i mod lanes after lane*laneDelay.
// Execution order is governed by worker availability, not batch index.
func PlanBatches(accounts []domain.Account, batchSize, lanes int, laneDelay time.Duration) []Batch {
	if len(accounts) == 0 || batchSize <= 0 {
		return nil
	}
	if lanes <= 0 {
		lanes = 1
	}
	batches := make([]Batch, 0, (len(accounts)+batchSize-1)/batchSize)
	for start := 0; start < len(accounts); start += batchSize {
		end := start + batchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		lane := len(batches) % lanes
		batches = append(batches, Batch{
			Accounts: accounts[start:end],
			Lane:     lane,
			Delay:    time.Duration(lane) * laneDelay,
		})
	}
	return batches
}

// MaintenanceState gates planning. The ops layer owns the concrete state
// object; the planner only reads it.
type MaintenanceState interface {
	Enabled() bool
}

// Planner snapshots the monitored accounts each cycle and enqueues the
// resulting batches up front.
type Planner struct {
	accounts    AccountLister
	queue       Enqueuer
	maintenance MaintenanceState
	batchSize   int
	lanes       int
	laneDelay   time.Duration
	log         zerolog.Logger

	cycle atomic.Int64
}

func NewPlanner(accounts AccountLister, queue Enqueuer, maintenance MaintenanceState,
	batchSize, lanes int, laneDelay time.Duration, log zerolog.Logger) *Planner {
	return &Planner{
		accounts:    accounts,
		queue:       queue,
		maintenance: maintenance,
		batchSize:   batchSize,
		lanes:       lanes,
		laneDelay:   laneDelay,
		log:         log.With().Str("component", "planner").Logger(),
	}
}

// Cycle runs one planning pass. Enqueue failures are logged and dropped; the
// next cycle is unaffected. Cycles never wait for previous batches to finish;
// overlap is tolerated because the pipeline is idempotent end to end.
func (p *Planner) Cycle(ctx context.Context) {
	if p.maintenance != nil && p.maintenance.Enabled() {
		p.log.Info().Msg("maintenance mode on, skipping planning cycle")
		return
	}

	accounts, err := p.accounts.ListAccounts(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("account listing failed, cycle dropped")
		return
	}

	cycle := p.cycle.Add(1)
	batches := PlanBatches(accounts, p.batchSize, p.lanes, p.laneDelay)
	enqueued := 0
	for _, batch := range batches {
		payload := BatchPayload{Cycle: cycle, Accounts: batch.Accounts}
		if err := p.queue.Enqueue(ctx, TypeMonitorBatch, payload, batch.Delay); err != nil {
			p.log.Error().Err(err).Int("lane", batch.Lane).Msg("batch enqueue failed, dropped")
			continue
		}
		enqueued++
	}
	p.log.Info().
		Int64("cycle", cycle).
		Int("accounts", len(accounts)).
		Int("batches", len(batches)).
		Int("enqueued", enqueued).
		Msg("planning cycle complete")
}
