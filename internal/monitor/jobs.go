// Package monitor implements the deposit pipeline: batch planning, account
// polling with dedup, reconciliation against the issuer, and expiry sweeps.
package monitor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/cardops/internal/domain"
)

// Queue job types consumed by the pipeline's worker pools.
const (
	TypeMonitorBatch = "monitor-batch"
	TypeReconcile    = "reconcile"
)

// BatchPayload carries one planned batch of accounts. Accounts are embedded
// rather than referenced: addresses are immutable, so the snapshot cannot go
// stale between planning and execution.
type BatchPayload struct {
	Cycle    int64            `json:"cycle"`
	Accounts []domain.Account `json:"accounts"`
}

// ReconcilePayload carries one observed transfer toward a durable record.
type ReconcilePayload struct {
	AccountID    int64           `json:"account_id"`
	IssuerUserID string          `json:"issuer_user_id"`
	Amount       decimal.Decimal `json:"amount"`
	TransferID   string          `json:"transfer_id"`
	ObservedAt   time.Time       `json:"observed_at"`
}

// TransactionStore is the narrow repository surface the pipeline needs.
type TransactionStore interface {
	// GetTransactionByTransferID returns store.ErrNotFound when the transfer
	// has no durable record yet.
	GetTransactionByTransferID(ctx context.Context, transferID string) (*domain.Transaction, error)
	// InsertTransaction returns store.ErrDuplicateTransaction on a uniqueness
	// violation, the final idempotence backstop.
	InsertTransaction(ctx context.Context, txn domain.Transaction) (int64, error)
}

// AccountLister enumerates the monitored accounts.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
}

// Enqueuer is the queue surface the pipeline writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, delay time.Duration) error
}

// LedgerClient polls the indexer for final inbound transfers.
type LedgerClient interface {
	ConfirmedTransfers(ctx context.Context, address string, start, end time.Time) ([]domain.Transfer, error)
}
