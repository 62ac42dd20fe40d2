package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a managed deposit account: one on-chain address watched for
// inbound stablecoin transfers, linked to a user on the card-issuing platform.
// The address is immutable once assigned.
type Account struct {
	ID           int64     `json:"id"`
	Address      string    `json:"address"`
	IssuerUserID string    `json:"issuer_user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Transfer is one token movement reported by the ledger indexer.
// Transfers are ephemeral: they are produced per poll and never persisted.
type Transfer struct {
	ID        string          `json:"transaction_id"`
	Amount    decimal.Decimal `json:"amount"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Confirmed bool            `json:"confirmed"`
	Reverted  bool            `json:"reverted"`
	Result    string          `json:"result"`
}

// ApplicationStatus mirrors the issuer's top-up application lifecycle.
type ApplicationStatus int

const (
	ApplicationPending  ApplicationStatus = 0
	ApplicationApproved ApplicationStatus = 1
	ApplicationRejected ApplicationStatus = 2
)

// TopupApplication is the issuer-side pending record for a requested balance
// credit. It is owned by the issuer and only mirrored transiently here.
type TopupApplication struct {
	ID         string            `json:"id"`
	Amount     decimal.Decimal   `json:"amount"`
	Status     ApplicationStatus `json:"status"`
	CreateTime time.Time         `json:"createTime"`
}

// TransactionStatus is the terminal state of a recorded deposit.
type TransactionStatus string

const (
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Transaction is the system of record: exactly one row per on-chain transfer,
// created by the reconciliation step and immutable afterwards. Uniqueness of
// ExternalTransferID is enforced by the store and is the single source of
// truth for at-most-once recording.
type Transaction struct {
	ID                 int64             `json:"id"`
	AccountID          int64             `json:"account_id"`
	ExternalTransferID string            `json:"external_transfer_id"`
	Amount             decimal.Decimal   `json:"amount"`
	Status             TransactionStatus `json:"status"`
	ApplicationID      string            `json:"application_id,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}
