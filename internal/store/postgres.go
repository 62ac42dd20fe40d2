package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/cardops/internal/domain"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateTransaction = errors.New("transaction already recorded")
)

const uniqueViolation = "23505"

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Init creates the schema if it does not exist. The unique index on
// external_transfer_id is the at-most-once authority for deposit recording.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL UNIQUE,
			issuer_user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			external_transfer_id TEXT NOT NULL UNIQUE,
			amount NUMERIC(20,6) NOT NULL,
			status TEXT NOT NULL,
			application_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL,
			run_at TIMESTAMPTZ NOT NULL,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (type, status, run_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.Db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema init failed: %w", err)
		}
	}
	return nil
}

// CreateAccount registers a new monitored deposit address.
func (s *Store) CreateAccount(ctx context.Context, address, issuerUserID string) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx,
		"INSERT INTO accounts (address, issuer_user_id) VALUES ($1, $2) RETURNING id",
		address, issuerUserID).Scan(&id)
	return id, err
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT id, address, issuer_user_id, created_at FROM accounts WHERE id = $1",
		id).Scan(&acc.ID, &acc.Address, &acc.IssuerUserID, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAccountByIssuerUserID resolves the account linked to an issuer user.
func (s *Store) GetAccountByIssuerUserID(ctx context.Context, issuerUserID string) (*domain.Account, error) {
	var acc domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT id, address, issuer_user_id, created_at FROM accounts WHERE issuer_user_id = $1",
		issuerUserID).Scan(&acc.ID, &acc.Address, &acc.IssuerUserID, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// ListAccounts returns every monitored account, ordered by id so batch
// partitioning is stable across scheduler cycles.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT id, address, issuer_user_id, created_at FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var acc domain.Account
		if err := rows.Scan(&acc.ID, &acc.Address, &acc.IssuerUserID, &acc.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// GetTransactionByTransferID looks up the durable record for an external
// transfer id. ErrNotFound means the transfer has not been recorded yet.
func (s *Store) GetTransactionByTransferID(ctx context.Context, transferID string) (*domain.Transaction, error) {
	row := s.Db.QueryRow(ctx,
		`SELECT id, account_id, external_transfer_id, amount::text, status, COALESCE(application_id, ''), created_at
		 FROM transactions WHERE external_transfer_id = $1`, transferID)
	return scanTransaction(row)
}

// InsertTransaction records one reconciled deposit inside a serializable
// transaction. A uniqueness violation on external_transfer_id is reported as
// ErrDuplicateTransaction so callers can treat replays as benign.
func (s *Store) InsertTransaction(ctx context.Context, txn domain.Transaction) (int64, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, external_transfer_id, amount, status, application_id)
		 VALUES ($1, $2, $3, $4, NULLIF($5, '')) RETURNING id`,
		txn.AccountID, txn.ExternalTransferID, txn.Amount.String(), txn.Status, txn.ApplicationID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, ErrDuplicateTransaction
		}
		return 0, fmt.Errorf("transaction insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return id, nil
}

// ListTransactionsByAccount returns recorded deposits for one account,
// newest first.
func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID int64, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Db.Query(ctx,
		`SELECT id, account_id, external_transfer_id, amount::text, status, COALESCE(application_id, ''), created_at
		 FROM transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransactionRow(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	txn, err := scanTransactionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return txn, nil
}

func scanTransactionRow(row rowScanner) (*domain.Transaction, error) {
	var txn domain.Transaction
	var amount string
	var createdAt time.Time
	if err := row.Scan(&txn.ID, &txn.AccountID, &txn.ExternalTransferID,
		&amount, &txn.Status, &txn.ApplicationID, &createdAt); err != nil {
		return nil, err
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("malformed amount %q: %w", amount, err)
	}
	txn.Amount = dec
	txn.CreatedAt = createdAt
	return &txn, nil
}
