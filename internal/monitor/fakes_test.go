package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/cardops/internal/domain"
	"github.com/punchamoorthee/cardops/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]domain.Transaction
	nextID    int64
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]domain.Transaction)}
}

func (f *fakeStore) GetTransactionByTransferID(_ context.Context, transferID string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.rows[transferID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &txn, nil
}

func (f *fakeStore) InsertTransaction(_ context.Context, txn domain.Transaction) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	if _, ok := f.rows[txn.ExternalTransferID]; ok {
		return 0, store.ErrDuplicateTransaction
	}
	f.nextID++
	txn.ID = f.nextID
	txn.CreatedAt = time.Now()
	f.rows[txn.ExternalTransferID] = txn
	return txn.ID, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeIssuer struct {
	mu         sync.Mutex
	topupErr   error
	topupCalls int
	topupRefs  []string
	apps       map[string][]domain.TopupApplication
	appsErr    error
	rejectErr  map[string]error
	rejected   []string
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{apps: make(map[string][]domain.TopupApplication)}
}

func (f *fakeIssuer) TopupWallet(_ context.Context, issuerUserID string, amount decimal.Decimal, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topupCalls++
	f.topupRefs = append(f.topupRefs, reference)
	return f.topupErr
}

func (f *fakeIssuer) GetTopupApplications(_ context.Context, issuerUserID string, page, limit int, status domain.ApplicationStatus) ([]domain.TopupApplication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appsErr != nil {
		return nil, f.appsErr
	}
	var out []domain.TopupApplication
	for _, app := range f.apps[issuerUserID] {
		if app.Status == status {
			out = append(out, app)
		}
	}
	start := (page - 1) * limit
	if start >= len(out) {
		return nil, nil
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (f *fakeIssuer) RejectTopupApplication(_ context.Context, applicationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejectErr[applicationID]; err != nil {
		return err
	}
	for user, apps := range f.apps {
		for i, app := range apps {
			if app.ID == applicationID {
				apps[i].Status = domain.ApplicationRejected
				f.apps[user] = apps
			}
		}
	}
	f.rejected = append(f.rejected, applicationID)
	return nil
}

type enqueued struct {
	jobType string
	payload any
	delay   time.Duration
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueueErr error
	jobs       []enqueued

	staleCalls []time.Duration
	staleN     int64
}

func (f *fakeQueue) Enqueue(_ context.Context, jobType string, payload any, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.jobs = append(f.jobs, enqueued{jobType: jobType, payload: payload, delay: delay})
	return nil
}

func (f *fakeQueue) FailStale(_ context.Context, jobType string, maxAge time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCalls = append(f.staleCalls, maxAge)
	return f.staleN, nil
}

func (f *fakeQueue) byType(jobType string) []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []enqueued
	for _, j := range f.jobs {
		if j.jobType == jobType {
			out = append(out, j)
		}
	}
	return out
}

type fakeLedger struct {
	mu        sync.Mutex
	transfers map[string][]domain.Transfer
	errs      map[string]error
	polled    []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		transfers: make(map[string][]domain.Transfer),
		errs:      make(map[string]error),
	}
}

func (f *fakeLedger) ConfirmedTransfers(_ context.Context, address string, start, end time.Time) ([]domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, address)
	if err := f.errs[address]; err != nil {
		return nil, err
	}
	return f.transfers[address], nil
}

type fakeAccounts struct {
	accounts []domain.Account
	err      error
}

func (f *fakeAccounts) ListAccounts(context.Context) ([]domain.Account, error) {
	return f.accounts, f.err
}
