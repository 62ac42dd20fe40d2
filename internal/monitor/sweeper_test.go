package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/cardops/internal/domain"
)

func TestSweeperFailsStaleWork(t *testing.T) {
	q := &fakeQueue{staleN: 3}
	s := NewSweeper(q, &fakeAccounts{}, newFakeIssuer(), 24*time.Hour, 50, zerolog.Nop())

	s.Sweep(context.Background())

	require.Len(t, q.staleCalls, 1)
	assert.Equal(t, 24*time.Hour, q.staleCalls[0])
}

func TestSweeperRejectsStaleApplicationsExactlyOnce(t *testing.T) {
	accounts := makeAccounts(1)
	iss := newFakeIssuer()
	iss.apps[accounts[0].IssuerUserID] = []domain.TopupApplication{
		{ID: "old", Amount: decimal.RequireFromString("50"), Status: domain.ApplicationPending, CreateTime: time.Now().Add(-48 * time.Hour)},
		{ID: "fresh", Amount: decimal.RequireFromString("20"), Status: domain.ApplicationPending, CreateTime: time.Now().Add(-time.Hour)},
	}
	s := NewSweeper(&fakeQueue{}, &fakeAccounts{accounts: accounts}, iss, 24*time.Hour, 50, zerolog.Nop())

	s.Sweep(context.Background())
	// Second sweep sees the application already rejected issuer-side.
	s.Sweep(context.Background())

	assert.Equal(t, []string{"old"}, iss.rejected)
}

func TestSweeperPagesThroughPendingApplications(t *testing.T) {
	accounts := makeAccounts(1)
	stale := time.Now().Add(-48 * time.Hour)
	iss := newFakeIssuer()
	for i := 0; i < 5; i++ {
		iss.apps[accounts[0].IssuerUserID] = append(iss.apps[accounts[0].IssuerUserID],
			domain.TopupApplication{
				ID:         fmt.Sprintf("old-%d", i),
				Amount:     decimal.RequireFromString("10"),
				Status:     domain.ApplicationPending,
				CreateTime: stale,
			})
	}
	// Page size 2 forces three listing calls; every stale application is
	// still rejected in a single sweep.
	s := NewSweeper(&fakeQueue{}, &fakeAccounts{accounts: accounts}, iss, 24*time.Hour, 2, zerolog.Nop())

	s.Sweep(context.Background())

	assert.Len(t, iss.rejected, 5)
}

func TestSweeperRejectionFailureDoesNotBlockOthers(t *testing.T) {
	accounts := makeAccounts(1)
	stale := time.Now().Add(-48 * time.Hour)
	iss := newFakeIssuer()
	iss.apps[accounts[0].IssuerUserID] = []domain.TopupApplication{
		{ID: "bad", Amount: decimal.RequireFromString("50"), Status: domain.ApplicationPending, CreateTime: stale},
		{ID: "good", Amount: decimal.RequireFromString("20"), Status: domain.ApplicationPending, CreateTime: stale},
	}
	iss.rejectErr = map[string]error{"bad": fmt.Errorf("issuer 500")}
	s := NewSweeper(&fakeQueue{}, &fakeAccounts{accounts: accounts}, iss, 24*time.Hour, 50, zerolog.Nop())

	s.Sweep(context.Background())

	assert.Equal(t, []string{"good"}, iss.rejected)
}
