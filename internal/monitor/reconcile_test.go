package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/cardops/internal/domain"
	"github.com/punchamoorthee/cardops/internal/queue"
)

func reconcileJob(t *testing.T, p ReconcilePayload, attempt int) *queue.Job {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{Type: TypeReconcile, Payload: body, Attempts: attempt, MaxAttempts: 3}
}

func pendingApp(id string, amount string) domain.TopupApplication {
	return domain.TopupApplication{
		ID:         id,
		Amount:     decimal.RequireFromString(amount),
		Status:     domain.ApplicationPending,
		CreateTime: time.Now(),
	}
}

func TestReconcileEndToEnd(t *testing.T) {
	st := newFakeStore()
	iss := newFakeIssuer()
	iss.apps["user-A"] = []domain.TopupApplication{pendingApp("a1", "50")}
	r := NewReconciler(st, iss, 20, zerolog.Nop())

	payload := ReconcilePayload{
		AccountID:    1,
		IssuerUserID: "user-A",
		Amount:       decimal.RequireFromString("50"),
		TransferID:   "t1",
		ObservedAt:   time.Now(),
	}
	disposition, err := r.Handle(context.Background(), reconcileJob(t, payload, 1))

	require.NoError(t, err)
	assert.Equal(t, queue.Done, disposition)
	assert.Equal(t, 1, iss.topupCalls)

	row, err := st.GetTransactionByTransferID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "a1", row.ApplicationID)
	assert.Equal(t, domain.TransactionSuccess, row.Status)
	assert.True(t, row.Amount.Equal(decimal.RequireFromString("50")))
}

func TestReconcileReplayIsNoOpSuccess(t *testing.T) {
	st := newFakeStore()
	iss := newFakeIssuer()
	iss.apps["user-A"] = []domain.TopupApplication{pendingApp("a1", "50")}
	r := NewReconciler(st, iss, 20, zerolog.Nop())

	payload := ReconcilePayload{
		AccountID:    1,
		IssuerUserID: "user-A",
		Amount:       decimal.RequireFromString("50"),
		TransferID:   "t1",
	}

	first, err := r.Handle(context.Background(), reconcileJob(t, payload, 1))
	require.NoError(t, err)
	require.Equal(t, queue.Done, first)

	// Replaying the same transfer id hits the uniqueness backstop: benign
	// success, never an error, and still exactly one row.
	second, err := r.Handle(context.Background(), reconcileJob(t, payload, 1))
	require.NoError(t, err)
	assert.Equal(t, queue.Done, second)
	assert.Equal(t, 1, st.count())
}

func TestReconcileExactlyOnceUnderRaces(t *testing.T) {
	const transfers = 20
	st := newFakeStore()
	iss := newFakeIssuer()
	r := NewReconciler(st, iss, 50, zerolog.Nop())

	var payloads []ReconcilePayload
	for i := 0; i < transfers; i++ {
		amount := fmt.Sprintf("%d", (i+1)*5)
		iss.apps["user-A"] = append(iss.apps["user-A"], pendingApp(fmt.Sprintf("a%d", i), amount))
		payloads = append(payloads, ReconcilePayload{
			AccountID:    1,
			IssuerUserID: "user-A",
			Amount:       decimal.RequireFromString(amount),
			TransferID:   fmt.Sprintf("t%d", i),
		})
	}

	// Each transfer raced by two concurrent duplicate deliveries.
	var wg sync.WaitGroup
	for _, p := range payloads {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(p ReconcilePayload) {
				defer wg.Done()
				job := &queue.Job{Type: TypeReconcile, Payload: mustMarshal(p), Attempts: 1, MaxAttempts: 3}
				disposition, err := r.Handle(context.Background(), job)
				assert.NoError(t, err)
				assert.Equal(t, queue.Done, disposition)
			}(p)
		}
	}
	wg.Wait()

	assert.Equal(t, transfers, st.count())
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func TestReconcileNoMatchIsRetried(t *testing.T) {
	st := newFakeStore()
	iss := newFakeIssuer() // no pending applications yet
	r := NewReconciler(st, iss, 20, zerolog.Nop())

	payload := ReconcilePayload{IssuerUserID: "user-A", Amount: decimal.RequireFromString("50"), TransferID: "t1"}
	disposition, err := r.Handle(context.Background(), reconcileJob(t, payload, 1))

	assert.Equal(t, queue.Retry, disposition)
	assert.Error(t, err)
	// The top-up was attempted, but no record may exist without a match.
	assert.Equal(t, 1, iss.topupCalls)
	assert.Equal(t, 0, st.count())
}

func TestReconcileAmountMustMatchExactly(t *testing.T) {
	st := newFakeStore()
	iss := newFakeIssuer()
	iss.apps["user-A"] = []domain.TopupApplication{pendingApp("a1", "49.99")}
	r := NewReconciler(st, iss, 20, zerolog.Nop())

	payload := ReconcilePayload{IssuerUserID: "user-A", Amount: decimal.RequireFromString("50"), TransferID: "t1"}
	disposition, _ := r.Handle(context.Background(), reconcileJob(t, payload, 1))

	assert.Equal(t, queue.Retry, disposition)
	assert.Equal(t, 0, st.count())
}

func TestReconcileTransientIssuerFailure(t *testing.T) {
	st := newFakeStore()
	iss := newFakeIssuer()
	iss.topupErr = fmt.Errorf("503 from issuer")
	r := NewReconciler(st, iss, 20, zerolog.Nop())

	payload := ReconcilePayload{IssuerUserID: "user-A", Amount: decimal.RequireFromString("50"), TransferID: "t1"}
	disposition, err := r.Handle(context.Background(), reconcileJob(t, payload, 1))

	assert.Equal(t, queue.Retry, disposition)
	assert.Error(t, err)
	assert.Equal(t, 0, st.count())
}

func TestReconcileMalformedPayloadFails(t *testing.T) {
	r := NewReconciler(newFakeStore(), newFakeIssuer(), 20, zerolog.Nop())

	job := &queue.Job{Type: TypeReconcile, Payload: []byte("{not json"), Attempts: 1, MaxAttempts: 3}
	disposition, err := r.Handle(context.Background(), job)

	assert.Equal(t, queue.Fail, disposition)
	assert.Error(t, err)
}

func TestReconcileSendsIdempotencyReference(t *testing.T) {
	st := newFakeStore()
	iss := newFakeIssuer()
	iss.apps["user-A"] = []domain.TopupApplication{pendingApp("a1", "50")}
	r := NewReconciler(st, iss, 20, zerolog.Nop())

	payload := ReconcilePayload{IssuerUserID: "user-A", Amount: decimal.RequireFromString("50"), TransferID: "t1"}
	_, err := r.Handle(context.Background(), reconcileJob(t, payload, 1))
	require.NoError(t, err)

	require.Len(t, iss.topupRefs, 1)
	assert.Equal(t, "dep-t1", iss.topupRefs[0])
}

func TestFirstAmountMatchTieBreak(t *testing.T) {
	amount := decimal.RequireFromString("50")
	apps := []domain.TopupApplication{
		{ID: "a1", Amount: decimal.RequireFromString("25"), Status: domain.ApplicationPending},
		{ID: "a2", Amount: amount, Status: domain.ApplicationRejected},
		{ID: "a3", Amount: amount, Status: domain.ApplicationPending},
		{ID: "a4", Amount: amount, Status: domain.ApplicationPending},
	}

	match, ok := firstAmountMatch(apps, amount)
	require.True(t, ok)
	// First pending exact match in issuer order wins.
	assert.Equal(t, "a3", match.ID)

	_, ok = firstAmountMatch(apps, decimal.RequireFromString("51"))
	assert.False(t, ok)
}
