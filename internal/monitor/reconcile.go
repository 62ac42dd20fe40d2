package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/cardops/internal/domain"
	"github.com/punchamoorthee/cardops/internal/issuer"
	"github.com/punchamoorthee/cardops/internal/queue"
	"github.com/punchamoorthee/cardops/internal/store"
)

var reconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardops_reconcile_outcomes_total",
	Help: "Reconciliation attempts by outcome kind",
}, []string{"outcome"})

// outcome is the explicit result of one reconciliation attempt. The queue
// integration layer inspects the kind to decide retryability; errors carry
// context for logging only.
type outcome struct {
	kind outcomeKind
	err  error
}

type outcomeKind string

const (
	// outcomeRecorded: a new Transaction row was inserted.
	outcomeRecorded outcomeKind = "recorded"
	// outcomeDuplicate: the uniqueness constraint fired; the transfer was
	// already recorded. Benign success, never an error.
	outcomeDuplicate outcomeKind = "duplicate"
	// outcomeTransient: an external call failed; retry with backoff.
	outcomeTransient outcomeKind = "transient"
	// outcomeMismatch: no pending application matched the amount. Retried,
	// because the issuer's application may not have propagated yet.
	outcomeMismatch outcomeKind = "mismatch"
)

// Reconciler turns one observed transfer into one durable Transaction row.
type Reconciler struct {
	store    TransactionStore
	issuer   issuer.Client
	appLimit int
	log      zerolog.Logger
}

func NewReconciler(s TransactionStore, client issuer.Client, appLimit int, log zerolog.Logger) *Reconciler {
	if appLimit <= 0 {
		appLimit = 20
	}
	return &Reconciler{
		store:    s,
		issuer:   client,
		appLimit: appLimit,
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// Handle executes one reconcile job and maps the outcome kind to a queue
// disposition. After the retry budget is exhausted the queue marks the job
// failed, which surfaces it on the ops API for manual reconciliation.
func (r *Reconciler) Handle(ctx context.Context, job *queue.Job) (queue.Disposition, error) {
	var payload ReconcilePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fail, fmt.Errorf("reconcile payload decode failed: %w", err)
	}

	out := r.reconcile(ctx, payload)
	reconcileOutcomes.WithLabelValues(string(out.kind)).Inc()

	logger := r.log.With().
		Int64("account_id", payload.AccountID).
		Str("transfer_id", payload.TransferID).
		Int("attempt", job.Attempts).
		Logger()

	switch out.kind {
	case outcomeRecorded:
		logger.Info().Str("amount", payload.Amount.String()).Msg("deposit recorded")
		return queue.Done, nil
	case outcomeDuplicate:
		logger.Info().Msg("transfer already recorded")
		return queue.Done, nil
	case outcomeMismatch:
		return queue.Retry, fmt.Errorf("transfer %s: %w", payload.TransferID, out.err)
	default:
		return queue.Retry, fmt.Errorf("transfer %s: %w", payload.TransferID, out.err)
	}
}

var errNoMatchingApplication = errors.New("no pending application matches amount")

// reconcile runs the multi-step procedure: credit the issuer wallet, find the
// amount-matching pending application, and insert the durable record. A
// Transaction row is only ever created after the top-up call succeeded and a
// match was found.
func (r *Reconciler) reconcile(ctx context.Context, p ReconcilePayload) outcome {
	// The reference lets an issuer that honors client references dedupe
	// repeated credits across at-least-once deliveries.
	reference := "dep-" + p.TransferID
	if err := r.issuer.TopupWallet(ctx, p.IssuerUserID, p.Amount, reference); err != nil {
		return outcome{kind: outcomeTransient, err: fmt.Errorf("topup call: %w", err)}
	}

	apps, err := r.issuer.GetTopupApplications(ctx, p.IssuerUserID, 1, r.appLimit, domain.ApplicationPending)
	if err != nil {
		return outcome{kind: outcomeTransient, err: fmt.Errorf("application query: %w", err)}
	}

	match, ok := firstAmountMatch(apps, p.Amount)
	if !ok {
		return outcome{kind: outcomeMismatch, err: errNoMatchingApplication}
	}

	_, err = r.store.InsertTransaction(ctx, domain.Transaction{
		AccountID:          p.AccountID,
		ExternalTransferID: p.TransferID,
		Amount:             p.Amount,
		Status:             domain.TransactionSuccess,
		ApplicationID:      match.ID,
	})
	if errors.Is(err, store.ErrDuplicateTransaction) {
		return outcome{kind: outcomeDuplicate}
	}
	if err != nil {
		return outcome{kind: outcomeTransient, err: fmt.Errorf("record insert: %w", err)}
	}
	return outcome{kind: outcomeRecorded}
}

// firstAmountMatch selects the first pending application whose amount equals
// the transfer amount exactly. The issuer does not echo the transfer id, so
// the tie-break is the order the issuer returned.
func firstAmountMatch(apps []domain.TopupApplication, amount decimal.Decimal) (domain.TopupApplication, bool) {
	for _, app := range apps {
		if app.Status == domain.ApplicationPending && app.Amount.Equal(amount) {
			return app, true
		}
	}
	return domain.TopupApplication{}, false
}
