package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/cardops/internal/domain"
	"github.com/punchamoorthee/cardops/internal/issuer"
)

var sweeperExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardops_sweeper_expirations_total",
	Help: "Stale items resolved by the expiry sweeper",
}, []string{"kind"})

// StaleFailer is the queue surface the sweeper uses to fail aged-out work.
type StaleFailer interface {
	FailStale(ctx context.Context, jobType string, maxAge time.Duration) (int64, error)
}

// Sweeper fails unresolved reconciliation work older than the max age and
// rejects issuer applications still pending past the same window.
type Sweeper struct {
	queue    StaleFailer
	accounts AccountLister
	issuer   issuer.Client
	maxAge   time.Duration
	appLimit int
	log      zerolog.Logger
	now      func() time.Time
}

func NewSweeper(q StaleFailer, accounts AccountLister, client issuer.Client,
	maxAge time.Duration, appLimit int, log zerolog.Logger) *Sweeper {
	if appLimit <= 0 {
		appLimit = 50
	}
	return &Sweeper{
		queue:    q,
		accounts: accounts,
		issuer:   client,
		maxAge:   maxAge,
		appLimit: appLimit,
		log:      log.With().Str("component", "sweeper").Logger(),
		now:      time.Now,
	}
}

// Sweep runs both passes. Each is independent and best-effort: one failed
// rejection is logged and never blocks the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.failStaleWork(ctx)
	s.rejectStaleApplications(ctx)
}

func (s *Sweeper) failStaleWork(ctx context.Context) {
	n, err := s.queue.FailStale(ctx, TypeReconcile, s.maxAge)
	if err != nil {
		s.log.Error().Err(err).Msg("stale work sweep failed")
		return
	}
	if n > 0 {
		sweeperExpirations.WithLabelValues("job").Add(float64(n))
		s.log.Warn().Int64("jobs", n).Msg("stale reconciliation work marked failed")
	}
}

func (s *Sweeper) rejectStaleApplications(ctx context.Context) {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("account listing failed, application sweep skipped")
		return
	}

	cutoff := s.now().Add(-s.maxAge)
	for _, acc := range accounts {
		apps, err := s.listPending(ctx, acc.IssuerUserID)
		if err != nil {
			s.log.Warn().Err(err).
				Int64("account_id", acc.ID).
				Msg("application listing failed, account skipped")
			continue
		}
		for _, app := range apps {
			if !app.CreateTime.Before(cutoff) {
				continue
			}
			if err := s.issuer.RejectTopupApplication(ctx, app.ID); err != nil {
				s.log.Warn().Err(err).
					Str("application_id", app.ID).
					Int64("account_id", acc.ID).
					Msg("application rejection failed")
				continue
			}
			sweeperExpirations.WithLabelValues("application").Inc()
			s.log.Info().
				Str("application_id", app.ID).
				Int64("account_id", acc.ID).
				Msg("stale application rejected")
		}
	}
}

// listPending pages through the user's pending applications until the issuer
// returns a short page. The full set is collected before any rejection so
// paging is not skewed by the sweep's own mutations.
func (s *Sweeper) listPending(ctx context.Context, issuerUserID string) ([]domain.TopupApplication, error) {
	var apps []domain.TopupApplication
	for page := 1; ; page++ {
		batch, err := s.issuer.GetTopupApplications(ctx, issuerUserID, page, s.appLimit, domain.ApplicationPending)
		if err != nil {
			return nil, err
		}
		apps = append(apps, batch...)
		if len(batch) < s.appLimit {
			return apps, nil
		}
	}
}
