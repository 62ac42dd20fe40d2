package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Metrics
var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardops_queue_jobs_enqueued_total",
		Help: "Jobs accepted into the durable queue",
	}, []string{"type"})

	jobsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardops_queue_jobs_settled_total",
		Help: "Job executions by final disposition",
	}, []string{"type", "disposition"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cardops_queue_job_duration_seconds",
		Help:    "Handler execution latency",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"type"})
)

var ErrUnknownJobType = errors.New("job type not registered")

// Job is one unit of durable work. Attempts counts executions including the
// one currently in flight.
type Job struct {
	ID          uuid.UUID
	Type        string
	Payload     []byte
	Attempts    int
	MaxAttempts int
}

// Disposition is the handler's verdict on a job. Retryability is an explicit
// result inspected by the queue, not inferred from error values.
type Disposition int

const (
	// Done marks the job succeeded. Benign duplicates settle as Done.
	Done Disposition = iota
	// Retry reschedules the job with exponential backoff until the attempt
	// cap, after which it is marked failed and surfaced for operators.
	Retry
	// Fail marks the job failed immediately, bypassing remaining attempts.
	Fail
)

func (d Disposition) String() string {
	switch d {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Handler executes one job. The returned error is recorded alongside the
// disposition for operator visibility; it never drives control flow.
type Handler func(ctx context.Context, job *Job) (Disposition, error)

type registration struct {
	handler     Handler
	workers     int
	maxAttempts int
}

// Options tunes queue-wide behavior.
type Options struct {
	BackoffBase  time.Duration
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Queue is a durable, at-least-once job queue backed by Postgres. Workers
// claim jobs with FOR UPDATE SKIP LOCKED, so concurrent consumption is safe
// and pending entries survive process restarts.
type Queue struct {
	db   *pgxpool.Pool
	log  zerolog.Logger
	opts Options
	regs map[string]registration
}

func New(db *pgxpool.Pool, log zerolog.Logger, opts Options) *Queue {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	return &Queue{
		db:   db,
		log:  log.With().Str("component", "queue").Logger(),
		opts: opts,
		regs: make(map[string]registration),
	}
}

// Register binds a handler and a fixed-size worker pool to a job type.
// Must be called before Run; not safe to call concurrently with it.
func (q *Queue) Register(jobType string, workers, maxAttempts int, h Handler) {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	q.regs[jobType] = registration{handler: h, workers: workers, maxAttempts: maxAttempts}
}

// Enqueue persists a job eligible to run after the given delay. The payload
// is serialized to JSON.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, delay time.Duration) error {
	reg, ok := q.regs[jobType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload marshal failed: %w", err)
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO jobs (id, type, payload, max_attempts, run_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), jobType, body, reg.maxAttempts, time.Now().Add(delay))
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	jobsEnqueued.WithLabelValues(jobType).Inc()
	return nil
}

// Run starts the worker pools and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for jobType, reg := range q.regs {
		// Rescue work stranded by a prior crash before workers start.
		q.reclaim(ctx, jobType)
		for i := 0; i < reg.workers; i++ {
			go q.worker(ctx, jobType, reg)
		}
		go q.reclaimer(ctx, jobType)
	}
	<-ctx.Done()
	return ctx.Err()
}

// reclaimer periodically returns running jobs with an expired lease to the
// queue. A job is stranded when the process died between claim and settle.
func (q *Queue) reclaimer(ctx context.Context, jobType string) {
	ticker := time.NewTicker(q.opts.JobTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reclaim(ctx, jobType)
		}
	}
}

func (q *Queue) reclaim(ctx context.Context, jobType string) {
	cutoff := leaseCutoff(time.Now(), q.opts.JobTimeout, q.opts.PollInterval)
	tag, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = 'queued', updated_at = now()
		 WHERE type = $1 AND status = 'running' AND updated_at < $2`,
		jobType, cutoff)
	if err != nil {
		q.log.Error().Err(err).Str("job_type", jobType).Msg("lease reclaim failed")
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		q.log.Warn().Int64("jobs", n).Str("job_type", jobType).Msg("stranded jobs returned to queue")
	}
}

// leaseCutoff bounds how long a running job may hold its claim. The handler
// cannot execute past jobTimeout, so anything older is stranded; the poll
// interval is added as slack for the settle write.
func leaseCutoff(now time.Time, jobTimeout, pollInterval time.Duration) time.Time {
	return now.Add(-(jobTimeout + pollInterval))
}

func (q *Queue) worker(ctx context.Context, jobType string, reg registration) {
	for {
		job, err := q.claim(ctx, jobType)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error().Err(err).Str("job_type", jobType).Msg("claim failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		q.execute(ctx, job, reg.handler)
	}
}

// claim atomically moves the oldest eligible job to running and increments
// its attempt counter.
func (q *Queue) claim(ctx context.Context, jobType string) (*Job, error) {
	row := q.db.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = now()
		 WHERE id = (
			SELECT id FROM jobs
			WHERE type = $1 AND status = 'queued' AND run_at <= now()
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, type, payload, attempts, max_attempts`, jobType)

	var job Job
	err := row.Scan(&job.ID, &job.Type, &job.Payload, &job.Attempts, &job.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) execute(ctx context.Context, job *Job, h Handler) {
	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	defer cancel()

	timer := prometheus.NewTimer(jobDuration.WithLabelValues(job.Type))
	disposition, err := runHandler(jobCtx, job, h)
	timer.ObserveDuration()

	// Settle must survive shutdown: the run context is already cancelled
	// while workers drain, and an unsettled job stays running until the
	// lease reclaim rescues it.
	settleCtx, cancelSettle := settleContext(ctx)
	defer cancelSettle()
	if err := q.settle(settleCtx, job, disposition, err); err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("settle failed")
	}
}

const settleTimeout = 10 * time.Second

// settleContext detaches from the worker's cancellation so a drained worker
// can still record the job's outcome, bounded by its own timeout.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func runHandler(ctx context.Context, job *Job, h Handler) (disposition Disposition, err error) {
	defer func() {
		if r := recover(); r != nil {
			disposition = Retry
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) settle(ctx context.Context, job *Job, disposition Disposition, cause error) error {
	status, delay := Settle(disposition, job.Attempts, job.MaxAttempts, q.opts.BackoffBase)
	jobsSettled.WithLabelValues(job.Type, disposition.String()).Inc()

	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
		event := q.log.Warn()
		if status == "failed" {
			event = q.log.Error()
		}
		event.Err(cause).
			Str("job_id", job.ID.String()).
			Str("job_type", job.Type).
			Int("attempt", job.Attempts).
			Str("status", status).
			Msg("job did not complete")
	}

	_, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = $1, run_at = $2, last_error = $3, updated_at = now()
		 WHERE id = $4`,
		status, time.Now().Add(delay), lastError, job.ID)
	return err
}

// Settle maps a handler disposition and attempt count to the job's next
// durable state. Exposed as a pure function so retry bounds are testable
// without a database.
func Settle(disposition Disposition, attempts, maxAttempts int, backoffBase time.Duration) (status string, delay time.Duration) {
	switch disposition {
	case Done:
		return "succeeded", 0
	case Fail:
		return "failed", 0
	default:
		if attempts >= maxAttempts {
			return "failed", 0
		}
		return "queued", Backoff(backoffBase, attempts)
	}
}

// Backoff returns the exponential delay before the next attempt: base doubled
// per completed attempt, capped at one hour.
func Backoff(base time.Duration, attempts int) time.Duration {
	const maxDelay = time.Hour
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// FailStale marks unresolved jobs older than maxAge as failed. Used by the
// expiry sweeper; returns the number of jobs transitioned.
func (q *Queue) FailStale(ctx context.Context, jobType string, maxAge time.Duration) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = 'expired', updated_at = now()
		 WHERE type = $1 AND status IN ('queued', 'running') AND created_at < $2`,
		jobType, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailedJob is the operator-facing view of an exhausted job.
type FailedJob struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListFailed returns failed jobs for manual reconciliation, newest first.
func (q *Queue) ListFailed(ctx context.Context, jobType string, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.Query(ctx,
		`SELECT id, type, payload, attempts, COALESCE(last_error, ''), created_at, updated_at
		 FROM jobs WHERE type = $1 AND status = 'failed'
		 ORDER BY updated_at DESC LIMIT $2`, jobType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failed []FailedJob
	for rows.Next() {
		var fj FailedJob
		if err := rows.Scan(&fj.ID, &fj.Type, &fj.Payload, &fj.Attempts,
			&fj.LastError, &fj.CreatedAt, &fj.UpdatedAt); err != nil {
			return nil, err
		}
		failed = append(failed, fj)
	}
	return failed, rows.Err()
}

// Requeue resets a failed job for a fresh round of attempts after an operator
// has resolved the underlying condition.
func (q *Queue) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = 'queued', attempts = 0, run_at = now(), last_error = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}
