// Package ops exposes the operator-facing HTTP surface: health, metrics,
// maintenance control, failed-job triage, and issuer webhook ingestion.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/cardops/internal/domain"
	"github.com/punchamoorthee/cardops/internal/events"
	"github.com/punchamoorthee/cardops/internal/monitor"
	"github.com/punchamoorthee/cardops/internal/queue"
	"github.com/punchamoorthee/cardops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardops_http_requests_total",
		Help: "Total ops HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardops_webhook_events_total",
		Help: "Issuer webhook deliveries by kind",
	}, []string{"kind"})
)

// Store is the read surface the handler needs.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAccountByIssuerUserID(ctx context.Context, issuerUserID string) (*domain.Account, error)
	ListTransactionsByAccount(ctx context.Context, accountID int64, limit int) ([]domain.Transaction, error)
}

// JobQueue is the queue surface the handler needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any, delay time.Duration) error
	ListFailed(ctx context.Context, jobType string, limit int) ([]queue.FailedJob, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

type Handler struct {
	store       Store
	queue       JobQueue
	maintenance *MaintenanceState
	log         zerolog.Logger
}

func NewHandler(s Store, q JobQueue, maintenance *MaintenanceState, log zerolog.Logger) *Handler {
	return &Handler{
		store:       s,
		queue:       q,
		maintenance: maintenance,
		log:         log.With().Str("component", "ops").Logger(),
	}
}

// Register mounts the ops routes on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.HealthHandler).Methods("GET")
	r.HandleFunc("/webhooks/issuer", h.WebhookHandler).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/maintenance", h.GetMaintenanceHandler).Methods("GET")
	apiV1.HandleFunc("/maintenance", h.SetMaintenanceHandler).Methods("PUT")
	apiV1.HandleFunc("/jobs/failed", h.ListFailedJobsHandler).Methods("GET")
	apiV1.HandleFunc("/jobs/{id}/requeue", h.RequeueJobHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/transactions", h.AccountTransactionsHandler).Methods("GET")
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/healthz")
}

type maintenanceView struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

func (h *Handler) GetMaintenanceHandler(w http.ResponseWriter, r *http.Request) {
	view := maintenanceView{Enabled: h.maintenance.Enabled(), Reason: h.maintenance.Reason()}
	h.respondJSON(w, http.StatusOK, view, "GET", "/maintenance")
}

func (h *Handler) SetMaintenanceHandler(w http.ResponseWriter, r *http.Request) {
	var req maintenanceView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "PUT", "/maintenance")
		return
	}
	h.maintenance.Set(req.Enabled, req.Reason)
	h.log.Info().Bool("enabled", req.Enabled).Str("reason", req.Reason).Msg("maintenance mode changed")
	h.respondJSON(w, http.StatusOK, maintenanceView{Enabled: h.maintenance.Enabled(), Reason: h.maintenance.Reason()}, "PUT", "/maintenance")
}

// ListFailedJobsHandler surfaces exhausted jobs for manual reconciliation.
func (h *Handler) ListFailedJobsHandler(w http.ResponseWriter, r *http.Request) {
	jobType := r.URL.Query().Get("type")
	if jobType == "" {
		jobType = monitor.TypeReconcile
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	failed, err := h.queue.ListFailed(r.Context(), jobType, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed job listing error", "GET", "/jobs/failed")
		return
	}
	if failed == nil {
		failed = []queue.FailedJob{}
	}
	h.respondJSON(w, http.StatusOK, failed, "GET", "/jobs/failed")
}

func (h *Handler) RequeueJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid job id", "POST", "/jobs/{id}/requeue")
		return
	}
	if err := h.queue.Requeue(r.Context(), id); err != nil {
		h.respondError(w, http.StatusNotFound, "Job not found or not failed", "POST", "/jobs/{id}/requeue")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "queued"}, "POST", "/jobs/{id}/requeue")
}

func (h *Handler) AccountTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid account id", "GET", "/accounts/{id}/transactions")
		return
	}
	if _, err := h.store.GetAccount(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Account not found", "GET", "/accounts/{id}/transactions")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Account lookup error", "GET", "/accounts/{id}/transactions")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := h.store.ListTransactionsByAccount(r.Context(), id, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Transaction listing error", "GET", "/accounts/{id}/transactions")
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	h.respondJSON(w, http.StatusOK, txns, "GET", "/accounts/{id}/transactions")
}

// WebhookHandler ingests issuer events. A TOPUP event fast-paths a monitor
// pass for the affected account so the deposit is reconciled ahead of the
// next scheduled cycle; all other kinds are acknowledged and logged.
func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Stream read error", "POST", "/webhooks/issuer")
		return
	}

	ev, err := events.Decode(body)
	if err != nil {
		h.log.Warn().Err(err).Msg("webhook rejected")
		h.respondError(w, http.StatusUnprocessableEntity, "Unrecognized event", "POST", "/webhooks/issuer")
		return
	}
	webhookEvents.WithLabelValues(string(ev.Kind)).Inc()

	if ev.Kind == events.KindTopup {
		acc, err := h.store.GetAccountByIssuerUserID(r.Context(), ev.Topup.IssuerUserID)
		if err == nil {
			payload := monitor.BatchPayload{Accounts: []domain.Account{*acc}}
			if err := h.queue.Enqueue(r.Context(), monitor.TypeMonitorBatch, payload, 0); err != nil {
				h.log.Error().Err(err).Int64("account_id", acc.ID).Msg("fast-path enqueue failed")
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			h.log.Error().Err(err).Str("issuer_user_id", ev.Topup.IssuerUserID).Msg("account lookup failed")
		}
	}

	h.log.Info().Str("event_id", ev.ID).Str("kind", string(ev.Kind)).Msg("webhook accepted")
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"}, "POST", "/webhooks/issuer")
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
