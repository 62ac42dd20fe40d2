// Command simulator runs an in-memory stand-in for both external
// collaborators (ledger indexer and issuer API) so monitord can be exercised
// end to end locally without real credentials.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	listenAddr string
	accounts   int
	interval   time.Duration
)

func init() {
	flag.StringVar(&listenAddr, "listen", ":9090", "Address to serve both fake APIs on")
	flag.IntVar(&accounts, "accounts", 10, "Number of simulated deposit addresses")
	flag.DurationVar(&interval, "interval", 15*time.Second, "Delay between simulated deposits")
}

type transfer struct {
	TransactionID  string `json:"transaction_id"`
	Amount         string `json:"amount"`
	From           string `json:"from"`
	To             string `json:"to"`
	BlockTimestamp int64  `json:"block_timestamp"`
	Confirmed      bool   `json:"confirmed"`
	Reverted       bool   `json:"reverted"`
	Result         string `json:"result"`
}

type application struct {
	ID         string `json:"id"`
	Amount     string `json:"amount"`
	Status     int    `json:"status"`
	CreateTime int64  `json:"createTime"`
}

type world struct {
	mu        sync.Mutex
	transfers map[string][]transfer    // by destination address
	pending   map[string][]application // by issuer user id
	seq       int
}

func main() {
	flag.Parse()
	w := &world{
		transfers: make(map[string][]transfer),
		pending:   make(map[string][]application),
	}

	go w.emitDeposits()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/accounts/", w.handleTransfers)
	mux.HandleFunc("POST /openapi/wallet/topup", w.handleTopup)
	mux.HandleFunc("POST /openapi/topup/applications", w.handleApplications)
	mux.HandleFunc("POST /openapi/topup/reject", w.handleReject)

	log.Printf("Simulator serving indexer+issuer on %s | accounts=%d interval=%s", listenAddr, accounts, interval)
	log.Fatal(http.ListenAndServe(listenAddr, mux))
}

// emitDeposits periodically credits a random simulated address with a new
// confirmed transfer and files the matching pending application, mirroring
// what a real user top-up produces on both sides.
func (w *world) emitDeposits() {
	for {
		time.Sleep(interval)
		w.mu.Lock()
		w.seq++
		idx := rand.Intn(accounts) + 1
		address := fmt.Sprintf("T%034d", idx)
		user := fmt.Sprintf("user-%05d", idx)
		amount := fmt.Sprintf("%d", (rand.Intn(20)+1)*10)
		id := fmt.Sprintf("sim-tx-%06d", w.seq)

		w.transfers[address] = append(w.transfers[address], transfer{
			TransactionID:  id,
			Amount:         amount,
			From:           "Tsimulatorsource000000000000000000",
			To:             address,
			BlockTimestamp: time.Now().UnixMilli(),
			Confirmed:      true,
			Reverted:       false,
			Result:         "SUCCESS",
		})
		w.pending[user] = append(w.pending[user], application{
			ID:         fmt.Sprintf("sim-app-%06d", w.seq),
			Amount:     amount,
			Status:     0,
			CreateTime: time.Now().Unix(),
		})
		w.mu.Unlock()
		log.Printf("deposit: %s -> %s (%s)", id, address, amount)
	}
}

func (w *world) handleTransfers(rw http.ResponseWriter, r *http.Request) {
	// Path shape: /v1/accounts/{address}/transfers
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[3] != "transfers" {
		http.NotFound(rw, r)
		return
	}
	address := parts[2]

	w.mu.Lock()
	defer w.mu.Unlock()
	respond(rw, map[string]any{"data": w.transfers[address]})
}

func (w *world) handleTopup(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		IssuerUserID string `json:"issuerUserId"`
		Amount       string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	respond(rw, map[string]string{"status": "success", "message": "credited"})
}

func (w *world) handleApplications(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		IssuerUserID string `json:"issuerUserId"`
		Status       int    `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	apps := []application{}
	for _, app := range w.pending[req.IssuerUserID] {
		if app.Status == req.Status {
			apps = append(apps, app)
		}
	}
	respond(rw, map[string]any{"applications": apps})
}

func (w *world) handleReject(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationID string `json:"applicationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for user, apps := range w.pending {
		for i, app := range apps {
			if app.ID == req.ApplicationID {
				apps[i].Status = 2
				w.pending[user] = apps
				respond(rw, map[string]string{"status": "success"})
				return
			}
		}
	}
	respond(rw, map[string]string{"status": "error", "message": "application not found"})
}

func respond(rw http.ResponseWriter, payload any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(payload)
}
