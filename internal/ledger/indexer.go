// Package ledger queries an external indexer for confirmed token transfers
// to managed deposit addresses.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/cardops/internal/domain"
)

// ResultSuccess is the indexer's result code for an executed transaction.
const ResultSuccess = "SUCCESS"

// Client talks to the ledger indexer HTTP API. Calls are rate limited
// client-side because the pipeline fans out across many accounts.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewClient(baseURL string, rps float64, log zerolog.Logger) *Client {
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     log.With().Str("component", "ledger").Logger(),
	}
}

type transferRecord struct {
	TransactionID  string `json:"transaction_id"`
	Amount         string `json:"amount"`
	From           string `json:"from"`
	To             string `json:"to"`
	BlockTimestamp int64  `json:"block_timestamp"`
	Confirmed      bool   `json:"confirmed"`
	Reverted       bool   `json:"reverted"`
	Result         string `json:"result"`
}

type transfersResponse struct {
	Data []transferRecord `json:"data"`
}

// ConfirmedTransfers queries the indexer once for transfers to the address
// within [start, end] and returns only final ones. Output order carries no
// meaning; repeating the same query is safe. Any network or non-2xx failure
// is returned to the caller, which retries through the queue.
func (c *Client) ConfirmedTransfers(ctx context.Context, address string, start, end time.Time) ([]domain.Transfer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("start_timestamp", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("end_timestamp", strconv.FormatInt(end.UnixMilli(), 10))
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transfers?%s", c.baseURL, url.PathEscape(address), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("indexer query for %s: status=%d", address, resp.StatusCode)
	}

	var body transfersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("indexer response decode failed: %w", err)
	}

	transfers, err := parseTransfers(body.Data)
	if err != nil {
		return nil, err
	}
	final := FilterFinal(transfers)
	c.log.Debug().
		Str("address", address).
		Int("returned", len(transfers)).
		Int("final", len(final)).
		Msg("polled indexer")
	return final, nil
}

func parseTransfers(records []transferRecord) ([]domain.Transfer, error) {
	transfers := make([]domain.Transfer, 0, len(records))
	for _, rec := range records {
		amount, err := parseAmount(rec.Amount)
		if err != nil {
			return nil, fmt.Errorf("transfer %s: %w", rec.TransactionID, err)
		}
		transfers = append(transfers, domain.Transfer{
			ID:        rec.TransactionID,
			Amount:    amount,
			From:      rec.From,
			To:        rec.To,
			Timestamp: time.UnixMilli(rec.BlockTimestamp).UTC(),
			Confirmed: rec.Confirmed,
			Reverted:  rec.Reverted,
			Result:    rec.Result,
		})
	}
	return transfers, nil
}

// FilterFinal keeps transfers that are settled beyond reorg risk: executed
// successfully, confirmed, and not reverted. All three must hold.
func FilterFinal(transfers []domain.Transfer) []domain.Transfer {
	final := make([]domain.Transfer, 0, len(transfers))
	for _, t := range transfers {
		if t.Result == ResultSuccess && t.Confirmed && !t.Reverted {
			final = append(final, t)
		}
	}
	return final
}
